// Package planner diffs the resolver's keep decision against the current
// inventory and emits an ordered, validated plan of snapshot/backup
// actions.
/*
 * Copyright (c) 2018-2020, NVIDIA CORPORATION. All rights reserved.
 */
package planner

import (
	"path/filepath"
	"sort"

	"github.com/google/uuid"

	"github.com/btrfs2s3/btrfs2s3/internal/metakey"
	"github.com/btrfs2s3/btrfs2s3/internal/model"
)

// Input is everything the planner needs for one source: the current
// subvolume snapshot (for the causal-timing check against the newest
// existing snapshot), the full local and remote inventories (including
// items about to be expired), and the resolver's Keep decision.
type Input struct {
	Source model.Subvolume
	Local  []model.Item
	Remote []model.Item
	Keep   []model.Item
}

// Plan runs the 5-phase planning algorithm and validates its own output
// before returning.
func Plan(in Input) (model.Plan, error) {
	keepByUUID := make(map[uuid.UUID]model.Item, len(in.Keep))
	for _, it := range in.Keep {
		keepByUUID[it.UUID] = it
	}

	var actions []model.PlanAction

	// Phase 1: canonicalize names, before anything else.
	for _, local := range in.Local {
		keep, ok := keepByUUID[local.UUID]
		if !ok {
			continue // being deleted this run; canonicalizing first is pointless
		}
		canonical := canonicalName(keep, local.Base)
		if filepath.Base(local.Path) != canonical {
			actions = append(actions, model.PlanAction{
				Kind:    model.ActionRenameSnapshot,
				UUID:    local.UUID,
				NewName: canonical,
			})
		}
	}

	// Phase 2: create new snapshots for proposed items, unless the source
	// hasn't advanced since the newest existing snapshot — an unchanged
	// ctransid means zero CreateSnapshot actions.
	maxExistingCTransID := uint64(0)
	for _, l := range in.Local {
		if l.CTransID > maxExistingCTransID {
			maxExistingCTransID = l.CTransID
		}
	}
	createdThisRun := make(map[uuid.UUID]bool)
	if in.Source.CTransID > maxExistingCTransID {
		for _, it := range in.Keep {
			if !it.Proposed {
				continue
			}
			item := it
			actions = append(actions, model.PlanAction{
				Kind:     model.ActionCreateSnapshot,
				Source:   &in.Source,
				UUID:     it.UUID,
				Proposed: &item,
			})
			createdThisRun[it.UUID] = true
		}
	}

	// Phase 3: create new backups for items present locally (or just
	// created in phase 2) but absent remotely, ordered so a backup's
	// send-parent is always created first (topological sort, roots first).
	var toBackup []model.Item
	for _, it := range in.Keep {
		locallyPresentOrPending := it.Where.Has(model.Local) || createdThisRun[it.UUID]
		if locallyPresentOrPending && !it.Where.Has(model.Remote) {
			toBackup = append(toBackup, it)
		}
	}
	ordered, err := topoSortByParent(toBackup)
	if err != nil {
		return model.Plan{}, err
	}
	for _, it := range ordered {
		var sendParent *uuid.UUID
		if it.HasSendParent {
			p := it.SendParentUUID
			sendParent = &p
		}
		actions = append(actions, model.PlanAction{
			Kind:       model.ActionCreateBackup,
			UUID:       it.UUID,
			SendParent: sendParent,
		})
	}

	// Phase 4: delete expired backups, before their local counterparts —
	// this must precede snapshot deletion so a failed deletion doesn't
	// orphan a remote child of a locally-absent parent.
	var expiredRemote []model.Item
	for _, it := range in.Remote {
		if _, kept := keepByUUID[it.UUID]; !kept {
			expiredRemote = append(expiredRemote, it)
		}
	}
	sortByUUID(expiredRemote)
	for _, it := range expiredRemote {
		actions = append(actions, model.PlanAction{Kind: model.ActionDeleteBackup, UUID: it.UUID})
	}

	// Phase 5: delete expired local snapshots.
	var expiredLocal []model.Item
	for _, it := range in.Local {
		if _, kept := keepByUUID[it.UUID]; !kept {
			expiredLocal = append(expiredLocal, it)
		}
	}
	sortByUUID(expiredLocal)
	for _, it := range expiredLocal {
		actions = append(actions, model.PlanAction{Kind: model.ActionDeleteSnapshot, UUID: it.UUID})
	}

	plan := model.Plan{Source: in.Source, Actions: actions}
	if err := validate(plan, in); err != nil {
		return model.Plan{}, err
	}
	return plan, nil
}

// canonicalName computes the canonical filename for a kept item.
func canonicalName(it model.Item, base string) string {
	meta := model.BackupMeta{
		CTime:           it.CTime,
		CTransID:        it.CTransID,
		UUID:            it.UUID,
		SendParentUUID:  it.SendParentUUID,
		ParentUUID:      it.ParentUUID,
		MetadataVersion: model.CurrentMetadataVersion,
		SequenceNumber:  model.CurrentSequenceNumber,
	}
	if !it.HasSendParent {
		meta.SendParentUUID = model.ZeroUUID
	}
	return metakey.Encode(meta, base)
}

func sortByUUID(items []model.Item) {
	sort.Slice(items, func(i, j int) bool { return items[i].UUID.String() < items[j].UUID.String() })
}

// topoSortByParent orders items so that any item's send-parent (if it is
// itself in the set being ordered) appears earlier, using Kahn's
// algorithm. Items whose parent is not in the set (already remote, or a
// root) have in-degree 0 immediately.
func topoSortByParent(items []model.Item) ([]model.Item, error) {
	inSet := make(map[uuid.UUID]bool, len(items))
	for _, it := range items {
		inSet[it.UUID] = true
	}

	indegree := make(map[uuid.UUID]int, len(items))
	children := make(map[uuid.UUID][]uuid.UUID)
	for _, it := range items {
		if it.HasSendParent && inSet[it.SendParentUUID] {
			indegree[it.UUID]++
			children[it.SendParentUUID] = append(children[it.SendParentUUID], it.UUID)
		}
	}

	byUUID := make(map[uuid.UUID]model.Item, len(items))
	for _, it := range items {
		byUUID[it.UUID] = it
	}

	var ready []uuid.UUID
	for _, it := range items {
		if indegree[it.UUID] == 0 {
			ready = append(ready, it.UUID)
		}
	}
	sort.Slice(ready, func(i, j int) bool { return ready[i].String() < ready[j].String() })

	var out []model.Item
	for len(ready) > 0 {
		u := ready[0]
		ready = ready[1:]
		out = append(out, byUUID[u])
		var newlyReady []uuid.UUID
		for _, child := range children[u] {
			indegree[child]--
			if indegree[child] == 0 {
				newlyReady = append(newlyReady, child)
			}
		}
		sort.Slice(newlyReady, func(i, j int) bool { return newlyReady[i].String() < newlyReady[j].String() })
		ready = append(ready, newlyReady...)
	}

	if len(out) != len(items) {
		return nil, &model.PlannerAssertion{Msg: "cycle detected while ordering CreateBackup actions by send-parent"}
	}
	return out, nil
}

// validate replays the plan against a simulated inventory and checks that
// (a) every surviving local and remote item is in Keep and (b) no
// CreateBackup step ever refers to a parent missing from the simulated
// remote set at that point. It does not check that every kept item ends
// up present locally or remotely.
func validate(plan model.Plan, in Input) error {
	simLocal := make(map[uuid.UUID]bool, len(in.Local))
	for _, it := range in.Local {
		simLocal[it.UUID] = true
	}
	simRemote := make(map[uuid.UUID]bool, len(in.Remote))
	for _, it := range in.Remote {
		simRemote[it.UUID] = true
	}

	for _, a := range plan.Actions {
		switch a.Kind {
		case model.ActionCreateSnapshot:
			simLocal[a.UUID] = true
		case model.ActionRenameSnapshot:
			// identity-preserving, no set change
		case model.ActionDeleteSnapshot:
			delete(simLocal, a.UUID)
		case model.ActionCreateBackup:
			if a.SendParent != nil && !simRemote[*a.SendParent] {
				return &model.PlannerAssertion{
					Msg: "CreateBackup(" + a.UUID.String() + ") refers to send-parent " + a.SendParent.String() + " not yet present remotely",
				}
			}
			simRemote[a.UUID] = true
		case model.ActionDeleteBackup:
			delete(simRemote, a.UUID)
		}
	}

	keepSet := make(map[uuid.UUID]bool, len(in.Keep))
	for _, it := range in.Keep {
		keepSet[it.UUID] = true
	}

	// After applying the plan, the surviving local set and remote set
	// must each be a subset of the resolver's Keep set.
	for u := range simLocal {
		if !keepSet[u] {
			return &model.PlannerAssertion{Msg: "simulated local set contains non-kept item " + u.String()}
		}
	}
	for u := range simRemote {
		if !keepSet[u] {
			return &model.PlannerAssertion{Msg: "simulated remote set contains non-kept item " + u.String()}
		}
	}
	return nil
}
