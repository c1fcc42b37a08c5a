// Package resolver implements the differential-tree resolver: given
// candidate items, a retention policy, and "now", it decides which items
// to keep and assigns each kept non-root item its send-parent, such that
// the tree stays a single connected chain back to one full backup per
// root bucket.
/*
 * Copyright (c) 2018-2020, NVIDIA CORPORATION. All rights reserved.
 */
package resolver

import (
	"sort"
	"time"

	"github.com/google/uuid"

	"github.com/btrfs2s3/btrfs2s3/internal/model"
	"github.com/btrfs2s3/btrfs2s3/internal/timeframe"
)

// Result is the resolver's output for one source: the set of items to
// keep, each with its assigned send-parent baked into SendParentUUID/
// HasSendParent (HasSendParent=false marks a root / full backup).
type Result struct {
	Keep []model.Item
}

// arena indexes candidate items by UUID, with parent references stored
// as another UUID; no pointer cycles arise since the tree is acyclic.
type arena struct {
	byUUID map[uuid.UUID]*model.Item
}

// Resolve runs the full keep/parent-assignment algorithm for one source.
func Resolve(items []model.Item, policy model.Policy, tNow time.Time, tz *time.Location) (Result, error) {
	ar := &arena{byUUID: make(map[uuid.UUID]*model.Item, len(items))}
	for i := range items {
		cp := items[i]
		ar.byUUID[cp.UUID] = &cp
	}

	// Step 1: propose buckets per timeframe.
	bucketsByTf := make(map[model.Timeframe][]timeframe.BucketId, len(policy.Rules))
	bucketSetByTf := make(map[model.Timeframe]map[timeframe.BucketId]bool, len(policy.Rules))
	for _, rule := range policy.Rules {
		bs := timeframe.EnumerateBuckets(rule.Timeframe, tNow, rule.Count, tz)
		bucketsByTf[rule.Timeframe] = bs
		set := make(map[timeframe.BucketId]bool, len(bs))
		for _, b := range bs {
			set[b] = true
		}
		bucketSetByTf[rule.Timeframe] = set
	}

	// Step 2+3: for each timeframe, group nominees by bucket and pick a
	// winner per (tf, bucket).
	winners := make(map[model.Timeframe]map[timeframe.BucketId]*model.Item, len(policy.Rules))
	for _, rule := range policy.Rules {
		winners[rule.Timeframe] = make(map[timeframe.BucketId]*model.Item)
	}

	for _, rule := range policy.Rules {
		nominees := make(map[timeframe.BucketId][]*model.Item)
		for _, it := range ar.byUUID {
			b := timeframe.Bucket(rule.Timeframe, it.CTime, tz)
			if bucketSetByTf[rule.Timeframe][b] {
				nominees[b] = append(nominees[b], it)
			}
		}
		for b, candidates := range nominees {
			winner, err := pickWinner(candidates)
			if err != nil {
				return Result{}, err
			}
			winners[rule.Timeframe][b] = winner
		}
	}

	// Step 4: fill missing root/finest-at-now gaps with one proposed item.
	root := policy.RootTimeframe()
	finest := policy.FinestTimeframe()
	rootNowBucket := timeframe.Bucket(root, tNow, tz)
	finestNowBucket := timeframe.Bucket(finest, tNow, tz)

	needsRoot := winners[root][rootNowBucket] == nil
	needsFinest := winners[finest][finestNowBucket] == nil

	if needsRoot || needsFinest {
		proposed := &model.Item{
			UUID:     uuid.New(),
			CTime:    tNow,
			Proposed: true,
		}
		ar.byUUID[proposed.UUID] = proposed
		if needsRoot {
			winners[root][rootNowBucket] = proposed
		}
		if needsFinest {
			winners[finest][finestNowBucket] = proposed
		}
	}

	// Determine, for every item that won at least one slot, the coarsest
	// timeframe it won at.
	coarsestWin := make(map[uuid.UUID]model.Timeframe)
	for _, rule := range policy.Rules {
		for _, it := range winners[rule.Timeframe] {
			if existing, ok := coarsestWin[it.UUID]; !ok || rule.Timeframe < existing {
				coarsestWin[it.UUID] = rule.Timeframe
			}
		}
	}

	// Step 5: assign parents.
	type assigned struct {
		item       *model.Item
		effTf      model.Timeframe
		parent     *model.Item
		parentIsNone bool
	}
	var results []assigned

	for itemUUID, tf := range coarsestWin {
		it := ar.byUUID[itemUUID]
		effTf := tf
		var parent *model.Item
		for {
			if effTf == root {
				break // parent stays nil: full backup
			}
			coarserRule, ok := policy.CoarserThan(effTf)
			if !ok {
				break // no coarser rule in the policy at all; x becomes a root
			}
			b := timeframe.Bucket(coarserRule.Timeframe, it.CTime, tz)
			if w, ok := winners[coarserRule.Timeframe][b]; ok && w != nil {
				parent = w
				break
			}
			// No kept item at the coarser bucket: promote and retry.
			effTf = coarserRule.Timeframe
		}
		results = append(results, assigned{item: it, effTf: effTf, parent: parent, parentIsNone: parent == nil})
	}

	// Stabilize iteration order for deterministic output.
	sort.Slice(results, func(i, j int) bool { return results[i].item.UUID.String() < results[j].item.UUID.String() })

	keep := make([]model.Item, 0, len(results))
	for _, r := range results {
		it := *r.item
		if r.parentIsNone {
			it.SendParentUUID = model.ZeroUUID
			it.HasSendParent = false
		} else {
			it.SendParentUUID = r.parent.UUID
			it.HasSendParent = true
		}
		keep = append(keep, it)
	}

	if err := sanityCheck(keep, policy, tz, bucketSetByTf, root); err != nil {
		return Result{}, err
	}

	return Result{Keep: keep}, nil
}

// pickWinner applies the deterministic tie-break: ctime ascending, then
// ctransid ascending; a simultaneous ctime+ctransid tie across distinct
// items is never silently broken — it fails with ResolverInconsistency.
func pickWinner(candidates []*model.Item) (*model.Item, error) {
	if len(candidates) == 0 {
		return nil, nil
	}
	best := candidates[0]
	var tied *model.Item // another item tying best on ctime and ctransid
	for _, c := range candidates[1:] {
		switch {
		case c.CTime.Before(best.CTime):
			best, tied = c, nil
		case c.CTime.Equal(best.CTime):
			switch {
			case c.CTransID < best.CTransID:
				best, tied = c, nil
			case c.CTransID == best.CTransID && c.UUID != best.UUID:
				tied = c
			}
		}
	}
	if tied != nil {
		return nil, &model.ResolverInconsistency{
			Msg: "ctime and ctransid both tie between items " + tied.UUID.String() + " and " + best.UUID.String(),
		}
	}
	return best, nil
}

// sanityCheck verifies the resolved Keep set stays internally consistent:
// every send-parent reference resolves to another kept item, and at most
// one full backup exists per root bucket.
func sanityCheck(keep []model.Item, policy model.Policy, tz *time.Location,
	bucketSetByTf map[model.Timeframe]map[timeframe.BucketId]bool, root model.Timeframe) error {
	byUUID := make(map[uuid.UUID]model.Item, len(keep))
	for _, it := range keep {
		byUUID[it.UUID] = it
	}

	rootsByBucket := make(map[timeframe.BucketId][]uuid.UUID)
	for _, it := range keep {
		if !it.HasSendParent {
			b := timeframe.Bucket(root, it.CTime, tz)
			if bucketSetByTf[root][b] {
				rootsByBucket[b] = append(rootsByBucket[b], it.UUID)
			}
			continue
		}
		if _, ok := byUUID[it.SendParentUUID]; !ok {
			return &model.ResolverInconsistency{
				Msg: "kept item " + it.UUID.String() + " refers to send-parent " + it.SendParentUUID.String() + " which is not kept",
			}
		}
	}

	for b, uuids := range rootsByBucket {
		if len(uuids) > 1 {
			return &model.ResolverInconsistency{
				Msg: "more than one full backup in root bucket " + uuidsString(uuids) + " at bucket " + bucketString(b),
			}
		}
	}
	return nil
}

func uuidsString(uuids []uuid.UUID) string {
	s := ""
	for i, u := range uuids {
		if i > 0 {
			s += ","
		}
		s += u.String()
	}
	return s
}

func bucketString(b timeframe.BucketId) string {
	return b.Timeframe.String()
}
