// Package executor applies a validated plan's actions in order, driving
// the filesystem collaborator for snapshot operations and the
// piper+uploader pair for each CreateBackup.
/*
 * Copyright (c) 2018-2020, NVIDIA CORPORATION. All rights reserved.
 */
package executor

import (
	"context"
	"path/filepath"

	"github.com/golang/glog"
	"github.com/google/uuid"
	"github.com/pkg/errors"

	"github.com/btrfs2s3/btrfs2s3/internal/fsdriver"
	"github.com/btrfs2s3/btrfs2s3/internal/metakey"
	"github.com/btrfs2s3/btrfs2s3/internal/model"
	"github.com/btrfs2s3/btrfs2s3/internal/piper"
	"github.com/btrfs2s3/btrfs2s3/internal/planner"
	"github.com/btrfs2s3/btrfs2s3/internal/uploader"
)

// S3Client is the subset of s3backend.Client the executor needs: the full
// uploader.Client surface for CreateBackup, plus DeleteObject for
// DeleteBackup.
type S3Client interface {
	uploader.Client
	DeleteObject(ctx context.Context, key string) error
}

// Environment bundles the collaborators and per-source/per-upload
// configuration a single Apply call needs. One Environment corresponds
// to one (source, upload_to_remotes[i]) pairing: its own snapshot
// directory, its own remote bucket, its own pipe_through chain.
type Environment struct {
	SnapshotDir string
	Driver      fsdriver.Driver
	S3          S3Client
	PipeThrough [][]string
}

// Summary is the counts-by-kind report logged once a run completes.
type Summary struct {
	SnapshotsCreated int
	SnapshotsRenamed int
	SnapshotsDeleted int
	BackupsCreated   int
	BackupsDeleted   int
}

// Apply drives plan.Actions in order against env. in is the
// planner.Input the plan was computed from; its Local items supply the
// on-disk paths that turn a bare action UUID into a concrete snapshot
// file, and its Remote items the metadata that rebuilds the object key of
// a DeleteBackup. onBytes, if
// non-nil, is forwarded to the uploader for progress reporting.
//
// Apply does not re-resolve or re-plan. A failure partway through a run
// leaves the system in a consistent per-action state; the next run
// re-resolves from scratch. Run-level atomicity is not guaranteed.
func Apply(ctx context.Context, env Environment, in planner.Input, plan model.Plan, onBytes func(int64)) (Summary, error) {
	var sum Summary

	keepByUUID := make(map[uuid.UUID]model.Item, len(in.Keep))
	for _, it := range in.Keep {
		keepByUUID[it.UUID] = it
	}
	remoteByUUID := make(map[uuid.UUID]model.Item, len(in.Remote))
	for _, it := range in.Remote {
		remoteByUUID[it.UUID] = it
	}
	pathByUUID := make(map[uuid.UUID]string, len(in.Local))
	for _, it := range in.Local {
		pathByUUID[it.UUID] = it.Path
	}

	for _, action := range plan.Actions {
		switch action.Kind {
		case model.ActionCreateSnapshot:
			path, err := applyCreateSnapshot(ctx, env, action)
			if err != nil {
				return sum, err
			}
			pathByUUID[action.UUID] = path
			sum.SnapshotsCreated++

		case model.ActionRenameSnapshot:
			newPath, err := applyRename(env, action, pathByUUID)
			if err != nil {
				return sum, err
			}
			pathByUUID[action.UUID] = newPath
			sum.SnapshotsRenamed++

		case model.ActionCreateBackup:
			if err := applyCreateBackup(ctx, env, action, pathByUUID, onBytes); err != nil {
				return sum, err
			}
			sum.BackupsCreated++

		case model.ActionDeleteBackup:
			if err := applyDeleteBackup(ctx, env, action, remoteByUUID); err != nil {
				return sum, err
			}
			sum.BackupsDeleted++

		case model.ActionDeleteSnapshot:
			if err := applyDeleteSnapshot(env, action, pathByUUID); err != nil {
				return sum, err
			}
			delete(pathByUUID, action.UUID)
			sum.SnapshotsDeleted++
		}
	}

	glog.V(0).Infof(
		"executor: run complete: +%d snapshots, %d renamed, -%d snapshots, +%d backups, -%d backups",
		sum.SnapshotsCreated, sum.SnapshotsRenamed, sum.SnapshotsDeleted, sum.BackupsCreated, sum.BackupsDeleted,
	)
	return sum, nil
}

// applyCreateSnapshot creates the subvolume under a staging name, then
// renames it to its canonical name derived from the kernel-reported
// identity rather than the resolver's proposed one: btrfs assigns its own
// uuid/ctransid/ctime on creation, which need not match the placeholder
// the resolver invented to fill the bucket. The returned path's filename
// is therefore self-consistent with what a future inventory listing
// (local and remote) will independently decode — only this run's
// in-memory bookkeeping keys on the proposed UUID.
func applyCreateSnapshot(ctx context.Context, env Environment, action model.PlanAction) (string, error) {
	if action.Proposed == nil {
		return "", &model.PlannerAssertion{Msg: "CreateSnapshot(" + action.UUID.String() + "): no proposed item"}
	}
	staging := filepath.Join(env.SnapshotDir, ".btrfs2s3-staging-"+action.UUID.String())
	if glog.V(2) {
		glog.Infof("executor: create_snapshot %s -> %s", action.Source.Path, staging)
	}
	if err := env.Driver.CreateSnapshot(ctx, action.Source.Path, staging, true); err != nil {
		return "", errors.Wrapf(err, "executor: CreateSnapshot(%s)", action.UUID)
	}

	info, err := env.Driver.SubvolumeInfo(staging)
	if err != nil {
		return "", errors.Wrapf(err, "executor: CreateSnapshot(%s): reading real identity", action.UUID)
	}
	real := *action.Proposed
	real.UUID = info.UUID
	real.CTransID = info.CTransID
	real.CTime = info.CTime
	real.ParentUUID = info.ParentUUID

	final := filepath.Join(env.SnapshotDir, canonicalName(real))
	if err := env.Driver.Rename(staging, final); err != nil {
		return "", errors.Wrapf(err, "executor: CreateSnapshot(%s): naming to canonical form", action.UUID)
	}
	return final, nil
}

// canonicalName mirrors planner.canonicalName: the encoded form of it's
// metadata is both the on-disk filename and, unchanged, the object key a
// matching CreateBackup ships under.
func canonicalName(it model.Item) string {
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
	return metakey.Encode(meta, it.Base)
}

func applyRename(env Environment, action model.PlanAction, pathByUUID map[uuid.UUID]string) (string, error) {
	oldPath, ok := pathByUUID[action.UUID]
	if !ok {
		return "", &model.PlannerAssertion{Msg: "RenameSnapshot(" + action.UUID.String() + "): no known local path"}
	}
	newPath := filepath.Join(filepath.Dir(oldPath), action.NewName)
	if glog.V(2) {
		glog.Infof("executor: rename_snapshot %s -> %s", oldPath, newPath)
	}
	if err := env.Driver.Rename(oldPath, newPath); err != nil {
		return "", errors.Wrapf(err, "executor: RenameSnapshot(%s)", action.UUID)
	}
	return newPath, nil
}

func applyDeleteSnapshot(env Environment, action model.PlanAction, pathByUUID map[uuid.UUID]string) error {
	path, ok := pathByUUID[action.UUID]
	if !ok {
		// Already gone from our view; deletes are idempotent.
		return nil
	}
	if glog.V(2) {
		glog.Infof("executor: delete_snapshot %s", path)
	}
	if err := env.Driver.DeleteSubvolume(path); err != nil {
		return errors.Wrapf(err, "executor: DeleteSnapshot(%s)", action.UUID)
	}
	return nil
}

// applyCreateBackup drives the piper and uploader. Planner ordering
// guarantees the send-parent, if any, was already renamed to its
// canonical name before this action runs, and that the parent's backup
// already exists remotely — so the key shipped here is exactly the
// on-disk canonical filename, which by construction is also the remote
// object's key: both are `metakey.Encode` of the same metadata.
func applyCreateBackup(ctx context.Context, env Environment, action model.PlanAction, pathByUUID map[uuid.UUID]string, onBytes func(int64)) error {
	snapshotPath, ok := pathByUUID[action.UUID]
	if !ok {
		return &model.PlannerAssertion{Msg: "CreateBackup(" + action.UUID.String() + "): no known local path"}
	}
	key := filepath.Base(snapshotPath)

	var parentPath string
	if action.SendParent != nil {
		p, ok := pathByUUID[*action.SendParent]
		if !ok {
			return &model.PlannerAssertion{
				Msg: "CreateBackup(" + action.UUID.String() + "): send-parent " + action.SendParent.String() + " has no known local path",
			}
		}
		parentPath = p
	}

	if glog.V(1) {
		glog.Infof("executor: create_backup key=%s parent=%q", key, parentPath)
	}

	sendHandle, err := env.Driver.Send(ctx, snapshotPath, parentPath)
	if err != nil {
		return errors.Wrapf(err, "executor: CreateBackup(%s): send", action.UUID)
	}

	p, err := piper.Start(ctx, sendHandle, env.PipeThrough)
	if err != nil {
		_ = sendHandle.Close()
		return errors.Wrapf(err, "executor: CreateBackup(%s): starting pipeline", action.UUID)
	}

	uploadErr := uploader.Upload(ctx, env.S3, key, p.Stdout(), onBytes)
	waitErr := p.Wait()

	if uploadErr != nil {
		return uploadErr
	}
	if waitErr != nil {
		// The send/pipe_through chain failed after the uploader had
		// already seen a (truncated) EOF and committed an object under
		// key — a failing stage's pipe closing looks identical to a
		// clean end-of-stream from the reading side. Best-effort clean
		// up so a later run doesn't mistake the partial object for a
		// valid backup.
		if delErr := env.S3.DeleteObject(ctx, key); delErr != nil {
			glog.Warningf("executor: cleaning up truncated object after pipeline failure key=%s: %v", key, delErr)
		}
		return waitErr
	}
	return nil
}

// applyDeleteBackup deletes the remote object for action.UUID. The key is
// reconstructed with metakey.Encode from the remote inventory's decoded
// metadata and base, which reproduces any key in the form Encode writes.
func applyDeleteBackup(ctx context.Context, env Environment, action model.PlanAction, remoteByUUID map[uuid.UUID]model.Item) error {
	it, ok := remoteByUUID[action.UUID]
	if !ok {
		// Already gone from our view; deletes are idempotent.
		return nil
	}
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
	key := metakey.Encode(meta, it.Base)
	if glog.V(2) {
		glog.Infof("executor: delete_backup key=%s", key)
	}
	if err := env.S3.DeleteObject(ctx, key); err != nil {
		return errors.Wrapf(err, "executor: DeleteBackup(%s)", action.UUID)
	}
	return nil
}
