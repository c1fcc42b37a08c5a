// Package inventory lists the local snapshot directory and the remote
// bucket, parses both into a uniform []model.Item per source, and
// canonicalizes their Where flags so the resolver never has to know
// about snapshots or S3 keys directly.
/*
 * Copyright (c) 2018-2020, NVIDIA CORPORATION. All rights reserved.
 */
package inventory

import (
	"context"
	"path/filepath"

	"github.com/golang/glog"
	"github.com/google/uuid"
	"github.com/karrick/godirwalk"

	"github.com/btrfs2s3/btrfs2s3/internal/fsdriver"
	"github.com/btrfs2s3/btrfs2s3/internal/metakey"
	"github.com/btrfs2s3/btrfs2s3/internal/model"
)

// Source is one configured btrfs source: a subvolume path plus the
// directory its snapshots live under.
type Source struct {
	Subvolume model.Subvolume
	SnapDir   string
}

// RemoteLister is the subset of s3backend.Client the inventory needs; kept
// as an interface so tests can substitute an in-memory bucket.
type RemoteLister interface {
	ListAllKeys(ctx context.Context) ([]string, error)
}

// Snapshot lists the configured snapshot directory, filtered to read-only
// subvolumes whose ParentUUID matches source.Subvolume.UUID. Entries are
// parsed with the metakey codec to recover any user base name and detect
// filenames that deviate from the canonical form.
func Snapshot(driver fsdriver.Driver, source Source) ([]model.Item, error) {
	names, err := listDirNames(source.SnapDir)
	if err != nil {
		return nil, &model.InventoryError{Msg: "listing snapshot directory " + source.SnapDir, Err: err}
	}

	var items []model.Item
	for _, name := range names {
		full := filepath.Join(source.SnapDir, name)
		isSub, err := driver.IsSubvolume(full)
		if err != nil {
			return nil, &model.InventoryError{Msg: "checking subvolume " + full, Err: err}
		}
		if !isSub {
			continue
		}
		info, err := driver.SubvolumeInfo(full)
		if err != nil {
			return nil, &model.InventoryError{Msg: "reading subvolume info " + full, Err: err}
		}
		if !info.ReadOnly {
			continue
		}
		if info.ParentUUID != source.Subvolume.UUID {
			continue
		}

		base, _, err := metakey.Decode(name)
		if err != nil {
			// Not a canonically-named snapshot yet (or never will be);
			// the planner will rename it to canonical form. base falls
			// back to the whole filename so a RenameSnapshot action has
			// something to work from.
			base = name
		}

		items = append(items, model.Item{
			UUID:       info.UUID,
			ParentUUID: info.ParentUUID,
			CTime:      info.CTime,
			CTransID:   info.CTransID,
			Where:      model.Local,
			Path:       full,
			Base:       base,
		})
	}
	return items, nil
}

// listDirNames returns the immediate child directory names of dir, walking
// non-recursively (godirwalk.ReadDirents gives us this without the
// allocation overhead of os.ReadDir's fs.DirEntry wrapping for large
// snapshot directories).
func listDirNames(dir string) ([]string, error) {
	dirents, err := godirwalk.ReadDirents(dir, nil)
	if err != nil {
		return nil, err
	}
	names := make([]string, 0, len(dirents))
	for _, de := range dirents {
		if de.IsDir() {
			names = append(names, de.Name())
		}
	}
	return names, nil
}

// Remote lists a bucket's keys and parses the subset belonging to
// parentUUID into []model.Item. Keys that fail to decode with
// MalformedKey/UnsupportedMetadataVersion/UnsupportedSequence are logged
// and ignored, never deleted — they may belong to another tool or another
// source sharing the bucket.
func Remote(ctx context.Context, lister RemoteLister, parentUUID uuid.UUID) ([]model.Item, error) {
	keys, err := lister.ListAllKeys(ctx)
	if err != nil {
		return nil, &model.InventoryError{Msg: "listing bucket", Err: err}
	}

	var items []model.Item
	for _, key := range keys {
		base, meta, err := metakey.Decode(key)
		if err != nil {
			glog.Warningf("inventory: ignoring undecodable key %q: %v", key, err)
			continue
		}
		if meta.ParentUUID != parentUUID {
			continue
		}
		items = append(items, model.Item{
			UUID:           meta.UUID,
			ParentUUID:     meta.ParentUUID,
			CTime:          meta.CTime,
			CTransID:       meta.CTransID,
			SendParentUUID: meta.SendParentUUID,
			HasSendParent:  !meta.IsFull(),
			Where:          model.Remote,
			Base:           base,
		})
	}
	return items, nil
}

// Merge combines local and remote item slices for the same source into
// one []model.Item keyed by UUID, OR-ing their Where flags so the
// resolver sees a single set of items each marked local, remote, or both.
func Merge(local, remote []model.Item) []model.Item {
	byUUID := make(map[uuid.UUID]*model.Item, len(local)+len(remote))
	var order []uuid.UUID

	add := func(it model.Item) {
		if existing, ok := byUUID[it.UUID]; ok {
			existing.Where |= it.Where
			if it.Where.Has(model.Local) {
				existing.Path = it.Path
				existing.Base = it.Base
			}
			if it.Where.Has(model.Remote) {
				existing.SendParentUUID = it.SendParentUUID
				existing.HasSendParent = it.HasSendParent
			}
			return
		}
		cp := it
		byUUID[it.UUID] = &cp
		order = append(order, it.UUID)
	}

	for _, it := range local {
		add(it)
	}
	for _, it := range remote {
		add(it)
	}

	out := make([]model.Item, 0, len(order))
	for _, u := range order {
		out = append(out, *byUUID[u])
	}
	return out
}
