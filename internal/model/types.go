// Package model provides the core entities shared by every other package:
// subvolumes, snapshots, backup objects, policies, and the closed set of
// plan actions the executor applies.
/*
 * Copyright (c) 2018-2020, NVIDIA CORPORATION. All rights reserved.
 */
package model

import (
	"time"

	"github.com/google/uuid"
)

// ZeroUUID marks a full backup (no send-parent).
var ZeroUUID uuid.UUID

// Where records which side(s) of the parallel local/remote trees an Item
// was observed on.
type Where uint8

const (
	Local Where = 1 << iota
	Remote
)

func (w Where) String() string {
	switch w {
	case Local:
		return "local"
	case Remote:
		return "remote"
	case Local | Remote:
		return "both"
	default:
		return "none"
	}
}

// Has reports whether w includes side.
func (w Where) Has(side Where) bool { return w&side != 0 }

// Subvolume is the mutable source a snapshot is cloned from.
type Subvolume struct {
	UUID       uuid.UUID
	ParentUUID uuid.UUID // zero for a top-level subvolume; unused by btrfs2s3 itself
	CTransID   uint64
	Path       string
}

// Snapshot is a read-only point-in-time copy of a Subvolume.
type Snapshot struct {
	UUID       uuid.UUID
	ParentUUID uuid.UUID // source subvolume UUID
	CTransID   uint64
	CTime      time.Time
	Path       string // on-disk path as currently named
	Base       string // user-chosen base name recovered from the filename, if any
}

// BackupMeta mirrors the metadata stored in a backup object's key.
// MetadataVersion and SequenceNumber are currently pinned at 1/0 but
// carried explicitly so a future bump is a single-field change.
type BackupMeta struct {
	CTime           time.Time
	CTransID        uint64
	UUID            uuid.UUID
	SendParentUUID  uuid.UUID // model.ZeroUUID iff full
	ParentUUID      uuid.UUID // source subvolume UUID
	MetadataVersion uint16
	SequenceNumber  uint32
}

// IsFull reports whether this backup has no send-parent.
func (m BackupMeta) IsFull() bool { return m.SendParentUUID == ZeroUUID }

const (
	CurrentMetadataVersion uint16 = 1
	CurrentSequenceNumber  uint32 = 0
)

// Item is the resolver's unit of work: a logical snapshot/backup pair
// addressed by a stable UUID, present on zero or more of {local, remote}.
type Item struct {
	UUID           uuid.UUID
	ParentUUID     uuid.UUID // source subvolume UUID
	CTime          time.Time
	CTransID       uint64
	SendParentUUID uuid.UUID // model.ZeroUUID means "unknown/none" until the resolver assigns it
	HasSendParent  bool
	Where          Where

	// Path is local-only bookkeeping, empty when Where doesn't include
	// Local. Base is the unrecognized part of the decoded filename or
	// object key.
	Path string
	Base string

	// Proposed is true for an item the resolver invented to fill a gap;
	// the executor must still create it.
	Proposed bool
}

// Key returns the UUID as the map key used throughout resolver/planner.
func (it *Item) Key() uuid.UUID { return it.UUID }

// ActionKind is a closed set of plan-action tags, kept as a typed enum
// since btrfs2s3 has no wire protocol requiring string tags.
type ActionKind uint8

const (
	ActionCreateSnapshot ActionKind = iota
	ActionRenameSnapshot
	ActionDeleteSnapshot
	ActionCreateBackup
	ActionDeleteBackup
)

func (k ActionKind) String() string {
	switch k {
	case ActionCreateSnapshot:
		return "CreateSnapshot"
	case ActionRenameSnapshot:
		return "RenameSnapshot"
	case ActionDeleteSnapshot:
		return "DeleteSnapshot"
	case ActionCreateBackup:
		return "CreateBackup"
	case ActionDeleteBackup:
		return "DeleteBackup"
	default:
		return "Unknown"
	}
}

// PlanAction is one step of an ordered plan.
type PlanAction struct {
	Kind ActionKind

	// Valid for ActionCreateSnapshot: the source subvolume being snapshotted.
	Source *Subvolume

	// Valid for ActionRenameSnapshot/ActionDeleteSnapshot/ActionCreateBackup/
	// ActionDeleteBackup: the identity of the item being acted on.
	UUID uuid.UUID

	// Valid for ActionRenameSnapshot: the canonical filename to rename to.
	NewName string

	// Valid for ActionCreateBackup: the send-parent, or nil for a full backup.
	SendParent *uuid.UUID

	// Proposed, for ActionCreateSnapshot: the item slot this action fills
	// once it succeeds. The planner leaves it nil for other kinds.
	Proposed *Item
}

func (a PlanAction) String() string {
	switch a.Kind {
	case ActionCreateSnapshot:
		return "CreateSnapshot(" + a.Source.Path + ")"
	case ActionRenameSnapshot:
		return "RenameSnapshot(" + a.UUID.String() + " -> " + a.NewName + ")"
	case ActionDeleteSnapshot:
		return "DeleteSnapshot(" + a.UUID.String() + ")"
	case ActionCreateBackup:
		if a.SendParent == nil {
			return "CreateBackup(" + a.UUID.String() + ", parent=none)"
		}
		return "CreateBackup(" + a.UUID.String() + ", parent=" + a.SendParent.String() + ")"
	case ActionDeleteBackup:
		return "DeleteBackup(" + a.UUID.String() + ")"
	default:
		return "Unknown"
	}
}

// Plan is the planner's ordered, validated output.
type Plan struct {
	Source  Subvolume
	Actions []PlanAction
}
