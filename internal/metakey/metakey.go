// Package metakey implements a bidirectional object-key codec: every
// per-backup metadata field is round-tripped through a single S3 key, so
// the entire remote tree can be reconstructed from a listing of the
// bucket's keys. Each field is encoded as a closed 4-character token prefix
// dispatched by a switch, rather than a stringly-typed/reflected format.
/*
 * Copyright (c) 2018-2020, NVIDIA CORPORATION. All rights reserved.
 */
package metakey

import (
	"strconv"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/pkg/errors"

	"github.com/btrfs2s3/btrfs2s3/internal/model"
)

const (
	prefixCTime = "ctim"
	prefixCTid  = "ctid"
	prefixUUID  = "uuid"
	prefixSndp  = "sndp"
	prefixPrnt  = "prnt"
	prefixMdvn  = "mdvn"
	prefixSeqn  = "seqn"
)

// MaxKeyLength is the S3 key limit.
const MaxKeyLength = 1024

// ctimeLayout always renders a numeric zone offset (e.g. "+00:00"), never
// the "Z" shorthand RFC3339 uses for UTC. Decode accepts both forms via
// time.Parse(time.RFC3339, ...).
const ctimeLayout = "2006-01-02T15:04:05-07:00"

// Encode renders meta into an object key with base as the leading,
// unrecognized token. Encode is total: it never fails.
func Encode(meta model.BackupMeta, base string) string {
	var b strings.Builder
	if base != "" {
		b.WriteString(base)
	}
	writeToken(&b, prefixCTime, meta.CTime.Format(ctimeLayout))
	writeToken(&b, prefixCTid, strconv.FormatUint(meta.CTransID, 10))
	writeToken(&b, prefixUUID, meta.UUID.String())
	writeToken(&b, prefixSndp, meta.SendParentUUID.String())
	writeToken(&b, prefixPrnt, meta.ParentUUID.String())
	writeToken(&b, prefixMdvn, strconv.FormatUint(uint64(meta.MetadataVersion), 10))
	writeToken(&b, prefixSeqn, strconv.FormatUint(uint64(meta.SequenceNumber), 10))
	return b.String()
}

func writeToken(b *strings.Builder, prefix, value string) {
	b.WriteByte('.')
	b.WriteString(prefix)
	b.WriteString(value)
}

// Decode parses key back into (base, meta). base is the concatenation of
// every unrecognized token, wherever it appears, joined with '.', so
// unknown user tokens are kept; Encode writes them back ahead of the
// standard tokens. Decode fails with
// *model.MalformedKey if any required token is absent or malformed, with
// *model.UnsupportedMetadataVersion if mdvn != 1, and with
// *model.UnsupportedSequence if seqn != 0.
func Decode(key string) (base string, meta model.BackupMeta, err error) {
	tokens := strings.Split(key, ".")

	var (
		haveCTime, haveCTid, haveUUID, haveSndp, havePrnt, haveMdvn, haveSeqn bool
		baseTokens                                                           []string
	)

	for _, tok := range tokens {
		if len(tok) < 4 {
			baseTokens = append(baseTokens, tok)
			continue
		}
		prefix, rest := tok[:4], tok[4:]
		switch prefix {
		case prefixCTime:
			meta.CTime, err = time.Parse(time.RFC3339, rest)
			if err != nil {
				return "", model.BackupMeta{}, &model.MalformedKey{Key: key, Reason: "invalid ctim: " + err.Error()}
			}
			haveCTime = true
		case prefixCTid:
			meta.CTransID, err = strconv.ParseUint(rest, 10, 64)
			if err != nil {
				return "", model.BackupMeta{}, &model.MalformedKey{Key: key, Reason: "invalid ctid: " + err.Error()}
			}
			haveCTid = true
		case prefixUUID:
			meta.UUID, err = uuid.Parse(rest)
			if err != nil {
				return "", model.BackupMeta{}, &model.MalformedKey{Key: key, Reason: "invalid uuid: " + err.Error()}
			}
			haveUUID = true
		case prefixSndp:
			meta.SendParentUUID, err = uuid.Parse(rest)
			if err != nil {
				return "", model.BackupMeta{}, &model.MalformedKey{Key: key, Reason: "invalid sndp: " + err.Error()}
			}
			haveSndp = true
		case prefixPrnt:
			meta.ParentUUID, err = uuid.Parse(rest)
			if err != nil {
				return "", model.BackupMeta{}, &model.MalformedKey{Key: key, Reason: "invalid prnt: " + err.Error()}
			}
			havePrnt = true
		case prefixMdvn:
			v, perr := strconv.ParseUint(rest, 10, 16)
			if perr != nil {
				return "", model.BackupMeta{}, &model.MalformedKey{Key: key, Reason: "invalid mdvn: " + perr.Error()}
			}
			meta.MetadataVersion = uint16(v)
			haveMdvn = true
		case prefixSeqn:
			v, perr := strconv.ParseUint(rest, 10, 32)
			if perr != nil {
				return "", model.BackupMeta{}, &model.MalformedKey{Key: key, Reason: "invalid seqn: " + perr.Error()}
			}
			meta.SequenceNumber = uint32(v)
			haveSeqn = true
		default:
			baseTokens = append(baseTokens, tok)
		}
	}

	switch {
	case !haveCTime:
		return "", model.BackupMeta{}, &model.MalformedKey{Key: key, Reason: "missing ctim token"}
	case !haveCTid:
		return "", model.BackupMeta{}, &model.MalformedKey{Key: key, Reason: "missing ctid token"}
	case !haveUUID:
		return "", model.BackupMeta{}, &model.MalformedKey{Key: key, Reason: "missing uuid token"}
	case !haveSndp:
		return "", model.BackupMeta{}, &model.MalformedKey{Key: key, Reason: "missing sndp token"}
	case !havePrnt:
		return "", model.BackupMeta{}, &model.MalformedKey{Key: key, Reason: "missing prnt token"}
	case !haveMdvn:
		return "", model.BackupMeta{}, &model.MalformedKey{Key: key, Reason: "missing mdvn token"}
	case !haveSeqn:
		return "", model.BackupMeta{}, &model.MalformedKey{Key: key, Reason: "missing seqn token"}
	}

	if meta.MetadataVersion != model.CurrentMetadataVersion {
		return "", model.BackupMeta{}, &model.UnsupportedMetadataVersion{Key: key, Version: meta.MetadataVersion}
	}
	if meta.SequenceNumber != model.CurrentSequenceNumber {
		return "", model.BackupMeta{}, &model.UnsupportedSequence{Key: key, Sequence: meta.SequenceNumber}
	}

	return strings.Join(baseTokens, "."), meta, nil
}

// ValidateLength returns an error if key exceeds the S3 key length limit.
func ValidateLength(key string) error {
	if len(key) > MaxKeyLength {
		return errors.Errorf("metakey: key length %d exceeds S3 limit of %d bytes", len(key), MaxKeyLength)
	}
	return nil
}
