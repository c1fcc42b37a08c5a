// Package timeframe maps an instant and timezone to the set of enclosing
// calendar intervals at every granularity the policy language understands.
// It is pure and allocation-light: BucketId is a small comparable struct,
// never a string, so bucket(tf, t, tz) can be used as a map key without
// building a string in the resolver's hot path.
/*
 * Copyright (c) 2018-2020, NVIDIA CORPORATION. All rights reserved.
 */
package timeframe

import (
	"time"

	"github.com/btrfs2s3/btrfs2s3/internal/model"
)

// BucketId identifies one interval at one timeframe. Two instants fall in
// the same (tf, bucket) iff their BucketId values compare equal; buckets
// across different timeframes are never compared to each other.
type BucketId struct {
	Timeframe model.Timeframe
	Year      int
	Sub       int // quarter/month/week/day-of-year/hour/minute/second, meaning depends on Timeframe
}

// Bucket returns the identity of the interval at timeframe tf enclosing t.
// All boundary crossings are computed in tz's wall-clock arithmetic.
func Bucket(tf model.Timeframe, t time.Time, tz *time.Location) BucketId {
	t = t.In(tz)
	switch tf {
	case model.Year:
		return BucketId{Timeframe: tf, Year: t.Year()}
	case model.Quarter:
		return BucketId{Timeframe: tf, Year: t.Year(), Sub: (int(t.Month())-1)/3 + 1}
	case model.Month:
		return BucketId{Timeframe: tf, Year: t.Year(), Sub: int(t.Month())}
	case model.Week:
		// ISO week: Monday 00:00 boundary. time.ISOWeek already implements
		// the ISO-8601 week-numbering rules, including the year-boundary
		// edge case where the first days of January belong to the last
		// ISO week of the previous year and vice versa.
		y, w := t.ISOWeek()
		return BucketId{Timeframe: tf, Year: y, Sub: w}
	case model.Day:
		return BucketId{Timeframe: tf, Year: t.Year(), Sub: t.YearDay()}
	case model.Hour:
		return BucketId{Timeframe: tf, Year: t.Year(), Sub: t.YearDay()*24 + t.Hour()}
	case model.Minute:
		return BucketId{Timeframe: tf, Year: t.Year(), Sub: (t.YearDay()*24+t.Hour())*60 + t.Minute()}
	case model.Second:
		return BucketId{Timeframe: tf, Year: t.Year(), Sub: ((t.YearDay()*24+t.Hour())*60+t.Minute())*60 + t.Second()}
	default:
		panic("timeframe: unknown Timeframe value")
	}
}

// EnumerateBuckets returns the `count` most recent buckets at timeframe tf
// ending at the bucket containing tNow, oldest first. DST-induced
// gaps/overlaps are resolved deterministically by always stepping via
// AddDate/Add on the wall-clock instant, re-deriving the bucket from the
// result and stepping again while it is still the same bucket, so a "day" may span 23, 24, or 25 wall hours around a DST
// transition without special-casing it here.
func EnumerateBuckets(tf model.Timeframe, tNow time.Time, count int, tz *time.Location) []BucketId {
	if count <= 0 {
		return nil
	}
	out := make([]BucketId, count)
	t := tNow.In(tz)
	for i := count - 1; i >= 0; i-- {
		out[i] = Bucket(tf, t, tz)
		for Bucket(tf, t, tz) == out[i] {
			t = stepBack(tf, t)
		}
	}
	return out
}

// stepBack moves t back by one nominal step at timeframe tf. It need not
// land on a boundary, and the result can still fall in t's own bucket:
// AddDate from a day the earlier month lacks normalizes forward, and a
// wall-clock hour repeated at a DST fall-back is a single bucket. Bucket()
// is always re-applied to the result.
func stepBack(tf model.Timeframe, t time.Time) time.Time {
	switch tf {
	case model.Year:
		return t.AddDate(-1, 0, 0)
	case model.Quarter:
		return t.AddDate(0, -3, 0)
	case model.Month:
		return t.AddDate(0, -1, 0)
	case model.Week:
		return t.AddDate(0, 0, -7)
	case model.Day:
		return t.AddDate(0, 0, -1)
	case model.Hour:
		return t.Add(-time.Hour)
	case model.Minute:
		return t.Add(-time.Minute)
	case model.Second:
		return t.Add(-time.Second)
	default:
		panic("timeframe: unknown Timeframe value")
	}
}
