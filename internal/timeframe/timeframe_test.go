package timeframe

import (
	"testing"
	"time"

	"github.com/btrfs2s3/btrfs2s3/internal/model"
)

func mustLoc(t *testing.T, name string) *time.Location {
	t.Helper()
	loc, err := time.LoadLocation(name)
	if err != nil {
		t.Fatalf("LoadLocation(%q): %v", name, err)
	}
	return loc
}

func TestBucketEquality(t *testing.T) {
	utc := time.UTC
	a := time.Date(2006, 1, 1, 0, 0, 0, 0, utc)
	b := time.Date(2006, 6, 15, 12, 0, 0, 0, utc)
	if Bucket(model.Year, a, utc) != Bucket(model.Year, b, utc) {
		t.Fatalf("expected same year bucket for %v and %v", a, b)
	}
	if Bucket(model.Day, a, utc) == Bucket(model.Day, b, utc) {
		t.Fatalf("did not expect same day bucket for %v and %v", a, b)
	}
}

func TestBucketISOWeekMondayBoundary(t *testing.T) {
	utc := time.UTC
	// 2006-01-01 is a Sunday; it belongs to ISO week 52 of 2005, not the
	// first week of 2006.
	sun := time.Date(2006, 1, 1, 23, 59, 0, 0, utc)
	mon := time.Date(2006, 1, 2, 0, 0, 0, 0, utc)
	if Bucket(model.Week, sun, utc) == Bucket(model.Week, mon, utc) {
		t.Fatalf("expected Sunday and the following Monday to fall in different ISO weeks")
	}
}

func TestBucketTimezoneSensitivity(t *testing.T) {
	// The same instant buckets differently under different effective
	// timezones.
	la := mustLoc(t, "America/Los_Angeles")
	utc := time.UTC
	instant := time.Date(2006, 1, 1, 0, 0, 0, 0, la) // 2006-01-01T00:00:00-08:00
	if Bucket(model.Year, instant, la).Year != 2006 {
		t.Fatalf("expected year 2006 in LA tz")
	}
	if Bucket(model.Year, instant, utc).Year != 2005 {
		t.Fatalf("expected year 2005 when reinterpreted in UTC (instant is 2005-12-31T08:00:00Z); got %d",
			Bucket(model.Year, instant, utc).Year)
	}
}

func TestEnumerateBucketsOrderAndCount(t *testing.T) {
	utc := time.UTC
	now := time.Date(2006, 1, 3, 0, 0, 1, 0, utc)
	buckets := EnumerateBuckets(model.Day, now, 3, utc)
	if len(buckets) != 3 {
		t.Fatalf("expected 3 buckets, got %d", len(buckets))
	}
	last := Bucket(model.Day, now, utc)
	if buckets[2] != last {
		t.Fatalf("expected the last enumerated bucket to contain tNow")
	}
	for i := 1; i < len(buckets); i++ {
		if buckets[i-1] == buckets[i] {
			t.Fatalf("expected strictly distinct consecutive day buckets, got duplicate at %d", i)
		}
	}
}

func TestEnumerateBucketsZeroCount(t *testing.T) {
	if got := EnumerateBuckets(model.Year, time.Now(), 0, time.UTC); got != nil {
		t.Fatalf("expected nil for zero count, got %v", got)
	}
}

func TestQuarterBoundaries(t *testing.T) {
	utc := time.UTC
	mar31 := time.Date(2006, 3, 31, 23, 59, 59, 0, utc)
	apr1 := time.Date(2006, 4, 1, 0, 0, 0, 0, utc)
	if Bucket(model.Quarter, mar31, utc) == Bucket(model.Quarter, apr1, utc) {
		t.Fatalf("expected Q1/Q2 boundary to separate these instants")
	}
}

func TestDSTDayLength(t *testing.T) {
	// America/Los_Angeles spring-forward 2006-04-02: that local day is 23
	// wall hours long, but adjacent-day buckets are still adjacent and
	// distinct.
	la := mustLoc(t, "America/Los_Angeles")
	beforeDST := time.Date(2006, 4, 1, 12, 0, 0, 0, la)
	afterDST := time.Date(2006, 4, 3, 12, 0, 0, 0, la)
	if Bucket(model.Day, beforeDST, la) == Bucket(model.Day, afterDST, la) {
		t.Fatalf("expected distinct day buckets across the DST transition")
	}
}
