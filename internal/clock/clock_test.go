package clock

import (
	"testing"
	"time"
)

func TestWindowStart(t *testing.T) {
	ts := int64(1694500010) // falls into window starting at 1694499900 when window=300s
	got := WindowStart(ts, 300)
	want := int64(1694499900)
	if got != want {
		t.Fatalf("WindowStart: got=%d want=%d", got, want)
	}
}

func TestWindowStart_DefaultsTo300(t *testing.T) {
	ts := int64(1005)
	if got, want := WindowStart(ts, 0), int64(900); got != want {
		t.Fatalf("WindowStart default 300: got=%d want=%d", got, want)
	}
	if got, want := WindowStart(ts, -1), int64(900); got != want {
		t.Fatalf("WindowStart negative -> default 300: got=%d want=%d", got, want)
	}
}

func TestWindowStart_Negative(t *testing.T) {
	if got, want := WindowStart(-1, 300), int64(-300); got != want {
		t.Fatalf("WindowStart(-1): got=%d want=%d", got, want)
	}
}

func TestBucket(t *testing.T) {
	base := time.Unix(1694499900, 0)
	if Bucket(base, 5*time.Minute) != Bucket(base.Add(299*time.Second), 5*time.Minute) {
		t.Fatalf("same window must share a bucket")
	}
	if Bucket(base, 5*time.Minute) == Bucket(base.Add(300*time.Second), 5*time.Minute) {
		t.Fatalf("next window must change the bucket")
	}
}
