// Package clock holds the process clock hook and fixed-window arithmetic.
package clock

import "time"

// Now returns the current UTC time. Split for testability.
var Now = func() time.Time { return time.Now().UTC() }

// WindowStart returns floor(ts / windowSizeSec) * windowSizeSec.
func WindowStart(ts int64, windowSizeSec int) int64 {
	if windowSizeSec <= 0 {
		windowSizeSec = 300
	}
	w := int64(windowSizeSec)
	if ts < 0 && ts%w != 0 {
		return (ts/w - 1) * w
	}
	return (ts / w) * w
}

// Bucket is the index of the fixed window that t falls into.
func Bucket(t time.Time, size time.Duration) int64 {
	sec := int(size / time.Second)
	if sec <= 0 {
		sec = 300
	}
	return WindowStart(t.Unix(), sec) / int64(sec)
}
