package ledger

import (
	"fmt"
	"strconv"
	"strings"
)

// Timestamp is a consensus timestamp with nanosecond resolution, rendered on
// the wire as "seconds.nanoseconds". The zero value sorts before every real
// timestamp and is used as "no watermark yet".
type Timestamp struct {
	Seconds int64 `json:"seconds"`
	Nanos   int64 `json:"nanos"`
}

// ParseTimestamp parses a "seconds.nanoseconds" string. The fractional part
// may be shorter than nine digits and is right-padded.
func ParseTimestamp(s string) (Timestamp, error) {
	if s == "" {
		return Timestamp{}, fmt.Errorf("empty timestamp")
	}

	parts := strings.SplitN(s, ".", 2)

	secs, err := strconv.ParseInt(parts[0], 10, 64)
	if err != nil {
		return Timestamp{}, fmt.Errorf("bad timestamp %q: %v", s, err)
	}

	var nanos int64
	if len(parts) == 2 && parts[1] != "" {
		frac := parts[1]
		if len(frac) > 9 {
			frac = frac[:9]
		}
		for len(frac) < 9 {
			frac += "0"
		}
		nanos, err = strconv.ParseInt(frac, 10, 64)
		if err != nil {
			return Timestamp{}, fmt.Errorf("bad timestamp %q: %v", s, err)
		}
	}

	return Timestamp{Seconds: secs, Nanos: nanos}, nil
}

// String renders the wire form.
func (t Timestamp) String() string {
	return fmt.Sprintf("%d.%09d", t.Seconds, t.Nanos)
}

// IsZero reports whether the timestamp is unset.
func (t Timestamp) IsZero() bool {
	return t.Seconds == 0 && t.Nanos == 0
}

// Cmp returns -1, 0, or 1 as t sorts before, equal to, or after o.
func (t Timestamp) Cmp(o Timestamp) int {
	if t.Seconds != o.Seconds {
		if t.Seconds < o.Seconds {
			return -1
		}
		return 1
	}
	if t.Nanos != o.Nanos {
		if t.Nanos < o.Nanos {
			return -1
		}
		return 1
	}
	return 0
}

// After reports whether t is strictly later than o.
func (t Timestamp) After(o Timestamp) bool {
	return t.Cmp(o) > 0
}
