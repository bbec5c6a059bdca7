package wa

import (
	"fmt"
	"math"
	"strconv"
	"strings"
	"time"
)

// SplitWords is the 64-bit split-word timestamp shape some upstream payloads
// carry (high and low 32-bit halves of an epoch-seconds value).
type SplitWords struct {
	High uint32
	Low  uint32
}

// NormalizeTimestamp converts a raw upstream timestamp to epoch milliseconds.
// Upstream payloads carry timestamps in one of three shapes: an epoch-seconds
// number, a numeric string, or a split high/low word pair. The conversion is
// exact; there is no heuristic guessing of units.
func NormalizeTimestamp(v any) (int64, error) {
	switch ts := v.(type) {
	case nil:
		return 0, fmt.Errorf("timestamp is nil")
	case int64:
		return ts * 1000, nil
	case int:
		return int64(ts) * 1000, nil
	case uint32:
		return int64(ts) * 1000, nil
	case uint64:
		return int64(ts) * 1000, nil
	case float64:
		// Fractional seconds survive the conversion to ms.
		return int64(math.Round(ts * 1000)), nil
	case string:
		s := strings.TrimSpace(ts)
		if s == "" {
			return 0, fmt.Errorf("timestamp is empty")
		}
		secs, err := strconv.ParseInt(s, 10, 64)
		if err != nil {
			return 0, fmt.Errorf("parse timestamp %q: %w", ts, err)
		}
		return secs * 1000, nil
	case SplitWords:
		secs := uint64(ts.High)<<32 | uint64(ts.Low)
		return int64(secs) * 1000, nil
	case *SplitWords:
		if ts == nil {
			return 0, fmt.Errorf("timestamp is nil")
		}
		return NormalizeTimestamp(*ts)
	case time.Time:
		return ts.UnixMilli(), nil
	default:
		return 0, fmt.Errorf("unsupported timestamp type %T", v)
	}
}
