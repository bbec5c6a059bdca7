package wa

import (
	"testing"
	"time"
)

func TestNormalizeTimestamp(t *testing.T) {
	// 2021-06-09T01:20:00Z = 1623201600 epoch seconds.
	const want = int64(1623201600000)

	tests := []struct {
		name  string
		input any
	}{
		{"epoch seconds int64", int64(1623201600)},
		{"epoch seconds int", int(1623201600)},
		{"epoch seconds uint64", uint64(1623201600)},
		{"epoch seconds float64", float64(1623201600)},
		{"numeric string", "1623201600"},
		{"numeric string padded", " 1623201600 "},
		{"split words", SplitWords{High: 0, Low: 1623201600}},
		{"split words pointer", &SplitWords{High: 0, Low: 1623201600}},
		{"time.Time", time.UnixMilli(want)},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got, err := NormalizeTimestamp(tt.input)
			if err != nil {
				t.Fatalf("NormalizeTimestamp(%v) error = %v", tt.input, err)
			}
			if got != want {
				t.Errorf("NormalizeTimestamp(%v) = %d, want %d", tt.input, got, want)
			}
		})
	}
}

func TestNormalizeTimestampFractionalSeconds(t *testing.T) {
	got, err := NormalizeTimestamp(float64(1623201600.5))
	if err != nil {
		t.Fatal(err)
	}
	if got != 1623201600500 {
		t.Errorf("NormalizeTimestamp(1623201600.5) = %d, want 1623201600500", got)
	}
}

func TestNormalizeTimestampHighWord(t *testing.T) {
	// Value above 2^32 seconds exercises the high word.
	in := SplitWords{High: 1, Low: 5}
	want := int64((uint64(1)<<32 | 5) * 1000)
	got, err := NormalizeTimestamp(in)
	if err != nil {
		t.Fatal(err)
	}
	if got != want {
		t.Errorf("NormalizeTimestamp(%+v) = %d, want %d", in, got, want)
	}
}

func TestNormalizeTimestampErrors(t *testing.T) {
	tests := []struct {
		name  string
		input any
	}{
		{"nil", nil},
		{"empty string", ""},
		{"non-numeric string", "yesterday"},
		{"nil split words", (*SplitWords)(nil)},
		{"unsupported type", []int{1}},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if _, err := NormalizeTimestamp(tt.input); err == nil {
				t.Errorf("NormalizeTimestamp(%v) expected error", tt.input)
			}
		})
	}
}
