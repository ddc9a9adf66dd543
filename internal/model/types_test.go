package model

import "testing"

func TestBoundaryFor(t *testing.T) {
	tests := []struct {
		name     string
		ts       int64
		interval int64
		want     int64
	}{
		{"exact boundary", 1_700_000_000_000, 10_000, 1_700_000_000_000},
		{"mid bucket", 1_700_000_004_500, 10_000, 1_700_000_000_000},
		{"last ms of bucket", 1_700_000_009_999, 10_000, 1_700_000_000_000},
		{"first ms of next", 1_700_000_010_000, 10_000, 1_700_000_010_000},
		{"one minute interval", 1_700_000_059_000, 60_000, 1_700_000_040_000},
		{"zero", 0, 10_000, 0},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if got := BoundaryFor(tt.ts, tt.interval); got != tt.want {
				t.Errorf("BoundaryFor(%d, %d) = %d, want %d", tt.ts, tt.interval, got, tt.want)
			}
		})
	}
}
