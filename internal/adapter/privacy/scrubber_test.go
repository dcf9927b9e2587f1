package privacy

import (
	"io"
	"log/slog"
	"testing"

	"github.com/Earthbotics/CARL-sub002/internal/domain"
)

func TestScrubber(t *testing.T) {
	logger := slog.New(slog.NewTextHandler(io.Discard, nil))
	scrubber := NewScrubber([]string{"person", " face ", ""}, logger)

	region := &domain.Rect{X: 10, Y: 20, Width: 30, Height: 40}

	tests := []struct {
		name          string
		event         domain.Event
		wantScrubbed  bool
		wantRegionNil bool
	}{
		{
			name:          "sensitive subject loses region and fingerprint",
			event:         domain.Event{SubjectID: "person", Confidence: 0.9, Region: region, Fingerprint: "abc123"},
			wantScrubbed:  true,
			wantRegionNil: true,
		},
		{
			name:          "trimmed subject matches",
			event:         domain.Event{SubjectID: "face", Confidence: 0.9, Fingerprint: "abc123"},
			wantScrubbed:  true,
			wantRegionNil: true,
		},
		{
			name:          "non-sensitive subject untouched",
			event:         domain.Event{SubjectID: "cup", Confidence: 0.9, Region: region, Fingerprint: "abc123"},
			wantScrubbed:  false,
			wantRegionNil: false,
		},
		{
			name:          "sensitive subject with nothing to remove",
			event:         domain.Event{SubjectID: "person", Confidence: 0.9},
			wantScrubbed:  false,
			wantRegionNil: true,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got, scrubbed := scrubber.Scrub(tt.event)

			if scrubbed != tt.wantScrubbed {
				t.Errorf("scrubbed = %v, want %v", scrubbed, tt.wantScrubbed)
			}
			if (got.Region == nil) != tt.wantRegionNil {
				t.Errorf("region nil = %v, want %v", got.Region == nil, tt.wantRegionNil)
			}
			if tt.wantScrubbed && got.Fingerprint != "" {
				t.Errorf("fingerprint = %q, want empty after scrub", got.Fingerprint)
			}
			// The caller's copy must never be mutated.
			if tt.event.SubjectID == "cup" && tt.event.Region != region {
				t.Error("input event was mutated")
			}
		})
	}
}
