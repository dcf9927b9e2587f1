package domain

import (
	"errors"
	"math"
	"testing"
	"time"
)

func TestEvent_DedupKey(t *testing.T) {
	t.Run("Subject With Attribute", func(t *testing.T) {
		ev := Event{SubjectID: "cup", Attribute: "red"}
		if got := ev.DedupKey(); got != "cup/red" {
			t.Errorf("unexpected dedup key: got %q, want %q", got, "cup/red")
		}
	})

	t.Run("Absent Attribute Uses Sentinel", func(t *testing.T) {
		ev := Event{SubjectID: "cup"}
		if got := ev.DedupKey(); got != "cup/none" {
			t.Errorf("unexpected dedup key: got %q, want %q", got, "cup/none")
		}
	})

	t.Run("Key Is Stable Across Copies", func(t *testing.T) {
		ev := Event{SubjectID: "ball", Attribute: "blue", Confidence: 0.4}
		cp := ev
		cp.Confidence = 0.9
		if ev.DedupKey() != cp.DedupKey() {
			t.Error("dedup key changed with confidence")
		}
	})
}

func TestEvent_SamePhenomenon(t *testing.T) {
	base := time.Date(2024, 6, 1, 12, 0, 0, 0, time.UTC)
	a := Event{SubjectID: "cup", Attribute: "red", CapturedAt: base}

	t.Run("Within Window", func(t *testing.T) {
		b := Event{SubjectID: "cup", Attribute: "red", CapturedAt: base.Add(2 * time.Second)}
		if !a.SamePhenomenon(b, 5*time.Second) {
			t.Error("expected same phenomenon within window")
		}
		// Order must not matter.
		if !b.SamePhenomenon(a, 5*time.Second) {
			t.Error("expected symmetry")
		}
	})

	t.Run("Outside Window", func(t *testing.T) {
		b := Event{SubjectID: "cup", Attribute: "red", CapturedAt: base.Add(6 * time.Second)}
		if a.SamePhenomenon(b, 5*time.Second) {
			t.Error("expected different phenomenon outside window")
		}
	})

	t.Run("Window Boundary Is Exclusive", func(t *testing.T) {
		b := Event{SubjectID: "cup", Attribute: "red", CapturedAt: base.Add(5 * time.Second)}
		if a.SamePhenomenon(b, 5*time.Second) {
			t.Error("gap equal to window must not match")
		}
	})

	t.Run("Different Keys Never Match", func(t *testing.T) {
		b := Event{SubjectID: "cup", Attribute: "blue", CapturedAt: base}
		if a.SamePhenomenon(b, time.Hour) {
			t.Error("differing attribute must not match")
		}
	})
}

func TestEvent_Validate(t *testing.T) {
	tests := []struct {
		name    string
		event   Event
		wantErr bool
	}{
		{"Valid", Event{SubjectID: "cup", Confidence: 0.8}, false},
		{"Valid Zero Confidence", Event{SubjectID: "cup", Confidence: 0}, false},
		{"Valid Full Confidence", Event{SubjectID: "cup", Confidence: 1}, false},
		{"Empty Subject", Event{Confidence: 0.8}, true},
		{"Negative Confidence", Event{SubjectID: "cup", Confidence: -0.1}, true},
		{"Confidence Above One", Event{SubjectID: "cup", Confidence: 1.1}, true},
		{"NaN Confidence", Event{SubjectID: "cup", Confidence: math.NaN()}, true},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			err := tt.event.Validate()
			if tt.wantErr {
				if err == nil {
					t.Fatal("expected an error, got nil")
				}
				if !errors.Is(err, ErrInvalidEvent) {
					t.Errorf("error does not wrap ErrInvalidEvent: %v", err)
				}
				return
			}
			if err != nil {
				t.Fatalf("expected no error, got %v", err)
			}
		})
	}
}
