// Package privacy strips location and frame-content data from detections of
// configured sensitive subjects (typically people) before they leave the
// relay. The detection itself still flows; only where it was and what the
// frame looked like are withheld.
package privacy

import (
	"log/slog"
	"strings"

	"github.com/Earthbotics/CARL-sub002/internal/domain"
)

// Scrubber removes Region and Fingerprint from events whose subject is in
// the configured sensitive set.
type Scrubber struct {
	subjects map[string]struct{}
	logger   *slog.Logger
}

// NewScrubber builds a scrubber for the given subject IDs. Blank entries are
// ignored, so a comma-split config value can be passed directly.
func NewScrubber(subjects []string, logger *slog.Logger) *Scrubber {
	set := make(map[string]struct{}, len(subjects))
	for _, s := range subjects {
		s = strings.TrimSpace(s)
		if s != "" {
			set[s] = struct{}{}
		}
	}
	return &Scrubber{
		subjects: set,
		logger:   logger.With("component", "privacy"),
	}
}

// Scrub returns a copy of ev with the bounding region and frame fingerprint
// removed when its subject is sensitive, and reports whether anything was
// removed.
func (s *Scrubber) Scrub(ev domain.Event) (domain.Event, bool) {
	if _, ok := s.subjects[ev.SubjectID]; !ok {
		return ev, false
	}
	if ev.Region == nil && ev.Fingerprint == "" {
		return ev, false
	}
	ev.Region = nil
	ev.Fingerprint = ""
	s.logger.Debug("scrubbed sensitive detection", "subject_id", ev.SubjectID)
	return ev, true
}
