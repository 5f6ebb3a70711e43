package directory

import (
	"bytes"
	"errors"
	"fmt"
	"io"
	"os"
	"strings"
	"time"

	yaml "go.yaml.in/yaml/v3"

	"reminderd/internal/domain"
)

// Seed is the on-disk format used to preload a Memory directory.
//
//	events:
//	  - id: standup
//	    title: Daily standup
//	    start_in: 2h        # or start_time: 2026-03-01T09:00:00Z
//	    duration: 15m       # or end_time
//	    creator_id: u1
//	    participants:
//	      - { id: p1, user_id: u1, name: Ada, email: ada@example.com }
type Seed struct {
	Events []SeedEvent `yaml:"events"`
}

type SeedEvent struct {
	ID           string               `yaml:"id"`
	Title        string               `yaml:"title"`
	StartTime    time.Time            `yaml:"start_time"`
	EndTime      time.Time            `yaml:"end_time"`
	StartIn      string               `yaml:"start_in"`
	Duration     string               `yaml:"duration"`
	CreatorID    string               `yaml:"creator_id"`
	Participants []domain.Participant `yaml:"participants"`
}

// ParseSeed decodes a seed document. Unknown fields are rejected.
func ParseSeed(data []byte) (Seed, error) {
	var s Seed
	dec := yaml.NewDecoder(bytes.NewReader(data))
	dec.KnownFields(true)
	if err := dec.Decode(&s); err != nil && !errors.Is(err, io.EOF) {
		return Seed{}, fmt.Errorf("seed: %w", err)
	}
	return s, nil
}

// Apply resolves relative times against now and loads every event and
// participant into m. It stops at the first invalid entry.
func (s Seed) Apply(m *Memory, now time.Time) (events, participants int, err error) {
	for i, se := range s.Events {
		e, err := se.resolve(now)
		if err != nil {
			return events, participants, fmt.Errorf("seed events[%d]: %w", i, err)
		}
		if err := m.AddEvent(e); err != nil {
			return events, participants, fmt.Errorf("seed events[%d]: %w", i, err)
		}
		events++
		for j, p := range se.Participants {
			if p.EventID == "" {
				p.EventID = e.ID
			}
			if err := m.AddParticipant(p); err != nil {
				return events, participants, fmt.Errorf("seed events[%d].participants[%d]: %w", i, j, err)
			}
			participants++
		}
	}
	return events, participants, nil
}

func (se SeedEvent) resolve(now time.Time) (domain.Event, error) {
	e := domain.Event{
		ID:        se.ID,
		Title:     se.Title,
		StartTime: se.StartTime,
		EndTime:   se.EndTime,
		CreatorID: se.CreatorID,
	}
	if raw := strings.TrimSpace(se.StartIn); raw != "" {
		d, err := time.ParseDuration(raw)
		if err != nil {
			return e, fmt.Errorf("%w: start_in %q: %v", domain.ErrValidation, raw, err)
		}
		e.StartTime = now.Add(d)
	}
	if raw := strings.TrimSpace(se.Duration); raw != "" {
		d, err := time.ParseDuration(raw)
		if err != nil || d <= 0 {
			return e, fmt.Errorf("%w: duration %q must be a positive Go duration", domain.ErrValidation, raw)
		}
		e.EndTime = e.StartTime.Add(d)
	}
	return e, nil
}

// LoadSeedFile reads path and applies it to m.
func LoadSeedFile(path string, m *Memory, now time.Time) (events, participants int, err error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return 0, 0, err
	}
	s, err := ParseSeed(data)
	if err != nil {
		return 0, 0, err
	}
	return s.Apply(m, now)
}
