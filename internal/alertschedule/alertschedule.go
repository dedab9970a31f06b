// Package alertschedule persists the set of offline alert times a device
// must still honor if it loses its MQTT connection before the cloud's next
// SetAttentionState directive arrives. Alert-schedule persistence is named
// as an external collaborator in spec.md §1 ("alert-schedule persistence")
// and left unimplemented there; this package supplements it so a restarted
// or disconnected device can still raise ux.AttentionAlerting at the right
// time, grounded on store.BlobStore's JSON-blob persistence pattern
// (store.SaveRotationBoundaries/LoadRotationBoundaries).
package alertschedule

import (
	"encoding/json"
	"errors"
	"sort"
	"time"

	"aia/store"
)

// BlobKey is the well-known store.BlobStore key the schedule is persisted
// under.
const BlobKey = "aia.alert_schedule"

// Alert is one scheduled offline alert.
type Alert struct {
	ID     string    `json:"id"`
	FireAt time.Time `json:"fireAt"`
}

// Schedule is an ordered (by FireAt) set of pending alerts.
type Schedule struct {
	Alerts []Alert `json:"alerts"`
}

// Add inserts or replaces (by ID) an alert, keeping Alerts sorted by
// FireAt.
func (s *Schedule) Add(a Alert) {
	for i, existing := range s.Alerts {
		if existing.ID == a.ID {
			s.Alerts[i] = a
			s.sort()
			return
		}
	}
	s.Alerts = append(s.Alerts, a)
	s.sort()
}

// Remove drops the alert with the given ID, if present.
func (s *Schedule) Remove(id string) {
	out := s.Alerts[:0]
	for _, a := range s.Alerts {
		if a.ID != id {
			out = append(out, a)
		}
	}
	s.Alerts = out
}

func (s *Schedule) sort() {
	sort.Slice(s.Alerts, func(i, j int) bool {
		return s.Alerts[i].FireAt.Before(s.Alerts[j].FireAt)
	})
}

// Due returns every alert whose FireAt is at or before now, in FireAt
// order, without modifying the schedule — the caller removes each one
// it has acted on via Remove.
func (s *Schedule) Due(now time.Time) []Alert {
	var due []Alert
	for _, a := range s.Alerts {
		if !a.FireAt.After(now) {
			due = append(due, a)
		}
	}
	return due
}

// Load reads the persisted Schedule from s, returning an empty Schedule if
// none has ever been saved.
func Load(s store.BlobStore) (Schedule, error) {
	data, err := s.Load(BlobKey)
	if err != nil {
		if errors.Is(err, store.ErrNotFound) {
			return Schedule{}, nil
		}
		return Schedule{}, err
	}
	var sched Schedule
	if err := json.Unmarshal(data, &sched); err != nil {
		return Schedule{}, err
	}
	return sched, nil
}

// Save persists sched to s.
func Save(s store.BlobStore, sched Schedule) error {
	data, err := json.Marshal(sched)
	if err != nil {
		return err
	}
	return s.Store(BlobKey, data)
}
