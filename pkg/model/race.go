package model

import "time"

type TeamStatus string

const (
	StatusOnTrack  TeamStatus = "OnTrack"
	StatusPitIn    TeamStatus = "PitIn"
	StatusPitOut   TeamStatus = "PitOut"
	StatusFinished TeamStatus = "Finished"
)

// TeamRow is the public snapshot view of one team/kart within a session.
// The row key is established by the grid payload and stays stable for the
// lifetime of the session.
type TeamRow struct {
	RowKey     string     `json:"rowKey"`
	KartNo     string     `json:"kartNo"`
	Name       string     `json:"name"`
	Position   int        `json:"position"`
	LastLap    float64    `json:"lastLap"` // seconds, 0 if none yet
	BestLap    float64    `json:"bestLap"` // seconds, 0 if none yet
	Gap        string     `json:"gap"`     // raw, as received from the feed
	Interval   string     `json:"interval,omitempty"`
	TotalLaps  int        `json:"totalLaps"`
	OnTrackFor float64    `json:"onTrackFor"` // runtime in seconds
	Pits       int        `json:"pits"`
	Status     TeamStatus `json:"status"`
}

// RaceSnapshot is the full ordered state of one track at an instant.
// Immutable once produced.
type RaceSnapshot struct {
	SessionID   string    `json:"sessionId"`
	Flag        string    `json:"flag"`
	SessionText string    `json:"sessionText"`
	Teams       []TeamRow `json:"teams"` // ordered by position, 1..N
	Generated   time.Time `json:"generated"`
}

// Team returns the row for the given key, nil if unknown.
func (s *RaceSnapshot) Team(rowKey string) *TeamRow {
	for i := range s.Teams {
		if s.Teams[i].RowKey == rowKey {
			return &s.Teams[i]
		}
	}
	return nil
}

// LapRecord is the persisted per-lap result. Append-only, idempotent on
// (team, lap number, session id).
type LapRecord struct {
	TrackID   int       `json:"trackId"`
	SessionID string    `json:"sessionId"`
	RowKey    string    `json:"rowKey"`
	LapNo     int       `json:"lapNo"`
	LapTime   float64   `json:"lapTime"` // seconds
	Recorded  time.Time `json:"recorded"`
}
