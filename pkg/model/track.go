package model

// DbTrack is a row of the track registry. The registry is maintained by the
// admin frontend; this service only reads it.
type DbTrack struct {
	ID   int       `json:"id"`
	Data TrackData `json:"data"`
}

type TrackData struct {
	Name string `json:"name"`
	// feed endpoint, e.g. "tcp://timing.example.com:8181" or "tls://..."
	Endpoint string `json:"endpoint"`
	// optional operator supplied column index -> field mapping for feeds
	// that do not carry type codes (tier 2 resolution)
	LegacyColumns map[int]string `json:"legacyColumns,omitempty"`
	Active        bool           `json:"active"`
}

// PitStopConfig holds the operator controlled parameters for pit aware gap
// computation. Changes apply to the next computation, not retroactively.
type PitStopConfig struct {
	// number of mandatory pit stops for the race
	RequiredStops int `json:"requiredStops" yaml:"requiredStops"`
	// average duration of a single pit stop in seconds
	AvgPitDuration float64 `json:"avgPitDuration" yaml:"avgPitDuration"`
	// fallback lap time in seconds when a team has no best lap yet
	DefaultLapTime float64 `json:"defaultLapTime" yaml:"defaultLapTime"`
}
