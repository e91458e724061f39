package model

// Trend describes how the gap between two teams moved over a lap horizon.
// Arrows is signed: negative means the target is closing in on the
// reference, positive means it is falling back.
type Trend struct {
	Laps   int     `json:"laps"`   // horizon: 1, 5 or 10 laps
	Delta  float64 `json:"delta"`  // gap change in seconds over the horizon
	Arrows int     `json:"arrows"` // signed magnitude, capped
}

// GapRecord is the comparative timing result for one monitored team against
// the reference team. Derived data, recomputed on every update.
type GapRecord struct {
	RowKey        string     `json:"rowKey"`
	Position      int        `json:"position"`
	Gap           float64    `json:"gap"`         // raw gap in seconds, signed
	AdjustedGap   float64    `json:"adjustedGap"` // gap including remaining mandatory stops
	RemainingPits int        `json:"remainingPits"`
	Status        TeamStatus `json:"status"`
	Trends        []Trend    `json:"trends"`
}
