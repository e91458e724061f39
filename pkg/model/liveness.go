package model

import "time"

type LivenessState string

const (
	LivenessActive   LivenessState = "Active"
	LivenessInactive LivenessState = "Inactive"
)

// SessionLiveness is the per track liveness state. Transitions strictly
// alternate Active and Inactive; only transitions are broadcast.
type SessionLiveness struct {
	TrackID        int           `json:"trackId"`
	State          LivenessState `json:"state"`
	LastData       time.Time     `json:"lastData"`
	LastTransition time.Time     `json:"lastTransition"`
}
