package model

type MessageType int

const (
	MTEmpty    MessageType = 0
	MTSnapshot MessageType = 1 // full RaceSnapshot
	MTDelta    MessageType = 2 // field level delta
	MTGaps     MessageType = 3 // set of GapRecords
	MTLiveness MessageType = 4 // SessionLiveness transition
)
