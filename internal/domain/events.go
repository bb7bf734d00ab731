package domain

import "time"

type EventType string

const (
	EventDwell    EventType = "DWELL"
	EventSkip     EventType = "SKIP"
	EventPlay     EventType = "PLAY"
	EventQueueAdd EventType = "QUEUE_ADD"
)

// SkipThreshold is the listen time under which leaving a track counts as a skip.
const SkipThreshold = 30 * time.Second

// ListeningEvent is one analytics signal. Value is seconds listened for DWELL.
type ListeningEvent struct {
	ID        string    `json:"id,omitempty"`
	UserID    string    `json:"userId,omitempty"`
	TrackID   string    `json:"trackId" validate:"required,max=128"`
	RoomID    string    `json:"roomId,omitempty" validate:"max=64"`
	Type      EventType `json:"type" validate:"required,oneof=DWELL SKIP PLAY QUEUE_ADD"`
	Value     float64   `json:"value" validate:"gte=0"`
	Timestamp time.Time `json:"timestamp"`
}
