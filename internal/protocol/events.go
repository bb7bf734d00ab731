package protocol

import (
	"encoding/json"

	"silent-disco/internal/domain"
)

// Server -> client event names. play, pause and seek reuse the command names.
const (
	TypeMembersUpdate     = "members_update"
	TypeIsHost            = "is_host"
	TypeSyncState         = "sync_state"
	TypeQueueUpdate       = "queue_update"
	TypePermissionsUpdate = "permissions_update"
	TypeAuthError         = "auth_error"
	TypeRoomError         = "room_error"
	TypePong              = "pong"
)

// Event is an outbound frame. Payload is marshalled as-is.
type Event struct {
	Type    string `json:"type"`
	Payload any    `json:"payload"`
}

func (e Event) Encode() ([]byte, error) {
	return json.Marshal(e)
}

type PlayPayload struct {
	RoomCode string       `json:"roomCode"`
	Track    domain.Track `json:"track"`
	Position float64      `json:"position"`
	QueueID  string       `json:"queueId,omitempty"`
}

type PositionPayload struct {
	RoomCode string  `json:"roomCode"`
	Position float64 `json:"position"`
}

type PermissionsPayload struct {
	MemberID    string             `json:"memberId"`
	Permissions domain.Permissions `json:"permissions"`
}

func PlayEvent(code string, track domain.Track, position float64, queueID string) Event {
	return Event{Type: TypePlay, Payload: PlayPayload{RoomCode: code, Track: track, Position: position, QueueID: queueID}}
}

func PauseEvent(code string, position float64) Event {
	return Event{Type: TypePause, Payload: PositionPayload{RoomCode: code, Position: position}}
}

func SeekEvent(code string, position float64) Event {
	return Event{Type: TypeSeek, Payload: PositionPayload{RoomCode: code, Position: position}}
}

func MembersUpdate(members []domain.Member) Event {
	if members == nil {
		members = []domain.Member{}
	}
	return Event{Type: TypeMembersUpdate, Payload: members}
}

func IsHost(v bool) Event {
	return Event{Type: TypeIsHost, Payload: v}
}

func SyncState(s domain.Snapshot) Event {
	if s.Queue == nil {
		s.Queue = []domain.QueueItem{}
	}
	return Event{Type: TypeSyncState, Payload: s}
}

func QueueUpdate(items []domain.QueueItem) Event {
	if items == nil {
		items = []domain.QueueItem{}
	}
	return Event{Type: TypeQueueUpdate, Payload: items}
}

func PermissionsUpdate(memberID string, p domain.Permissions) Event {
	return Event{Type: TypePermissionsUpdate, Payload: PermissionsPayload{MemberID: memberID, Permissions: p}}
}

func AuthError(msg string) Event { return Event{Type: TypeAuthError, Payload: msg} }
func RoomError(msg string) Event { return Event{Type: TypeRoomError, Payload: msg} }
func Pong() Event                { return Event{Type: TypePong, Payload: nil} }

// Message is an inbound server frame as seen by a client; Payload is decoded on demand.
type Message struct {
	Type    string          `json:"type"`
	Payload json.RawMessage `json:"payload"`
}

func ParseMessage(data []byte) (Message, error) {
	var m Message
	err := json.Unmarshal(data, &m)
	return m, err
}

// Into decodes the payload into v.
func (m Message) Into(v any) error {
	return json.Unmarshal(m.Payload, v)
}
