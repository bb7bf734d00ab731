// Package protocol defines the messages exchanged over the room websocket.
//
// Every frame is a JSON envelope {"type": ..., "payload": ...}. Client commands form a
// closed set; Decode rejects unknown types and payloads that fail validation before
// they reach the room manager.
package protocol

import (
	"encoding/json"
	"errors"
	"fmt"

	"github.com/go-playground/validator/v10"

	"silent-disco/internal/domain"
)

var (
	ErrUnknownEvent   = errors.New("protocol: unknown event")
	ErrInvalidPayload = errors.New("protocol: invalid payload")
)

// Client -> server event names.
const (
	TypeJoinRoom          = "join_room"
	TypeLeaveRoom         = "leave_room"
	TypePlay              = "play"
	TypePause             = "pause"
	TypeSeek              = "seek"
	TypeQueueAdd          = "queue_add"
	TypeQueueRemove       = "queue_remove"
	TypeUpdatePermissions = "update_permissions"
	TypeRequestSync       = "request_sync"
	TypeBanMember         = "ban_member"
	TypePing              = "ping"
)

type Envelope struct {
	Type    string          `json:"type"`
	Payload json.RawMessage `json:"payload,omitempty"`
}

// Command is implemented only by the types in this file.
type Command interface {
	Type() string
	Room() string
	command()
}

type JoinRoom struct {
	RoomCode string `json:"roomCode" validate:"required,alphanum,max=16"`
	Token    string `json:"token,omitempty" validate:"max=4096"`
}

type LeaveRoom struct {
	RoomCode string `json:"roomCode" validate:"required,alphanum,max=16"`
}

type Play struct {
	RoomCode string       `json:"roomCode" validate:"required,alphanum,max=16"`
	Track    domain.Track `json:"track" validate:"required"`
	Position float64      `json:"position" validate:"gte=0"`
	QueueID  string       `json:"queueId,omitempty" validate:"omitempty,uuid"`
}

type Pause struct {
	RoomCode string  `json:"roomCode" validate:"required,alphanum,max=16"`
	Position float64 `json:"position" validate:"gte=0"`
}

type Seek struct {
	RoomCode string  `json:"roomCode" validate:"required,alphanum,max=16"`
	Position float64 `json:"position" validate:"gte=0"`
}

type QueueAdd struct {
	RoomCode string       `json:"roomCode" validate:"required,alphanum,max=16"`
	Track    domain.Track `json:"track" validate:"required"`
}

type QueueRemove struct {
	RoomCode string `json:"roomCode" validate:"required,alphanum,max=16"`
	QueueID  string `json:"queueId" validate:"required,uuid"`
}

type UpdatePermissions struct {
	RoomCode    string             `json:"roomCode" validate:"required,alphanum,max=16"`
	MemberID    string             `json:"memberId" validate:"required,uuid"`
	Permissions domain.Permissions `json:"permissions"`
}

type RequestSync struct {
	RoomCode string `json:"roomCode" validate:"required,alphanum,max=16"`
}

type BanMember struct {
	RoomCode string `json:"roomCode" validate:"required,alphanum,max=16"`
	MemberID string `json:"memberId" validate:"required,uuid"`
}

type Ping struct{}

func (*JoinRoom) Type() string          { return TypeJoinRoom }
func (*LeaveRoom) Type() string         { return TypeLeaveRoom }
func (*Play) Type() string              { return TypePlay }
func (*Pause) Type() string             { return TypePause }
func (*Seek) Type() string              { return TypeSeek }
func (*QueueAdd) Type() string          { return TypeQueueAdd }
func (*QueueRemove) Type() string       { return TypeQueueRemove }
func (*UpdatePermissions) Type() string { return TypeUpdatePermissions }
func (*RequestSync) Type() string       { return TypeRequestSync }
func (*BanMember) Type() string         { return TypeBanMember }
func (*Ping) Type() string              { return TypePing }

func (c *JoinRoom) Room() string          { return c.RoomCode }
func (c *LeaveRoom) Room() string         { return c.RoomCode }
func (c *Play) Room() string              { return c.RoomCode }
func (c *Pause) Room() string             { return c.RoomCode }
func (c *Seek) Room() string              { return c.RoomCode }
func (c *QueueAdd) Room() string          { return c.RoomCode }
func (c *QueueRemove) Room() string       { return c.RoomCode }
func (c *UpdatePermissions) Room() string { return c.RoomCode }
func (c *RequestSync) Room() string       { return c.RoomCode }
func (c *BanMember) Room() string         { return c.RoomCode }
func (*Ping) Room() string                { return "" }

func (*JoinRoom) command()          {}
func (*LeaveRoom) command()         {}
func (*Play) command()              {}
func (*Pause) command()             {}
func (*Seek) command()              {}
func (*QueueAdd) command()          {}
func (*QueueRemove) command()       {}
func (*UpdatePermissions) command() {}
func (*RequestSync) command()       {}
func (*BanMember) command()         {}
func (*Ping) command()              {}

var validate = validator.New(validator.WithRequiredStructEnabled())

// Validate exposes the shared validator for other boundaries (HTTP handlers).
func Validate(v any) error {
	return validate.Struct(v)
}

func newCommand(typ string) (Command, bool) {
	switch typ {
	case TypeJoinRoom:
		return &JoinRoom{}, true
	case TypeLeaveRoom:
		return &LeaveRoom{}, true
	case TypePlay:
		return &Play{}, true
	case TypePause:
		return &Pause{}, true
	case TypeSeek:
		return &Seek{}, true
	case TypeQueueAdd:
		return &QueueAdd{}, true
	case TypeQueueRemove:
		return &QueueRemove{}, true
	case TypeUpdatePermissions:
		return &UpdatePermissions{}, true
	case TypeRequestSync:
		return &RequestSync{}, true
	case TypeBanMember:
		return &BanMember{}, true
	case TypePing:
		return &Ping{}, true
	}
	return nil, false
}

// Decode parses and validates one client frame.
func Decode(data []byte) (Command, error) {
	var env Envelope
	if err := json.Unmarshal(data, &env); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrInvalidPayload, err)
	}
	cmd, ok := newCommand(env.Type)
	if !ok {
		return nil, fmt.Errorf("%w: %q", ErrUnknownEvent, env.Type)
	}
	if len(env.Payload) > 0 && string(env.Payload) != "null" {
		if err := json.Unmarshal(env.Payload, cmd); err != nil {
			return nil, fmt.Errorf("%w: %v", ErrInvalidPayload, err)
		}
	}
	if err := validate.Struct(cmd); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrInvalidPayload, err)
	}
	return cmd, nil
}

// EncodeCommand wraps cmd in an envelope; used by the listener client.
func EncodeCommand(cmd Command) ([]byte, error) {
	payload, err := json.Marshal(cmd)
	if err != nil {
		return nil, err
	}
	return json.Marshal(Envelope{Type: cmd.Type(), Payload: payload})
}
