package room

import (
	"context"
	"crypto/rand"
	"errors"
	"fmt"
	"math/big"

	"silent-disco/internal/domain"
	"silent-disco/internal/protocol"
	"silent-disco/internal/store"
)

const codeChars = "ABCDEFGHIJKLMNOPQRSTUVWXYZ0123456789"

const codeAttempts = 10

// NewCode returns a random upper-case alphanumeric join code. Every character
// is drawn uniformly from codeChars.
func NewCode(n int) (string, error) {
	n36 := big.NewInt(int64(len(codeChars)))
	b := make([]byte, n)
	for i := range b {
		k, err := rand.Int(rand.Reader, n36)
		if err != nil {
			return "", err
		}
		b[i] = codeChars[k.Int64()]
	}
	return string(b), nil
}

type CreateParams struct {
	Name       string
	Visibility domain.Visibility
	MaxMembers int
}

// CreateRoom allocates a unique join code and creates the room with userID as HOST.
func (m *Manager) CreateRoom(ctx context.Context, userID string, p CreateParams) (*domain.Room, error) {
	if p.Visibility != domain.VisibilityPrivate {
		p.Visibility = domain.VisibilityPublic
	}
	if p.MaxMembers <= 0 || p.MaxMembers > m.cfg.MaxMembers {
		p.MaxMembers = m.cfg.MaxMembers
	}

	for i := 0; i < codeAttempts; i++ {
		code, err := NewCode(m.cfg.CodeLength)
		if err != nil {
			return nil, fmt.Errorf("generate code: %w", err)
		}
		exists, err := m.store.CodeExists(ctx, code)
		if err != nil {
			return nil, fmt.Errorf("check code: %w", err)
		}
		if exists {
			continue
		}

		room := &domain.Room{
			Code:       code,
			Name:       p.Name,
			HostUserID: userID,
			Visibility: p.Visibility,
			Status:     domain.StatusActive,
			MaxMembers: p.MaxMembers,
		}
		err = m.store.CreateRoom(ctx, room, &domain.Member{})
		if errors.Is(err, store.ErrConflict) {
			continue
		}
		if err != nil {
			return nil, fmt.Errorf("create room: %w", err)
		}
		m.log.Info().Str("room", code).Str("user", userID).Msg("room created")
		return room, nil
	}
	return nil, errors.New("could not allocate a unique room code")
}

// EndRoom moves the room to ENDED and tells everyone connected. Host only.
func (m *Manager) EndRoom(ctx context.Context, code, userID string) error {
	unlock := m.lock(code)
	defer unlock()

	room, err := m.loadRoom(ctx, code)
	if err != nil {
		return err
	}
	if room.HostUserID != userID {
		return ErrForbidden
	}
	if room.Status == domain.StatusEnded {
		return nil
	}
	if err := m.store.UpdateRoomStatus(ctx, room.ID, domain.StatusEnded); err != nil {
		return fmt.Errorf("end room: %w", err)
	}
	m.out.Broadcast(code, protocol.RoomError(ErrRoomEnded.Error()))
	m.log.Info().Str("room", code).Msg("room ended")
	return nil
}

// View is the read model served over HTTP.
type View struct {
	Room     domain.Room     `json:"room"`
	Members  []domain.Member `json:"members"`
	Snapshot domain.Snapshot `json:"state"`
}

func (m *Manager) Describe(ctx context.Context, code string) (*View, error) {
	unlock := m.lock(code)
	defer unlock()

	room, err := m.loadRoom(ctx, code)
	if err != nil {
		return nil, err
	}
	members, err := m.members(ctx, room.ID)
	if err != nil {
		return nil, err
	}
	snap, err := m.snapshot(ctx, room)
	if err != nil {
		return nil, err
	}
	return &View{Room: *room, Members: members, Snapshot: snap}, nil
}

func (m *Manager) PublicRooms(ctx context.Context, limit int) ([]domain.Room, error) {
	if limit <= 0 || limit > 100 {
		limit = 20
	}
	rooms, err := m.store.ListPublicRooms(ctx, limit)
	if err != nil {
		return nil, fmt.Errorf("list rooms: %w", err)
	}
	return rooms, nil
}
