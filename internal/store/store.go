package store

import (
	"context"
	"errors"

	"silent-disco/internal/domain"
)

var (
	ErrNotFound = errors.New("store: not found")
	ErrConflict = errors.New("store: conflict")
)

// Store is the persistence surface used by the room manager and the analytics ingestor.
// Individual writes are atomic; nothing here spans a transaction.
type Store interface {
	// CreateRoom inserts the room together with its HOST member and fills ids and timestamps.
	CreateRoom(ctx context.Context, room *domain.Room, host *domain.Member) error
	GetRoomByCode(ctx context.Context, code string) (*domain.Room, error)
	CodeExists(ctx context.Context, code string) (bool, error)
	ListPublicRooms(ctx context.Context, limit int) ([]domain.Room, error)
	UpdatePlayback(ctx context.Context, roomID, trackID string, isPlaying bool, position float64) error
	UpdateRoomStatus(ctx context.Context, roomID string, status domain.RoomStatus) error

	UpsertTrack(ctx context.Context, t domain.Track) error
	GetTrack(ctx context.Context, id string) (*domain.Track, error)

	GetMember(ctx context.Context, roomID, userID string) (*domain.Member, error)
	GetMemberByID(ctx context.Context, roomID, memberID string) (*domain.Member, error)
	ListMembers(ctx context.Context, roomID string) ([]domain.Member, error)
	CreateMember(ctx context.Context, m *domain.Member) error
	BindConnection(ctx context.Context, memberID, connID string) error
	// UnbindConnection clears the binding only while it still equals connID.
	UnbindConnection(ctx context.Context, memberID, connID string) (bool, error)
	// DeleteMemberIfConnection removes the member only while its binding equals connID.
	DeleteMemberIfConnection(ctx context.Context, memberID, connID string) (bool, error)
	UpdatePermissions(ctx context.Context, memberID string, p domain.Permissions) error
	BanMember(ctx context.Context, memberID string) error

	// AppendQueueItem assigns the next order key of the room and fills id and order.
	AppendQueueItem(ctx context.Context, item *domain.QueueItem) error
	ListQueue(ctx context.Context, roomID string) ([]domain.QueueItem, error)
	// RecordPlay appends trackID to the room's play log.
	RecordPlay(ctx context.Context, roomID, trackID string) error
	// RecentlyPlayed returns the last limit track ids of the play log, newest first.
	RecentlyPlayed(ctx context.Context, roomID string, limit int) ([]string, error)
	MarkPlayed(ctx context.Context, roomID, queueID string) (bool, error)
	MarkFirstUnplayedByTrack(ctx context.Context, roomID, trackID string) (bool, error)
	DeleteQueueItem(ctx context.Context, roomID, queueID string) (bool, error)

	InsertListeningEvents(ctx context.Context, events []domain.ListeningEvent) error
}
