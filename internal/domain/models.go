package domain

import "time"

const (
	RoleHost   Role = "HOST"
	RoleMember Role = "MEMBER"

	StatusActive RoomStatus = "ACTIVE"
	StatusEnded  RoomStatus = "ENDED"

	VisibilityPublic  Visibility = "PUBLIC"
	VisibilityPrivate Visibility = "PRIVATE"

	StateNoTrack PlaybackState = "NO_TRACK"
	StatePaused  PlaybackState = "PAUSED"
	StatePlaying PlaybackState = "PLAYING"
)

// AddedBySystem marks queue items appended by the replenisher.
const AddedBySystem = "SYSTEM"

type (
	Role          string
	RoomStatus    string
	Visibility    string
	PlaybackState string
)

// Track is a catalog entry referenced everywhere by its external id.
type Track struct {
	ID           string `json:"id" validate:"required,max=128"`
	Title        string `json:"title" validate:"max=512"`
	Artist       string `json:"artist" validate:"max=512"`
	DurationMs   int    `json:"durationMs,omitempty" validate:"gte=0"`
	ThumbnailURL string `json:"thumbnailUrl,omitempty" validate:"max=2048"`
}

type Room struct {
	ID             string     `json:"id"`
	Code           string     `json:"code"`
	Name           string     `json:"name"`
	HostUserID     string     `json:"hostUserId"`
	Visibility     Visibility `json:"visibility"`
	Status         RoomStatus `json:"status"`
	MaxMembers     int        `json:"maxMembers"`
	CurrentTrackID string     `json:"currentTrackId,omitempty"`
	IsPlaying      bool       `json:"isPlaying"`
	Position       float64    `json:"position"`
	CreatedAt      time.Time  `json:"createdAt"`
	UpdatedAt      time.Time  `json:"updatedAt"`
}

// State derives the playback state from the persisted columns.
func (r Room) State() PlaybackState {
	switch {
	case r.CurrentTrackID == "":
		return StateNoTrack
	case r.IsPlaying:
		return StatePlaying
	default:
		return StatePaused
	}
}

type Permissions struct {
	CanAddQueue        bool `json:"canAddQueue"`
	CanManageQueue     bool `json:"canManageQueue"`
	CanControlPlayback bool `json:"canControlPlayback"`
}

// DefaultMemberPermissions are granted to a member on first join.
var DefaultMemberPermissions = Permissions{CanAddQueue: true}

// HostPermissions is stored on host rows; hosts bypass the flags anyway.
var HostPermissions = Permissions{CanAddQueue: true, CanManageQueue: true, CanControlPlayback: true}

type Member struct {
	ID           string      `json:"id"`
	RoomID       string      `json:"roomId"`
	UserID       string      `json:"userId"`
	Role         Role        `json:"role"`
	Permissions  Permissions `json:"permissions"`
	ConnectionID string      `json:"-"`
	Banned       bool        `json:"banned"`
	JoinedAt     time.Time   `json:"joinedAt"`
	// Online is derived from the connection binding, not stored.
	Online bool `json:"online"`
}

func (m Member) IsHost() bool { return m.Role == RoleHost }

func (m Member) CanAddQueue() bool {
	return m.IsHost() || (!m.Banned && m.Permissions.CanAddQueue)
}

func (m Member) CanManageQueue() bool {
	return m.IsHost() || (!m.Banned && m.Permissions.CanManageQueue)
}

func (m Member) CanControlPlayback() bool {
	return m.IsHost() || (!m.Banned && m.Permissions.CanControlPlayback)
}

type QueueItem struct {
	ID        string    `json:"id"`
	RoomID    string    `json:"roomId"`
	Track     Track     `json:"track"`
	Order     int64     `json:"order"`
	AddedBy   string    `json:"addedBy"`
	IsPlayed  bool      `json:"isPlayed"`
	CreatedAt time.Time `json:"createdAt"`
}

// Snapshot is the full room state delivered on join and on request_sync.
type Snapshot struct {
	IsPlaying bool        `json:"isPlaying"`
	Position  float64     `json:"position"`
	Track     *Track      `json:"track"`
	Queue     []QueueItem `json:"queue"`
	Timestamp int64       `json:"timestamp"`
}

// TrackIDs returns the track ids of items in queue order.
func TrackIDs(items []QueueItem) []string {
	out := make([]string, 0, len(items))
	for _, it := range items {
		out = append(out, it.Track.ID)
	}
	return out
}
