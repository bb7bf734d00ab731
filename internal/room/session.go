package room

import (
	"context"
	"errors"
	"fmt"

	"silent-disco/internal/domain"
	"silent-disco/internal/protocol"
	"silent-disco/internal/store"
)

// Join binds connID to the user's membership, creating it on first join, and
// delivers is_host and sync_state to that connection before broadcasting the
// member list to the room.
func (m *Manager) Join(ctx context.Context, code, connID, userID string) error {
	unlock := m.lock(code)
	defer unlock()

	room, err := m.loadRoom(ctx, code)
	if err != nil {
		return err
	}
	if room.Status == domain.StatusEnded {
		return ErrRoomEnded
	}

	member, err := m.store.GetMember(ctx, room.ID, userID)
	switch {
	case errors.Is(err, store.ErrNotFound):
		member, err = m.admit(ctx, room, connID, userID)
		if err != nil {
			return err
		}
	case err != nil:
		return fmt.Errorf("load member: %w", err)
	case member.Banned:
		return ErrForbidden
	default:
		if err := m.store.BindConnection(ctx, member.ID, connID); err != nil {
			return fmt.Errorf("bind connection: %w", err)
		}
	}

	snap, err := m.snapshot(ctx, room)
	if err != nil {
		return err
	}
	members, err := m.members(ctx, room.ID)
	if err != nil {
		return err
	}

	m.out.Subscribe(code, connID)
	m.out.Send(connID, protocol.IsHost(member.IsHost()))
	m.out.Send(connID, protocol.SyncState(snap))
	m.out.Broadcast(code, protocol.MembersUpdate(members))

	m.log.Info().Str("room", code).Str("user", userID).Str("conn", connID).Bool("host", member.IsHost()).Msg("joined")
	return nil
}

func (m *Manager) admit(ctx context.Context, room *domain.Room, connID, userID string) (*domain.Member, error) {
	existing, err := m.store.ListMembers(ctx, room.ID)
	if err != nil {
		return nil, fmt.Errorf("load members: %w", err)
	}
	active := 0
	for _, mem := range existing {
		if !mem.Banned {
			active++
		}
	}
	if room.MaxMembers > 0 && active >= room.MaxMembers {
		return nil, ErrRoomFull
	}

	member := &domain.Member{
		RoomID:       room.ID,
		UserID:       userID,
		Role:         domain.RoleMember,
		Permissions:  domain.DefaultMemberPermissions,
		ConnectionID: connID,
	}
	err = m.store.CreateMember(ctx, member)
	if errors.Is(err, store.ErrConflict) {
		// joined concurrently through another instance
		member, err = m.store.GetMember(ctx, room.ID, userID)
		if err != nil {
			return nil, fmt.Errorf("reload member: %w", err)
		}
		if member.Banned {
			return nil, ErrForbidden
		}
		return member, m.store.BindConnection(ctx, member.ID, connID)
	}
	if err != nil {
		return nil, fmt.Errorf("create member: %w", err)
	}
	return member, nil
}

// SetPlaying starts track at position and marks the matching queue item played.
func (m *Manager) SetPlaying(ctx context.Context, code, userID string, track domain.Track, position float64, queueID string) error {
	changed, err := func() (bool, error) {
		unlock := m.lock(code)
		defer unlock()

		room, _, ok, err := m.authorize(ctx, code, userID, protocol.TypePlay, domain.Member.CanControlPlayback)
		if err != nil || !ok {
			return false, err
		}
		position = max(position, 0)

		if err := m.store.UpsertTrack(ctx, track); err != nil {
			return false, fmt.Errorf("upsert track: %w", err)
		}

		// queue marks precede the playback write; a failed mark leaves the room unchanged
		marked := false
		if queueID != "" {
			if marked, err = m.store.MarkPlayed(ctx, room.ID, queueID); err != nil {
				return false, fmt.Errorf("mark played: %w", err)
			}
		}
		if !marked {
			if _, err := m.store.MarkFirstUnplayedByTrack(ctx, room.ID, track.ID); err != nil {
				return false, fmt.Errorf("mark played: %w", err)
			}
		}

		if err := m.store.UpdatePlayback(ctx, room.ID, track.ID, true, position); err != nil {
			return false, fmt.Errorf("persist playback: %w", err)
		}
		if err := m.store.RecordPlay(ctx, room.ID, track.ID); err != nil {
			m.log.Error().Err(err).Str("room", code).Str("track", track.ID).Msg("record play")
		}

		m.out.Broadcast(code, protocol.PlayEvent(code, track, position, queueID))
		return true, m.broadcastQueue(ctx, room)
	}()
	if changed {
		m.replenishAsync(code)
	}
	return err
}

func (m *Manager) SetPaused(ctx context.Context, code, userID string, position float64) error {
	unlock := m.lock(code)
	defer unlock()

	room, _, ok, err := m.authorize(ctx, code, userID, protocol.TypePause, domain.Member.CanControlPlayback)
	if err != nil || !ok {
		return err
	}
	if room.State() == domain.StateNoTrack {
		m.log.Debug().Str("room", code).Msg("pause ignored: no track")
		return nil
	}
	position = max(position, 0)

	if err := m.store.UpdatePlayback(ctx, room.ID, room.CurrentTrackID, false, position); err != nil {
		return fmt.Errorf("persist pause: %w", err)
	}
	m.out.Broadcast(code, protocol.PauseEvent(code, position))
	return nil
}

func (m *Manager) Seek(ctx context.Context, code, userID string, position float64) error {
	unlock := m.lock(code)
	defer unlock()

	room, _, ok, err := m.authorize(ctx, code, userID, protocol.TypeSeek, domain.Member.CanControlPlayback)
	if err != nil || !ok {
		return err
	}
	if room.State() == domain.StateNoTrack {
		m.log.Debug().Str("room", code).Msg("seek ignored: no track")
		return nil
	}
	position = max(position, 0)

	if err := m.store.UpdatePlayback(ctx, room.ID, room.CurrentTrackID, room.IsPlaying, position); err != nil {
		return fmt.Errorf("persist seek: %w", err)
	}
	m.out.Broadcast(code, protocol.SeekEvent(code, position))
	return nil
}

func (m *Manager) AddToQueue(ctx context.Context, code, userID string, track domain.Track) error {
	changed, err := func() (bool, error) {
		unlock := m.lock(code)
		defer unlock()

		room, _, ok, err := m.authorize(ctx, code, userID, protocol.TypeQueueAdd, domain.Member.CanAddQueue)
		if err != nil || !ok {
			return false, err
		}
		if err := m.store.UpsertTrack(ctx, track); err != nil {
			return false, fmt.Errorf("upsert track: %w", err)
		}
		item := &domain.QueueItem{RoomID: room.ID, Track: track, AddedBy: userID}
		if err := m.store.AppendQueueItem(ctx, item); err != nil {
			return false, fmt.Errorf("append queue: %w", err)
		}
		return true, m.broadcastQueue(ctx, room)
	}()
	if changed {
		m.replenishAsync(code)
	}
	return err
}

// RemoveFromQueue deletes queueID. Removing an id that is already gone is not an error.
func (m *Manager) RemoveFromQueue(ctx context.Context, code, userID, queueID string) error {
	changed, err := func() (bool, error) {
		unlock := m.lock(code)
		defer unlock()

		room, _, ok, err := m.authorize(ctx, code, userID, protocol.TypeQueueRemove, domain.Member.CanManageQueue)
		if err != nil || !ok {
			return false, err
		}
		if _, err := m.store.DeleteQueueItem(ctx, room.ID, queueID); err != nil {
			return false, fmt.Errorf("delete queue item: %w", err)
		}
		return true, m.broadcastQueue(ctx, room)
	}()
	if changed {
		m.replenishAsync(code)
	}
	return err
}

// UpdatePermissions replaces the flags of memberID. Only the host may do this.
func (m *Manager) UpdatePermissions(ctx context.Context, code, userID, memberID string, p domain.Permissions) error {
	unlock := m.lock(code)
	defer unlock()

	room, _, ok, err := m.authorize(ctx, code, userID, protocol.TypeUpdatePermissions, domain.Member.IsHost)
	if err != nil || !ok {
		return err
	}
	target, err := m.store.GetMemberByID(ctx, room.ID, memberID)
	if errors.Is(err, store.ErrNotFound) {
		return ErrNotMember
	}
	if err != nil {
		return fmt.Errorf("load target member: %w", err)
	}
	if err := m.store.UpdatePermissions(ctx, target.ID, p); err != nil {
		return fmt.Errorf("persist permissions: %w", err)
	}
	m.out.Broadcast(code, protocol.PermissionsUpdate(target.ID, p))
	return nil
}

// RequestSync sends the current snapshot to connID only.
func (m *Manager) RequestSync(ctx context.Context, code, connID, userID string) error {
	unlock := m.lock(code)
	defer unlock()

	room, err := m.loadRoom(ctx, code)
	if err != nil {
		return err
	}
	member, err := m.store.GetMember(ctx, room.ID, userID)
	if errors.Is(err, store.ErrNotFound) {
		return ErrNotMember
	}
	if err != nil {
		return fmt.Errorf("load member: %w", err)
	}
	if member.Banned {
		return ErrForbidden
	}

	snap, err := m.snapshot(ctx, room)
	if err != nil {
		return err
	}
	m.out.Send(connID, protocol.SyncState(snap))
	return nil
}

// Leave drops the membership bound to connID. A connection that is no longer the
// member's current binding changes nothing, so a stale disconnect cannot remove a
// member who already reconnected. Host rows are unbound rather than deleted.
func (m *Manager) Leave(ctx context.Context, code, connID, userID string) error {
	unlock := m.lock(code)
	defer unlock()

	m.out.Unsubscribe(code, connID)

	room, err := m.loadRoom(ctx, code)
	if err != nil {
		return err
	}
	member, err := m.store.GetMember(ctx, room.ID, userID)
	if errors.Is(err, store.ErrNotFound) {
		return nil
	}
	if err != nil {
		return fmt.Errorf("load member: %w", err)
	}

	var changed bool
	if member.IsHost() {
		changed, err = m.store.UnbindConnection(ctx, member.ID, connID)
	} else {
		changed, err = m.store.DeleteMemberIfConnection(ctx, member.ID, connID)
	}
	if err != nil {
		return fmt.Errorf("remove member: %w", err)
	}
	if !changed {
		m.log.Debug().Str("room", code).Str("user", userID).Str("conn", connID).Msg("stale disconnect ignored")
		return nil
	}

	m.log.Info().Str("room", code).Str("user", userID).Str("conn", connID).Msg("left")
	return m.broadcastMembers(ctx, room)
}

// Ban marks memberID banned and detaches its connection. Host only.
func (m *Manager) Ban(ctx context.Context, code, userID, memberID string) error {
	unlock := m.lock(code)
	defer unlock()

	room, _, ok, err := m.authorize(ctx, code, userID, protocol.TypeBanMember, domain.Member.IsHost)
	if err != nil || !ok {
		return err
	}
	target, err := m.store.GetMemberByID(ctx, room.ID, memberID)
	if errors.Is(err, store.ErrNotFound) {
		return ErrNotMember
	}
	if err != nil {
		return fmt.Errorf("load target member: %w", err)
	}
	if target.IsHost() {
		return ErrForbidden
	}
	if err := m.store.BanMember(ctx, target.ID); err != nil {
		return fmt.Errorf("persist ban: %w", err)
	}
	if target.ConnectionID != "" {
		m.out.Send(target.ConnectionID, protocol.RoomError("you have been banned from this room"))
		m.out.Unsubscribe(code, target.ConnectionID)
	}
	m.log.Info().Str("room", code).Str("member", target.ID).Msg("banned")
	return m.broadcastMembers(ctx, room)
}
