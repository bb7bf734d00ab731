package realtime

import (
	"bytes"
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/gorilla/websocket"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"silent-disco/internal/domain"
	"silent-disco/internal/protocol"
	"silent-disco/internal/store"
)

func joinPayload(code string) map[string]any { return map[string]any{"roomCode": code} }

func TestServer_Health(t *testing.T) {
	env := newTestEnv(t, Options{})
	resp, err := http.Get(env.srv.URL + "/health")
	require.NoError(t, err)
	defer resp.Body.Close()
	assert.Equal(t, http.StatusOK, resp.StatusCode)
}

func TestServer_HostJoinReceivesState(t *testing.T) {
	env := newTestEnv(t, Options{})
	host := env.dial(t, "host")

	sendFrame(t, host, protocol.TypeJoinRoom, joinPayload("ab12cd"))

	var isHost bool
	require.NoError(t, readType(t, host, protocol.TypeIsHost).Into(&isHost))
	assert.True(t, isHost)

	var snap domain.Snapshot
	require.NoError(t, readType(t, host, protocol.TypeSyncState).Into(&snap))
	assert.False(t, snap.IsPlaying)
	assert.Nil(t, snap.Track)
	assert.Empty(t, snap.Queue)

	var members []domain.Member
	require.NoError(t, readType(t, host, protocol.TypeMembersUpdate).Into(&members))
	require.Len(t, members, 1)
	assert.Equal(t, domain.RoleHost, members[0].Role)
}

func TestServer_PlayReachesEveryMember(t *testing.T) {
	env := newTestEnv(t, Options{})
	host := env.dial(t, "host")
	guest := env.dial(t, "guest")

	sendFrame(t, host, protocol.TypeJoinRoom, joinPayload(env.code))
	readType(t, host, protocol.TypeMembersUpdate)
	sendFrame(t, guest, protocol.TypeJoinRoom, joinPayload(env.code))
	readType(t, guest, protocol.TypeMembersUpdate)
	readType(t, host, protocol.TypeMembersUpdate)

	sendFrame(t, host, protocol.TypePlay, map[string]any{
		"roomCode": env.code,
		"track":    domain.Track{ID: "trackX", Title: "X"},
		"position": 0,
	})

	for _, ws := range []*websocket.Conn{host, guest} {
		var p protocol.PlayPayload
		require.NoError(t, readType(t, ws, protocol.TypePlay).Into(&p))
		assert.Equal(t, "trackX", p.Track.ID)
		readType(t, ws, protocol.TypeQueueUpdate)
	}

	rm, err := env.st.GetRoomByCode(context.Background(), env.code)
	require.NoError(t, err)
	assert.Equal(t, "trackX", rm.CurrentTrackID)
	assert.True(t, rm.IsPlaying)
}

func TestServer_UnauthorizedPlayIsSilent(t *testing.T) {
	env := newTestEnv(t, Options{})
	host := env.dial(t, "host")
	guest := env.dial(t, "guest")
	sendFrame(t, host, protocol.TypeJoinRoom, joinPayload(env.code))
	readType(t, host, protocol.TypeMembersUpdate)
	sendFrame(t, guest, protocol.TypeJoinRoom, joinPayload(env.code))
	readType(t, guest, protocol.TypeMembersUpdate)
	readType(t, host, protocol.TypeMembersUpdate)

	sendFrame(t, guest, protocol.TypePlay, map[string]any{
		"roomCode": env.code,
		"track":    domain.Track{ID: "nope"},
		"position": 0,
	})

	expectSilence(t, host, 200*time.Millisecond)
	expectSilence(t, guest, 100*time.Millisecond)
}

func TestServer_ErrorsGoToSenderOnly(t *testing.T) {
	env := newTestEnv(t, Options{})
	ws := env.dial(t, "someone")

	require.NoError(t, ws.WriteMessage(websocket.TextMessage, []byte(`{"type":"dance"}`)))
	var msg string
	require.NoError(t, readType(t, ws, protocol.TypeRoomError).Into(&msg))
	assert.Contains(t, msg, "unknown event")

	sendFrame(t, ws, protocol.TypeJoinRoom, map[string]any{})
	require.NoError(t, readType(t, ws, protocol.TypeRoomError).Into(&msg))
	assert.Contains(t, msg, "invalid payload")

	sendFrame(t, ws, protocol.TypeJoinRoom, joinPayload("ZZZZZZ"))
	require.NoError(t, readType(t, ws, protocol.TypeRoomError).Into(&msg))
	assert.Equal(t, "room not found", msg)

	sendFrame(t, ws, protocol.TypePing, nil)
	readType(t, ws, protocol.TypePong)
}

func TestServer_DisconnectRemovesMember(t *testing.T) {
	env := newTestEnv(t, Options{})
	host := env.dial(t, "host")
	guest := env.dial(t, "guest")
	sendFrame(t, host, protocol.TypeJoinRoom, joinPayload(env.code))
	readType(t, host, protocol.TypeMembersUpdate)
	sendFrame(t, guest, protocol.TypeJoinRoom, joinPayload(env.code))
	readType(t, guest, protocol.TypeMembersUpdate)
	readType(t, host, protocol.TypeMembersUpdate)

	require.NoError(t, guest.Close())

	var members []domain.Member
	require.NoError(t, readType(t, host, protocol.TypeMembersUpdate).Into(&members))
	require.Len(t, members, 1)
	assert.Equal(t, "host", members[0].UserID)

	rm, _ := env.st.GetRoomByCode(context.Background(), env.code)
	_, err := env.st.GetMember(context.Background(), rm.ID, "guest")
	assert.ErrorIs(t, err, store.ErrNotFound)
}

func TestServer_TokenAuth(t *testing.T) {
	secret := []byte("test-secret")
	env := newTestEnv(t, Options{Verifier: NewTokenVerifier(string(secret))})

	t.Run("join without credential", func(t *testing.T) {
		ws := env.dial(t, "")
		sendFrame(t, ws, protocol.TypeJoinRoom, joinPayload(env.code))
		var msg string
		require.NoError(t, readType(t, ws, protocol.TypeAuthError).Into(&msg))
		assert.Equal(t, "missing credential", msg)
	})

	t.Run("header is not trusted", func(t *testing.T) {
		ws := env.dial(t, "host")
		sendFrame(t, ws, protocol.TypeJoinRoom, joinPayload(env.code))
		readType(t, ws, protocol.TypeAuthError)
	})

	t.Run("refresh token in payload", func(t *testing.T) {
		ws := env.dial(t, "")
		sendFrame(t, ws, protocol.TypeJoinRoom, map[string]any{
			"roomCode": env.code,
			"token":    makeTestAccessToken(t, secret, "host", "refresh"),
		})
		var msg string
		require.NoError(t, readType(t, ws, protocol.TypeAuthError).Into(&msg))
		assert.Equal(t, "invalid token", msg)
	})

	t.Run("access token in payload", func(t *testing.T) {
		ws := env.dial(t, "")
		sendFrame(t, ws, protocol.TypeJoinRoom, map[string]any{
			"roomCode": env.code,
			"token":    makeTestAccessToken(t, secret, "host", "access"),
		})
		var isHost bool
		require.NoError(t, readType(t, ws, protocol.TypeIsHost).Into(&isHost))
		assert.True(t, isHost)
	})

	t.Run("bearer on upgrade", func(t *testing.T) {
		header := http.Header{}
		header.Set("Authorization", "Bearer "+makeTestAccessToken(t, secret, "guest", "access"))
		ws, _, err := websocket.DefaultDialer.Dial(wsURL(env.srv), header)
		require.NoError(t, err)
		defer ws.Close()
		sendFrame(t, ws, protocol.TypeJoinRoom, joinPayload(env.code))
		var isHost bool
		require.NoError(t, readType(t, ws, protocol.TypeIsHost).Into(&isHost))
		assert.False(t, isHost)
	})

	t.Run("identity is fixed once authenticated", func(t *testing.T) {
		ws := env.dial(t, "")
		sendFrame(t, ws, protocol.TypeJoinRoom, map[string]any{
			"roomCode": env.code,
			"token":    makeTestAccessToken(t, secret, "guest", "access"),
		})
		readType(t, ws, protocol.TypeIsHost)

		sendFrame(t, ws, protocol.TypeJoinRoom, map[string]any{
			"roomCode": env.code,
			"token":    makeTestAccessToken(t, secret, "host", "access"),
		})
		var msg string
		require.NoError(t, readType(t, ws, protocol.TypeAuthError).Into(&msg))
		assert.Equal(t, "connection is bound to another user", msg)

		sendFrame(t, ws, protocol.TypeRequestSync, map[string]any{"roomCode": env.code})
		readType(t, ws, protocol.TypeSyncState)
	})

	t.Run("bad bearer is rejected before upgrade", func(t *testing.T) {
		header := http.Header{}
		header.Set("Authorization", "Bearer garbage")
		_, resp, err := websocket.DefaultDialer.Dial(wsURL(env.srv), header)
		require.Error(t, err)
		assert.Equal(t, http.StatusUnauthorized, resp.StatusCode)
	})
}

func TestServer_ForbiddenOrigin(t *testing.T) {
	env := newTestEnv(t, Options{AllowedOrigins: []string{"http://localhost:3000"}})

	header := http.Header{}
	header.Set("Origin", "http://localhost:3000")
	ws, _, err := websocket.DefaultDialer.Dial(wsURL(env.srv), header)
	require.NoError(t, err)
	ws.Close()

	header.Set("Origin", "http://evil.com")
	_, resp, err := websocket.DefaultDialer.Dial(wsURL(env.srv), header)
	require.Error(t, err)
	assert.Equal(t, http.StatusForbidden, resp.StatusCode)
}

func TestServer_RoomRoutes(t *testing.T) {
	env := newTestEnv(t, Options{})
	h := env.srv.Config.Handler

	do := func(method, path, user string, body any) *httptest.ResponseRecorder {
		var buf bytes.Buffer
		if body != nil {
			require.NoError(t, json.NewEncoder(&buf).Encode(body))
		}
		req := httptest.NewRequest(method, path, &buf)
		if user != "" {
			req.Header.Set("X-User-Id", user)
		}
		w := httptest.NewRecorder()
		h.ServeHTTP(w, req)
		return w
	}

	w := do(http.MethodPost, "/rooms", "", map[string]any{"name": "x"})
	assert.Equal(t, http.StatusUnauthorized, w.Code)

	w = do(http.MethodPost, "/rooms", "alice", map[string]any{"visibility": "SECRET"})
	assert.Equal(t, http.StatusBadRequest, w.Code)

	w = do(http.MethodPost, "/rooms", "alice", map[string]any{"name": "Friday", "visibility": "PUBLIC"})
	require.Equal(t, http.StatusCreated, w.Code)
	var created domain.Room
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &created))
	assert.Len(t, created.Code, 6)
	assert.Equal(t, "alice", created.HostUserID)

	w = do(http.MethodGet, "/rooms/"+created.Code, "", nil)
	require.Equal(t, http.StatusOK, w.Code)
	var view struct {
		Room    domain.Room     `json:"room"`
		Members []domain.Member `json:"members"`
	}
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &view))
	require.Len(t, view.Members, 1)
	assert.Equal(t, domain.RoleHost, view.Members[0].Role)

	w = do(http.MethodGet, "/rooms?limit=10", "", nil)
	require.Equal(t, http.StatusOK, w.Code)
	var list roomsResponse
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &list))
	assert.Len(t, list.Items, 2)

	w = do(http.MethodGet, "/rooms/NOPE99", "", nil)
	assert.Equal(t, http.StatusNotFound, w.Code)

	w = do(http.MethodPost, "/rooms/"+created.Code+"/end", "bob", nil)
	assert.Equal(t, http.StatusForbidden, w.Code)
	w = do(http.MethodPost, "/rooms/"+created.Code+"/end", "alice", nil)
	assert.Equal(t, http.StatusNoContent, w.Code)
}
