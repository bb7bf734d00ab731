package realtime

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/golang-jwt/jwt/v5"
	"github.com/gorilla/websocket"
	"github.com/rs/zerolog"
	"github.com/stretchr/testify/require"

	"silent-disco/internal/domain"
	"silent-disco/internal/protocol"
	"silent-disco/internal/room"
	"silent-disco/internal/store"
)

var testUpgrader = websocket.Upgrader{}

func runHub(t *testing.T) *Hub {
	t.Helper()
	hub := NewHub(zerolog.Nop())
	ctx, cancel := context.WithCancel(context.Background())
	go hub.Run(ctx)
	t.Cleanup(cancel)
	return hub
}

// connectedClient returns the test-side socket and the hub-side Client for one
// upgraded connection.
func connectedClient(t *testing.T, hub *Hub) (*websocket.Conn, *Client) {
	t.Helper()
	var internal *Client
	var created sync.WaitGroup
	created.Add(1)

	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		conn, err := testUpgrader.Upgrade(w, r, nil)
		if err != nil {
			t.Errorf("upgrade: %v", err)
			return
		}
		internal = newClient(hub, conn, "user")
		created.Done()
		go internal.writePump()
		go internal.readPump(func([]byte) {})
	}))

	ws, _, err := websocket.DefaultDialer.Dial(wsURL(server), nil)
	require.NoError(t, err)
	created.Wait()

	t.Cleanup(func() {
		server.Close()
		ws.Close()
	})
	return ws, internal
}

func wsURL(s *httptest.Server) string {
	return "ws" + strings.TrimPrefix(s.URL, "http") + "/ws"
}

type testEnv struct {
	srv  *httptest.Server
	st   *store.MemoryStore
	hub  *Hub
	code string
}

func newTestEnv(t *testing.T, opts Options) *testEnv {
	t.Helper()
	st := store.NewMemoryStore()
	hub := runHub(t)
	mgr := room.NewManager(st, hub, nil, room.Config{MaxMembers: 10}, zerolog.Nop())

	rm := &domain.Room{Code: "AB12CD", HostUserID: "host", Visibility: domain.VisibilityPublic,
		Status: domain.StatusActive, MaxMembers: 10}
	require.NoError(t, st.CreateRoom(context.Background(), rm, &domain.Member{}))

	s := NewServer(hub, mgr, opts, zerolog.Nop())
	srv := httptest.NewServer(s.Router())
	t.Cleanup(srv.Close)
	return &testEnv{srv: srv, st: st, hub: hub, code: rm.Code}
}

func (e *testEnv) dial(t *testing.T, userID string) *websocket.Conn {
	t.Helper()
	header := http.Header{}
	if userID != "" {
		header.Set("X-User-Id", userID)
	}
	ws, _, err := websocket.DefaultDialer.Dial(wsURL(e.srv), header)
	require.NoError(t, err)
	t.Cleanup(func() { ws.Close() })
	return ws
}

func sendFrame(t *testing.T, ws *websocket.Conn, typ string, payload any) {
	t.Helper()
	raw, err := json.Marshal(payload)
	require.NoError(t, err)
	b, err := json.Marshal(protocol.Envelope{Type: typ, Payload: raw})
	require.NoError(t, err)
	require.NoError(t, ws.WriteMessage(websocket.TextMessage, b))
}

// readType reads frames until one of type typ arrives.
func readType(t *testing.T, ws *websocket.Conn, typ string) protocol.Message {
	t.Helper()
	deadline := time.Now().Add(2 * time.Second)
	for {
		require.NoError(t, ws.SetReadDeadline(deadline))
		_, data, err := ws.ReadMessage()
		require.NoError(t, err, "waiting for %s", typ)
		msg, err := protocol.ParseMessage(data)
		require.NoError(t, err)
		if msg.Type == typ {
			return msg
		}
	}
}

// expectSilence asserts nothing arrives on ws within d.
func expectSilence(t *testing.T, ws *websocket.Conn, d time.Duration) {
	t.Helper()
	require.NoError(t, ws.SetReadDeadline(time.Now().Add(d)))
	_, data, err := ws.ReadMessage()
	require.Error(t, err, "unexpected frame %s", data)
}

func makeTestAccessToken(t *testing.T, secret []byte, userID, typ string) string {
	t.Helper()
	claims := &TokenClaims{
		UserID:    userID,
		Email:     "user@example.com",
		TokenType: typ,
		RegisteredClaims: jwt.RegisteredClaims{
			ExpiresAt: jwt.NewNumericDate(time.Now().Add(time.Minute)),
			IssuedAt:  jwt.NewNumericDate(time.Now()),
		},
	}
	signed, err := jwt.NewWithClaims(jwt.SigningMethodHS256, claims).SignedString(secret)
	require.NoError(t, err)
	return signed
}
