package syncagent

import (
	"context"
	"net/http"
	"sync"
	"time"

	"github.com/gorilla/websocket"

	"silent-disco/internal/protocol"
)

const writeWait = 10 * time.Second

// Conn is a websocket Transport. Writes are serialized; Read has a single caller.
type Conn struct {
	ws *websocket.Conn
	mu sync.Mutex
}

// Dial connects to the room endpoint, sending token as a bearer credential when set.
func Dial(ctx context.Context, url, token string) (*Conn, error) {
	header := http.Header{}
	if token != "" {
		header.Set("Authorization", "Bearer "+token)
	}
	ws, _, err := websocket.DefaultDialer.DialContext(ctx, url, header)
	if err != nil {
		return nil, err
	}
	return &Conn{ws: ws}, nil
}

func (c *Conn) Send(ctx context.Context, cmd protocol.Command) error {
	data, err := protocol.EncodeCommand(cmd)
	if err != nil {
		return err
	}
	deadline := time.Now().Add(writeWait)
	if d, ok := ctx.Deadline(); ok && d.Before(deadline) {
		deadline = d
	}

	c.mu.Lock()
	defer c.mu.Unlock()
	_ = c.ws.SetWriteDeadline(deadline)
	return c.ws.WriteMessage(websocket.TextMessage, data)
}

func (c *Conn) Read() ([]byte, error) {
	_, data, err := c.ws.ReadMessage()
	return data, err
}

func (c *Conn) Close() error {
	c.mu.Lock()
	_ = c.ws.SetWriteDeadline(time.Now().Add(time.Second))
	_ = c.ws.WriteMessage(websocket.CloseMessage, websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""))
	c.mu.Unlock()
	return c.ws.Close()
}
