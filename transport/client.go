package transport

import (
	"context"
	"sync"
	"time"

	"github.com/gorilla/websocket"
	"github.com/pkg/errors"

	"github.com/joncooperworks/keyringd/rpc"
)

const handshakeTimeout = 10 * time.Second

// Client sends requests to a keyringd daemon. Calls are serialized; one
// request is in flight per connection.
type Client struct {
	mu     sync.Mutex
	conn   *websocket.Conn
	broken error
}

// Dial connects to the daemon websocket at url, for example
// ws://127.0.0.1:7420/rpc.
func Dial(ctx context.Context, url string) (*Client, error) {
	dialer := websocket.Dialer{HandshakeTimeout: handshakeTimeout}
	conn, resp, err := dialer.DialContext(ctx, url, nil)
	if resp != nil && resp.Body != nil {
		resp.Body.Close()
	}
	if err != nil {
		return nil, errors.Wrapf(err, "failed to dial %s", url)
	}
	conn.SetReadLimit(MaxMessageSize)
	return &Client{conn: conn}, nil
}

// Call sends req and waits for its reply. An Error reply is returned as an
// error matching the failure sentinels. If ctx ends mid-call the
// connection is unusable afterwards.
func (c *Client) Call(ctx context.Context, req rpc.Request) (rpc.Reply, error) {
	frame, err := rpc.EncodeRequest(req)
	if err != nil {
		return nil, err
	}

	c.mu.Lock()
	defer c.mu.Unlock()
	if c.broken != nil {
		return nil, c.broken
	}

	stop := context.AfterFunc(ctx, func() {
		c.conn.SetReadDeadline(time.Now())
		c.conn.SetWriteDeadline(time.Now())
	})
	defer stop()

	raw, err := c.roundTrip(frame)
	if err != nil {
		if ctxErr := ctx.Err(); ctxErr != nil {
			err = ctxErr
		}
		c.broken = errors.Wrap(err, "connection unusable")
		return nil, err
	}

	rep, err := rpc.DecodeReply(raw)
	if err != nil {
		return nil, err
	}
	if e, ok := rep.(rpc.Error); ok {
		return nil, e.Err()
	}
	return rep, nil
}

func (c *Client) roundTrip(frame []byte) ([]byte, error) {
	if err := c.conn.WriteMessage(websocket.BinaryMessage, frame); err != nil {
		return nil, errors.Wrap(err, "failed to send request")
	}
	for {
		kind, raw, err := c.conn.ReadMessage()
		if err != nil {
			return nil, errors.Wrap(err, "failed to read reply")
		}
		if kind == websocket.BinaryMessage {
			return raw, nil
		}
	}
}

// Close sends a close frame and releases the connection.
func (c *Client) Close() error {
	c.mu.Lock()
	defer c.mu.Unlock()
	msg := websocket.FormatCloseMessage(websocket.CloseNormalClosure, "")
	c.conn.WriteControl(websocket.CloseMessage, msg, time.Now().Add(time.Second))
	return c.conn.Close()
}
