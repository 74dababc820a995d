package transport

import (
	"context"
	"net"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/gorilla/websocket"
	"github.com/pkg/errors"
	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/joncooperworks/keyringd/failure"
	"github.com/joncooperworks/keyringd/hdkey"
	"github.com/joncooperworks/keyringd/rpc"
)

// echoHandler answers ListKeys with an empty list, SignData with its data as
// the signature and everything else with NotFound.
type echoHandler struct {
	mu    sync.Mutex
	calls int
	block chan struct{}
}

func (h *echoHandler) Handle(ctx context.Context, frame []byte) []byte {
	h.mu.Lock()
	h.calls++
	h.mu.Unlock()
	if h.block != nil {
		<-h.block
	}

	req, err := rpc.DecodeRequest(frame)
	var rep rpc.Reply
	switch r := req.(type) {
	case rpc.ListKeys:
		rep = rpc.KeyList{Keys: []rpc.Key{}}
	case rpc.SignData:
		rep = rpc.Signature{Sig: r.Data}
	default:
		if err == nil {
			err = failure.ErrNotFound
		}
		rep = rpc.ErrorReply(err)
	}
	out, _ := rpc.EncodeReply(rep)
	return out
}

func startServer(t *testing.T, h Handler) string {
	t.Helper()
	srv := httptest.NewServer(NewServer(h, zerolog.Nop()))
	t.Cleanup(srv.Close)
	return "ws" + strings.TrimPrefix(srv.URL, "http") + Path
}

func dial(t *testing.T, url string) *Client {
	t.Helper()
	c, err := Dial(context.Background(), url)
	require.NoError(t, err)
	t.Cleanup(func() { c.Close() })
	return c
}

func TestCall(t *testing.T) {
	url := startServer(t, &echoHandler{})
	c := dial(t, url)
	ctx := context.Background()

	t.Run("reply", func(t *testing.T) {
		rep, err := c.Call(ctx, rpc.ListKeys{})
		require.NoError(t, err)
		assert.Equal(t, rpc.KeyList{Keys: []rpc.Key{}}, rep)
	})

	t.Run("payload", func(t *testing.T) {
		rep, err := c.Call(ctx, rpc.SignData{Data: []byte("abc")})
		require.NoError(t, err)
		assert.Equal(t, rpc.Signature{Sig: []byte("abc")}, rep)
	})

	t.Run("error reply", func(t *testing.T) {
		_, err := c.Call(ctx, rpc.ExportKey{KeyID: hdkey.KeyID{1}})
		require.Error(t, err)
		assert.True(t, errors.Is(err, failure.ErrNotFound))
	})

	t.Run("encode failure is local", func(t *testing.T) {
		_, err := c.Call(ctx, rpc.ExportKey{AuthCode: 1_000_000})
		assert.True(t, errors.Is(err, failure.ErrMalformedMessage))
		_, err = c.Call(ctx, rpc.ListKeys{})
		assert.NoError(t, err)
	})
}

func TestConnectionsAreIndependent(t *testing.T) {
	url := startServer(t, &echoHandler{})
	var wg sync.WaitGroup
	for i := 0; i < 8; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			c, err := Dial(context.Background(), url)
			if !assert.NoError(t, err) {
				return
			}
			defer c.Close()
			for j := 0; j < 10; j++ {
				_, err := c.Call(context.Background(), rpc.ListKeys{})
				assert.NoError(t, err)
			}
		}()
	}
	wg.Wait()
}

func TestCallContextCancel(t *testing.T) {
	h := &echoHandler{block: make(chan struct{})}
	url := startServer(t, h)
	defer close(h.block)
	c := dial(t, url)

	ctx, cancel := context.WithTimeout(context.Background(), 50*time.Millisecond)
	defer cancel()
	_, err := c.Call(ctx, rpc.ListKeys{})
	assert.True(t, errors.Is(err, context.DeadlineExceeded), "got %v", err)

	_, err = c.Call(context.Background(), rpc.ListKeys{})
	assert.Error(t, err, "connection is unusable after an aborted call")
}

func TestServerIgnoresTextMessages(t *testing.T) {
	url := startServer(t, &echoHandler{})
	conn, _, err := websocket.DefaultDialer.Dial(url, nil)
	require.NoError(t, err)
	defer conn.Close()

	require.NoError(t, conn.WriteMessage(websocket.TextMessage, []byte("hello")))
	require.NoError(t, conn.WriteMessage(websocket.BinaryMessage, []byte{0x00, 0x10}))
	kind, frame, err := conn.ReadMessage()
	require.NoError(t, err)
	assert.Equal(t, websocket.BinaryMessage, kind)
	assert.Equal(t, []byte{0x02, 0x00, 0x00, 0x00}, frame)
}

func TestServeShutdown(t *testing.T) {
	ln, err := net.Listen("tcp", "127.0.0.1:0")
	require.NoError(t, err)

	ctx, cancel := context.WithCancel(context.Background())
	srv := NewServer(&echoHandler{}, zerolog.Nop())
	done := make(chan error, 1)
	go func() { done <- srv.Serve(ctx, ln) }()

	url := "ws://" + ln.Addr().String() + Path
	var c *Client
	require.Eventually(t, func() bool {
		c, err = Dial(context.Background(), url)
		return err == nil
	}, 2*time.Second, 10*time.Millisecond)
	_, err = c.Call(context.Background(), rpc.ListKeys{})
	require.NoError(t, err)

	cancel()
	select {
	case err := <-done:
		assert.NoError(t, err)
	case <-time.After(5 * time.Second):
		t.Fatal("server did not stop")
	}
	_, err = c.Call(context.Background(), rpc.ListKeys{})
	assert.Error(t, err)
}
