package auth

import (
	"strings"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/pkg/errors"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/joncooperworks/keyringd/failure"
)

const testSecret = "JBSWY3DPEHPK3PXP"

var epoch = time.Unix(1_700_000_010, 0)

type clock struct {
	mu sync.Mutex
	t  time.Time
}

func (c *clock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.t
}

func (c *clock) Advance(d time.Duration) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.t = c.t.Add(d)
}

func newTestGate(t *testing.T) (*Gate, *clock) {
	t.Helper()
	c := &clock{t: epoch}
	g, err := NewGate(testSecret, DefaultConfig(), WithClock(c.Now))
	require.NoError(t, err)
	return g, c
}

func codeAt(t *testing.T, at time.Time) uint32 {
	t.Helper()
	code, err := CodeAt(testSecret, at, 30*time.Second)
	require.NoError(t, err)
	return code
}

func TestAuthorize(t *testing.T) {
	t.Run("current code is granted once", func(t *testing.T) {
		g, _ := newTestGate(t)
		code := codeAt(t, epoch)
		require.NoError(t, g.Authorize(code))

		err := g.Authorize(code)
		require.Error(t, err)
		assert.True(t, errors.Is(err, failure.ErrAuthorizationDenied))
	})

	t.Run("gate code helper agrees with totp", func(t *testing.T) {
		g, _ := newTestGate(t)
		code, err := g.Code(epoch)
		require.NoError(t, err)
		assert.Equal(t, codeAt(t, epoch), code)
	})

	t.Run("previous step within skew", func(t *testing.T) {
		g, _ := newTestGate(t)
		require.NoError(t, g.Authorize(codeAt(t, epoch.Add(-30*time.Second))))
		require.NoError(t, g.Authorize(codeAt(t, epoch)))
	})

	t.Run("older step than last consumed is denied", func(t *testing.T) {
		g, _ := newTestGate(t)
		require.NoError(t, g.Authorize(codeAt(t, epoch)))
		err := g.Authorize(codeAt(t, epoch.Add(-30*time.Second)))
		assert.True(t, errors.Is(err, failure.ErrAuthorizationDenied))
	})

	t.Run("next step after clock advances", func(t *testing.T) {
		g, c := newTestGate(t)
		require.NoError(t, g.Authorize(codeAt(t, epoch)))
		c.Advance(30 * time.Second)
		require.NoError(t, g.Authorize(codeAt(t, c.Now())))
	})

	t.Run("recent past code is expired", func(t *testing.T) {
		g, _ := newTestGate(t)
		err := g.Authorize(codeAt(t, epoch.Add(-5*30*time.Second)))
		require.Error(t, err)
		assert.True(t, errors.Is(err, failure.ErrAuthorizationExpired))
	})

	t.Run("ancient code is denied", func(t *testing.T) {
		g, _ := newTestGate(t)
		err := g.Authorize(codeAt(t, epoch.Add(-2*time.Hour)))
		assert.True(t, errors.Is(err, failure.ErrAuthorizationDenied))
	})

	t.Run("wrong code", func(t *testing.T) {
		g, _ := newTestGate(t)
		wrong := (codeAt(t, epoch) + 1) % (MaxCode + 1)
		err := g.Authorize(wrong)
		assert.True(t, errors.Is(err, failure.ErrAuthorizationDenied))
		// A denial consumes nothing.
		require.NoError(t, g.Authorize(codeAt(t, epoch)))
	})

	t.Run("out of range", func(t *testing.T) {
		g, _ := newTestGate(t)
		err := g.Authorize(MaxCode + 1)
		assert.True(t, errors.Is(err, failure.ErrMalformedMessage))
	})
}

func TestAuthorizeConcurrent(t *testing.T) {
	g, _ := newTestGate(t)
	code := codeAt(t, epoch)

	var granted atomic.Int32
	var wg sync.WaitGroup
	for i := 0; i < 64; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			if g.Authorize(code) == nil {
				granted.Add(1)
			}
		}()
	}
	wg.Wait()
	assert.Equal(t, int32(1), granted.Load())
}

func TestNewGate(t *testing.T) {
	_, err := NewGate("", DefaultConfig())
	require.Error(t, err)
	_, err = NewGate("not base32!", DefaultConfig())
	require.Error(t, err)
	g, err := NewGate(strings.ToLower(testSecret), Config{})
	require.NoError(t, err)
	assert.Equal(t, 30*time.Second, g.cfg.Period)
}

func TestNewEnrollment(t *testing.T) {
	e, err := NewEnrollment("keyringd", "owner@host", 30*time.Second)
	require.NoError(t, err)
	assert.True(t, strings.HasPrefix(e.URL, "otpauth://totp/"))
	assert.Contains(t, e.URL, "secret="+e.Secret)

	g, err := NewGate(e.Secret, DefaultConfig())
	require.NoError(t, err)
	code, err := g.Code(time.Now())
	require.NoError(t, err)
	require.NoError(t, g.Authorize(code))
}
