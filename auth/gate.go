// Package auth implements the second-factor gate in front of every operation
// that uses or exposes a private key.
//
// Codes are RFC 6238 time-based one-time passwords. A code is granted at most
// once: granting it consumes its time step, and only steps newer than the
// last consumed one can be granted afterwards. The check and the consume
// happen under one lock, so two concurrent requests carrying the same code
// cannot both pass.
package auth

import (
	"crypto/subtle"
	"encoding/base32"
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/pkg/errors"
	"github.com/pquerna/otp"
	"github.com/pquerna/otp/hotp"
	"github.com/pquerna/otp/totp"
	"github.com/rs/zerolog"

	"github.com/joncooperworks/keyringd/failure"
)

// MaxCode is the largest six-digit code.
const MaxCode = 999999

// Config tunes the verification window.
type Config struct {
	// Period is the length of one time step.
	Period time.Duration
	// Skew is how many steps either side of now are still accepted.
	Skew uint
	// ExpiredLookback is how many steps before the accepted window a code is
	// reported as expired rather than wrong.
	ExpiredLookback uint
}

// DefaultConfig returns the RFC 6238 defaults.
func DefaultConfig() Config {
	return Config{Period: 30 * time.Second, Skew: 1, ExpiredLookback: 20}
}

// Gate verifies and consumes second-factor codes.
type Gate struct {
	secret string
	cfg    Config
	now    func() time.Time
	log    zerolog.Logger

	mu       sync.Mutex
	consumed bool
	lastStep uint64
}

// Option configures a Gate.
type Option func(*Gate)

// WithClock replaces time.Now.
func WithClock(now func() time.Time) Option {
	return func(g *Gate) { g.now = now }
}

// WithLogger sets the logger used for denied attempts.
func WithLogger(log zerolog.Logger) Option {
	return func(g *Gate) { g.log = log }
}

// NewGate builds a gate over a base32 TOTP secret.
func NewGate(secret string, cfg Config, opts ...Option) (*Gate, error) {
	secret = strings.ToUpper(strings.TrimSpace(secret))
	if secret == "" {
		return nil, errors.New("totp secret cannot be empty")
	}
	if _, err := base32.StdEncoding.WithPadding(base32.NoPadding).DecodeString(strings.TrimRight(secret, "=")); err != nil {
		return nil, errors.Wrap(err, "totp secret is not base32")
	}
	if cfg.Period < time.Second {
		cfg.Period = DefaultConfig().Period
	}
	g := &Gate{secret: secret, cfg: cfg, now: time.Now, log: zerolog.Nop()}
	for _, opt := range opts {
		opt(g)
	}
	return g, nil
}

// Authorize grants code if it matches an unconsumed step inside the window
// and consumes that step. It fails with ErrAuthorizationExpired when the code
// belongs to a recent past step and with ErrAuthorizationDenied otherwise.
func (g *Gate) Authorize(code uint32) error {
	if code > MaxCode {
		return errors.Wrap(failure.ErrMalformedMessage, "auth code out of range")
	}
	want := fmt.Sprintf("%06d", code)

	g.mu.Lock()
	defer g.mu.Unlock()

	now := g.step(g.now())
	lo := saturatingSub(now, uint64(g.cfg.Skew))
	for s := now + uint64(g.cfg.Skew); ; s-- {
		if g.matches(want, s) {
			if g.consumed && s <= g.lastStep {
				g.log.Warn().Uint64("step", s).Msg("authorization code replayed")
				return errors.Wrap(failure.ErrAuthorizationDenied, "code already used")
			}
			g.consumed = true
			g.lastStep = s
			return nil
		}
		if s == lo {
			break
		}
	}

	if lo > 0 && g.cfg.ExpiredLookback > 0 {
		oldest := saturatingSub(lo, uint64(g.cfg.ExpiredLookback))
		for s := lo - 1; ; s-- {
			if g.matches(want, s) {
				g.log.Warn().Uint64("step", s).Msg("authorization code expired")
				return errors.Wrap(failure.ErrAuthorizationExpired, "code from a past window")
			}
			if s == oldest {
				break
			}
		}
	}

	g.log.Warn().Msg("authorization code rejected")
	return errors.Wrap(failure.ErrAuthorizationDenied, "code mismatch")
}

// Code returns the code valid at t. It is meant for tests and for tooling
// that holds the same secret.
func (g *Gate) Code(t time.Time) (uint32, error) {
	return CodeAt(g.secret, t, g.cfg.Period)
}

func (g *Gate) step(t time.Time) uint64 {
	sec := t.Unix()
	if sec < 0 {
		return 0
	}
	return uint64(sec) / uint64(g.cfg.Period/time.Second)
}

func (g *Gate) matches(want string, step uint64) bool {
	got, err := hotp.GenerateCodeCustom(g.secret, step, hotp.ValidateOpts{
		Digits:    otp.DigitsSix,
		Algorithm: otp.AlgorithmSHA1,
	})
	if err != nil {
		return false
	}
	return subtle.ConstantTimeCompare([]byte(got), []byte(want)) == 1
}

func saturatingSub(a, b uint64) uint64 {
	if b > a {
		return 0
	}
	return a - b
}

// CodeAt computes the six-digit TOTP code for secret at t.
func CodeAt(secret string, t time.Time, period time.Duration) (uint32, error) {
	if period < time.Second {
		period = DefaultConfig().Period
	}
	s, err := totp.GenerateCodeCustom(secret, t, totp.ValidateOpts{
		Period:    uint(period / time.Second),
		Digits:    otp.DigitsSix,
		Algorithm: otp.AlgorithmSHA1,
	})
	if err != nil {
		return 0, errors.Wrap(err, "failed to generate code")
	}
	var code uint32
	if _, err := fmt.Sscanf(s, "%d", &code); err != nil {
		return 0, errors.Wrap(err, "failed to parse generated code")
	}
	return code, nil
}

// Enrollment is a freshly provisioned second-factor secret.
type Enrollment struct {
	Secret string
	URL    string
}

// NewEnrollment generates a TOTP secret and its otpauth:// URL for
// authenticator apps.
func NewEnrollment(issuer, account string, period time.Duration) (Enrollment, error) {
	if period < time.Second {
		period = DefaultConfig().Period
	}
	key, err := totp.Generate(totp.GenerateOpts{
		Issuer:      issuer,
		AccountName: account,
		Period:      uint(period / time.Second),
		Digits:      otp.DigitsSix,
		Algorithm:   otp.AlgorithmSHA1,
	})
	if err != nil {
		return Enrollment{}, errors.Wrap(err, "failed to generate totp secret")
	}
	return Enrollment{Secret: key.Secret(), URL: key.URL()}, nil
}
