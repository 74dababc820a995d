package rpc

import (
	"context"
	"iter"
	"time"

	"github.com/pkg/errors"
	"github.com/rs/zerolog"

	"github.com/joncooperworks/keyringd/crypto"
	"github.com/joncooperworks/keyringd/failure"
	"github.com/joncooperworks/keyringd/hdkey"
	"github.com/joncooperworks/keyringd/signer"
	"github.com/joncooperworks/keyringd/vault"
)

// Store is the key store as seen by the dispatcher.
type Store interface {
	List() iter.Seq[vault.Record]
	Insert(ctx context.Context, key *hdkey.ExtendedKeyPair, meta vault.Meta) (hdkey.KeyID, error)
	Derive(ctx context.Context, from hdkey.KeyID, path hdkey.Path, meta vault.Meta) (hdkey.KeyID, error)
	Export(id hdkey.KeyID, private bool) ([]byte, error)
}

// SeedSource creates new root keys.
type SeedSource interface {
	CreateSeed() (*hdkey.ExtendedKeyPair, string, error)
}

// Authorizer checks second-factor codes.
type Authorizer interface {
	Authorize(code uint32) error
}

// Signer produces signatures.
type Signer interface {
	SignPsbt(ctx context.Context, raw []byte, code uint32) (signer.Result, error)
	SignData(ctx context.Context, id hdkey.KeyID, data []byte, code uint32) ([]byte, error)
}

// DefaultPersistTimeout bounds store writes triggered by one request.
const DefaultPersistTimeout = 10 * time.Second

// State is a stage of one request/response cycle.
type State int

const (
	StateAwaitingRequest State = iota
	StateDecoding
	StateRouting
	StateExecuting
	StateEncoding
)

func (s State) String() string {
	switch s {
	case StateAwaitingRequest:
		return "awaiting_request"
	case StateDecoding:
		return "decoding"
	case StateRouting:
		return "routing"
	case StateExecuting:
		return "executing"
	case StateEncoding:
		return "encoding"
	default:
		return "unknown"
	}
}

// Deps are the components a Dispatcher routes to.
type Deps struct {
	Store  Store
	Seeds  SeedSource
	Gate   Authorizer
	Signer Signer
}

// Dispatcher turns request frames into reply frames. It keeps no state
// between requests and is safe for concurrent use.
type Dispatcher struct {
	deps           Deps
	persistTimeout time.Duration
	metrics        *Metrics
	log            zerolog.Logger
}

// Option configures a Dispatcher.
type Option func(*Dispatcher)

// WithPersistTimeout bounds the store write of each mutating request.
func WithPersistTimeout(d time.Duration) Option {
	return func(disp *Dispatcher) { disp.persistTimeout = d }
}

// WithMetrics records request counts and latency.
func WithMetrics(m *Metrics) Option {
	return func(disp *Dispatcher) { disp.metrics = m }
}

// WithLogger sets the dispatcher logger.
func WithLogger(log zerolog.Logger) Option {
	return func(disp *Dispatcher) { disp.log = log }
}

// NewDispatcher validates deps and returns a Dispatcher.
func NewDispatcher(deps Deps, opts ...Option) (*Dispatcher, error) {
	switch {
	case deps.Store == nil:
		return nil, errors.New("store cannot be nil")
	case deps.Seeds == nil:
		return nil, errors.New("seed source cannot be nil")
	case deps.Gate == nil:
		return nil, errors.New("authorizer cannot be nil")
	case deps.Signer == nil:
		return nil, errors.New("signer cannot be nil")
	}
	d := &Dispatcher{
		deps:           deps,
		persistTimeout: DefaultPersistTimeout,
		log:            zerolog.Nop(),
	}
	for _, opt := range opts {
		opt(d)
	}
	return d, nil
}

type handler func(ctx context.Context) (Reply, error)

// Handle runs one request frame through decode, route, execute and encode
// and returns the reply frame. Every failure, including a handler panic,
// becomes an Error reply.
func (d *Dispatcher) Handle(ctx context.Context, frame []byte) (out []byte) {
	start := time.Now()
	tag := Tag(0)
	var code failure.Code

	defer func() {
		if p := recover(); p != nil {
			d.log.Error().Interface("panic", p).Stringer("type", tag).Msg("handler panicked")
			code = failure.CodeInternal
			out = encodeError(Error{Code: code, Reason: failure.Reason(code)})
		}
		d.metrics.observe(tag, code, time.Since(start))
	}()

	d.enter(StateDecoding)
	req, err := DecodeRequest(frame)
	var rep Reply
	if err == nil {
		tag = req.Tag()
		rep, err = d.dispatch(ctx, req)
	}
	if err != nil {
		rep = ErrorReply(err)
		d.logFailure(tag, err)
	}

	d.enter(StateEncoding)
	out, err = EncodeReply(rep)
	if priv, ok := rep.(ExtendedPrivateKey); ok {
		crypto.Zeroize(priv.Data)
	}
	if err != nil {
		d.logFailure(tag, err)
		rep = ErrorReply(err)
		out = encodeError(rep.(Error))
	}
	if e, ok := rep.(Error); ok {
		code = e.Code
	}
	d.enter(StateAwaitingRequest)
	return out
}

func (d *Dispatcher) dispatch(ctx context.Context, req Request) (Reply, error) {
	d.enter(StateRouting)
	h, err := d.route(req)
	if err != nil {
		return nil, err
	}
	d.enter(StateExecuting)
	return h(ctx)
}

// route maps a request to exactly one handler.
func (d *Dispatcher) route(req Request) (handler, error) {
	switch r := req.(type) {
	case ListKeys:
		return func(context.Context) (Reply, error) { return d.listKeys() }, nil
	case GenerateSeed:
		return func(ctx context.Context) (Reply, error) { return d.generateSeed(ctx, r) }, nil
	case ExportKey:
		return func(context.Context) (Reply, error) { return d.exportKey(r) }, nil
	case DeriveKey:
		return func(ctx context.Context) (Reply, error) { return d.deriveKey(ctx, r) }, nil
	case SignPsbt:
		return func(ctx context.Context) (Reply, error) { return d.signPsbt(ctx, r) }, nil
	case SignData:
		return func(ctx context.Context) (Reply, error) { return d.signData(ctx, r) }, nil
	default:
		return nil, errors.Wrapf(failure.ErrUnknownMessageType, "%T", req)
	}
}

func (d *Dispatcher) listKeys() (Reply, error) {
	keys := []Key{}
	for rec := range d.deps.Store.List() {
		if len(keys) == MaxKeys {
			return nil, errors.Errorf("store holds more than %d keys", MaxKeys)
		}
		keys = append(keys, Key{
			ID:                rec.ID(),
			XPub:              rec.Key.Serialize(),
			Path:              rec.Key.Path(),
			ParentFingerprint: rec.Key.ParentFingerprint(),
			Name:              rec.Name,
		})
	}
	return KeyList{Keys: keys}, nil
}

func (d *Dispatcher) generateSeed(ctx context.Context, r GenerateSeed) (Reply, error) {
	if err := d.deps.Gate.Authorize(r.AuthCode); err != nil {
		return nil, err
	}
	key, _, err := d.deps.Seeds.CreateSeed()
	if err != nil {
		return nil, err
	}
	defer key.Zero()

	ctx, cancel := context.WithTimeout(ctx, d.persistTimeout)
	defer cancel()
	id, err := d.deps.Store.Insert(ctx, key, vault.Meta{Name: r.Name, Notes: r.Notes})
	if err != nil {
		return nil, err
	}
	d.log.Info().Str("key_id", id.String()).Msg("generated seed")
	return Success{KeyID: id, HasKey: true}, nil
}

func (d *Dispatcher) exportKey(r ExportKey) (Reply, error) {
	if err := d.deps.Gate.Authorize(r.AuthCode); err != nil {
		return nil, err
	}
	data, err := d.deps.Store.Export(r.KeyID, r.Private)
	if err != nil {
		return nil, err
	}
	d.log.Info().Str("key_id", r.KeyID.String()).Bool("private", r.Private).Msg("exported key")
	if r.Private {
		return ExtendedPrivateKey{Data: data}, nil
	}
	return ExtendedPublicKey{Data: data}, nil
}

func (d *Dispatcher) deriveKey(ctx context.Context, r DeriveKey) (Reply, error) {
	if err := d.deps.Gate.Authorize(r.AuthCode); err != nil {
		return nil, err
	}
	ctx, cancel := context.WithTimeout(ctx, d.persistTimeout)
	defer cancel()
	id, err := d.deps.Store.Derive(ctx, r.From, r.Path, vault.Meta{Name: r.Name, Notes: r.Notes})
	if err != nil {
		return nil, err
	}
	return Success{KeyID: id, HasKey: true}, nil
}

func (d *Dispatcher) signPsbt(ctx context.Context, r SignPsbt) (Reply, error) {
	res, err := d.deps.Signer.SignPsbt(ctx, r.Psbt, r.AuthCode)
	if err != nil {
		return nil, err
	}
	raw, err := res.Serialize()
	if err != nil {
		return nil, err
	}
	rep := SignedPsbt{Psbt: raw}
	for _, s := range res.Skipped {
		rep.Skipped = append(rep.Skipped, SkippedInput{Index: s.Index, Reason: uint8(s.Reason)})
	}
	return rep, nil
}

func (d *Dispatcher) signData(ctx context.Context, r SignData) (Reply, error) {
	sig, err := d.deps.Signer.SignData(ctx, r.KeyID, r.Data, r.AuthCode)
	if err != nil {
		return nil, err
	}
	return Signature{Sig: sig}, nil
}

func (d *Dispatcher) enter(s State) {
	d.log.Trace().Stringer("state", s).Msg("dispatcher state")
}

func (d *Dispatcher) logFailure(tag Tag, err error) {
	code := failure.CodeOf(err)
	ev := d.log.Debug()
	switch code {
	case failure.CodeAuthorizationDenied, failure.CodeAuthorizationExpired:
		ev = d.log.Warn()
	case failure.CodeInternal, failure.CodePersistenceFailure:
		ev = d.log.Error()
	}
	ev.Err(err).Stringer("type", tag).Stringer("code", code).Msg("request failed")
}

// encodeError cannot fail for reasons produced by failure.Reason.
func encodeError(e Error) []byte {
	out, err := EncodeReply(e)
	if err != nil {
		out, _ = EncodeReply(Error{Code: failure.CodeInternal, Reason: failure.Reason(failure.CodeInternal)})
	}
	return out
}
