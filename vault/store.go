// Package vault is the key store: the one owner of every extended key the
// daemon holds.
//
// Records are kept in insertion order and indexed by KeyID. Private halves
// stay sealed in memory and are only opened for the duration of a
// WithPrivateKey callback. Mutations are write-through: the updated store is
// persisted first and committed in memory only when the write succeeded, so
// memory and disk never diverge.
package vault

import (
	"context"
	"encoding/base64"
	"iter"
	"sync"
	"time"

	"github.com/btcsuite/btcd/chaincfg"
	"github.com/pkg/errors"
	"github.com/rs/zerolog"

	"github.com/joncooperworks/keyringd/crypto"
	"github.com/joncooperworks/keyringd/crypto/sealing"
	"github.com/joncooperworks/keyringd/failure"
	"github.com/joncooperworks/keyringd/hdkey"
)

// MaxTextLen bounds record names and notes.
const MaxTextLen = 256

// Meta is the human-facing metadata of a record.
type Meta struct {
	Name  string
	Notes string
}

// Record is one stored key with its metadata. Key is public-only for records
// returned by the store.
type Record struct {
	Key        *hdkey.ExtendedKeyPair
	Name       string
	Notes      string
	Created    time.Time
	HasPrivate bool
}

// ID returns the record's KeyID.
func (r Record) ID() hdkey.KeyID { return r.Key.ID() }

type entry struct {
	rec    Record
	sealed []byte
}

// Store holds the key hierarchy.
type Store struct {
	net    *chaincfg.Params
	sealer *sealing.Sealer
	file   *File
	now    func() time.Time
	log    zerolog.Logger

	mu      sync.RWMutex
	order   []hdkey.KeyID
	entries map[hdkey.KeyID]*entry
}

// Option configures a Store.
type Option func(*Store)

// WithFile makes the store persistent.
func WithFile(f *File) Option {
	return func(s *Store) { s.file = f }
}

// WithLogger sets the store's logger.
func WithLogger(log zerolog.Logger) Option {
	return func(s *Store) { s.log = log }
}

// WithClock replaces time.Now for record timestamps.
func WithClock(now func() time.Time) Option {
	return func(s *Store) { s.now = now }
}

// New returns an empty store for net. Private keys are sealed with sealer.
func New(net *chaincfg.Params, sealer *sealing.Sealer, opts ...Option) (*Store, error) {
	if net == nil {
		return nil, errors.New("network params cannot be nil")
	}
	if sealer == nil {
		return nil, errors.New("sealer cannot be nil")
	}
	s := &Store{
		net:     net,
		sealer:  sealer,
		now:     time.Now,
		log:     zerolog.Nop(),
		entries: make(map[hdkey.KeyID]*entry),
	}
	for _, opt := range opts {
		opt(s)
	}
	return s, nil
}

// Network returns the chain parameters keys are created for.
func (s *Store) Network() *chaincfg.Params { return s.net }

// Insert adds key with meta and returns its KeyID. A key whose public half
// is already stored is rejected with ErrDuplicateKey.
func (s *Store) Insert(ctx context.Context, key *hdkey.ExtendedKeyPair, meta Meta) (hdkey.KeyID, error) {
	if key == nil {
		return hdkey.KeyID{}, errors.New("key cannot be nil")
	}
	if !key.IsForNet(s.net) {
		return hdkey.KeyID{}, errors.Errorf("key is not for network %s", s.net.Name)
	}
	e, err := s.newEntry(key, meta)
	if err != nil {
		return hdkey.KeyID{}, err
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	if err := s.commitLocked(ctx, e); err != nil {
		return hdkey.KeyID{}, err
	}
	return e.rec.ID(), nil
}

// Lookup returns the public record for id.
func (s *Store) Lookup(id hdkey.KeyID) (Record, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	e, ok := s.entries[id]
	if !ok {
		return Record{}, errors.Wrap(failure.ErrNotFound, id.String())
	}
	return e.rec, nil
}

// Len returns the number of stored records.
func (s *Store) Len() int {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return len(s.order)
}

// List yields public records in insertion order. Each iteration works on a
// snapshot taken when it starts, so the sequence can be ranged over again
// and never blocks writers while the caller consumes it.
func (s *Store) List() iter.Seq[Record] {
	return func(yield func(Record) bool) {
		s.mu.RLock()
		snapshot := make([]Record, 0, len(s.order))
		for _, id := range s.order {
			snapshot = append(snapshot, s.entries[id].rec)
		}
		s.mu.RUnlock()

		for _, rec := range snapshot {
			if !yield(rec) {
				return
			}
		}
	}
}

// FindByFingerprint returns the ids of records whose own fingerprint is fp,
// in insertion order.
func (s *Store) FindByFingerprint(fp hdkey.Fingerprint) []hdkey.KeyID {
	s.mu.RLock()
	defer s.mu.RUnlock()
	var ids []hdkey.KeyID
	for _, id := range s.order {
		if id.Fingerprint() == fp {
			ids = append(ids, id)
		}
	}
	return ids
}

// WithPrivateKey lends the private key of id to fn. The key is unsealed for
// the call only and zeroed when fn returns; fn must not retain it or
// anything derived from it.
func (s *Store) WithPrivateKey(id hdkey.KeyID, fn func(key *hdkey.ExtendedKeyPair) error) error {
	s.mu.RLock()
	e, ok := s.entries[id]
	var sealed []byte
	var path hdkey.Path
	if ok {
		sealed = e.sealed
		path = e.rec.Key.Path()
	}
	s.mu.RUnlock()

	if !ok {
		return errors.Wrap(failure.ErrNotFound, id.String())
	}
	if sealed == nil {
		return errors.Wrap(failure.ErrPrivateKeyRequired, id.String())
	}
	key, err := s.unseal(id, sealed, path)
	if err != nil {
		return err
	}
	defer key.Zero()
	return fn(key)
}

// Derive computes path below the record from, stores the child with meta and
// returns its KeyID. The lookup, derivation and insert run under the write
// lock so no other mutation can interleave.
func (s *Store) Derive(ctx context.Context, from hdkey.KeyID, path hdkey.Path, meta Meta) (hdkey.KeyID, error) {
	if err := checkMeta(meta); err != nil {
		return hdkey.KeyID{}, err
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	parent, ok := s.entries[from]
	if !ok {
		return hdkey.KeyID{}, errors.Wrap(failure.ErrNotFound, from.String())
	}

	var child *hdkey.ExtendedKeyPair
	var err error
	if parent.sealed != nil {
		priv, uerr := s.unseal(from, parent.sealed, parent.rec.Key.Path())
		if uerr != nil {
			return hdkey.KeyID{}, uerr
		}
		child, err = hdkey.Derive(priv, path)
		if err == nil {
			defer child.Zero()
		}
		// The child owns its buffers, so the parent can be cleared now.
		priv.Zero()
	} else {
		child, err = hdkey.Derive(parent.rec.Key, path)
	}
	if err != nil {
		return hdkey.KeyID{}, err
	}

	e, err := s.newEntry(child, meta)
	if err != nil {
		return hdkey.KeyID{}, err
	}
	if err := s.commitLocked(ctx, e); err != nil {
		return hdkey.KeyID{}, err
	}
	s.log.Debug().Str("from", from.String()).Str("path", path.String()).
		Str("key_id", e.rec.ID().String()).Msg("derived key")
	return e.rec.ID(), nil
}

// Import parses a base58 extended key (xprv or xpub family) and inserts it.
// Root keys get the empty path; deeper keys have no known ancestry and are
// stored with the empty path as well.
func (s *Store) Import(ctx context.Context, serialized string, meta Meta) (hdkey.KeyID, error) {
	key, err := hdkey.FromString(serialized, nil)
	if err != nil {
		return hdkey.KeyID{}, err
	}
	defer key.Zero()
	return s.Insert(ctx, key, meta)
}

// Export returns the raw 78-byte serialization of id. With private set the
// result holds the private key and the caller must zeroize it.
func (s *Store) Export(id hdkey.KeyID, private bool) ([]byte, error) {
	if !private {
		rec, err := s.Lookup(id)
		if err != nil {
			return nil, err
		}
		return rec.Key.Serialize(), nil
	}
	var out []byte
	err := s.WithPrivateKey(id, func(key *hdkey.ExtendedKeyPair) error {
		out = key.Serialize()
		return nil
	})
	return out, err
}

// Load replaces the store content with the file content. A missing file
// yields an empty store.
func (s *Store) Load(ctx context.Context) error {
	if s.file == nil {
		return nil
	}
	if err := ctx.Err(); err != nil {
		return errors.Wrap(failure.ErrPersistenceFailure, err.Error())
	}
	doc, err := s.file.read()
	if err != nil {
		return err
	}

	order := []hdkey.KeyID{}
	entries := make(map[hdkey.KeyID]*entry)
	if doc != nil {
		if doc.Version != documentVersion {
			return errors.Wrapf(failure.ErrPersistenceFailure, "unsupported vault version %d", doc.Version)
		}
		if doc.Network != s.net.Name {
			return errors.Wrapf(failure.ErrPersistenceFailure, "vault is for network %q, daemon runs %q", doc.Network, s.net.Name)
		}
		for i, rd := range doc.Keys {
			e, err := s.decodeEntry(rd)
			if err != nil {
				return errors.Wrapf(err, "record %d", i)
			}
			id := e.rec.ID()
			if _, dup := entries[id]; dup {
				return errors.Wrapf(failure.ErrPersistenceFailure, "record %d duplicates %s", i, id)
			}
			entries[id] = e
			order = append(order, id)
		}
	}

	s.mu.Lock()
	s.order = order
	s.entries = entries
	s.mu.Unlock()
	s.log.Info().Int("keys", len(order)).Str("file", s.file.Path()).Msg("vault loaded")
	return nil
}

func (s *Store) commitLocked(ctx context.Context, e *entry) error {
	id := e.rec.ID()
	if _, dup := s.entries[id]; dup {
		return errors.Wrap(failure.ErrDuplicateKey, id.String())
	}
	if s.file != nil {
		err := s.file.write(ctx, s.documentLocked(e))
		var dirErr errDirSync
		switch {
		case errors.As(err, &dirErr):
			s.log.Warn().Err(err).Str("key_id", id.String()).Msg("vault renamed but directory sync failed")
		case err != nil:
			s.log.Error().Err(err).Str("key_id", id.String()).Msg("vault write failed")
			return err
		}
	}
	s.entries[id] = e
	s.order = append(s.order, id)
	return nil
}

func (s *Store) documentLocked(extra *entry) *document {
	doc := &document{Version: documentVersion, Network: s.net.Name}
	doc.Keys = make([]recordDoc, 0, len(s.order)+1)
	for _, id := range s.order {
		doc.Keys = append(doc.Keys, encodeEntry(s.entries[id]))
	}
	if extra != nil {
		doc.Keys = append(doc.Keys, encodeEntry(extra))
	}
	return doc
}

func encodeEntry(e *entry) recordDoc {
	rd := recordDoc{
		ID:      e.rec.ID().String(),
		Name:    e.rec.Name,
		Created: e.rec.Created,
		Notes:   e.rec.Notes,
		Path:    e.rec.Key.Path().String(),
		XPub:    e.rec.Key.String(),
	}
	if e.sealed != nil {
		rd.Sealed = base64.StdEncoding.EncodeToString(e.sealed)
	}
	return rd
}

func (s *Store) decodeEntry(rd recordDoc) (*entry, error) {
	path, err := hdkey.ParsePath(rd.Path)
	if err != nil {
		return nil, errors.Wrapf(failure.ErrPersistenceFailure, "path %q", rd.Path)
	}
	pub, err := hdkey.FromString(rd.XPub, path)
	if err != nil {
		return nil, errors.Wrap(failure.ErrPersistenceFailure, err.Error())
	}
	if pub.IsPrivate() {
		return nil, errors.Wrap(failure.ErrPersistenceFailure, "xpub field holds a private key")
	}
	if pub.ID().String() != rd.ID {
		return nil, errors.Wrapf(failure.ErrPersistenceFailure, "id %s does not match key", rd.ID)
	}
	if !pub.IsForNet(s.net) {
		return nil, errors.Wrapf(failure.ErrPersistenceFailure, "key %s is for another network", rd.ID)
	}

	e := &entry{rec: Record{Key: pub, Name: rd.Name, Notes: rd.Notes, Created: rd.Created}}
	if rd.Sealed != "" {
		sealed, err := base64.StdEncoding.DecodeString(rd.Sealed)
		if err != nil {
			return nil, errors.Wrapf(failure.ErrPersistenceFailure, "sealed data of %s", rd.ID)
		}
		// Opening once proves the sealing key and the pairing are right.
		priv, err := s.unseal(pub.ID(), sealed, path)
		if err != nil {
			return nil, errors.Wrap(failure.ErrPersistenceFailure, err.Error())
		}
		priv.Zero()
		e.sealed = sealed
		e.rec.HasPrivate = true
	}
	return e, nil
}

func (s *Store) newEntry(key *hdkey.ExtendedKeyPair, meta Meta) (*entry, error) {
	if err := checkMeta(meta); err != nil {
		return nil, err
	}
	pub, err := key.Neuter()
	if err != nil {
		return nil, err
	}
	e := &entry{rec: Record{Key: pub, Name: meta.Name, Notes: meta.Notes, Created: s.now().UTC()}}
	if key.IsPrivate() {
		raw := key.Serialize()
		defer crypto.Zeroize(raw)
		id := pub.ID()
		e.sealed, err = s.sealer.Seal(sealing.ContextPrivateKey, id[:], raw)
		if err != nil {
			return nil, errors.Wrap(err, "failed to seal private key")
		}
		e.rec.HasPrivate = true
	}
	return e, nil
}

func (s *Store) unseal(id hdkey.KeyID, sealed []byte, path hdkey.Path) (*hdkey.ExtendedKeyPair, error) {
	raw, err := s.sealer.Open(sealing.ContextPrivateKey, id[:], sealed)
	if err != nil {
		return nil, errors.Wrapf(err, "failed to unseal %s", id)
	}
	defer crypto.Zeroize(raw)
	key, err := hdkey.FromSerialized(raw, path)
	if err != nil {
		return nil, err
	}
	if key.ID() != id {
		key.Zero()
		return nil, errors.Errorf("sealed key does not match %s", id)
	}
	return key, nil
}

func checkMeta(meta Meta) error {
	if len(meta.Name) > MaxTextLen || len(meta.Notes) > MaxTextLen {
		return errors.Wrapf(failure.ErrMalformedMessage, "name and notes are limited to %d bytes", MaxTextLen)
	}
	return nil
}
