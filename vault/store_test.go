package vault

import (
	"context"
	"encoding/hex"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/btcsuite/btcd/chaincfg"
	"github.com/pkg/errors"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/joncooperworks/keyringd/crypto/sealing"
	"github.com/joncooperworks/keyringd/failure"
	"github.com/joncooperworks/keyringd/hdkey"
	"github.com/joncooperworks/keyringd/seed"
)

func testSealer(t *testing.T) *sealing.Sealer {
	t.Helper()
	key, err := sealing.GenerateKey()
	require.NoError(t, err)
	s, err := sealing.NewSealer(key)
	require.NoError(t, err)
	return s
}

func testRoot(t *testing.T, seedHex string) *hdkey.ExtendedKeyPair {
	t.Helper()
	raw, err := hex.DecodeString(seedHex)
	require.NoError(t, err)
	key, err := seed.NewGenerator(&chaincfg.MainNetParams).FromSeed(raw)
	require.NoError(t, err)
	return key
}

func newMemoryStore(t *testing.T) *Store {
	t.Helper()
	s, err := New(&chaincfg.MainNetParams, testSealer(t))
	require.NoError(t, err)
	return s
}

func newFileStore(t *testing.T, sealer *sealing.Sealer, format Format) (*Store, *File) {
	t.Helper()
	f := NewFile(filepath.Join(t.TempDir(), "vault."+string(format)), format)
	s, err := New(&chaincfg.MainNetParams, sealer, WithFile(f))
	require.NoError(t, err)
	return s, f
}

const (
	seedA = "000102030405060708090a0b0c0d0e0f"
	seedB = "fffcf9f6f3f0edeae7e4e1dedbd8d5d2cfccc9c6c3c0bdbab7b4b1aeaba8a5a29f9c999693908d8a8784817e7b7875726f6c696663605d5a5754514e4b484542"
)

func collect(s *Store) []Record {
	var out []Record
	for rec := range s.List() {
		out = append(out, rec)
	}
	return out
}

func TestInsertLookupList(t *testing.T) {
	ctx := context.Background()
	s := newMemoryStore(t)

	t.Run("empty store lists nothing", func(t *testing.T) {
		assert.Empty(t, collect(s))
		assert.Equal(t, 0, s.Len())
	})

	a := testRoot(t, seedA)
	b := testRoot(t, seedB)
	idA, err := s.Insert(ctx, a, Meta{Name: "alpha", Notes: "first"})
	require.NoError(t, err)
	idB, err := s.Insert(ctx, b, Meta{Name: "beta"})
	require.NoError(t, err)
	assert.Equal(t, a.ID(), idA)

	t.Run("insertion order", func(t *testing.T) {
		recs := collect(s)
		require.Len(t, recs, 2)
		assert.Equal(t, idA, recs[0].ID())
		assert.Equal(t, idB, recs[1].ID())
		assert.Equal(t, "alpha", recs[0].Name)
		assert.Equal(t, "first", recs[0].Notes)
	})

	t.Run("records are public only", func(t *testing.T) {
		for rec := range s.List() {
			assert.False(t, rec.Key.IsPrivate())
			assert.True(t, rec.HasPrivate)
		}
	})

	t.Run("list is restartable and stoppable", func(t *testing.T) {
		seq := s.List()
		n := 0
		for range seq {
			n++
			break
		}
		assert.Equal(t, 1, n)
		n = 0
		for range seq {
			n++
		}
		assert.Equal(t, 2, n)
	})

	t.Run("lookup", func(t *testing.T) {
		rec, err := s.Lookup(idB)
		require.NoError(t, err)
		assert.Equal(t, "beta", rec.Name)

		_, err = s.Lookup(hdkey.KeyID{1})
		assert.True(t, errors.Is(err, failure.ErrNotFound))
	})

	t.Run("duplicate public key is rejected", func(t *testing.T) {
		pub, err := a.Neuter()
		require.NoError(t, err)
		_, err = s.Insert(ctx, pub, Meta{Name: "again"})
		assert.True(t, errors.Is(err, failure.ErrDuplicateKey))
		assert.Equal(t, 2, s.Len())
	})

	t.Run("find by fingerprint", func(t *testing.T) {
		assert.Equal(t, []hdkey.KeyID{idA}, s.FindByFingerprint(idA.Fingerprint()))
		assert.Empty(t, s.FindByFingerprint(hdkey.Fingerprint{9, 9, 9, 9}))
	})

	t.Run("oversized metadata", func(t *testing.T) {
		c, err := hdkey.Derive(a, hdkey.Path{7})
		require.NoError(t, err)
		_, err = s.Insert(ctx, c, Meta{Name: strings.Repeat("n", MaxTextLen+1)})
		assert.True(t, errors.Is(err, failure.ErrMalformedMessage))
	})

	t.Run("wrong network", func(t *testing.T) {
		other, err := seed.NewGenerator(&chaincfg.TestNet3Params).FromSeed(make([]byte, 32))
		require.NoError(t, err)
		_, err = s.Insert(ctx, other, Meta{})
		require.Error(t, err)
	})
}

func TestDerive(t *testing.T) {
	ctx := context.Background()
	s := newMemoryStore(t)
	root := testRoot(t, seedA)
	rootID, err := s.Insert(ctx, root, Meta{Name: "root"})
	require.NoError(t, err)

	childID, err := s.Derive(ctx, rootID, hdkey.MustParsePath("m/0'/1"), Meta{Name: "child"})
	require.NoError(t, err)

	child, err := s.Lookup(childID)
	require.NoError(t, err)
	assert.Equal(t, uint8(2), child.Key.Depth())
	assert.NotEqual(t, rootID, childID)
	assert.Equal(t, "m/0'/1", child.Key.Path().String())
	assert.True(t, child.HasPrivate)

	t.Run("parent fingerprint chains to intermediate", func(t *testing.T) {
		mid, err := hdkey.Derive(root, hdkey.MustParsePath("m/0'"))
		require.NoError(t, err)
		assert.Equal(t, mid.Fingerprint(), child.Key.ParentFingerprint())
	})

	t.Run("deriving again is a duplicate", func(t *testing.T) {
		_, err := s.Derive(ctx, rootID, hdkey.MustParsePath("m/0'/1"), Meta{})
		assert.True(t, errors.Is(err, failure.ErrDuplicateKey))
	})

	t.Run("unknown parent", func(t *testing.T) {
		_, err := s.Derive(ctx, hdkey.KeyID{2}, hdkey.Path{1}, Meta{})
		assert.True(t, errors.Is(err, failure.ErrNotFound))
	})

	t.Run("empty path", func(t *testing.T) {
		_, err := s.Derive(ctx, rootID, hdkey.Path{}, Meta{})
		assert.True(t, errors.Is(err, failure.ErrInvalidDerivationPath))
	})

	t.Run("public-only parent", func(t *testing.T) {
		pubRoot, err := testRoot(t, seedB).Neuter()
		require.NoError(t, err)
		pubID, err := s.Insert(ctx, pubRoot, Meta{Name: "watch"})
		require.NoError(t, err)

		before := s.Len()
		_, err = s.Derive(ctx, pubID, hdkey.MustParsePath("m/1/0'"), Meta{})
		assert.True(t, errors.Is(err, failure.ErrPrivateKeyRequired))
		assert.Equal(t, before, s.Len())

		id, err := s.Derive(ctx, pubID, hdkey.MustParsePath("m/1/0"), Meta{})
		require.NoError(t, err)
		rec, err := s.Lookup(id)
		require.NoError(t, err)
		assert.False(t, rec.HasPrivate)
	})
}

func TestWithPrivateKeyAndExport(t *testing.T) {
	ctx := context.Background()
	s := newMemoryStore(t)
	root := testRoot(t, seedA)
	id, err := s.Insert(ctx, root, Meta{})
	require.NoError(t, err)

	var lent *hdkey.ExtendedKeyPair
	err = s.WithPrivateKey(id, func(key *hdkey.ExtendedKeyPair) error {
		lent = key
		assert.True(t, key.IsPrivate())
		assert.Equal(t, root.String(), key.String())
		return nil
	})
	require.NoError(t, err)
	assert.NotEqual(t, root.String(), lent.String(), "lent key must be zeroed after the call")

	priv, err := s.Export(id, true)
	require.NoError(t, err)
	assert.Equal(t, root.Serialize(), priv)

	pub, err := s.Export(id, false)
	require.NoError(t, err)
	back, err := hdkey.FromSerialized(pub, nil)
	require.NoError(t, err)
	assert.False(t, back.IsPrivate())
	assert.Equal(t, id, back.ID())

	t.Run("round trip into a fresh store", func(t *testing.T) {
		fresh := newMemoryStore(t)
		key, err := hdkey.FromSerialized(priv, nil)
		require.NoError(t, err)
		got, err := fresh.Import(ctx, key.String(), Meta{Name: "restored"})
		require.NoError(t, err)
		assert.Equal(t, id, got)

		a, err := root.PublicKey()
		require.NoError(t, err)
		rec, err := fresh.Lookup(got)
		require.NoError(t, err)
		b, err := rec.Key.PublicKey()
		require.NoError(t, err)
		assert.True(t, a.IsEqual(b))
	})

	t.Run("private export of public record", func(t *testing.T) {
		pubKey, err := testRoot(t, seedB).Neuter()
		require.NoError(t, err)
		pubID, err := s.Insert(ctx, pubKey, Meta{})
		require.NoError(t, err)
		_, err = s.Export(pubID, true)
		assert.True(t, errors.Is(err, failure.ErrPrivateKeyRequired))
	})

	t.Run("unknown key", func(t *testing.T) {
		err := s.WithPrivateKey(hdkey.KeyID{3}, func(*hdkey.ExtendedKeyPair) error { return nil })
		assert.True(t, errors.Is(err, failure.ErrNotFound))
	})
}

func TestPersistLoad(t *testing.T) {
	for _, format := range []Format{FormatYAML, FormatJSON} {
		t.Run(string(format), func(t *testing.T) {
			ctx := context.Background()
			sealer := testSealer(t)
			s, f := newFileStore(t, sealer, format)
			require.NoError(t, s.Load(ctx))
			assert.Equal(t, 0, s.Len())

			rootID, err := s.Insert(ctx, testRoot(t, seedA), Meta{Name: "root", Notes: "cold"})
			require.NoError(t, err)
			childID, err := s.Derive(ctx, rootID, hdkey.MustParsePath("m/84'/0'/0'"), Meta{Name: "account"})
			require.NoError(t, err)
			pub, err := testRoot(t, seedB).Neuter()
			require.NoError(t, err)
			watchID, err := s.Insert(ctx, pub, Meta{Name: "watch"})
			require.NoError(t, err)

			data, err := os.ReadFile(f.Path())
			require.NoError(t, err)
			assert.NotContains(t, string(data), "xprv")

			loaded, err := New(&chaincfg.MainNetParams, sealer, WithFile(NewFile(f.Path(), format)))
			require.NoError(t, err)
			require.NoError(t, loaded.Load(ctx))

			recs := collect(loaded)
			require.Len(t, recs, 3)
			assert.Equal(t, []hdkey.KeyID{rootID, childID, watchID}, []hdkey.KeyID{recs[0].ID(), recs[1].ID(), recs[2].ID()})
			assert.Equal(t, "cold", recs[0].Notes)
			assert.Equal(t, "m/84'/0'/0'", recs[1].Key.Path().String())
			assert.False(t, recs[2].HasPrivate)

			want, err := s.Export(childID, true)
			require.NoError(t, err)
			got, err := loaded.Export(childID, true)
			require.NoError(t, err)
			assert.Equal(t, want, got)

			t.Run("wrong sealing key", func(t *testing.T) {
				other, err := New(&chaincfg.MainNetParams, testSealer(t), WithFile(NewFile(f.Path(), format)))
				require.NoError(t, err)
				err = other.Load(ctx)
				assert.True(t, errors.Is(err, failure.ErrPersistenceFailure))
			})

			t.Run("wrong network", func(t *testing.T) {
				other, err := New(&chaincfg.TestNet3Params, sealer, WithFile(NewFile(f.Path(), format)))
				require.NoError(t, err)
				assert.True(t, errors.Is(other.Load(ctx), failure.ErrPersistenceFailure))
			})
		})
	}
}

func TestLoadRejectsCorruptFiles(t *testing.T) {
	ctx := context.Background()
	sealer := testSealer(t)
	s, f := newFileStore(t, sealer, FormatYAML)
	_, err := s.Insert(ctx, testRoot(t, seedA), Meta{Name: "root"})
	require.NoError(t, err)
	good, err := os.ReadFile(f.Path())
	require.NoError(t, err)

	tests := []struct {
		name   string
		mutate func(string) string
	}{
		{"garbage", func(string) string { return "{{{ not yaml" }},
		{"bad version", func(s string) string { return strings.Replace(s, "version: 1", "version: 9", 1) }},
		{"tampered id", func(s string) string { return strings.Replace(s, "id: ", "id: 00", 1) }},
		{"tampered sealed", func(s string) string { return strings.Replace(s, "sealed: ", "sealed: AAAA", 1) }},
		{"duplicate record", func(s string) string {
			i := strings.Index(s, "keys:\n")
			return s + s[i+len("keys:\n"):]
		}},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			require.NoError(t, os.WriteFile(f.Path(), []byte(tt.mutate(string(good))), 0o600))
			fresh, err := New(&chaincfg.MainNetParams, sealer, WithFile(NewFile(f.Path(), FormatYAML)))
			require.NoError(t, err)
			err = fresh.Load(ctx)
			require.Error(t, err)
			assert.True(t, errors.Is(err, failure.ErrPersistenceFailure), "%v", err)
			assert.Equal(t, 0, fresh.Len())
		})
	}
}

func tempFiles(t *testing.T, dir string) []string {
	t.Helper()
	matches, err := filepath.Glob(filepath.Join(dir, "*.tmp-*"))
	require.NoError(t, err)
	return matches
}

func TestPersistAtomicity(t *testing.T) {
	ctx := context.Background()

	t.Run("crash before rename keeps previous content", func(t *testing.T) {
		s, f := newFileStore(t, testSealer(t), FormatYAML)
		_, err := s.Insert(ctx, testRoot(t, seedA), Meta{Name: "root"})
		require.NoError(t, err)
		before, err := os.ReadFile(f.Path())
		require.NoError(t, err)

		f.beforeRename = func(context.Context, string) error { return errors.New("power cut") }
		_, err = s.Insert(ctx, testRoot(t, seedB), Meta{Name: "second"})
		require.Error(t, err)
		assert.True(t, errors.Is(err, failure.ErrPersistenceFailure))

		after, err := os.ReadFile(f.Path())
		require.NoError(t, err)
		assert.Equal(t, before, after)
		assert.Equal(t, 1, s.Len())
		assert.Empty(t, tempFiles(t, filepath.Dir(f.Path())))

		f.beforeRename = nil
		_, err = s.Insert(ctx, testRoot(t, seedB), Meta{Name: "second"})
		require.NoError(t, err)
		assert.Equal(t, 2, s.Len())
	})

	t.Run("stuck write times out without side effects", func(t *testing.T) {
		s, f := newFileStore(t, testSealer(t), FormatYAML)
		rootID, err := s.Insert(ctx, testRoot(t, seedA), Meta{Name: "root"})
		require.NoError(t, err)
		before, err := os.ReadFile(f.Path())
		require.NoError(t, err)

		release := make(chan struct{})
		f.beforeRename = func(context.Context, string) error {
			<-release
			return nil
		}

		tctx, cancel := context.WithTimeout(ctx, 50*time.Millisecond)
		defer cancel()
		start := time.Now()
		_, err = s.Derive(tctx, rootID, hdkey.Path{1}, Meta{})
		require.Error(t, err)
		assert.True(t, errors.Is(err, failure.ErrPersistenceFailure))
		assert.Less(t, time.Since(start), 5*time.Second)
		assert.Equal(t, 1, s.Len())

		close(release)
		dir := filepath.Dir(f.Path())
		require.Eventually(t, func() bool { return len(tempFiles(t, dir)) == 0 }, 5*time.Second, 10*time.Millisecond)

		after, err := os.ReadFile(f.Path())
		require.NoError(t, err)
		assert.Equal(t, before, after)
	})
}

func TestDirSyncFailureAfterRename(t *testing.T) {
	ctx := context.Background()
	sealer := testSealer(t)
	s, f := newFileStore(t, sealer, FormatYAML)
	f.syncDir = func(string) error { return errors.New("EIO") }

	id, err := s.Insert(ctx, testRoot(t, seedA), Meta{Name: "root"})
	require.NoError(t, err)
	assert.Equal(t, 1, s.Len())

	reloaded, err := New(&chaincfg.MainNetParams, sealer, WithFile(NewFile(f.Path(), FormatYAML)))
	require.NoError(t, err)
	require.NoError(t, reloaded.Load(ctx))
	got, err := reloaded.Lookup(id)
	require.NoError(t, err)
	assert.Equal(t, "root", got.Name)
}

func TestConcurrentAccess(t *testing.T) {
	ctx := context.Background()
	s, _ := newFileStore(t, testSealer(t), FormatJSON)
	rootID, err := s.Insert(ctx, testRoot(t, seedA), Meta{Name: "root"})
	require.NoError(t, err)

	const writers = 8
	var wg sync.WaitGroup
	for i := 0; i < writers; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			_, err := s.Derive(ctx, rootID, hdkey.Path{uint32(i)}, Meta{})
			assert.NoError(t, err)
		}(i)
		wg.Add(1)
		go func() {
			defer wg.Done()
			n := 0
			for range s.List() {
				n++
			}
			assert.GreaterOrEqual(t, n, 1)
		}()
	}
	wg.Wait()
	assert.Equal(t, writers+1, s.Len())

	loaded, err := New(&chaincfg.MainNetParams, s.sealer, WithFile(s.file))
	require.NoError(t, err)
	require.NoError(t, loaded.Load(ctx))
	assert.Equal(t, writers+1, loaded.Len())
}
