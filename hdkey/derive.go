package hdkey

import (
	"github.com/btcsuite/btcd/btcutil/hdkeychain"
	"github.com/pkg/errors"

	"github.com/joncooperworks/keyringd/failure"
)

// Derive walks path from parent and returns the resulting key. The result
// carries parent's path followed by path.
//
// The whole path is checked before any step is computed: a public-only
// parent with any hardened step fails with ErrPrivateKeyRequired, an empty
// path or one that would exceed MaxDepth fails with
// ErrInvalidDerivationPath.
func Derive(parent *ExtendedKeyPair, path Path) (*ExtendedKeyPair, error) {
	if parent == nil {
		return nil, errors.New("parent key cannot be nil")
	}
	if len(path) == 0 {
		return nil, errors.Wrap(failure.ErrInvalidDerivationPath, "empty path")
	}
	if int(parent.Depth())+len(path) > MaxDepth {
		return nil, errors.Wrapf(failure.ErrInvalidDerivationPath, "depth would exceed %d", MaxDepth)
	}
	if !parent.IsPrivate() && path.HasHardened() {
		return nil, errors.Wrap(failure.ErrPrivateKeyRequired, "hardened step from public key")
	}

	// Intermediate keys share version bytes with their children, so they are
	// left to the collector rather than zeroed here.
	cur := parent.key
	for _, idx := range path {
		child, err := cur.Derive(idx)
		if err != nil {
			return nil, mapDeriveError(err, idx)
		}
		cur = child
	}
	return New(cur, parent.path.Append(path))
}

func mapDeriveError(err error, idx uint32) error {
	switch {
	case errors.Is(err, hdkeychain.ErrDeriveHardFromPublic):
		return errors.Wrap(failure.ErrPrivateKeyRequired, "hardened step from public key")
	case errors.Is(err, hdkeychain.ErrDeriveBeyondMaxDepth):
		return errors.Wrap(failure.ErrInvalidDerivationPath, "maximum depth reached")
	case errors.Is(err, hdkeychain.ErrInvalidChild):
		// Probability below 2^-127; callers pick another index.
		return errors.Wrapf(failure.ErrInvalidDerivationPath, "index %d yields an invalid child", idx)
	default:
		return errors.Wrap(err, "failed to derive child key")
	}
}
