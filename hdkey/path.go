package hdkey

import (
	"strconv"
	"strings"

	"github.com/btcsuite/btcd/btcutil/hdkeychain"
	"github.com/pkg/errors"

	"github.com/joncooperworks/keyringd/failure"
)

const (
	// HardenedOffset is added to an index to mark a hardened step.
	HardenedOffset uint32 = hdkeychain.HardenedKeyStart

	// MaxDepth is the deepest a key may sit below its root.
	MaxDepth = 255
)

// Path is a sequence of BIP32 child indices relative to some parent.
// Indices at or above HardenedOffset are hardened.
type Path []uint32

// ParsePath parses paths of the form "m/44'/0'/0/1". Hardened steps may be
// marked with ', h or H. "m" alone is the empty path.
func ParsePath(s string) (Path, error) {
	s = strings.TrimSpace(s)
	if s == "" {
		return nil, errors.Wrap(failure.ErrInvalidDerivationPath, "empty path")
	}
	parts := strings.Split(s, "/")
	if parts[0] == "m" || parts[0] == "M" {
		parts = parts[1:]
	}
	if len(parts) > MaxDepth {
		return nil, errors.Wrapf(failure.ErrInvalidDerivationPath, "path has %d steps", len(parts))
	}

	path := make(Path, 0, len(parts))
	for _, part := range parts {
		hardened := false
		switch {
		case strings.HasSuffix(part, "'"), strings.HasSuffix(part, "h"), strings.HasSuffix(part, "H"):
			hardened = true
			part = part[:len(part)-1]
		}
		n, err := strconv.ParseUint(part, 10, 32)
		if err != nil {
			return nil, errors.Wrapf(failure.ErrInvalidDerivationPath, "bad step %q", part)
		}
		if n >= uint64(HardenedOffset) {
			return nil, errors.Wrapf(failure.ErrInvalidDerivationPath, "index %d out of range", n)
		}
		idx := uint32(n)
		if hardened {
			idx += HardenedOffset
		}
		path = append(path, idx)
	}
	return path, nil
}

// MustParsePath is ParsePath for constant paths.
func MustParsePath(s string) Path {
	p, err := ParsePath(s)
	if err != nil {
		panic(err)
	}
	return p
}

func (p Path) String() string {
	var b strings.Builder
	b.WriteString("m")
	for _, idx := range p {
		b.WriteByte('/')
		if idx >= HardenedOffset {
			b.WriteString(strconv.FormatUint(uint64(idx-HardenedOffset), 10))
			b.WriteByte('\'')
			continue
		}
		b.WriteString(strconv.FormatUint(uint64(idx), 10))
	}
	return b.String()
}

// HasHardened reports whether any step of p is hardened.
func (p Path) HasHardened() bool {
	for _, idx := range p {
		if idx >= HardenedOffset {
			return true
		}
	}
	return false
}

// Append returns a new path consisting of p followed by q.
func (p Path) Append(q Path) Path {
	out := make(Path, 0, len(p)+len(q))
	out = append(out, p...)
	return append(out, q...)
}

// Clone returns a copy of p that shares no storage with it.
func (p Path) Clone() Path {
	if p == nil {
		return nil
	}
	return append(Path(nil), p...)
}

// Equal reports whether p and q have the same steps.
func (p Path) Equal(q Path) bool {
	if len(p) != len(q) {
		return false
	}
	for i := range p {
		if p[i] != q[i] {
			return false
		}
	}
	return true
}
