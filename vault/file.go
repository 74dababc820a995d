package vault

import (
	"context"
	"encoding/json"
	"os"
	"path/filepath"
	"strings"

	"github.com/pkg/errors"
	"gopkg.in/yaml.v3"

	"github.com/joncooperworks/keyringd/failure"
)

// Format is the encoding of the vault file.
type Format string

const (
	FormatYAML Format = "yaml"
	FormatJSON Format = "json"
)

// ParseFormat accepts "yaml", "yml" and "json". Empty means YAML.
func ParseFormat(s string) (Format, error) {
	switch strings.ToLower(strings.TrimSpace(s)) {
	case "", "yaml", "yml":
		return FormatYAML, nil
	case "json":
		return FormatJSON, nil
	default:
		return "", errors.Errorf("unsupported vault format %q", s)
	}
}

// File is the on-disk home of a Store. Writes replace the file atomically:
// the new content is written and synced to a temporary file in the same
// directory, then renamed over the old one.
type File struct {
	path   string
	format Format

	// beforeRename runs after the temporary file is synced. Tests use it to
	// simulate crashes and stuck disks.
	beforeRename func(ctx context.Context, tmp string) error
	syncDir      func(dir string) error
}

// errDirSync marks a directory sync that failed after the rename. The new
// content is already in place, so callers treat the write as done.
type errDirSync struct{ err error }

func (e errDirSync) Error() string { return "sync dir: " + e.err.Error() }

func (e errDirSync) Unwrap() error { return e.err }

// NewFile returns a driver for path encoded as format.
func NewFile(path string, format Format) *File {
	if format == "" {
		format = FormatYAML
	}
	return &File{path: path, format: format, syncDir: syncDir}
}

// Path returns the file location.
func (f *File) Path() string { return f.path }

func (f *File) marshal(doc *document) ([]byte, error) {
	switch f.format {
	case FormatJSON:
		return json.MarshalIndent(doc, "", "  ")
	default:
		return yaml.Marshal(doc)
	}
}

func (f *File) unmarshal(data []byte, doc *document) error {
	switch f.format {
	case FormatJSON:
		return json.Unmarshal(data, doc)
	default:
		return yaml.Unmarshal(data, doc)
	}
}

// read returns nil without error when the file does not exist.
func (f *File) read() (*document, error) {
	data, err := os.ReadFile(f.path)
	if errors.Is(err, os.ErrNotExist) {
		return nil, nil
	}
	if err != nil {
		return nil, errors.Wrap(failure.ErrPersistenceFailure, err.Error())
	}
	var doc document
	if err := f.unmarshal(data, &doc); err != nil {
		return nil, errors.Wrapf(failure.ErrPersistenceFailure, "decode %s: %v", f.path, err)
	}
	return &doc, nil
}

type writeResult struct {
	tmp string
	err error
}

// write persists doc. The write runs on its own goroutine so that a stuck
// disk cannot hold the caller past ctx; an abandoned write removes its
// temporary file and never renames it into place.
func (f *File) write(ctx context.Context, doc *document) error {
	data, err := f.marshal(doc)
	if err != nil {
		return errors.Wrapf(failure.ErrPersistenceFailure, "encode: %v", err)
	}

	results := make(chan writeResult)
	go func() {
		tmp, err := f.writeTemp(ctx, data)
		select {
		case results <- writeResult{tmp: tmp, err: err}:
		case <-ctx.Done():
			if tmp != "" {
				_ = os.Remove(tmp)
			}
		}
	}()

	var res writeResult
	select {
	case res = <-results:
	case <-ctx.Done():
		return errors.Wrap(failure.ErrPersistenceFailure, ctx.Err().Error())
	}
	if res.err != nil {
		return res.err
	}

	if err := os.Rename(res.tmp, f.path); err != nil {
		_ = os.Remove(res.tmp)
		return errors.Wrapf(failure.ErrPersistenceFailure, "rename: %v", err)
	}
	if err := f.syncDir(filepath.Dir(f.path)); err != nil {
		return errDirSync{err: err}
	}
	return nil
}

func (f *File) writeTemp(ctx context.Context, data []byte) (string, error) {
	dir := filepath.Dir(f.path)
	if err := os.MkdirAll(dir, 0o700); err != nil {
		return "", errors.Wrapf(failure.ErrPersistenceFailure, "mkdir: %v", err)
	}
	tmp, err := os.CreateTemp(dir, filepath.Base(f.path)+".tmp-*")
	if err != nil {
		return "", errors.Wrapf(failure.ErrPersistenceFailure, "create temp: %v", err)
	}
	name := tmp.Name()
	fail := func(step string, err error) (string, error) {
		_ = tmp.Close()
		_ = os.Remove(name)
		return "", errors.Wrapf(failure.ErrPersistenceFailure, "%s: %v", step, err)
	}

	if err := tmp.Chmod(0o600); err != nil {
		return fail("chmod", err)
	}
	if _, err := tmp.Write(data); err != nil {
		return fail("write", err)
	}
	if err := tmp.Sync(); err != nil {
		return fail("sync", err)
	}
	if err := tmp.Close(); err != nil {
		_ = os.Remove(name)
		return "", errors.Wrapf(failure.ErrPersistenceFailure, "close: %v", err)
	}
	if f.beforeRename != nil {
		if err := f.beforeRename(ctx, name); err != nil {
			_ = os.Remove(name)
			return "", errors.Wrap(failure.ErrPersistenceFailure, err.Error())
		}
	}
	return name, nil
}

func syncDir(dir string) error {
	d, err := os.Open(dir)
	if err != nil {
		return err
	}
	defer d.Close()
	return d.Sync()
}
