package main

import (
	"bytes"
	"encoding/base64"
	"encoding/hex"
	"encoding/json"
	"io"

	"github.com/btcsuite/btcd/btcutil/base58"
	"github.com/pkg/errors"
	"gopkg.in/yaml.v3"
)

// Output encodings.
const (
	FormatHex    = "hex"
	FormatBase58 = "base58"
	FormatBase64 = "base64"
	FormatJSON   = "json"
	FormatYAML   = "yaml"
)

// blob is binary output with an optional native base58 rendering, such as
// the checksummed xpub string of an extended key.
type blob struct {
	raw    []byte
	base58 string
}

func (b blob) render(format string) (string, error) {
	switch format {
	case FormatHex:
		return hex.EncodeToString(b.raw), nil
	case FormatBase58:
		if b.base58 != "" {
			return b.base58, nil
		}
		return base58.Encode(b.raw), nil
	case FormatBase64:
		return base64.StdEncoding.EncodeToString(b.raw), nil
	default:
		return "", errors.Errorf("format %q does not apply to binary output", format)
	}
}

// writeBlob prints b in format, falling back to def when format is empty.
func writeBlob(w io.Writer, b blob, format, def string) error {
	if format == "" {
		format = def
	}
	s, err := b.render(format)
	if err != nil {
		return err
	}
	_, err = io.WriteString(w, s+"\n")
	return err
}

// writeDoc prints a structured value as JSON or YAML.
func writeDoc(w io.Writer, v any, format string) error {
	switch format {
	case FormatJSON:
		enc := json.NewEncoder(w)
		enc.SetIndent("", "  ")
		return enc.Encode(v)
	case FormatYAML:
		enc := yaml.NewEncoder(w)
		enc.SetIndent(2)
		if err := enc.Encode(v); err != nil {
			return err
		}
		return enc.Close()
	default:
		return errors.Errorf("format %q does not apply to structured output", format)
	}
}

// decodeInput accepts raw bytes, hex or base64 text.
func decodeInput(data []byte) []byte {
	text := string(bytes.TrimSpace(data))
	if b, err := hex.DecodeString(text); err == nil && len(text) > 0 {
		return b
	}
	if b, err := base64.StdEncoding.DecodeString(text); err == nil && len(text) > 0 {
		return b
	}
	return data
}
