package rpc

import (
	"encoding/binary"
	"unicode/utf8"

	"github.com/pkg/errors"

	"github.com/joncooperworks/keyringd/failure"
	"github.com/joncooperworks/keyringd/hdkey"
)

// Field bounds. Anything larger is rejected on both encode and decode.
const (
	MaxStringLen = 256
	MaxKeys      = 1024
	MaxPsbtLen   = 4_000_000
	MaxDataLen   = 65535
	MaxPathLen   = hdkey.MaxDepth
	MaxSkipped   = 65535
)

// encoder appends big-endian fields to a frame.
type encoder struct {
	buf []byte
	err error
}

func (e *encoder) fail(format string, args ...any) {
	if e.err == nil {
		e.err = errors.Wrapf(failure.ErrMalformedMessage, format, args...)
	}
}

func (e *encoder) u8(v uint8) { e.buf = append(e.buf, v) }

func (e *encoder) u16(v uint16) { e.buf = binary.BigEndian.AppendUint16(e.buf, v) }

func (e *encoder) u32(v uint32) { e.buf = binary.BigEndian.AppendUint32(e.buf, v) }

func (e *encoder) fixed(b []byte) { e.buf = append(e.buf, b...) }

func (e *encoder) bool(v bool) {
	if v {
		e.u8(1)
		return
	}
	e.u8(0)
}

// bytes16 appends a u16 length-prefixed field.
func (e *encoder) bytes16(field string, b []byte, max int) {
	if len(b) > max {
		e.fail("%s is %d bytes, limit %d", field, len(b), max)
		return
	}
	e.u16(uint16(len(b)))
	e.fixed(b)
}

// bytes32 appends a u32 length-prefixed field.
func (e *encoder) bytes32(field string, b []byte, max int) {
	if len(b) > max {
		e.fail("%s is %d bytes, limit %d", field, len(b), max)
		return
	}
	e.u32(uint32(len(b)))
	e.fixed(b)
}

func (e *encoder) str(field, s string) {
	if !utf8.ValidString(s) {
		e.fail("%s is not valid UTF-8", field)
		return
	}
	e.bytes16(field, []byte(s), MaxStringLen)
}

func (e *encoder) path(p hdkey.Path) {
	if len(p) > MaxPathLen {
		e.fail("path has %d steps, limit %d", len(p), MaxPathLen)
		return
	}
	e.u8(uint8(len(p)))
	for _, idx := range p {
		e.u32(idx)
	}
}

func (e *encoder) authCode(code uint32) {
	if code > 999999 {
		e.fail("auth code %d out of range", code)
		return
	}
	e.u32(code)
}

// decoder consumes big-endian fields from a frame. The first error sticks
// and every later read returns zero values.
type decoder struct {
	buf []byte
	pos int
	err error
}

func (d *decoder) fail(format string, args ...any) {
	if d.err == nil {
		d.err = errors.Wrapf(failure.ErrMalformedMessage, format, args...)
	}
}

func (d *decoder) take(n int) []byte {
	if d.err != nil {
		return nil
	}
	if n < 0 || len(d.buf)-d.pos < n {
		d.fail("truncated at offset %d", d.pos)
		return nil
	}
	b := d.buf[d.pos : d.pos+n]
	d.pos += n
	return b
}

func (d *decoder) u8() uint8 {
	b := d.take(1)
	if b == nil {
		return 0
	}
	return b[0]
}

func (d *decoder) u16() uint16 {
	b := d.take(2)
	if b == nil {
		return 0
	}
	return binary.BigEndian.Uint16(b)
}

func (d *decoder) u32() uint32 {
	b := d.take(4)
	if b == nil {
		return 0
	}
	return binary.BigEndian.Uint32(b)
}

func (d *decoder) bool() bool {
	switch v := d.u8(); v {
	case 0:
		return false
	case 1:
		return true
	default:
		d.fail("invalid flag byte %d", v)
		return false
	}
}

// copyOf returns an owned copy so decoded messages never alias the frame.
func copyOf(b []byte) []byte {
	if b == nil {
		return nil
	}
	return append([]byte{}, b...)
}

func (d *decoder) bytes16(field string, max int) []byte {
	n := int(d.u16())
	if d.err == nil && n > max {
		d.fail("%s is %d bytes, limit %d", field, n, max)
	}
	return copyOf(d.take(n))
}

func (d *decoder) bytes32(field string, max int) []byte {
	n := d.u32()
	if d.err == nil && n > uint32(max) {
		d.fail("%s is %d bytes, limit %d", field, n, max)
		return nil
	}
	return copyOf(d.take(int(n)))
}

func (d *decoder) str(field string) string {
	b := d.bytes16(field, MaxStringLen)
	if d.err == nil && !utf8.Valid(b) {
		d.fail("%s is not valid UTF-8", field)
	}
	return string(b)
}

func (d *decoder) keyID() hdkey.KeyID {
	var id hdkey.KeyID
	copy(id[:], d.take(hdkey.KeyIDSize))
	return id
}

func (d *decoder) fingerprint() hdkey.Fingerprint {
	var fp hdkey.Fingerprint
	copy(fp[:], d.take(len(fp)))
	return fp
}

func (d *decoder) path() hdkey.Path {
	n := int(d.u8())
	path := make(hdkey.Path, 0, n)
	for i := 0; i < n && d.err == nil; i++ {
		path = append(path, d.u32())
	}
	return path
}

func (d *decoder) authCode() uint32 {
	code := d.u32()
	if d.err == nil && code > 999999 {
		d.fail("auth code %d out of range", code)
	}
	return code
}

// finish reports trailing bytes as malformed.
func (d *decoder) finish() error {
	if d.err == nil && d.pos != len(d.buf) {
		d.fail("%d trailing bytes", len(d.buf)-d.pos)
	}
	return d.err
}
