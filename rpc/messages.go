// Package rpc defines the keyringd wire protocol and the dispatcher that
// serves it.
//
// A frame is a big-endian u16 message tag followed by the message payload.
// Requests and replies are closed sets: each direction is a sealed
// interface, and the codec and dispatcher switch over every variant.
package rpc

import (
	"github.com/joncooperworks/keyringd/failure"
	"github.com/joncooperworks/keyringd/hdkey"
)

// Tag identifies a message type on the wire.
type Tag uint16

// Request tags.
const (
	TagListKeys     Tag = 0x0010
	TagGenerateSeed Tag = 0x0020
	TagExportKey    Tag = 0x0030
	TagDeriveKey    Tag = 0x0040
	TagSignPsbt     Tag = 0x0050
	TagSignData     Tag = 0x0054
)

// Reply tags.
const (
	TagSuccess            Tag = 0x0100
	TagError              Tag = 0x0102
	TagKeyList            Tag = 0x0200
	TagExtendedPrivateKey Tag = 0x0300
	TagExtendedPublicKey  Tag = 0x0302
	TagSignature          Tag = 0x0500
	TagSignedPsbt         Tag = 0x0502
)

var tagNames = map[Tag]string{
	TagListKeys:           "list_keys",
	TagGenerateSeed:       "generate_seed",
	TagExportKey:          "export_key",
	TagDeriveKey:          "derive_key",
	TagSignPsbt:           "sign_psbt",
	TagSignData:           "sign_data",
	TagSuccess:            "success",
	TagError:              "error",
	TagKeyList:            "key_list",
	TagExtendedPrivateKey: "extended_private_key",
	TagExtendedPublicKey:  "extended_public_key",
	TagSignature:          "signature",
	TagSignedPsbt:         "signed_psbt",
}

func (t Tag) String() string {
	if name, ok := tagNames[t]; ok {
		return name
	}
	return "unknown"
}

// Request is a client to daemon message.
type Request interface {
	Tag() Tag
	isRequest()
}

// Reply is a daemon to client message.
type Reply interface {
	Tag() Tag
	isReply()
}

// ListKeys asks for the public view of every stored key.
type ListKeys struct{}

// GenerateSeed creates a new root key from fresh entropy.
type GenerateSeed struct {
	AuthCode uint32
	Name     string
	Notes    string
}

// ExportKey asks for the serialization of a key. Private selects the
// extended private key.
type ExportKey struct {
	KeyID    hdkey.KeyID
	Private  bool
	AuthCode uint32
}

// DeriveKey derives and stores a child of From.
type DeriveKey struct {
	From     hdkey.KeyID
	Path     hdkey.Path
	Name     string
	Notes    string
	AuthCode uint32
}

// SignPsbt signs every input of a binary PSBT the daemon holds keys for.
type SignPsbt struct {
	Psbt     []byte
	AuthCode uint32
}

// SignData signs SHA256d(Data) with one key.
type SignData struct {
	KeyID    hdkey.KeyID
	Data     []byte
	AuthCode uint32
}

func (ListKeys) Tag() Tag     { return TagListKeys }
func (GenerateSeed) Tag() Tag { return TagGenerateSeed }
func (ExportKey) Tag() Tag    { return TagExportKey }
func (DeriveKey) Tag() Tag    { return TagDeriveKey }
func (SignPsbt) Tag() Tag     { return TagSignPsbt }
func (SignData) Tag() Tag     { return TagSignData }

func (ListKeys) isRequest()     {}
func (GenerateSeed) isRequest() {}
func (ExportKey) isRequest()    {}
func (DeriveKey) isRequest()    {}
func (SignPsbt) isRequest()     {}
func (SignData) isRequest()     {}

// Success acknowledges a mutation. KeyID is set when one key was created.
type Success struct {
	KeyID  hdkey.KeyID
	HasKey bool
}

// Error reports a failure with a fixed reason.
type Error struct {
	Code   failure.Code
	Reason string
}

// Key is the public view of one stored key.
type Key struct {
	ID                hdkey.KeyID
	XPub              []byte
	Path              hdkey.Path
	ParentFingerprint hdkey.Fingerprint
	Name              string
}

// KeyList answers ListKeys.
type KeyList struct {
	Keys []Key
}

// ExtendedPrivateKey carries a raw 78-byte BIP32 private serialization.
type ExtendedPrivateKey struct {
	Data []byte
}

// ExtendedPublicKey carries a raw 78-byte BIP32 public serialization.
type ExtendedPublicKey struct {
	Data []byte
}

// Signature carries a DER-encoded ECDSA signature.
type Signature struct {
	Sig []byte
}

// SkippedInput is a PSBT input the daemon left unsigned.
type SkippedInput struct {
	Index  uint32
	Reason uint8
}

// SignedPsbt answers SignPsbt.
type SignedPsbt struct {
	Psbt    []byte
	Skipped []SkippedInput
}

func (Success) Tag() Tag            { return TagSuccess }
func (Error) Tag() Tag              { return TagError }
func (KeyList) Tag() Tag            { return TagKeyList }
func (ExtendedPrivateKey) Tag() Tag { return TagExtendedPrivateKey }
func (ExtendedPublicKey) Tag() Tag  { return TagExtendedPublicKey }
func (Signature) Tag() Tag          { return TagSignature }
func (SignedPsbt) Tag() Tag         { return TagSignedPsbt }

func (Success) isReply()            {}
func (Error) isReply()              {}
func (KeyList) isReply()            {}
func (ExtendedPrivateKey) isReply() {}
func (ExtendedPublicKey) isReply()  {}
func (Signature) isReply()          {}
func (SignedPsbt) isReply()         {}

// ErrorReply builds the Error reply for err.
func ErrorReply(err error) Error {
	code := failure.CodeOf(err)
	return Error{Code: code, Reason: failure.Reason(code)}
}

// Err converts an Error reply back into an error matching the failure
// sentinels.
func (e Error) Err() error {
	return &failure.RemoteError{Code: e.Code, Reason: e.Reason}
}
