package rpc

import (
	"github.com/pkg/errors"

	"github.com/joncooperworks/keyringd/failure"
	"github.com/joncooperworks/keyringd/hdkey"
)

// EncodeRequest serializes req into one frame.
func EncodeRequest(req Request) ([]byte, error) {
	e := &encoder{}
	e.u16(uint16(req.Tag()))
	switch r := req.(type) {
	case ListKeys:
	case GenerateSeed:
		e.authCode(r.AuthCode)
		e.str("name", r.Name)
		e.str("notes", r.Notes)
	case ExportKey:
		e.fixed(r.KeyID[:])
		e.bool(r.Private)
		e.authCode(r.AuthCode)
	case DeriveKey:
		e.fixed(r.From[:])
		e.path(r.Path)
		e.str("name", r.Name)
		e.str("notes", r.Notes)
		e.authCode(r.AuthCode)
	case SignPsbt:
		e.bytes32("psbt", r.Psbt, MaxPsbtLen)
		e.authCode(r.AuthCode)
	case SignData:
		e.fixed(r.KeyID[:])
		e.bytes16("data", r.Data, MaxDataLen)
		e.authCode(r.AuthCode)
	default:
		return nil, errors.Errorf("unsupported request %T", req)
	}
	if e.err != nil {
		return nil, e.err
	}
	return e.buf, nil
}

// DecodeRequest parses one request frame. Unknown tags fail with
// ErrUnknownMessageType, structural problems with ErrMalformedMessage.
func DecodeRequest(frame []byte) (Request, error) {
	d := &decoder{buf: frame}
	tag := Tag(d.u16())
	if d.err != nil {
		return nil, d.err
	}

	var req Request
	switch tag {
	case TagListKeys:
		req = ListKeys{}
	case TagGenerateSeed:
		r := GenerateSeed{}
		r.AuthCode = d.authCode()
		r.Name = d.str("name")
		r.Notes = d.str("notes")
		req = r
	case TagExportKey:
		r := ExportKey{}
		r.KeyID = d.keyID()
		r.Private = d.bool()
		r.AuthCode = d.authCode()
		req = r
	case TagDeriveKey:
		r := DeriveKey{}
		r.From = d.keyID()
		r.Path = d.path()
		r.Name = d.str("name")
		r.Notes = d.str("notes")
		r.AuthCode = d.authCode()
		req = r
	case TagSignPsbt:
		r := SignPsbt{}
		r.Psbt = d.bytes32("psbt", MaxPsbtLen)
		r.AuthCode = d.authCode()
		req = r
	case TagSignData:
		r := SignData{}
		r.KeyID = d.keyID()
		r.Data = d.bytes16("data", MaxDataLen)
		r.AuthCode = d.authCode()
		req = r
	default:
		return nil, errors.Wrapf(failure.ErrUnknownMessageType, "tag 0x%04x", uint16(tag))
	}
	if err := d.finish(); err != nil {
		return nil, err
	}
	return req, nil
}

// EncodeReply serializes rep into one frame.
func EncodeReply(rep Reply) ([]byte, error) {
	e := &encoder{}
	e.u16(uint16(rep.Tag()))
	switch r := rep.(type) {
	case Success:
		e.bool(r.HasKey)
		if r.HasKey {
			e.fixed(r.KeyID[:])
		}
	case Error:
		e.u16(uint16(r.Code))
		e.str("reason", r.Reason)
	case KeyList:
		if len(r.Keys) > MaxKeys {
			return nil, errors.Wrapf(failure.ErrMalformedMessage, "key list has %d entries, limit %d", len(r.Keys), MaxKeys)
		}
		e.u16(uint16(len(r.Keys)))
		for _, k := range r.Keys {
			e.fixed(k.ID[:])
			e.bytes16("xpub", k.XPub, hdkey.SerializedSize)
			e.path(k.Path)
			e.fixed(k.ParentFingerprint[:])
			e.str("name", k.Name)
		}
	case ExtendedPrivateKey:
		e.bytes16("xprv", r.Data, hdkey.SerializedSize)
	case ExtendedPublicKey:
		e.bytes16("xpub", r.Data, hdkey.SerializedSize)
	case Signature:
		e.bytes16("signature", r.Sig, MaxStringLen)
	case SignedPsbt:
		e.bytes32("psbt", r.Psbt, MaxPsbtLen)
		if len(r.Skipped) > MaxSkipped {
			return nil, errors.Wrapf(failure.ErrMalformedMessage, "%d skipped inputs", len(r.Skipped))
		}
		e.u16(uint16(len(r.Skipped)))
		for _, s := range r.Skipped {
			e.u32(s.Index)
			e.u8(s.Reason)
		}
	default:
		return nil, errors.Errorf("unsupported reply %T", rep)
	}
	if e.err != nil {
		return nil, e.err
	}
	return e.buf, nil
}

// DecodeReply parses one reply frame.
func DecodeReply(frame []byte) (Reply, error) {
	d := &decoder{buf: frame}
	tag := Tag(d.u16())
	if d.err != nil {
		return nil, d.err
	}

	var rep Reply
	switch tag {
	case TagSuccess:
		r := Success{}
		r.HasKey = d.bool()
		if r.HasKey {
			r.KeyID = d.keyID()
		}
		rep = r
	case TagError:
		r := Error{}
		r.Code = failure.Code(d.u16())
		r.Reason = d.str("reason")
		rep = r
	case TagKeyList:
		n := int(d.u16())
		if d.err == nil && n > MaxKeys {
			d.fail("key list has %d entries, limit %d", n, MaxKeys)
		}
		r := KeyList{}
		if d.err == nil {
			r.Keys = make([]Key, 0, n)
		}
		for i := 0; i < n && d.err == nil; i++ {
			var k Key
			k.ID = d.keyID()
			k.XPub = d.bytes16("xpub", hdkey.SerializedSize)
			k.Path = d.path()
			k.ParentFingerprint = d.fingerprint()
			k.Name = d.str("name")
			r.Keys = append(r.Keys, k)
		}
		rep = r
	case TagExtendedPrivateKey:
		rep = ExtendedPrivateKey{Data: d.bytes16("xprv", hdkey.SerializedSize)}
	case TagExtendedPublicKey:
		rep = ExtendedPublicKey{Data: d.bytes16("xpub", hdkey.SerializedSize)}
	case TagSignature:
		rep = Signature{Sig: d.bytes16("signature", MaxStringLen)}
	case TagSignedPsbt:
		r := SignedPsbt{}
		r.Psbt = d.bytes32("psbt", MaxPsbtLen)
		n := int(d.u16())
		for i := 0; i < n && d.err == nil; i++ {
			r.Skipped = append(r.Skipped, SkippedInput{Index: d.u32(), Reason: d.u8()})
		}
		rep = r
	default:
		return nil, errors.Wrapf(failure.ErrUnknownMessageType, "tag 0x%04x", uint16(tag))
	}
	if err := d.finish(); err != nil {
		return nil, err
	}
	return rep, nil
}
