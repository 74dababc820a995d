package signer

import (
	"bytes"
	"context"
	"crypto/sha256"

	"github.com/btcsuite/btcd/btcec/v2"
	"github.com/btcsuite/btcd/btcec/v2/schnorr"
	"github.com/btcsuite/btcd/btcutil"
	"github.com/btcsuite/btcd/btcutil/psbt"
	"github.com/btcsuite/btcd/txscript"
	"github.com/btcsuite/btcd/wire"
	"github.com/pkg/errors"

	"github.com/joncooperworks/keyringd/failure"
	"github.com/joncooperworks/keyringd/hdkey"
)

// SkipReason explains why an input was left unsigned.
type SkipReason uint8

const (
	SkipNoKeyReference    SkipReason = 1
	SkipUnknownKey        SkipReason = 2
	SkipUnsupportedScript SkipReason = 3
	SkipAlreadySigned     SkipReason = 4
	SkipMissingUtxo       SkipReason = 5
	SkipKeyMismatch       SkipReason = 6
	SkipSigningFailed     SkipReason = 7
)

func (r SkipReason) String() string {
	switch r {
	case SkipNoKeyReference:
		return "no key reference"
	case SkipUnknownKey:
		return "unknown key"
	case SkipUnsupportedScript:
		return "unsupported script"
	case SkipAlreadySigned:
		return "already signed"
	case SkipMissingUtxo:
		return "missing previous output"
	case SkipKeyMismatch:
		return "key mismatch"
	case SkipSigningFailed:
		return "signing failed"
	default:
		return "unknown"
	}
}

// Skipped is an input the signer left untouched.
type Skipped struct {
	Index  uint32
	Reason SkipReason
}

// Result is the outcome of one SignPsbt call. Leaving inputs unsigned is a
// normal outcome, not an error.
type Result struct {
	Packet  *psbt.Packet
	Signed  []uint32
	Skipped []Skipped
}

// Serialize encodes the signed packet.
func (r Result) Serialize() ([]byte, error) {
	var buf bytes.Buffer
	if err := r.Packet.Serialize(&buf); err != nil {
		return nil, errors.Wrap(err, "failed to serialize psbt")
	}
	return buf.Bytes(), nil
}

// ParsePsbt decodes a binary PSBT. Structural errors map to
// ErrMalformedMessage.
func ParsePsbt(raw []byte) (*psbt.Packet, error) {
	packet, err := psbt.NewFromRawBytes(bytes.NewReader(raw), false)
	if err != nil {
		return nil, errors.Wrapf(failure.ErrMalformedMessage, "psbt: %v", err)
	}
	return packet, nil
}

// SignPsbt signs every input of raw it holds a key for. One authorization
// covers the whole call and is checked after the packet parses and before
// any key is touched.
func (s *Signer) SignPsbt(ctx context.Context, raw []byte, code uint32) (Result, error) {
	packet, err := ParsePsbt(raw)
	if err != nil {
		return Result{}, err
	}
	if err := s.gate.Authorize(code); err != nil {
		return Result{}, err
	}
	return s.signPacket(ctx, packet)
}

type inputCtx struct {
	index     int
	tx        *wire.MsgTx
	prevOut   *wire.TxOut
	sigHashes *txscript.TxSigHashes
	allPrev   bool
}

func (s *Signer) signPacket(ctx context.Context, packet *psbt.Packet) (Result, error) {
	res := Result{Packet: packet}
	tx := packet.UnsignedTx

	prevOuts := make([]*wire.TxOut, len(tx.TxIn))
	fetcher := txscript.NewMultiPrevOutFetcher(nil)
	allPrev := true
	for i, in := range tx.TxIn {
		prevOuts[i] = prevOutput(packet, i)
		if prevOuts[i] == nil {
			allPrev = false
			// NewTxSigHashes dereferences every prevout.
			fetcher.AddPrevOut(in.PreviousOutPoint, wire.NewTxOut(0, nil))
			continue
		}
		fetcher.AddPrevOut(in.PreviousOutPoint, prevOuts[i])
	}
	sigHashes := txscript.NewTxSigHashes(tx, fetcher)
	updater, err := psbt.NewUpdater(packet)
	if err != nil {
		return Result{}, errors.Wrapf(failure.ErrMalformedMessage, "psbt: %v", err)
	}

	for i := range tx.TxIn {
		if err := ctx.Err(); err != nil {
			return Result{}, err
		}
		in := inputCtx{index: i, tx: tx, prevOut: prevOuts[i], sigHashes: sigHashes, allPrev: allPrev}
		reason := s.signInput(updater, &packet.Inputs[i], in)
		if reason == 0 {
			res.Signed = append(res.Signed, uint32(i))
			continue
		}
		res.Skipped = append(res.Skipped, Skipped{Index: uint32(i), Reason: reason})
		s.log.Debug().Int("input", i).Stringer("reason", reason).Msg("input skipped")
	}
	s.log.Info().Int("signed", len(res.Signed)).Int("skipped", len(res.Skipped)).Msg("signed psbt")
	return res, nil
}

// prevOutput returns the output spent by input i, or nil when the packet
// does not carry it.
func prevOutput(packet *psbt.Packet, i int) *wire.TxOut {
	pin := packet.Inputs[i]
	if pin.WitnessUtxo != nil {
		return pin.WitnessUtxo
	}
	if pin.NonWitnessUtxo != nil {
		op := packet.UnsignedTx.TxIn[i].PreviousOutPoint
		if pin.NonWitnessUtxo.TxHash() != op.Hash || int(op.Index) >= len(pin.NonWitnessUtxo.TxOut) {
			return nil
		}
		return pin.NonWitnessUtxo.TxOut[op.Index]
	}
	return nil
}

func isFinalized(pin *psbt.PInput) bool {
	return len(pin.FinalScriptSig) > 0 || len(pin.FinalScriptWitness) > 0
}

// signInput returns zero when at least one signature was added, otherwise
// the most specific reason the input was skipped.
func (s *Signer) signInput(u *psbt.Updater, pin *psbt.PInput, in inputCtx) SkipReason {
	if isFinalized(pin) {
		return SkipAlreadySigned
	}
	if len(pin.Bip32Derivation) == 0 && len(pin.TaprootBip32Derivation) == 0 {
		return SkipNoKeyReference
	}
	if in.prevOut == nil {
		return SkipMissingUtxo
	}

	reason := SkipUnknownKey
	note := func(r SkipReason) {
		if r != SkipUnknownKey {
			reason = r
		}
	}

	if txscript.IsPayToTaproot(in.prevOut.PkScript) {
		if pin.TaprootKeySpendSig != nil {
			return SkipAlreadySigned
		}
		if len(pin.TaprootBip32Derivation) == 0 {
			return SkipNoKeyReference
		}
		if !in.allPrev {
			return SkipMissingUtxo
		}
		for _, d := range pin.TaprootBip32Derivation {
			if len(d.LeafHashes) > 0 {
				// Script path spends are not signed.
				note(SkipUnsupportedScript)
				continue
			}
			r := s.signTaproot(pin, in, d)
			if r == 0 {
				return 0
			}
			note(r)
		}
		return reason
	}

	if len(pin.Bip32Derivation) == 0 {
		return SkipNoKeyReference
	}
	signed := false
	for _, d := range pin.Bip32Derivation {
		if hasPartialSig(pin, d.PubKey) {
			note(SkipAlreadySigned)
			continue
		}
		r := s.signECDSA(u, pin, in, d)
		if r == 0 {
			signed = true
			continue
		}
		note(r)
	}
	if signed {
		return 0
	}
	return reason
}

func hasPartialSig(pin *psbt.PInput, pub []byte) bool {
	for _, ps := range pin.PartialSigs {
		if bytes.Equal(ps.PubKey, pub) {
			return true
		}
	}
	return false
}

// withDerivedKey resolves a PSBT derivation record to a stored key, derives
// the declared path below it and calls fn with the resulting private key.
func (s *Signer) withDerivedKey(masterFP uint32, path []uint32, fn func(child *hdkey.ExtendedKeyPair) SkipReason) SkipReason {
	ids := s.keys.FindByFingerprint(hdkey.FingerprintFromPSBT(masterFP))
	if len(ids) == 0 {
		return SkipUnknownKey
	}
	reason := SkipUnknownKey
	for _, id := range ids {
		var r SkipReason
		err := s.keys.WithPrivateKey(id, func(root *hdkey.ExtendedKeyPair) error {
			child := root
			if len(path) > 0 {
				derived, err := hdkey.Derive(root, hdkey.Path(path))
				if err != nil {
					return err
				}
				defer derived.Zero()
				child = derived
			}
			r = fn(child)
			return nil
		})
		if err != nil {
			// Watch-only records and bad paths cannot sign this input.
			s.log.Debug().Err(err).Str("key_id", id.String()).Msg("cannot derive signing key")
			r = SkipUnknownKey
		}
		if r == 0 {
			return 0
		}
		if r != SkipUnknownKey {
			reason = r
		}
	}
	return reason
}

func (s *Signer) signECDSA(u *psbt.Updater, pin *psbt.PInput, in inputCtx, d *psbt.Bip32Derivation) SkipReason {
	return s.withDerivedKey(d.MasterKeyFingerprint, d.Bip32Path, func(child *hdkey.ExtendedKeyPair) SkipReason {
		pub, err := child.PublicKey()
		if err != nil {
			return SkipSigningFailed
		}
		pubBytes := pub.SerializeCompressed()
		if !bytes.Equal(pubBytes, d.PubKey) {
			return SkipKeyMismatch
		}
		priv, err := child.PrivateKey()
		if err != nil {
			return SkipSigningFailed
		}
		defer priv.Zero()

		hashType := txscript.SigHashAll
		if pin.SighashType != 0 {
			hashType = pin.SighashType
		}

		sig, redeem, witness, reason := signForScript(pin, in, priv, pubBytes, hashType)
		if reason != 0 {
			return reason
		}
		if _, err := u.Sign(in.index, sig, pubBytes, redeem, witness); err != nil {
			s.log.Debug().Err(err).Int("input", in.index).Msg("psbt rejected signature")
			return SkipSigningFailed
		}
		return 0
	})
}

// signForScript picks the signature algorithm for the spent script. It
// returns the redeem and witness scripts to record alongside the signature.
func signForScript(pin *psbt.PInput, in inputCtx, priv *btcec.PrivateKey, pub []byte, hashType txscript.SigHashType) (sig, redeem, witness []byte, reason SkipReason) {
	pkScript := in.prevOut.PkScript
	amount := in.prevOut.Value
	pubHash := btcutil.Hash160(pub)

	witnessSign := func(subScript []byte) ([]byte, SkipReason) {
		sig, err := txscript.RawTxInWitnessSignature(in.tx, in.sigHashes, in.index, amount, subScript, hashType, priv)
		if err != nil {
			return nil, SkipSigningFailed
		}
		return sig, 0
	}
	legacySign := func(subScript []byte) ([]byte, SkipReason) {
		sig, err := txscript.RawTxInSignature(in.tx, in.index, subScript, hashType, priv)
		if err != nil {
			return nil, SkipSigningFailed
		}
		return sig, 0
	}
	checkWitnessScript := func(program []byte) SkipReason {
		if len(pin.WitnessScript) == 0 {
			return SkipUnsupportedScript
		}
		h := sha256.Sum256(pin.WitnessScript)
		if !bytes.Equal(program, h[:]) {
			return SkipKeyMismatch
		}
		return 0
	}

	switch {
	case txscript.IsPayToWitnessPubKeyHash(pkScript):
		if !bytes.Equal(pkScript[2:], pubHash) {
			return nil, nil, nil, SkipKeyMismatch
		}
		sig, reason = witnessSign(pkScript)
		return sig, nil, nil, reason

	case txscript.IsPayToWitnessScriptHash(pkScript):
		if r := checkWitnessScript(pkScript[2:]); r != 0 {
			return nil, nil, nil, r
		}
		sig, reason = witnessSign(pin.WitnessScript)
		return sig, nil, pin.WitnessScript, reason

	case txscript.IsPayToPubKeyHash(pkScript):
		if !bytes.Equal(pkScript[3:23], pubHash) {
			return nil, nil, nil, SkipKeyMismatch
		}
		sig, reason = legacySign(pkScript)
		return sig, nil, nil, reason

	case txscript.IsPayToScriptHash(pkScript):
		rs := pin.RedeemScript
		if len(rs) == 0 {
			return nil, nil, nil, SkipUnsupportedScript
		}
		if !bytes.Equal(pkScript[2:22], btcutil.Hash160(rs)) {
			return nil, nil, nil, SkipKeyMismatch
		}
		switch {
		case txscript.IsPayToWitnessPubKeyHash(rs):
			if !bytes.Equal(rs[2:], pubHash) {
				return nil, nil, nil, SkipKeyMismatch
			}
			sig, reason = witnessSign(rs)
			return sig, rs, nil, reason
		case txscript.IsPayToWitnessScriptHash(rs):
			if r := checkWitnessScript(rs[2:]); r != 0 {
				return nil, nil, nil, r
			}
			sig, reason = witnessSign(pin.WitnessScript)
			return sig, rs, pin.WitnessScript, reason
		case txscript.IsWitnessProgram(rs):
			return nil, nil, nil, SkipUnsupportedScript
		default:
			sig, reason = legacySign(rs)
			return sig, rs, nil, reason
		}

	default:
		return nil, nil, nil, SkipUnsupportedScript
	}
}

func (s *Signer) signTaproot(pin *psbt.PInput, in inputCtx, d *psbt.TaprootBip32Derivation) SkipReason {
	return s.withDerivedKey(d.MasterKeyFingerprint, d.Bip32Path, func(child *hdkey.ExtendedKeyPair) SkipReason {
		pub, err := child.PublicKey()
		if err != nil {
			return SkipSigningFailed
		}
		if !bytes.Equal(schnorr.SerializePubKey(pub), d.XOnlyPubKey) {
			return SkipKeyMismatch
		}
		outputKey := txscript.ComputeTaprootOutputKey(pub, pin.TaprootMerkleRoot)
		if !bytes.Equal(schnorr.SerializePubKey(outputKey), in.prevOut.PkScript[2:]) {
			return SkipKeyMismatch
		}
		priv, err := child.PrivateKey()
		if err != nil {
			return SkipSigningFailed
		}
		defer priv.Zero()

		hashType := txscript.SigHashDefault
		if pin.SighashType != 0 {
			hashType = pin.SighashType
		}
		sig, err := txscript.RawTxInTaprootSignature(in.tx, in.sigHashes, in.index,
			in.prevOut.Value, in.prevOut.PkScript, pin.TaprootMerkleRoot, hashType, priv)
		if err != nil {
			return SkipSigningFailed
		}
		pin.TaprootKeySpendSig = sig
		return 0
	})
}
