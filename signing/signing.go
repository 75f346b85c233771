// Package signing provides Ed25519 signing and verification for Knowledge
// Units. Signatures are detached: they cover the canonical CBOR bytes of
// the KU with the signature envelope itself stripped, so the same document
// verifies identically on every node regardless of JSON key order.
package signing

import (
	"crypto/ed25519"
	"crypto/sha256"
	"crypto/x509"
	"encoding/base64"
	"encoding/json"

	"github.com/multiformats/go-base32"

	"github.com/JoyciAkira/sgn-core-sub001/errors"
	"github.com/JoyciAkira/sgn-core-sub001/ku"
)

// Verification failure sentinels. Reason() maps them to the stable
// wire-level reason strings.
var (
	ErrMissingSig   = errors.New("missing_sig")
	ErrBadSigHeader = errors.New("bad_sig_header")
	ErrKeyMismatch  = errors.New("key_mismatch")
	ErrBadSignature = errors.New("bad_signature")
)

// Reason returns the stable reason string for a verification failure,
// or empty for nil.
func Reason(err error) string {
	switch {
	case err == nil:
		return ""
	case errors.Is(err, ErrMissingSig):
		return "missing_sig"
	case errors.Is(err, ErrBadSigHeader):
		return "bad_sig_header"
	case errors.Is(err, ErrKeyMismatch):
		return "key_mismatch"
	default:
		return "bad_signature"
	}
}

// KeyID derives the stable key identifier from a public key:
// base32-lower(sha256(SPKI-DER(pub))), unpadded.
func KeyID(pub ed25519.PublicKey) (string, error) {
	der, err := x509.MarshalPKIXPublicKey(pub)
	if err != nil {
		return "", errors.Wrap(err, "failed to marshal public key to SPKI DER")
	}
	sum := sha256.Sum256(der)
	return base32.RawStdEncoding.EncodeToString(sum[:]), nil
}

// Sign computes the canonical bytes of the unsigned KU and attaches a
// detached Ed25519 signature envelope. Returns the signed KU JSON.
func Sign(raw []byte, priv ed25519.PrivateKey, pub ed25519.PublicKey) ([]byte, error) {
	canonical, err := ku.CanonicalBytes(raw)
	if err != nil {
		return nil, errors.Wrap(err, "failed to canonicalize KU for signing")
	}

	keyID, err := KeyID(pub)
	if err != nil {
		return nil, err
	}

	sig := ku.Sig{
		Alg:       ku.SigAlg,
		Prehash:   ku.SigPrehash,
		Context:   ku.SigContext,
		KeyID:     keyID,
		Signature: base64.RawURLEncoding.EncodeToString(ed25519.Sign(priv, canonical)),
	}

	var doc map[string]interface{}
	if err := json.Unmarshal(raw, &doc); err != nil {
		return nil, errors.Wrap(err, "failed to parse KU for signing")
	}
	doc["sig"] = sig
	delete(doc, "signatures")

	signed, err := json.Marshal(doc)
	if err != nil {
		return nil, errors.Wrap(err, "failed to marshal signed KU")
	}
	return signed, nil
}

// Verify checks the detached signature on a signed KU against the supplied
// public key. The canonical bytes are recomputed with sig stripped, the
// key id recomputed from pub must match sig.key_id, and the Ed25519
// signature must verify. Failures wrap one of the package sentinels.
func Verify(raw []byte, pub ed25519.PublicKey) error {
	k, err := ku.Parse(raw)
	if err != nil {
		return errors.Wrap(ErrBadSignature, err.Error())
	}
	if k.Sig == nil || k.Sig.Signature == "" {
		return ErrMissingSig
	}
	if k.Sig.Alg != ku.SigAlg || k.Sig.Prehash != ku.SigPrehash || k.Sig.Context != ku.SigContext {
		return errors.Wrapf(ErrBadSigHeader,
			"alg=%q prehash=%q context=%q", k.Sig.Alg, k.Sig.Prehash, k.Sig.Context)
	}

	keyID, err := KeyID(pub)
	if err != nil {
		return errors.Wrap(ErrBadSignature, err.Error())
	}
	if keyID != k.Sig.KeyID {
		return errors.Wrapf(ErrKeyMismatch, "sig key_id %s, supplied key %s", k.Sig.KeyID, keyID)
	}

	sigBytes, err := base64.RawURLEncoding.DecodeString(k.Sig.Signature)
	if err != nil {
		return errors.Wrap(ErrBadSignature, "signature is not valid base64url")
	}

	canonical, err := ku.CanonicalBytes(raw)
	if err != nil {
		return errors.Wrap(ErrBadSignature, err.Error())
	}

	if !ed25519.Verify(pub, canonical, sigBytes) {
		return ErrBadSignature
	}
	return nil
}

// VerifyDetached verifies a base64url signature over arbitrary canonical
// bytes. Used for rotation-attestation payloads, which sign their payload
// rather than a whole KU.
func VerifyDetached(canonical []byte, sigB64 string, pub ed25519.PublicKey) error {
	sigBytes, err := base64.RawURLEncoding.DecodeString(sigB64)
	if err != nil {
		return errors.Wrap(ErrBadSignature, "signature is not valid base64url")
	}
	if !ed25519.Verify(pub, canonical, sigBytes) {
		return ErrBadSignature
	}
	return nil
}
