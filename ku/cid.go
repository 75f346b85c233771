package ku

import (
	"strings"

	cidlib "github.com/ipfs/go-cid"
	"github.com/multiformats/go-multibase"
	mh "github.com/multiformats/go-multihash"

	"github.com/JoyciAkira/sgn-core-sub001/errors"
)

// CIDPrefix is the legacy string label carried by every CID for wire
// compatibility. The multihash underneath is always sha2-256; the label
// predates the hash choice and cannot change without breaking peers.
const CIDPrefix = "cid-blake3:"

// CID computes the content identifier of a KU from its raw JSON:
// sha2-256 over the canonical bytes, wrapped as a CIDv1 with the
// dag-cbor codec, stringified in base32-lower, and prefixed with
// the legacy label.
func CID(raw []byte) (string, error) {
	canonical, err := CanonicalBytes(raw)
	if err != nil {
		return "", err
	}
	return cidOfBytes(canonical)
}

func cidOfBytes(canonical []byte) (string, error) {
	digest, err := mh.Sum(canonical, mh.SHA2_256, -1)
	if err != nil {
		return "", errors.Wrap(err, "failed to compute multihash")
	}

	c := cidlib.NewCidV1(cidlib.DagCBOR, digest)
	s, err := c.StringOfBase(multibase.Base32)
	if err != nil {
		return "", errors.Wrap(err, "failed to stringify CID")
	}
	return CIDPrefix + s, nil
}

// ParseCID validates a CID string: the legacy prefix must be present and
// the embedded multihash must be sha2-256. Any other hash function is a
// hard error, never silently accepted.
func ParseCID(s string) (cidlib.Cid, error) {
	if !strings.HasPrefix(s, CIDPrefix) {
		return cidlib.Undef, errors.Newf("missing %q prefix in CID %q", CIDPrefix, s)
	}

	c, err := cidlib.Decode(strings.TrimPrefix(s, CIDPrefix))
	if err != nil {
		return cidlib.Undef, errors.Wrapf(err, "malformed CID %q", s)
	}

	decoded, err := mh.Decode(c.Hash())
	if err != nil {
		return cidlib.Undef, errors.Wrapf(err, "malformed multihash in CID %q", s)
	}
	if decoded.Code != mh.SHA2_256 {
		return cidlib.Undef, errors.Newf("CID %q uses hash %s, only sha2-256 is accepted", s, decoded.Name)
	}

	return c, nil
}

// IsValidCID reports whether s is a well-formed sha2-256 CID string.
func IsValidCID(s string) bool {
	_, err := ParseCID(s)
	return err == nil
}
