package ku

import (
	"encoding/json"
	"math"
	"strings"

	"github.com/fxamacker/cbor/v2"

	"github.com/JoyciAkira/sgn-core-sub001/errors"
)

// detMode is the deterministic CBOR encoder used for canonical bytes:
// byte-lex sorted map keys, shortest integer encoding, 64-bit floats,
// NaN/Inf rejected, no indefinite-length items, no tags.
var detMode cbor.EncMode

func init() {
	opts := cbor.EncOptions{
		Sort:          cbor.SortBytewiseLexical,
		ShortestFloat: cbor.ShortestFloatNone,
		NaNConvert:    cbor.NaNConvertReject,
		InfConvert:    cbor.InfConvertReject,
		IndefLength:   cbor.IndefLengthForbidden,
		TagsMd:        cbor.TagsForbidden,
	}
	var err error
	detMode, err = opts.EncMode()
	if err != nil {
		panic(err) // static options, cannot fail
	}
}

// CanonicalBytes produces the canonical byte encoding of a KU given its
// raw JSON: the top-level "sig" and legacy "signatures" fields are removed
// and the remaining value is encoded as deterministic CBOR.
//
// Two JSON documents that are semantically equal (same keys and values in
// any key order, any numeric spelling decoding to the same integer or the
// same IEEE-754 double) yield identical canonical bytes.
func CanonicalBytes(raw []byte) ([]byte, error) {
	doc, err := decodeJSON(raw)
	if err != nil {
		return nil, err
	}

	m, ok := doc.(map[string]interface{})
	if !ok {
		return nil, errors.New("ku is not a JSON object")
	}
	delete(m, "sig")
	delete(m, "signatures")

	out, err := detMode.Marshal(m)
	if err != nil {
		return nil, errors.Wrap(err, "deterministic CBOR encoding failed")
	}
	return out, nil
}

// CanonicalPayloadBytes canonicalizes a free-standing JSON object (used for
// rotation-attestation payloads) with the named fields removed.
func CanonicalPayloadBytes(payload map[string]interface{}, strip ...string) ([]byte, error) {
	m := make(map[string]interface{}, len(payload))
	for k, v := range payload {
		m[k] = normalize(v)
	}
	for _, f := range strip {
		delete(m, f)
	}
	out, err := detMode.Marshal(m)
	if err != nil {
		return nil, errors.Wrap(err, "deterministic CBOR encoding failed")
	}
	return out, nil
}

// decodeJSON parses raw JSON preserving the integer/float distinction
// that encoding/json's default float64 decoding would lose.
func decodeJSON(raw []byte) (interface{}, error) {
	dec := json.NewDecoder(strings.NewReader(string(raw)))
	dec.UseNumber()

	var doc interface{}
	if err := dec.Decode(&doc); err != nil {
		return nil, errors.Wrap(err, "invalid JSON")
	}
	// Reject trailing garbage after the document
	if dec.More() {
		return nil, errors.New("trailing data after JSON document")
	}
	return normalize(doc), nil
}

// normalize rewrites decoded JSON values into their canonical Go forms:
// numbers become int64 when the value is an exact integer (including
// spellings like 42.0 and 4.2e1), float64 otherwise. Both json.Number and
// float64 inputs are handled, so values decoded with or without UseNumber
// canonicalize identically. Maps and slices are normalized recursively.
func normalize(v interface{}) interface{} {
	switch t := v.(type) {
	case map[string]interface{}:
		for k, e := range t {
			t[k] = normalize(e)
		}
		return t
	case []interface{}:
		for i, e := range t {
			t[i] = normalize(e)
		}
		return t
	case json.Number:
		return normalizeNumber(t)
	case float64:
		if t == math.Trunc(t) && math.Abs(t) <= maxSafeInteger {
			return int64(t)
		}
		return t
	default:
		return v
	}
}

// maxSafeInteger bounds the float-to-int collapse: beyond 2^53 the double
// no longer distinguishes adjacent integers, so the value stays a float.
const maxSafeInteger = 1 << 53

func normalizeNumber(n json.Number) interface{} {
	if i, err := n.Int64(); err == nil {
		return i
	}
	f, err := n.Float64()
	if err != nil {
		// Unreachable for JSON produced by encoding/json, kept as a guard
		return n.String()
	}
	if f == math.Trunc(f) && math.Abs(f) <= maxSafeInteger {
		return int64(f)
	}
	return f
}
