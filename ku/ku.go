// Package ku defines the Knowledge Unit data model: a signed,
// content-addressed JSON document. The CID is computed over the
// deterministic CBOR encoding of the document with signature fields
// stripped, so two implementations canonicalizing the same document
// always derive the same identifier.
package ku

import (
	"encoding/json"

	"github.com/JoyciAkira/sgn-core-sub001/errors"
)

// Well-known KU types.
const (
	TypeNote          = "ku.note"
	TypePatch         = "ku.patch.migration"
	TypeRotateKeyAtt  = "ku.attestation.rotate_key"
	DefaultSchemaID   = "ku.v1"
	DefaultContentTyp = "application/json"
)

// Signature header constants. These are fixed by the wire format:
// every signature carries them verbatim and verification rejects
// any other combination.
const (
	SigAlg     = "ed25519"
	SigPrehash = "none"
	SigContext = "sgn-ku-v1"
)

// Sig is the detached signature envelope attached to a signed KU.
type Sig struct {
	Alg       string `json:"alg"`
	Prehash   string `json:"prehash"`
	Context   string `json:"context"`
	KeyID     string `json:"key_id"`
	Signature string `json:"signature"` // base64url, no padding
}

// KU is the typed view of a Knowledge Unit. Handlers that only need
// field access use this; canonicalization and CID computation operate
// on the raw JSON bytes instead, so unknown fields sent by other
// implementations still contribute to the identifier.
type KU struct {
	SchemaID    string                   `json:"schema_id"`
	Type        string                   `json:"type"`
	ContentType string                   `json:"content_type"`
	Payload     map[string]interface{}   `json:"payload"`
	Parents     []string                 `json:"parents"`
	Sources     []map[string]interface{} `json:"sources"`
	Tests       []interface{}            `json:"tests"`
	Provenance  map[string]interface{}   `json:"provenance"`
	Tags        []string                 `json:"tags"`
	Sig         *Sig                     `json:"sig,omitempty"`
}

// Parse decodes raw KU JSON into the typed view.
func Parse(raw []byte) (*KU, error) {
	var k KU
	if err := json.Unmarshal(raw, &k); err != nil {
		return nil, errors.Wrap(err, "failed to parse KU JSON")
	}
	return &k, nil
}

// requiredFields are the top-level fields every valid KU must carry.
// sig is intentionally absent: signature presence is checked separately.
var requiredFields = []string{
	"schema_id", "type", "content_type", "payload",
	"parents", "sources", "tests", "provenance", "tags",
}

// arrayFields must decode to JSON arrays.
var arrayFields = map[string]bool{
	"parents": true,
	"sources": true,
	"tests":   true,
	"tags":    true,
}

// objectFields must decode to JSON objects.
var objectFields = map[string]bool{
	"payload":    true,
	"provenance": true,
}

// Validate checks the structural invariants of a KU document and returns
// a list of problems, empty when the document is valid. Signature validity
// is a separate concern (see the signing package).
func Validate(raw []byte) []string {
	var doc map[string]json.RawMessage
	if err := json.Unmarshal(raw, &doc); err != nil {
		return []string{"ku is not a JSON object"}
	}

	var details []string
	for _, f := range requiredFields {
		v, ok := doc[f]
		if !ok {
			details = append(details, "missing field: "+f)
			continue
		}
		switch {
		case arrayFields[f]:
			var arr []json.RawMessage
			if err := json.Unmarshal(v, &arr); err != nil {
				details = append(details, "field is not an array: "+f)
			}
		case objectFields[f]:
			var obj map[string]json.RawMessage
			if err := json.Unmarshal(v, &obj); err != nil {
				details = append(details, "field is not an object: "+f)
			}
		default:
			var s string
			if err := json.Unmarshal(v, &s); err != nil {
				details = append(details, "field is not a string: "+f)
			}
		}
	}
	return details
}
