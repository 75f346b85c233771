package ku

import (
	"encoding/json"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestCanonicalBytesKeyOrderIndependent(t *testing.T) {
	a := []byte(`{"schema_id":"ku.v1","type":"ku.note","payload":{"text":"hi","n":7}}`)
	b := []byte(`{"payload":{"n":7,"text":"hi"},"type":"ku.note","schema_id":"ku.v1"}`)

	ca, err := CanonicalBytes(a)
	require.NoError(t, err)
	cb, err := CanonicalBytes(b)
	require.NoError(t, err)

	assert.Equal(t, ca, cb, "canonical bytes must not depend on JSON key order")
}

func TestCanonicalBytesStripsSignatureFields(t *testing.T) {
	unsigned := []byte(`{"type":"ku.note","payload":{"text":"x"}}`)
	signed := []byte(`{"type":"ku.note","payload":{"text":"x"},"sig":{"alg":"ed25519","signature":"abc"}}`)
	legacy := []byte(`{"type":"ku.note","payload":{"text":"x"},"signatures":["abc"]}`)

	cu, err := CanonicalBytes(unsigned)
	require.NoError(t, err)
	cs, err := CanonicalBytes(signed)
	require.NoError(t, err)
	cl, err := CanonicalBytes(legacy)
	require.NoError(t, err)

	assert.Equal(t, cu, cs)
	assert.Equal(t, cu, cl)
}

func TestCanonicalBytesNumberNormalization(t *testing.T) {
	tests := []struct {
		name string
		a    string
		b    string
		same bool
	}{
		{
			name: "integer and trailing-zero float collapse",
			a:    `{"n":42}`,
			b:    `{"n":42.0}`,
			same: true,
		},
		{
			name: "integer and exponent form collapse",
			a:    `{"n":42}`,
			b:    `{"n":4.2e1}`,
			same: true,
		},
		{
			name: "negative zero exponent",
			a:    `{"n":100}`,
			b:    `{"n":1e2}`,
			same: true,
		},
		{
			name: "true fraction stays distinct from integer",
			a:    `{"n":4}`,
			b:    `{"n":4.2}`,
			same: false,
		},
		{
			name: "different integers differ",
			a:    `{"n":1}`,
			b:    `{"n":2}`,
			same: false,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			ca, err := CanonicalBytes([]byte(tt.a))
			require.NoError(t, err)
			cb, err := CanonicalBytes([]byte(tt.b))
			require.NoError(t, err)
			if tt.same {
				assert.Equal(t, ca, cb)
			} else {
				assert.NotEqual(t, ca, cb)
			}
		})
	}
}

func TestCanonicalBytesLargeIntegerStaysExact(t *testing.T) {
	// 2^53 - 1 is the largest integer exactly representable either way.
	ca, err := CanonicalBytes([]byte(`{"n":9007199254740991}`))
	require.NoError(t, err)
	cb, err := CanonicalBytes([]byte(`{"n":9007199254740991}`))
	require.NoError(t, err)
	assert.Equal(t, ca, cb)
}

func TestCanonicalBytesRejectsBadInput(t *testing.T) {
	tests := []struct {
		name string
		in   string
	}{
		{name: "not json", in: `{{`},
		{name: "trailing data", in: `{"a":1} {"b":2}`},
		{name: "top-level array", in: `[1,2,3]`},
		{name: "top-level scalar", in: `42`},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := CanonicalBytes([]byte(tt.in))
			assert.Error(t, err)
		})
	}
}

func TestCanonicalBytesNestedStructures(t *testing.T) {
	doc := []byte(`{
		"payload": {"list": [1, 2, {"deep": true}], "empty": {}},
		"tags": ["a", "b"],
		"parents": []
	}`)
	c1, err := CanonicalBytes(doc)
	require.NoError(t, err)
	c2, err := CanonicalBytes(doc)
	require.NoError(t, err)
	assert.Equal(t, c1, c2)
	assert.NotEmpty(t, c1)
}

func TestCanonicalPayloadBytesStripsNamedFields(t *testing.T) {
	payload := map[string]interface{}{
		"prev_key_id": "k1",
		"new_key_id":  "k2",
		"prev_sig":    "SIG",
	}
	with, err := CanonicalPayloadBytes(payload)
	require.NoError(t, err)
	without, err := CanonicalPayloadBytes(payload, "prev_sig")
	require.NoError(t, err)
	assert.NotEqual(t, with, without)

	delete(payload, "prev_sig")
	bare, err := CanonicalPayloadBytes(payload)
	require.NoError(t, err)
	assert.Equal(t, without, bare)
}

// A payload built in Go with native integers and the same payload decoded
// from JSON (where encoding/json yields float64) must canonicalize to the
// same bytes, or detached signatures break across a relay hop.
func TestCanonicalPayloadBytesFloat64Normalization(t *testing.T) {
	native := map[string]interface{}{
		"prev_key_id": "k1",
		"new_key_id":  "k2",
		"ts":          int64(1724457600),
		"attempt":     3,
	}

	var decoded map[string]interface{}
	require.NoError(t, json.Unmarshal(
		[]byte(`{"prev_key_id":"k1","new_key_id":"k2","ts":1724457600,"attempt":3}`),
		&decoded,
	))
	require.IsType(t, float64(0), decoded["ts"], "encoding/json decodes numbers as float64")

	cn, err := CanonicalPayloadBytes(native)
	require.NoError(t, err)
	cd, err := CanonicalPayloadBytes(decoded)
	require.NoError(t, err)
	assert.Equal(t, cn, cd)

	// Non-integral floats stay floats and stay distinct.
	native["ts"] = 1724457600.5
	cf, err := CanonicalPayloadBytes(native)
	require.NoError(t, err)
	assert.NotEqual(t, cn, cf)
}
