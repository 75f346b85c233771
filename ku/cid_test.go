package ku

import (
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestCIDDeterministic(t *testing.T) {
	a := []byte(`{"schema_id":"ku.v1","type":"ku.note","payload":{"text":"hello"}}`)
	b := []byte(`{"payload":{"text":"hello"},"schema_id":"ku.v1","type":"ku.note"}`)

	ca, err := CID(a)
	require.NoError(t, err)
	cb, err := CID(b)
	require.NoError(t, err)

	assert.Equal(t, ca, cb)
	assert.True(t, strings.HasPrefix(ca, CIDPrefix))
}

func TestCIDIgnoresSignature(t *testing.T) {
	unsigned := []byte(`{"type":"ku.note","payload":{"text":"x"}}`)
	signed := []byte(`{"type":"ku.note","payload":{"text":"x"},"sig":{"alg":"ed25519","signature":"zzz"}}`)

	cu, err := CID(unsigned)
	require.NoError(t, err)
	cs, err := CID(signed)
	require.NoError(t, err)
	assert.Equal(t, cu, cs)
}

func TestCIDContentSensitive(t *testing.T) {
	a, err := CID([]byte(`{"payload":{"text":"one"}}`))
	require.NoError(t, err)
	b, err := CID([]byte(`{"payload":{"text":"two"}}`))
	require.NoError(t, err)
	assert.NotEqual(t, a, b)
}

func TestCIDIsBase32Lower(t *testing.T) {
	c, err := CID([]byte(`{"payload":{}}`))
	require.NoError(t, err)

	body := strings.TrimPrefix(c, CIDPrefix)
	assert.Equal(t, body, strings.ToLower(body), "CID body must be base32-lower")
	// multibase base32 prefix
	assert.True(t, strings.HasPrefix(body, "b"))
}

func TestParseCID(t *testing.T) {
	valid, err := CID([]byte(`{"payload":{"n":1}}`))
	require.NoError(t, err)

	t.Run("round-trips a generated CID", func(t *testing.T) {
		c, err := ParseCID(valid)
		require.NoError(t, err)
		assert.True(t, c.Defined())
	})

	t.Run("rejects missing prefix", func(t *testing.T) {
		_, err := ParseCID(strings.TrimPrefix(valid, CIDPrefix))
		assert.Error(t, err)
	})

	t.Run("rejects garbage", func(t *testing.T) {
		_, err := ParseCID(CIDPrefix + "not-a-cid")
		assert.Error(t, err)
	})

	t.Run("rejects empty string", func(t *testing.T) {
		_, err := ParseCID("")
		assert.Error(t, err)
	})
}

func TestIsValidCID(t *testing.T) {
	valid, err := CID([]byte(`{"payload":{}}`))
	require.NoError(t, err)

	assert.True(t, IsValidCID(valid))
	assert.False(t, IsValidCID("cid-blake3:bogus"))
	assert.False(t, IsValidCID("bafy..."))
}
