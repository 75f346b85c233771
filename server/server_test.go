package server

import (
	"bytes"
	"context"
	"crypto/ed25519"
	"encoding/base64"
	"encoding/json"
	"fmt"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	qntxtesting "github.com/JoyciAkira/sgn-core-sub001/internal/testing"
	"github.com/JoyciAkira/sgn-core-sub001/ku"
	"github.com/JoyciAkira/sgn-core-sub001/metrics"
	"github.com/JoyciAkira/sgn-core-sub001/seen"
	"github.com/JoyciAkira/sgn-core-sub001/signing"
	"github.com/JoyciAkira/sgn-core-sub001/store"
	"github.com/JoyciAkira/sgn-core-sub001/trust"
)

// newTestServer builds a full daemon around a temp DB and trust file and
// returns it with its running HTTP test frontend.
func newTestServer(t *testing.T, trustJSON string) (*Server, *httptest.Server) {
	t.Helper()

	database := qntxtesting.CreateTestDB(t)

	trustPath := filepath.Join(t.TempDir(), "trust.json")
	if trustJSON != "" {
		require.NoError(t, os.WriteFile(trustPath, []byte(trustJSON), 0o644))
	}
	trustStore, err := trust.NewStore(trustPath, zap.NewNop().Sugar())
	require.NoError(t, err)

	kuStore, err := store.New(database, filepath.Join(t.TempDir(), "blobs"), zap.NewNop().Sugar())
	require.NoError(t, err)

	s := New(database, kuStore, trustStore, seen.New(100, time.Minute), metrics.New(), zap.NewNop().Sugar())
	go s.Run()
	t.Cleanup(func() { s.Shutdown() })

	ts := httptest.NewServer(s.Routes())
	t.Cleanup(ts.Close)
	return s, ts
}

func validNote(text string) string {
	return fmt.Sprintf(`{
		"schema_id": "ku.v1",
		"type": "ku.note",
		"content_type": "application/json",
		"payload": {"text": %q},
		"parents": [],
		"sources": [],
		"tests": [],
		"provenance": {"agent_id": "test"},
		"tags": []
	}`, text)
}

func postPublish(t *testing.T, ts *httptest.Server, body string) (*http.Response, map[string]interface{}) {
	t.Helper()
	resp, err := http.Post(ts.URL+"/publish", "application/json", bytes.NewBufferString(body))
	require.NoError(t, err)
	t.Cleanup(func() { resp.Body.Close() })

	var out map[string]interface{}
	require.NoError(t, json.NewDecoder(resp.Body).Decode(&out))
	return resp, out
}

func TestPublishAndFetch(t *testing.T) {
	s, ts := newTestServer(t, "")

	resp, out := postPublish(t, ts, `{"ku":`+validNote("hello")+`}`)
	require.Equal(t, http.StatusOK, resp.StatusCode)
	assert.Equal(t, true, out["stored"])
	assert.Equal(t, true, out["enqueued"])
	cid := out["cid"].(string)
	require.NotEmpty(t, cid)

	// The published KU is fetchable by CID.
	getResp, err := http.Get(ts.URL + "/ku/" + cid)
	require.NoError(t, err)
	defer getResp.Body.Close()
	assert.Equal(t, http.StatusOK, getResp.StatusCode)

	var fetched map[string]interface{}
	require.NoError(t, json.NewDecoder(getResp.Body).Decode(&fetched))
	assert.Equal(t, "ku.note", fetched["type"])

	assert.Equal(t, int64(1), s.metrics.Snapshot().Counters["db_ku_stored_total"])
}

func TestPublishDuplicate(t *testing.T) {
	s, ts := newTestServer(t, "")

	resp1, out1 := postPublish(t, ts, `{"ku":`+validNote("dup")+`}`)
	require.Equal(t, http.StatusOK, resp1.StatusCode)
	assert.Equal(t, true, out1["stored"])

	resp2, out2 := postPublish(t, ts, `{"ku":`+validNote("dup")+`}`)
	require.Equal(t, http.StatusOK, resp2.StatusCode)
	assert.Equal(t, true, out2["deduplicated"])
	assert.Equal(t, false, out2["stored"])
	assert.Equal(t, false, out2["enqueued"])
	assert.Equal(t, out1["cid"], out2["cid"])

	// Exactly one outbox row despite two publishes.
	n, err := s.store.OutboxLen(context.Background())
	require.NoError(t, err)
	assert.Equal(t, int64(1), n)
	assert.Equal(t, int64(1), s.metrics.Deduplicated())
}

func TestPublishErrors(t *testing.T) {
	_, ts := newTestServer(t, "")

	tests := []struct {
		name       string
		body       string
		wantStatus int
		wantError  string
	}{
		{name: "malformed json", body: `{{{`, wantStatus: 400, wantError: "bad_json"},
		{name: "missing ku field", body: `{"verify":false}`, wantStatus: 400, wantError: "bad_json"},
		{name: "schema violation", body: `{"ku":{"type":"ku.note"}}`, wantStatus: 400, wantError: "invalid_ku"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			resp, out := postPublish(t, ts, tt.body)
			assert.Equal(t, tt.wantStatus, resp.StatusCode)
			assert.Equal(t, tt.wantError, out["error"])
			if tt.wantError == "invalid_ku" {
				assert.NotEmpty(t, out["details"])
			}
		})
	}
}

func TestPublishEnforceMode(t *testing.T) {
	s, ts := newTestServer(t, `{"mode":"enforce","allow":[],"revoke":[],"keys":{}}`)

	pub, priv, err := signing.GenerateKeypair()
	require.NoError(t, err)
	signed, err := signing.Sign([]byte(validNote("enforced")), priv, pub)
	require.NoError(t, err)
	pubPEM, err := signing.EncodePublicKeyPEM(pub)
	require.NoError(t, err)
	keyID, err := signing.KeyID(pub)
	require.NoError(t, err)

	body, err := json.Marshal(map[string]interface{}{
		"ku":      json.RawMessage(signed),
		"verify":  true,
		"pub_pem": pubPEM,
	})
	require.NoError(t, err)

	// Empty allow-list rejects any key.
	resp, out := postPublish(t, ts, string(body))
	assert.Equal(t, http.StatusForbidden, resp.StatusCode)
	assert.Equal(t, "untrusted_key", out["error"])
	assert.Equal(t, "not_in_allowlist", out["reason"])

	// Allow-list the key and the same publish succeeds.
	require.NoError(t, s.trust.Add(keyID, ""))
	resp, out = postPublish(t, ts, string(body))
	assert.Equal(t, http.StatusOK, resp.StatusCode)
	assert.Equal(t, true, out["stored"])
	assert.Equal(t, true, out["trusted"])
}

func TestPublishWarnModeUntrusted(t *testing.T) {
	pub, priv, err := signing.GenerateKeypair()
	require.NoError(t, err)
	keyID, err := signing.KeyID(pub)
	require.NoError(t, err)
	signed, err := signing.Sign([]byte(validNote("warned")), priv, pub)
	require.NoError(t, err)
	pubPEM, err := signing.EncodePublicKeyPEM(pub)
	require.NoError(t, err)

	// Revoked key in warn mode: accepted, flagged untrusted.
	_, ts := newTestServer(t, `{"mode":"warn","allow":[],"revoke":["`+keyID+`"],"keys":{}}`)

	body, err := json.Marshal(map[string]interface{}{
		"ku":      json.RawMessage(signed),
		"verify":  true,
		"pub_pem": pubPEM,
	})
	require.NoError(t, err)

	resp, out := postPublish(t, ts, string(body))
	assert.Equal(t, http.StatusOK, resp.StatusCode, "warn mode accepts untrusted keys")
	assert.Equal(t, true, out["stored"])
	assert.Equal(t, false, out["trusted"])
}

func TestPublishBadSignature(t *testing.T) {
	_, ts := newTestServer(t, "")

	pub, _, err := signing.GenerateKeypair()
	require.NoError(t, err)
	pubPEM, err := signing.EncodePublicKeyPEM(pub)
	require.NoError(t, err)

	// Unsigned KU with verify=true fails with missing_sig.
	body, err := json.Marshal(map[string]interface{}{
		"ku":      json.RawMessage(validNote("unsigned")),
		"verify":  true,
		"pub_pem": pubPEM,
	})
	require.NoError(t, err)

	resp, out := postPublish(t, ts, string(body))
	assert.Equal(t, http.StatusBadRequest, resp.StatusCode)
	assert.Equal(t, "bad_signature", out["error"])
	assert.Equal(t, "missing_sig", out["reason"])
}

func TestVerifyEndpoint(t *testing.T) {
	_, ts := newTestServer(t, "")

	pub, priv, err := signing.GenerateKeypair()
	require.NoError(t, err)
	signed, err := signing.Sign([]byte(validNote("verified")), priv, pub)
	require.NoError(t, err)
	pubPEM, err := signing.EncodePublicKeyPEM(pub)
	require.NoError(t, err)
	keyID, err := signing.KeyID(pub)
	require.NoError(t, err)

	body, err := json.Marshal(map[string]interface{}{
		"ku":      json.RawMessage(signed),
		"pub_pem": pubPEM,
	})
	require.NoError(t, err)

	resp, err := http.Post(ts.URL+"/verify", "application/json", bytes.NewReader(body))
	require.NoError(t, err)
	defer resp.Body.Close()
	require.Equal(t, http.StatusOK, resp.StatusCode)

	var out map[string]interface{}
	require.NoError(t, json.NewDecoder(resp.Body).Decode(&out))
	assert.Equal(t, true, out["ok"])
	assert.Equal(t, true, out["trusted"])
	assert.Equal(t, keyID, out["key_id"])

	// Unsigned document: ok=false with a stable reason.
	body, err = json.Marshal(map[string]interface{}{
		"ku":      json.RawMessage(validNote("verified")),
		"pub_pem": pubPEM,
	})
	require.NoError(t, err)
	resp, err = http.Post(ts.URL+"/verify", "application/json", bytes.NewReader(body))
	require.NoError(t, err)
	defer resp.Body.Close()
	require.Equal(t, http.StatusOK, resp.StatusCode)
	require.NoError(t, json.NewDecoder(resp.Body).Decode(&out))
	assert.Equal(t, false, out["ok"])
	assert.Equal(t, "missing_sig", out["reason"])
}

func TestGetKUNotFound(t *testing.T) {
	_, ts := newTestServer(t, "")

	resp, err := http.Get(ts.URL + "/ku/cid-blake3:bmissing")
	require.NoError(t, err)
	defer resp.Body.Close()
	assert.Equal(t, http.StatusNotFound, resp.StatusCode)
}

func TestHealthEndpoints(t *testing.T) {
	_, ts := newTestServer(t, "")

	resp, err := http.Get(ts.URL + "/health")
	require.NoError(t, err)
	defer resp.Body.Close()
	require.Equal(t, http.StatusOK, resp.StatusCode)

	var out map[string]interface{}
	require.NoError(t, json.NewDecoder(resp.Body).Decode(&out))
	assert.Equal(t, "healthy", out["status"])
	assert.Contains(t, out, "ku_count")
	assert.Contains(t, out, "db_read_ms")
	assert.Contains(t, out, "db_write_ms")
	assert.Contains(t, out, "queue_len")

	ready, err := http.Get(ts.URL + "/ready")
	require.NoError(t, err)
	defer ready.Body.Close()
	assert.Equal(t, http.StatusOK, ready.StatusCode)

	live, err := http.Get(ts.URL + "/live")
	require.NoError(t, err)
	defer live.Body.Close()
	assert.Equal(t, http.StatusNoContent, live.StatusCode)
}

func TestMetricsEndpoint(t *testing.T) {
	_, ts := newTestServer(t, "")
	postPublish(t, ts, `{"ku":`+validNote("metric")+`}`)

	resp, err := http.Get(ts.URL + "/metrics")
	require.NoError(t, err)
	defer resp.Body.Close()
	require.Equal(t, http.StatusOK, resp.StatusCode)

	var snap map[string]interface{}
	require.NoError(t, json.NewDecoder(resp.Body).Decode(&snap))
	counters := snap["counters"].(map[string]interface{})
	assert.Equal(t, float64(1), counters["http_publish_count"])

	prom, err := http.Get(ts.URL + "/metrics?format=prom")
	require.NoError(t, err)
	defer prom.Body.Close()
	require.Equal(t, http.StatusOK, prom.StatusCode)
	assert.Contains(t, prom.Header.Get("Content-Type"), "text/plain")
}

func TestConsistencyEndpoint(t *testing.T) {
	_, ts := newTestServer(t, "")
	postPublish(t, ts, `{"ku":`+validNote("consistent")+`}`)

	resp, err := http.Get(ts.URL + "/admin/consistency")
	require.NoError(t, err)
	defer resp.Body.Close()
	require.Equal(t, http.StatusOK, resp.StatusCode)

	var out map[string]interface{}
	require.NoError(t, json.NewDecoder(resp.Body).Decode(&out))
	assert.Equal(t, float64(1), out["total_db"])
	assert.Equal(t, float64(1), out["total_fs"])
	assert.Equal(t, float64(0), out["mismatches"])
}

func TestTrustReloadEndpoint(t *testing.T) {
	_, ts := newTestServer(t, `{"mode":"warn","allow":[],"revoke":[],"keys":{}}`)

	resp, err := http.Post(ts.URL+"/trust/reload", "application/json", bytes.NewBufferString(`{}`))
	require.NoError(t, err)
	defer resp.Body.Close()
	require.Equal(t, http.StatusOK, resp.StatusCode)

	var out map[string]bool
	require.NoError(t, json.NewDecoder(resp.Body).Decode(&out))
	assert.True(t, out["reloaded"])
}

func TestRotationAttestationViaPublish(t *testing.T) {
	prevPub, prevPriv, err := signing.GenerateKeypair()
	require.NoError(t, err)
	prevKeyID, err := signing.KeyID(prevPub)
	require.NoError(t, err)
	prevPEM, err := signing.EncodePublicKeyPEM(prevPub)
	require.NoError(t, err)

	s, ts := newTestServer(t, `{"mode":"enforce","allow":["`+prevKeyID+`"],"revoke":[],"keys":{}}`)

	payload := map[string]interface{}{
		"prev_key_id":  prevKeyID,
		"new_key_id":   "rotated-key",
		"reason":       "compromised",
		"ts":           "2026-08-24T00:00:00Z",
		"prev_pub_pem": prevPEM,
	}
	canonical, err := ku.CanonicalPayloadBytes(payload)
	require.NoError(t, err)
	payload["prev_sig"] = base64.RawURLEncoding.EncodeToString(ed25519.Sign(prevPriv, canonical))

	doc := map[string]interface{}{
		"schema_id":    "ku.v1",
		"type":         "ku.attestation.rotate_key",
		"content_type": "application/json",
		"payload":      payload,
		"parents":      []string{},
		"sources":      []interface{}{},
		"tests":        []interface{}{},
		"provenance":   map[string]interface{}{"agent_id": "rotator"},
		"tags":         []string{},
	}
	raw, err := json.Marshal(map[string]interface{}{"ku": doc})
	require.NoError(t, err)

	resp, out := postPublish(t, ts, string(raw))
	require.Equal(t, http.StatusOK, resp.StatusCode)
	assert.Equal(t, true, out["stored"])

	assert.True(t, s.trust.IsTrusted("rotated-key").Trusted)
	assert.Equal(t, "revoked", s.trust.IsTrusted(prevKeyID).Reason)
}
