package server

import (
	"context"
	"time"

	"github.com/JoyciAkira/sgn-core-sub001/ku"
	"github.com/JoyciAkira/sgn-core-sub001/metrics"
	"github.com/JoyciAkira/sgn-core-sub001/signing"
	"github.com/JoyciAkira/sgn-core-sub001/trust"
)

// Canonicalizing a KU is CPU-bound; documents above this size run on a
// separate goroutine so a large publish cannot monopolize an HTTP worker.
const largeKUThreshold = 256 * 1024

// APIError is a publish-pipeline failure destined for an HTTP response.
type APIError struct {
	Status  int      `json:"-"`
	Code    string   `json:"error"`
	Reason  string   `json:"reason,omitempty"`
	Details []string `json:"details,omitempty"`
}

// PublishResult is the success body of a publish.
type PublishResult struct {
	CID          string `json:"cid"`
	Stored       bool   `json:"stored"`
	Enqueued     bool   `json:"enqueued"`
	Deduplicated bool   `json:"deduplicated,omitempty"`
	Trusted      *bool  `json:"trusted,omitempty"`
}

// Publish runs the full ingest pipeline on a raw KU document:
// validate, optionally verify signature and trust policy, canonicalize
// to a CID, dedup, persist + enqueue in one transaction, then wake the
// fan-out. The caller has already established that raw is valid JSON.
func (s *Server) Publish(ctx context.Context, raw []byte, verify bool, pubPEM string) (*PublishResult, *APIError) {
	if details := ku.Validate(raw); len(details) > 0 {
		return nil, &APIError{Status: 400, Code: "invalid_ku", Details: details}
	}

	var trusted *bool
	if verify {
		t, apiErr := s.verifyForPublish(raw, pubPEM)
		if apiErr != nil {
			return nil, apiErr
		}
		trusted = t
	}

	cid, err := s.computeCID(raw)
	if err != nil {
		s.logger.Errorw("Failed to compute CID", "error", err)
		return nil, &APIError{Status: 400, Code: "invalid_ku", Details: []string{err.Error()}}
	}

	// Seen-cache fast path. Entries are only added after a durable store,
	// so a hit means the KU row exists and must not be re-enqueued.
	if s.seen.HasSeen(cid) {
		s.metrics.IncDeduplicated()
		return &PublishResult{CID: cid, Deduplicated: true, Trusted: trusted}, nil
	}

	start := time.Now()
	res, err := s.store.Put(ctx, cid, raw)
	s.metrics.Observe(metrics.StageDBWrite, time.Since(start))
	if err != nil {
		s.logger.Errorw("Failed to store KU", "cid", cid, "error", err)
		return nil, &APIError{Status: 500, Code: "storage"}
	}

	s.seen.MarkSeen(cid)

	if !res.Stored {
		s.metrics.IncDeduplicated()
		return &PublishResult{CID: cid, Deduplicated: true, Trusted: trusted}, nil
	}

	s.metrics.IncStored()
	s.processAttestation(raw, cid)
	s.notifySubscribers()

	s.logger.Infow("KU published", "cid", cid, "seq", res.Seq, "size", len(raw))
	return &PublishResult{CID: cid, Stored: true, Enqueued: true, Trusted: trusted}, nil
}

// verifyForPublish checks the signature against the supplied public key
// and applies the trust policy. Enforce-mode rejections become a 403;
// warn-mode rejections pass through with trusted=false.
func (s *Server) verifyForPublish(raw []byte, pubPEM string) (*bool, *APIError) {
	if pubPEM == "" {
		return nil, &APIError{Status: 400, Code: "bad_signature", Reason: "missing pub_pem"}
	}
	pub, err := signing.DecodePublicKeyPEM(pubPEM)
	if err != nil {
		return nil, &APIError{Status: 400, Code: "bad_signature", Reason: "invalid pub_pem"}
	}

	if err := signing.Verify(raw, pub); err != nil {
		return nil, &APIError{Status: 400, Code: "bad_signature", Reason: signing.Reason(err)}
	}

	keyID, err := signing.KeyID(pub)
	if err != nil {
		return nil, &APIError{Status: 400, Code: "bad_signature", Reason: "invalid public key"}
	}

	decision := s.trust.IsTrusted(keyID)
	if decision.Trusted {
		t := true
		return &t, nil
	}

	if s.trust.Mode() == trust.ModeEnforce {
		return nil, &APIError{Status: 403, Code: "untrusted_key", Reason: decision.Reason}
	}

	s.logger.Warnw("Accepting KU from untrusted key (warn mode)",
		"key_id", keyID,
		"reason", decision.Reason,
	)
	t := false
	return &t, nil
}

// computeCID canonicalizes inline for typical KUs and on a worker
// goroutine for oversized ones.
func (s *Server) computeCID(raw []byte) (string, error) {
	if len(raw) <= largeKUThreshold {
		return ku.CID(raw)
	}

	type cidResult struct {
		cid string
		err error
	}
	ch := make(chan cidResult, 1)
	go func() {
		c, err := ku.CID(raw)
		ch <- cidResult{c, err}
	}()
	r := <-ch
	return r.cid, r.err
}

// processAttestation applies key-rotation attestations to the trust
// store. Attestation failures never fail the publish; the KU is already
// durable and relayed regardless.
func (s *Server) processAttestation(raw []byte, cid string) {
	k, err := ku.Parse(raw)
	if err != nil || k.Type != ku.TypeRotateKeyAtt {
		return
	}
	if err := trust.ProcessRotation(s.trust, k.Payload); err != nil {
		s.logger.Warnw("Rotation attestation rejected", "cid", cid, "error", err)
		return
	}
	s.logger.Infow("Key rotation applied", "cid", cid)
}
