package server

import (
	"encoding/json"
	"io"
	"net/http"
	"strconv"
	"time"

	"github.com/google/uuid"
	"github.com/gorilla/websocket"

	"github.com/JoyciAkira/sgn-core-sub001/metrics"
	"github.com/JoyciAkira/sgn-core-sub001/signing"
)

// Readiness SLO for the timed DB probes.
const readinessSLO = 250 * time.Millisecond

var upgrader = websocket.Upgrader{
	ReadBufferSize:  4096,
	WriteBufferSize: 4096,
	// Daemons relay from each other cross-origin; origin checks would
	// only break peer subscriptions without adding any protection.
	CheckOrigin: func(r *http.Request) bool { return true },
}

type publishRequest struct {
	KU     json.RawMessage `json:"ku"`
	Verify bool            `json:"verify"`
	PubPEM string          `json:"pub_pem"`
}

func (s *Server) handlePublish(w http.ResponseWriter, r *http.Request) {
	start := time.Now()
	s.metrics.IncHTTPPublish()
	defer func() { s.metrics.Observe(metrics.StageHTTPPublish, time.Since(start)) }()

	body, err := io.ReadAll(r.Body)
	if err != nil {
		writeError(w, http.StatusBadRequest, "bad_json")
		return
	}

	var req publishRequest
	if err := json.Unmarshal(body, &req); err != nil {
		writeError(w, http.StatusBadRequest, "bad_json")
		return
	}
	if len(req.KU) == 0 {
		writeError(w, http.StatusBadRequest, "bad_json")
		return
	}

	// verify=true in the query string overrides the body flag, so peers
	// can force verification without rewrapping the document.
	verify := req.Verify
	if q := r.URL.Query().Get("verify"); q != "" {
		verify = q == "true" || q == "1"
	}

	res, apiErr := s.Publish(r.Context(), req.KU, verify, req.PubPEM)
	if apiErr != nil {
		writeAPIError(w, apiErr)
		return
	}
	writeJSON(w, http.StatusOK, res)
}

type verifyRequest struct {
	KU     json.RawMessage `json:"ku"`
	PubPEM string          `json:"pub_pem"`
}

type verifyResponse struct {
	OK      bool   `json:"ok"`
	Reason  string `json:"reason,omitempty"`
	Trusted bool   `json:"trusted"`
	KeyID   string `json:"key_id,omitempty"`
}

func (s *Server) handleVerify(w http.ResponseWriter, r *http.Request) {
	start := time.Now()
	s.metrics.IncHTTPVerify()
	defer func() { s.metrics.Observe(metrics.StageHTTPVerify, time.Since(start)) }()

	var req verifyRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil || len(req.KU) == 0 {
		writeError(w, http.StatusBadRequest, "bad_json")
		return
	}

	pub, err := signing.DecodePublicKeyPEM(req.PubPEM)
	if err != nil {
		writeError(w, http.StatusBadRequest, "bad_pub_pem")
		return
	}
	keyID, err := signing.KeyID(pub)
	if err != nil {
		writeError(w, http.StatusBadRequest, "bad_pub_pem")
		return
	}

	resp := verifyResponse{KeyID: keyID}
	if err := signing.Verify(req.KU, pub); err != nil {
		resp.Reason = signing.Reason(err)
	} else {
		resp.OK = true
	}
	resp.Trusted = s.trust.IsTrusted(keyID).Trusted

	writeJSON(w, http.StatusOK, resp)
}

func (s *Server) handleGetKU(w http.ResponseWriter, r *http.Request) {
	cid := r.PathValue("cid")
	if cid == "" {
		writeError(w, http.StatusBadRequest, "missing_cid")
		return
	}

	start := time.Now()
	body, err := s.store.Get(r.Context(), cid)
	s.metrics.Observe(metrics.StageDBRead, time.Since(start))
	if err != nil {
		writeError(w, http.StatusNotFound, "not_found")
		return
	}

	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(http.StatusOK)
	w.Write(body)
}

type healthResponse struct {
	Status      string  `json:"status"`
	KUCount     int64   `json:"ku_count"`
	OutboxReady bool    `json:"outbox_ready"`
	WSClients   int     `json:"ws_clients"`
	DBReadMS    float64 `json:"db_read_ms"`
	DBWriteMS   float64 `json:"db_write_ms"`
	QueueLen    int64   `json:"queue_len"`
}

func (s *Server) healthSnapshot(r *http.Request) (healthResponse, bool) {
	ctx := r.Context()
	resp := healthResponse{Status: "healthy", WSClients: s.ClientCount()}
	healthy := true

	if err := s.db.PingContext(ctx); err != nil {
		healthy = false
	}

	count, err := s.store.Count(ctx)
	if err != nil {
		healthy = false
	}
	resp.KUCount = count

	readDur, readErr := s.store.ProbeRead(ctx)
	writeDur, writeErr := s.store.ProbeWrite(ctx)
	resp.DBReadMS = float64(readDur.Microseconds()) / 1000.0
	resp.DBWriteMS = float64(writeDur.Microseconds()) / 1000.0
	if readErr != nil || writeErr != nil || readDur > readinessSLO || writeDur > readinessSLO {
		healthy = false
	}

	qlen, err := s.store.OutboxLen(ctx)
	resp.OutboxReady = err == nil
	resp.QueueLen = qlen
	if err != nil {
		healthy = false
	}

	if !healthy {
		resp.Status = "degraded"
	}
	return resp, healthy
}

func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	resp, _ := s.healthSnapshot(r)
	writeJSON(w, http.StatusOK, resp)
}

func (s *Server) handleReady(w http.ResponseWriter, r *http.Request) {
	resp, healthy := s.healthSnapshot(r)
	status := http.StatusOK
	if !healthy {
		status = http.StatusServiceUnavailable
	}
	writeJSON(w, status, resp)
}

func (s *Server) handleLive(w http.ResponseWriter, r *http.Request) {
	w.WriteHeader(http.StatusNoContent)
}

func (s *Server) handleMetrics(w http.ResponseWriter, r *http.Request) {
	if r.URL.Query().Get("format") == "prom" {
		s.metrics.PrometheusHandler().ServeHTTP(w, r)
		return
	}
	writeJSON(w, http.StatusOK, s.metrics.Snapshot())
}

func (s *Server) handleConsistency(w http.ResponseWriter, r *http.Request) {
	report, err := s.store.Consistency(r.Context())
	if err != nil {
		s.logger.Errorw("Consistency check failed", "error", err)
		writeError(w, http.StatusInternalServerError, "storage")
		return
	}
	writeJSON(w, http.StatusOK, report)
}

func (s *Server) handleTrustReload(w http.ResponseWriter, r *http.Request) {
	if err := s.trust.Reload(); err != nil {
		s.logger.Errorw("Trust reload failed", "error", err)
		writeError(w, http.StatusInternalServerError, "trust_reload_failed")
		return
	}
	writeJSON(w, http.StatusOK, map[string]bool{"reloaded": true})
}

// handleEvents upgrades to WebSocket and registers the subscriber with
// the hub. ?id= binds a durable persisted cursor; ?since= overrides the
// replay start explicitly. Without either the subscriber is ephemeral
// and starts at the current tail.
func (s *Server) handleEvents(w http.ResponseWriter, r *http.Request) {
	id := r.URL.Query().Get("id")
	durable := id != ""
	if !durable {
		id = uuid.NewString()
	}

	startSeq, err := s.resolveStartSeq(r, id, durable)
	if err != nil {
		writeError(w, http.StatusInternalServerError, "storage")
		return
	}

	conn, err := upgrader.Upgrade(w, r, nil)
	if err != nil {
		s.logger.Warnw("WebSocket upgrade failed", "error", err.Error())
		return
	}

	sub := newSubscriber(s, conn, id, durable, startSeq)
	select {
	case s.register <- sub:
	case <-s.ctx.Done():
		conn.Close()
	}
}

// resolveStartSeq picks the replay cursor: explicit ?since= wins, then a
// persisted cursor for durable ids, then the current tail. Replay is
// capped so an ancient cursor cannot demand the full history in one
// session.
func (s *Server) resolveStartSeq(r *http.Request, id string, durable bool) (int64, error) {
	ctx := r.Context()

	tail, err := s.store.MaxSeq(ctx)
	if err != nil {
		return 0, err
	}

	var start int64
	switch {
	case r.URL.Query().Get("since") != "":
		since, perr := strconv.ParseInt(r.URL.Query().Get("since"), 10, 64)
		if perr != nil || since < 0 {
			since = 0
		}
		start = since
	case durable:
		cursor, ok, cerr := s.store.Cursor(ctx, id)
		if cerr != nil {
			return 0, cerr
		}
		if ok {
			start = cursor
		} else {
			start = tail
		}
	default:
		start = tail
	}

	if tail-start > replayCap {
		s.logger.Warnw("Replay window capped",
			"subscriber_id", id,
			"requested_start", start,
			"capped_start", tail-replayCap,
		)
		start = tail - replayCap
	}
	return start, nil
}
