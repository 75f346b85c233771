// Package peer relays Knowledge Units between daemons. A relay is just a
// durable WebSocket subscriber on a remote daemon's /events stream that
// republishes every received KU through the local ingest pipeline. The
// local store's "enqueue iff stored" rule breaks rebroadcast cycles, so
// two daemons may relay from each other safely.
package peer

import (
	"context"
	"encoding/json"
	"net/url"
	"strings"
	"sync"
	"time"

	"github.com/gorilla/websocket"
	"go.uber.org/zap"

	"github.com/JoyciAkira/sgn-core-sub001/errors"
	"github.com/JoyciAkira/sgn-core-sub001/server"
)

const (
	dialTimeout  = 10 * time.Second
	writeTimeout = 5 * time.Second
	readTimeout  = 90 * time.Second
	pingPeriod   = 30 * time.Second

	reconnectMin = time.Second
	reconnectMax = time.Minute
)

// Publisher is the slice of the local daemon a relay needs.
type Publisher interface {
	Publish(ctx context.Context, raw []byte, verify bool, pubPEM string) (*server.PublishResult, *server.APIError)
}

// Relay maintains one subscription to a remote daemon.
type Relay struct {
	name         string // peer name from config, for logs
	remoteURL    string // ws URL of the remote /events endpoint
	subscriberID string // durable id this daemon uses on the remote
	publisher    Publisher
	logger       *zap.SugaredLogger

	writeMu sync.Mutex // gorilla conns forbid concurrent writers
}

type frame struct {
	Type string          `json:"type"`
	CID  string          `json:"cid,omitempty"`
	KU   json.RawMessage `json:"ku,omitempty"`
	TS   int64           `json:"ts,omitempty"`
}

// New builds a relay for one configured peer. base is the peer's HTTP
// base URL (e.g. "http://host:8787"); subscriberID should be stable
// across restarts so the remote cursor survives reconnects.
func New(name, base, subscriberID string, publisher Publisher, logger *zap.SugaredLogger) (*Relay, error) {
	remote, err := eventsURL(base, subscriberID)
	if err != nil {
		return nil, err
	}
	return &Relay{
		name:         name,
		remoteURL:    remote,
		subscriberID: subscriberID,
		publisher:    publisher,
		logger:       logger,
	}, nil
}

func eventsURL(base, subscriberID string) (string, error) {
	u, err := url.Parse(base)
	if err != nil {
		return "", errors.Wrapf(err, "invalid peer URL %q", base)
	}
	switch u.Scheme {
	case "http", "ws":
		u.Scheme = "ws"
	case "https", "wss":
		u.Scheme = "wss"
	default:
		return "", errors.Newf("unsupported peer URL scheme %q", u.Scheme)
	}
	u.Path = strings.TrimSuffix(u.Path, "/") + "/events"
	q := u.Query()
	q.Set("id", subscriberID)
	u.RawQuery = q.Encode()
	return u.String(), nil
}

// Run connects and relays until ctx is cancelled, reconnecting with
// exponential backoff on any failure.
func (r *Relay) Run(ctx context.Context) {
	backoff := reconnectMin
	for {
		if err := r.session(ctx); err != nil {
			if ctx.Err() != nil {
				return
			}
			r.logger.Warnw("Peer session ended, reconnecting",
				"peer", r.name,
				"backoff", backoff.String(),
				"error", err.Error(),
			)
		}

		select {
		case <-ctx.Done():
			return
		case <-time.After(backoff):
		}
		backoff *= 2
		if backoff > reconnectMax {
			backoff = reconnectMax
		}
	}
}

// session runs one connection: dial, then read frames until an error.
func (r *Relay) session(ctx context.Context) error {
	dialer := websocket.Dialer{HandshakeTimeout: dialTimeout}
	conn, _, err := dialer.DialContext(ctx, r.remoteURL, nil)
	if err != nil {
		return errors.Wrapf(err, "failed to dial peer %s", r.name)
	}
	defer conn.Close()

	r.logger.Infow("Connected to peer", "peer", r.name, "url", r.remoteURL)

	// Close the connection when ctx is cancelled to unblock ReadMessage.
	done := make(chan struct{})
	defer close(done)
	go func() {
		select {
		case <-ctx.Done():
			conn.Close()
		case <-done:
		}
	}()

	// Keepalive pings reset the remote's idle read timeout during quiet
	// stretches with no KUs to ACK.
	go r.pingLoop(ctx, conn, done)

	conn.SetReadDeadline(time.Now().Add(readTimeout))
	for {
		_, raw, err := conn.ReadMessage()
		if err != nil {
			return errors.Wrapf(err, "peer %s read failed", r.name)
		}
		conn.SetReadDeadline(time.Now().Add(readTimeout))

		var f frame
		if err := json.Unmarshal(raw, &f); err != nil {
			r.logger.Warnw("Malformed peer frame", "peer", r.name, "error", err.Error())
			continue
		}

		switch f.Type {
		case "ku":
			r.handleKU(ctx, conn, f)
		case "health":
			// Heartbeat; the read deadline reset above is all it's for
		default:
			r.logger.Debugw("Unknown peer frame type", "peer", r.name, "type", f.Type)
		}
	}
}

// handleKU republishes a relayed KU locally and ACKs it on success. A
// failed local publish leaves the frame unacked so the remote redelivers.
func (r *Relay) handleKU(ctx context.Context, conn *websocket.Conn, f frame) {
	if f.CID == "" || len(f.KU) == 0 {
		r.logger.Warnw("Peer ku frame missing cid or body", "peer", r.name)
		return
	}

	res, apiErr := r.publisher.Publish(ctx, f.KU, false, "")
	if apiErr != nil {
		r.logger.Warnw("Failed to republish relayed KU",
			"peer", r.name,
			"cid", f.CID,
			"error", apiErr.Code,
		)
		return
	}

	if res.CID != f.CID {
		// The remote's CID should always match ours; a mismatch means the
		// canonicalizations diverge and is worth a loud log.
		r.logger.Errorw("Relayed KU CID mismatch",
			"peer", r.name,
			"remote_cid", f.CID,
			"local_cid", res.CID,
		)
	}

	if err := r.write(conn, frame{Type: "ack", CID: f.CID}); err != nil {
		r.logger.Warnw("Failed to ACK relayed KU", "peer", r.name, "cid", f.CID, "error", err.Error())
	}
}

func (r *Relay) pingLoop(ctx context.Context, conn *websocket.Conn, done chan struct{}) {
	ticker := time.NewTicker(pingPeriod)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-done:
			return
		case <-ticker.C:
			if err := r.write(conn, frame{Type: "ping"}); err != nil {
				return
			}
		}
	}
}

func (r *Relay) write(conn *websocket.Conn, f frame) error {
	r.writeMu.Lock()
	defer r.writeMu.Unlock()
	conn.SetWriteDeadline(time.Now().Add(writeTimeout))
	return conn.WriteJSON(f)
}
