package server

import (
	"context"
	"encoding/json"
	"sync"
	"time"

	"github.com/gorilla/websocket"
)

// WebSocket timing constants. Heartbeats ride the delivery goroutine's
// ticker so a subscriber stuck mid-ACK still sees them; the read side
// tolerates 90 s of silence before the connection is considered dead.
const (
	// Per-frame write timeout; exceeding it drops the subscriber
	writeWait = 5 * time.Second

	// Idle read timeout, reset by any inbound frame (ack or ping)
	idleReadTimeout = 90 * time.Second

	// Heartbeat interval, independent of KU delivery progress
	heartbeatPeriod = 5 * time.Second

	// Upper bound on sent-but-unacked frames before delivery pauses
	maxInFlight = 256

	// Outbox rows fetched per delivery round
	deliveryBatch = 64

	// Cap on historical replay rows for a reconnecting subscriber
	replayCap = 10000

	// Fallback poll interval in case a wake signal is missed
	pollInterval = time.Second

	// Maximum inbound frame size; ack/ping frames are tiny
	maxMessageSize = 64 * 1024
)

// Server→client frames.
type kuFrame struct {
	Type string          `json:"type"` // "ku"
	CID  string          `json:"cid"`
	KU   json.RawMessage `json:"ku"`
}

type healthFrame struct {
	Type string `json:"type"` // "health"
	TS   int64  `json:"ts"`   // unix millis
}

// Client→server frames.
type inboundFrame struct {
	Type string `json:"type"` // "ack" | "ping"
	CID  string `json:"cid,omitempty"`
}

// Subscriber is one WebSocket client of /events. The delivery goroutine
// owns all connection writes; the read goroutine owns reads and mutates
// only the ACK accounting under mu.
type Subscriber struct {
	server *Server
	conn   *websocket.Conn
	id     string

	// durable is true when the client supplied its own subscriber id,
	// binding a persisted cursor row.
	durable  bool
	startSeq int64

	wake chan struct{}

	mu       sync.Mutex
	inflight map[string]int64 // cid → seq, sent but not yet acked
	pending  []int64          // sent seqs in send order (ascending)
	acked    map[int64]bool   // acked seqs not yet contiguous with the cursor
	cursor   int64            // highest contiguous acked seq
	lastSent int64            // highest seq handed to the connection

	closeOnce sync.Once
	done      chan struct{}
}

func newSubscriber(s *Server, conn *websocket.Conn, id string, durable bool, startSeq int64) *Subscriber {
	return &Subscriber{
		server:   s,
		conn:     conn,
		id:       id,
		durable:  durable,
		startSeq: startSeq,
		wake:     make(chan struct{}, 1),
		inflight: make(map[string]int64),
		acked:    make(map[int64]bool),
		cursor:   startSeq,
		lastSent: startSeq,
		done:     make(chan struct{}),
	}
}

// readPump consumes ack and ping frames. Any frame resets the idle
// deadline; a read error unregisters the subscriber.
func (sub *Subscriber) readPump() {
	defer func() {
		// After shutdown the hub loop is gone; don't block on its channel.
		select {
		case sub.server.unregister <- sub:
		case <-sub.server.ctx.Done():
			sub.close()
		}
	}()

	sub.conn.SetReadLimit(maxMessageSize)
	sub.conn.SetReadDeadline(time.Now().Add(idleReadTimeout))
	sub.conn.SetPongHandler(func(string) error {
		sub.conn.SetReadDeadline(time.Now().Add(idleReadTimeout))
		return nil
	})

	for {
		_, raw, err := sub.conn.ReadMessage()
		if err != nil {
			if websocket.IsUnexpectedCloseError(err,
				websocket.CloseGoingAway,
				websocket.CloseAbnormalClosure,
				websocket.CloseNoStatusReceived,
			) {
				sub.server.logger.Warnw("Subscriber read error",
					"subscriber_id", sub.id,
					"error", err.Error(),
				)
			}
			return
		}
		sub.conn.SetReadDeadline(time.Now().Add(idleReadTimeout))

		var frame inboundFrame
		if err := json.Unmarshal(raw, &frame); err != nil {
			sub.server.logger.Warnw("Malformed subscriber frame",
				"subscriber_id", sub.id,
				"error", err.Error(),
			)
			continue
		}

		switch frame.Type {
		case "ack":
			sub.handleAck(frame.CID)
		case "ping":
			// Deadline already reset above
		default:
			sub.server.logger.Debugw("Unknown subscriber frame type",
				"type", frame.Type,
				"subscriber_id", sub.id,
			)
		}
	}
}

// handleAck retires an in-flight frame. ACKs may arrive out of order; the
// cursor only advances across the contiguous acked prefix of sent seqs.
func (sub *Subscriber) handleAck(cid string) {
	sub.mu.Lock()
	seq, ok := sub.inflight[cid]
	if !ok {
		sub.mu.Unlock()
		// Duplicate or stale ACK — harmless under at-least-once delivery
		return
	}
	delete(sub.inflight, cid)
	sub.acked[seq] = true

	advanced := sub.advanceLocked()
	cursor := sub.cursor
	sub.mu.Unlock()

	sub.server.metrics.IncAcked()

	if advanced && sub.durable {
		if err := sub.server.store.AdvanceCursor(context.Background(), sub.id, cursor); err != nil {
			sub.server.logger.Warnw("Failed to persist subscriber cursor",
				"subscriber_id", sub.id,
				"cursor", cursor,
				"error", err,
			)
		}
	}

	// ACKs drain the in-flight window; wake delivery in case it paused
	select {
	case sub.wake <- struct{}{}:
	default:
	}
}

// advanceLocked moves the cursor across the contiguous acked prefix of
// sent seqs. Caller holds sub.mu. Reports whether the cursor moved.
func (sub *Subscriber) advanceLocked() bool {
	advanced := false
	for len(sub.pending) > 0 && sub.acked[sub.pending[0]] {
		sub.cursor = sub.pending[0]
		delete(sub.acked, sub.pending[0])
		sub.pending = sub.pending[1:]
		advanced = true
	}
	return advanced
}

// deliverPump owns the write side: outbox rows in seq order, plus
// heartbeats on an independent ticker. One slow subscriber only stalls
// its own deliveries — heartbeats and other subscribers are unaffected.
func (sub *Subscriber) deliverPump() {
	heartbeat := time.NewTicker(heartbeatPeriod)
	poll := time.NewTicker(pollInterval)
	defer func() {
		heartbeat.Stop()
		poll.Stop()
		sub.conn.Close()
	}()

	// Initial drain covers rows enqueued before this subscriber connected
	// (historical replay) without waiting for a publish to wake us.
	if !sub.deliverBatch() {
		return
	}

	for {
		select {
		case <-sub.server.ctx.Done():
			return
		case <-sub.done:
			return
		case <-heartbeat.C:
			sub.conn.SetWriteDeadline(time.Now().Add(writeWait))
			if err := sub.conn.WriteJSON(healthFrame{Type: "health", TS: time.Now().UnixMilli()}); err != nil {
				sub.server.logger.Debugw("Heartbeat write failed, dropping subscriber",
					"subscriber_id", sub.id,
					"error", err.Error(),
				)
				return
			}
		case <-sub.wake:
			if !sub.deliverBatch() {
				return
			}
		case <-poll.C:
			if !sub.deliverBatch() {
				return
			}
		}
	}
}

// deliverBatch sends pending outbox rows until the fetch runs dry or the
// in-flight window fills. Returns false when the connection is dead.
func (sub *Subscriber) deliverBatch() bool {
	for {
		sub.mu.Lock()
		inflightLen := len(sub.inflight)
		after := sub.lastSent
		sub.mu.Unlock()

		if inflightLen >= maxInFlight {
			// Backpressure: pause until ACKs drain (handleAck wakes us)
			return true
		}

		limit := deliveryBatch
		if room := maxInFlight - inflightLen; room < limit {
			limit = room
		}

		rows, err := sub.server.store.FetchAfter(sub.server.ctx, after, limit)
		if err != nil {
			sub.server.logger.Errorw("Failed to fetch outbox rows",
				"subscriber_id", sub.id,
				"after", after,
				"error", err,
			)
			return true // transient DB error; retry on next wake/poll
		}
		if len(rows) == 0 {
			return true
		}

		for _, row := range rows {
			body, err := sub.server.store.Get(sub.server.ctx, row.CID)
			if err != nil {
				// Outbox row without a KU row should be impossible given
				// the single-transaction put; skip rather than wedge.
				sub.server.logger.Errorw("Outbox row has no KU",
					"cid", row.CID,
					"seq", row.Seq,
					"error", err,
				)
				sub.recordSkipped(row.Seq)
				continue
			}

			// Register in-flight before the write: a fast client can ACK
			// the frame before WriteJSON returns, and that ACK must find
			// the entry.
			sub.recordSent(row.CID, row.Seq)

			sub.conn.SetWriteDeadline(time.Now().Add(writeWait))
			if err := sub.conn.WriteJSON(kuFrame{Type: "ku", CID: row.CID, KU: body}); err != nil {
				sub.dropSent(row.CID, row.Seq)
				sub.server.logger.Warnw("KU write failed, dropping subscriber",
					"subscriber_id", sub.id,
					"cid", row.CID,
					"error", err.Error(),
				)
				return false
			}

			sub.server.metrics.IncDelivered()
		}
	}
}

func (sub *Subscriber) recordSent(cid string, seq int64) {
	sub.mu.Lock()
	sub.inflight[cid] = seq
	sub.pending = append(sub.pending, seq)
	sub.lastSent = seq
	sub.mu.Unlock()
}

// dropSent rolls back recordSent after a failed write. If the client
// already ACKed the frame the rollback is a no-op for the cursor: the
// ACK proves receipt.
func (sub *Subscriber) dropSent(cid string, seq int64) {
	sub.mu.Lock()
	delete(sub.inflight, cid)
	if n := len(sub.pending); n > 0 && sub.pending[n-1] == seq {
		sub.pending = sub.pending[:n-1]
	}
	delete(sub.acked, seq)
	sub.mu.Unlock()
}

// recordSkipped advances the accounting for a row that will never be
// delivered. No in-flight entry is left behind, so the seq cannot block
// cursor advance waiting for an ACK that will never come.
func (sub *Subscriber) recordSkipped(seq int64) {
	sub.mu.Lock()
	sub.pending = append(sub.pending, seq)
	sub.acked[seq] = true
	advanced := sub.advanceLocked()
	cursor := sub.cursor
	sub.lastSent = seq
	sub.mu.Unlock()

	if advanced && sub.durable {
		if err := sub.server.store.AdvanceCursor(context.Background(), sub.id, cursor); err != nil {
			sub.server.logger.Warnw("Failed to persist subscriber cursor",
				"subscriber_id", sub.id,
				"cursor", cursor,
				"error", err,
			)
		}
	}
}

// close tears down the connection once.
func (sub *Subscriber) close() {
	sub.closeOnce.Do(func() {
		close(sub.done)
		sub.conn.Close()
	})
}
