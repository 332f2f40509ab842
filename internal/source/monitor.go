// Package source subscribes to the program's WebSocket event stream and hands
// every decodable event to the job queue.
package source

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"sync/atomic"
	"time"

	"github.com/google/uuid"
	"github.com/gorilla/websocket"

	"github.com/arxpredict/marketmirror/internal/domain"
)

const (
	// writeWait is the time allowed to write a message to the peer.
	writeWait = 10 * time.Second

	// pongWait is the time allowed to read the next pong message from the peer.
	pongWait = 60 * time.Second

	// pingPeriod sends pings to the peer at this interval. Must be less than pongWait.
	pingPeriod = (pongWait * 9) / 10

	// reconnectDelay is the base delay before attempting to reconnect.
	reconnectDelay = 2 * time.Second

	// maxReconnectDelay caps the exponential backoff for reconnection.
	maxReconnectDelay = 60 * time.Second

	// enqueueTimeout bounds the handoff of one event to the queue. Capture
	// must never stall behind a slow Redis; a timed-out event is lost to
	// the stream and recovered later by a snapshot upsert.
	enqueueTimeout = 5 * time.Second
)

// Status is a point-in-time health snapshot of the monitor. Listeners holds
// the subscribed event kind names while a stream session is live and is
// empty between sessions.
type Status struct {
	Running       bool     `json:"running"`
	Listeners     []string `json:"listeners"`
	UnknownEvents int64    `json:"unknownEvents"`
}

// Monitor maintains the event stream subscription and enqueues one job per
// received event. Delivery to the queue is fire-and-forget: enqueue failures
// are logged and the stream keeps flowing.
type Monitor struct {
	wsURL     string
	programID string
	queue     domain.Enqueuer
	logger    *slog.Logger

	running      atomic.Bool
	listening    atomic.Bool
	unknownKinds atomic.Int64
}

// NewMonitor creates a monitor for the given stream endpoint and program.
func NewMonitor(wsURL, programID string, queue domain.Enqueuer, logger *slog.Logger) *Monitor {
	return &Monitor{
		wsURL:     wsURL,
		programID: programID,
		queue:     queue,
		logger:    logger.With("component", "event_monitor"),
	}
}

// Run connects, subscribes, and pumps events until ctx is cancelled.
// Disconnects trigger reconnection with exponential backoff; the backoff
// resets after each established session.
func (m *Monitor) Run(ctx context.Context) error {
	m.running.Store(true)
	defer m.running.Store(false)

	delay := reconnectDelay
	for {
		err := m.session(ctx)
		if ctx.Err() != nil {
			return nil
		}
		m.logger.Warn("event stream disconnected, reconnecting",
			"delay", delay, "error", err)

		select {
		case <-ctx.Done():
			return nil
		case <-time.After(delay):
		}
		delay *= 2
		if delay > maxReconnectDelay {
			delay = maxReconnectDelay
		}
	}
}

// subscribeCommand is the stream subscription request.
type subscribeCommand struct {
	Type    string   `json:"type"`
	Program string   `json:"program"`
	Events  []string `json:"events"`
}

// eventEnvelope is the outer shape of one stream message.
type eventEnvelope struct {
	Event   string          `json:"event"`
	Payload json.RawMessage `json:"payload"`
}

// session runs one connection: dial, subscribe, then read until failure.
func (m *Monitor) session(ctx context.Context) error {
	dialer := websocket.Dialer{HandshakeTimeout: 15 * time.Second}
	conn, _, err := dialer.DialContext(ctx, m.wsURL, nil)
	if err != nil {
		return fmt.Errorf("source: connect %s: %w", m.wsURL, err)
	}
	defer conn.Close()

	conn.SetReadDeadline(time.Now().Add(pongWait))
	conn.SetPongHandler(func(string) error {
		conn.SetReadDeadline(time.Now().Add(pongWait))
		return nil
	})

	kinds := domain.EventKinds()
	names := make([]string, len(kinds))
	for i, k := range kinds {
		names[i] = string(k)
	}
	conn.SetWriteDeadline(time.Now().Add(writeWait))
	if err := conn.WriteJSON(subscribeCommand{
		Type:    "subscribe",
		Program: m.programID,
		Events:  names,
	}); err != nil {
		return fmt.Errorf("source: subscribe: %w", err)
	}

	m.logger.Info("event stream subscribed", "events", len(names))
	m.listening.Store(true)
	defer m.listening.Store(false)

	// Close the connection when ctx ends so ReadMessage unblocks, and keep
	// the peer alive with periodic pings meanwhile.
	pingDone := make(chan struct{})
	defer close(pingDone)
	go func() {
		ticker := time.NewTicker(pingPeriod)
		defer ticker.Stop()
		for {
			select {
			case <-ctx.Done():
				_ = conn.WriteMessage(
					websocket.CloseMessage,
					websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""),
				)
				_ = conn.Close()
				return
			case <-pingDone:
				return
			case <-ticker.C:
				conn.SetWriteDeadline(time.Now().Add(writeWait))
				if err := conn.WriteMessage(websocket.PingMessage, nil); err != nil {
					return
				}
			}
		}
	}()

	for {
		_, message, err := conn.ReadMessage()
		if err != nil {
			if ctx.Err() != nil {
				return ctx.Err()
			}
			return fmt.Errorf("source: %w: %v", domain.ErrWSDisconnect, err)
		}
		m.handleMessage(ctx, message)
	}
}

// handleMessage validates one stream message and enqueues a capture job.
func (m *Monitor) handleMessage(ctx context.Context, raw []byte) {
	var env eventEnvelope
	if err := json.Unmarshal(raw, &env); err != nil {
		m.logger.Warn("dropping unparseable stream message", "error", err)
		return
	}
	if env.Event == "" {
		// Subscription acks and heartbeats carry no event field.
		return
	}

	kind := domain.EventKind(env.Event)
	if !kind.Valid() {
		m.unknownKinds.Add(1)
		m.logger.Warn("dropping unknown event kind", "kind", env.Event)
		return
	}

	job := domain.QueueJob{
		ID:         uuid.NewString(),
		Kind:       kind,
		OccurredAt: time.Now().UTC(),
		Payload:    env.Payload,
	}

	enqCtx, cancel := context.WithTimeout(ctx, enqueueTimeout)
	defer cancel()
	if err := m.queue.Enqueue(enqCtx, job); err != nil {
		m.logger.Error("enqueue failed, event lost to stream",
			"job_id", job.ID, "kind", kind, "error", err)
	}
}

// Status reports whether the monitor loop is running and, while subscribed,
// which event kinds it listens for.
func (m *Monitor) Status() Status {
	s := Status{
		Running:       m.running.Load(),
		UnknownEvents: m.unknownKinds.Load(),
	}
	if m.listening.Load() {
		for _, k := range domain.EventKinds() {
			s.Listeners = append(s.Listeners, string(k))
		}
	}
	return s
}
