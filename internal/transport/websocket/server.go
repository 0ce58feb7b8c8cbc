// Package websocket provides WebSocket-based push delivery for fifogate.
//
// Allow-listed consumers open a WebSocket connection to:
//
//	GET /api/deliver/ws
//
// The server polls the queue and pushes every available item, oldest first.
// Each frame is written inside the delivery transaction: if the write fails
// the removal is rolled back and the item stays queued for the next consumer.
// The write holds the queue lock, so it is bounded by WriteTimeout and a
// failed write ends the session.
//
// Server → client frame:
//
//	{"type":"item","id":42,"data":"..."}
//
// The client sends nothing; closing the connection ends the session.
package websocket

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"net/url"
	"time"

	gorillaws "github.com/gorilla/websocket"

	"github.com/snehjoshi/fifogate/internal/gateway"
)

const (
	defaultPollInterval = 200 * time.Millisecond
	defaultWriteTimeout = 250 * time.Millisecond
)

var upgrader = gorillaws.Upgrader{
	// CheckOrigin rejects cross-origin upgrade requests. Requests without an
	// Origin header (native clients, curl) are allowed.
	CheckOrigin: func(r *http.Request) bool {
		origin := r.Header.Get("Origin")
		if origin == "" {
			return true
		}
		host, err := parseHost(origin)
		if err != nil {
			return false
		}
		return host == r.Host
	},
	ReadBufferSize:  1024,
	WriteBufferSize: 4096,
}

// parseHost returns the host:port (or just host) portion of a URL string.
func parseHost(rawURL string) (string, error) {
	u, err := url.Parse(rawURL)
	if err != nil || u.Host == "" {
		return "", fmt.Errorf("invalid origin %q", rawURL)
	}
	return u.Host, nil
}

// Handler serves the push-delivery endpoint.
type Handler struct {
	Gateway *gateway.Service
	// CallerAddr resolves the address checked against the allow-list.
	// Defaults to r.RemoteAddr.
	CallerAddr func(*http.Request) string
	// PollInterval is the wait between drains of an empty queue.
	PollInterval time.Duration
	// WriteTimeout bounds one frame write, which runs inside the delivery
	// transaction.
	WriteTimeout time.Duration
}

// serverFrame is the JSON structure the server sends to the client.
type serverFrame struct {
	Type string `json:"type"` // "item"
	ID   int64  `json:"id"`
	Data string `json:"data"`
}

// ServeHTTP checks the allow-list, upgrades the connection and starts the
// push loop.
func (h *Handler) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	caller := r.RemoteAddr
	if h.CallerAddr != nil {
		caller = h.CallerAddr(r)
	}
	if !h.Gateway.AllowDeliver(caller) {
		slog.Warn("websocket delivery denied", "caller", caller)
		w.Header().Set("Content-Type", "application/json")
		w.WriteHeader(http.StatusForbidden)
		_, _ = w.Write([]byte(`{"status":"error","message":"Forbidden: Access is denied."}` + "\n"))
		return
	}

	conn, err := upgrader.Upgrade(w, r, nil)
	if err != nil {
		slog.Warn("websocket upgrade failed", "err", err)
		return
	}
	defer conn.Close()
	// Hijacked conns keep the http.Server read deadline.
	_ = conn.SetReadDeadline(time.Time{})

	// The session ends when the client closes or the server shuts down.
	ctx, cancel := context.WithCancel(r.Context())
	defer cancel()
	go func() {
		defer cancel()
		for {
			if _, _, err := conn.ReadMessage(); err != nil {
				return
			}
		}
	}()

	interval := h.PollInterval
	if interval <= 0 {
		interval = defaultPollInterval
	}
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	writeTimeout := h.WriteTimeout
	if writeTimeout <= 0 {
		writeTimeout = defaultWriteTimeout
	}

	for {
		if err := h.drain(ctx, conn, caller, writeTimeout); err != nil {
			slog.Debug("websocket session ended", "caller", caller, "err", err)
			return
		}
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
		}
	}
}

// drain pushes items until the queue is empty. It returns nil when the queue
// is drained or the store is briefly unavailable, and an error when the
// session should end.
func (h *Handler) drain(ctx context.Context, conn *gorillaws.Conn, caller string, writeTimeout time.Duration) error {
	for {
		_, err := h.Gateway.Push(ctx, caller, func(d gateway.Delivery) error {
			data, err := json.Marshal(serverFrame{Type: "item", ID: d.ID, Data: string(d.Data)})
			if err != nil {
				return err
			}
			_ = conn.SetWriteDeadline(time.Now().Add(writeTimeout))
			return conn.WriteMessage(gorillaws.TextMessage, data)
		})
		switch {
		case err == nil:
		case errors.Is(err, gateway.ErrNotFound):
			return nil
		case errors.Is(err, gateway.ErrAborted):
			// A timed-out or failed write leaves the connection unusable.
			slog.Warn("websocket push aborted, closing session", "caller", caller, "err", err)
			return err
		case errors.Is(err, gateway.ErrStoreUnavailable) && ctx.Err() == nil:
			slog.Warn("websocket push failed", "caller", caller, "err", err)
			return nil
		default:
			return err
		}
	}
}
