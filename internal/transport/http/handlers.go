package http

import (
	"bytes"
	"encoding/json"
	"errors"
	"log/slog"
	"net/http"
	"time"

	"github.com/snehjoshi/fifogate/internal/gateway"
)

// Handler groups all HTTP request handlers around a gateway.Service.
type Handler struct {
	svc        *gateway.Service
	driver     string
	trustProxy bool
	started    time.Time
}

// ─── DTOs ─────────────────────────────────────────────────────────────────────

type saveReq struct {
	// Data is usually a JSON string. Any other JSON value is stored as its
	// compact JSON text.
	Data json.RawMessage `json:"data"`
}

type saveResp struct {
	Status     string `json:"status"`
	Identifier string `json:"identifier"`
	Message    string `json:"message"`
}

type deliverResp struct {
	ID   int64  `json:"id"`
	Data string `json:"data"`
}

type statusResp struct {
	State    gateway.State `json:"state"`
	Position int64         `json:"position"`
}

type errorResp struct {
	Status  string `json:"status"`
	Message string `json:"message"`
}

type healthResp struct {
	Status string `json:"status"`
	Driver string `json:"driver"`
	Depth  int64  `json:"depth"`
	Uptime string `json:"uptime"`
}

// ─── Health ───────────────────────────────────────────────────────────────────

func (h *Handler) health(w http.ResponseWriter, r *http.Request) {
	depth, err := h.svc.Depth(r.Context())
	if err != nil {
		writeJSON(w, http.StatusServiceUnavailable, healthResp{
			Status: "degraded",
			Driver: h.driver,
			Uptime: time.Since(h.started).Round(time.Second).String(),
		})
		return
	}
	writeJSON(w, http.StatusOK, healthResp{
		Status: "ok",
		Driver: h.driver,
		Depth:  depth,
		Uptime: time.Since(h.started).Round(time.Second).String(),
	})
}

// ─── Enqueue ──────────────────────────────────────────────────────────────────

func (h *Handler) save(w http.ResponseWriter, r *http.Request) {
	var req saveReq
	if !decodeJSON(w, r, &req) {
		return
	}
	payload, ok := payloadBytes(req.Data)
	if !ok {
		writeMessage(w, http.StatusBadRequest, "No data provided")
		return
	}

	identifier, err := h.svc.Enqueue(r.Context(), payload)
	if err != nil {
		writeGatewayError(w, err)
		return
	}
	writeJSON(w, http.StatusAccepted, saveResp{
		Status:     "success",
		Identifier: identifier,
		Message:    "Message enqueued: x_id=" + identifier,
	})
}

// payloadBytes unwraps a JSON string or keeps any other JSON value as
// compact text. null, "" and a missing field are rejected.
func payloadBytes(raw json.RawMessage) ([]byte, bool) {
	if len(raw) == 0 || string(raw) == "null" {
		return nil, false
	}
	var s string
	if err := json.Unmarshal(raw, &s); err == nil {
		return []byte(s), s != ""
	}
	var buf bytes.Buffer
	if err := json.Compact(&buf, raw); err != nil {
		return nil, false
	}
	return buf.Bytes(), true
}

// ─── Deliver ──────────────────────────────────────────────────────────────────

// deliver removes one item and returns it. The response body is rendered
// before the store commits the removal, and the commit is skipped when the
// client has already gone away, so the item stays queued.
func (h *Handler) deliver(w http.ResponseWriter, r *http.Request) {
	identifier := identifierParam(r)
	caller := clientAddr(r, h.trustProxy)

	var body []byte
	_, err := h.svc.Deliver(r.Context(), caller, identifier, func(d gateway.Delivery) error {
		b, err := json.Marshal(deliverResp{ID: d.ID, Data: string(d.Data)})
		if err != nil {
			return err
		}
		body = b
		return r.Context().Err()
	})
	if err != nil {
		writeGatewayError(w, err)
		return
	}

	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(http.StatusOK)
	if _, err := w.Write(append(body, '\n')); err != nil {
		slog.Warn("deliver: response write failed after commit", "err", err)
	}
}

// ─── Status ───────────────────────────────────────────────────────────────────

func (h *Handler) status(w http.ResponseWriter, r *http.Request) {
	identifier := identifierParam(r)
	if identifier == "" {
		writeMessage(w, http.StatusBadRequest, "identifier is required")
		return
	}
	st, err := h.svc.Status(r.Context(), identifier)
	if err != nil {
		writeGatewayError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, statusResp{State: st.State, Position: st.Position})
}

// ─── Helpers ──────────────────────────────────────────────────────────────────

// identifierParam reads ?identifier=, falling back to the legacy ?x_id=.
func identifierParam(r *http.Request) string {
	q := r.URL.Query()
	if v := q.Get("identifier"); v != "" {
		return v
	}
	return q.Get("x_id")
}

// writeGatewayError maps gateway sentinels to status codes. Store faults are
// reported generically.
func writeGatewayError(w http.ResponseWriter, err error) {
	switch {
	case errors.Is(err, gateway.ErrInvalidInput):
		writeMessage(w, http.StatusBadRequest, "No data provided")
	case errors.Is(err, gateway.ErrMalformed):
		writeMessage(w, http.StatusBadRequest, "malformed identifier")
	case errors.Is(err, gateway.ErrForbidden):
		writeMessage(w, http.StatusForbidden, "Forbidden: Access is denied.")
	case errors.Is(err, gateway.ErrNotFound):
		writeMessage(w, http.StatusNotFound, "No data available")
	case errors.Is(err, gateway.ErrStoreUnavailable):
		writeMessage(w, http.StatusServiceUnavailable, "store unavailable, retry later")
	default:
		slog.Error("unmapped gateway error", "err", err)
		writeMessage(w, http.StatusInternalServerError, "Internal server error")
	}
}

func writeJSON(w http.ResponseWriter, code int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(code)
	_ = json.NewEncoder(w).Encode(v)
}

func writeMessage(w http.ResponseWriter, code int, msg string) {
	writeJSON(w, code, errorResp{Status: "error", Message: msg})
}

func decodeJSON(w http.ResponseWriter, r *http.Request, v any) bool {
	dec := json.NewDecoder(r.Body)
	if err := dec.Decode(v); err != nil {
		var tooLarge *http.MaxBytesError
		if errors.As(err, &tooLarge) {
			writeMessage(w, http.StatusRequestEntityTooLarge, "request body too large")
			return false
		}
		writeMessage(w, http.StatusBadRequest, "invalid json: "+err.Error())
		return false
	}
	return true
}
