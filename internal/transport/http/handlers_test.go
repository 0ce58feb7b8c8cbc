package http_test

import (
	"bytes"
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"path/filepath"
	"strings"
	"testing"
	"time"

	gorillaws "github.com/gorilla/websocket"

	"github.com/snehjoshi/fifogate/internal/access"
	"github.com/snehjoshi/fifogate/internal/config"
	"github.com/snehjoshi/fifogate/internal/gateway"
	"github.com/snehjoshi/fifogate/internal/metrics"
	"github.com/snehjoshi/fifogate/internal/store/boltstore"
	transphttp "github.com/snehjoshi/fifogate/internal/transport/http"
)

// ─── helpers ─────────────────────────────────────────────────────────────────

const (
	consumerAddr = "10.0.0.5:41000"
	strangerAddr = "198.51.100.7:41000"
)

type testEnv struct {
	h   http.Handler
	svc *gateway.Service
	reg *metrics.Registry
}

func newTestServer(t *testing.T, mutate func(*config.Config)) *testEnv {
	t.Helper()
	cfg := config.Default()
	cfg.Store.Driver = config.DriverBolt
	cfg.Access.AllowedIPs = []string{"10.0.0.5", "127.0.0.1"}
	cfg.RateLimit.Enabled = false
	if mutate != nil {
		mutate(cfg)
	}

	st, err := boltstore.Open(boltstore.Config{Path: filepath.Join(t.TempDir(), "q.db"), NoSync: true})
	if err != nil {
		t.Fatalf("boltstore.Open: %v", err)
	}
	t.Cleanup(func() { _ = st.Close() })

	allow, err := access.New(cfg.Access.AllowedIPs)
	if err != nil {
		t.Fatalf("access.New: %v", err)
	}
	reg := &metrics.Registry{}
	svc := gateway.New(st, allow, gateway.WithMetrics(reg))
	reg.Depth = func() (int64, error) { return svc.Depth(context.Background()) }

	return &testEnv{h: transphttp.New(svc, cfg, reg).Handler(), svc: svc, reg: reg}
}

func (e *testEnv) do(t *testing.T, method, path, remote string, body any) *httptest.ResponseRecorder {
	t.Helper()
	var reqBody bytes.Buffer
	if body != nil {
		if err := json.NewEncoder(&reqBody).Encode(body); err != nil {
			t.Fatalf("encode request body: %v", err)
		}
	}
	req := httptest.NewRequest(method, path, &reqBody)
	req.Header.Set("Content-Type", "application/json")
	if remote != "" {
		req.RemoteAddr = remote
	}
	rr := httptest.NewRecorder()
	e.h.ServeHTTP(rr, req)
	return rr
}

func (e *testEnv) save(t *testing.T, data string) string {
	t.Helper()
	rr := e.do(t, "POST", "/api/save", "", map[string]any{"data": data})
	if rr.Code != http.StatusAccepted {
		t.Fatalf("save: want 202, got %d body: %s", rr.Code, rr.Body)
	}
	var resp map[string]any
	decodeResp(t, rr, &resp)
	id, _ := resp["identifier"].(string)
	if id == "" {
		t.Fatalf("save: missing identifier in %v", resp)
	}
	return id
}

func decodeResp(t *testing.T, rr *httptest.ResponseRecorder, v any) {
	t.Helper()
	if err := json.NewDecoder(rr.Body).Decode(v); err != nil {
		t.Fatalf("decode response: %v, body: %s", err, rr.Body.String())
	}
}

func wantError(t *testing.T, rr *httptest.ResponseRecorder, code int) {
	t.Helper()
	if rr.Code != code {
		t.Fatalf("want %d, got %d body: %s", code, rr.Code, rr.Body)
	}
	var resp map[string]any
	decodeResp(t, rr, &resp)
	if resp["status"] != "error" || resp["message"] == "" {
		t.Errorf("unexpected error body %v", resp)
	}
}

// ─── Health ───────────────────────────────────────────────────────────────────

func TestHTTP_Health(t *testing.T) {
	e := newTestServer(t, nil)
	e.save(t, "a")

	rr := e.do(t, "GET", "/health", "", nil)
	if rr.Code != http.StatusOK {
		t.Fatalf("health: want 200, got %d body: %s", rr.Code, rr.Body)
	}
	var resp map[string]any
	decodeResp(t, rr, &resp)
	if resp["status"] != "ok" || resp["driver"] != "bolt" || resp["depth"] != float64(1) {
		t.Errorf("unexpected health %v", resp)
	}
}

// ─── Save ─────────────────────────────────────────────────────────────────────

func TestHTTP_Save_Validation(t *testing.T) {
	e := newTestServer(t, nil)

	for _, body := range []any{
		map[string]any{},
		map[string]any{"data": ""},
		map[string]any{"data": nil},
	} {
		wantError(t, e.do(t, "POST", "/api/save", "", body), http.StatusBadRequest)
	}

	req := httptest.NewRequest("POST", "/api/save", strings.NewReader("{not json"))
	rr := httptest.NewRecorder()
	e.h.ServeHTTP(rr, req)
	wantError(t, rr, http.StatusBadRequest)
}

func TestHTTP_Save_TooLarge(t *testing.T) {
	e := newTestServer(t, func(c *config.Config) { c.Server.MaxBodyKB = 1 })
	rr := e.do(t, "POST", "/api/save", "", map[string]any{"data": strings.Repeat("x", 4096)})
	wantError(t, rr, http.StatusRequestEntityTooLarge)
}

func TestHTTP_Save_NonStringData(t *testing.T) {
	e := newTestServer(t, nil)
	rr := e.do(t, "POST", "/api/save", "", map[string]any{"data": map[string]int{"n": 1}})
	if rr.Code != http.StatusAccepted {
		t.Fatalf("save object: want 202, got %d", rr.Code)
	}

	rr = e.do(t, "GET", "/api/deliver", consumerAddr, nil)
	var got map[string]any
	decodeResp(t, rr, &got)
	if got["data"] != `{"n":1}` {
		t.Errorf("data = %v, want compact json text", got["data"])
	}
}

// ─── Deliver ──────────────────────────────────────────────────────────────────

func TestHTTP_Deliver_FIFO(t *testing.T) {
	e := newTestServer(t, nil)
	e.save(t, "hello")
	e.save(t, "world")

	for _, want := range []string{"hello", "world"} {
		rr := e.do(t, "GET", "/api/deliver", consumerAddr, nil)
		if rr.Code != http.StatusOK {
			t.Fatalf("deliver: want 200, got %d body: %s", rr.Code, rr.Body)
		}
		var resp map[string]any
		decodeResp(t, rr, &resp)
		if resp["data"] != want {
			t.Errorf("data = %v, want %q", resp["data"], want)
		}
	}

	wantError(t, e.do(t, "GET", "/api/deliver", consumerAddr, nil), http.StatusNotFound)
}

func TestHTTP_Deliver_ByIdentifier(t *testing.T) {
	e := newTestServer(t, nil)
	e.save(t, "first")
	id := e.save(t, "x")

	rr := e.do(t, "GET", "/api/deliver?identifier="+id, consumerAddr, nil)
	if rr.Code != http.StatusOK {
		t.Fatalf("deliver by id: want 200, got %d", rr.Code)
	}
	var resp map[string]any
	decodeResp(t, rr, &resp)
	if resp["data"] != "x" {
		t.Errorf("data = %v, want x", resp["data"])
	}

	// Legacy parameter name, already delivered.
	wantError(t, e.do(t, "GET", "/api/deliver?x_id="+id, consumerAddr, nil), http.StatusNotFound)
	wantError(t, e.do(t, "GET", "/api/deliver?identifier=nope", consumerAddr, nil), http.StatusBadRequest)
}

func TestHTTP_Deliver_Forbidden(t *testing.T) {
	e := newTestServer(t, nil)
	e.save(t, "secret")

	wantError(t, e.do(t, "GET", "/api/deliver", strangerAddr, nil), http.StatusForbidden)

	rr := e.do(t, "GET", "/api/deliver", consumerAddr, nil)
	if rr.Code != http.StatusOK {
		t.Fatalf("item should survive a forbidden call, got %d", rr.Code)
	}
}

func TestHTTP_Deliver_TrustProxy(t *testing.T) {
	withXFF := func(e *testEnv) *httptest.ResponseRecorder {
		req := httptest.NewRequest("GET", "/api/deliver", nil)
		req.RemoteAddr = strangerAddr
		req.Header.Set("X-Forwarded-For", "10.0.0.5, 172.16.0.1")
		rr := httptest.NewRecorder()
		e.h.ServeHTTP(rr, req)
		return rr
	}

	untrusted := newTestServer(t, nil)
	untrusted.save(t, "a")
	wantError(t, withXFF(untrusted), http.StatusForbidden)

	trusted := newTestServer(t, func(c *config.Config) { c.Access.TrustProxy = true })
	trusted.save(t, "a")
	if rr := withXFF(trusted); rr.Code != http.StatusOK {
		t.Fatalf("trusted proxy: want 200, got %d body: %s", rr.Code, rr.Body)
	}
}

func TestHTTP_Deliver_ClientGoneKeepsItem(t *testing.T) {
	e := newTestServer(t, nil)
	id := e.save(t, "keep me")

	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	req := httptest.NewRequest("GET", "/api/deliver", nil).WithContext(ctx)
	req.RemoteAddr = consumerAddr
	rr := httptest.NewRecorder()
	e.h.ServeHTTP(rr, req)
	if rr.Code == http.StatusOK {
		t.Fatal("cancelled request must not receive the item")
	}

	rr = e.do(t, "GET", "/api/status?identifier="+id, "", nil)
	var st map[string]any
	decodeResp(t, rr, &st)
	if st["state"] != "queued" {
		t.Errorf("state = %v, want queued", st["state"])
	}
}

// ─── Status ───────────────────────────────────────────────────────────────────

func TestHTTP_Status(t *testing.T) {
	e := newTestServer(t, nil)
	e.save(t, "a")
	id := e.save(t, "b")

	rr := e.do(t, "GET", "/api/status?identifier="+id, strangerAddr, nil)
	if rr.Code != http.StatusOK {
		t.Fatalf("status: want 200, got %d body: %s", rr.Code, rr.Body)
	}
	var st map[string]any
	decodeResp(t, rr, &st)
	if st["state"] != "queued" || st["position"] != float64(2) {
		t.Errorf("unexpected status %v", st)
	}

	e.do(t, "GET", "/api/deliver?identifier="+id, consumerAddr, nil)

	rr = e.do(t, "GET", "/api/status?x_id="+id, "", nil)
	decodeResp(t, rr, &st)
	if st["state"] != "delivered_or_unknown" || st["position"] != float64(0) {
		t.Errorf("unexpected status after delivery %v", st)
	}

	wantError(t, e.do(t, "GET", "/api/status", "", nil), http.StatusBadRequest)
	wantError(t, e.do(t, "GET", "/api/status?identifier=1-2", "", nil), http.StatusBadRequest)
}

// ─── Middleware ───────────────────────────────────────────────────────────────

func TestHTTP_RateLimit(t *testing.T) {
	e := newTestServer(t, func(c *config.Config) {
		c.RateLimit = config.RateLimitConfig{Enabled: true, RPS: 0.001, Burst: 2}
	})
	for i := 0; i < 2; i++ {
		if rr := e.do(t, "GET", "/health", consumerAddr, nil); rr.Code != http.StatusOK {
			t.Fatalf("request %d: want 200, got %d", i, rr.Code)
		}
	}
	wantError(t, e.do(t, "GET", "/health", consumerAddr, nil), http.StatusTooManyRequests)

	// Limits are per client IP.
	if rr := e.do(t, "GET", "/health", strangerAddr, nil); rr.Code != http.StatusOK {
		t.Fatalf("other client: want 200, got %d", rr.Code)
	}
}

func TestHTTP_Auth(t *testing.T) {
	e := newTestServer(t, func(c *config.Config) {
		c.Auth = config.AuthConfig{Enabled: true, APIKey: "k3y"}
	})
	wantError(t, e.do(t, "POST", "/api/save", "", map[string]any{"data": "a"}), http.StatusUnauthorized)

	if rr := e.do(t, "GET", "/health", "", nil); rr.Code != http.StatusOK {
		t.Fatalf("health must not require a key, got %d", rr.Code)
	}

	req := httptest.NewRequest("POST", "/api/save", strings.NewReader(`{"data":"a"}`))
	req.Header.Set("X-Api-Key", "k3y")
	rr := httptest.NewRecorder()
	e.h.ServeHTTP(rr, req)
	if rr.Code != http.StatusAccepted {
		t.Fatalf("with key: want 202, got %d", rr.Code)
	}
}

func TestHTTP_RequestIDAndMetrics(t *testing.T) {
	e := newTestServer(t, nil)
	e.save(t, "a")

	rr := e.do(t, "GET", "/api/deliver", strangerAddr, nil)
	if rr.Header().Get("X-Request-Id") == "" {
		t.Error("missing X-Request-Id header")
	}

	rr = e.do(t, "GET", "/metrics", "", nil)
	body := rr.Body.String()
	for _, want := range []string{
		"fifogate_items_enqueued_total 1",
		`fifogate_request_outcomes_total{op="deliver",outcome="forbidden"} 1`,
		`fifogate_http_requests_total{method="POST",path="/api/save",status="202"} 1`,
		"fifogate_queue_depth 1",
	} {
		if !strings.Contains(body, want) {
			t.Errorf("metrics missing %q\n%s", want, body)
		}
	}
}

// ─── WebSocket push ───────────────────────────────────────────────────────────

func TestWS_PushDelivery(t *testing.T) {
	e := newTestServer(t, nil)
	srv := httptest.NewServer(e.h)
	defer srv.Close()

	e.save(t, "one")
	e.save(t, "two")

	url := "ws" + strings.TrimPrefix(srv.URL, "http") + "/api/deliver/ws"
	conn, _, err := gorillaws.DefaultDialer.Dial(url, nil)
	if err != nil {
		t.Fatalf("dial: %v", err)
	}
	defer conn.Close()

	for _, want := range []string{"one", "two"} {
		_ = conn.SetReadDeadline(time.Now().Add(5 * time.Second))
		var frame struct {
			Type string `json:"type"`
			ID   int64  `json:"id"`
			Data string `json:"data"`
		}
		if err := conn.ReadJSON(&frame); err != nil {
			t.Fatalf("read frame: %v", err)
		}
		if frame.Type != "item" || frame.Data != want || frame.ID == 0 {
			t.Errorf("frame = %+v, want item %q", frame, want)
		}
	}

	if rr := e.do(t, "GET", "/api/deliver", consumerAddr, nil); rr.Code != http.StatusNotFound {
		t.Errorf("queue should be drained, got %d", rr.Code)
	}
	if got := e.reg.Delivered.Get("push"); got != 2 {
		t.Errorf("Delivered[push] = %d, want 2", got)
	}
}

func TestWS_StalledConsumerDoesNotBlockDeliver(t *testing.T) {
	e := newTestServer(t, func(c *config.Config) { c.Server.PushWriteTimeoutMs = 200 })
	srv := httptest.NewServer(e.h)
	defer srv.Close()

	// Larger than the loopback socket buffers, so the frame write blocks
	// against a consumer that never reads.
	bigID, err := e.svc.Enqueue(context.Background(), bytes.Repeat([]byte("x"), 32<<20))
	if err != nil {
		t.Fatalf("enqueue: %v", err)
	}
	smallID := e.save(t, "small")

	url := "ws" + strings.TrimPrefix(srv.URL, "http") + "/api/deliver/ws"
	conn, _, err := gorillaws.DefaultDialer.Dial(url, nil)
	if err != nil {
		t.Fatalf("dial: %v", err)
	}
	defer conn.Close()
	time.Sleep(100 * time.Millisecond)

	start := time.Now()
	rr := e.do(t, "GET", "/api/deliver?identifier="+smallID, consumerAddr, nil)
	elapsed := time.Since(start)
	if rr.Code != http.StatusOK {
		t.Fatalf("deliver: want 200, got %d body: %s", rr.Code, rr.Body)
	}
	if elapsed > 2*time.Second {
		t.Errorf("deliver waited %v behind a stalled push consumer", elapsed)
	}

	// The aborted push rolled back and ended the session.
	rr = e.do(t, "GET", "/api/status?identifier="+bigID, "", nil)
	var st map[string]any
	decodeResp(t, rr, &st)
	if st["state"] != "queued" {
		t.Errorf("stalled item state = %v, want queued", st["state"])
	}
}

func TestWS_Forbidden(t *testing.T) {
	e := newTestServer(t, func(c *config.Config) { c.Access.AllowedIPs = []string{"10.0.0.5"} })
	srv := httptest.NewServer(e.h)
	defer srv.Close()

	url := "ws" + strings.TrimPrefix(srv.URL, "http") + "/api/deliver/ws"
	_, resp, err := gorillaws.DefaultDialer.Dial(url, nil)
	if err == nil {
		t.Fatal("expected dial to fail for a caller outside the allow-list")
	}
	if resp == nil || resp.StatusCode != http.StatusForbidden {
		t.Fatalf("want 403 response, got %v", resp)
	}
}
