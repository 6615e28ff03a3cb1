package httpserver

import (
	"encoding/json"
	"log/slog"
	"net"
	"net/http"
	"net/http/httptest"
	"testing"
)

func testLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(testWriter{}, &slog.HandlerOptions{Level: slog.LevelError}))
}

type testWriter struct{}

func (testWriter) Write(p []byte) (int, error) { return len(p), nil }

func newTestServer(t *testing.T) (*Server, string) {
	t.Helper()
	s := New("127.0.0.1:0", testLogger(), BuildInfo{Commit: "abc", BuildTime: "now"})

	ln, err := net.Listen("tcp", "127.0.0.1:0")
	if err != nil {
		t.Fatalf("listen: %v", err)
	}
	go func() { _ = s.Serve(ln) }()
	t.Cleanup(func() { _ = s.Close() })
	return s, "http://" + ln.Addr().String()
}

func TestHealthAndVersion(t *testing.T) {
	_, base := newTestServer(t)

	resp, err := http.Get(base + "/healthz")
	if err != nil {
		t.Fatalf("GET /healthz: %v", err)
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("/healthz status = %d", resp.StatusCode)
	}
	if got := resp.Header.Get("X-Request-ID"); got == "" {
		t.Fatalf("missing X-Request-ID header")
	}

	resp2, err := http.Get(base + "/version")
	if err != nil {
		t.Fatalf("GET /version: %v", err)
	}
	defer resp2.Body.Close()
	var build BuildInfo
	if err := json.NewDecoder(resp2.Body).Decode(&build); err != nil {
		t.Fatalf("decode version: %v", err)
	}
	if build.Commit != "abc" {
		t.Fatalf("version = %+v", build)
	}
}

func TestReadyz(t *testing.T) {
	s, base := newTestServer(t)

	resp, err := http.Get(base + "/readyz")
	if err != nil {
		t.Fatalf("GET /readyz: %v", err)
	}
	resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("/readyz status = %d", resp.StatusCode)
	}

	s.ready.Store(false)
	resp, err = http.Get(base + "/readyz")
	if err != nil {
		t.Fatalf("GET /readyz: %v", err)
	}
	resp.Body.Close()
	if resp.StatusCode != http.StatusServiceUnavailable {
		t.Fatalf("/readyz status after shutdown = %d", resp.StatusCode)
	}
}

func TestRecoverMiddleware(t *testing.T) {
	s, base := newTestServer(t)
	s.Mux().HandleFunc("GET /boom", func(http.ResponseWriter, *http.Request) {
		panic("boom")
	})

	resp, err := http.Get(base + "/boom")
	if err != nil {
		t.Fatalf("GET /boom: %v", err)
	}
	resp.Body.Close()
	if resp.StatusCode != http.StatusInternalServerError {
		t.Fatalf("/boom status = %d, want 500", resp.StatusCode)
	}
}

func TestRequestIDPassthrough(t *testing.T) {
	_, base := newTestServer(t)

	req, _ := http.NewRequest("GET", base+"/healthz", nil)
	req.Header.Set("X-Request-ID", "fixed-id")
	resp, err := http.DefaultClient.Do(req)
	if err != nil {
		t.Fatalf("GET: %v", err)
	}
	resp.Body.Close()
	if got := resp.Header.Get("X-Request-ID"); got != "fixed-id" {
		t.Fatalf("X-Request-ID = %q, want fixed-id", got)
	}
}

func TestStatusWriterHijackUnsupported(t *testing.T) {
	rec := httptest.NewRecorder()
	sw := &statusWriter{ResponseWriter: rec, status: http.StatusOK}
	if _, _, err := sw.Hijack(); err == nil {
		t.Fatalf("expected hijack error on recorder")
	}
}
