package handlers

import (
	"bytes"
	"context"
	"fmt"
	"io"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"

	"github.com/labstack/echo/v4"

	"github.com/memohai/filedrop/internal/channel/adapters/telegram"
	"github.com/memohai/filedrop/internal/config"
	"github.com/memohai/filedrop/internal/links"
)

type mapLinks map[string]links.Record

func (m mapLinks) Get(key string) (links.Record, bool) {
	rec, ok := m[key]
	return rec, ok
}

type fakeOpener struct {
	mu          sync.Mutex
	opened      []string
	body        []byte
	contentType string
	length      int64
	err         error
}

func (f *fakeOpener) Open(_ context.Context, fileID string) (*telegram.File, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.opened = append(f.opened, fileID)
	if f.err != nil {
		return nil, f.err
	}
	return &telegram.File{
		Body:          io.NopCloser(bytes.NewReader(f.body)),
		ContentType:   f.contentType,
		ContentLength: f.length,
	}, nil
}

func (f *fakeOpener) calls() []string {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]string(nil), f.opened...)
}

func newDownloadServer(mode string, store LinkReader, opener FileOpener, gateway config.GatewayConfig) *echo.Echo {
	cfg := config.Config{Links: config.LinksConfig{Mode: mode}, Gateway: gateway}
	e := echo.New()
	NewDownloadHandler(nil, cfg, store, opener).Register(e)
	return e
}

func serve(e *echo.Echo, req *http.Request) *httptest.ResponseRecorder {
	rec := httptest.NewRecorder()
	e.ServeHTTP(rec, req)
	return rec
}

func TestDownloadSingleEmpty(t *testing.T) {
	t.Parallel()

	opener := &fakeOpener{}
	e := newDownloadServer("single", mapLinks{}, opener, config.GatewayConfig{})
	rec := serve(e, httptest.NewRequest(http.MethodGet, "/", nil))

	if rec.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d", rec.Code)
	}
	if rec.Body.Len() != 0 {
		t.Fatalf("expected empty body, got %q", rec.Body.String())
	}
	if ct := rec.Header().Get(echo.HeaderContentType); !strings.HasPrefix(ct, "text/html") {
		t.Fatalf("expected text/html, got %q", ct)
	}
	if len(opener.calls()) != 0 {
		t.Fatal("upstream must not be called without a record")
	}
}

func TestDownloadSingleStreams(t *testing.T) {
	t.Parallel()

	payload := []byte("%PDF-1.4 quarterly report")
	opener := &fakeOpener{body: payload, contentType: "application/pdf", length: int64(len(payload))}
	store := mapLinks{links.CurrentKey: {FileID: "ABC123", FileName: "report.pdf"}}
	e := newDownloadServer("single", store, opener, config.GatewayConfig{})

	var dispositions []string
	for i := 0; i < 2; i++ {
		rec := serve(e, httptest.NewRequest(http.MethodGet, "/", nil))
		if rec.Code != http.StatusOK {
			t.Fatalf("expected 200, got %d", rec.Code)
		}
		if !bytes.Equal(rec.Body.Bytes(), payload) {
			t.Fatalf("unexpected body: %q", rec.Body.String())
		}
		if ct := rec.Header().Get(echo.HeaderContentType); ct != "application/pdf" {
			t.Fatalf("unexpected content type: %q", ct)
		}
		if cl := rec.Header().Get(echo.HeaderContentLength); cl != fmt.Sprint(len(payload)) {
			t.Fatalf("unexpected content length: %q", cl)
		}
		dispositions = append(dispositions, rec.Header().Get(echo.HeaderContentDisposition))
	}
	if dispositions[0] != `attachment; filename="report.pdf"` || dispositions[0] != dispositions[1] {
		t.Fatalf("unexpected dispositions: %v", dispositions)
	}
	if calls := opener.calls(); len(calls) != 2 || calls[0] != "ABC123" || calls[1] != "ABC123" {
		t.Fatalf("expected one upstream open per download with the stored id, got %v", calls)
	}
}

func TestDownloadFallbackNameAndUnknownLength(t *testing.T) {
	t.Parallel()

	opener := &fakeOpener{body: []byte("data"), contentType: "application/octet-stream", length: -1}
	store := mapLinks{links.CurrentKey: {FileID: "X"}}
	e := newDownloadServer("single", store, opener, config.GatewayConfig{})
	rec := serve(e, httptest.NewRequest(http.MethodGet, "/", nil))

	if got := rec.Header().Get(echo.HeaderContentDisposition); got != `attachment; filename="file"` {
		t.Fatalf("unexpected disposition: %q", got)
	}
	if rec.Body.String() != "data" {
		t.Fatalf("unexpected body: %q", rec.Body.String())
	}
}

func TestDownloadMultiRoutes(t *testing.T) {
	t.Parallel()

	large := bytes.Repeat([]byte("0123456789abcdef"), 3*streamBufferSize/16+7)
	opener := &fakeOpener{body: large, contentType: "application/zip", length: int64(len(large))}
	store := mapLinks{
		"Report2024":     {FileID: "DOC1", FileName: "q4.zip"},
		links.CurrentKey: {FileID: "LEGACY"},
	}
	e := newDownloadServer("multi", store, opener, config.GatewayConfig{})

	rec := serve(e, httptest.NewRequest(http.MethodGet, "/", nil))
	if rec.Code != http.StatusOK || rec.Body.String() != multiIndexText {
		t.Fatalf("unexpected index: %d %q", rec.Code, rec.Body.String())
	}

	for _, path := range []string{"/missing", "/bad-key", "/%2e%2e"} {
		rec = serve(e, httptest.NewRequest(http.MethodGet, path, nil))
		if rec.Code != http.StatusNotFound || rec.Body.Len() != 0 {
			t.Fatalf("%s: expected empty 404, got %d %q", path, rec.Code, rec.Body.String())
		}
	}
	if len(opener.calls()) != 0 {
		t.Fatal("unknown keys must not reach upstream")
	}

	rec = serve(e, httptest.NewRequest(http.MethodGet, "/Report2024", nil))
	if rec.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d", rec.Code)
	}
	if !bytes.Equal(rec.Body.Bytes(), large) {
		t.Fatalf("streamed body differs: got %d bytes want %d", rec.Body.Len(), len(large))
	}
	if got := rec.Header().Get(echo.HeaderContentDisposition); got != `attachment; filename="q4.zip"` {
		t.Fatalf("unexpected disposition: %q", got)
	}
	if calls := opener.calls(); len(calls) != 1 || calls[0] != "DOC1" {
		t.Fatalf("unexpected upstream calls: %v", calls)
	}
}

func TestDownloadUpstreamFailure(t *testing.T) {
	t.Parallel()

	opener := &fakeOpener{err: fmt.Errorf("%w: get file: Bad Request: invalid file_id", telegram.ErrUpstream)}
	store := mapLinks{"key": {FileID: "EXPIRED", FileName: "a.txt"}, links.CurrentKey: {FileID: "EXPIRED"}}

	for _, tc := range []struct{ mode, path string }{{"multi", "/key"}, {"single", "/"}} {
		e := newDownloadServer(tc.mode, store, opener, config.GatewayConfig{})
		rec := serve(e, httptest.NewRequest(http.MethodGet, tc.path, nil))
		if rec.Code != http.StatusBadGateway {
			t.Fatalf("%s %s: expected 502, got %d", tc.mode, tc.path, rec.Code)
		}
		if rec.Body.Len() != 0 {
			t.Fatalf("%s %s: expected no body, got %q", tc.mode, tc.path, rec.Body.String())
		}
		if rec.Header().Get(echo.HeaderContentDisposition) != "" {
			t.Fatalf("%s %s: failure must not carry a disposition", tc.mode, tc.path)
		}
	}
}

func TestDownloadRateLimitHonoursCancel(t *testing.T) {
	t.Parallel()

	opener := &fakeOpener{body: []byte("x"), contentType: "text/plain", length: 1}
	store := mapLinks{links.CurrentKey: {FileID: "ID"}}
	e := newDownloadServer("single", store, opener, config.GatewayConfig{UpstreamRPS: 0.001, UpstreamBurst: 1})

	rec := serve(e, httptest.NewRequest(http.MethodGet, "/", nil))
	if rec.Code != http.StatusOK {
		t.Fatalf("first request should pass the limiter, got %d", rec.Code)
	}

	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	req := httptest.NewRequest(http.MethodGet, "/", nil).WithContext(ctx)
	rec = serve(e, req)
	if rec.Code != http.StatusBadGateway {
		t.Fatalf("expected 502 when the limiter wait is aborted, got %d", rec.Code)
	}
	if len(opener.calls()) != 1 {
		t.Fatalf("aborted request must not reach upstream, got %v", opener.calls())
	}
}

func TestContentDisposition(t *testing.T) {
	t.Parallel()

	cases := map[string]string{
		"report.pdf":        `attachment; filename="report.pdf"`,
		`say "hi".txt`:      `attachment; filename="say \"hi\".txt"`,
		`back\slash`:        `attachment; filename="back\\slash"`,
		"line\r\nbreak.txt": `attachment; filename="linebreak.txt"`,
		"отчёт 2024.xlsx":   `attachment; filename="отчёт 2024.xlsx"`,
	}
	for in, want := range cases {
		if got := ContentDisposition(in); got != want {
			t.Fatalf("ContentDisposition(%q) = %q, want %q", in, got, want)
		}
	}
}
