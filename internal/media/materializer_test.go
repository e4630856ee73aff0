package media

import (
	"bufio"
	"context"
	"net/http"
	"net/http/httptest"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/hitoshi/toastodon/internal/model"
)

// mockSSRFGuard はSSRFValidatorのテスト用モック。
type mockSSRFGuard struct {
	validateFunc func(rawURL string) error
}

func (m *mockSSRFGuard) ValidateURL(rawURL string) error {
	if m.validateFunc != nil {
		return m.validateFunc(rawURL)
	}
	return nil
}

func (m *mockSSRFGuard) NewSafeClient(timeout time.Duration) *http.Client {
	return &http.Client{Timeout: timeout}
}

var pngData = []byte{0x89, 0x50, 0x4E, 0x47, 0x0D, 0x0A, 0x1A, 0x0A}

func newTestMaterializer(guard SSRFValidator) *Materializer {
	return NewMaterializer(guard, nil, nil, Config{Timeout: 2 * time.Second})
}

func TestMaterialize_Success(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "image/jpeg; charset=binary")
		w.Write(pngData)
	}))
	defer server.Close()

	m := newTestMaterializer(&mockSSRFGuard{})
	got, err := m.Materialize(context.Background(), server.URL+"/avatar.jpg")
	if err != nil {
		t.Fatalf("Materialize() error = %v", err)
	}
	if string(got.Bytes) != string(pngData) {
		t.Errorf("Bytes = %v, want %v", got.Bytes, pngData)
	}
	if got.ContentType != "image/jpeg" {
		t.Errorf("ContentType = %q, want %q", got.ContentType, "image/jpeg")
	}
	if got.SourceURL != server.URL+"/avatar.jpg" {
		t.Errorf("SourceURL = %q", got.SourceURL)
	}
}

func TestMaterialize_MissingContentTypeDefaultsToPNG(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		// 自動のContent-Type推定を抑止する
		w.Header()["Content-Type"] = nil
		w.Write([]byte("not sniffed"))
	}))
	defer server.Close()

	got, err := newTestMaterializer(nil).Materialize(context.Background(), server.URL)
	if err != nil {
		t.Fatalf("Materialize() error = %v", err)
	}
	if got.ContentType != model.DefaultMediaType {
		t.Errorf("ContentType = %q, want %q", got.ContentType, model.DefaultMediaType)
	}
}

func TestMaterialize_UnparseableContentTypeDefaultsToPNG(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", ";;;")
		w.Write(pngData)
	}))
	defer server.Close()

	got, err := newTestMaterializer(nil).Materialize(context.Background(), server.URL)
	if err != nil {
		t.Fatalf("Materialize() error = %v", err)
	}
	if got.ContentType != model.DefaultMediaType {
		t.Errorf("ContentType = %q, want %q", got.ContentType, model.DefaultMediaType)
	}
}

// TestMaterialize_LowercaseHeaderName はヘッダー名が小文字でもContent-Typeを読めることを検証する。
func TestMaterialize_LowercaseHeaderName(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		hj, ok := w.(http.Hijacker)
		if !ok {
			t.Error("response writer does not support hijacking")
			return
		}
		conn, buf, err := hj.Hijack()
		if err != nil {
			t.Errorf("hijack failed: %v", err)
			return
		}
		defer conn.Close()
		writeRaw(buf, "HTTP/1.1 200 OK\r\ncontent-type: image/gif\r\ncontent-length: 3\r\nconnection: close\r\n\r\nGIF")
	}))
	defer server.Close()

	got, err := newTestMaterializer(nil).Materialize(context.Background(), server.URL)
	if err != nil {
		t.Fatalf("Materialize() error = %v", err)
	}
	if got.ContentType != "image/gif" {
		t.Errorf("ContentType = %q, want %q", got.ContentType, "image/gif")
	}
}

func writeRaw(buf *bufio.ReadWriter, s string) {
	buf.WriteString(s)
	buf.Flush()
}

func TestMaterialize_RetriesOnceOnServerError(t *testing.T) {
	var calls atomic.Int32
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if calls.Add(1) == 1 {
			w.WriteHeader(http.StatusBadGateway)
			return
		}
		w.Header().Set("Content-Type", "image/png")
		w.Write(pngData)
	}))
	defer server.Close()

	got, err := newTestMaterializer(nil).Materialize(context.Background(), server.URL)
	if err != nil {
		t.Fatalf("Materialize() error = %v", err)
	}
	if calls.Load() != 2 {
		t.Errorf("calls = %d, want 2", calls.Load())
	}
	if len(got.Bytes) == 0 {
		t.Error("expected bytes after retry")
	}
}

func TestMaterialize_GivesUpAfterSecondFailure(t *testing.T) {
	var calls atomic.Int32
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		calls.Add(1)
		w.WriteHeader(http.StatusServiceUnavailable)
	}))
	defer server.Close()

	_, err := newTestMaterializer(nil).Materialize(context.Background(), server.URL)
	if err == nil {
		t.Fatal("expected error")
	}
	if !model.HasCode(err, model.ErrCodeFetch) {
		t.Errorf("expected FetchError, got %v", err)
	}
	if calls.Load() != 2 {
		t.Errorf("calls = %d, want 2", calls.Load())
	}
}

func TestMaterialize_NotFoundIsNotRetried(t *testing.T) {
	var calls atomic.Int32
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		calls.Add(1)
		w.WriteHeader(http.StatusNotFound)
	}))
	defer server.Close()

	_, err := newTestMaterializer(nil).Materialize(context.Background(), server.URL)
	if !model.HasCode(err, model.ErrCodeFetch) {
		t.Fatalf("expected FetchError, got %v", err)
	}
	if calls.Load() != 1 {
		t.Errorf("calls = %d, want 1", calls.Load())
	}
}

func TestMaterialize_SSRFBlocked(t *testing.T) {
	guard := &mockSSRFGuard{validateFunc: func(string) error {
		return context.DeadlineExceeded
	}}

	_, err := newTestMaterializer(guard).Materialize(context.Background(), "http://10.0.0.1/a.png")
	if !model.HasCode(err, model.ErrCodeFetch) {
		t.Fatalf("expected FetchError, got %v", err)
	}
}

func TestMaterialize_TooLarge(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Write(make([]byte, 64))
	}))
	defer server.Close()

	m := NewMaterializer(nil, nil, nil, Config{MaxSize: 16})
	if _, err := m.Materialize(context.Background(), server.URL); err == nil {
		t.Fatal("expected error for oversized media")
	}
}

func TestMaterialize_EmptyURL(t *testing.T) {
	if _, err := newTestMaterializer(nil).Materialize(context.Background(), ""); err == nil {
		t.Fatal("expected error for empty URL")
	}
}

// TestMaterialize_Concurrent は同一インスタンスを並行に呼び出せることを検証する。
func TestMaterialize_Concurrent(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "image/webp")
		w.Write([]byte(r.URL.Path))
	}))
	defer server.Close()

	m := newTestMaterializer(nil)
	var wg sync.WaitGroup
	paths := []string{"/a", "/b", "/c", "/d", "/e", "/f"}
	results := make([]model.MaterializedMedia, len(paths))
	for i, p := range paths {
		wg.Add(1)
		go func(i int, p string) {
			defer wg.Done()
			got, err := m.Materialize(context.Background(), server.URL+p)
			if err != nil {
				t.Errorf("Materialize(%s) error = %v", p, err)
				return
			}
			results[i] = got
		}(i, p)
	}
	wg.Wait()

	for i, p := range paths {
		if string(results[i].Bytes) != p {
			t.Errorf("results[%d].Bytes = %q, want %q", i, results[i].Bytes, p)
		}
	}
}

type recordingMetrics struct {
	mu  sync.Mutex
	oks []bool
}

func (r *recordingMetrics) RecordMaterialize(_ time.Duration, ok bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.oks = append(r.oks, ok)
}

func TestMaterialize_RecordsMetrics(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Write(pngData)
	}))
	defer server.Close()

	rec := &recordingMetrics{}
	m := NewMaterializer(nil, nil, rec, Config{})
	m.Materialize(context.Background(), server.URL)
	m.Materialize(context.Background(), "")

	if len(rec.oks) != 2 || !rec.oks[0] || rec.oks[1] {
		t.Errorf("recorded = %v, want [true false]", rec.oks)
	}
}
