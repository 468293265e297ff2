package upload

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"mime/multipart"
	"net/http"
	"net/http/httptest"
	"net/textproto"
	"strings"
	"testing"
	"time"

	"github.com/keithlinneman/linnemanlabs-social/internal/apperr"
	"github.com/keithlinneman/linnemanlabs-social/internal/pipeline"
	"github.com/keithlinneman/linnemanlabs-social/internal/storage"
)

var (
	pngBytes  = append([]byte{0x89, 'P', 'N', 'G', 0x0D, 0x0A, 0x1A, 0x0A}, bytes.Repeat([]byte{0}, 32)...)
	jpegBytes = append([]byte{0xFF, 0xD8, 0xFF, 0xE0}, bytes.Repeat([]byte{0}, 32)...)
	gifBytes  = []byte("GIF89a\x01\x00\x01\x00")
)

var fixedNow = func() time.Time { return time.Date(2024, 1, 1, 0, 0, 0, 0, time.UTC) }

// memStore records puts in memory.
type memStore struct {
	objects map[string][]byte
	putErr  error
}

func newMemStore() *memStore { return &memStore{objects: map[string][]byte{}} }

func (m *memStore) Put(ctx context.Context, bucket, name string, r io.Reader, contentType string) (int64, error) {
	if m.putErr != nil {
		return 0, m.putErr
	}
	b, err := io.ReadAll(r)
	if err != nil {
		return int64(len(b)), err
	}
	m.objects[bucket+"/"+name] = b
	return int64(len(b)), nil
}

func (m *memStore) Open(ctx context.Context, bucket, name string) (*storage.Object, error) {
	return nil, storage.ErrNotFound
}

type filePart struct {
	field, filename, contentType string
	body                         []byte
}

func multipartRequest(t *testing.T, fields map[string]string, files ...filePart) *http.Request {
	t.Helper()
	var buf bytes.Buffer
	mw := multipart.NewWriter(&buf)
	for k, v := range fields {
		if err := mw.WriteField(k, v); err != nil {
			t.Fatal(err)
		}
	}
	for _, f := range files {
		h := make(textproto.MIMEHeader)
		h.Set("Content-Disposition", fmt.Sprintf(`form-data; name=%q; filename=%q`, f.field, f.filename))
		h.Set("Content-Type", f.contentType)
		pw, err := mw.CreatePart(h)
		if err != nil {
			t.Fatal(err)
		}
		if _, err := pw.Write(f.body); err != nil {
			t.Fatal(err)
		}
	}
	if err := mw.Close(); err != nil {
		t.Fatal(err)
	}
	req := httptest.NewRequest(http.MethodPost, "/graphql", &buf)
	req.Header.Set("Content-Type", mw.FormDataContentType())
	return req
}

func newAcceptor(t *testing.T, store storage.Store, verify bool) *Acceptor {
	t.Helper()
	a, err := New(Options{Store: store, Now: fixedNow, VerifyContent: verify})
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	return a
}

func TestStoredName(t *testing.T) {
	got := StoredName(time.Date(2024, 1, 1, 0, 0, 0, 0, time.UTC), "cat.png")
	if got != "2024-01-01T00:00:00.000Z-cat.png" {
		t.Fatalf("StoredName = %q", got)
	}

	// non-UTC clocks are converted, milliseconds kept
	loc := time.FixedZone("EST", -5*3600)
	got = StoredName(time.Date(2024, 3, 9, 19, 4, 5, 123_456_789, loc), "a.jpg")
	if got != "2024-03-10T00:04:05.123Z-a.jpg" {
		t.Fatalf("StoredName = %q", got)
	}
}

func TestAccept_PNGStored(t *testing.T) {
	store := newMemStore()
	a := newAcceptor(t, store, true)

	req := multipartRequest(t, nil, filePart{"image", "cat.png", "image/png", pngBytes})
	out, err := a.Accept(req.Context(), req)
	if err != nil {
		t.Fatalf("Accept: %v", err)
	}
	if out.Upload == nil || !out.Upload.Accepted {
		t.Fatalf("upload = %+v, want accepted", out.Upload)
	}
	if out.Upload.StoredName != "2024-01-01T00:00:00.000Z-cat.png" {
		t.Fatalf("stored name = %q", out.Upload.StoredName)
	}
	if out.Upload.URL() != "/images/2024-01-01T00:00:00.000Z-cat.png" {
		t.Fatalf("url = %q", out.Upload.URL())
	}
	if !bytes.Equal(store.objects["images/2024-01-01T00:00:00.000Z-cat.png"], pngBytes) {
		t.Fatal("stored bytes differ")
	}
	if out.Upload.SizeBytes != int64(len(pngBytes)) {
		t.Fatalf("size = %d", out.Upload.SizeBytes)
	}
}

func TestAccept_AllowedTypes(t *testing.T) {
	tests := []struct {
		ct   string
		body []byte
		want bool
	}{
		{"image/png", pngBytes, true},
		{"image/jpeg", jpegBytes, true},
		{"image/jpg", jpegBytes, true},
		{"IMAGE/PNG", pngBytes, true},
		{"image/gif", gifBytes, false},
		{"application/octet-stream", pngBytes, false},
		{"text/plain", []byte("hi"), false},
	}
	for _, tt := range tests {
		t.Run(tt.ct, func(t *testing.T) {
			store := newMemStore()
			a := newAcceptor(t, store, false)
			req := multipartRequest(t, nil, filePart{"image", "x.bin", tt.ct, tt.body})

			out, err := a.Accept(req.Context(), req)
			if err != nil {
				t.Fatalf("Accept: %v", err)
			}
			if out.Upload == nil {
				t.Fatal("image part present, outcome should be set")
			}
			if out.Upload.Accepted != tt.want {
				t.Fatalf("accepted = %v, want %v", out.Upload.Accepted, tt.want)
			}
			if !tt.want && len(store.objects) != 0 {
				t.Fatal("rejected upload must not be stored")
			}
		})
	}
}

func TestAccept_GIFDroppedSilently(t *testing.T) {
	store := newMemStore()
	a := newAcceptor(t, store, true)

	req := multipartRequest(t, map[string]string{"query": "{ viewer { authenticated } }"},
		filePart{"image", "a.gif", "image/gif", gifBytes})
	out, err := a.Accept(req.Context(), req)
	if err != nil {
		t.Fatalf("gif must not error, got %v", err)
	}
	if out.Upload.Accepted || out.Upload.Reason != ReasonType {
		t.Fatalf("upload = %+v", out.Upload)
	}
	if out.Upload.MimeType != "image/gif" {
		t.Fatalf("mime = %q", out.Upload.MimeType)
	}
	if out.Fields["query"] == "" {
		t.Fatal("text fields should still be read")
	}
}

func TestAccept_ContentSniffing(t *testing.T) {
	store := newMemStore()
	a := newAcceptor(t, store, true)

	req := multipartRequest(t, nil, filePart{"image", "evil.png", "image/png", []byte("<html><script>alert(1)</script>")})
	out, err := a.Accept(req.Context(), req)
	if err != nil {
		t.Fatal(err)
	}
	if out.Upload.Accepted || out.Upload.Reason != ReasonContent {
		t.Fatalf("upload = %+v, want content rejection", out.Upload)
	}

	// the same bytes pass when verification is off
	a = newAcceptor(t, store, false)
	req = multipartRequest(t, nil, filePart{"image", "evil.png", "image/png", []byte("not really")})
	out, _ = a.Accept(req.Context(), req)
	if !out.Upload.Accepted {
		t.Fatal("declared type alone should be accepted without verification")
	}
}

func TestAccept_FilenameHandling(t *testing.T) {
	tests := []struct {
		filename   string
		wantAccept bool
		wantStored string
	}{
		{"cat.png", true, "2024-01-01T00:00:00.000Z-cat.png"},
		{`C:\Users\me\cat.png`, true, "2024-01-01T00:00:00.000Z-cat.png"},
		{"../../etc/cat.png", true, "2024-01-01T00:00:00.000Z-cat.png"},
		{"..", false, ""},
		{".", false, ""},
	}
	for _, tt := range tests {
		t.Run(tt.filename, func(t *testing.T) {
			a := newAcceptor(t, newMemStore(), false)
			req := multipartRequest(t, nil, filePart{"image", tt.filename, "image/png", pngBytes})

			out, err := a.Accept(req.Context(), req)
			if err != nil {
				t.Fatal(err)
			}
			if out.Upload.Accepted != tt.wantAccept {
				t.Fatalf("accepted = %v, want %v (%+v)", out.Upload.Accepted, tt.wantAccept, out.Upload)
			}
			if out.Upload.StoredName != tt.wantStored {
				t.Fatalf("stored = %q, want %q", out.Upload.StoredName, tt.wantStored)
			}
		})
	}
}

func TestAccept_NoImagePart(t *testing.T) {
	a := newAcceptor(t, newMemStore(), true)
	req := multipartRequest(t, map[string]string{"query": "{ viewer { authenticated } }", "operationName": ""})

	out, err := a.Accept(req.Context(), req)
	if err != nil {
		t.Fatal(err)
	}
	if out.Upload != nil {
		t.Fatalf("upload = %+v, want none", out.Upload)
	}
	if out.Fields["query"] != "{ viewer { authenticated } }" {
		t.Fatalf("fields = %v", out.Fields)
	}
}

func TestAccept_OtherFileFieldsIgnored(t *testing.T) {
	store := newMemStore()
	a := newAcceptor(t, store, true)
	req := multipartRequest(t, nil,
		filePart{"avatar", "a.png", "image/png", pngBytes},
		filePart{"image", "b.png", "image/png", pngBytes},
	)

	out, err := a.Accept(req.Context(), req)
	if err != nil {
		t.Fatal(err)
	}
	if !out.Upload.Accepted || out.Upload.OriginalName != "b.png" {
		t.Fatalf("upload = %+v", out.Upload)
	}
	if len(store.objects) != 1 {
		t.Fatalf("stored %d objects, want 1", len(store.objects))
	}
}

func TestAccept_SecondImageRejected(t *testing.T) {
	a := newAcceptor(t, newMemStore(), true)
	req := multipartRequest(t, nil,
		filePart{"image", "a.png", "image/png", pngBytes},
		filePart{"image", "b.png", "image/png", pngBytes},
	)

	_, err := a.Accept(req.Context(), req)
	ae, ok := apperr.As(err)
	if !ok || ae.StatusCode != http.StatusBadRequest {
		t.Fatalf("err = %v, want 400 app error", err)
	}
}

func TestAccept_NotMultipart(t *testing.T) {
	a := newAcceptor(t, newMemStore(), true)
	req := httptest.NewRequest(http.MethodPost, "/graphql", strings.NewReader(`{"query":"{ viewer { authenticated } }"}`))
	req.Header.Set("Content-Type", "application/json")

	out, err := a.Accept(req.Context(), req)
	if err != nil {
		t.Fatal(err)
	}
	if out.Upload != nil || out.Fields != nil {
		t.Fatalf("out = %+v, want empty", out)
	}
	b, _ := io.ReadAll(req.Body)
	if !strings.Contains(string(b), "viewer") {
		t.Fatal("json body should be left unread")
	}
}

func TestAccept_StoreFailure(t *testing.T) {
	store := newMemStore()
	store.putErr = errors.New("bucket unavailable")
	a := newAcceptor(t, store, true)
	req := multipartRequest(t, nil, filePart{"image", "a.png", "image/png", pngBytes})

	_, err := a.Accept(req.Context(), req)
	ae, ok := apperr.As(err)
	if !ok || ae.StatusCode != http.StatusInternalServerError {
		t.Fatalf("err = %v, want 500 app error", err)
	}
	if !strings.Contains(errors.Unwrap(ae).Error(), "bucket unavailable") {
		t.Fatal("cause should be kept for logging")
	}
}

func TestAccept_BodyTooLarge(t *testing.T) {
	a := newAcceptor(t, newMemStore(), false)
	req := multipartRequest(t, nil, filePart{"image", "a.png", "image/png", bytes.Repeat([]byte{1}, 64<<10)})
	rec := httptest.NewRecorder()
	req.Body = http.MaxBytesReader(rec, req.Body, 1024)

	_, err := a.Accept(req.Context(), req)
	ae, ok := apperr.As(err)
	if !ok || ae.StatusCode != http.StatusRequestEntityTooLarge {
		t.Fatalf("err = %v, want 413", err)
	}
}

func TestAccept_OnResult(t *testing.T) {
	var seen []Result
	a, err := New(Options{Store: newMemStore(), Now: fixedNow, OnResult: func(r Result) { seen = append(seen, r) }})
	if err != nil {
		t.Fatal(err)
	}
	req := multipartRequest(t, nil, filePart{"image", "a.gif", "image/gif", gifBytes})
	if _, err := a.Accept(req.Context(), req); err != nil {
		t.Fatal(err)
	}
	if len(seen) != 1 || seen[0].Accepted {
		t.Fatalf("observed = %+v", seen)
	}
}

func TestMiddleware_ContinuesAfterRejectedUpload(t *testing.T) {
	a := newAcceptor(t, newMemStore(), true)

	var gotResult Result
	var gotOK bool
	var fields map[string]string
	h := pipeline.Begin(a.Middleware(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		gotResult, gotOK = FromContext(r.Context())
		fields = pipeline.FromContext(r.Context()).Fields()
		w.WriteHeader(http.StatusOK)
	})))

	req := multipartRequest(t, map[string]string{"query": "{ viewer { authenticated } }"},
		filePart{"image", "a.gif", "image/gif", gifBytes})
	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, req)

	if rec.Code != http.StatusOK {
		t.Fatalf("status = %d, want 200", rec.Code)
	}
	if !gotOK || gotResult.Accepted {
		t.Fatalf("result = %+v ok=%v, want present and not accepted", gotResult, gotOK)
	}
	if fields["query"] == "" {
		t.Fatal("fields should be on the request context")
	}
}

func TestMiddleware_NoImageLeavesOptionEmpty(t *testing.T) {
	a := newAcceptor(t, newMemStore(), true)

	called := false
	h := pipeline.Begin(a.Middleware(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		called = true
		if _, ok := FromContext(r.Context()); ok {
			t.Fatal("no image part, result should be absent")
		}
	})))

	req := httptest.NewRequest(http.MethodPost, "/graphql", strings.NewReader(`{}`))
	req.Header.Set("Content-Type", "application/json")
	h.ServeHTTP(httptest.NewRecorder(), req)
	if !called {
		t.Fatal("next handler not called")
	}
}

func TestMiddleware_ErrorWritesEnvelope(t *testing.T) {
	store := newMemStore()
	store.putErr = errors.New("disk full")
	a := newAcceptor(t, store, true)

	called := false
	h := pipeline.Begin(a.Middleware(http.HandlerFunc(func(http.ResponseWriter, *http.Request) {
		called = true
	})))

	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, multipartRequest(t, nil, filePart{"image", "a.png", "image/png", pngBytes}))

	if called {
		t.Fatal("pipeline should stop after an upload failure")
	}
	if rec.Code != http.StatusInternalServerError {
		t.Fatalf("status = %d, want 500", rec.Code)
	}
	var body map[string]any
	if err := json.Unmarshal(rec.Body.Bytes(), &body); err != nil {
		t.Fatal(err)
	}
	if body["message"] != "Failed to store upload" || body["status"] != float64(500) {
		t.Fatalf("body = %v", body)
	}
}

func TestNew_RequiresStore(t *testing.T) {
	if _, err := New(Options{}); err == nil {
		t.Fatal("expected error without store")
	}
}
