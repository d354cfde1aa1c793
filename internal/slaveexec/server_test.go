package slaveexec

import (
	"bytes"
	"encoding/base64"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"testing"

	"github.com/taskswarm/core/internal/version"
)

func newTestServer(t *testing.T, maxConcurrent int) (*Server, string) {
	t.Helper()
	root := t.TempDir()
	s := NewServer(Options{
		Token:                   "secret",
		MaxConcurrentExecutions: maxConcurrent,
		UploadRoot:              root,
		VersionString:           "0.1.0",
		Branch:                  "main",
		Probe:                   version.NewStaticProbe("abc1234"),
		Backend:                 &BackendProbe{},
	})
	return s, root
}

func TestHealthEndpointIsUnauthenticated(t *testing.T) {
	s, _ := newTestServer(t, 1)
	req := httptest.NewRequest(http.MethodGet, "/health", nil)
	w := httptest.NewRecorder()
	s.Mux().ServeHTTP(w, req)

	if w.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d", w.Code)
	}
	var body map[string]any
	json.Unmarshal(w.Body.Bytes(), &body)
	if body["status"] != "healthy" {
		t.Fatalf("unexpected body: %v", body)
	}
}

func TestExecuteRejectsMissingToken(t *testing.T) {
	s, _ := newTestServer(t, 1)
	req := httptest.NewRequest(http.MethodPost, "/execute", bytes.NewBufferString(`{"command":"echo hi"}`))
	w := httptest.NewRecorder()
	s.Mux().ServeHTTP(w, req)

	if w.Code != http.StatusUnauthorized {
		t.Fatalf("expected 401, got %d", w.Code)
	}
}

func TestExecuteRunsCommandWithValidToken(t *testing.T) {
	s, _ := newTestServer(t, 1)
	req := httptest.NewRequest(http.MethodPost, "/execute", bytes.NewBufferString(`{"command":"echo hello"}`))
	req.Header.Set("Authorization", "Bearer secret")
	w := httptest.NewRecorder()
	s.Mux().ServeHTTP(w, req)

	if w.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d: %s", w.Code, w.Body.String())
	}
	var result ExecuteResult
	if err := json.Unmarshal(w.Body.Bytes(), &result); err != nil {
		t.Fatalf("decode: %v", err)
	}
	if !result.Success || result.Stdout != "hello\n" {
		t.Fatalf("unexpected result: %+v", result)
	}
	if result.Method != string(Interpreter) {
		t.Fatalf("expected interpreter backend, got %s", result.Method)
	}
}

func TestExecuteReturns503WhenSaturated(t *testing.T) {
	s, _ := newTestServer(t, 1)
	s.running = 1 // simulate an in-flight execution

	req := httptest.NewRequest(http.MethodPost, "/execute", bytes.NewBufferString(`{"command":"echo hi"}`))
	req.Header.Set("Authorization", "Bearer secret")
	w := httptest.NewRecorder()
	s.Mux().ServeHTTP(w, req)

	if w.Code != http.StatusServiceUnavailable {
		t.Fatalf("expected 503, got %d", w.Code)
	}
}

func TestUploadRejectsPathOutsideRoot(t *testing.T) {
	s, _ := newTestServer(t, 1)
	body, _ := json.Marshal(map[string]string{
		"path":           "../../etc/passwd",
		"content_base64": base64.StdEncoding.EncodeToString([]byte("x")),
	})
	req := httptest.NewRequest(http.MethodPost, "/upload", bytes.NewReader(body))
	req.Header.Set("Authorization", "Bearer secret")
	w := httptest.NewRecorder()
	s.Mux().ServeHTTP(w, req)

	if w.Code != http.StatusBadRequest {
		t.Fatalf("expected 400, got %d", w.Code)
	}
}

func TestUploadWritesFileWithinRoot(t *testing.T) {
	s, root := newTestServer(t, 1)
	body, _ := json.Marshal(map[string]string{
		"path":           "sub/dir/file.txt",
		"content_base64": base64.StdEncoding.EncodeToString([]byte("hello world")),
	})
	req := httptest.NewRequest(http.MethodPost, "/upload", bytes.NewReader(body))
	req.Header.Set("Authorization", "Bearer secret")
	w := httptest.NewRecorder()
	s.Mux().ServeHTTP(w, req)

	if w.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d: %s", w.Code, w.Body.String())
	}
	data, err := os.ReadFile(filepath.Join(root, "sub/dir/file.txt"))
	if err != nil {
		t.Fatalf("expected file to be written: %v", err)
	}
	if string(data) != "hello world" {
		t.Fatalf("unexpected file content: %s", data)
	}
}
