package offline

import (
	"errors"
	"fmt"
	"io"
	"net/http"
	"path/filepath"
	"strings"
	"sync"
	"testing"
)

// fakeFetcher is a scripted network, keyed by request path.
type fakeFetcher struct {
	mu        sync.Mutex
	responses map[string]fakeResponse
	fail      bool
	calls     map[string]int
}

type fakeResponse struct {
	status int
	body   string
}

func newFakeFetcher() *fakeFetcher {
	return &fakeFetcher{
		responses: make(map[string]fakeResponse),
		calls:     make(map[string]int),
	}
}

func (f *fakeFetcher) set(path string, status int, body string) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.responses[path] = fakeResponse{status: status, body: body}
}

func (f *fakeFetcher) setOffline(offline bool) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.fail = offline
}

func (f *fakeFetcher) callCount(path string) int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.calls[path]
}

func (f *fakeFetcher) Do(req *http.Request) (*http.Response, error) {
	f.mu.Lock()
	defer f.mu.Unlock()

	f.calls[req.URL.Path]++
	if f.fail {
		return nil, errors.New("connection refused")
	}

	fr, ok := f.responses[req.URL.Path]
	if !ok {
		fr = fakeResponse{status: http.StatusNotFound, body: "not found"}
	}
	return &http.Response{
		Status:     http.StatusText(fr.status),
		StatusCode: fr.status,
		Header:     http.Header{"Content-Type": []string{"text/plain"}},
		Body:       io.NopCloser(strings.NewReader(fr.body)),
		Request:    req,
	}, nil
}

// memWindows is an in-memory window surface for click routing tests.
type memWindows struct {
	mu   sync.Mutex
	open []*memWindow
}

type memWindow struct {
	id       string
	location string
	focused  int
}

func (w *memWindow) ID() string       { return w.id }
func (w *memWindow) Location() string { return w.location }
func (w *memWindow) Focus() error {
	w.focused++
	return nil
}

func (m *memWindows) Windows() []Window {
	m.mu.Lock()
	defer m.mu.Unlock()
	out := make([]Window, len(m.open))
	for i, w := range m.open {
		out[i] = w
	}
	return out
}

func (m *memWindows) Open(url string) (Window, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	w := &memWindow{id: fmt.Sprintf("window-%d", len(m.open)+1), location: url}
	m.open = append(m.open, w)
	return w, nil
}

func (m *memWindows) add(location string) *memWindow {
	m.mu.Lock()
	defer m.mu.Unlock()
	w := &memWindow{id: fmt.Sprintf("window-%d", len(m.open)+1), location: location}
	m.open = append(m.open, w)
	return w
}

func newTestRegistry(t *testing.T, path, version string) *Registry {
	t.Helper()
	reg, err := OpenRegistry(RegistryConfig{Path: path, Version: version})
	if err != nil {
		t.Fatalf("failed to open registry: %v", err)
	}
	t.Cleanup(func() { reg.Close() })
	return reg
}

func testDBPath(t *testing.T) string {
	t.Helper()
	return filepath.Join(t.TempDir(), "offline.db")
}
