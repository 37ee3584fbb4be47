package e2e

import (
	"bufio"
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"io"
	"net"
	"net/http"
	"net/http/httptest"
	"os"
	"os/exec"
	"path/filepath"
	"strings"
	"sync"
	"testing"
	"time"

	"chatd/internal/app"
	"chatd/internal/config"
	"chatd/internal/httpapi"
	"chatd/pkg/types"
)

type quietSource struct{}

func (quietSource) Memory(context.Context) (uint64, uint64, error)      { return 16 << 30, 8 << 30, nil }
func (quietSource) CPU(context.Context) (float64, error)                { return 5, nil }
func (quietSource) RSS(context.Context, ...string) (uint64, int, error) { return 0, 0, nil }

// testConfig lays out a throwaway models/backend/temp tree.
func testConfig(t *testing.T) config.Config {
	t.Helper()
	root := t.TempDir()
	no := false
	cfg := config.Default()
	cfg.Paths.ModelsDir = filepath.Join(root, "models")
	cfg.Paths.BackendDir = filepath.Join(root, "backend")
	cfg.Paths.TempDir = filepath.Join(root, "temp")
	cfg.Paths.TranslatorDir = filepath.Join(root, "models", "translator")
	cfg.Stop.KillByName = &no
	cfg.Stop.Settle = 0
	cfg.Readiness.PollInterval = config.Duration(20 * time.Millisecond)
	cfg.Readiness.Timeout = config.Duration(10 * time.Second)
	for _, d := range []string{cfg.Paths.ModelsDir, cfg.Paths.BackendDir, cfg.Paths.TempDir} {
		if err := os.MkdirAll(d, 0o755); err != nil {
			t.Fatal(err)
		}
	}
	return cfg
}

// newDaemon serves the control API of a fresh service over httptest.
func newDaemon(t *testing.T, cfg config.Config) (*httptest.Server, *app.Service) {
	t.Helper()
	svc, err := app.New(app.Options{Config: cfg, Sysmon: quietSource{}})
	if err != nil {
		t.Fatalf("new service: %v", err)
	}
	ctx, cancel := context.WithCancel(context.Background())
	httpapi.SetBaseContext(ctx)
	srv := httptest.NewServer(httpapi.NewMux(svc))
	t.Cleanup(func() {
		cancel()
		srv.Close()
		_ = svc.Close()
		httpapi.SetBaseContext(nil)
	})
	return srv, svc
}

// fileServer serves body at every path and honours Range requests.
func fileServer(t *testing.T, body []byte) *httptest.Server {
	t.Helper()
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		http.ServeContent(w, r, "", time.Time{}, bytes.NewReader(body))
	}))
	t.Cleanup(srv.Close)
	return srv
}

// freePort reserves a loopback port and releases it for the caller.
func freePort(t *testing.T) int {
	t.Helper()
	ln, err := net.Listen("tcp", "127.0.0.1:0")
	if err != nil {
		t.Fatalf("listen: %v", err)
	}
	defer ln.Close()
	return ln.Addr().(*net.TCPAddr).Port
}

var (
	fakeOnce sync.Once
	fakeBin  string
	fakeErr  error
)

// fakeServer builds the stand-in llama.cpp server used by the supervisor tests.
func fakeServer(t *testing.T) string {
	t.Helper()
	if testing.Short() {
		t.Skip("short mode")
	}
	fakeOnce.Do(func() {
		dir, err := os.MkdirTemp("", "chatd-e2e")
		if err != nil {
			fakeErr = err
			return
		}
		fakeBin = filepath.Join(dir, "fake_llama_server")
		cmd := exec.Command("go", "build", "-o", fakeBin, "../supervisor/testdata/fake_llama_server.go")
		cmd.Env = append(os.Environ(), "CGO_ENABLED=0")
		if out, err := cmd.CombinedOutput(); err != nil {
			fakeErr = errors.New(err.Error() + ": " + string(out))
		}
	})
	if fakeErr != nil {
		t.Fatalf("build fake server: %v", fakeErr)
	}
	return fakeBin
}

func httpGet(t *testing.T, url string) (*http.Response, []byte) {
	t.Helper()
	req, err := http.NewRequestWithContext(context.Background(), http.MethodGet, url, nil)
	if err != nil {
		t.Fatalf("new req: %v", err)
	}
	resp, err := http.DefaultClient.Do(req)
	if err != nil {
		t.Fatalf("do req: %v", err)
	}
	body, _ := io.ReadAll(resp.Body)
	_ = resp.Body.Close()
	return resp, body
}

func httpPostJSON(t *testing.T, url string, payload any) (*http.Response, []byte) {
	t.Helper()
	var r io.Reader = http.NoBody
	if payload != nil {
		b, err := json.Marshal(payload)
		if err != nil {
			t.Fatalf("marshal: %v", err)
		}
		r = bytes.NewReader(b)
	}
	req, err := http.NewRequestWithContext(context.Background(), http.MethodPost, url, r)
	if err != nil {
		t.Fatalf("new req: %v", err)
	}
	req.Header.Set("Content-Type", "application/json")
	resp, err := http.DefaultClient.Do(req)
	if err != nil {
		t.Fatalf("do req: %v", err)
	}
	body, _ := io.ReadAll(resp.Body)
	_ = resp.Body.Close()
	return resp, body
}

func decode[T any](t *testing.T, body []byte) T {
	t.Helper()
	var v T
	if err := json.Unmarshal(body, &v); err != nil {
		t.Fatalf("decode %T: %v body=%s", v, err, string(body))
	}
	return v
}

// pollDownload fetches /downloads/{id} until done reports true.
func pollDownload(t *testing.T, base, id string, done func(types.DownloadStatus) bool) types.DownloadStatus {
	t.Helper()
	deadline := time.Now().Add(10 * time.Second)
	for {
		resp, body := httpGet(t, base+"/downloads/"+id)
		if resp.StatusCode != http.StatusOK {
			t.Fatalf("GET download %d %s", resp.StatusCode, string(body))
		}
		st := decode[types.DownloadStatus](t, body)
		if done(st) {
			return st
		}
		if time.Now().After(deadline) {
			t.Fatalf("download %s stuck: %+v", id, st)
		}
		time.Sleep(10 * time.Millisecond)
	}
}

func finished(st types.DownloadStatus) bool {
	switch st.Status {
	case "completed", "failed", "canceled":
		return true
	}
	return false
}

// sseNames reads event names from an open /events stream until n are seen.
func sseNames(t *testing.T, body io.Reader, n int) []string {
	t.Helper()
	var names []string
	sc := bufio.NewScanner(body)
	for len(names) < n && sc.Scan() {
		if name, ok := strings.CutPrefix(sc.Text(), "event: "); ok {
			names = append(names, name)
		}
	}
	return names
}
