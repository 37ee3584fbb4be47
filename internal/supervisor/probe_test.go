package supervisor

import (
	"context"
	"errors"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"slices"
	"strings"
	"sync/atomic"
	"testing"

	"chatd/internal/config"
)

func appendFile(t *testing.T, path, s string) {
	t.Helper()
	f, err := os.OpenFile(path, os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0o644)
	if err != nil {
		t.Fatal(err)
	}
	defer f.Close()
	if _, err := f.WriteString(s); err != nil {
		t.Fatal(err)
	}
}

func TestLogTailProbeMissingFileIsNotReady(t *testing.T) {
	p := NewLogTailProbe(filepath.Join(t.TempDir(), "absent.log"), "ready")
	r, err := p.Poll(context.Background())
	if r != NotReady || err != nil {
		t.Fatalf("got %v %v", r, err)
	}
}

func TestLogTailProbeMarkerSplitAcrossPolls(t *testing.T) {
	path := filepath.Join(t.TempDir(), "llama_output.log")
	marker := config.DefaultReadyMarker
	p := NewLogTailProbe(path, marker)

	appendFile(t, path, "llama_model_loader: loaded meta data\n"+marker[:20])
	if r, _ := p.Poll(context.Background()); r != NotReady {
		t.Fatalf("partial marker must not be ready")
	}
	appendFile(t, path, marker[20:]+"\n")
	if r, err := p.Poll(context.Background()); r != Ready || err != nil {
		t.Fatalf("expected ready, got %v %v", r, err)
	}
}

func TestLogTailProbeFailMarker(t *testing.T) {
	path := filepath.Join(t.TempDir(), "llava_output.log")
	p := NewLogTailProbe(path, "idle", "error loading model")
	appendFile(t, path, "error loading model: bad magic\n")
	r, err := p.Poll(context.Background())
	var me *MarkerError
	if r != Failed || !errors.As(err, &me) || me.Marker != "error loading model" {
		t.Fatalf("got %v %v", r, err)
	}
}

func TestLogTailProbeHandlesTruncation(t *testing.T) {
	path := filepath.Join(t.TempDir(), "l.log")
	p := NewLogTailProbe(path, "READY")
	appendFile(t, path, strings.Repeat("x", 100))
	_, _ = p.Poll(context.Background())
	if err := os.WriteFile(path, []byte("READY\n"), 0o644); err != nil {
		t.Fatal(err)
	}
	if r, _ := p.Poll(context.Background()); r != Ready {
		t.Fatalf("expected ready after truncation, got %v", r)
	}
}

func TestHTTPProbe(t *testing.T) {
	var up atomic.Bool
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if !up.Load() {
			w.WriteHeader(http.StatusServiceUnavailable)
			return
		}
		w.WriteHeader(http.StatusOK)
	}))
	p := &HTTPProbe{URL: srv.URL + "/health"}
	if r, _ := p.Poll(context.Background()); r != NotReady {
		t.Fatalf("503 should be not ready")
	}
	up.Store(true)
	if r, _ := p.Poll(context.Background()); r != Ready {
		t.Fatalf("200 should be ready")
	}
	srv.Close()
	if r, err := p.Poll(context.Background()); r != NotReady || err != nil {
		t.Fatalf("refused connection should be not ready, got %v %v", r, err)
	}
}

func TestMainArgs(t *testing.T) {
	cfg := config.Default()
	cfg.Paths.ModelsDir = "models"
	args := MainArgs(cfg)
	want := []string{"-m", filepath.Join("models", config.DefaultSelectedModel), "--host", "127.0.0.1", "--port", "35634",
		"-t", "14", "-c", "4096", "-ngl", "0", "-b", "512"}
	if !slices.Equal(args, want) {
		t.Fatalf("args %v", args)
	}

	cfg.Settings.GroupAttnN = 4
	cfg.Settings.GroupAttnW = 2048
	cfg.Servers.Main.ExtraArgs = []string{"--mlock"}
	args = MainArgs(cfg)
	tail := args[len(want):]
	if !slices.Equal(tail, []string{"--grp-attn-n", "4", "--grp-attn-w", "2048", "--mlock"}) {
		t.Fatalf("tail %v", tail)
	}
}

func TestCaptionLaunch(t *testing.T) {
	cfg := config.Default()
	cfg.Paths.TempDir = "temp"
	lp := CaptionLaunch(cfg)
	if !slices.Contains(lp.Args, "--nobrowser") || !slices.Contains(lp.Args, "17186") {
		t.Fatalf("args %v", lp.Args)
	}
	if lp.LogPath != filepath.Join("temp", "llava_output.log") {
		t.Fatalf("log path %s", lp.LogPath)
	}
	if _, ok := lp.Probe.(*LogTailProbe); !ok {
		t.Fatalf("default probe should tail the log")
	}
	cfg.Readiness.Mode = "http"
	if hp, ok := LaunchFor(cfg, RoleMain).Probe.(*HTTPProbe); !ok || !strings.HasSuffix(hp.URL, ":35634/health") {
		t.Fatalf("http probe %+v", LaunchFor(cfg, RoleMain).Probe)
	}
}

func TestParseRole(t *testing.T) {
	if r, ok := ParseRole("caption"); !ok || r != RoleCaption {
		t.Fatalf("caption")
	}
	if _, ok := ParseRole("both"); ok {
		t.Fatalf("unknown role accepted")
	}
}
