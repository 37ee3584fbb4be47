package app

import (
	"bytes"
	"context"
	"encoding/json"
	"net"
	"net/http"
	"net/http/httptest"
	"net/url"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"chatd/internal/apperr"
	"chatd/internal/config"
	"chatd/internal/events"
	"chatd/internal/transfer"
	"chatd/pkg/types"
)

type fakeSource struct{}

func (fakeSource) Memory(context.Context) (uint64, uint64, error)      { return 8 << 30, 4 << 30, nil }
func (fakeSource) CPU(context.Context) (float64, error)                { return 12, nil }
func (fakeSource) RSS(context.Context, ...string) (uint64, int, error) { return 1 << 30, 1, nil }

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
	if err := os.MkdirAll(cfg.Paths.ModelsDir, 0o755); err != nil {
		t.Fatal(err)
	}
	return cfg
}

func newService(t *testing.T, cfg config.Config, pub events.Publisher) *Service {
	t.Helper()
	s, err := New(Options{Config: cfg, Publisher: pub, Sysmon: fakeSource{}})
	if err != nil {
		t.Fatalf("new service: %v", err)
	}
	t.Cleanup(func() { _ = s.Close() })
	return s
}

// rangeServer serves body at every path, honouring "bytes=N-".
func rangeServer(t *testing.T, body []byte) *httptest.Server {
	t.Helper()
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		http.ServeContent(w, r, "", time.Time{}, bytes.NewReader(body))
	}))
	t.Cleanup(srv.Close)
	return srv
}

func wait(t *testing.T, s *Service, id string) types.DownloadStatus {
	t.Helper()
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	st, err := s.WaitDownload(ctx, id)
	if err != nil {
		t.Fatalf("wait: %v", err)
	}
	return st
}

func TestDownloadURLSelectsModel(t *testing.T) {
	body := bytes.Repeat([]byte("gguf"), 4096)
	srv := rangeServer(t, body)
	mem := events.NewMemory()
	s := newService(t, testConfig(t), mem)

	st, err := s.StartDownload(types.DownloadRequest{
		Items:  []types.DownloadItem{{URL: srv.URL + "/m/tiny.Q4_K_M.gguf?download=true"}},
		Select: true,
	})
	if err != nil {
		t.Fatal(err)
	}
	st = wait(t, s, st.ID)
	if st.Status != "completed" || st.Files[0].Percent != 100 {
		t.Fatalf("status %+v", st)
	}
	if got := s.Config().Model.Selected; got != "tiny.Q4_K_M.gguf" {
		t.Fatalf("selected %q", got)
	}
	models, err := s.Models()
	if err != nil || len(models) != 1 || !models[0].Selected || models[0].SizeBytes != int64(len(body)) {
		t.Fatalf("models %+v %v", models, err)
	}
	if len(mem.Filter(transfer.EventCompleted)) != 1 {
		t.Fatalf("events %v", mem.Names())
	}
}

func TestAskConflictWaitsForResolution(t *testing.T) {
	body := bytes.Repeat([]byte("0123456789"), 1000)
	srv := rangeServer(t, body)
	cfg := testConfig(t)
	partial := filepath.Join(cfg.Paths.ModelsDir, "m.gguf")
	if err := os.WriteFile(partial, body[:2500], 0o644); err != nil {
		t.Fatal(err)
	}
	s := newService(t, cfg, nil)

	st, err := s.StartDownload(types.DownloadRequest{Items: []types.DownloadItem{{URL: srv.URL + "/m.gguf"}}, OnConflict: "ask"})
	if err != nil {
		t.Fatal(err)
	}
	deadline := time.Now().Add(5 * time.Second)
	for {
		cur, _ := s.Download(st.ID)
		if cur.Conflict != nil {
			if cur.Conflict.Size != 2500 || cur.Conflict.Index != 1 {
				t.Fatalf("conflict %+v", cur.Conflict)
			}
			break
		}
		if time.Now().After(deadline) {
			t.Fatalf("no conflict reported")
		}
		time.Sleep(5 * time.Millisecond)
	}
	if err := s.ResolveDownload(st.ID, "resume"); err != nil {
		t.Fatal(err)
	}
	if st = wait(t, s, st.ID); st.Status != "completed" {
		t.Fatalf("status %+v", st)
	}
	got, _ := os.ReadFile(partial)
	if !bytes.Equal(got, body) {
		t.Fatalf("resumed file differs (%d bytes)", len(got))
	}
	if err := s.ResolveDownload(st.ID, "resume"); !apperr.IsInvalid(err) {
		t.Fatalf("resolve without conflict: %v", err)
	}
}

func TestCancelAnswersParkedConflict(t *testing.T) {
	srv := rangeServer(t, []byte("full body"))
	cfg := testConfig(t)
	_ = os.WriteFile(filepath.Join(cfg.Paths.ModelsDir, "x.bin"), []byte("full"), 0o644)
	s := newService(t, cfg, nil)
	st, err := s.StartDownload(types.DownloadRequest{Items: []types.DownloadItem{{URL: srv.URL + "/x.bin"}}})
	if err != nil {
		t.Fatal(err)
	}
	deadline := time.Now().Add(5 * time.Second)
	for cur, _ := s.Download(st.ID); cur.Conflict == nil; cur, _ = s.Download(st.ID) {
		if time.Now().After(deadline) {
			t.Fatalf("no conflict reported")
		}
		time.Sleep(5 * time.Millisecond)
	}
	if err := s.CancelDownload(st.ID); err != nil {
		t.Fatal(err)
	}
	if st = wait(t, s, st.ID); st.Status != "canceled" {
		t.Fatalf("status %+v", st)
	}
}

func TestOverlappingDownloadIsBusy(t *testing.T) {
	body := bytes.Repeat([]byte("z"), 1<<20)
	release := make(chan struct{})
	var calls atomic.Int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Length", strconv.Itoa(len(body)))
		if calls.Add(1) > 1 {
			_, _ = w.Write(body)
			return
		}
		_, _ = w.Write(body[:len(body)/2])
		w.(http.Flusher).Flush()
		select {
		case <-release:
		case <-r.Context().Done():
			return
		}
		_, _ = w.Write(body[len(body)/2:])
	}))
	t.Cleanup(srv.Close)
	var once sync.Once
	unblock := func() { once.Do(func() { close(release) }) }
	t.Cleanup(unblock)

	cfg := testConfig(t)
	s := newService(t, cfg, nil)
	req := types.DownloadRequest{Items: []types.DownloadItem{{URL: srv.URL + "/big.gguf"}}, OnConflict: "resume"}
	first, err := s.StartDownload(req)
	if err != nil {
		t.Fatal(err)
	}
	if _, err := s.StartDownload(req); !apperr.IsBusy(err) {
		t.Fatalf("second start on the same file: %v", err)
	}
	if got := len(s.Downloads()); got != 1 {
		t.Fatalf("%d downloads registered", got)
	}

	unblock()
	if st := wait(t, s, first.ID); st.Status != "completed" {
		t.Fatalf("status %+v", st)
	}
	info, err := os.Stat(filepath.Join(cfg.Paths.ModelsDir, "big.gguf"))
	if err != nil || info.Size() != int64(len(body)) {
		t.Fatalf("file %v %v", info, err)
	}

	req.OnConflict = "overwrite"
	again, err := s.StartDownload(req)
	if err != nil {
		t.Fatalf("start after the first finished: %v", err)
	}
	if st := wait(t, s, again.ID); st.Status != "completed" {
		t.Fatalf("status %+v", st)
	}
}

func TestDownloadValidation(t *testing.T) {
	s := newService(t, testConfig(t), nil)
	if _, err := s.StartDownload(types.DownloadRequest{Bundle: "nope"}); !apperr.IsNotFound(err) {
		t.Fatalf("unknown bundle: %v", err)
	}
	if _, err := s.StartDownload(types.DownloadRequest{}); !apperr.IsInvalid(err) {
		t.Fatalf("no items: %v", err)
	}
	if _, err := s.StartDownload(types.DownloadRequest{Items: []types.DownloadItem{{URL: "http://x/a"}}, OnConflict: "skip"}); !apperr.IsInvalid(err) {
		t.Fatalf("bad policy: %v", err)
	}
	if _, err := s.Download("missing"); !apperr.IsNotFound(err) {
		t.Fatalf("missing: %v", err)
	}
	if err := s.CancelDownload("missing"); !apperr.IsNotFound(err) {
		t.Fatalf("cancel missing: %v", err)
	}
}

func TestConfigBundleMovesIntoTarget(t *testing.T) {
	srv := rangeServer(t, []byte(`{"arch":"m2m"}`))
	cfg := testConfig(t)
	cfg.Bundles = []config.Bundle{{Name: "vocab", URLs: []string{srv.URL + "/config.json?download=true"}, Install: "move", Target: "translator"}}
	s := newService(t, cfg, nil)
	st, err := s.StartDownload(types.DownloadRequest{Bundle: "vocab"})
	if err != nil {
		t.Fatal(err)
	}
	st = wait(t, s, st.ID)
	want := filepath.Join(cfg.Paths.TranslatorDir, "config.json")
	if st.Status != "completed" || len(st.Files[0].Installed) != 1 || st.Files[0].Installed[0] != want {
		t.Fatalf("status %+v", st)
	}
	if _, err := os.Stat(want); err != nil {
		t.Fatal(err)
	}
}

func mainServerConfig(t *testing.T, h http.HandlerFunc) config.Config {
	t.Helper()
	srv := httptest.NewServer(h)
	t.Cleanup(srv.Close)
	u, _ := url.Parse(srv.URL)
	host, port, _ := net.SplitHostPort(u.Host)
	cfg := testConfig(t)
	cfg.Servers.Main.Host = host
	cfg.Servers.Main.Port, _ = strconv.Atoi(port)
	return cfg
}

func TestChatTurnAndUndo(t *testing.T) {
	var prompts []string
	cfg := mainServerConfig(t, func(w http.ResponseWriter, r *http.Request) {
		var body map[string]any
		_ = json.NewDecoder(r.Body).Decode(&body)
		prompts = append(prompts, body["prompt"].(string))
		_, _ = w.Write([]byte(`{"content":" Paris.</s>","tokens_predicted":2}`))
	})
	s := newService(t, cfg, nil)

	temp := 0.1
	rep, err := s.Chat(context.Background(), types.ChatRequest{Message: " Capital of France?", Temperature: &temp})
	if err != nil {
		t.Fatal(err)
	}
	if rep.Text != " Paris." || rep.Tokens != 2 {
		t.Fatalf("reply %+v", rep)
	}
	if !strings.HasSuffix(prompts[0], "User: Capital of France?\nAI Assistant:") {
		t.Fatalf("prompt %q", prompts[0])
	}
	tr := s.Transcript()
	if len(tr.Entries) != 2 || tr.AIName != "AI Assistant" || tr.Busy {
		t.Fatalf("transcript %+v", tr)
	}
	u, err := s.Undo()
	if err != nil || u.Message != " Capital of France?" {
		t.Fatalf("undo %+v %v", u, err)
	}
	if err := s.ClearChat(); err != nil {
		t.Fatal(err)
	}
	bad := 3.0
	if _, err := s.Chat(context.Background(), types.ChatRequest{Message: "x", Temperature: &bad}); !apperr.IsInvalid(err) {
		t.Fatalf("temperature: %v", err)
	}
}

func TestChatAPIUsesChatEndpoint(t *testing.T) {
	var paths []string
	var msgs []map[string]string
	cfg := mainServerConfig(t, func(w http.ResponseWriter, r *http.Request) {
		paths = append(paths, r.URL.Path)
		if r.URL.Path != "/v1/chat/completions" {
			_, _ = w.Write([]byte(`{"content":"wrong endpoint","tokens_predicted":1}`))
			return
		}
		var body struct {
			Messages []map[string]string `json:"messages"`
		}
		_ = json.NewDecoder(r.Body).Decode(&body)
		msgs = body.Messages
		_, _ = w.Write([]byte(`{"choices":[{"message":{"role":"assistant","content":"Paris.<|im_end|>"}}],"usage":{"total_tokens":12}}`))
	})
	cfg.Chat.API = "chat"
	s := newService(t, cfg, nil)

	rep, err := s.Chat(context.Background(), types.ChatRequest{Message: "Capital of France?"})
	if err != nil {
		t.Fatal(err)
	}
	if rep.Text != "Paris." || rep.Tokens != 12 {
		t.Fatalf("reply %+v", rep)
	}
	if len(paths) != 1 || len(msgs) != 2 || msgs[0]["role"] != "system" || msgs[1]["content"] != "Capital of France?" {
		t.Fatalf("paths %v messages %v", paths, msgs)
	}
}

func TestSetPersonaRenamesNextTurn(t *testing.T) {
	var prompts []string
	cfg := mainServerConfig(t, func(w http.ResponseWriter, r *http.Request) {
		var body map[string]any
		_ = json.NewDecoder(r.Body).Decode(&body)
		prompts = append(prompts, body["prompt"].(string))
		_, _ = w.Write([]byte(`{"content":" ok","tokens_predicted":1}`))
	})
	s := newService(t, cfg, nil)
	if _, err := s.SetPersona(types.PersonaRequest{UserName: "Same", AIName: "Same"}); !apperr.IsInvalid(err) {
		t.Fatalf("same names: %v", err)
	}
	tr, err := s.SetPersona(types.PersonaRequest{AIName: "Tutor"})
	if err != nil || tr.AIName != "Tutor" || tr.UserName != "User" {
		t.Fatalf("persona %+v %v", tr, err)
	}
	if _, err := s.Chat(context.Background(), types.ChatRequest{Message: " hi"}); err != nil {
		t.Fatal(err)
	}
	if !strings.HasSuffix(prompts[0], "User: hi\nTutor:") {
		t.Fatalf("prompt %q", prompts[0])
	}
	if s.Config().Chat.AIName != "Tutor" {
		t.Fatalf("config not updated")
	}
}

func TestChatServerDown(t *testing.T) {
	cfg := mainServerConfig(t, func(w http.ResponseWriter, r *http.Request) {
		http.Error(w, "loading model", http.StatusServiceUnavailable)
	})
	s := newService(t, cfg, nil)
	_, err := s.Chat(context.Background(), types.ChatRequest{Message: "hi"})
	if apperr.UserMessage(err) != "unable to get response" {
		t.Fatalf("got %v", err)
	}
	if len(s.Transcript().Entries) != 0 {
		t.Fatalf("failed turn recorded")
	}
}

func TestServerControlValidation(t *testing.T) {
	cfg := testConfig(t)
	cfg.Servers.Main.Binary = filepath.Join(cfg.Paths.BackendDir, "absent-server")
	s := newService(t, cfg, nil)
	if _, err := s.StartServer(context.Background(), types.ServerRequest{Role: "captioning"}); !apperr.IsInvalid(err) {
		t.Fatalf("caption disabled: %v", err)
	}
	if _, err := s.StartServer(context.Background(), types.ServerRequest{Role: "both"}); !apperr.IsInvalid(err) {
		t.Fatalf("bad role: %v", err)
	}
	if _, err := s.StartServer(context.Background(), types.ServerRequest{Model: "absent.gguf"}); !apperr.IsNotFound(err) {
		t.Fatalf("unknown model: %v", err)
	}
	if _, err := s.StartServer(context.Background(), types.ServerRequest{}); err == nil {
		t.Fatalf("missing binary should fail")
	}
	st, err := s.StopServer(types.ServerRequest{})
	if err != nil || st.State != "stopped" || st.Role != "none" {
		t.Fatalf("stop %+v %v", st, err)
	}
	if s.Ready() {
		t.Fatalf("ready without a server")
	}
}

func TestStatusCarriesResourceSample(t *testing.T) {
	cfg := testConfig(t)
	cfg.Sysmon.Interval = config.Duration(5 * time.Millisecond)
	s := newService(t, cfg, nil)
	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Millisecond)
	defer cancel()
	_ = s.Run(ctx)
	st := s.Status()
	if !strings.Contains(st.Resources, "servers 1.0 GiB (1 procs)") {
		t.Fatalf("resources %q", st.Resources)
	}
	if st.Model != config.DefaultSelectedModel || st.Server.State != "stopped" {
		t.Fatalf("status %+v", st)
	}
	if b := s.Bundles(); len(b) < 6 || b[len(b)-1].Name != "translator" {
		t.Fatalf("bundles %+v", b)
	}
}
