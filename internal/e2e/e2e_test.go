package e2e

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
	"testing"
	"time"

	"chatd/pkg/types"
)

func TestE2E_DownloadSelectAndList(t *testing.T) {
	body := bytes.Repeat([]byte("GGUF"), 8192)
	files := fileServer(t, body)
	srv, _ := newDaemon(t, testConfig(t))

	resp, raw := httpGet(t, srv.URL+"/models")
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("/models %d %s", resp.StatusCode, string(raw))
	}
	if got := decode[types.ModelsResponse](t, raw); len(got.Models) != 0 {
		t.Fatalf("expected empty models dir, got %+v", got.Models)
	}

	resp, raw = httpPostJSON(t, srv.URL+"/downloads", types.DownloadRequest{
		Items:  []types.DownloadItem{{URL: files.URL + "/tiny.Q4_K_M.gguf"}},
		Select: true,
	})
	if resp.StatusCode != http.StatusAccepted {
		t.Fatalf("POST /downloads %d %s", resp.StatusCode, string(raw))
	}
	if loc := resp.Header.Get("Location"); !strings.HasPrefix(loc, "/downloads/") {
		t.Fatalf("location %q", loc)
	}
	st := pollDownload(t, srv.URL, decode[types.DownloadStatus](t, raw).ID, finished)
	if st.Status != "completed" || st.Files[0].Written != int64(len(body)) {
		t.Fatalf("download %+v", st)
	}

	_, raw = httpGet(t, srv.URL+"/models")
	models := decode[types.ModelsResponse](t, raw).Models
	if len(models) != 1 || models[0].ID != "tiny.Q4_K_M.gguf" || !models[0].Selected {
		t.Fatalf("models %+v", models)
	}

	_, raw = httpGet(t, srv.URL+"/status")
	if s := decode[types.StatusResponse](t, raw); s.Model != "tiny.Q4_K_M.gguf" || s.ActiveDownloads != 0 {
		t.Fatalf("status %+v", s)
	}

	_, raw = httpGet(t, srv.URL+"/downloads")
	if list := decode[types.DownloadsResponse](t, raw); len(list.Downloads) != 1 {
		t.Fatalf("downloads %+v", list)
	}
}

func TestE2E_ConflictAskThenResume(t *testing.T) {
	body := bytes.Repeat([]byte("abcdefgh"), 2048)
	files := fileServer(t, body)
	cfg := testConfig(t)
	if err := os.WriteFile(filepath.Join(cfg.Paths.ModelsDir, "part.gguf"), body[:1000], 0o644); err != nil {
		t.Fatal(err)
	}
	srv, _ := newDaemon(t, cfg)

	resp, raw := httpPostJSON(t, srv.URL+"/downloads", types.DownloadRequest{
		Items:      []types.DownloadItem{{URL: files.URL + "/part.gguf"}},
		OnConflict: "ask",
	})
	if resp.StatusCode != http.StatusAccepted {
		t.Fatalf("POST /downloads %d %s", resp.StatusCode, string(raw))
	}
	id := decode[types.DownloadStatus](t, raw).ID
	st := pollDownload(t, srv.URL, id, func(s types.DownloadStatus) bool { return s.Conflict != nil })
	if st.Conflict.Size != 1000 || st.Conflict.Count != 1 {
		t.Fatalf("conflict %+v", st.Conflict)
	}

	resp, raw = httpPostJSON(t, srv.URL+"/downloads/"+id+"/resolve", types.ResolveRequest{Resolution: "bogus"})
	if resp.StatusCode != http.StatusBadRequest {
		t.Fatalf("bad resolution %d %s", resp.StatusCode, string(raw))
	}
	resp, raw = httpPostJSON(t, srv.URL+"/downloads/"+id+"/resolve", types.ResolveRequest{Resolution: "resume"})
	if resp.StatusCode != http.StatusOK && resp.StatusCode != http.StatusNoContent {
		t.Fatalf("resolve %d %s", resp.StatusCode, string(raw))
	}
	if st = pollDownload(t, srv.URL, id, finished); st.Status != "completed" {
		t.Fatalf("download %+v", st)
	}
	got, err := os.ReadFile(filepath.Join(cfg.Paths.ModelsDir, "part.gguf"))
	if err != nil || !bytes.Equal(got, body) {
		t.Fatalf("resumed file differs (len %d) %v", len(got), err)
	}
}

func TestE2E_CancelDownload(t *testing.T) {
	release := make(chan struct{})
	slow := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Length", "1048576")
		_, _ = w.Write(make([]byte, 1024))
		w.(http.Flusher).Flush()
		select {
		case <-release:
		case <-r.Context().Done():
		}
	}))
	t.Cleanup(func() { close(release); slow.Close() })
	srv, _ := newDaemon(t, testConfig(t))

	_, raw := httpPostJSON(t, srv.URL+"/downloads", types.DownloadRequest{Items: []types.DownloadItem{{URL: slow.URL + "/big.gguf"}}})
	id := decode[types.DownloadStatus](t, raw).ID
	pollDownload(t, srv.URL, id, func(s types.DownloadStatus) bool { return s.Files[0].Written > 0 })

	resp, raw := httpPostJSON(t, srv.URL+"/downloads/"+id+"/cancel", nil)
	if resp.StatusCode >= 300 {
		t.Fatalf("cancel %d %s", resp.StatusCode, string(raw))
	}
	if st := pollDownload(t, srv.URL, id, finished); st.Status != "canceled" {
		t.Fatalf("download %+v", st)
	}
	resp, _ = httpGet(t, srv.URL+"/downloads/nope")
	if resp.StatusCode != http.StatusNotFound {
		t.Fatalf("unknown id %d", resp.StatusCode)
	}
}

func TestE2E_EventsStreamDownload(t *testing.T) {
	files := fileServer(t, bytes.Repeat([]byte("x"), 4096))
	srv, _ := newDaemon(t, testConfig(t))

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	req, _ := http.NewRequestWithContext(ctx, http.MethodGet, srv.URL+"/events?filter=queue_,transfer_done", nil)
	resp, err := http.DefaultClient.Do(req)
	if err != nil {
		t.Fatal(err)
	}
	defer resp.Body.Close()
	if ct := resp.Header.Get("Content-Type"); !strings.HasPrefix(ct, "text/event-stream") {
		t.Fatalf("content-type %q", ct)
	}

	// the subscription is live once the handler answered
	_, raw := httpPostJSON(t, srv.URL+"/downloads", types.DownloadRequest{Items: []types.DownloadItem{{URL: files.URL + "/e.gguf"}}})
	if id := decode[types.DownloadStatus](t, raw).ID; id == "" {
		t.Fatalf("no id in %s", string(raw))
	}
	names := sseNames(t, resp.Body, 2)
	if len(names) != 2 || names[0] != "transfer_done" || names[1] != "queue_completed" {
		t.Fatalf("events %v", names)
	}
}

func TestE2E_ChatAgainstCompletionServer(t *testing.T) {
	var prompts []string
	completion := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path != "/completion" {
			http.NotFound(w, r)
			return
		}
		var body struct {
			Prompt string `json:"prompt"`
		}
		_ = json.NewDecoder(r.Body).Decode(&body)
		prompts = append(prompts, body.Prompt)
		_, _ = w.Write([]byte(`{"content":" Blue.<|im_end|>","tokens_predicted":3}`))
	}))
	t.Cleanup(completion.Close)
	u, _ := url.Parse(completion.URL)
	host, port, _ := net.SplitHostPort(u.Host)
	cfg := testConfig(t)
	cfg.Servers.Main.Host = host
	cfg.Servers.Main.Port, _ = strconv.Atoi(port)
	srv, _ := newDaemon(t, cfg)

	resp, raw := httpPostJSON(t, srv.URL+"/chat", types.ChatRequest{Message: " Sky colour?"})
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("POST /chat %d %s", resp.StatusCode, string(raw))
	}
	if rep := decode[types.ChatResponse](t, raw); rep.Text != " Blue." || rep.Tokens != 3 {
		t.Fatalf("reply %+v", rep)
	}
	if len(prompts) != 1 || !strings.HasSuffix(prompts[0], "User: Sky colour?\nAI Assistant:") {
		t.Fatalf("prompts %q", prompts)
	}

	_, raw = httpGet(t, srv.URL+"/chat")
	if tr := decode[types.TranscriptResponse](t, raw); len(tr.Entries) != 2 || tr.Entries[1].Text != " Blue." {
		t.Fatalf("transcript %+v", tr)
	}
	resp, raw = httpPostJSON(t, srv.URL+"/chat/undo", nil)
	if resp.StatusCode != http.StatusOK || decode[types.UndoResponse](t, raw).Message != " Sky colour?" {
		t.Fatalf("undo %d %s", resp.StatusCode, string(raw))
	}
	resp, raw = httpPostJSON(t, srv.URL+"/chat/undo", nil)
	if resp.StatusCode != http.StatusNotFound {
		t.Fatalf("second undo %d %s", resp.StatusCode, string(raw))
	}
}

func TestE2E_ChatWithoutServer(t *testing.T) {
	cfg := testConfig(t)
	cfg.Servers.Main.Port = freePort(t)
	srv, _ := newDaemon(t, cfg)

	resp, raw := httpPostJSON(t, srv.URL+"/chat", types.ChatRequest{Message: "hello"})
	if resp.StatusCode != http.StatusBadGateway {
		t.Fatalf("POST /chat %d %s", resp.StatusCode, string(raw))
	}
	if e := decode[types.ErrorResponse](t, raw); e.Error != "unable to get response" || e.Kind != "network" {
		t.Fatalf("error %+v", e)
	}
}

// Drives the real supervisor against the stand-in llama.cpp server: start,
// wait for the ready line, chat through its /completion, stop.
func TestE2E_ServerLifecycle(t *testing.T) {
	bin := fakeServer(t)
	cfg := testConfig(t)
	if err := os.WriteFile(filepath.Join(cfg.Paths.ModelsDir, "fake.gguf"), []byte("gguf"), 0o644); err != nil {
		t.Fatal(err)
	}
	cfg.Model.Selected = "fake.gguf"
	cfg.Servers.Main.Binary = bin
	cfg.Servers.Main.Host = "127.0.0.1"
	cfg.Servers.Main.Port = freePort(t)
	srv, _ := newDaemon(t, cfg)

	resp, _ := httpGet(t, srv.URL+"/readyz")
	if resp.StatusCode != http.StatusServiceUnavailable {
		t.Fatalf("/readyz before start %d", resp.StatusCode)
	}
	resp, raw := httpPostJSON(t, srv.URL+"/server/start", types.ServerRequest{Role: "main", Wait: true})
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("start %d %s", resp.StatusCode, string(raw))
	}
	if st := decode[types.ServerStatus](t, raw); st.State != "ready" || st.Role != "main" || st.PID == 0 {
		t.Fatalf("server %+v", st)
	}
	resp, _ = httpGet(t, srv.URL+"/readyz")
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("/readyz after start %d", resp.StatusCode)
	}

	resp, raw = httpPostJSON(t, srv.URL+"/chat", types.ChatRequest{Message: "hi"})
	if resp.StatusCode != http.StatusOK || decode[types.ChatResponse](t, raw).Text != " hello" {
		t.Fatalf("chat %d %s", resp.StatusCode, string(raw))
	}

	resp, raw = httpPostJSON(t, srv.URL+"/server/stop", nil)
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("stop %d %s", resp.StatusCode, string(raw))
	}
	if st := decode[types.ServerStatus](t, raw); st.State != "stopped" {
		t.Fatalf("after stop %+v", st)
	}
}
