package cli

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"

	"chatd/pkg/types"
)

// client talks to a running daemon.
type client struct {
	base string
	http *http.Client
}

func newClient(addr string) *client {
	base := strings.TrimRight(addr, "/")
	if !strings.Contains(base, "://") {
		base = "http://" + base
	}
	// no overall timeout: chat turns and server starts block server-side
	return &client{base: base, http: &http.Client{}}
}

// apiError is a non-2xx answer from the daemon.
type apiError struct {
	Status int
	Kind   string
	Msg    string
}

func (e *apiError) Error() string {
	if e.Msg == "" {
		return fmt.Sprintf("daemon returned %d", e.Status)
	}
	return e.Msg
}

func (c *client) do(ctx context.Context, method, path string, in, out any) error {
	var body io.Reader
	if in != nil {
		b, err := json.Marshal(in)
		if err != nil {
			return err
		}
		body = bytes.NewReader(b)
	}
	req, err := http.NewRequestWithContext(ctx, method, c.base+path, body)
	if err != nil {
		return err
	}
	if in != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	resp, err := c.http.Do(req)
	if err != nil {
		return fmt.Errorf("daemon not reachable at %s: %w", c.base, err)
	}
	defer resp.Body.Close()
	if resp.StatusCode >= 300 {
		var e types.ErrorResponse
		b, _ := io.ReadAll(io.LimitReader(resp.Body, 4096))
		if json.Unmarshal(b, &e) != nil || e.Error == "" {
			e.Error = strings.TrimSpace(string(b))
		}
		return &apiError{Status: resp.StatusCode, Kind: e.Kind, Msg: e.Error}
	}
	if out == nil || resp.StatusCode == http.StatusNoContent {
		return nil
	}
	return json.NewDecoder(resp.Body).Decode(out)
}

func (c *client) get(ctx context.Context, path string, out any) error {
	return c.do(ctx, http.MethodGet, path, nil, out)
}

func (c *client) post(ctx context.Context, path string, in, out any) error {
	return c.do(ctx, http.MethodPost, path, in, out)
}

// follow polls a download until it leaves the running states, calling show
// on every change.
func (c *client) follow(ctx context.Context, id string, every time.Duration, show func(types.DownloadStatus)) (types.DownloadStatus, error) {
	var last string
	t := time.NewTicker(every)
	defer t.Stop()
	for {
		var st types.DownloadStatus
		if err := c.get(ctx, "/downloads/"+id, &st); err != nil {
			return st, err
		}
		if key := progressKey(st); key != last {
			last = key
			show(st)
		}
		switch st.Status {
		case "completed", "failed", "canceled":
			return st, nil
		}
		select {
		case <-ctx.Done():
			return st, ctx.Err()
		case <-t.C:
		}
	}
}

func progressKey(st types.DownloadStatus) string {
	key := st.Status + st.Message
	if st.Index > 0 && st.Index <= len(st.Files) {
		key += fmt.Sprint(st.Files[st.Index-1].Percent)
	}
	if st.Conflict != nil {
		key += "?"
	}
	return key
}
