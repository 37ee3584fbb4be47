package httpapi

import (
	"encoding/json"
	"fmt"
	"net/http"
	"strings"
	"time"

	"chatd/internal/events"
)

// heartbeat keeps idle event streams from being closed by proxies.
var heartbeat = 15 * time.Second

// events streams bus events as server-sent events. ?filter= takes a comma
// separated list of name prefixes ("transfer_,turn_").
//
// @Summary  Event stream
// @Tags     events
// @Produce  text/event-stream
// @Param    filter query string false "Comma separated event name prefixes"
// @Success  200
// @Router   /events [get]
func (h handlers) events(w http.ResponseWriter, r *http.Request) {
	fl, ok := w.(http.Flusher)
	if !ok {
		writeJSONError(w, http.StatusInternalServerError, "streaming unsupported", "")
		return
	}
	prefixes := splitCSV(r.URL.Query().Get("filter"))
	debug := requestLogLevel(r) >= LevelDebug

	ch, unsubscribe := h.svc.Subscribe()
	defer unsubscribe()
	eventStreams.Inc()
	defer eventStreams.Dec()

	w.Header().Set("Content-Type", "text/event-stream")
	w.Header().Set("Cache-Control", "no-cache")
	w.Header().Set("Connection", "keep-alive")
	w.WriteHeader(http.StatusOK)
	_, _ = fmt.Fprint(w, ": connected\n\n")
	fl.Flush()

	tick := time.NewTicker(heartbeat)
	defer tick.Stop()
	for {
		select {
		case <-r.Context().Done():
			return
		case <-serverBaseCtx.Done():
			return
		case <-tick.C:
			if _, err := fmt.Fprint(w, ": ping\n\n"); err != nil {
				return
			}
			fl.Flush()
		case e, ok := <-ch:
			if !ok {
				return
			}
			if !matches(e.Name, prefixes) {
				continue
			}
			if err := writeEvent(w, e); err != nil {
				return
			}
			fl.Flush()
			if debug {
				zlog.Debug().Str("event", e.Name).Str("source", e.Source).Msg("sse")
			}
		}
	}
}

func writeEvent(w http.ResponseWriter, e events.Event) error {
	b, err := json.Marshal(e)
	if err != nil {
		return err
	}
	_, err = fmt.Fprintf(w, "event: %s\ndata: %s\n\n", e.Name, b)
	return err
}

func matches(name string, prefixes []string) bool {
	if len(prefixes) == 0 {
		return true
	}
	for _, p := range prefixes {
		if strings.HasPrefix(name, p) {
			return true
		}
	}
	return false
}

func splitCSV(s string) []string {
	var out []string
	for _, p := range strings.Split(s, ",") {
		if p = strings.TrimSpace(p); p != "" {
			out = append(out, p)
		}
	}
	return out
}
