package supervisor

import (
	"bytes"
	"context"
	"errors"
	"io"
	"net/http"
	"os"
	"sync"
	"time"
)

// Readiness is the outcome of one probe.
type Readiness int

const (
	NotReady Readiness = iota
	Ready
	Failed
)

func (r Readiness) String() string {
	switch r {
	case Ready:
		return "ready"
	case Failed:
		return "failed"
	default:
		return "not_ready"
	}
}

// ReadinessProbe is polled until it reports Ready or Failed. A non-nil error
// with NotReady is transient; with Failed it describes the failure.
type ReadinessProbe interface {
	Poll(ctx context.Context) (Readiness, error)
}

// LogTailProbe scans a log file for a readiness marker. Only bytes appended
// since the previous poll are read; a short overlap keeps markers split across
// two reads detectable. A missing file means not ready yet.
type LogTailProbe struct {
	Path        string
	Marker      string
	FailMarkers []string

	mu     sync.Mutex
	offset int64
	carry  []byte
}

func NewLogTailProbe(path, marker string, failMarkers ...string) *LogTailProbe {
	return &LogTailProbe{Path: path, Marker: marker, FailMarkers: failMarkers}
}

// Reset forgets what has been read so far.
func (p *LogTailProbe) Reset() {
	p.mu.Lock()
	p.offset = 0
	p.carry = nil
	p.mu.Unlock()
}

func (p *LogTailProbe) Poll(ctx context.Context) (Readiness, error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	f, err := os.Open(p.Path)
	if err != nil {
		if errors.Is(err, os.ErrNotExist) {
			return NotReady, nil
		}
		return NotReady, err
	}
	defer f.Close()
	fi, err := f.Stat()
	if err != nil {
		return NotReady, err
	}
	if fi.Size() < p.offset {
		// truncated by a restart
		p.offset = 0
		p.carry = nil
	}
	if fi.Size() == p.offset {
		return NotReady, nil
	}
	if _, err := f.Seek(p.offset, io.SeekStart); err != nil {
		return NotReady, err
	}
	fresh, err := io.ReadAll(io.LimitReader(f, fi.Size()-p.offset))
	if err != nil {
		return NotReady, err
	}
	p.offset += int64(len(fresh))
	buf := append(p.carry, fresh...)

	for _, m := range p.FailMarkers {
		if m != "" && bytes.Contains(buf, []byte(m)) {
			p.carry = nil
			return Failed, &MarkerError{Marker: m}
		}
	}
	if p.Marker != "" && bytes.Contains(buf, []byte(p.Marker)) {
		p.carry = nil
		return Ready, nil
	}
	keep := p.overlap()
	if len(buf) > keep {
		buf = buf[len(buf)-keep:]
	}
	p.carry = append([]byte(nil), buf...)
	return NotReady, nil
}

func (p *LogTailProbe) overlap() int {
	n := len(p.Marker)
	for _, m := range p.FailMarkers {
		n = max(n, len(m))
	}
	return max(n-1, 0)
}

// MarkerError is returned with Failed when a failure marker shows up in the log.
type MarkerError struct {
	Marker string
}

func (e *MarkerError) Error() string { return "server log reported: " + e.Marker }

// HTTPProbe polls a health endpoint. 2xx is ready; 503 and connection
// errors mean still loading.
type HTTPProbe struct {
	URL     string
	Client  *http.Client
	Timeout time.Duration
}

func (p *HTTPProbe) Poll(ctx context.Context) (Readiness, error) {
	timeout := p.Timeout
	if timeout <= 0 {
		timeout = time.Second
	}
	ctx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, p.URL, nil)
	if err != nil {
		return Failed, err
	}
	cli := p.Client
	if cli == nil {
		cli = http.DefaultClient
	}
	resp, err := cli.Do(req)
	if err != nil {
		return NotReady, nil
	}
	_, _ = io.Copy(io.Discard, io.LimitReader(resp.Body, 4096))
	resp.Body.Close()
	if resp.StatusCode >= 200 && resp.StatusCode < 300 {
		return Ready, nil
	}
	return NotReady, nil
}
