package transfer

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"errors"
	"fmt"
	"io"
	"net/http"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"sync"
	"sync/atomic"

	"github.com/google/uuid"
	"github.com/rs/zerolog"
	"golang.org/x/time/rate"

	"chatd/internal/apperr"
	"chatd/internal/common/fsutil"
	"chatd/internal/metrics"
)

const (
	defaultChunkSize = 32 << 10
	defaultSyncEvery = 4 << 20
)

// TaskOptions configures a Task. Zero values select defaults.
type TaskOptions struct {
	Client    *http.Client
	ChunkSize int
	// SyncEvery is the number of bytes written between fsyncs.
	SyncEvery int64
	Limiter   *rate.Limiter
	// SHA256 is the expected hex digest of the complete file, if known.
	SHA256     string
	OnProgress func(Progress)
	Logger     zerolog.Logger
}

// Task is one resumable download of url into dest. A Task may be run again
// after it was canceled or failed; the next run resumes from the bytes on disk.
type Task struct {
	ID   string
	URL  string
	Dest string

	opts     TaskOptions
	canceled atomic.Bool

	mu      sync.Mutex
	status  Status
	err     error
	offset  int64
	written int64
	total   int64
	lastPct int
	stop    context.CancelFunc
	// sink receives progress of the current Start only
	sink func(Progress)
}

// NewTask creates a pending task.
func NewTask(url, dest string, opts TaskOptions) *Task {
	if opts.Client == nil {
		opts.Client = http.DefaultClient
	}
	if opts.ChunkSize <= 0 {
		opts.ChunkSize = defaultChunkSize
	}
	if opts.SyncEvery <= 0 {
		opts.SyncEvery = defaultSyncEvery
	}
	return &Task{ID: uuid.NewString(), URL: url, Dest: dest, opts: opts, lastPct: -1}
}

// Cancel asks the running download to stop at the next chunk boundary. A
// cancel issued before Run makes that run return immediately. Bytes already
// written stay on disk.
func (t *Task) Cancel() {
	t.canceled.Store(true)
	t.mu.Lock()
	stop := t.stop
	t.mu.Unlock()
	if stop != nil {
		stop()
	}
}

func (t *Task) Status() Status {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.status
}

// Err returns the failure reason of the last run, if it failed.
func (t *Task) Err() error {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.err
}

// Offset is the resume offset of the current or last run.
func (t *Task) Offset() int64 {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.offset
}

func (t *Task) Progress() Progress {
	t.mu.Lock()
	defer t.mu.Unlock()
	return Progress{Percent: max(t.lastPct, 0), Written: t.written, Total: t.total}
}

// Update is one element of the stream returned by Start.
type Update struct {
	Status   Status
	Progress Progress
	Err      error
}

// Start runs the task on its own goroutine and streams progress followed by
// exactly one terminal update. The channel is closed after the terminal update.
func (t *Task) Start(ctx context.Context) <-chan Update {
	// one initial report, at most 100 increments, one terminal update
	ch := make(chan Update, 104)
	sink := func(p Progress) { ch <- Update{Status: StatusInProgress, Progress: p} }
	go func() {
		defer close(ch)
		st, err := t.runWith(ctx, sink)
		ch <- Update{Status: st, Progress: t.Progress(), Err: err}
	}()
	return ch
}

// Run downloads until the file is complete, the task is canceled or an error
// occurs. Cancellation returns StatusCanceled with a nil error.
func (t *Task) Run(ctx context.Context) (Status, error) {
	return t.runWith(ctx, nil)
}

func (t *Task) runWith(ctx context.Context, sink func(Progress)) (Status, error) {
	runCtx, stop := context.WithCancel(ctx)
	defer stop()
	t.mu.Lock()
	if t.status == StatusInProgress {
		t.mu.Unlock()
		return StatusInProgress, apperr.Invalid("download", "task already running")
	}
	t.status = StatusInProgress
	t.err = nil
	t.lastPct = -1
	t.stop = stop
	t.sink = sink
	t.mu.Unlock()

	st, err := t.run(runCtx)

	t.mu.Lock()
	t.status = st
	t.err = err
	t.stop = nil
	t.sink = nil
	t.mu.Unlock()
	t.canceled.Store(false)
	metrics.TransfersTotal.WithLabelValues(st.String()).Inc()
	ev := t.opts.Logger.Debug()
	if err != nil {
		ev = t.opts.Logger.Warn().Err(err)
	}
	ev.Str("task", t.ID).Str("dest", t.Dest).Str("status", st.String()).Int64("written", t.Progress().Written).Msg("download finished")
	return st, err
}

func (t *Task) stopRequested(ctx context.Context) bool {
	return t.canceled.Load() || ctx.Err() != nil
}

func (t *Task) run(ctx context.Context) (Status, error) {
	if t.stopRequested(ctx) {
		return StatusCanceled, nil
	}
	if err := fsutil.EnsureDir(filepath.Dir(t.Dest)); err != nil {
		return StatusFailed, apperr.Filesystem("download", err, "create directory for %s", t.Dest)
	}
	offset, err := fsutil.FileSize(t.Dest)
	if err != nil {
		return StatusFailed, apperr.Filesystem("download", err, "stat %s", t.Dest)
	}
	t.setOffset(offset)

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, t.URL, nil)
	if err != nil {
		return StatusFailed, apperr.Invalid("download", "bad url: "+err.Error())
	}
	if offset > 0 {
		req.Header.Set("Range", fmt.Sprintf("bytes=%d-", offset))
	}
	t.opts.Logger.Debug().Str("task", t.ID).Str("url", t.URL).Int64("offset", offset).Msg("download start")
	resp, err := t.opts.Client.Do(req)
	if err != nil {
		if t.stopRequested(ctx) {
			return StatusCanceled, nil
		}
		return StatusFailed, apperr.Network("download", err, "request failed")
	}
	defer resp.Body.Close()

	var total int64
	truncate := false
	switch {
	case resp.StatusCode == http.StatusPartialContent:
		start, size, ok := parseContentRange(resp.Header.Get("Content-Range"))
		if ok && start != offset {
			return StatusFailed, apperr.Protocol("download", nil, "server resumed at byte %d, expected %d", start, offset)
		}
		if ok && size > 0 {
			total = size
		} else if resp.ContentLength >= 0 {
			total = offset + resp.ContentLength
		}
	case resp.StatusCode == http.StatusRequestedRangeNotSatisfiable && offset > 0:
		if _, size, ok := parseContentRange(resp.Header.Get("Content-Range")); ok && size == offset {
			t.setTotal(size)
			t.advance(offset)
			if err := t.verify(); err != nil {
				return StatusFailed, err
			}
			t.complete()
			return StatusCompleted, nil
		}
		return StatusFailed, apperr.Network("download", nil, "status %s for range starting at %d", resp.Status, offset)
	case resp.StatusCode >= 200 && resp.StatusCode < 300:
		if offset > 0 {
			// range ignored: the body is the whole resource
			t.opts.Logger.Info().Str("task", t.ID).Int64("discarded", offset).Msg("server ignored range, restarting")
			truncate = true
			offset = 0
			t.setOffset(0)
		}
		if _, size, ok := parseContentRange(resp.Header.Get("Content-Range")); ok && size > 0 {
			total = size
		} else if resp.ContentLength >= 0 {
			total = resp.ContentLength
		}
	default:
		return StatusFailed, apperr.Network("download", nil, "status %s", resp.Status)
	}

	flags := os.O_CREATE | os.O_WRONLY | os.O_APPEND
	if truncate {
		flags |= os.O_TRUNC
	}
	f, err := os.OpenFile(t.Dest, flags, 0o644)
	if err != nil {
		return StatusFailed, apperr.Filesystem("download", err, "open %s for append", t.Dest)
	}
	defer f.Close()

	t.setTotal(total)
	t.advance(offset)

	buf := make([]byte, t.opts.ChunkSize)
	written := offset
	var unsynced int64
	for {
		if t.stopRequested(ctx) {
			_ = f.Sync()
			return StatusCanceled, nil
		}
		n, rerr := resp.Body.Read(buf)
		if n > 0 {
			if total > 0 && written+int64(n) > total {
				_ = f.Sync()
				return StatusFailed, apperr.Protocol("download", nil, "server sent more than the advertised %d bytes", total)
			}
			if t.opts.Limiter != nil {
				if err := t.opts.Limiter.WaitN(ctx, n); err != nil {
					if t.stopRequested(ctx) {
						_ = f.Sync()
						return StatusCanceled, nil
					}
					return StatusFailed, apperr.Network("download", err, "rate limiter")
				}
			}
			if _, err := f.Write(buf[:n]); err != nil {
				return StatusFailed, apperr.Filesystem("download", err, "write %s", t.Dest)
			}
			written += int64(n)
			unsynced += int64(n)
			metrics.TransferBytes.Add(float64(n))
			if unsynced >= t.opts.SyncEvery {
				if err := f.Sync(); err != nil {
					return StatusFailed, apperr.Filesystem("download", err, "sync %s", t.Dest)
				}
				unsynced = 0
			}
			t.advance(written)
		}
		if rerr == io.EOF {
			break
		}
		if rerr != nil {
			_ = f.Sync()
			if t.stopRequested(ctx) {
				return StatusCanceled, nil
			}
			return StatusFailed, apperr.Network("download", rerr, "read body at byte %d", written)
		}
	}
	if err := f.Sync(); err != nil {
		return StatusFailed, apperr.Filesystem("download", err, "sync %s", t.Dest)
	}
	if total > 0 && written < total {
		return StatusFailed, apperr.Network("download", io.ErrUnexpectedEOF, "connection closed at byte %d of %d", written, total)
	}
	if err := f.Close(); err != nil {
		return StatusFailed, apperr.Filesystem("download", err, "close %s", t.Dest)
	}
	if err := t.verify(); err != nil {
		return StatusFailed, err
	}
	t.complete()
	return StatusCompleted, nil
}

func (t *Task) setOffset(n int64) {
	t.mu.Lock()
	t.offset = n
	t.written = n
	t.mu.Unlock()
}

func (t *Task) setTotal(n int64) {
	t.mu.Lock()
	t.total = n
	t.mu.Unlock()
}

// advance records bytes on disk and reports progress when the integer percent grows.
func (t *Task) advance(written int64) {
	t.mu.Lock()
	t.written = written
	pct := percentOf(written, t.total)
	if t.total > 0 && written >= t.total {
		// 100 is reserved for completion
		pct = 99
	}
	t.mu.Unlock()
	t.report(pct)
}

func (t *Task) complete() {
	t.mu.Lock()
	if t.total <= 0 {
		t.total = t.written
	}
	t.mu.Unlock()
	t.report(100)
}

func (t *Task) report(pct int) {
	t.mu.Lock()
	if pct <= t.lastPct {
		t.mu.Unlock()
		return
	}
	t.lastPct = pct
	p := Progress{Percent: pct, Written: t.written, Total: t.total}
	cb, sink := t.opts.OnProgress, t.sink
	t.mu.Unlock()
	if cb != nil {
		cb(p)
	}
	if sink != nil {
		sink(p)
	}
}

// verify checks the optional digest. A mismatching file is removed so the next
// attempt starts from scratch instead of resuming a corrupt prefix.
func (t *Task) verify() error {
	want := strings.ToLower(strings.TrimSpace(t.opts.SHA256))
	if want == "" {
		return nil
	}
	got, err := FileSHA256(t.Dest)
	if err != nil {
		return apperr.Filesystem("download", err, "hash %s", t.Dest)
	}
	if got != want {
		if rerr := os.Remove(t.Dest); rerr != nil {
			t.opts.Logger.Warn().Err(rerr).Str("dest", t.Dest).Msg("remove corrupt download")
		}
		return apperr.Protocol("download", nil, "checksum mismatch for %s: got %s", filepath.Base(t.Dest), got)
	}
	return nil
}

// FileSHA256 returns the hex SHA-256 digest of a file.
func FileSHA256(path string) (string, error) {
	f, err := os.Open(path)
	if err != nil {
		return "", err
	}
	defer f.Close()
	h := sha256.New()
	if _, err := io.Copy(h, f); err != nil {
		return "", err
	}
	return hex.EncodeToString(h.Sum(nil)), nil
}

// parseContentRange parses "bytes a-b/T" and "bytes */T". size is -1 when the
// total is "*".
func parseContentRange(v string) (start, size int64, ok bool) {
	v = strings.TrimSpace(v)
	if !strings.HasPrefix(v, "bytes ") {
		return 0, 0, false
	}
	v = strings.TrimSpace(strings.TrimPrefix(v, "bytes "))
	rng, tot, found := strings.Cut(v, "/")
	if !found {
		return 0, 0, false
	}
	size = -1
	if tot != "*" {
		n, err := strconv.ParseInt(tot, 10, 64)
		if err != nil || n < 0 {
			return 0, 0, false
		}
		size = n
	}
	if rng == "*" {
		return 0, size, true
	}
	a, _, found := strings.Cut(rng, "-")
	if !found {
		return 0, 0, false
	}
	start, err := strconv.ParseInt(a, 10, 64)
	if err != nil {
		return 0, 0, false
	}
	return start, size, true
}

// ErrNoFilename is returned when a URL path has no usable last segment.
var ErrNoFilename = errors.New("url has no file name")
