package transfer

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	humanize "github.com/dustin/go-humanize"
	"github.com/google/uuid"
	"github.com/rs/zerolog"
	"golang.org/x/time/rate"

	"chatd/internal/apperr"
	"chatd/internal/common/fsutil"
	"chatd/internal/events"
	"chatd/internal/install"
	"chatd/internal/metrics"
)

// Event names published by a Queue.
const (
	EventProgress  = "transfer_progress"
	EventDone      = "transfer_done"
	EventConflict  = "transfer_conflict"
	EventInstalled = "transfer_installed"
	EventCompleted = "queue_completed"
	EventFailed    = "queue_failed"
	EventCanceled  = "queue_canceled"
)

// InstallMode selects the post-download step for each file of a queue.
type InstallMode int

const (
	InstallNone InstallMode = iota
	InstallExtract
	InstallMove
)

func (m InstallMode) String() string {
	switch m {
	case InstallExtract:
		return "extract"
	case InstallMove:
		return "move"
	default:
		return "none"
	}
}

func (m InstallMode) MarshalText() ([]byte, error) { return []byte(m.String()), nil }

// ParseInstallMode accepts "", "none", "extract" and "move".
func ParseInstallMode(s string) (InstallMode, error) {
	switch strings.ToLower(strings.TrimSpace(s)) {
	case "", "none":
		return InstallNone, nil
	case "extract":
		return InstallExtract, nil
	case "move":
		return InstallMove, nil
	}
	return InstallNone, apperr.Invalid("install", fmt.Sprintf("unknown install mode %q", s))
}

// Item is one URL of a queue.
type Item struct {
	URL string `json:"url"`
	// Filename overrides the name derived from the URL.
	Filename string `json:"filename,omitempty"`
	SHA256   string `json:"sha256,omitempty"`
}

// Resolution is the answer to a partial file found in the staging directory.
type Resolution int

const (
	ResolveResume Resolution = iota
	ResolveOverwrite
	ResolveAbort
)

func (r Resolution) String() string {
	switch r {
	case ResolveOverwrite:
		return "overwrite"
	case ResolveAbort:
		return "abort"
	default:
		return "resume"
	}
}

// ParseResolution accepts "resume", "overwrite" and "abort".
func ParseResolution(s string) (Resolution, error) {
	switch strings.ToLower(strings.TrimSpace(s)) {
	case "resume":
		return ResolveResume, nil
	case "overwrite":
		return ResolveOverwrite, nil
	case "abort", "cancel":
		return ResolveAbort, nil
	}
	return ResolveResume, apperr.Invalid("resolve", fmt.Sprintf("unknown resolution %q", s))
}

// Conflict describes an existing staged file for item Index (1-based) of Count.
type Conflict struct {
	QueueID string `json:"queue_id"`
	Index   int    `json:"index"`
	Count   int    `json:"count"`
	Path    string `json:"path"`
	Size    int64  `json:"size"`
}

// ConflictResolver decides what to do with a partially downloaded file.
type ConflictResolver func(ctx context.Context, c Conflict) (Resolution, error)

// Installer performs the post-download step.
type Installer interface {
	Extract(ctx context.Context, archive, destDir string) ([]string, error)
	Move(src, destDir string, overwrite bool) (string, error)
}

// Options configures a Queue.
type Options struct {
	ID    string
	Label string
	// StagingDir receives the downloads. DestDir is where they are installed.
	StagingDir string
	DestDir    string
	Install    InstallMode
	// Overwrite replaces occupied destinations when moving.
	Overwrite bool
	// KeepArchive keeps the downloaded archive after extraction.
	KeepArchive bool
	Resolver    ConflictResolver
	Installer   Installer
	Client      *http.Client
	ChunkSize   int
	Limiter     *rate.Limiter
	Publisher   events.Publisher
	Logger      zerolog.Logger
}

// FileState is the per-item part of a Snapshot.
type FileState struct {
	Item
	Path      string   `json:"path"`
	Status    Status   `json:"status"`
	Progress  Progress `json:"progress"`
	Installed []string `json:"installed,omitempty"`
	Error     string   `json:"error,omitempty"`
}

// Snapshot is a copy of the queue state safe to hand to other goroutines.
type Snapshot struct {
	ID       string      `json:"id"`
	Label    string      `json:"label,omitempty"`
	Status   QueueStatus `json:"status"`
	Index    int         `json:"index"`
	Count    int         `json:"count"`
	Message  string      `json:"message,omitempty"`
	Error    string      `json:"error,omitempty"`
	Files    []FileState `json:"files"`
	Started  time.Time   `json:"started,omitempty"`
	Finished time.Time   `json:"finished,omitempty"`
}

// QueueError reports which file stopped a queue.
type QueueError struct {
	Index int
	Count int
	Err   error
}

func (e *QueueError) Error() string {
	return fmt.Sprintf("failed at file %d/%d: %s", e.Index, e.Count, apperr.UserMessage(e.Err))
}

func (e *QueueError) Unwrap() error { return e.Err }

// Queue downloads its items strictly one after another and installs each
// completed file before starting the next. The first failed or canceled file
// halts the queue; earlier files stay in their completed state.
type Queue struct {
	id    string
	items []Item
	opts  Options
	pub   events.Publisher

	canceled atomic.Bool

	mu       sync.Mutex
	running  bool
	status   QueueStatus
	index    int
	current  *Task
	files    []FileState
	message  string
	err      error
	started  time.Time
	finished time.Time
}

// NewQueue validates items and returns a pending queue.
func NewQueue(items []Item, opts Options) (*Queue, error) {
	if len(items) == 0 {
		return nil, apperr.Invalid("queue", "no urls given")
	}
	if opts.StagingDir == "" {
		return nil, apperr.Invalid("queue", "staging directory required")
	}
	if opts.Install != InstallNone && opts.DestDir == "" {
		return nil, apperr.Invalid("queue", "destination directory required for install")
	}
	if opts.ID == "" {
		opts.ID = uuid.NewString()
	}
	if opts.Installer == nil {
		opts.Installer = install.New(opts.Logger)
	}
	own := make([]Item, len(items))
	files := make([]FileState, len(items))
	for i, it := range items {
		if strings.TrimSpace(it.URL) == "" {
			return nil, apperr.Invalid("queue", fmt.Sprintf("url %d is empty", i+1))
		}
		name := it.Filename
		if name == "" {
			n, err := FilenameFromURL(it.URL)
			if err != nil {
				return nil, apperr.Invalid("queue", fmt.Sprintf("url %d: %v", i+1, err))
			}
			name = n
		}
		if name != filepath.Base(name) {
			return nil, apperr.Invalid("queue", fmt.Sprintf("file name %q must not contain a directory", name))
		}
		it.Filename = name
		own[i] = it
		files[i] = FileState{Item: it, Path: filepath.Join(opts.StagingDir, name)}
	}
	return &Queue{
		id:    opts.ID,
		items: own,
		opts:  opts,
		pub:   events.OrNoop(opts.Publisher),
		files: files,
	}, nil
}

func (q *Queue) ID() string { return q.id }

// Paths lists what a run writes: every staged file, plus each moved file's
// destination or the directory archives are extracted into.
func (q *Queue) Paths() []string {
	out := make([]string, 0, 2*len(q.items))
	for _, it := range q.items {
		out = append(out, filepath.Join(q.opts.StagingDir, it.Filename))
		if q.opts.Install == InstallMove {
			out = append(out, filepath.Join(q.opts.DestDir, it.Filename))
		}
	}
	if q.opts.Install == InstallExtract {
		out = append(out, filepath.Clean(q.opts.DestDir))
	}
	return out
}

// Cancel stops the current download and prevents the next one from starting.
// A cancel issued before Run makes that run return at once. A canceled queue
// may be run again; it resumes from the files on disk.
func (q *Queue) Cancel() {
	q.canceled.Store(true)
	q.mu.Lock()
	cur := q.current
	q.mu.Unlock()
	if cur != nil {
		cur.Cancel()
	}
}

func (q *Queue) Snapshot() Snapshot {
	q.mu.Lock()
	defer q.mu.Unlock()
	s := Snapshot{
		ID:       q.id,
		Label:    q.opts.Label,
		Status:   q.status,
		Index:    q.index,
		Count:    len(q.items),
		Message:  q.message,
		Files:    make([]FileState, len(q.files)),
		Started:  q.started,
		Finished: q.finished,
	}
	if q.err != nil {
		s.Error = q.err.Error()
	}
	copy(s.Files, q.files)
	if q.current != nil && q.index > 0 {
		s.Files[q.index-1].Progress = q.current.Progress()
	}
	return s
}

// Run processes the queue. It returns QueueCompleted, QueueCanceled with a
// nil error, or QueueFailed with a *QueueError.
func (q *Queue) Run(ctx context.Context) (QueueStatus, error) {
	q.mu.Lock()
	if q.running {
		q.mu.Unlock()
		return QueueRunning, apperr.Busy("queue", "queue already running")
	}
	q.running = true
	q.status = QueueRunning
	q.err = nil
	q.started = time.Now()
	q.mu.Unlock()
	defer func() {
		q.mu.Lock()
		q.running = false
		q.current = nil
		q.finished = time.Now()
		q.mu.Unlock()
		q.canceled.Store(false)
	}()

	n := len(q.items)
	for i, it := range q.items {
		pos := i + 1
		if q.canceled.Load() || ctx.Err() != nil {
			return q.cancel(pos)
		}
		staged := filepath.Join(q.opts.StagingDir, it.Filename)

		res, err := q.resolve(ctx, pos, staged)
		if err != nil {
			if q.canceled.Load() || ctx.Err() != nil {
				return q.cancel(pos)
			}
			return q.fail(pos, err)
		}
		switch res {
		case ResolveAbort:
			return q.cancel(pos)
		case ResolveOverwrite:
			if err := os.Remove(staged); err != nil && !errors.Is(err, os.ErrNotExist) {
				return q.fail(pos, apperr.Filesystem("download", err, "remove %s", staged))
			}
		}

		task := NewTask(it.URL, staged, TaskOptions{
			Client:    q.opts.Client,
			ChunkSize: q.opts.ChunkSize,
			Limiter:   q.opts.Limiter,
			SHA256:    it.SHA256,
			Logger:    q.opts.Logger,
			OnProgress: func(p Progress) {
				q.onProgress(pos, p)
			},
		})
		q.mu.Lock()
		q.index = pos
		q.current = task
		q.files[i].Status = StatusInProgress
		q.message = fmt.Sprintf("downloading file %d/%d", pos, n)
		q.mu.Unlock()
		q.opts.Logger.Info().Str("queue", q.id).Int("index", pos).Int("count", n).Str("url", it.URL).Msg("download start")

		// a Cancel that raced with setting q.current must still stop this task
		if q.canceled.Load() {
			task.Cancel()
		}
		st, err := task.Run(ctx)
		q.mu.Lock()
		q.files[i].Status = st
		q.files[i].Progress = task.Progress()
		q.mu.Unlock()
		switch st {
		case StatusCanceled:
			return q.cancel(pos)
		case StatusFailed:
			return q.fail(pos, err)
		}
		q.pub.Publish(events.New(EventDone, "transfer", map[string]any{
			"queue": q.id, "index": pos, "count": n, "path": staged,
			"bytes": task.Progress().Written,
		}))

		installed, err := q.install(ctx, staged)
		if err != nil {
			return q.fail(pos, err)
		}
		if len(installed) > 0 {
			q.mu.Lock()
			q.files[i].Installed = installed
			q.mu.Unlock()
			q.pub.Publish(events.New(EventInstalled, "transfer", map[string]any{
				"queue": q.id, "index": pos, "count": n, "mode": q.opts.Install.String(), "paths": installed,
			}))
		}
	}

	q.mu.Lock()
	q.status = QueueCompleted
	q.message = fmt.Sprintf("downloaded %d file(s)", n)
	q.mu.Unlock()
	metrics.QueuesTotal.WithLabelValues(QueueCompleted.String()).Inc()
	q.opts.Logger.Info().Str("queue", q.id).Int("count", n).Msg("queue completed")
	q.pub.Publish(events.New(EventCompleted, "transfer", map[string]any{"queue": q.id, "label": q.opts.Label, "count": n}))
	return QueueCompleted, nil
}

func (q *Queue) resolve(ctx context.Context, pos int, staged string) (Resolution, error) {
	size, err := fsutil.FileSize(staged)
	if err != nil {
		return ResolveAbort, apperr.Filesystem("download", err, "stat %s", staged)
	}
	if size == 0 || q.opts.Resolver == nil {
		return ResolveResume, nil
	}
	c := Conflict{QueueID: q.id, Index: pos, Count: len(q.items), Path: staged, Size: size}
	q.mu.Lock()
	q.message = fmt.Sprintf("%s already exists (%s)", filepath.Base(staged), humanize.Bytes(uint64(size)))
	q.mu.Unlock()
	q.pub.Publish(events.New(EventConflict, "transfer", map[string]any{
		"queue": q.id, "index": pos, "count": c.Count, "path": staged, "size": size,
	}))
	return q.opts.Resolver(ctx, c)
}

func (q *Queue) install(ctx context.Context, staged string) ([]string, error) {
	switch q.opts.Install {
	case InstallExtract:
		paths, err := q.opts.Installer.Extract(ctx, staged, q.opts.DestDir)
		if err != nil {
			return nil, err
		}
		if !q.opts.KeepArchive {
			if err := os.Remove(staged); err != nil {
				q.opts.Logger.Warn().Err(err).Str("path", staged).Msg("remove archive")
			}
		}
		return paths, nil
	case InstallMove:
		dst, err := q.opts.Installer.Move(staged, q.opts.DestDir, q.opts.Overwrite)
		if err != nil {
			return nil, err
		}
		return []string{dst}, nil
	}
	return nil, nil
}

func (q *Queue) onProgress(pos int, p Progress) {
	n := len(q.items)
	text := humanize.Bytes(uint64(p.Written))
	if p.Total > 0 {
		text += " / " + humanize.Bytes(uint64(p.Total))
	}
	q.mu.Lock()
	q.files[pos-1].Progress = p
	q.message = fmt.Sprintf("downloading file %d/%d", pos, n)
	q.mu.Unlock()
	q.pub.Publish(events.New(EventProgress, "transfer", map[string]any{
		"queue": q.id, "index": pos, "count": n, "percent": p.Percent,
		"written": p.Written, "total": p.Total, "text": text,
	}))
}

func (q *Queue) fail(pos int, err error) (QueueStatus, error) {
	qerr := &QueueError{Index: pos, Count: len(q.items), Err: err}
	q.mu.Lock()
	q.status = QueueFailed
	q.err = qerr
	q.message = qerr.Error()
	q.files[pos-1].Status = StatusFailed
	q.files[pos-1].Error = apperr.UserMessage(err)
	q.mu.Unlock()
	metrics.QueuesTotal.WithLabelValues(QueueFailed.String()).Inc()
	q.opts.Logger.Error().Err(err).Str("queue", q.id).Int("index", pos).Int("count", len(q.items)).Msg("queue failed")
	q.pub.Publish(events.New(EventFailed, "transfer", map[string]any{
		"queue": q.id, "index": pos, "count": len(q.items), "error": qerr.Error(),
	}))
	return QueueFailed, qerr
}

func (q *Queue) cancel(pos int) (QueueStatus, error) {
	q.mu.Lock()
	q.status = QueueCanceled
	q.message = fmt.Sprintf("canceled at file %d/%d", pos, len(q.items))
	if q.files[pos-1].Status == StatusPending || q.files[pos-1].Status == StatusInProgress {
		q.files[pos-1].Status = StatusCanceled
	}
	q.mu.Unlock()
	metrics.QueuesTotal.WithLabelValues(QueueCanceled.String()).Inc()
	q.opts.Logger.Info().Str("queue", q.id).Int("index", pos).Msg("queue canceled")
	q.pub.Publish(events.New(EventCanceled, "transfer", map[string]any{
		"queue": q.id, "index": pos, "count": len(q.items),
	}))
	return QueueCanceled, nil
}
