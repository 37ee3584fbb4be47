// Package supervisor runs at most one local model server at a time, in one of
// two roles, and reports when it becomes ready.
package supervisor

import (
	"context"
	"errors"
	"fmt"
	"os"
	"os/exec"
	"path/filepath"
	"sync"
	"sync/atomic"
	"syscall"
	"time"

	"github.com/fsnotify/fsnotify"
	"github.com/rs/zerolog"

	"chatd/internal/apperr"
	"chatd/internal/common/fsutil"
	"chatd/internal/events"
	"chatd/internal/metrics"
)

// Event names published by the supervisor. The event source is the role.
const (
	EventStarting = "server_starting"
	EventReady    = "server_ready"
	EventFailed   = "server_failed"
	EventTimeout  = "server_timeout"
	EventExited   = "server_exited"
	EventStopped  = "server_stopped"
)

var (
	ErrClosed  = errors.New("supervisor closed")
	errStopped = errors.New("server stopped before ready")
)

const (
	defaultPollInterval = 250 * time.Millisecond
	defaultReadyTimeout = 120 * time.Second
	defaultGrace        = 2 * time.Second
	sweepTimeout        = 5 * time.Second
)

// Terminator kills leftover processes by executable name.
type Terminator interface {
	KillByName(ctx context.Context, name string) (int, error)
}

// Options configures a Supervisor. Zero durations select defaults, except
// Settle where zero means no pause after a stop.
type Options struct {
	PollInterval time.Duration
	ReadyTimeout time.Duration
	Grace        time.Duration
	Settle       time.Duration
	// Marker and FailMarkers build the default log probe when LaunchParams
	// carries none.
	Marker      string
	FailMarkers []string
	// Terminator sweeps processes by name on Stop. nil disables the sweep.
	Terminator Terminator
	// Names seeds the executable name swept for each role before it was
	// ever started by this supervisor.
	Names        map[Role]string
	DisableWatch bool
	Publisher    events.Publisher
	Logger       zerolog.Logger
}

// LaunchParams is everything needed to spawn one server process.
type LaunchParams struct {
	Binary  string
	Args    []string
	Dir     string
	Env     []string
	LogPath string
	Probe   ReadinessProbe
}

type proc struct {
	role    Role
	params  LaunchParams
	cmd     *exec.Cmd
	pid     int
	started time.Time
	readyAt time.Time

	stopping atomic.Bool
	cancel   context.CancelFunc

	exited  chan struct{}
	exitErr error

	readyCh chan struct{}
	once    sync.Once
	err     error
}

// resolve records the readiness outcome once and reports whether this call did it.
func (p *proc) resolve(err error) bool {
	first := false
	p.once.Do(func() {
		p.err = err
		close(p.readyCh)
		first = true
	})
	return first
}

// Supervisor owns the server processes. Start, Stop and Swap are serialized;
// readiness is detected on a background goroutine per process.
type Supervisor struct {
	opts Options
	pub  events.Publisher
	log  zerolog.Logger

	lifecycle sync.Mutex

	mu      sync.Mutex
	cur     *proc
	state   State
	last    map[Role]*proc
	names   map[Role]string
	lastErr string
	closed  bool

	wg sync.WaitGroup
}

func New(opts Options) *Supervisor {
	if opts.PollInterval <= 0 {
		opts.PollInterval = defaultPollInterval
	}
	if opts.ReadyTimeout <= 0 {
		opts.ReadyTimeout = defaultReadyTimeout
	}
	if opts.Grace <= 0 {
		opts.Grace = defaultGrace
	}
	names := make(map[Role]string, 2)
	for r, n := range opts.Names {
		if n != "" {
			names[r] = filepath.Base(n)
		}
	}
	return &Supervisor{
		opts:  opts,
		pub:   events.OrNoop(opts.Publisher),
		log:   opts.Logger,
		last:  make(map[Role]*proc, 2),
		names: names,
	}
}

// Start spawns the server for role and returns once the process is running;
// readiness is reported by AwaitReady and the server_ready event. Starting a
// role that is already starting or ready is a no-op. Starting while the other
// role is active fails without spawning.
func (s *Supervisor) Start(role Role, lp LaunchParams) error {
	s.lifecycle.Lock()
	defer s.lifecycle.Unlock()
	return s.start(role, lp)
}

// Stop terminates the server of role, or whatever runs when role is RoleNone.
// It always succeeds from the caller's view; OS errors are logged.
func (s *Supervisor) Stop(role Role) {
	s.lifecycle.Lock()
	defer s.lifecycle.Unlock()
	s.stop(role)
}

// Swap stops whatever runs and starts role.
func (s *Supervisor) Swap(role Role, lp LaunchParams) error {
	s.lifecycle.Lock()
	defer s.lifecycle.Unlock()
	s.stop(RoleNone)
	return s.start(role, lp)
}

// AwaitReady blocks until the last start of role became ready or failed.
func (s *Supervisor) AwaitReady(ctx context.Context, role Role) error {
	s.mu.Lock()
	p := s.last[role]
	s.mu.Unlock()
	if p == nil {
		return apperr.Invalid("await", fmt.Sprintf("%s server was not started", role))
	}
	select {
	case <-p.readyCh:
	case <-ctx.Done():
		return ctx.Err()
	}
	if p.err != nil {
		return p.err
	}
	s.mu.Lock()
	alive := s.cur == p
	s.mu.Unlock()
	if !alive {
		code := exitCodeOf(p)
		var cause error
		if code != -1 {
			cause = p.exitErr
		}
		return apperr.Process("await", code, cause, "%s server is no longer running", role)
	}
	return nil
}

// StartAndWait starts role and waits for readiness.
func (s *Supervisor) StartAndWait(ctx context.Context, role Role, lp LaunchParams) error {
	if err := s.Start(role, lp); err != nil {
		return err
	}
	return s.AwaitReady(ctx, role)
}

func (s *Supervisor) Snapshot() Status {
	s.mu.Lock()
	defer s.mu.Unlock()
	st := Status{State: s.state, LastError: s.lastErr}
	if p := s.cur; p != nil {
		st.Role = p.role
		st.PID = p.pid
		st.Binary = p.params.Binary
		st.LogPath = p.params.LogPath
		st.StartedAt = p.started
		st.ReadyAt = p.readyAt
	}
	return st
}

// Ready reports whether role is up and ready.
func (s *Supervisor) Ready(role Role) bool {
	st := s.Snapshot()
	return st.Role == role && st.State == StateReady
}

// Close stops everything and waits for background goroutines. Further starts fail.
func (s *Supervisor) Close() error {
	s.lifecycle.Lock()
	s.mu.Lock()
	s.closed = true
	s.mu.Unlock()
	s.stop(RoleNone)
	s.lifecycle.Unlock()
	s.wg.Wait()
	return nil
}

func (s *Supervisor) start(role Role, lp LaunchParams) error {
	if role == RoleNone {
		return apperr.Invalid("start", "role required")
	}
	if lp.Binary == "" {
		return apperr.Invalid("start", fmt.Sprintf("%s server binary not configured", role))
	}
	if lp.LogPath == "" {
		return apperr.Invalid("start", "log path required")
	}
	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return apperr.Invalid("start", ErrClosed.Error())
	}
	if cur := s.cur; cur != nil {
		state := s.state
		s.mu.Unlock()
		if cur.role == role {
			return nil
		}
		return apperr.Busy("start", fmt.Sprintf("%s server is %s; stop it first", cur.role, state))
	}
	s.mu.Unlock()

	if err := fsutil.EnsureDir(filepath.Dir(lp.LogPath)); err != nil {
		return apperr.Filesystem("start", err, "create log directory")
	}
	logf, err := os.Create(lp.LogPath)
	if err != nil {
		return apperr.Filesystem("start", err, "create %s", lp.LogPath)
	}
	if lp.Probe == nil {
		lp.Probe = NewLogTailProbe(lp.LogPath, s.opts.Marker, s.opts.FailMarkers...)
	}
	if r, ok := lp.Probe.(interface{ Reset() }); ok {
		r.Reset()
	}

	cmd := exec.Command(lp.Binary, lp.Args...)
	cmd.Stdout = logf
	cmd.Stderr = logf
	cmd.Dir = lp.Dir
	if len(lp.Env) > 0 {
		cmd.Env = append(os.Environ(), lp.Env...)
	}
	if err := cmd.Start(); err != nil {
		_ = logf.Close()
		perr := apperr.Process("start", -1, err, "spawn %s", lp.Binary)
		s.mu.Lock()
		s.lastErr = perr.Error()
		s.mu.Unlock()
		metrics.ServerStarts.WithLabelValues(role.String(), "error").Inc()
		s.log.Error().Err(err).Str("role", role.String()).Str("binary", lp.Binary).Msg("server spawn failed")
		return perr
	}

	ctx, cancel := context.WithCancel(context.Background())
	p := &proc{
		role:    role,
		params:  lp,
		cmd:     cmd,
		pid:     cmd.Process.Pid,
		started: time.Now(),
		cancel:  cancel,
		exited:  make(chan struct{}),
		readyCh: make(chan struct{}),
	}
	s.mu.Lock()
	s.cur = p
	s.state = StateStarting
	s.last[role] = p
	s.names[role] = filepath.Base(lp.Binary)
	s.lastErr = ""
	s.mu.Unlock()

	metrics.ServerState.WithLabelValues(role.String()).Set(float64(StateStarting))
	s.log.Info().Str("role", role.String()).Int("pid", p.pid).Str("binary", lp.Binary).Strs("args", lp.Args).Str("log", lp.LogPath).Msg("server spawned")
	s.pub.Publish(events.New(EventStarting, role.String(), map[string]any{
		"pid": p.pid, "binary": lp.Binary, "log": lp.LogPath,
	}))

	s.wg.Add(2)
	go func() {
		defer s.wg.Done()
		err := cmd.Wait()
		_ = logf.Close()
		p.exitErr = err
		close(p.exited)
		s.onExit(p)
	}()
	go func() {
		defer s.wg.Done()
		s.watch(ctx, p)
	}()
	return nil
}

// watch polls the probe until ready, failed, timed out or superseded.
func (s *Supervisor) watch(ctx context.Context, p *proc) {
	deadline := time.NewTimer(s.opts.ReadyTimeout)
	defer deadline.Stop()
	tick := time.NewTicker(s.opts.PollInterval)
	defer tick.Stop()
	wake, unwatch := s.watchLog(p.params.LogPath)
	defer unwatch()

	for {
		r, err := p.params.Probe.Poll(ctx)
		if ctx.Err() != nil {
			return
		}
		switch r {
		case Ready:
			s.markReady(p)
			return
		case Failed:
			s.abort(p, EventFailed, apperr.Process("start", -1, err, "%s server failed to start", p.role))
			return
		}
		if err != nil {
			s.log.Debug().Err(err).Str("role", p.role.String()).Msg("readiness probe")
		}
		select {
		case <-ctx.Done():
			return
		case <-p.exited:
			return
		case <-deadline.C:
			s.abort(p, EventTimeout, apperr.Process("start", -1, apperr.ErrNotReady,
				"%s server not ready after %s", p.role, s.opts.ReadyTimeout))
			return
		case <-tick.C:
		case <-wake:
		}
	}
}

// watchLog wakes the poll loop whenever the log file is written.
func (s *Supervisor) watchLog(path string) (<-chan struct{}, func()) {
	if s.opts.DisableWatch {
		return nil, func() {}
	}
	w, err := fsnotify.NewWatcher()
	if err != nil {
		s.log.Debug().Err(err).Msg("log watcher unavailable, polling only")
		return nil, func() {}
	}
	if err := w.Add(filepath.Dir(path)); err != nil {
		_ = w.Close()
		s.log.Debug().Err(err).Msg("log watcher unavailable, polling only")
		return nil, func() {}
	}
	target := filepath.Clean(path)
	wake := make(chan struct{}, 1)
	done := make(chan struct{})
	go func() {
		for {
			select {
			case ev, ok := <-w.Events:
				if !ok {
					return
				}
				if filepath.Clean(ev.Name) == target && ev.Op&(fsnotify.Write|fsnotify.Create) != 0 {
					select {
					case wake <- struct{}{}:
					default:
					}
				}
			case _, ok := <-w.Errors:
				if !ok {
					return
				}
			case <-done:
				return
			}
		}
	}()
	return wake, func() {
		close(done)
		_ = w.Close()
	}
}

func (s *Supervisor) markReady(p *proc) {
	s.mu.Lock()
	if s.cur != p || s.state != StateStarting {
		s.mu.Unlock()
		return
	}
	s.state = StateReady
	p.readyAt = time.Now()
	elapsed := p.readyAt.Sub(p.started)
	s.mu.Unlock()
	p.resolve(nil)

	metrics.ServerStarts.WithLabelValues(p.role.String(), "ok").Inc()
	metrics.ServerReadySeconds.WithLabelValues(p.role.String()).Observe(elapsed.Seconds())
	metrics.ServerState.WithLabelValues(p.role.String()).Set(float64(StateReady))
	s.log.Info().Str("role", p.role.String()).Int("pid", p.pid).Dur("elapsed", elapsed).Msg("server ready")
	s.pub.Publish(events.New(EventReady, p.role.String(), map[string]any{
		"pid": p.pid, "elapsed_ms": elapsed.Milliseconds(),
	}))
}

// abort gives up on a starting process and terminates it.
func (s *Supervisor) abort(p *proc, event string, err error) {
	p.stopping.Store(true)
	s.mu.Lock()
	if s.cur == p {
		s.cur = nil
		s.state = StateStopped
	}
	s.lastErr = err.Error()
	s.mu.Unlock()
	p.resolve(err)

	metrics.ServerStarts.WithLabelValues(p.role.String(), "error").Inc()
	metrics.ServerState.WithLabelValues(p.role.String()).Set(float64(StateStopped))
	s.log.Error().Err(err).Str("role", p.role.String()).Int("pid", p.pid).Msg("server start aborted")
	s.pub.Publish(events.New(event, p.role.String(), map[string]any{
		"pid": p.pid, "error": err.Error(),
	}))
	s.terminate(p)
}

func (s *Supervisor) onExit(p *proc) {
	p.cancel()
	code := exitCodeOf(p)
	s.mu.Lock()
	wasCurrent := s.cur == p
	if wasCurrent {
		s.cur = nil
		s.state = StateStopped
	}
	s.mu.Unlock()
	if p.stopping.Load() {
		return
	}

	err := apperr.Process("start", code, p.exitErr, "%s server exited with code %d", p.role, code)
	beforeReady := p.resolve(err)
	if beforeReady {
		metrics.ServerStarts.WithLabelValues(p.role.String(), "error").Inc()
	}
	s.mu.Lock()
	s.lastErr = err.Error()
	s.mu.Unlock()
	if wasCurrent {
		metrics.ServerState.WithLabelValues(p.role.String()).Set(float64(StateStopped))
	}
	s.log.Warn().Str("role", p.role.String()).Int("pid", p.pid).Int("code", code).Bool("before_ready", beforeReady).Msg("server exited")
	s.pub.Publish(events.New(EventExited, p.role.String(), map[string]any{
		"pid": p.pid, "code": code, "before_ready": beforeReady,
	}))
}

func (s *Supervisor) stop(role Role) {
	s.mu.Lock()
	p := s.cur
	if p != nil && (role == RoleNone || p.role == role) {
		s.cur = nil
		s.state = StateStopped
	} else {
		p = nil
	}
	var names []string
	for r, n := range s.names {
		if role == RoleNone || r == role {
			names = append(names, n)
		}
	}
	s.mu.Unlock()

	stopped := role
	pid := 0
	if p != nil {
		stopped = p.role
		pid = p.pid
		p.stopping.Store(true)
		p.cancel()
		p.resolve(apperr.Process("stop", -1, errStopped, "%s server stopped before ready", p.role))
		s.terminate(p)
	}

	swept := 0
	if s.opts.Terminator != nil {
		for _, n := range names {
			ctx, cancel := context.WithTimeout(context.Background(), sweepTimeout)
			k, err := s.opts.Terminator.KillByName(ctx, n)
			cancel()
			if err != nil {
				s.log.Warn().Err(err).Str("name", n).Msg("kill by name")
			}
			swept += k
		}
	}
	if p == nil && swept == 0 {
		return
	}
	if s.opts.Settle > 0 {
		time.Sleep(s.opts.Settle)
	}
	if stopped != RoleNone {
		metrics.ServerState.WithLabelValues(stopped.String()).Set(float64(StateStopped))
	}
	s.log.Info().Str("role", stopped.String()).Int("pid", pid).Int("swept", swept).Msg("server stopped")
	s.pub.Publish(events.New(EventStopped, stopped.String(), map[string]any{
		"pid": pid, "swept": swept,
	}))
}

// terminate sends SIGTERM, waits for the grace period, then kills.
func (s *Supervisor) terminate(p *proc) {
	select {
	case <-p.exited:
		return
	default:
	}
	if err := p.cmd.Process.Signal(syscall.SIGTERM); err != nil {
		_ = p.cmd.Process.Kill()
	}
	select {
	case <-p.exited:
		return
	case <-time.After(s.opts.Grace):
	}
	if err := p.cmd.Process.Kill(); err != nil {
		s.log.Warn().Err(err).Int("pid", p.pid).Msg("kill server")
	}
	select {
	case <-p.exited:
	case <-time.After(s.opts.Grace):
		s.log.Warn().Int("pid", p.pid).Msg("server did not exit after kill")
	}
}

func exitCodeOf(p *proc) int {
	select {
	case <-p.exited:
	default:
		return -1
	}
	if p.exitErr == nil {
		return 0
	}
	var ee *exec.ExitError
	if errors.As(p.exitErr, &ee) {
		return ee.ExitCode()
	}
	return -1
}
