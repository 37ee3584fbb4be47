// Package conversation drives chat turns against the local servers and keeps
// the running prompt context of one session.
package conversation

import (
	"context"
	"strings"
	"sync"
	"time"

	"github.com/rs/zerolog"

	"chatd/internal/apperr"
	"chatd/internal/events"
	"chatd/internal/inference"
	"chatd/internal/metrics"
	"chatd/internal/supervisor"
)

// Event names published by a Session.
const (
	EventTurnStarted   = "turn_started"
	EventCaptioned     = "turn_captioned"
	EventTurnCompleted = "turn_completed"
	EventTurnFailed    = "turn_failed"
	EventUndone        = "session_undone"
	EventCleared       = "session_cleared"
)

// ServerControl is the part of the supervisor a session drives.
type ServerControl interface {
	Start(role supervisor.Role, lp supervisor.LaunchParams) error
	Stop(role supervisor.Role)
	AwaitReady(ctx context.Context, role supervisor.Role) error
}

// Completer is the part of the inference client a session uses.
type Completer interface {
	Complete(ctx context.Context, req inference.CompletionRequest) (inference.Completion, error)
	Chat(ctx context.Context, req inference.ChatRequest) (inference.ChatReply, error)
	Caption(ctx context.Context, imagePath string) (string, error)
}

// API selects the endpoint a turn is sent to.
type API string

const (
	// APICompletion sends the running prompt to /completion.
	APICompletion API = "completion"
	// APIChat sends the transcript as messages to /v1/chat/completions.
	APIChat API = "chat"
)

// Sampling are the per-turn generation parameters.
type Sampling struct {
	Temperature float64 `json:"temperature"`
	MaxTokens   int     `json:"max_tokens"`
}

// Options configures a Session.
type Options struct {
	Persona  Persona
	Sampling func() Sampling
	Servers  ServerControl
	// Launch returns the current launch description of a role.
	Launch func(supervisor.Role) supervisor.LaunchParams
	Client Completer
	// API defaults to APICompletion.
	API            API
	CaptionEnabled bool
	// SwapPause is slept after stopping one server before starting the other.
	SwapPause time.Duration
	Publisher events.Publisher
	Logger    zerolog.Logger
}

// Turn is one user submission.
type Turn struct {
	Message   string `json:"message"`
	ImagePath string `json:"image_path,omitempty"`
	// Sampling overrides the session's parameters for this turn.
	Sampling *Sampling `json:"sampling,omitempty"`
}

// Reply is the outcome of a successful turn.
type Reply struct {
	Text     string        `json:"text"`
	Caption  string        `json:"caption,omitempty"`
	Tokens   int           `json:"tokens"`
	Elapsed  time.Duration `json:"elapsed"`
	TurnKind string        `json:"kind"`
}

// Result is delivered by SubmitAsync.
type Result struct {
	Reply Reply
	Err   error
}

// Entry is one line of the visible transcript.
type Entry struct {
	Speaker string `json:"speaker"`
	Text    string `json:"text"`
	Image   string `json:"image,omitempty"`
	Caption string `json:"caption,omitempty"`
}

type state struct {
	next       string
	first      bool
	transcript []Entry
}

func (s state) clone() state {
	s.transcript = append([]Entry(nil), s.transcript...)
	return s
}

type undoRecord struct {
	before state
	turn   Turn
}

// Session admits one turn at a time. Undo and Clear share the same slot, so
// they are refused while a turn is in flight.
type Session struct {
	opts Options
	pub  events.Publisher
	log  zerolog.Logger
	slot chan struct{}

	mu      sync.Mutex
	persona Persona
	st      state
	undo    *undoRecord
}

func New(opts Options) *Session {
	if opts.Sampling == nil {
		opts.Sampling = func() Sampling { return Sampling{Temperature: 0.7, MaxTokens: 512} }
	}
	return &Session{
		opts:    opts,
		pub:     events.OrNoop(opts.Publisher),
		log:     opts.Logger,
		slot:    make(chan struct{}, 1),
		persona: opts.Persona,
		st:      state{first: true},
	}
}

func (s *Session) acquire(op string) error {
	select {
	case s.slot <- struct{}{}:
		return nil
	default:
		return apperr.Busy(op, "a turn is already in flight")
	}
}

func (s *Session) release() { <-s.slot }

// Busy reports whether a turn is in flight.
func (s *Session) Busy() bool { return len(s.slot) > 0 }

// Submit runs one turn on the caller's goroutine. A second concurrent submit
// fails with a Busy error. On failure the session is unchanged.
func (s *Session) Submit(ctx context.Context, t Turn) (Reply, error) {
	if err := s.acquire("chat"); err != nil {
		return Reply{}, err
	}
	defer s.release()
	return s.run(ctx, t)
}

// SubmitAsync admits the turn immediately and runs it on its own goroutine.
// The channel yields exactly one Result.
func (s *Session) SubmitAsync(ctx context.Context, t Turn) (<-chan Result, error) {
	if err := s.acquire("chat"); err != nil {
		return nil, err
	}
	ch := make(chan Result, 1)
	go func() {
		defer s.release()
		rep, err := s.run(ctx, t)
		ch <- Result{Reply: rep, Err: err}
		close(ch)
	}()
	return ch, nil
}

func (s *Session) run(ctx context.Context, t Turn) (rep Reply, err error) {
	kind := "text"
	if t.ImagePath != "" {
		kind = "image"
	}
	start := time.Now()
	defer func() {
		metrics.TurnsTotal.WithLabelValues(kind, metrics.Result(err)).Inc()
		if err != nil {
			s.log.Warn().Err(err).Str("kind", kind).Msg("turn failed")
			s.pub.Publish(events.New(EventTurnFailed, "chat", map[string]any{
				"kind": kind, "error": apperr.UserMessage(err),
			}))
		}
	}()
	if strings.TrimSpace(t.Message) == "" && t.ImagePath == "" {
		return Reply{}, apperr.Invalid("chat", "empty message")
	}
	s.pub.Publish(events.New(EventTurnStarted, "chat", map[string]any{"kind": kind}))

	msg := t.Message
	var caption string
	if t.ImagePath != "" {
		caption, err = s.caption(ctx, t.ImagePath)
		if err != nil {
			return Reply{}, err
		}
		msg = annotateImage(msg, caption)
	}

	s.mu.Lock()
	persona := s.persona
	before := s.st.clone()
	s.mu.Unlock()

	prompt := buildPrompt(persona, before.next, before.first, msg)
	sp := s.opts.Sampling()
	if t.Sampling != nil {
		sp = *t.Sampling
	}
	content, tokens, err := s.generate(ctx, persona, prompt, before.transcript, msg, sp)
	if err != nil {
		return Reply{}, err
	}
	text := TrimEndMarkers(content, persona.EndMarkers)

	s.mu.Lock()
	s.undo = &undoRecord{before: before, turn: t}
	s.st.next = continuePrompt(persona, prompt, text)
	s.st.first = false
	s.st.transcript = append(s.st.transcript,
		Entry{Speaker: persona.UserName, Text: t.Message, Image: t.ImagePath, Caption: caption},
		Entry{Speaker: persona.AIName, Text: text},
	)
	s.mu.Unlock()

	rep = Reply{Text: text, Caption: caption, Tokens: tokens, Elapsed: time.Since(start), TurnKind: kind}
	s.log.Info().Str("kind", kind).Int("tokens", rep.Tokens).Dur("elapsed", rep.Elapsed).Msg("turn completed")
	s.pub.Publish(events.New(EventTurnCompleted, "chat", map[string]any{
		"kind": kind, "tokens": rep.Tokens, "elapsed_ms": rep.Elapsed.Milliseconds(),
	}))
	return rep, nil
}

func (s *Session) generate(ctx context.Context, p Persona, prompt string, transcript []Entry, msg string, sp Sampling) (string, int, error) {
	if s.opts.API == APIChat {
		rep, err := s.opts.Client.Chat(ctx, inference.ChatRequest{
			Messages:    buildMessages(p, transcript, msg),
			Stop:        StopSequences(p),
			MaxTokens:   sp.MaxTokens,
			Temperature: sp.Temperature,
		})
		return rep.Content, rep.TotalTokens, err
	}
	comp, err := s.opts.Client.Complete(ctx, inference.CompletionRequest{
		Prompt:      prompt,
		Stop:        StopSequences(p),
		MaxTokens:   sp.MaxTokens,
		Temperature: sp.Temperature,
	})
	return comp.Content, comp.TokensPredicted, err
}

// caption swaps to the llava server, captions the image and swaps back. The
// main server is restarted even when captioning fails.
func (s *Session) caption(ctx context.Context, image string) (string, error) {
	if !s.opts.CaptionEnabled || s.opts.Servers == nil || s.opts.Launch == nil {
		return "", apperr.Invalid("caption", "image captioning is not configured")
	}
	srv := s.opts.Servers

	srv.Stop(supervisor.RoleMain)
	s.pause(ctx)
	caption, capErr := s.captionOnce(ctx, image)
	srv.Stop(supervisor.RoleCaption)
	s.pause(ctx)

	// restart main regardless of the caption outcome
	mainErr := srv.Start(supervisor.RoleMain, s.opts.Launch(supervisor.RoleMain))
	if mainErr == nil {
		mainErr = srv.AwaitReady(ctx, supervisor.RoleMain)
	}
	if capErr != nil {
		if mainErr != nil {
			s.log.Error().Err(mainErr).Msg("main server restart after failed caption")
		}
		return "", capErr
	}
	if mainErr != nil {
		return "", mainErr
	}
	s.pub.Publish(events.New(EventCaptioned, "chat", map[string]any{"caption": caption}))
	return caption, nil
}

func (s *Session) captionOnce(ctx context.Context, image string) (string, error) {
	srv := s.opts.Servers
	if err := srv.Start(supervisor.RoleCaption, s.opts.Launch(supervisor.RoleCaption)); err != nil {
		return "", err
	}
	if err := srv.AwaitReady(ctx, supervisor.RoleCaption); err != nil {
		return "", err
	}
	return s.opts.Client.Caption(ctx, image)
}

func (s *Session) pause(ctx context.Context) {
	if s.opts.SwapPause <= 0 {
		return
	}
	t := time.NewTimer(s.opts.SwapPause)
	defer t.Stop()
	select {
	case <-t.C:
	case <-ctx.Done():
	}
}

// Undo restores the state before the last successful turn and returns that
// turn so it can be edited and resubmitted. Only one level is kept.
func (s *Session) Undo() (Turn, error) {
	if err := s.acquire("undo"); err != nil {
		return Turn{}, err
	}
	defer s.release()
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.undo == nil {
		return Turn{}, apperr.NotFound("undo", "nothing to undo")
	}
	rec := s.undo
	s.st = rec.before
	s.undo = nil
	s.pub.Publish(events.New(EventUndone, "chat", map[string]any{"message": rec.turn.Message}))
	return rec.turn, nil
}

// Clear starts a fresh session with the current persona.
func (s *Session) Clear() error {
	if err := s.acquire("clear"); err != nil {
		return err
	}
	defer s.release()
	s.mu.Lock()
	s.st = state{first: true}
	s.undo = nil
	s.mu.Unlock()
	s.pub.Publish(events.New(EventCleared, "chat", nil))
	return nil
}

// SetPersona changes names and system prompt. The system prompt takes effect
// on the next cleared session; the names apply from the next turn.
func (s *Session) SetPersona(p Persona) {
	s.mu.Lock()
	s.persona = p
	s.mu.Unlock()
}

func (s *Session) Persona() Persona {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.persona
}

// Transcript returns the visible conversation so far.
func (s *Session) Transcript() []Entry {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]Entry(nil), s.st.transcript...)
}

// Context returns the prompt the next turn will extend.
func (s *Session) Context() string {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.st.first {
		return s.persona.SystemPrompt
	}
	return s.st.next
}

// PersonaFromConfig is a convenience for wiring.
func PersonaFromConfig(user, ai, system string, compact bool, markers []string) Persona {
	return Persona{UserName: user, AIName: ai, SystemPrompt: system, Compact: compact, EndMarkers: markers}
}
