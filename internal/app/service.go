// Package app assembles the download queues, the server supervisor and the
// chat session into the service behind the control API and the CLI.
package app

import (
	"context"
	"fmt"
	"net"
	"net/http"
	"sync"
	"time"

	"github.com/rs/zerolog"
	"golang.org/x/time/rate"

	"chatd/internal/apperr"
	"chatd/internal/catalog"
	"chatd/internal/common/procutil"
	"chatd/internal/config"
	"chatd/internal/conversation"
	"chatd/internal/events"
	"chatd/internal/inference"
	"chatd/internal/registry"
	"chatd/internal/supervisor"
	"chatd/internal/sysmon"
	"chatd/pkg/types"
)

// Options configures a Service.
type Options struct {
	Config config.Config
	// ConfigPath, when set, receives the model selection.
	ConfigPath string
	// Publisher receives every event in addition to the service bus.
	Publisher events.Publisher
	Logger    zerolog.Logger
	// HTTPClient is used for downloads. Defaults to one built from
	// cfg.Download timeouts.
	HTTPClient *http.Client
	// Terminator overrides the name sweep used on server stop.
	Terminator supervisor.Terminator
	// Sysmon overrides the resource source.
	Sysmon sysmon.Source
}

// Service is safe for concurrent use.
type Service struct {
	log     zerolog.Logger
	bus     *events.Bus
	pub     events.Publisher
	cfgPath string
	started time.Time

	mu  sync.RWMutex
	cfg config.Config

	sup     *supervisor.Supervisor
	infer   *inference.Client
	chat    *conversation.Session
	cat     *catalog.Catalog
	mon     *sysmon.Monitor
	httpc   *http.Client
	limiter *rate.Limiter

	downloads *downloads

	sampleMu   sync.Mutex
	sampleText string

	ctx    context.Context
	cancel context.CancelFunc
	wg     sync.WaitGroup
}

func New(opts Options) (*Service, error) {
	cfg := opts.Config
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	cat, err := catalog.New(cfg.Bundles)
	if err != nil {
		return nil, err
	}
	bus := events.NewBus(256)
	pub := events.Multi{bus, opts.Publisher}
	log := opts.Logger

	term := opts.Terminator
	if term == nil && cfg.Stop.NameSweep() {
		term = procutil.Killer{}
	}
	names := map[supervisor.Role]string{
		supervisor.RoleMain:    cfg.Servers.Main.Binary,
		supervisor.RoleCaption: cfg.Servers.Caption.Binary,
	}
	sup := supervisor.New(supervisor.Options{
		PollInterval: cfg.Readiness.PollInterval.D(),
		ReadyTimeout: cfg.Readiness.Timeout.D(),
		Grace:        cfg.Stop.Grace.D(),
		Settle:       cfg.Stop.Settle.D(),
		Marker:       cfg.Readiness.Marker,
		FailMarkers:  cfg.Readiness.FailMarkers,
		Terminator:   term,
		Names:        names,
		Publisher:    pub,
		Logger:       log.With().Str("component", "supervisor").Logger(),
	})

	captionURL := ""
	if cfg.Servers.Caption.Enabled {
		captionURL = cfg.Servers.Caption.BaseURL()
	}
	ic := inference.New(inference.Options{
		BaseURL:       cfg.Servers.Main.BaseURL(),
		CaptionURL:    captionURL,
		Timeout:       cfg.Inference.Timeout.D(),
		RepeatPenalty: cfg.Inference.RepeatPenalty,
		Logger:        log.With().Str("component", "inference").Logger(),
	})

	httpc := opts.HTTPClient
	if httpc == nil {
		httpc = downloadClient(cfg.Download)
	}

	ctx, cancel := context.WithCancel(context.Background())
	s := &Service{
		log:       log,
		bus:       bus,
		pub:       pub,
		cfgPath:   opts.ConfigPath,
		started:   time.Now(),
		cfg:       cfg,
		sup:       sup,
		infer:     ic,
		cat:       cat,
		httpc:     httpc,
		limiter:   transferLimiter(cfg.Download),
		downloads: newDownloads(),
		ctx:       ctx,
		cancel:    cancel,
	}
	s.chat = conversation.New(conversation.Options{
		Persona:        personaOf(cfg.Chat),
		Sampling:       s.sampling,
		Servers:        sup,
		Launch:         s.launch,
		Client:         ic,
		API:            conversation.API(cfg.Chat.API),
		CaptionEnabled: cfg.Servers.Caption.Enabled,
		SwapPause:      cfg.Stop.Settle.D(),
		Publisher:      pub,
		Logger:         log.With().Str("component", "chat").Logger(),
	})
	s.mon = sysmon.New(sysmon.Options{
		Interval:     cfg.Sysmon.Interval.D(),
		ProcessNames: cfg.Sysmon.ProcessNames,
		Source:       opts.Sysmon,
		Publisher:    events.Multi{pub, events.PublisherFunc(s.keepSample)},
		Logger:       log.With().Str("component", "sysmon").Logger(),
	})
	return s, nil
}

func downloadClient(d config.Download) *http.Client {
	tr := http.DefaultTransport.(*http.Transport).Clone()
	tr.DialContext = (&net.Dialer{Timeout: d.ConnectTimeout.D(), KeepAlive: 30 * time.Second}).DialContext
	tr.ResponseHeaderTimeout = d.HeaderTimeout.D()
	// body reads are unbounded; cancellation comes from the task
	return &http.Client{Transport: tr}
}

func personaOf(c config.Chat) conversation.Persona {
	return conversation.PersonaFromConfig(c.UserName, c.AIName, c.SystemPrompt, c.Compact, c.EndMarkers)
}

// Bus is the event stream of every component.
func (s *Service) Bus() *events.Bus { return s.bus }

// Subscribe attaches a listener to the bus. The returned func detaches it.
func (s *Service) Subscribe() (<-chan events.Event, func()) { return s.bus.Subscribe() }

// Config returns a copy of the live configuration.
func (s *Service) Config() config.Config {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.cfg
}

func (s *Service) sampling() conversation.Sampling {
	cfg := s.Config()
	return conversation.Sampling{Temperature: cfg.Settings.Temperature, MaxTokens: cfg.Settings.MaxTokens}
}

func (s *Service) launch(role supervisor.Role) supervisor.LaunchParams {
	return supervisor.LaunchFor(s.Config(), role)
}

// Run drives the background work that lives as long as the daemon: the
// resource monitor. It returns when ctx is done.
func (s *Service) Run(ctx context.Context) error {
	return s.mon.Run(ctx)
}

// Close cancels running downloads, stops the servers and waits for every
// goroutine the service started.
func (s *Service) Close() error {
	s.cancel()
	s.downloads.cancelAll()
	err := s.sup.Close()
	s.wg.Wait()
	return err
}

// Ready reports whether the main server is ready for chat.
func (s *Service) Ready() bool { return s.sup.Ready(supervisor.RoleMain) }

func (s *Service) keepSample(e events.Event) {
	if e.Name != sysmon.EventSample {
		return
	}
	s.sampleMu.Lock()
	defer s.sampleMu.Unlock()
	if text, ok := e.Fields["text"].(string); ok {
		s.sampleText = text
	}
}

// Models lists the model files in the models directory.
func (s *Service) Models() ([]types.Model, error) {
	cfg := s.Config()
	models, err := registry.LoadDir(cfg.Paths.ModelsDir, cfg.Model.Selected)
	if err != nil {
		return nil, apperr.Filesystem("models", err, "scan %s", cfg.Paths.ModelsDir)
	}
	return models, nil
}

// SelectModel makes name the model the main server launches with. The file
// must exist in the models directory. The choice is saved when the service
// has a config path.
func (s *Service) SelectModel(name string) error {
	models, err := s.Models()
	if err != nil {
		return err
	}
	found := false
	for _, m := range models {
		if m.ID == name {
			found = true
			break
		}
	}
	if !found {
		return apperr.NotFound("select", fmt.Sprintf("model %q not found", name))
	}
	s.mu.Lock()
	s.cfg.Model.Selected = name
	cfg := s.cfg
	s.mu.Unlock()
	s.log.Info().Str("model", name).Msg("model selected")
	if s.cfgPath != "" {
		if err := config.Save(s.cfgPath, cfg); err != nil {
			return apperr.Filesystem("select", err, "save %s", s.cfgPath)
		}
	}
	return nil
}

// Bundles lists the download catalog.
func (s *Service) Bundles() []types.Bundle {
	list := s.cat.List()
	out := make([]types.Bundle, len(list))
	for i, b := range list {
		tb := types.Bundle{Name: b.Name, Description: b.Description, Install: b.Install.String(), Target: b.Target}
		for _, it := range b.Items {
			tb.URLs = append(tb.URLs, it.URL)
		}
		out[i] = tb
	}
	return out
}

// Status summarises the daemon.
func (s *Service) Status() types.StatusResponse {
	s.sampleMu.Lock()
	res := s.sampleText
	s.sampleMu.Unlock()
	now := time.Now()
	return types.StatusResponse{
		Server:          s.ServerStatus(),
		Model:           s.Config().Model.Selected,
		ChatBusy:        s.chat.Busy(),
		ActiveDownloads: s.downloads.active(),
		Resources:       res,
		UptimeSeconds:   int64(now.Sub(s.started).Seconds()),
		ServerTimeUnix:  now.Unix(),
	}
}

// Sysinfo takes one resource reading now.
func (s *Service) Sysinfo(ctx context.Context) (sysmon.Sample, error) {
	return s.mon.Sample(ctx)
}

// errClosed is returned by operations attempted after Close.
var errClosed = apperr.Invalid("service", "service is shutting down")
