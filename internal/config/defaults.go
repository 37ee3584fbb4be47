package config

import (
	"path/filepath"
	"time"

	"chatd/internal/common/fsutil"
)

// Defaults applied when corresponding Config fields are unset.
const (
	DefaultAddr          = "127.0.0.1:8765"
	DefaultSelectedModel = "kunoichi-7b.Q6_K.gguf"
	DefaultMainPort      = 35634
	DefaultCaptionPort   = 17186
	DefaultReadyMarker   = "all slots are idle and system prompt is empty, clear the KV cache"

	defaultThreads     = 14
	defaultContextSize = 4096
	defaultTemperature = 0.7
	defaultMaxTokens   = 512
	defaultGroupAttnN  = 1
	defaultGroupAttnW  = 512
	defaultBatchSize   = 512

	defaultPollInterval   = 250 * time.Millisecond
	defaultReadyTimeout   = 120 * time.Second
	defaultStopGrace      = 2 * time.Second
	defaultStopSettle     = 1 * time.Second
	defaultChunkSize      = 32 << 10
	defaultConnectTimeout = 10 * time.Second
	defaultHeaderTimeout  = 30 * time.Second
	defaultInferTimeout   = 5 * time.Minute
	defaultRepeatPenalty  = 1.18
	defaultMaxBodyBytes   = 1 << 20
	defaultSysmonInterval = 2 * time.Second
)

// DefaultSystemPrompt opens a fresh session; it ends with the user prefix so the
// first user message follows it directly.
const DefaultSystemPrompt = "AI Assistant, a highly capable and responsive entity designed to provide information, " +
	"solve problems, and offer guidance on various topics. The AI Assistant is adept at understanding and " +
	"responding to a wide range of queries, from simple factual questions to more complex requests for advice " +
	"or analysis. The user approaches the AI Assistant with questions, tasks, or topics they need assistance " +
	"with, and the AI Assistant responds in a helpful, informative manner.\nHere is a transcript of a " +
	"never-ending text dialog, where User interacts with the AI Assistant.\nAI Assistant: Hi, I am AI " +
	"Assistant. I am ready to help you with any problem or question.\nUser:"

// Default returns a fully populated configuration.
func Default() Config {
	var c Config
	c.ApplyDefaults()
	return c
}

// ApplyDefaults fills every unset field and expands '~' in paths.
func (c *Config) ApplyDefaults() {
	if c.Addr == "" {
		c.Addr = DefaultAddr
	}
	p := &c.Paths
	setStr(&p.ModelsDir, "models")
	setStr(&p.BackendDir, "backend")
	setStr(&p.TempDir, "temp")
	setStr(&p.TranslatorDir, filepath.Join(p.ModelsDir, "translator"))
	for _, s := range []*string{&p.ModelsDir, &p.BackendDir, &p.TempDir, &p.TranslatorDir} {
		if exp, err := fsutil.ExpandHome(*s); err == nil {
			*s = exp
		}
	}
	setStr(&c.Model.Selected, DefaultSelectedModel)

	s := &c.Settings
	setInt(&s.Threads, defaultThreads)
	setInt(&s.ContextSize, defaultContextSize)
	if s.Temperature == 0 {
		s.Temperature = defaultTemperature
	}
	setInt(&s.MaxTokens, defaultMaxTokens)
	setInt(&s.GroupAttnN, defaultGroupAttnN)
	setInt(&s.GroupAttnW, defaultGroupAttnW)
	setInt(&s.BatchSize, defaultBatchSize)

	m := &c.Servers.Main
	m.Enabled = true
	setStr(&m.Binary, filepath.Join(p.BackendDir, "server"))
	setStr(&m.Host, "127.0.0.1")
	setInt(&m.Port, DefaultMainPort)
	setStr(&m.LogFile, "llama_output.log")

	cp := &c.Servers.Caption
	setStr(&cp.Binary, filepath.Join(p.ModelsDir, "llava-v1.5-7b-q4-server.llamafile"))
	setStr(&cp.Host, "127.0.0.1")
	setInt(&cp.Port, DefaultCaptionPort)
	setStr(&cp.LogFile, "llava_output.log")

	r := &c.Readiness
	setStr(&r.Mode, "log")
	setStr(&r.Marker, DefaultReadyMarker)
	setStr(&r.HealthPath, "/health")
	setDur(&r.PollInterval, defaultPollInterval)
	setDur(&r.Timeout, defaultReadyTimeout)

	setDur(&c.Stop.Grace, defaultStopGrace)
	setDur(&c.Stop.Settle, defaultStopSettle)

	ch := &c.Chat
	setStr(&ch.UserName, "User")
	setStr(&ch.AIName, "AI Assistant")
	setStr(&ch.SystemPrompt, DefaultSystemPrompt)
	setStr(&ch.API, "completion")
	if ch.EndMarkers == nil {
		ch.EndMarkers = []string{"</s>", "<|im_end|>", "<|eot_id|>"}
	}

	d := &c.Download
	setInt(&d.ChunkSize, defaultChunkSize)
	setDur(&d.ConnectTimeout, defaultConnectTimeout)
	setDur(&d.HeaderTimeout, defaultHeaderTimeout)
	setStr(&d.OnConflict, "ask")

	setDur(&c.Inference.Timeout, defaultInferTimeout)
	if c.Inference.RepeatPenalty == 0 {
		c.Inference.RepeatPenalty = defaultRepeatPenalty
	}

	l := &c.Logging
	setStr(&l.Level, "info")
	setStr(&l.Format, "console")
	setInt(&l.MaxSizeMB, 100)
	setInt(&l.MaxBackups, 3)
	setInt(&l.MaxAgeDays, 28)

	if c.HTTP.MaxBodyBytes <= 0 {
		c.HTTP.MaxBodyBytes = defaultMaxBodyBytes
	}

	setDur(&c.Sysmon.Interval, defaultSysmonInterval)
	if len(c.Sysmon.ProcessNames) == 0 {
		c.Sysmon.ProcessNames = []string{filepath.Base(m.Binary), filepath.Base(cp.Binary)}
	}
}

func setStr(p *string, v string) {
	if *p == "" {
		*p = v
	}
}

func setInt(p *int, v int) {
	if *p <= 0 {
		*p = v
	}
}

func setDur(p *Duration, v time.Duration) {
	if *p <= 0 {
		*p = Duration(v)
	}
}
