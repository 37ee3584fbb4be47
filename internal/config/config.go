package config

import (
	"net"
	"path/filepath"
	"strconv"
	"strings"
	"time"
)

// Config holds runtime parameters for the daemon and CLI.
// Zero values mean "unspecified" and are replaced by ApplyDefaults.
type Config struct {
	Addr      string     `json:"addr" yaml:"addr" toml:"addr"`
	Paths     Paths      `json:"paths" yaml:"paths" toml:"paths"`
	Model     Model      `json:"model" yaml:"model" toml:"model"`
	Settings  Settings   `json:"settings" yaml:"settings" toml:"settings"`
	Servers   Servers    `json:"servers" yaml:"servers" toml:"servers"`
	Readiness Readiness  `json:"readiness" yaml:"readiness" toml:"readiness"`
	Stop      StopPolicy `json:"stop" yaml:"stop" toml:"stop"`
	Chat      Chat       `json:"chat" yaml:"chat" toml:"chat"`
	Download  Download   `json:"download" yaml:"download" toml:"download"`
	Inference Inference  `json:"inference" yaml:"inference" toml:"inference"`
	Logging   Logging    `json:"logging" yaml:"logging" toml:"logging"`
	HTTP      HTTP       `json:"http" yaml:"http" toml:"http"`
	Sysmon    Sysmon     `json:"sysmon" yaml:"sysmon" toml:"sysmon"`
	Bundles   []Bundle   `json:"bundles" yaml:"bundles" toml:"bundles"`
}

// Paths is the local filesystem layout.
type Paths struct {
	ModelsDir     string `json:"models_dir" yaml:"models_dir" toml:"models_dir"`
	BackendDir    string `json:"backend_dir" yaml:"backend_dir" toml:"backend_dir"`
	TempDir       string `json:"temp_dir" yaml:"temp_dir" toml:"temp_dir"`
	TranslatorDir string `json:"translator_dir" yaml:"translator_dir" toml:"translator_dir"`
}

// Model is the last-selected model file.
type Model struct {
	Selected string `json:"selected" yaml:"selected" toml:"selected"`
}

// Settings are the tunables forwarded to the main server and to completions.
type Settings struct {
	Threads     int     `json:"threads" yaml:"threads" toml:"threads"`
	ContextSize int     `json:"context_size" yaml:"context_size" toml:"context_size"`
	GPULayers   int     `json:"gpu_layers" yaml:"gpu_layers" toml:"gpu_layers"`
	Temperature float64 `json:"temperature" yaml:"temperature" toml:"temperature"`
	MaxTokens   int     `json:"max_tokens" yaml:"max_tokens" toml:"max_tokens"`
	GroupAttnN  int     `json:"group_attn_n" yaml:"group_attn_n" toml:"group_attn_n"`
	GroupAttnW  int     `json:"group_attn_w" yaml:"group_attn_w" toml:"group_attn_w"`
	BatchSize   int     `json:"batch_size" yaml:"batch_size" toml:"batch_size"`
}

// Server describes how one server role is launched.
type Server struct {
	Enabled   bool     `json:"enabled" yaml:"enabled" toml:"enabled"`
	Binary    string   `json:"binary" yaml:"binary" toml:"binary"`
	Host      string   `json:"host" yaml:"host" toml:"host"`
	Port      int      `json:"port" yaml:"port" toml:"port"`
	LogFile   string   `json:"log_file" yaml:"log_file" toml:"log_file"`
	ExtraArgs []string `json:"extra_args" yaml:"extra_args" toml:"extra_args"`
}

// BaseURL is the loopback URL the server listens on.
func (s Server) BaseURL() string {
	return "http://" + net.JoinHostPort(s.Host, strconv.Itoa(s.Port))
}

type Servers struct {
	Main    Server `json:"main" yaml:"main" toml:"main"`
	Caption Server `json:"caption" yaml:"caption" toml:"caption"`
}

// Readiness controls how a starting server is detected as ready.
type Readiness struct {
	Mode         string   `json:"mode" yaml:"mode" toml:"mode"` // log | http
	Marker       string   `json:"marker" yaml:"marker" toml:"marker"`
	FailMarkers  []string `json:"fail_markers" yaml:"fail_markers" toml:"fail_markers"`
	HealthPath   string   `json:"health_path" yaml:"health_path" toml:"health_path"`
	PollInterval Duration `json:"poll_interval" yaml:"poll_interval" toml:"poll_interval"`
	Timeout      Duration `json:"timeout" yaml:"timeout" toml:"timeout"`
}

// StopPolicy controls best-effort termination.
type StopPolicy struct {
	Grace      Duration `json:"grace" yaml:"grace" toml:"grace"`
	Settle     Duration `json:"settle" yaml:"settle" toml:"settle"`
	KillByName *bool    `json:"kill_by_name" yaml:"kill_by_name" toml:"kill_by_name"`
}

// NameSweep reports whether stop also terminates matching processes by name.
func (s StopPolicy) NameSweep() bool {
	return s.KillByName == nil || *s.KillByName
}

// Chat is the persona and prompt formatting of a conversation session.
type Chat struct {
	UserName     string   `json:"user_name" yaml:"user_name" toml:"user_name"`
	AIName       string   `json:"ai_name" yaml:"ai_name" toml:"ai_name"`
	SystemPrompt string   `json:"system_prompt" yaml:"system_prompt" toml:"system_prompt"`
	Compact      bool     `json:"compact" yaml:"compact" toml:"compact"`
	EndMarkers   []string `json:"end_markers" yaml:"end_markers" toml:"end_markers"`
	API          string   `json:"api" yaml:"api" toml:"api"` // completion | chat
}

type Download struct {
	RateLimitBytes int64    `json:"rate_limit_bytes" yaml:"rate_limit_bytes" toml:"rate_limit_bytes"`
	ChunkSize      int      `json:"chunk_size" yaml:"chunk_size" toml:"chunk_size"`
	ConnectTimeout Duration `json:"connect_timeout" yaml:"connect_timeout" toml:"connect_timeout"`
	HeaderTimeout  Duration `json:"header_timeout" yaml:"header_timeout" toml:"header_timeout"`
	OnConflict     string   `json:"on_conflict" yaml:"on_conflict" toml:"on_conflict"` // ask | resume | overwrite
}

type Inference struct {
	Timeout       Duration `json:"timeout" yaml:"timeout" toml:"timeout"`
	RepeatPenalty float64  `json:"repeat_penalty" yaml:"repeat_penalty" toml:"repeat_penalty"`
}

type Logging struct {
	Level      string `json:"level" yaml:"level" toml:"level"`
	Format     string `json:"format" yaml:"format" toml:"format"` // console | json
	File       string `json:"file" yaml:"file" toml:"file"`
	MaxSizeMB  int    `json:"max_size_mb" yaml:"max_size_mb" toml:"max_size_mb"`
	MaxBackups int    `json:"max_backups" yaml:"max_backups" toml:"max_backups"`
	MaxAgeDays int    `json:"max_age_days" yaml:"max_age_days" toml:"max_age_days"`
	Compress   bool   `json:"compress" yaml:"compress" toml:"compress"`
}

type CORS struct {
	Enabled bool     `json:"enabled" yaml:"enabled" toml:"enabled"`
	Origins []string `json:"origins" yaml:"origins" toml:"origins"`
	Methods []string `json:"methods" yaml:"methods" toml:"methods"`
	Headers []string `json:"headers" yaml:"headers" toml:"headers"`
}

type HTTP struct {
	MaxBodyBytes int64 `json:"max_body_bytes" yaml:"max_body_bytes" toml:"max_body_bytes"`
	CORS         CORS  `json:"cors" yaml:"cors" toml:"cors"`
}

type Sysmon struct {
	Interval     Duration `json:"interval" yaml:"interval" toml:"interval"`
	ProcessNames []string `json:"process_names" yaml:"process_names" toml:"process_names"`
}

// Bundle is an extra download catalog entry.
type Bundle struct {
	Name        string   `json:"name" yaml:"name" toml:"name"`
	Description string   `json:"description" yaml:"description" toml:"description"`
	URLs        []string `json:"urls" yaml:"urls" toml:"urls"`
	SHA256      []string `json:"sha256" yaml:"sha256" toml:"sha256"`
	Filenames   []string `json:"filenames" yaml:"filenames" toml:"filenames"`
	Install     string   `json:"install" yaml:"install" toml:"install"` // extract | move | none
	Target      string   `json:"target" yaml:"target" toml:"target"`    // models | backend | translator | <dir>
}

// ModelPath is the absolute-or-relative path of the selected model file.
func (c Config) ModelPath() string {
	return filepath.Join(c.Paths.ModelsDir, c.Model.Selected)
}

// LogPath joins a server log file name onto the temp dir.
func (c Config) LogPath(s Server) string {
	if filepath.IsAbs(s.LogFile) {
		return s.LogFile
	}
	return filepath.Join(c.Paths.TempDir, s.LogFile)
}

// TargetDir maps a bundle target keyword to a configured directory.
func (c Config) TargetDir(target string) string {
	switch strings.ToLower(strings.TrimSpace(target)) {
	case "", "models":
		return c.Paths.ModelsDir
	case "backend":
		return c.Paths.BackendDir
	case "translator":
		return c.Paths.TranslatorDir
	case "temp":
		return c.Paths.TempDir
	default:
		return target
	}
}

// Duration is a time.Duration that reads and writes as "1m30s" text in every format.
type Duration time.Duration

func (d Duration) D() time.Duration { return time.Duration(d) }

func (d Duration) MarshalText() ([]byte, error) { return []byte(time.Duration(d).String()), nil }

func (d *Duration) UnmarshalText(b []byte) error {
	s := strings.TrimSpace(string(b))
	if s == "" {
		*d = 0
		return nil
	}
	v, err := time.ParseDuration(s)
	if err != nil {
		return err
	}
	*d = Duration(v)
	return nil
}
