package config

import (
	"errors"
	"fmt"
	"strings"
)

// Validate checks a defaulted configuration and joins every problem found.
func (c Config) Validate() error {
	var errs []error
	add := func(format string, a ...any) { errs = append(errs, fmt.Errorf(format, a...)) }

	s := c.Settings
	if s.Threads <= 0 {
		add("settings.threads must be > 0")
	}
	if s.ContextSize <= 0 {
		add("settings.context_size must be > 0")
	}
	if s.GPULayers < 0 {
		add("settings.gpu_layers must be >= 0")
	}
	if s.Temperature < 0 || s.Temperature > 2 {
		add("settings.temperature must be within [0, 2], got %v", s.Temperature)
	}
	if s.MaxTokens <= 0 {
		add("settings.max_tokens must be > 0")
	}
	if s.GroupAttnN < 1 {
		add("settings.group_attn_n must be >= 1")
	}
	if s.GroupAttnN > 1 && s.GroupAttnW%s.GroupAttnN != 0 {
		add("settings.group_attn_w (%d) must be a multiple of group_attn_n (%d)", s.GroupAttnW, s.GroupAttnN)
	}
	if strings.TrimSpace(c.Model.Selected) == "" {
		add("model.selected is required")
	}
	for name, srv := range map[string]Server{"main": c.Servers.Main, "caption": c.Servers.Caption} {
		if srv.Port <= 0 || srv.Port > 65535 {
			add("servers.%s.port out of range: %d", name, srv.Port)
		}
		if strings.TrimSpace(srv.Binary) == "" {
			add("servers.%s.binary is required", name)
		}
	}
	if c.Servers.Caption.Enabled && c.Servers.Caption.Port == c.Servers.Main.Port {
		add("servers.caption.port must differ from servers.main.port")
	}
	switch c.Readiness.Mode {
	case "log":
		if c.Readiness.Marker == "" {
			add("readiness.marker is required in log mode")
		}
	case "http":
	default:
		add("readiness.mode must be log or http, got %q", c.Readiness.Mode)
	}
	switch c.Chat.API {
	case "completion", "chat":
	default:
		add("chat.api must be completion or chat, got %q", c.Chat.API)
	}
	switch c.Download.OnConflict {
	case "ask", "resume", "overwrite":
	default:
		add("download.on_conflict must be ask, resume or overwrite, got %q", c.Download.OnConflict)
	}
	if c.Download.RateLimitBytes < 0 {
		add("download.rate_limit_bytes must be >= 0")
	}
	for i, b := range c.Bundles {
		if b.Name == "" || len(b.URLs) == 0 {
			add("bundles[%d]: name and urls are required", i)
		}
		if len(b.SHA256) > 0 && len(b.SHA256) != len(b.URLs) {
			add("bundles[%d]: sha256 must list one digest per url", i)
		}
	}
	return errors.Join(errs...)
}
