package supervisor

import (
	"net/http"
	"strconv"
	"strings"

	"chatd/internal/config"
)

// MainArgs builds the llama.cpp server command line for the selected model.
// Group attention flags are only passed when self-extend is enabled (n > 1).
func MainArgs(cfg config.Config) []string {
	s := cfg.Settings
	srv := cfg.Servers.Main
	args := []string{
		"-m", cfg.ModelPath(),
		"--host", srv.Host,
		"--port", strconv.Itoa(srv.Port),
		"-t", strconv.Itoa(s.Threads),
		"-c", strconv.Itoa(s.ContextSize),
		"-ngl", strconv.Itoa(s.GPULayers),
		"-b", strconv.Itoa(s.BatchSize),
	}
	if s.GroupAttnN > 1 {
		args = append(args,
			"--grp-attn-n", strconv.Itoa(s.GroupAttnN),
			"--grp-attn-w", strconv.Itoa(s.GroupAttnW),
		)
	}
	return append(args, srv.ExtraArgs...)
}

// CaptionArgs builds the command line of the llava server.
func CaptionArgs(cfg config.Config) []string {
	srv := cfg.Servers.Caption
	args := []string{
		"--host", srv.Host,
		"--port", strconv.Itoa(srv.Port),
		"--nobrowser",
	}
	return append(args, srv.ExtraArgs...)
}

// MainLaunch is the full launch description of the main server.
func MainLaunch(cfg config.Config) LaunchParams {
	return launch(cfg, cfg.Servers.Main, MainArgs(cfg))
}

// CaptionLaunch is the full launch description of the captioning server.
func CaptionLaunch(cfg config.Config) LaunchParams {
	return launch(cfg, cfg.Servers.Caption, CaptionArgs(cfg))
}

// LaunchFor picks MainLaunch or CaptionLaunch.
func LaunchFor(cfg config.Config, role Role) LaunchParams {
	if role == RoleCaption {
		return CaptionLaunch(cfg)
	}
	return MainLaunch(cfg)
}

func launch(cfg config.Config, srv config.Server, args []string) LaunchParams {
	logPath := cfg.LogPath(srv)
	var probe ReadinessProbe
	if strings.EqualFold(cfg.Readiness.Mode, "http") {
		probe = &HTTPProbe{URL: srv.BaseURL() + cfg.Readiness.HealthPath, Client: &http.Client{}}
	} else {
		probe = NewLogTailProbe(logPath, cfg.Readiness.Marker, cfg.Readiness.FailMarkers...)
	}
	return LaunchParams{
		Binary:  srv.Binary,
		Args:    args,
		LogPath: logPath,
		Probe:   probe,
	}
}
