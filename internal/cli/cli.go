// Package cli is the chatd command tree: the daemon itself (serve) and thin
// clients for its HTTP API.
package cli

import (
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"strings"
)

// Options are the persistent flags shared by every command.
type Options struct {
	Addr       string
	ConfigPath string
	LogLevel   string
	JSON       bool

	out io.Writer
}

// Overridable in tests.
var (
	fnServe = runServe
)

// MainWithArgs runs the CLI with explicit args and returns an exit code:
// 0 on success, 2 for usage errors, 1 otherwise.
func MainWithArgs(args []string) int {
	return mainWith(context.Background(), args, os.Stdout, os.Stderr)
}

func mainWith(ctx context.Context, args []string, stdout, stderr io.Writer) int {
	o := &Options{out: stdout}
	root := buildRootCmdWith(o)
	root.SetOut(stdout)
	root.SetErr(stderr)
	if len(args) == 0 {
		_ = root.Help()
		return 2
	}
	root.SetArgs(args)
	if err := root.ExecuteContext(ctx); err != nil {
		fmt.Fprintln(stderr, "error:", err)
		if isUsage(err) {
			return 2
		}
		return 1
	}
	return 0
}

// Main returns an exit code for use by cmd/chatd.
func Main() int { return MainWithArgs(os.Args[1:]) }

type usageError struct{ error }

func isUsage(err error) bool {
	var u usageError
	if errors.As(err, &u) {
		return true
	}
	msg := err.Error()
	return strings.HasPrefix(msg, "unknown command") || strings.HasPrefix(msg, "unknown flag") ||
		strings.HasPrefix(msg, "unknown shorthand flag") || strings.HasPrefix(msg, "invalid argument")
}

func defaultConfigPath() string {
	if p := os.Getenv("CHATD_CONFIG"); p != "" {
		return p
	}
	dir, err := os.UserConfigDir()
	if err != nil {
		return "chatd.yaml"
	}
	return filepath.Join(dir, "chatd", "config.yaml")
}
