// Package procutil finds and terminates local processes by executable name.
package procutil

import (
	"context"
	"os"
	"path/filepath"
	"strings"

	"github.com/shirou/gopsutil/v3/process"
)

// Proc is a matching process.
type Proc struct {
	PID  int32  `json:"pid"`
	Name string `json:"name"`
	RSS  uint64 `json:"rss"`
}

// normalize strips directories and a Windows ".exe" suffix so that
// "backend/server" and "server.exe" compare equal.
func normalize(name string) string {
	name = strings.ToLower(filepath.Base(name))
	return strings.TrimSuffix(name, ".exe")
}

// Find returns processes whose executable name matches any of names. The
// calling process is never returned.
func Find(ctx context.Context, names ...string) ([]Proc, error) {
	want := make(map[string]bool, len(names))
	for _, n := range names {
		if n = normalize(n); n != "" && n != "." {
			want[n] = true
		}
	}
	if len(want) == 0 {
		return nil, nil
	}
	procs, err := process.ProcessesWithContext(ctx)
	if err != nil {
		return nil, err
	}
	self := int32(os.Getpid())
	var out []Proc
	for _, p := range procs {
		if p.Pid == self {
			continue
		}
		name, err := p.NameWithContext(ctx)
		if err != nil || !want[normalize(name)] {
			continue
		}
		pr := Proc{PID: p.Pid, Name: name}
		if mi, err := p.MemoryInfoWithContext(ctx); err == nil && mi != nil {
			pr.RSS = mi.RSS
		}
		out = append(out, pr)
	}
	return out, nil
}

// TotalRSS sums resident memory of processes matching names.
func TotalRSS(ctx context.Context, names ...string) (uint64, int, error) {
	procs, err := Find(ctx, names...)
	if err != nil {
		return 0, 0, err
	}
	var sum uint64
	for _, p := range procs {
		sum += p.RSS
	}
	return sum, len(procs), nil
}

// Killer terminates processes by name with a forceful kill.
type Killer struct{}

// KillByName kills every process named name and reports how many were hit.
// Individual kill errors are skipped; processes may exit on their own.
func (Killer) KillByName(ctx context.Context, name string) (int, error) {
	procs, err := Find(ctx, name)
	if err != nil {
		return 0, err
	}
	n := 0
	for _, pr := range procs {
		p, err := process.NewProcessWithContext(ctx, pr.PID)
		if err != nil {
			continue
		}
		if err := p.KillWithContext(ctx); err == nil {
			n++
		}
	}
	return n, nil
}
