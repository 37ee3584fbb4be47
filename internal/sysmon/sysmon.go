// Package sysmon samples host memory, CPU load and the resident memory of the
// supervised server processes.
package sysmon

import (
	"context"
	"fmt"
	"time"

	"github.com/dustin/go-humanize"
	"github.com/rs/zerolog"
	"github.com/shirou/gopsutil/v3/cpu"
	"github.com/shirou/gopsutil/v3/mem"

	"chatd/internal/common/procutil"
	"chatd/internal/events"
	"chatd/internal/metrics"
)

const EventSample = "resource_sample"

// Sample is one reading.
type Sample struct {
	Time         time.Time `json:"time"`
	ServerRSS    uint64    `json:"server_rss_bytes"`
	ServerProcs  int       `json:"server_processes"`
	MemTotal     uint64    `json:"memory_total_bytes"`
	MemAvailable uint64    `json:"memory_available_bytes"`
	CPUPercent   float64   `json:"cpu_percent"`
}

// String renders the reading the way the status line shows it.
func (s Sample) String() string {
	return fmt.Sprintf("servers %s (%d procs), free %s of %s, cpu %.0f%%",
		humanize.IBytes(s.ServerRSS), s.ServerProcs,
		humanize.IBytes(s.MemAvailable), humanize.IBytes(s.MemTotal), s.CPUPercent)
}

// Source reads the raw numbers. Host is the gopsutil implementation.
type Source interface {
	Memory(ctx context.Context) (total, available uint64, err error)
	CPU(ctx context.Context) (float64, error)
	RSS(ctx context.Context, names ...string) (uint64, int, error)
}

// Host reads from the running machine.
type Host struct{}

func (Host) Memory(ctx context.Context) (uint64, uint64, error) {
	vm, err := mem.VirtualMemoryWithContext(ctx)
	if err != nil {
		return 0, 0, err
	}
	return vm.Total, vm.Available, nil
}

// CPU is the utilisation since the previous call, across all cores.
func (Host) CPU(ctx context.Context) (float64, error) {
	p, err := cpu.PercentWithContext(ctx, 0, false)
	if err != nil {
		return 0, err
	}
	if len(p) == 0 {
		return 0, nil
	}
	return p[0], nil
}

func (Host) RSS(ctx context.Context, names ...string) (uint64, int, error) {
	return procutil.TotalRSS(ctx, names...)
}

type Options struct {
	Interval     time.Duration
	ProcessNames []string
	Source       Source
	Publisher    events.Publisher
	Logger       zerolog.Logger
}

type Monitor struct {
	opts Options
	pub  events.Publisher
}

func New(opts Options) *Monitor {
	if opts.Interval <= 0 {
		opts.Interval = 2 * time.Second
	}
	if opts.Source == nil {
		opts.Source = Host{}
	}
	return &Monitor{opts: opts, pub: events.OrNoop(opts.Publisher)}
}

// Sample takes one reading and updates the gauges. A failing source leaves
// its fields zero; the error of the memory read is returned.
func (m *Monitor) Sample(ctx context.Context) (Sample, error) {
	s := Sample{Time: time.Now()}
	total, avail, err := m.opts.Source.Memory(ctx)
	if err == nil {
		s.MemTotal, s.MemAvailable = total, avail
		metrics.MemAvailableBytes.Set(float64(avail))
	}
	if p, cerr := m.opts.Source.CPU(ctx); cerr == nil {
		s.CPUPercent = p
		metrics.CPUPercent.Set(p)
	} else {
		m.opts.Logger.Debug().Err(cerr).Msg("cpu sample")
	}
	if rss, n, rerr := m.opts.Source.RSS(ctx, m.opts.ProcessNames...); rerr == nil {
		s.ServerRSS, s.ServerProcs = rss, n
		metrics.ServerRSSBytes.Set(float64(rss))
	} else {
		m.opts.Logger.Debug().Err(rerr).Msg("rss sample")
	}
	return s, err
}

// Run samples every interval until ctx is done.
func (m *Monitor) Run(ctx context.Context) error {
	t := time.NewTicker(m.opts.Interval)
	defer t.Stop()
	for {
		s, err := m.Sample(ctx)
		if err != nil {
			m.opts.Logger.Warn().Err(err).Msg("memory sample")
		}
		m.pub.Publish(events.New(EventSample, "sysmon", map[string]any{
			"server_rss": s.ServerRSS,
			"processes":  s.ServerProcs,
			"available":  s.MemAvailable,
			"cpu":        s.CPUPercent,
			"text":       s.String(),
		}))
		select {
		case <-ctx.Done():
			return nil
		case <-t.C:
		}
	}
}
