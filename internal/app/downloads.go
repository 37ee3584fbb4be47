package app

import (
	"context"
	"fmt"
	"strings"
	"sync"

	"golang.org/x/time/rate"

	"chatd/internal/apperr"
	"chatd/internal/catalog"
	"chatd/internal/common/fsutil"
	"chatd/internal/config"
	"chatd/internal/transfer"
	"chatd/pkg/types"
)

func transferLimiter(d config.Download) *rate.Limiter {
	return transfer.NewLimiter(d.RateLimitBytes, d.ChunkSize)
}

// download is one queue owned by the service.
type download struct {
	q     *transfer.Queue
	model string
	done  chan struct{}

	mu      sync.Mutex
	pending *pendingConflict
}

type pendingConflict struct {
	c      transfer.Conflict
	answer chan transfer.Resolution
}

type downloads struct {
	mu    sync.Mutex
	byID  map[string]*download
	order []string
	// claimed maps every path a live queue writes to that queue's id.
	claimed map[string]string
}

func newDownloads() *downloads {
	return &downloads{byID: make(map[string]*download), claimed: make(map[string]string)}
}

// add registers dl and claims its paths. It fails with Busy when a live
// queue already writes to one of them.
func (d *downloads) add(dl *download) error {
	paths := dl.q.Paths()
	d.mu.Lock()
	defer d.mu.Unlock()
	for _, p := range paths {
		for held, owner := range d.claimed {
			if fsutil.Within(held, p) || fsutil.Within(p, held) {
				return apperr.Busy("download", fmt.Sprintf("%s is already being written by download %s", p, owner))
			}
		}
	}
	for _, p := range paths {
		d.claimed[p] = dl.q.ID()
	}
	d.byID[dl.q.ID()] = dl
	d.order = append(d.order, dl.q.ID())
	return nil
}

// release frees the paths of a finished queue.
func (d *downloads) release(dl *download) {
	d.mu.Lock()
	defer d.mu.Unlock()
	for p, owner := range d.claimed {
		if owner == dl.q.ID() {
			delete(d.claimed, p)
		}
	}
}

func (d *downloads) get(id string) (*download, error) {
	d.mu.Lock()
	defer d.mu.Unlock()
	dl, ok := d.byID[id]
	if !ok {
		return nil, apperr.NotFound("download", fmt.Sprintf("unknown download %q", id))
	}
	return dl, nil
}

func (d *downloads) list() []*download {
	d.mu.Lock()
	defer d.mu.Unlock()
	out := make([]*download, 0, len(d.order))
	for _, id := range d.order {
		out = append(out, d.byID[id])
	}
	return out
}

func (d *downloads) active() int {
	n := 0
	for _, dl := range d.list() {
		select {
		case <-dl.done:
		default:
			n++
		}
	}
	return n
}

func (d *downloads) cancelAll() {
	for _, dl := range d.list() {
		dl.q.Cancel()
	}
}

// resolver answers conflicts according to policy. "ask" parks the queue
// worker until ResolveDownload is called or the queue is canceled.
func (s *Service) resolver(policy string, dl **download) transfer.ConflictResolver {
	switch policy {
	case "resume":
		return func(context.Context, transfer.Conflict) (transfer.Resolution, error) {
			return transfer.ResolveResume, nil
		}
	case "overwrite":
		return func(context.Context, transfer.Conflict) (transfer.Resolution, error) {
			return transfer.ResolveOverwrite, nil
		}
	}
	return func(ctx context.Context, c transfer.Conflict) (transfer.Resolution, error) {
		d := *dl
		p := &pendingConflict{c: c, answer: make(chan transfer.Resolution, 1)}
		d.mu.Lock()
		d.pending = p
		d.mu.Unlock()
		defer func() {
			d.mu.Lock()
			d.pending = nil
			d.mu.Unlock()
		}()
		s.log.Info().Str("queue", c.QueueID).Str("path", c.Path).Int64("size", c.Size).Msg("waiting for conflict resolution")
		select {
		case r := <-p.answer:
			return r, nil
		case <-ctx.Done():
			return transfer.ResolveAbort, ctx.Err()
		}
	}
}

// StartDownload creates a queue from a bundle or from explicit URLs and runs
// it in the background.
func (s *Service) StartDownload(req types.DownloadRequest) (types.DownloadStatus, error) {
	if s.ctx.Err() != nil {
		return types.DownloadStatus{}, errClosed
	}
	cfg := s.Config()
	var b catalog.Bundle
	switch {
	case req.Bundle != "" && len(req.Items) > 0:
		return types.DownloadStatus{}, apperr.Invalid("download", "give either a bundle or items, not both")
	case req.Bundle != "":
		var err error
		if b, err = s.cat.Lookup(req.Bundle); err != nil {
			return types.DownloadStatus{}, err
		}
	default:
		mode, err := transfer.ParseInstallMode(req.Install)
		if err != nil {
			return types.DownloadStatus{}, err
		}
		b = catalog.Bundle{Install: mode, Target: req.Target}
		for _, it := range req.Items {
			b.Items = append(b.Items, transfer.Item{URL: it.URL, Filename: it.Filename, SHA256: it.SHA256})
		}
		if len(b.Items) == 1 && mode == transfer.InstallNone {
			if name, err := transfer.FilenameFromURL(b.Items[0].URL); err == nil && b.Items[0].Filename == "" {
				b.Model = modelName(name)
			}
		}
	}

	policy := strings.ToLower(strings.TrimSpace(req.OnConflict))
	if policy == "" {
		policy = cfg.Download.OnConflict
	}
	switch policy {
	case "ask", "resume", "overwrite":
	default:
		return types.DownloadStatus{}, apperr.Invalid("download", fmt.Sprintf("unknown conflict policy %q", req.OnConflict))
	}

	staging, dest := b.Dirs(cfg)
	var dl *download
	q, err := transfer.NewQueue(b.Items, transfer.Options{
		Label:      b.Name,
		StagingDir: staging,
		DestDir:    dest,
		Install:    b.Install,
		Overwrite:  req.Overwrite,
		Resolver:   s.resolver(policy, &dl),
		Client:     s.httpc,
		ChunkSize:  cfg.Download.ChunkSize,
		Limiter:    s.limiter,
		Publisher:  s.pub,
		Logger:     s.log.With().Str("component", "transfer").Logger(),
	})
	if err != nil {
		return types.DownloadStatus{}, err
	}
	dl = &download{q: q, done: make(chan struct{})}
	if req.Select {
		dl.model = b.Model
	}
	if err := s.downloads.add(dl); err != nil {
		return types.DownloadStatus{}, err
	}

	s.wg.Add(1)
	go func() {
		defer s.wg.Done()
		defer close(dl.done)
		defer s.downloads.release(dl)
		st, err := q.Run(s.ctx)
		if st == transfer.QueueCompleted && dl.model != "" {
			if err := s.SelectModel(dl.model); err != nil {
				s.log.Warn().Err(err).Str("model", dl.model).Msg("select downloaded model")
			}
		}
		if err != nil {
			s.log.Debug().Err(err).Str("queue", q.ID()).Msg("download ended")
		}
	}()
	return s.downloadStatus(dl), nil
}

func modelName(name string) string {
	lower := strings.ToLower(name)
	if strings.HasSuffix(lower, ".gguf") || strings.HasSuffix(lower, ".llamafile") {
		return name
	}
	return ""
}

func (s *Service) downloadStatus(dl *download) types.DownloadStatus {
	snap := dl.q.Snapshot()
	out := types.DownloadStatus{
		ID:       snap.ID,
		Label:    snap.Label,
		Status:   snap.Status.String(),
		Index:    snap.Index,
		Count:    snap.Count,
		Message:  snap.Message,
		Error:    snap.Error,
		Started:  snap.Started,
		Finished: snap.Finished,
		Files:    make([]types.DownloadFile, len(snap.Files)),
	}
	for i, f := range snap.Files {
		out.Files[i] = types.DownloadFile{
			URL:       f.URL,
			Filename:  f.Filename,
			Path:      f.Path,
			Status:    f.Status.String(),
			Percent:   f.Progress.Percent,
			Written:   f.Progress.Written,
			Total:     f.Progress.Total,
			Installed: f.Installed,
			Error:     f.Error,
		}
	}
	dl.mu.Lock()
	if p := dl.pending; p != nil {
		out.Conflict = &types.DownloadConflict{Index: p.c.Index, Count: p.c.Count, Path: p.c.Path, Size: p.c.Size}
	}
	dl.mu.Unlock()
	return out
}

// Downloads lists every queue started since the daemon came up.
func (s *Service) Downloads() []types.DownloadStatus {
	list := s.downloads.list()
	out := make([]types.DownloadStatus, len(list))
	for i, dl := range list {
		out[i] = s.downloadStatus(dl)
	}
	return out
}

func (s *Service) Download(id string) (types.DownloadStatus, error) {
	dl, err := s.downloads.get(id)
	if err != nil {
		return types.DownloadStatus{}, err
	}
	return s.downloadStatus(dl), nil
}

// CancelDownload stops the queue; a parked conflict is answered with abort.
func (s *Service) CancelDownload(id string) error {
	dl, err := s.downloads.get(id)
	if err != nil {
		return err
	}
	dl.q.Cancel()
	dl.mu.Lock()
	if p := dl.pending; p != nil {
		select {
		case p.answer <- transfer.ResolveAbort:
		default:
		}
	}
	dl.mu.Unlock()
	return nil
}

// ResolveDownload answers the conflict a queue is waiting on.
func (s *Service) ResolveDownload(id, resolution string) error {
	dl, err := s.downloads.get(id)
	if err != nil {
		return err
	}
	r, err := transfer.ParseResolution(resolution)
	if err != nil {
		return err
	}
	dl.mu.Lock()
	defer dl.mu.Unlock()
	if dl.pending == nil {
		return apperr.Invalid("resolve", "download is not waiting for a decision")
	}
	select {
	case dl.pending.answer <- r:
		return nil
	default:
		return apperr.Busy("resolve", "conflict already answered")
	}
}

// WaitDownload blocks until the queue finishes or ctx is done.
func (s *Service) WaitDownload(ctx context.Context, id string) (types.DownloadStatus, error) {
	dl, err := s.downloads.get(id)
	if err != nil {
		return types.DownloadStatus{}, err
	}
	select {
	case <-dl.done:
	case <-ctx.Done():
		return s.downloadStatus(dl), ctx.Err()
	}
	return s.downloadStatus(dl), nil
}
