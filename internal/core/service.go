package core

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"os"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/JonMunkholm/csvingest/internal/config"
	"github.com/JonMunkholm/csvingest/internal/ingest"
	"github.com/JonMunkholm/csvingest/internal/logging"
)

// Service runs imports into one destination. Imports are previewed
// synchronously and committed in the background; callers follow a commit
// through SubscribeProgress or Result.
type Service struct {
	dest     ingest.Destination
	cfg      config.ImportConfig
	spoolDir string
	limiter  *ImportLimiter

	mu     sync.RWMutex
	jobs   map[string]*job
	tables map[string]string // table -> id of the import committing to it
}

// writerLimited is implemented by destinations that allow only a fixed
// number of concurrent write transactions.
type writerLimited interface {
	MaxWriters() int
}

// NewService creates the spool directory if needed.
func NewService(dest ingest.Destination, cfg config.ImportConfig) (*Service, error) {
	dir := cfg.SpoolDir
	if dir == "" {
		dir = os.TempDir()
	}
	if err := os.MkdirAll(dir, 0o700); err != nil {
		return nil, fmt.Errorf("create spool directory: %w", err)
	}
	maxConcurrent := cfg.MaxConcurrent
	if w, ok := dest.(writerLimited); ok && w.MaxWriters() > 0 && (maxConcurrent <= 0 || maxConcurrent > w.MaxWriters()) {
		maxConcurrent = w.MaxWriters()
		slog.Info("concurrent commits limited by destination", "max", maxConcurrent)
	}
	return &Service{
		dest:     dest,
		cfg:      cfg,
		spoolDir: dir,
		limiter:  NewImportLimiter(maxConcurrent, cfg.MaxWaitTime),
		jobs:     make(map[string]*job),
		tables:   make(map[string]string),
	}, nil
}

func (s *Service) get(id string) (*job, error) {
	s.mu.RLock()
	j, ok := s.jobs[id]
	s.mu.RUnlock()
	if !ok {
		return nil, fmt.Errorf("%w: %s", ErrImportNotFound, id)
	}
	return j, nil
}

// session fills the settings a request left at their zero value.
func (s *Service) session(in ingest.Session) ingest.Session {
	if in.Delimiter == 0 {
		in.Delimiter = ','
	}
	if in.StartLine == 0 {
		in.StartLine = 1
	}
	if in.MaxPreviewRows == 0 {
		in.MaxPreviewRows = s.cfg.MaxPreviewRows
	}
	if in.Encoding == "" {
		in.Encoding = s.cfg.DefaultEncoding
	}
	return in
}

func (s *Service) newPipeline(j *job, sess ingest.Session, autoDetect bool) (*ingest.Pipeline, error) {
	sess = s.session(sess)
	if autoDetect {
		sniffed, err := ingest.Sniff(j.src, sess.Encoding)
		if err != nil {
			return nil, err
		}
		sess.Delimiter = sniffed.Delimiter
		sess.FirstRowIsHeader = sniffed.FirstRowIsHeader
		j.log.Debug("sniffed session", "delimiter", string(sess.Delimiter), "header", sess.FirstRowIsHeader)
	}
	return ingest.NewPipeline(j.src, sess,
		ingest.WithLogger(j.log),
		ingest.WithProgress(j.onProgress),
		ingest.WithProgressInterval(s.cfg.ProgressInterval),
	)
}

// Preview spools the upload, runs the preview pass and registers the import.
func (s *Service) Preview(ctx context.Context, req PreviewRequest) (*ImportView, error) {
	if req.Reader == nil {
		return nil, ErrNoFile
	}
	name := req.FileName
	if name == "" {
		name = "upload"
	}
	src, err := spool(s.spoolDir, name, req.Reader, s.cfg.MaxFileSize)
	if err != nil {
		return nil, err
	}

	id := uuid.New().String()
	now := time.Now()
	j := &job{
		id:      id,
		src:     src,
		log:     logging.WithFields(ctx, append([]any{"import_id", id, "file", src.name}, clientAttrs(ctx)...)...),
		created: now,
		touched: now,
	}

	p, err := s.newPipeline(j, req.Session, req.AutoDetect)
	if err == nil {
		j.preview, err = p.Preview(ctx)
	}
	if err != nil {
		_ = src.remove()
		return nil, err
	}
	j.pipeline = p
	j.state = p.State()
	j.log.Info("import previewed",
		"size", src.size,
		"columns", j.preview.ColumnCount,
		"rows", j.preview.RowsRead,
	)

	s.mu.Lock()
	s.jobs[id] = j
	s.mu.Unlock()

	s.evictExpired(now)
	return j.view(), nil
}

// Reconfigure previews a registered import again with new settings.
func (s *Service) Reconfigure(ctx context.Context, id string, sess ingest.Session, autoDetect bool) (*ImportView, error) {
	j, err := s.get(id)
	if err != nil {
		return nil, err
	}

	if err := j.checkState(ingest.StatePreviewReady); err != nil {
		return nil, err
	}

	// The preview reports progress under j.mu, so it runs unlocked on a
	// fresh pipeline that replaces the old one only when it succeeds.
	p, err := s.newPipeline(j, sess, autoDetect)
	if err != nil {
		return nil, err
	}
	pv, err := p.Preview(ctx)
	if err != nil {
		return nil, err
	}

	j.mu.Lock()
	if j.state != ingest.StatePreviewReady {
		state := j.state
		j.mu.Unlock()
		return nil, fmt.Errorf("%w: import is %s", ingest.ErrInvalidState, state)
	}
	j.pipeline, j.preview = p, pv
	j.touched = time.Now()
	j.mu.Unlock()

	return j.view(), nil
}

// Job returns a snapshot of an import.
func (s *Service) Job(id string) (*ImportView, error) {
	j, err := s.get(id)
	if err != nil {
		return nil, err
	}
	return j.view(), nil
}

// Commit confirms the table and starts the commit pass in the background.
// It fails with ErrTableBusy when another import commits to the same table
// and with ErrTooManyImports when no slot frees up in time. A rejected
// request leaves the preview as it was.
func (s *Service) Commit(ctx context.Context, id string, req CommitRequest) (*ImportView, error) {
	j, err := s.get(id)
	if err != nil {
		return nil, err
	}
	if err := j.checkState(ingest.StatePreviewReady); err != nil {
		return nil, err
	}

	// j.mu is not held while waiting for a slot.
	if err := s.limiter.Acquire(ctx); err != nil {
		return nil, err
	}
	started := false
	defer func() {
		if !started {
			s.limiter.Release()
		}
	}()

	j.mu.Lock()
	defer j.mu.Unlock()

	if j.state != ingest.StatePreviewReady {
		return nil, fmt.Errorf("%w: import is %s", ingest.ErrInvalidState, j.state)
	}
	pv := j.preview.Clone()
	if err := applyOverrides(pv, req.Columns); err != nil {
		return nil, err
	}

	pk := ingest.AutoPrimaryKey
	if req.PrimaryKey != nil {
		pk = *req.PrimaryKey
	}
	schema, err := j.pipeline.BuildSchemaFrom(pv, ingest.SchemaOptions{
		Table:       req.Table,
		PrimaryKey:  pk,
		ImplicitKey: req.ImplicitKey,
	})
	if err != nil {
		return nil, err
	}

	if err := s.lockTable(schema.Table, id); err != nil {
		return nil, err
	}
	if err := j.pipeline.Confirm(schema); err != nil {
		s.unlockTable(schema.Table)
		return nil, err
	}
	j.preview = pv

	var (
		runCtx context.Context
		cancel context.CancelFunc
	)
	if s.cfg.Timeout > 0 {
		runCtx, cancel = context.WithTimeout(context.Background(), s.cfg.Timeout)
	} else {
		runCtx, cancel = context.WithCancel(context.Background())
	}
	j.cancel = cancel
	j.done = make(chan struct{})
	j.state = ingest.StateCommitRunning
	j.progress = ingest.Progress{Phase: ingest.PhaseCommit, BytesTotal: j.src.size}
	j.touched = time.Now()

	started = true
	go s.runCommit(runCtx, j, schema.Table)

	j.log.Info("commit started", "table", schema.Table, "fields", len(schema.Fields))
	return &ImportView{ID: id, FileName: j.src.name, State: j.state, Schema: schema, CreatedAt: j.created}, nil
}

// applyOverrides applies the user's column changes to pv.
func applyOverrides(pv *ingest.Preview, overrides []ColumnOverride) error {
	for _, o := range overrides {
		if o.Type != "" {
			t, err := ingest.ParseColumnType(o.Type)
			if err != nil {
				return fmt.Errorf("%w: %v", ingest.ErrInvalidSchema, err)
			}
			if err := pv.SetType(o.Index, t); err != nil {
				return err
			}
		}
		if o.Name != "" {
			if err := pv.Rename(o.Index, o.Name); err != nil {
				return err
			}
		}
	}
	return nil
}

func (s *Service) runCommit(ctx context.Context, j *job, table string) {
	defer s.limiter.Release()
	defer s.unlockTable(table)
	defer j.cancel()

	var (
		res *ingest.Result
		err error
	)
	defer func() {
		if r := recover(); r != nil {
			j.log.Error("panic in commit", "table", table, "panic", r)
			res = &ingest.Result{Outcome: ingest.OutcomeFailed, Table: table}
			err = fmt.Errorf("internal error: %v", r)
			res.Err = err
			j.finish(ingest.StateFailed, res, err)
		}
	}()

	res, err = j.pipeline.Commit(ctx, s.dest)
	if errors.Is(ctx.Err(), context.DeadlineExceeded) && res != nil && res.Outcome == ingest.OutcomeCancelled {
		err = fmt.Errorf("import timed out after %s: %w", s.cfg.Timeout, context.DeadlineExceeded)
	}
	j.finish(j.pipeline.State(), res, err)

	if err != nil {
		j.log.Error("commit failed", "table", table, "error", err)
		return
	}
	j.log.Info("commit finished",
		"table", table,
		"outcome", res.Outcome,
		"rows", res.RowsCommitted,
		"duration", res.Duration,
	)
}

func (s *Service) lockTable(table, id string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if holder, ok := s.tables[table]; ok && holder != id {
		return fmt.Errorf("%w: %s", ErrTableBusy, table)
	}
	s.tables[table] = id
	return nil
}

func (s *Service) unlockTable(table string) {
	s.mu.Lock()
	delete(s.tables, table)
	s.mu.Unlock()
}

// SubscribeProgress returns a channel of progress updates that is closed when
// the commit finishes. Updates are dropped for slow readers. Call the
// returned function to stop listening early.
func (s *Service) SubscribeProgress(id string) (<-chan ingest.Progress, func(), error) {
	j, err := s.get(id)
	if err != nil {
		return nil, nil, err
	}
	ch := j.subscribe()
	return ch, func() { j.unsubscribe(ch) }, nil
}

// Cancel stops a running commit. The commit rolls back and drops its table;
// Result reports OutcomeCancelled.
func (s *Service) Cancel(id string) error {
	j, err := s.get(id)
	if err != nil {
		return err
	}
	j.mu.Lock()
	defer j.mu.Unlock()
	if !j.running() {
		return fmt.Errorf("%w: import is %s", ingest.ErrInvalidState, j.state)
	}
	j.log.Info("cancel requested")
	j.cancel()
	return nil
}

// Result blocks until the commit finishes or ctx is done.
func (s *Service) Result(ctx context.Context, id string) (*ingest.Result, error) {
	j, err := s.get(id)
	if err != nil {
		return nil, err
	}
	j.mu.Lock()
	done := j.done
	j.mu.Unlock()
	if done == nil {
		return nil, fmt.Errorf("%w: import has not been committed", ingest.ErrInvalidState)
	}

	select {
	case <-done:
	case <-ctx.Done():
		return nil, ctx.Err()
	}

	j.mu.Lock()
	defer j.mu.Unlock()
	return j.result, j.err
}

// Discard forgets an import that is not committing and removes its spool file.
func (s *Service) Discard(id string) error {
	j, err := s.get(id)
	if err != nil {
		return err
	}
	j.mu.Lock()
	running := j.running()
	j.mu.Unlock()
	if running {
		return fmt.Errorf("%w: cancel the running commit first", ingest.ErrInvalidState)
	}

	s.mu.Lock()
	delete(s.jobs, id)
	s.mu.Unlock()
	return j.src.remove()
}

// WaitForImports blocks until no commit is running or ctx is done.
func (s *Service) WaitForImports(ctx context.Context) error {
	return s.limiter.WaitForDrain(ctx)
}

// CancelAll cancels every running commit.
func (s *Service) CancelAll() {
	for _, j := range s.snapshot() {
		j.mu.Lock()
		if j.running() {
			j.cancel()
		}
		j.mu.Unlock()
	}
}

// snapshot lists the registered jobs. Callers lock a job only after s.mu is
// released since Commit takes them in the opposite order.
func (s *Service) snapshot() []*job {
	s.mu.RLock()
	defer s.mu.RUnlock()
	jobs := make([]*job, 0, len(s.jobs))
	for _, j := range s.jobs {
		jobs = append(jobs, j)
	}
	return jobs
}

// LimiterStatus reports commit slot usage.
func (s *Service) LimiterStatus() LimiterStatus {
	return s.limiter.Status()
}

// Export writes table as delimited text.
func (s *Service) Export(ctx context.Context, table string, w io.Writer, opts ingest.ExportOptions) error {
	r, ok := s.dest.(ingest.TableReader)
	if !ok {
		return ErrExportUnsupported
	}
	s.mu.RLock()
	_, busy := s.tables[table]
	s.mu.RUnlock()
	if busy {
		return fmt.Errorf("%w: %s", ErrTableBusy, table)
	}
	return ingest.ExportTable(ctx, r, table, w, opts)
}

// Run evicts expired imports until ctx is done.
func (s *Service) Run(ctx context.Context) error {
	interval := s.cfg.Retention / 2
	if interval <= 0 {
		interval = time.Minute
	}
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return nil
		case now := <-ticker.C:
			s.evictExpired(now)
		}
	}
}

// evictExpired drops imports idle for longer than the retention period,
// except running commits.
func (s *Service) evictExpired(now time.Time) {
	if s.cfg.Retention <= 0 {
		return
	}
	var expired []*job
	for _, j := range s.snapshot() {
		j.mu.Lock()
		stale := !j.running() && now.Sub(j.touched) > s.cfg.Retention
		j.mu.Unlock()
		if stale {
			expired = append(expired, j)
		}
	}

	s.mu.Lock()
	for _, j := range expired {
		delete(s.jobs, j.id)
	}
	s.mu.Unlock()

	for _, j := range expired {
		if err := j.src.remove(); err != nil {
			j.log.Warn("remove spool file", "error", err)
		}
		j.log.Debug("import evicted")
	}
}

// Ping checks the destination's connection when it can report one.
func (s *Service) Ping(ctx context.Context) error {
	if p, ok := s.dest.(interface{ Ping(context.Context) error }); ok {
		return p.Ping(ctx)
	}
	return nil
}
