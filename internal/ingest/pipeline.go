package ingest

// pipeline.go drives an import through its two passes.
//
// Preview reads a bounded prefix of the source, infers column types and
// primary key candidates, and touches no storage. Commit re-opens the source,
// reads all of it and writes every row inside one destination transaction.
// Each call is synchronous and moves the pipeline to its next state, so a
// pipeline cannot be re-entered while a pass is running.

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"strings"
	"time"
)

// State is the lifecycle position of a Pipeline.
type State uint8

const (
	StateIdle State = iota
	StatePreviewRunning
	StatePreviewReady
	StateSchemaConfirmed
	StateCommitRunning
	StateCommitted
	StateCancelled
	StateFailed
)

var stateNames = [...]string{
	StateIdle:            "idle",
	StatePreviewRunning:  "preview_running",
	StatePreviewReady:    "preview_ready",
	StateSchemaConfirmed: "schema_confirmed",
	StateCommitRunning:   "commit_running",
	StateCommitted:       "committed",
	StateCancelled:       "cancelled",
	StateFailed:          "failed",
}

func (s State) String() string {
	if int(s) < len(stateNames) {
		return stateNames[s]
	}
	return fmt.Sprintf("State(%d)", uint8(s))
}

func (s State) MarshalJSON() ([]byte, error) { return json.Marshal(s.String()) }

// Terminal reports whether no further transition is possible.
func (s State) Terminal() bool {
	return s == StateCommitted || s == StateCancelled || s == StateFailed
}

// Outcome is how a commit pass ended.
type Outcome uint8

const (
	OutcomeCommitted Outcome = iota
	OutcomeCancelled
	OutcomeFailed
)

func (o Outcome) String() string {
	switch o {
	case OutcomeCommitted:
		return "committed"
	case OutcomeCancelled:
		return "cancelled"
	default:
		return "failed"
	}
}

func (o Outcome) MarshalJSON() ([]byte, error) { return json.Marshal(o.String()) }

// Phase names the pass a Progress report belongs to.
type Phase string

const (
	PhasePreview Phase = "preview"
	PhaseCommit  Phase = "commit"
)

// Progress is reported at checkpoints during both passes.
type Progress struct {
	Phase      Phase `json:"phase"`
	BytesRead  int64 `json:"bytesRead"`
	BytesTotal int64 `json:"bytesTotal"`
	Rows       int   `json:"rows"`
}

// Percent returns progress through the source as 0-100, 0 if the size is unknown.
func (p Progress) Percent() int {
	if p.BytesTotal <= 0 {
		return 0
	}
	pct := int(p.BytesRead * 100 / p.BytesTotal)
	if pct > 100 {
		return 100
	}
	return pct
}

// ProgressFunc receives progress reports. Returning false cancels the pass.
type ProgressFunc func(Progress) bool

// DefaultProgressInterval is the number of decoded bytes between checkpoints.
const DefaultProgressInterval = 64 * 1024

// ColumnState is what the preview knows about one input column.
type ColumnState struct {
	Index             int        `json:"index"`
	Type              ColumnType `json:"type"`
	Name              string     `json:"name"`
	ChangedByUser     bool       `json:"changedByUser"`
	UniqueCandidate   bool       `json:"uniqueCandidate"`
	UniqueInvalidated bool       `json:"uniqueInvalidated"`
	DistinctKeys      int        `json:"distinctKeys"`
}

// Warnings are the non-fatal problems met during a pass.
type Warnings struct {
	CoercionFallbacks   int      `json:"coercionFallbacks"`
	TruncatedRows       int      `json:"truncatedRows"`
	DiscardedAfterQuote int      `json:"discardedAfterQuote"`
	TypeDrift           []string `json:"typeDrift,omitempty"`
}

// Empty reports whether nothing was worth warning about.
func (w Warnings) Empty() bool {
	return w.CoercionFallbacks == 0 && w.TruncatedRows == 0 && w.DiscardedAfterQuote == 0 && len(w.TypeDrift) == 0
}

// Preview is the outcome of the preview pass.
type Preview struct {
	Header        []string      `json:"header,omitempty"`
	Rows          [][]string    `json:"rows"`
	Columns       []ColumnState `json:"columns"`
	PrimaryKey    int           `json:"primaryKey"`
	ColumnCount   int           `json:"columnCount"`
	RowsRead      int           `json:"rowsRead"`
	AllRowsLoaded bool          `json:"allRowsLoaded"`
	Warnings      Warnings      `json:"warnings"`
}

// Rename sets the name of column col as chosen by the user. An empty name
// reverts to the header-derived name.
func (p *Preview) Rename(col int, name string) error {
	if col < 0 || col >= len(p.Columns) {
		return fmt.Errorf("%w: column %d out of range", ErrSchemaMismatch, col)
	}
	c := &p.Columns[col]
	name = simplify(name)
	if name == "" {
		c.ChangedByUser = false
		c.Name = columnCaption(ColumnState{Index: col}, p.Header)
		return nil
	}
	c.Name = name
	c.ChangedByUser = true
	return nil
}

// SetType overrides the detected type of column col. Choosing anything but
// Integer drops the column as a primary key candidate; choosing Integer again
// restores it when the preview saw only distinct keys.
func (p *Preview) SetType(col int, t ColumnType) error {
	if col < 0 || col >= len(p.Columns) {
		return fmt.Errorf("%w: column %d out of range", ErrSchemaMismatch, col)
	}
	if t == TypeUndetermined {
		return fmt.Errorf("%w: column %d needs a concrete type", ErrInvalidSchema, col)
	}
	c := &p.Columns[col]
	c.Type = t
	c.UniqueCandidate = t == TypeInteger && !c.UniqueInvalidated && c.DistinctKeys > 0

	p.PrimaryKey = NoPrimaryKey
	for _, c := range p.Columns {
		if c.UniqueCandidate {
			p.PrimaryKey = c.Index
			break
		}
	}
	return nil
}

// Clone returns a copy whose columns can be adjusted without touching p.
func (p *Preview) Clone() *Preview {
	cp := *p
	cp.Columns = append([]ColumnState(nil), p.Columns...)
	return &cp
}

// Result summarizes a commit pass.
type Result struct {
	Outcome       Outcome       `json:"outcome"`
	Table         string        `json:"table"`
	RowsProcessed int           `json:"rowsProcessed"`
	RowsCommitted int           `json:"rowsCommitted"`
	Warnings      Warnings      `json:"warnings"`
	Err           error         `json:"-"`
	Duration      time.Duration `json:"duration"`
}

// Pipeline runs one import of one source.
type Pipeline struct {
	src      Source
	session  Session
	log      *slog.Logger
	progress ProgressFunc
	interval int64

	state    State
	preview  *Preview
	schema   *DestinationSchema
}

// Option configures a Pipeline.
type Option func(*Pipeline)

// WithLogger sets the logger. The default discards everything.
func WithLogger(l *slog.Logger) Option {
	return func(p *Pipeline) {
		if l != nil {
			p.log = l
		}
	}
}

// WithProgress registers a progress callback for both passes.
func WithProgress(fn ProgressFunc) Option {
	return func(p *Pipeline) { p.progress = fn }
}

// WithProgressInterval sets the decoded bytes between progress checkpoints.
func WithProgressInterval(n int64) Option {
	return func(p *Pipeline) {
		if n > 0 {
			p.interval = n
		}
	}
}

// NewPipeline validates s and returns an idle pipeline over src.
func NewPipeline(src Source, s Session, opts ...Option) (*Pipeline, error) {
	if src == nil {
		return nil, fmt.Errorf("%w: no source", ErrInvalidSession)
	}
	if err := s.Validate(); err != nil {
		return nil, err
	}
	if _, _, err := LookupEncoding(s.Encoding); err != nil {
		return nil, err
	}
	p := &Pipeline{
		src:      src,
		session:  s,
		log:      slog.New(slog.DiscardHandler),
		interval: DefaultProgressInterval,
	}
	for _, opt := range opts {
		opt(p)
	}
	p.log = p.log.With("source", src.Name())
	return p, nil
}

// State returns the current state.
func (p *Pipeline) State() State { return p.state }

// Session returns the settings the pipeline runs with.
func (p *Pipeline) Session() Session { return p.session }

// Source returns the input of the pipeline.
func (p *Pipeline) Source() Source { return p.src }

// Schema returns the confirmed schema, nil before Confirm.
func (p *Pipeline) Schema() *DestinationSchema { return p.schema }

func (p *Pipeline) setState(s State) {
	p.log.Debug("pipeline state", "from", p.state, "to", s)
	p.state = s
}

// checkpointFunc adapts ctx and the progress callback to a reader checkpoint.
func (p *Pipeline) checkpointFunc(ctx context.Context, phase Phase, stream *Stream, rows *int) func(int64) bool {
	total := p.src.Size()
	return func(int64) bool {
		if ctx.Err() != nil {
			return false
		}
		if p.progress == nil {
			return true
		}
		return p.progress(Progress{Phase: phase, BytesRead: stream.RawBytes(), BytesTotal: total, Rows: *rows})
	}
}

// Preview runs the preview pass. It may be repeated while the preview is
// ready. A cancelled preview returns ErrCancelled and leaves the pipeline in
// StateCancelled.
func (p *Pipeline) Preview(ctx context.Context) (*Preview, error) {
	if p.state != StateIdle && p.state != StatePreviewReady {
		return nil, fmt.Errorf("%w: preview requested in state %s", ErrInvalidState, p.state)
	}
	p.setState(StatePreviewRunning)

	pv, err := p.runPreview(ctx)
	switch {
	case errors.Is(err, ErrCancelled):
		p.setState(StateCancelled)
		return nil, ErrCancelled
	case err != nil:
		p.setState(StateFailed)
		return nil, err
	}

	p.preview = pv
	p.setState(StatePreviewReady)
	if !pv.Warnings.Empty() {
		p.log.Warn("preview warnings", "discarded_after_quote", pv.Warnings.DiscardedAfterQuote)
	}
	return pv, nil
}

func (p *Pipeline) runPreview(ctx context.Context) (*Preview, error) {
	stream, err := OpenSource(p.src, p.session.Encoding)
	if err != nil {
		return nil, err
	}
	defer stream.Close()

	var rows int
	rr := NewRowReader(stream, p.session, WithCheckpoint(p.interval, p.checkpointFunc(ctx, PhasePreview, stream, &rows)))
	detector := NewTypeDetector()
	tracker := NewUniquenessTracker()
	limit := p.session.previewLimit()

	pv := &Preview{Rows: make([][]string, 0, min(limit, 1024)), AllRowsLoaded: true}
	headerPending := p.session.FirstRowIsHeader
	width := 0

	for {
		row, err := rr.Next()
		if errors.Is(err, io.EOF) {
			break
		}
		if err != nil {
			return nil, err
		}
		if row.Blank() {
			continue
		}
		if headerPending {
			headerPending = false
			pv.Header = row
			width = len(row)
			continue
		}
		if len(pv.Rows) == limit {
			pv.AllRowsLoaded = false
			break
		}

		if len(row) > width {
			// earlier rows lacked these columns, which counts as empty
			if len(pv.Rows) > 0 {
				for c := width; c < len(row); c++ {
					tracker.Observe(c, TypeUndetermined, "")
				}
			}
			width = len(row)
		}
		for c := 0; c < width; c++ {
			text := field(row, c)
			detector.Observe(c, text)
			tracker.Observe(c, detector.Type(c), text)
		}
		pv.Rows = append(pv.Rows, row)
		rows = len(pv.Rows)
	}

	if width == 0 {
		return nil, ErrNoColumns
	}

	detector.Grow(width)
	detector.Finalize()
	types := detector.Types()

	pv.ColumnCount = width
	pv.RowsRead = len(pv.Rows)
	pv.Warnings.DiscardedAfterQuote = rr.Stats().DiscardedAfterQuote
	for i, r := range pv.Rows {
		if len(r) < width {
			padded := make([]string, width)
			copy(padded, r)
			pv.Rows[i] = padded
		}
	}

	pv.Columns = make([]ColumnState, width)
	for c := range pv.Columns {
		pv.Columns[c] = ColumnState{
			Index:             c,
			Type:              types[c],
			Name:              columnCaption(ColumnState{Index: c}, pv.Header),
			UniqueCandidate:   types[c] == TypeInteger && tracker.Valid(c),
			UniqueInvalidated: tracker.Invalidated(c),
			DistinctKeys:      tracker.Distinct(c),
		}
	}
	pv.PrimaryKey = tracker.Candidate(types)

	p.log.Debug("preview complete",
		"columns", width,
		"rows", pv.RowsRead,
		"all_rows_loaded", pv.AllRowsLoaded,
		"primary_key", pv.PrimaryKey,
	)
	return pv, nil
}

func field(row RawRow, c int) string {
	if c < len(row) {
		return row[c]
	}
	return ""
}

// SchemaOptions are the choices the user makes before confirming.
type SchemaOptions struct {
	// Table defaults to a name derived from the source name.
	Table string
	// PrimaryKey is a column index, NoPrimaryKey or AutoPrimaryKey.
	PrimaryKey  int
	ImplicitKey bool
}

// BuildSchema derives a destination schema from the ready preview.
func (p *Pipeline) BuildSchema(opts SchemaOptions) (*DestinationSchema, error) {
	if p.state != StatePreviewReady {
		return nil, fmt.Errorf("%w: schema requested in state %s", ErrInvalidState, p.state)
	}
	return p.BuildSchemaFrom(p.preview, opts)
}

// BuildSchemaFrom derives a schema from pv, an adjusted copy of the ready
// preview (see Preview.Clone).
func (p *Pipeline) BuildSchemaFrom(pv *Preview, opts SchemaOptions) (*DestinationSchema, error) {
	if p.state != StatePreviewReady {
		return nil, fmt.Errorf("%w: schema requested in state %s", ErrInvalidState, p.state)
	}
	if pv == nil || pv.ColumnCount != p.preview.ColumnCount || len(pv.Columns) != len(p.preview.Columns) {
		return nil, fmt.Errorf("%w: preview does not belong to this import", ErrSchemaMismatch)
	}
	table := opts.Table
	if strings.TrimSpace(table) == "" {
		table = TableNameFromFile(p.src.Name())
	}
	return BuildSchema(SchemaInput{
		Table:       table,
		Columns:     pv.Columns,
		Header:      pv.Header,
		PrimaryKey:  opts.PrimaryKey,
		ImplicitKey: opts.ImplicitKey,
	})
}

// Confirm fixes the schema the commit pass will create.
func (p *Pipeline) Confirm(schema *DestinationSchema) error {
	if p.state != StatePreviewReady {
		return fmt.Errorf("%w: confirm requested in state %s", ErrInvalidState, p.state)
	}
	if err := schema.Validate(); err != nil {
		return err
	}
	for _, f := range schema.Fields {
		if f.Source >= p.preview.ColumnCount {
			return fmt.Errorf("%w: field %q reads column %d of %d", ErrSchemaMismatch, f.Name, f.Source, p.preview.ColumnCount)
		}
	}
	cp := *schema
	cp.Fields = append([]Field(nil), schema.Fields...)
	p.schema = &cp
	p.setState(StateSchemaConfirmed)
	return nil
}

// Commit runs the commit pass into dest. Rows are inserted inside a single
// transaction; on cancellation or failure it is rolled back and the table
// dropped. Cancellation (ctx done or the progress callback returning false)
// yields OutcomeCancelled with a nil error.
func (p *Pipeline) Commit(ctx context.Context, dest Destination) (*Result, error) {
	if p.state != StateSchemaConfirmed {
		return nil, fmt.Errorf("%w: commit requested in state %s", ErrInvalidState, p.state)
	}
	p.setState(StateCommitRunning)

	start := time.Now()
	res := &Result{Table: p.schema.Table}
	err := p.runCommit(ctx, dest, res)
	res.Duration = time.Since(start)

	switch {
	case err == nil:
		res.Outcome = OutcomeCommitted
		res.RowsCommitted = res.RowsProcessed
		p.setState(StateCommitted)
	case errors.Is(err, ErrCancelled):
		res.Outcome = OutcomeCancelled
		p.setState(StateCancelled)
		p.log.Info("import cancelled", "table", res.Table, "rows_processed", res.RowsProcessed)
		return res, nil
	default:
		res.Outcome = OutcomeFailed
		res.Err = err
		p.setState(StateFailed)
		p.log.Error("import failed", "table", res.Table, "rows_processed", res.RowsProcessed, "error", err)
		return res, err
	}

	if !res.Warnings.Empty() {
		p.log.Warn("import warnings",
			"table", res.Table,
			"coercion_fallbacks", res.Warnings.CoercionFallbacks,
			"truncated_rows", res.Warnings.TruncatedRows,
			"discarded_after_quote", res.Warnings.DiscardedAfterQuote,
			"type_drift", res.Warnings.TypeDrift,
		)
	}
	p.log.Info("import committed", "table", res.Table, "rows", res.RowsCommitted, "duration", res.Duration)
	return res, nil
}

func (p *Pipeline) runCommit(ctx context.Context, dest Destination, res *Result) (err error) {
	schema := p.schema

	tx, err := dest.Begin(ctx)
	if err != nil {
		return p.cancelOr(ctx, storageErr("begin", schema.Table, err))
	}

	var ins Inserter
	created := false
	defer func() {
		if ins != nil {
			if cerr := ins.Close(); cerr != nil && err == nil {
				err = storageErr("close insert", schema.Table, cerr)
			}
		}
		if err == nil {
			return
		}
		// ctx may be the reason we are here
		cleanup := context.WithoutCancel(ctx)
		if rbErr := tx.Rollback(cleanup); rbErr != nil {
			p.log.Warn("rollback failed", "table", schema.Table, "error", rbErr)
		}
		if !created {
			return
		}
		if dropErr := dest.DropTable(cleanup, schema.Table); dropErr != nil {
			p.log.Warn("drop table failed", "table", schema.Table, "error", dropErr)
		}
	}()

	if err := tx.CreateTable(ctx, schema); err != nil {
		return p.cancelOr(ctx, storageErr("create table", schema.Table, err))
	}
	created = true
	ins, err = tx.PrepareInsert(ctx, schema)
	if err != nil {
		return p.cancelOr(ctx, storageErr("prepare insert", schema.Table, err))
	}

	stream, err := OpenSource(p.src, p.session.Encoding)
	if err != nil {
		return err
	}
	defer stream.Close()

	var rows int
	rr := NewRowReader(stream, p.session, WithCheckpoint(p.interval, p.checkpointFunc(ctx, PhaseCommit, stream, &rows)))
	coercer := NewFieldCoercer(p.session)
	drift := NewTypeDetector()
	width := p.preview.ColumnCount
	values := make([]Value, len(schema.Fields))
	headerPending := p.session.FirstRowIsHeader
	var seq int64

	for {
		row, err := rr.Next()
		if errors.Is(err, io.EOF) {
			break
		}
		if err != nil {
			return err
		}
		if row.Blank() {
			continue
		}
		if headerPending {
			headerPending = false
			continue
		}
		if len(row) > width {
			res.Warnings.TruncatedRows++
		}
		for c := 0; c < width; c++ {
			drift.Observe(c, field(row, c))
		}

		for i, f := range schema.Fields {
			if f.Source < 0 {
				seq++
				values[i] = IntegerValue(seq)
				continue
			}
			v, ok := coercer.Coerce(field(row, f.Source), f.Type)
			if !ok {
				res.Warnings.CoercionFallbacks++
				p.log.Debug("value does not fit column",
					"line", rr.Line(),
					"field", f.Name,
					"type", f.Type,
				)
			}
			values[i] = v
		}
		if err := ins.Insert(ctx, values); err != nil {
			return p.cancelOr(ctx, storageErr(fmt.Sprintf("insert line %d", rr.Line()), schema.Table, err))
		}
		res.RowsProcessed++
		rows = res.RowsProcessed
	}
	res.Warnings.DiscardedAfterQuote = rr.Stats().DiscardedAfterQuote

	for _, f := range schema.DataFields() {
		now := drift.Type(f.Source)
		if !holds(f.Type, now) {
			res.Warnings.TypeDrift = append(res.Warnings.TypeDrift,
				fmt.Sprintf("%s: imported as %s, full data is %s", f.Name, f.Type, now))
		}
	}

	if p.progress != nil {
		p.progress(Progress{Phase: PhaseCommit, BytesRead: stream.RawBytes(), BytesTotal: p.src.Size(), Rows: rows})
	}

	cerr := ins.Close()
	ins = nil
	if cerr != nil {
		return p.cancelOr(ctx, storageErr("close insert", schema.Table, cerr))
	}
	if err := tx.Commit(ctx); err != nil {
		return p.cancelOr(ctx, storageErr("commit", schema.Table, err))
	}
	return nil
}

// cancelOr reports ErrCancelled instead of err when ctx was cancelled, since
// storage calls fail with a context error in that case.
func (p *Pipeline) cancelOr(ctx context.Context, err error) error {
	if ctx.Err() != nil {
		return ErrCancelled
	}
	return err
}

// holds reports whether a column of type t stores every value of a column
// detected as observed without coercion fallbacks.
func holds(t, observed ColumnType) bool {
	switch {
	case t == observed, t == TypeText, observed == TypeUndetermined:
		return true
	case t == TypeFloat:
		return observed == TypeInteger
	}
	return false
}
