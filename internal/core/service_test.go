package core

import (
	"bytes"
	"context"
	"errors"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/JonMunkholm/csvingest/internal/config"
	"github.com/JonMunkholm/csvingest/internal/ingest"
	"github.com/JonMunkholm/csvingest/internal/storage/sqlite"
)

const ordersCSV = "order_id;customer;total;placed\n" +
	"1;Ann;10.50;2024-01-02\n" +
	"2;Bob;7;2024-01-03\n" +
	"3;Cid;;2024-01-04\n"

func testConfig(t *testing.T) config.ImportConfig {
	return config.ImportConfig{
		MaxFileSize:      1 << 20,
		MaxConcurrent:    2,
		MaxWaitTime:      time.Second,
		MaxPreviewRows:   100,
		ProgressInterval: 16,
		Timeout:          time.Minute,
		SpoolDir:         t.TempDir(),
		DefaultEncoding:  "utf-8",
		Retention:        time.Hour,
	}
}

func newTestService(t *testing.T, dest ingest.Destination) *Service {
	t.Helper()
	svc, err := NewService(dest, testConfig(t))
	require.NoError(t, err)
	return svc
}

func openSQLite(t *testing.T) *sqlite.Destination {
	t.Helper()
	d, err := sqlite.Open(filepath.Join(t.TempDir(), "imports.db"))
	require.NoError(t, err)
	t.Cleanup(func() { d.Close() })
	return d
}

func tableExists(t *testing.T, r ingest.TableReader, table string) bool {
	t.Helper()
	err := r.ReadTable(context.Background(), table,
		func([]string) error { return nil },
		func([]ingest.Value) error { return nil })
	return err == nil
}

func previewOrders(t *testing.T, svc *Service) *ImportView {
	t.Helper()
	v, err := svc.Preview(context.Background(), PreviewRequest{
		FileName:   "orders.csv",
		Reader:     strings.NewReader(ordersCSV),
		Session:    ingest.DefaultSession(),
		AutoDetect: true,
	})
	require.NoError(t, err)
	return v
}

func TestServicePreview(t *testing.T) {
	svc := newTestService(t, openSQLite(t))
	v := previewOrders(t, svc)

	assert.NotEmpty(t, v.ID)
	assert.Equal(t, "orders.csv", v.FileName)
	assert.Equal(t, ingest.StatePreviewReady, v.State)
	assert.Equal(t, ';', v.Session.Delimiter)
	assert.True(t, v.Session.FirstRowIsHeader)
	require.NotNil(t, v.Preview)
	assert.Equal(t, 4, v.Preview.ColumnCount)
	assert.Equal(t, 3, v.Preview.RowsRead)
	assert.True(t, v.Preview.AllRowsLoaded)
	assert.Equal(t, 0, v.Preview.PrimaryKey)

	got, err := svc.Job(v.ID)
	require.NoError(t, err)
	assert.Equal(t, v.ID, got.ID)
}

func TestServicePreviewRejectsBadUploads(t *testing.T) {
	svc := newTestService(t, openSQLite(t))
	ctx := context.Background()

	_, err := svc.Preview(ctx, PreviewRequest{FileName: "x.csv"})
	assert.ErrorIs(t, err, ErrNoFile)

	_, err = svc.Preview(ctx, PreviewRequest{FileName: "x.csv", Reader: strings.NewReader("")})
	assert.ErrorIs(t, err, ErrEmptyFile)

	big := strings.Repeat("a,b\n", 1<<19)
	_, err = svc.Preview(ctx, PreviewRequest{FileName: "x.csv", Reader: strings.NewReader(big)})
	assert.ErrorIs(t, err, ErrFileTooLarge)

	sess := ingest.DefaultSession()
	sess.Encoding = "klingon"
	_, err = svc.Preview(ctx, PreviewRequest{FileName: "x.csv", Reader: strings.NewReader("a,b\n"), Session: sess})
	assert.ErrorIs(t, err, ingest.ErrUnknownEncoding)

	_, err = svc.Job("missing")
	assert.ErrorIs(t, err, ErrImportNotFound)
}

func TestServiceReconfigure(t *testing.T) {
	svc := newTestService(t, openSQLite(t))
	v := previewOrders(t, svc)

	sess := v.Session
	sess.Delimiter = ','
	got, err := svc.Reconfigure(context.Background(), v.ID, sess, false)
	require.NoError(t, err)
	assert.Equal(t, ',', got.Session.Delimiter)
	assert.Equal(t, 1, got.Preview.ColumnCount)

	got, err = svc.Reconfigure(context.Background(), v.ID, sess, true)
	require.NoError(t, err)
	assert.Equal(t, 4, got.Preview.ColumnCount)
}

func TestServiceCommit(t *testing.T) {
	dest := openSQLite(t)
	svc := newTestService(t, dest)
	v := previewOrders(t, svc)
	ctx := context.Background()

	view, err := svc.Commit(ctx, v.ID, CommitRequest{
		Table: "orders",
		Columns: []ColumnOverride{
			{Index: 1, Name: "customer_name"},
			{Index: 2, Type: "text"},
		},
	})
	require.NoError(t, err)
	require.NotNil(t, view.Schema)
	assert.Equal(t, "orders", view.Schema.Table)
	assert.Equal(t, []string{"order_id", "customer_name", "total", "placed"}, view.Schema.Names())

	res, err := svc.Result(ctx, v.ID)
	require.NoError(t, err)
	assert.Equal(t, ingest.OutcomeCommitted, res.Outcome)
	assert.Equal(t, 3, res.RowsCommitted)

	got, err := svc.Job(v.ID)
	require.NoError(t, err)
	assert.Equal(t, ingest.StateCommitted, got.State)
	require.NotNil(t, got.Result)
	assert.Nil(t, got.Error)

	assert.True(t, tableExists(t, dest, "orders"))

	var buf bytes.Buffer
	require.NoError(t, svc.Export(ctx, "orders", &buf, ingest.DefaultExportOptions()))
	assert.Contains(t, buf.String(), `"customer_name"`)
	assert.Contains(t, buf.String(), `"10.50"`)

	// a finished import cannot be committed twice
	_, err = svc.Commit(ctx, v.ID, CommitRequest{Table: "orders2"})
	assert.ErrorIs(t, err, ingest.ErrInvalidState)
}

func TestServiceCommitInvalidRequest(t *testing.T) {
	svc := newTestService(t, openSQLite(t))
	v := previewOrders(t, svc)
	ctx := context.Background()

	_, err := svc.Commit(ctx, v.ID, CommitRequest{Columns: []ColumnOverride{{Index: 0, Type: "blob"}}})
	assert.ErrorIs(t, err, ingest.ErrInvalidSchema)

	_, err = svc.Commit(ctx, v.ID, CommitRequest{Columns: []ColumnOverride{{Index: 9, Name: "x"}}})
	assert.Error(t, err)

	// the import stays usable after a rejected request
	_, err = svc.Commit(ctx, v.ID, CommitRequest{Table: "orders"})
	require.NoError(t, err)
	res, err := svc.Result(ctx, v.ID)
	require.NoError(t, err)
	assert.Equal(t, ingest.OutcomeCommitted, res.Outcome)
}

func TestServiceRejectedCommitKeepsPreview(t *testing.T) {
	svc := newTestService(t, openSQLite(t))
	v := previewOrders(t, svc)
	ctx := context.Background()
	require.True(t, v.Preview.Columns[0].UniqueCandidate)

	pk := 99
	_, err := svc.Commit(ctx, v.ID, CommitRequest{
		Table:      "orders",
		PrimaryKey: &pk,
		Columns: []ColumnOverride{
			{Index: 0, Type: "text"},
			{Index: 1, Name: "Renamed"},
		},
	})
	require.ErrorIs(t, err, ingest.ErrInvalidSchema)

	got, err := svc.Job(v.ID)
	require.NoError(t, err)
	assert.Equal(t, ingest.StatePreviewReady, got.State)
	assert.Equal(t, ingest.TypeInteger, got.Preview.Columns[0].Type)
	assert.True(t, got.Preview.Columns[0].UniqueCandidate)
	assert.Equal(t, 0, got.Preview.PrimaryKey)
	assert.NotEqual(t, "Renamed", got.Preview.Columns[1].Name)
	assert.False(t, got.Preview.Columns[1].ChangedByUser)

	// restoring integer keeps the key candidate
	view, err := svc.Commit(ctx, v.ID, CommitRequest{
		Table:   "orders",
		Columns: []ColumnOverride{{Index: 0, Type: "integer"}},
	})
	require.NoError(t, err)
	assert.Equal(t, 0, view.Schema.PrimaryKey())

	res, err := svc.Result(ctx, v.ID)
	require.NoError(t, err)
	assert.Equal(t, ingest.OutcomeCommitted, res.Outcome)
}

func TestServiceCommitExistingTableFails(t *testing.T) {
	dest := openSQLite(t)
	svc := newTestService(t, dest)
	ctx := context.Background()

	first := previewOrders(t, svc)
	_, err := svc.Commit(ctx, first.ID, CommitRequest{Table: "orders"})
	require.NoError(t, err)
	_, err = svc.Result(ctx, first.ID)
	require.NoError(t, err)

	second := previewOrders(t, svc)
	_, err = svc.Commit(ctx, second.ID, CommitRequest{Table: "orders"})
	require.NoError(t, err)
	res, err := svc.Result(ctx, second.ID)
	require.Error(t, err)
	assert.Equal(t, ingest.OutcomeFailed, res.Outcome)

	got, err := svc.Job(second.ID)
	require.NoError(t, err)
	assert.Equal(t, ingest.StateFailed, got.State)
	require.NotNil(t, got.Error)
	assert.Equal(t, "DB008", got.Error.Code)

	// the first import's table is untouched
	var buf bytes.Buffer
	require.NoError(t, svc.Export(ctx, "orders", &buf, ingest.DefaultExportOptions()))
	assert.Equal(t, 4, strings.Count(buf.String(), "\r\n"))
}

// gateDest blocks every insert until the commit context is done.
type gateDest struct {
	ingest.Destination
	started chan struct{}
}

func (d *gateDest) Begin(ctx context.Context) (ingest.Tx, error) {
	tx, err := d.Destination.Begin(ctx)
	if err != nil {
		return nil, err
	}
	return &gateTx{Tx: tx, started: d.started}, nil
}

type gateTx struct {
	ingest.Tx
	started chan struct{}
}

func (t *gateTx) PrepareInsert(ctx context.Context, s *ingest.DestinationSchema) (ingest.Inserter, error) {
	in, err := t.Tx.PrepareInsert(ctx, s)
	if err != nil {
		return nil, err
	}
	return &gateInserter{Inserter: in, started: t.started}, nil
}

type gateInserter struct {
	ingest.Inserter
	started chan struct{}
}

func (in *gateInserter) Insert(ctx context.Context, values []ingest.Value) error {
	select {
	case in.started <- struct{}{}:
	default:
	}
	<-ctx.Done()
	return ctx.Err()
}

func TestServiceCancel(t *testing.T) {
	sq := openSQLite(t)
	dest := &gateDest{Destination: sq, started: make(chan struct{}, 1)}
	svc := newTestService(t, dest)
	v := previewOrders(t, svc)
	ctx := context.Background()

	_, err := svc.Commit(ctx, v.ID, CommitRequest{Table: "orders"})
	require.NoError(t, err)

	updates, stop, err := svc.SubscribeProgress(v.ID)
	require.NoError(t, err)
	defer stop()

	select {
	case <-dest.started:
	case <-time.After(5 * time.Second):
		t.Fatal("commit did not start inserting")
	}

	got, err := svc.Job(v.ID)
	require.NoError(t, err)
	assert.Equal(t, ingest.StateCommitRunning, got.State)

	// the table is locked while the commit runs
	assert.ErrorIs(t, svc.Export(ctx, "orders", &bytes.Buffer{}, ingest.DefaultExportOptions()), ErrTableBusy)
	assert.ErrorIs(t, svc.Discard(v.ID), ingest.ErrInvalidState)

	require.NoError(t, svc.Cancel(v.ID))

	res, err := svc.Result(ctx, v.ID)
	require.NoError(t, err)
	assert.Equal(t, ingest.OutcomeCancelled, res.Outcome)
	assert.Equal(t, 0, res.RowsCommitted)

	// the channel closes once the commit is done
	for range updates {
	}

	assert.False(t, tableExists(t, sq, "orders"))

	assert.ErrorIs(t, svc.Cancel(v.ID), ingest.ErrInvalidState)
	assert.Equal(t, 0, svc.LimiterStatus().Active)
	require.NoError(t, svc.WaitForImports(ctx))
}

func TestServiceTableBusy(t *testing.T) {
	sq := openSQLite(t)
	dest := &gateDest{Destination: sq, started: make(chan struct{}, 1)}
	svc := newTestService(t, dest)
	ctx := context.Background()

	first := previewOrders(t, svc)
	second := previewOrders(t, svc)

	_, err := svc.Commit(ctx, first.ID, CommitRequest{Table: "orders"})
	require.NoError(t, err)
	<-dest.started

	_, err = svc.Commit(ctx, second.ID, CommitRequest{Table: "orders"})
	assert.ErrorIs(t, err, ErrTableBusy)

	svc.CancelAll()
	res, err := svc.Result(ctx, first.ID)
	require.NoError(t, err)
	assert.Equal(t, ingest.OutcomeCancelled, res.Outcome)

	got, err := svc.Job(second.ID)
	require.NoError(t, err)
	assert.Equal(t, ingest.StatePreviewReady, got.State)
}

func TestServiceJobRespondsWhileCommitWaitsForSlot(t *testing.T) {
	sq := openSQLite(t)
	dest := &gateDest{Destination: sq, started: make(chan struct{}, 1)}
	cfg := testConfig(t)
	cfg.MaxConcurrent = 1
	cfg.MaxWaitTime = time.Minute
	svc, err := NewService(dest, cfg)
	require.NoError(t, err)
	ctx := context.Background()

	first := previewOrders(t, svc)
	second := previewOrders(t, svc)

	_, err = svc.Commit(ctx, first.ID, CommitRequest{Table: "orders"})
	require.NoError(t, err)
	<-dest.started

	waitCtx, cancelWait := context.WithCancel(ctx)
	waiting := make(chan error, 1)
	go func() {
		_, err := svc.Commit(waitCtx, second.ID, CommitRequest{Table: "orders_2"})
		waiting <- err
	}()

	jobDone := make(chan struct{})
	go func() {
		defer close(jobDone)
		got, err := svc.Job(second.ID)
		assert.NoError(t, err)
		assert.Equal(t, ingest.StatePreviewReady, got.State)
	}()
	select {
	case <-jobDone:
	case <-time.After(5 * time.Second):
		t.Fatal("Job blocked behind a commit waiting for a slot")
	}

	cancelWait()
	select {
	case err := <-waiting:
		assert.ErrorIs(t, err, context.Canceled)
	case <-time.After(5 * time.Second):
		t.Fatal("waiting commit did not return after cancel")
	}

	got, err := svc.Job(second.ID)
	require.NoError(t, err)
	assert.Equal(t, ingest.StatePreviewReady, got.State)

	svc.CancelAll()
	_, err = svc.Result(ctx, first.ID)
	require.NoError(t, err)
	assert.Equal(t, 0, svc.LimiterStatus().Active)
}

func TestServiceResultBeforeCommit(t *testing.T) {
	svc := newTestService(t, openSQLite(t))
	v := previewOrders(t, svc)

	_, err := svc.Result(context.Background(), v.ID)
	assert.ErrorIs(t, err, ingest.ErrInvalidState)
	assert.ErrorIs(t, svc.Cancel(v.ID), ingest.ErrInvalidState)
}

func TestServiceSubscribeAfterFinish(t *testing.T) {
	svc := newTestService(t, openSQLite(t))
	v := previewOrders(t, svc)
	ctx := context.Background()

	_, err := svc.Commit(ctx, v.ID, CommitRequest{Table: "orders"})
	require.NoError(t, err)
	_, err = svc.Result(ctx, v.ID)
	require.NoError(t, err)

	updates, stop, err := svc.SubscribeProgress(v.ID)
	require.NoError(t, err)
	defer stop()

	last, ok := <-updates
	require.True(t, ok)
	assert.Equal(t, ingest.PhaseCommit, last.Phase)
	assert.Equal(t, 3, last.Rows)
	_, ok = <-updates
	assert.False(t, ok)
}

func TestServiceDiscardAndEvict(t *testing.T) {
	svc := newTestService(t, openSQLite(t))
	v := previewOrders(t, svc)

	require.NoError(t, svc.Discard(v.ID))
	_, err := svc.Job(v.ID)
	assert.ErrorIs(t, err, ErrImportNotFound)

	v = previewOrders(t, svc)
	svc.evictExpired(time.Now())
	_, err = svc.Job(v.ID)
	require.NoError(t, err)

	svc.evictExpired(time.Now().Add(2 * time.Hour))
	_, err = svc.Job(v.ID)
	assert.ErrorIs(t, err, ErrImportNotFound)
}

func TestServiceRunStopsWithContext(t *testing.T) {
	svc := newTestService(t, openSQLite(t))
	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- svc.Run(ctx) }()
	cancel()

	select {
	case err := <-done:
		assert.NoError(t, err)
	case <-time.After(5 * time.Second):
		t.Fatal("Run did not return after cancel")
	}
}

type noExportDest struct{ ingest.Destination }

func TestServiceExportUnsupported(t *testing.T) {
	svc := newTestService(t, noExportDest{openSQLite(t)})
	err := svc.Export(context.Background(), "orders", &bytes.Buffer{}, ingest.DefaultExportOptions())
	assert.True(t, errors.Is(err, ErrExportUnsupported))
}
