package cli

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"io"
	"os"
	"time"

	"github.com/JonMunkholm/csvingest/internal/ingest"
	"github.com/JonMunkholm/csvingest/internal/logging"
	"github.com/JonMunkholm/csvingest/internal/storage"
)

// ErrCancelled is returned when the user interrupted an import.
var ErrCancelled = errors.New("import cancelled")

// ImportCommand previews a file and commits it into a new table.
type ImportCommand struct {
	File        string
	Table       string
	PrimaryKey  int
	ImplicitKey bool
	Types       string
	Names       string
	Verbose     bool
	Quiet       bool
	Session     sessionFlags
	DB          dbFlags
	Out         io.Writer
	Err         io.Writer
}

func NewImportCommand() *ImportCommand {
	return &ImportCommand{Out: os.Stdout, Err: os.Stderr}
}

func (cmd *ImportCommand) ParseFlags(args []string) error {
	fs := flag.NewFlagSet("import", flag.ContinueOnError)
	fs.StringVar(&cmd.File, "file", "", "Path to the delimited text file (required)")
	fs.StringVar(&cmd.Table, "table", "", "Table to create (default derived from the file name)")
	fs.IntVar(&cmd.PrimaryKey, "pk", ingest.AutoPrimaryKey, "Primary key column index, -1 for none, -2 to pick the detected candidate")
	fs.BoolVar(&cmd.ImplicitKey, "implicit-key", false, "Prepend an auto-increment id column")
	fs.StringVar(&cmd.Types, "types", "", "Type overrides, e.g. 2=text,3=date")
	fs.StringVar(&cmd.Names, "names", "", "Column name overrides, e.g. 0=customer_id")
	fs.BoolVar(&cmd.Verbose, "verbose", false, "Enable debug logging")
	fs.BoolVar(&cmd.Quiet, "quiet", false, "Do not print progress")
	cmd.Session.register(fs)
	cmd.DB.register(fs)

	fs.Usage = func() {
		fmt.Fprintf(fs.Output(), "Usage: %s import -file <path> [-table name] [options]\n\n", os.Args[0])
		fmt.Fprintf(fs.Output(), "Create a table from the file and load every row in one transaction.\n")
		fmt.Fprintf(fs.Output(), "Ctrl-C rolls the import back and drops the table.\n\n")
		fmt.Fprintf(fs.Output(), "Options:\n")
		fs.PrintDefaults()
		fmt.Fprintf(fs.Output(), "\nExamples:\n")
		fmt.Fprintf(fs.Output(), "  %s import -file orders.csv -detect\n", os.Args[0])
		fmt.Fprintf(fs.Output(), "  %s import -file export.txt -delimiter tab -pk -1 -implicit-key -types 3=text\n", os.Args[0])
	}

	if err := fs.Parse(args); err != nil {
		return err
	}
	if cmd.File == "" {
		return fmt.Errorf("required flag -file not provided")
	}
	return nil
}

func (cmd *ImportCommand) Run(ctx context.Context) error {
	level := "info"
	if cmd.Verbose {
		level = "debug"
	}
	log := logging.New(cmd.Err, level, "text")

	src := ingest.FileSource{Path: cmd.File}
	sess, err := cmd.Session.session(src)
	if err != nil {
		return err
	}

	opts := []ingest.Option{ingest.WithLogger(log)}
	if !cmd.Quiet {
		opts = append(opts, ingest.WithProgress(progressPrinter(cmd.Err)))
	}
	p, err := ingest.NewPipeline(src, sess, opts...)
	if err != nil {
		return err
	}
	pv, err := p.Preview(ctx)
	if err != nil {
		return err
	}
	if err := applyOverrides(pv, cmd.Types, cmd.Names); err != nil {
		return err
	}

	schema, err := p.BuildSchema(ingest.SchemaOptions{
		Table:       cmd.Table,
		PrimaryKey:  cmd.PrimaryKey,
		ImplicitKey: cmd.ImplicitKey,
	})
	if err != nil {
		return err
	}
	if err := p.Confirm(schema); err != nil {
		return err
	}

	dbCfg, err := cmd.DB.config()
	if err != nil {
		return err
	}
	dest, err := storage.Open(ctx, dbCfg)
	if err != nil {
		return err
	}
	defer dest.Close()

	log.Info("importing", "file", src.Name(), "table", schema.Table, "database", storage.Describe(dbCfg))
	res, err := p.Commit(ctx, dest)
	if !cmd.Quiet {
		fmt.Fprintln(cmd.Err)
	}
	if err != nil {
		return err
	}
	if res.Outcome == ingest.OutcomeCancelled {
		fmt.Fprintf(cmd.Out, "Import into %s cancelled after %d rows; nothing was kept.\n", res.Table, res.RowsProcessed)
		return ErrCancelled
	}

	fmt.Fprintf(cmd.Out, "Imported %d rows into %s in %s.\n", res.RowsCommitted, res.Table, res.Duration.Round(time.Millisecond))
	printWarnings(cmd.Out, res.Warnings)
	return nil
}

func applyOverrides(pv *ingest.Preview, types, names string) error {
	typeOverrides, err := parseOverrides(types)
	if err != nil {
		return err
	}
	for col, name := range typeOverrides {
		t, err := ingest.ParseColumnType(name)
		if err != nil {
			return err
		}
		if err := pv.SetType(col, t); err != nil {
			return err
		}
	}
	nameOverrides, err := parseOverrides(names)
	if err != nil {
		return err
	}
	for col, name := range nameOverrides {
		if err := pv.Rename(col, name); err != nil {
			return err
		}
	}
	return nil
}

// progressPrinter rewrites one status line on w.
func progressPrinter(w io.Writer) ingest.ProgressFunc {
	return func(p ingest.Progress) bool {
		if p.Phase == ingest.PhaseCommit {
			fmt.Fprintf(w, "\rimporting: %3d%%  %d rows", p.Percent(), p.Rows)
		}
		return true
	}
}

func printWarnings(w io.Writer, ws ingest.Warnings) {
	if ws.Empty() {
		return
	}
	if ws.CoercionFallbacks > 0 {
		fmt.Fprintf(w, "  %d values did not fit their column type and were stored as null\n", ws.CoercionFallbacks)
	}
	if ws.TruncatedRows > 0 {
		fmt.Fprintf(w, "  %d rows had extra fields that were dropped\n", ws.TruncatedRows)
	}
	if ws.DiscardedAfterQuote > 0 {
		fmt.Fprintf(w, "  %d fields lost characters after a closing quote\n", ws.DiscardedAfterQuote)
	}
	for _, d := range ws.TypeDrift {
		fmt.Fprintf(w, "  type drift: %s\n", d)
	}
}
