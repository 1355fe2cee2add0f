package cli

import (
	"bufio"
	"context"
	"flag"
	"fmt"
	"io"
	"os"

	"github.com/JonMunkholm/csvingest/internal/ingest"
	"github.com/JonMunkholm/csvingest/internal/storage"
)

// ExportCommand writes a table back out as delimited text.
type ExportCommand struct {
	Table     string
	OutPath   string
	Delimiter string
	Quote     string
	NoHeader  bool
	LF        bool
	DB        dbFlags
	Out       io.Writer
}

func NewExportCommand() *ExportCommand {
	return &ExportCommand{Out: os.Stdout}
}

func (cmd *ExportCommand) ParseFlags(args []string) error {
	fs := flag.NewFlagSet("export", flag.ContinueOnError)
	fs.StringVar(&cmd.Table, "table", "", "Table to export (required)")
	fs.StringVar(&cmd.OutPath, "out", "", "Output file (default stdout)")
	fs.StringVar(&cmd.Delimiter, "delimiter", "comma", "Field delimiter")
	fs.StringVar(&cmd.Quote, "quote", "double", "Quote for text values: double, single or none")
	fs.BoolVar(&cmd.NoHeader, "no-header", false, "Omit the header row")
	fs.BoolVar(&cmd.LF, "lf", false, "End lines with LF instead of CRLF")
	cmd.DB.register(fs)

	fs.Usage = func() {
		fmt.Fprintf(fs.Output(), "Usage: %s export -table <name> [-out file] [options]\n\nOptions:\n", os.Args[0])
		fs.PrintDefaults()
	}

	if err := fs.Parse(args); err != nil {
		return err
	}
	if cmd.Table == "" {
		return fmt.Errorf("required flag -table not provided")
	}
	return nil
}

func (cmd *ExportCommand) options() (ingest.ExportOptions, error) {
	opts := ingest.DefaultExportOptions()
	var err error
	if opts.Delimiter, err = ingest.ParseDelimiter(cmd.Delimiter); err != nil {
		return opts, err
	}
	if opts.Quote, err = ingest.ParseQuote(cmd.Quote); err != nil {
		return opts, err
	}
	if opts.Quote != 0 && opts.Quote == opts.Delimiter {
		return opts, fmt.Errorf("%w: quote and delimiter must differ", ingest.ErrInvalidSession)
	}
	opts.Header = !cmd.NoHeader
	if cmd.LF {
		opts.LineEnding = "\n"
	}
	return opts, nil
}

func (cmd *ExportCommand) Run(ctx context.Context) (err error) {
	opts, err := cmd.options()
	if err != nil {
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

	out := cmd.Out
	if cmd.OutPath != "" {
		f, err := os.Create(cmd.OutPath)
		if err != nil {
			return err
		}
		defer func() {
			if cerr := f.Close(); err == nil {
				err = cerr
			}
		}()
		bw := bufio.NewWriter(f)
		defer func() {
			if ferr := bw.Flush(); err == nil {
				err = ferr
			}
		}()
		out = bw
	}
	return ingest.ExportTable(ctx, dest, cmd.Table, out, opts)
}
