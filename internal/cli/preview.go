package cli

import (
	"context"
	"flag"
	"fmt"
	"io"
	"os"
	"strings"
	"text/tabwriter"

	"github.com/JonMunkholm/csvingest/internal/ingest"
)

// PreviewCommand prints the detected layout of a file without importing it.
type PreviewCommand struct {
	File    string
	Session sessionFlags
	Out     io.Writer
}

func NewPreviewCommand() *PreviewCommand {
	return &PreviewCommand{Out: os.Stdout}
}

func (cmd *PreviewCommand) ParseFlags(args []string) error {
	fs := flag.NewFlagSet("preview", flag.ContinueOnError)
	fs.StringVar(&cmd.File, "file", "", "Path to the delimited text file (required)")
	cmd.Session.register(fs)

	fs.Usage = func() {
		fmt.Fprintf(fs.Output(), "Usage: %s preview -file <path> [options]\n\n", os.Args[0])
		fmt.Fprintf(fs.Output(), "Show detected column types, the primary key candidate and sample rows.\n\n")
		fmt.Fprintf(fs.Output(), "Options:\n")
		fs.PrintDefaults()
	}

	if err := fs.Parse(args); err != nil {
		return err
	}
	if cmd.File == "" {
		return fmt.Errorf("required flag -file not provided")
	}
	return nil
}

func (cmd *PreviewCommand) Run(ctx context.Context) error {
	src := ingest.FileSource{Path: cmd.File}
	sess, err := cmd.Session.session(src)
	if err != nil {
		return err
	}
	p, err := ingest.NewPipeline(src, sess)
	if err != nil {
		return err
	}
	pv, err := p.Preview(ctx)
	if err != nil {
		return err
	}
	printPreview(cmd.Out, src.Name(), sess, pv)
	return nil
}

func printPreview(out io.Writer, name string, sess ingest.Session, pv *ingest.Preview) {
	fmt.Fprintf(out, "File:      %s\n", name)
	fmt.Fprintf(out, "Delimiter: %q  Header: %v  Rows read: %d", sess.Delimiter, sess.FirstRowIsHeader, pv.RowsRead)
	if !pv.AllRowsLoaded {
		fmt.Fprint(out, " (more rows follow)")
	}
	fmt.Fprintln(out)
	if n := pv.Warnings.DiscardedAfterQuote; n > 0 {
		fmt.Fprintf(out, "Warning:   %d fields lost characters after a closing quote\n", n)
	}
	fmt.Fprintln(out)

	tw := tabwriter.NewWriter(out, 0, 0, 2, ' ', 0)
	fmt.Fprintln(tw, "#\tNAME\tTYPE\tKEY")
	for _, c := range pv.Columns {
		key := ""
		switch {
		case c.Index == pv.PrimaryKey:
			key = "primary"
		case c.UniqueCandidate:
			key = "unique"
		}
		fmt.Fprintf(tw, "%d\t%s\t%s\t%s\n", c.Index, c.Name, c.Type, key)
	}
	tw.Flush()

	if len(pv.Rows) == 0 {
		return
	}
	fmt.Fprintln(out)
	tw = tabwriter.NewWriter(out, 0, 0, 2, ' ', 0)
	names := make([]string, len(pv.Columns))
	for i, c := range pv.Columns {
		names[i] = c.Name
	}
	fmt.Fprintln(tw, strings.Join(names, "\t"))
	for i, row := range pv.Rows {
		if i == 10 {
			break
		}
		fmt.Fprintln(tw, strings.Join(row, "\t"))
	}
	tw.Flush()
}
