package main

import (
	"fmt"
	"io"
	"os"
	"strings"

	"github.com/charmbracelet/lipgloss"
	"github.com/spf13/cobra"
	"golang.org/x/term"

	"github.com/zhubert/plural-remote/claude"
	"github.com/zhubert/plural-remote/logger"
	"github.com/zhubert/plural-remote/sanitize"
	"github.com/zhubert/plural-remote/transcript"
)

type replayFlags struct {
	raw     bool
	plain   bool
	archive bool
}

func newReplayCmd() *cobra.Command {
	flags := &replayFlags{}
	cmd := &cobra.Command{
		Use:   "replay [file]",
		Short: "Decode captured session output and print the chunks it yields",
		Long: "Feeds a capture of process output (stdin when no file is given) through the\n" +
			"sanitizer and line decoder, printing each chunk. With --archive the file is a\n" +
			"transcript archive and its entries are printed instead.",
		Args: cobra.MaximumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			out := cmd.OutOrStdout()
			p := newChunkPrinter(out, !flags.plain && isTerminal(out))

			if flags.archive {
				if len(args) == 0 {
					return fmt.Errorf("--archive needs a file")
				}
				return replayArchive(p, args[0])
			}

			in := cmd.InOrStdin()
			if len(args) == 1 {
				f, err := os.Open(args[0])
				if err != nil {
					return err
				}
				defer f.Close()
				in = f
			}
			n, err := replay(in, p, !flags.raw)
			if err != nil {
				return err
			}
			fmt.Fprintf(cmd.ErrOrStderr(), "%d chunks\n", n)
			return nil
		},
	}
	cmd.Flags().BoolVar(&flags.raw, "raw", false, "skip sanitizing")
	cmd.Flags().BoolVar(&flags.plain, "plain", false, "never style the output")
	cmd.Flags().BoolVar(&flags.archive, "archive", false, "read a transcript archive (.jsonl.zst)")
	return cmd
}

// replay decodes r in fixed-size reads, so lines are split at arbitrary
// points as they would be on a live stream.
func replay(r io.Reader, p *chunkPrinter, clean bool) (int, error) {
	opts := claude.DecoderOptions{Logger: logger.WithComponent("replay")}
	if clean {
		opts.Filter = sanitize.CleanLine
	}
	dec := claude.NewDecoder(p.print, opts)

	n := 0
	buf := make([]byte, 4096)
	for {
		read, err := r.Read(buf)
		if read > 0 {
			n += dec.Feed(buf[:read])
		}
		if err == io.EOF {
			break
		}
		if err != nil {
			return n, err
		}
	}
	return n + dec.Flush(), nil
}

func replayArchive(p *chunkPrinter, path string) error {
	meta, entries, err := transcript.ReadArchive(path)
	if err != nil {
		return err
	}
	fmt.Fprintf(p.w, "%s on %s (%s, exit %d, %dms)\n", meta.SessionRef, meta.Target, meta.Outcome, meta.ExitCode, meta.DurationMs)
	for _, e := range entries {
		fmt.Fprintf(p.w, "%s %s\n", p.label(e.Type), e.Content)
	}
	return nil
}

type chunkPrinter struct {
	w      io.Writer
	styles map[string]lipgloss.Style
}

func newChunkPrinter(w io.Writer, styled bool) *chunkPrinter {
	p := &chunkPrinter{w: w}
	if styled {
		p.styles = map[string]lipgloss.Style{
			string(claude.ChunkTypeText):         lipgloss.NewStyle().Foreground(lipgloss.Color("6")).Bold(true),
			string(claude.ChunkTypePassthrough):  lipgloss.NewStyle().Foreground(lipgloss.Color("8")),
			string(claude.ChunkTypeResult):       lipgloss.NewStyle().Foreground(lipgloss.Color("2")).Bold(true),
			string(claude.ChunkTypeHookResponse): lipgloss.NewStyle().Foreground(lipgloss.Color("5")),
			string(claude.ChunkTypeAskUser):      lipgloss.NewStyle().Foreground(lipgloss.Color("3")).Bold(true),
		}
	}
	return p
}

func (p *chunkPrinter) label(kind string) string {
	l := "[" + kind + "]"
	if style, ok := p.styles[strings.TrimPrefix(kind, transcript.StderrPrefix)]; ok {
		return style.Render(l)
	}
	return l
}

func (p *chunkPrinter) print(c claude.Chunk) {
	fmt.Fprintf(p.w, "%s %s\n", p.label(string(c.Type)), c.Render())
}

func isTerminal(w io.Writer) bool {
	f, ok := w.(*os.File)
	return ok && term.IsTerminal(int(f.Fd()))
}
