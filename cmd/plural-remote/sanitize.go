package main

import (
	"bufio"
	"fmt"

	"github.com/spf13/cobra"

	"github.com/zhubert/plural-remote/sanitize"
)

func newSanitizeCmd() *cobra.Command {
	var escapesOnly bool
	cmd := &cobra.Command{
		Use:   "sanitize",
		Short: "Strip terminal escapes and UI noise from stdin",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			out := cmd.OutOrStdout()
			sc := bufio.NewScanner(cmd.InOrStdin())
			sc.Buffer(make([]byte, 64*1024), 16*1024*1024)
			for sc.Scan() {
				line := sc.Text()
				if escapesOnly {
					line = sanitize.StripEscapes(line)
				} else {
					var keep bool
					if line, keep = sanitize.FilterLine(sanitize.StripEscapes(line)); !keep {
						continue
					}
				}
				fmt.Fprintln(out, line)
			}
			return sc.Err()
		},
	}
	cmd.Flags().BoolVar(&escapesOnly, "escapes-only", false, "only strip escape sequences")
	return cmd
}
