package cli

import (
	"fmt"
	"io"
	"os"

	"github.com/spf13/cobra"

	"tallyhall/api/internal/export"
)

func NewExportCommand(root *RootOptions) *cobra.Command {
	var (
		topicID string
		format  string
		out     string
	)

	cmd := &cobra.Command{
		Use:   "export",
		Short: "Render a tally report as HTML or PDF",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			f, err := export.ParseFormat(format)
			if err != nil {
				return WrapExitError(ExitCommandError, "invalid --as", err)
			}
			rt, done, err := root.runtime(cmd.Context())
			if err != nil {
				return err
			}
			defer done()

			result, err := rt.Export.Export(cmd.Context(), export.Request{TopicID: topicID, Format: f})
			if err != nil {
				return WrapExitError(ExitFailure, "export failed", err)
			}
			if out == "" {
				out = result.Filename
			}
			if out == "-" {
				_, err := cmd.OutOrStdout().Write(result.Data)
				return err
			}
			if err := os.WriteFile(out, result.Data, 0o644); err != nil {
				return WrapExitError(ExitCommandError, "write report", err)
			}
			summary := map[string]any{"file": out, "mime_type": result.MimeType, "bytes": len(result.Data)}
			return root.printer(cmd).Print(summary, func(w io.Writer) {
				fmt.Fprintf(w, "wrote %s (%d bytes)\n", out, len(result.Data))
			})
		},
	}

	cmd.Flags().StringVar(&topicID, "topic", "", "topic to report on")
	cmd.Flags().StringVar(&format, "as", "html", "report format (html|pdf)")
	cmd.Flags().StringVarP(&out, "out", "o", "", "output file, - for stdout (default: generated name)")
	_ = cmd.MarkFlagRequired("topic")
	return cmd
}
