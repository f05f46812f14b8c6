package cli

import (
	"errors"
	"fmt"
	"io"

	"github.com/spf13/cobra"

	"tallyhall/api/internal/vote"
)

func NewRebuildCommand(root *RootOptions) *cobra.Command {
	var topicID string

	cmd := &cobra.Command{
		Use:   "rebuild",
		Short: "Recompute cached tallies from the ledger",
		Long:  "Recompute the cached totals of one topic, or of every topic, from base counts plus the current voters in the ledger.",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			rt, done, err := root.runtime(cmd.Context())
			if err != nil {
				return err
			}
			defer done()

			results, rebuildErr := rt.App.Rebuild(cmd.Context(), topicID)
			if errors.Is(rebuildErr, vote.ErrUnknownTopic) {
				return WrapExitError(ExitCommandError, "rebuild", rebuildErr)
			}
			if err := root.printer(cmd).Print(results, func(w io.Writer) {
				printResults(w, results)
			}); err != nil {
				return err
			}
			if rebuildErr != nil {
				return WrapExitError(ExitFailure, "rebuild finished with anchoring errors", rebuildErr)
			}
			return nil
		},
	}

	cmd.Flags().StringVar(&topicID, "topic", "", "topic to rebuild (default: all topics)")
	return cmd
}

func printResults(w io.Writer, results []vote.Result) {
	if len(results) == 0 {
		fmt.Fprintln(w, "no topics")
		return
	}
	for _, res := range results {
		fmt.Fprintf(w, "%-24s %-8s total=%-6d anchor=%s", res.TopicID, res.Action, res.Totals.TotalVotes, res.Anchor.Status)
		if res.Anchor.CommitRef != "" {
			fmt.Fprintf(w, " commit=%s", short(res.Anchor.CommitRef))
		}
		fmt.Fprintln(w)
	}
}

func short(ref string) string {
	if len(ref) > 12 {
		return ref[:12]
	}
	return ref
}
