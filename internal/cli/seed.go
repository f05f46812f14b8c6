package cli

import (
	"fmt"
	"io"
	"strconv"
	"strings"

	"github.com/spf13/cobra"

	"tallyhall/api/internal/vote"
)

func NewSeedCommand(root *RootOptions) *cobra.Command {
	var (
		topicID string
		counts  []string
		source  string
	)

	cmd := &cobra.Command{
		Use:   "seed",
		Short: "Seed immutable base counts for a topic",
		Example: `  tallyhall seed --topic t1 --count c1=120 --count c2=80
  tallyhall seed --topic t1 --count c1=120,c2=80 --source import-2026`,
		Args: cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			parsed, err := parseCounts(counts)
			if err != nil {
				return WrapExitError(ExitCommandError, "invalid --count", err)
			}

			rt, done, err := root.runtime(cmd.Context())
			if err != nil {
				return err
			}
			defer done()

			res, seedErr := rt.App.Seed(cmd.Context(), topicID, parsed, source)
			if seedErr != nil && !res.Applied {
				return WrapExitError(ExitFailure, "seed failed", seedErr)
			}
			if err := root.printer(cmd).Print(res, func(w io.Writer) {
				printResults(w, []vote.Result{res})
			}); err != nil {
				return err
			}
			if seedErr != nil {
				return WrapExitError(ExitFailure, "seed applied with anchoring errors", seedErr)
			}
			return nil
		},
	}

	cmd.Flags().StringVar(&topicID, "topic", "", "topic to seed")
	cmd.Flags().StringSliceVar(&counts, "count", nil, "candidate=count pairs")
	cmd.Flags().StringVar(&source, "source", "cli", "source recorded in the audit entry")
	_ = cmd.MarkFlagRequired("topic")
	_ = cmd.MarkFlagRequired("count")
	return cmd
}

func parseCounts(pairs []string) (map[string]int, error) {
	out := make(map[string]int, len(pairs))
	for _, pair := range pairs {
		candidate, raw, ok := strings.Cut(pair, "=")
		candidate = strings.TrimSpace(candidate)
		if !ok || candidate == "" {
			return nil, fmt.Errorf("%q is not candidate=count", pair)
		}
		n, err := strconv.Atoi(strings.TrimSpace(raw))
		if err != nil || n < 0 {
			return nil, fmt.Errorf("%q: count must be a non-negative integer", pair)
		}
		if _, dup := out[candidate]; dup {
			return nil, fmt.Errorf("candidate %q given twice", candidate)
		}
		out[candidate] = n
	}
	return out, nil
}
