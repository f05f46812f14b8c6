package cli

import (
	"fmt"
	"io"
	"time"

	"github.com/spf13/cobra"

	"tallyhall/api/internal/audit"
	"tallyhall/api/internal/search"
)

func NewAuditCommand(root *RootOptions) *cobra.Command {
	var (
		topicID string
		action  string
		query   string
		limit   int
	)

	cmd := &cobra.Command{
		Use:   "audit",
		Short: "List or search audit entries, newest first",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			if limit <= 0 {
				return NewExitError(ExitCommandError, "--limit must be positive")
			}
			rt, done, err := root.runtime(cmd.Context())
			if err != nil {
				return err
			}
			defer done()

			p := root.printer(cmd)
			if query != "" {
				resp := rt.Search.Search(search.Query{Text: query, TopicID: topicID, Action: action, Limit: limit})
				return p.Print(resp, func(w io.Writer) {
					for _, r := range resp.Results {
						fmt.Fprintf(w, "%6d  %s  %-12s %-16s %s\n", r.Seq, r.Timestamp.UTC().Format(time.RFC3339), r.Action, r.TopicID, r.Snippet)
					}
					fmt.Fprintf(w, "%d of %d\n", len(resp.Results), resp.Total)
				})
			}

			entries := filterEntries(rt.Votes.Audit().Query(topicID, 0), action, limit)
			return p.Print(entries, func(w io.Writer) {
				for _, e := range entries {
					fmt.Fprintf(w, "%6d  %s  %-12s %-16s user=%s %s -> %s\n",
						e.Seq, e.Timestamp.UTC().Format(time.RFC3339), e.Action, e.TopicID, e.UserID, dash(e.OldCandidateID), dash(e.NewCandidateID))
				}
			})
		},
	}

	cmd.Flags().StringVar(&topicID, "topic", "", "only entries of this topic")
	cmd.Flags().StringVar(&action, "action", "", "only entries with this action (NEW_VOTE, VOTE_SWITCH, ...)")
	cmd.Flags().StringVarP(&query, "query", "q", "", "full-text search instead of listing")
	cmd.Flags().IntVar(&limit, "limit", 50, "maximum entries")
	return cmd
}

func filterEntries(entries []audit.Entry, action string, limit int) []audit.Entry {
	out := make([]audit.Entry, 0, min(limit, len(entries)))
	for _, e := range entries {
		if action != "" && string(e.Action) != action {
			continue
		}
		out = append(out, e)
		if len(out) == limit {
			break
		}
	}
	return out
}

func dash(s string) string {
	if s == "" {
		return "-"
	}
	return s
}
