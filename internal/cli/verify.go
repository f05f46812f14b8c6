package cli

import (
	"errors"
	"fmt"
	"io"
	"path"
	"sort"
	"strings"

	"github.com/spf13/cobra"

	"tallyhall/api/internal/anchor"
	"tallyhall/api/internal/ledger"
)

// anchoredReader reads the anchored tree at a branch head.
type anchoredReader interface {
	ListDir(repoID, branchID, dir string) ([]string, error)
	ReadJSON(repoID, branchID, filePath string, out any) error
}

// AnchorMismatch is one vote whose anchored file disagrees with the ledger.
type AnchorMismatch struct {
	TopicID  string `json:"topic_id"`
	UserID   string `json:"user_id"`
	Kind     string `json:"kind"` // missing | candidate | orphan
	Ledger   string `json:"ledger_candidate_id,omitempty"`
	Anchored string `json:"anchored_candidate_id,omitempty"`
}

type topicVerification struct {
	ledger.LedgerReport
	Consistent bool             `json:"consistent"`
	Anchored   []AnchorMismatch `json:"anchored_mismatches,omitempty"`
}

func NewVerifyCommand(root *RootOptions) *cobra.Command {
	var (
		topicID  string
		anchored bool
	)

	cmd := &cobra.Command{
		Use:   "verify",
		Short: "Check cached tallies against the ledger",
		Long: "Check every cached tally (or one topic) against a rebuild from the ledger. " +
			"With --anchored, committed votes are also compared with the files in the local git anchor.",
		Args: cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			rt, done, err := root.runtime(cmd.Context())
			if err != nil {
				return err
			}
			defer done()

			var reports []ledger.LedgerReport
			if topicID != "" {
				reports = []ledger.LedgerReport{rt.Votes.Reconcile(topicID)}
			} else {
				reports = rt.Votes.ReconcileAll()
			}

			if anchored && rt.Git == nil {
				return NewExitError(ExitCommandError, "--anchored needs a git:// anchor endpoint")
			}

			out := make([]topicVerification, 0, len(reports))
			failed := false
			for _, report := range reports {
				item := topicVerification{LedgerReport: report, Consistent: report.Consistent()}
				if anchored {
					mismatches, err := compareAnchored(rt.Git, rt.Config.AnchorRepo, rt.Config.AnchorBranch, rt.Votes.Ledger(), report.TopicID)
					if err != nil {
						return WrapExitError(ExitCommandError, "read anchored votes", err)
					}
					item.Anchored = mismatches
					item.Consistent = item.Consistent && len(mismatches) == 0
				}
				failed = failed || !item.Consistent
				out = append(out, item)
			}

			if err := root.printer(cmd).Print(out, func(w io.Writer) {
				printVerification(w, out)
			}); err != nil {
				return err
			}
			if failed {
				return NewExitError(ExitFailure, "inconsistencies found")
			}
			return nil
		},
	}

	cmd.Flags().StringVar(&topicID, "topic", "", "topic to verify (default: all topics)")
	cmd.Flags().BoolVar(&anchored, "anchored", false, "also compare committed votes with the git anchor")
	return cmd
}

// compareAnchored matches every committed ledger vote of topicID with its
// anchored vote file. Pending and failed votes are not expected in the
// anchor; an anchored file without a ledger vote is an orphan.
func compareAnchored(reader anchoredReader, repoID, branchID string, l *ledger.Ledger, topicID string) ([]AnchorMismatch, error) {
	dir := path.Dir(anchor.VoteFilePath(topicID, "x"))
	names, err := reader.ListDir(repoID, branchID, dir)
	if err != nil {
		return nil, err
	}
	files := make(map[string]anchor.VoteFile, len(names))
	for _, name := range names {
		userID, ok := strings.CutSuffix(name, ".json")
		if !ok {
			continue
		}
		var file anchor.VoteFile
		if err := reader.ReadJSON(repoID, branchID, anchor.VoteFilePath(topicID, userID), &file); err != nil {
			if errors.Is(err, anchor.ErrNotFound) {
				continue
			}
			return nil, err
		}
		files[userID] = file
	}

	var out []AnchorMismatch
	for userID, rec := range l.VotersForTopic(topicID) {
		file, ok := files[userID]
		delete(files, userID)
		if rec.Status != ledger.StatusCommitted {
			continue
		}
		switch {
		case !ok:
			out = append(out, AnchorMismatch{TopicID: topicID, UserID: userID, Kind: "missing", Ledger: rec.CandidateID})
		case file.CandidateID != rec.CandidateID:
			out = append(out, AnchorMismatch{TopicID: topicID, UserID: userID, Kind: "candidate", Ledger: rec.CandidateID, Anchored: file.CandidateID})
		}
	}
	for userID, file := range files {
		out = append(out, AnchorMismatch{TopicID: topicID, UserID: userID, Kind: "orphan", Anchored: file.CandidateID})
	}
	sort.Slice(out, func(i, j int) bool { return out[i].UserID < out[j].UserID })
	return out, nil
}

func printVerification(w io.Writer, items []topicVerification) {
	if len(items) == 0 {
		fmt.Fprintln(w, "no topics")
		return
	}
	for _, item := range items {
		status := "ok"
		if !item.Consistent {
			status = "MISMATCH"
		}
		fmt.Fprintf(w, "%-24s %-8s total=%d sum=%d expected=%d\n",
			item.TopicID, status, item.TotalVotes, item.CandidateSum, item.ExpectedTotal)
		for _, d := range item.Drift {
			fmt.Fprintf(w, "  drift %s: cached=%d expected=%d\n", d.CandidateID, d.Cached, d.Expected)
		}
		for _, m := range item.Anchored {
			fmt.Fprintf(w, "  anchor %s %s: ledger=%q anchored=%q\n", m.Kind, m.UserID, m.Ledger, m.Anchored)
		}
	}
}
