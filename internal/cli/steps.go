package cli

import (
	"fmt"
	"io"

	"github.com/spf13/cobra"
)

func NewResetStepsCommand(root *RootOptions) *cobra.Command {
	var (
		scopeType string
		last      int64
	)

	cmd := &cobra.Command{
		Use:   "reset-steps",
		Short: "Set the last committed step of a halted anchoring scope",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			rt, done, err := root.runtime(cmd.Context())
			if err != nil {
				return err
			}
			defer done()

			key, err := rt.App.ResetSteps(cmd.Context(), scopeType, last)
			if err != nil {
				return WrapExitError(ExitFailure, "reset steps", err)
			}
			out := map[string]any{"scope": key.String(), "last": last}
			return root.printer(cmd).Print(out, func(w io.Writer) {
				fmt.Fprintf(w, "%s reset to %d\n", key, last)
			})
		},
	}

	cmd.Flags().StringVar(&scopeType, "scope", "", "scope type (default: TALLYHALL_SCOPE_TYPE)")
	cmd.Flags().Int64Var(&last, "last", 0, "last committed step")
	_ = cmd.MarkFlagRequired("last")
	return cmd
}
