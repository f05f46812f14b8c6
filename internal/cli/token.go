package cli

import (
	"fmt"
	"io"
	"time"

	"github.com/spf13/cobra"

	"tallyhall/api/internal/auth"
	"tallyhall/api/internal/rbac"
	"tallyhall/api/internal/util"
)

type issuedToken struct {
	Token     string    `json:"token"`
	Subject   string    `json:"sub"`
	Role      string    `json:"role"`
	ExpiresAt time.Time `json:"expires_at"`
}

func NewTokenCommand(root *RootOptions) *cobra.Command {
	var (
		subject string
		role    string
		ttl     time.Duration
	)

	cmd := &cobra.Command{
		Use:   "token",
		Short: "Issue a bearer token for the HTTP API",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, _, err := root.config()
			if err != nil {
				return err
			}
			if cfg.AuthSecret == "" {
				return NewExitError(ExitCommandError, "TALLYHALL_AUTH_SECRET is not set")
			}
			if rbac.Normalize(role) != rbac.Role(role) {
				return NewExitError(ExitCommandError, fmt.Sprintf("unknown role %q", role))
			}
			if ttl <= 0 {
				return NewExitError(ExitCommandError, "--ttl must be positive")
			}

			expires := time.Now().Add(ttl).UTC().Truncate(time.Second)
			token, err := auth.IssueToken([]byte(cfg.AuthSecret), auth.Claims{
				Sub:  subject,
				Role: role,
				JTI:  util.NewID("tok"),
				Exp:  expires.Unix(),
			})
			if err != nil {
				return WrapExitError(ExitCommandError, "issue token", err)
			}
			out := issuedToken{Token: token, Subject: subject, Role: role, ExpiresAt: expires}
			return root.printer(cmd).Print(out, func(w io.Writer) {
				fmt.Fprintln(w, token)
			})
		},
	}

	cmd.Flags().StringVar(&subject, "sub", "", "user id the token acts as")
	cmd.Flags().StringVar(&role, "role", string(rbac.RoleOperator), "voter|auditor|operator")
	cmd.Flags().DurationVar(&ttl, "ttl", 24*time.Hour, "token lifetime")
	_ = cmd.MarkFlagRequired("sub")
	return cmd
}
