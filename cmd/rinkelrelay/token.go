package main

import (
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/agentworkforce/rinkelrelay/internal/httpapi"
	"github.com/spf13/cobra"
)

func tokenCmd(flags *globalFlags) *cobra.Command {
	var (
		scopes  []string
		ttl     time.Duration
		subject string
	)
	cmd := &cobra.Command{
		Use:   "token",
		Short: "Issue an admin API token signed with RINKELRELAY_ADMIN_JWT_SECRET",
		RunE: func(cmd *cobra.Command, _ []string) error {
			cfg, _, err := flags.load(cmd.ErrOrStderr())
			if err != nil {
				return err
			}
			if cfg.Admin.JWTSecret == "" {
				return errors.New("RINKELRELAY_ADMIN_JWT_SECRET is required to issue admin tokens")
			}
			if ttl <= 0 {
				return fmt.Errorf("--ttl must be positive, got %s", ttl)
			}
			for _, scope := range scopes {
				switch scope {
				case "admin:read", "admin:write":
				default:
					return fmt.Errorf("unknown scope %q (want admin:read or admin:write)", scope)
				}
			}
			token, err := httpapi.IssueAdminToken(cfg.Admin.JWTSecret, cfg.Admin.JWTAudience, strings.TrimSpace(subject), scopes, ttl, time.Now())
			if err != nil {
				return err
			}
			fmt.Fprintln(cmd.OutOrStdout(), token)
			return nil
		},
	}
	cmd.Flags().StringSliceVar(&scopes, "scope", []string{"admin:read"}, "scopes to grant (admin:read, admin:write)")
	cmd.Flags().DurationVar(&ttl, "ttl", 12*time.Hour, "token lifetime")
	cmd.Flags().StringVar(&subject, "subject", "operator", "token subject")
	return cmd
}
