package main

import (
	"fmt"
	"time"

	"github.com/spf13/cobra"

	"prism-board/api"
	"prism-board/config"
)

func newGenTokenCmd() *cobra.Command {
	var ttl time.Duration
	cmd := &cobra.Command{
		Use:   "gen-token <accountID>",
		Short: "Print a signed session token for an account",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := config.Load()
			if err != nil {
				return err
			}
			if ttl <= 0 {
				ttl = cfg.JWTExpiresIn
			}
			auth := api.NewAuth(nil, api.AuthOptions{
				Secret:    []byte(cfg.JWTSecret),
				ExpiresIn: ttl,
				Issuer:    cfg.JWTIssuer,
				Audience:  cfg.JWTAudience,
			})
			token, exp, err := auth.Issue(args[0])
			if err != nil {
				return err
			}
			fmt.Fprintln(cmd.OutOrStdout(), token)
			fmt.Fprintf(cmd.ErrOrStderr(), "expires %s\n", exp.UTC().Format(time.RFC3339))
			return nil
		},
	}
	cmd.Flags().DurationVar(&ttl, "ttl", 0, "token lifetime (defaults to JWT_EXPIRES_IN)")
	return cmd
}
