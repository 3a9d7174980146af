package main

import (
	"fmt"
	"strings"
	"time"

	"github.com/MarcoPoloResearchLab/answers-relay/internal/auth"
	"github.com/spf13/cobra"
	"github.com/spf13/viper"
)

// newIssueTokenCommand mints an identity token signed with the configured
// secret, for local clients and smoke tests.
func newIssueTokenCommand() *cobra.Command {
	var (
		identity auth.Identity
		ttl      time.Duration
	)
	cmd := &cobra.Command{
		Use:   "issue-token",
		Short: "Print a signed identity token",
		RunE: func(cmd *cobra.Command, args []string) error {
			secret := strings.TrimSpace(viper.GetString("auth.signing_secret"))
			if secret == "" {
				return fmt.Errorf("auth.signing_secret is required")
			}
			issuer, err := auth.NewTokenIssuer(auth.TokenIssuerConfig{
				SigningSecret: []byte(secret),
				Issuer:        viper.GetString("auth.issuer"),
				TokenTTL:      ttl,
			})
			if err != nil {
				return err
			}
			token, err := issuer.Issue(identity)
			if err != nil {
				return err
			}
			_, err = fmt.Fprintln(cmd.OutOrStdout(), token)
			return err
		},
	}
	cmd.Flags().StringVar(&identity.UserID, "user-id", "", "User id claim")
	cmd.Flags().StringVar(&identity.Role, "role", "", "Role claim")
	cmd.Flags().StringVar(&identity.FullName, "full-name", "", "Display name claim")
	cmd.Flags().StringVar(&identity.Email, "email", "", "Email claim")
	cmd.Flags().DurationVar(&ttl, "ttl", 24*time.Hour, "Token lifetime")
	_ = cmd.MarkFlagRequired("user-id")
	_ = cmd.MarkFlagRequired("role")
	return cmd
}
