package commands

import (
	"context"
	"time"

	"github.com/pterm/pterm"
	"github.com/spf13/cobra"

	"github.com/rubato-io/rubato/errors"
	"github.com/rubato-io/rubato/store"
)

// TokensCmd groups bearer token management.
var TokensCmd = &cobra.Command{
	Use:   "tokens",
	Short: "Mint API bearer tokens",
	Long: `Mint bearer tokens for the management API.

Examples:
  rubato tokens create --user usr_abc123
  rubato tokens create --user usr_abc123 --ttl 168h`,
}

var tokensCreateCmd = &cobra.Command{
	Use:   "create",
	Short: "Mint a bearer token for a user",
	RunE:  runTokensCreate,
}

var (
	tokensUserFlag string
	tokensTTLFlag  time.Duration
)

func init() {
	tokensCreateCmd.Flags().StringVar(&tokensUserFlag, "user", "", "User ID the token authenticates as (required)")
	tokensCreateCmd.Flags().DurationVar(&tokensTTLFlag, "ttl", 30*24*time.Hour, "Token lifetime")
	tokensCreateCmd.MarkFlagRequired("user")
	TokensCmd.AddCommand(tokensCreateCmd)
}

func runTokensCreate(cmd *cobra.Command, args []string) error {
	database, err := openDatabase("")
	if err != nil {
		return err
	}
	defer database.Close()

	stores := store.NewStores(database)
	ctx := context.Background()

	// Fail on unknown users now rather than with 401s later.
	user, err := stores.Users.Get(ctx, tokensUserFlag)
	if err != nil {
		return errors.Wrapf(err, "failed to look up user %s", tokensUserFlag)
	}

	session := &store.AuthSession{
		UserID:    user.ID,
		ExpiresAt: time.Now().UTC().Add(tokensTTLFlag),
	}
	if err := stores.AuthSessions.Create(ctx, session); err != nil {
		return errors.Wrap(err, "failed to create token")
	}

	pterm.Success.Printfln("Token for %s (expires %s):", user.ID, session.ExpiresAt.Format(time.RFC3339))
	pterm.Println(session.Token)
	return nil
}
