package commands

import (
	"context"
	"time"

	"github.com/pterm/pterm"
	"github.com/spf13/cobra"

	"github.com/rubato-io/rubato/errors"
	"github.com/rubato-io/rubato/store"
	"github.com/rubato-io/rubato/tier"
)

// UsersCmd groups user management.
var UsersCmd = &cobra.Command{
	Use:   "users",
	Short: "Manage users",
	Long: `Manage rubato users.

Examples:
  rubato users create                   # Create a free-tier user
  rubato users create --tier pro        # Create a pro user
  rubato users ls                       # List users`,
}

var usersCreateCmd = &cobra.Command{
	Use:   "create",
	Short: "Create a user",
	RunE:  runUsersCreate,
}

var usersLsCmd = &cobra.Command{
	Use:   "ls",
	Short: "List users",
	RunE:  runUsersLs,
}

var usersTierFlag string

func init() {
	usersCreateCmd.Flags().StringVar(&usersTierFlag, "tier", "free", "Subscription tier (free, pro, enterprise)")
	UsersCmd.AddCommand(usersCreateCmd)
	UsersCmd.AddCommand(usersLsCmd)
}

func runUsersCreate(cmd *cobra.Command, args []string) error {
	t, err := tier.Parse(usersTierFlag)
	if err != nil {
		return err
	}

	database, err := openDatabase("")
	if err != nil {
		return err
	}
	defer database.Close()

	user := &store.User{Tier: t}
	if err := store.NewUserStore(database).Create(context.Background(), user); err != nil {
		return errors.Wrap(err, "failed to create user")
	}

	pterm.Success.Printfln("Created user %s (%s)", user.ID, user.Tier)
	return nil
}

func runUsersLs(cmd *cobra.Command, args []string) error {
	database, err := openDatabase("")
	if err != nil {
		return err
	}
	defer database.Close()

	users, err := store.NewUserStore(database).List(context.Background())
	if err != nil {
		return errors.Wrap(err, "failed to list users")
	}
	if len(users) == 0 {
		pterm.Info.Println("No users")
		return nil
	}

	data := pterm.TableData{{"ID", "TIER", "CREATED"}}
	for _, u := range users {
		data = append(data, []string{u.ID, string(u.Tier), u.CreatedAt.UTC().Format(time.RFC3339)})
	}
	return pterm.DefaultTable.WithHasHeader().WithData(data).Render()
}
