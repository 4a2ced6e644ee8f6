package cli

import (
	"fmt"
	"os"

	"github.com/spf13/cobra"
	"golang.org/x/term"

	"github.com/keymintd/keymint/internal/service"
)

func newAdminCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "admin",
		Short: "Admin credential helpers",
		Long:  "Helpers for configuring the admin login used by the key lifecycle API.",
	}

	cmd.AddCommand(newAdminHashPasswordCmd())

	return cmd
}

// ---------- admin hash-password ----------

func newAdminHashPasswordCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "hash-password",
		Short: "Hash an admin password for the config file",
		Long: `Prompt for a password and print its hash for the auth.admin_password_hash
config field. The plaintext password is never stored.`,
		RunE: func(cmd *cobra.Command, args []string) error {
			return runAdminHashPassword()
		},
	}

	return cmd
}

func runAdminHashPassword() error {
	fmt.Print("Password: ")
	pwBytes, err := term.ReadPassword(int(os.Stdin.Fd()))
	if err != nil {
		return fmt.Errorf("failed to read password: %w", err)
	}
	fmt.Println()

	fmt.Print("Confirm password: ")
	confirmBytes, err := term.ReadPassword(int(os.Stdin.Fd()))
	if err != nil {
		return fmt.Errorf("failed to read confirmation: %w", err)
	}
	fmt.Println()

	if string(pwBytes) != string(confirmBytes) {
		return fmt.Errorf("passwords do not match")
	}
	if len(pwBytes) < 8 {
		return fmt.Errorf("password must be at least 8 characters")
	}

	fmt.Println()
	fmt.Println("Add this to your keymint.yaml:")
	fmt.Println()
	fmt.Printf("  auth:\n    admin_password_hash: %s\n", service.HashPassword(string(pwBytes)))
	return nil
}
