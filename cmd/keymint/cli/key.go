package cli

import (
	"context"
	"encoding/json"
	"fmt"
	"os"
	"time"

	"github.com/spf13/cobra"

	"github.com/keymintd/keymint/internal/license"
)

func newKeyCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "key",
		Short: "Manage license keys",
		Long:  "Create, list, extend, and delete license keys directly against the local key store.",
	}

	cmd.AddCommand(newKeyCreateCmd())
	cmd.AddCommand(newKeyListCmd())
	cmd.AddCommand(newKeyInfoCmd())
	cmd.AddCommand(newKeyExtendCmd())
	cmd.AddCommand(newKeyResetDevicesCmd())
	cmd.AddCommand(newKeyDeleteCmd())

	return cmd
}

// withManager opens the configured store, runs fn against a manager, and
// closes the store afterwards.
func withManager(fn func(ctx context.Context, m *license.Manager) error) error {
	cfg := loadEffectiveConfig()
	store, err := openStore(cfg)
	if err != nil {
		return fmt.Errorf("open key store: %w", err)
	}
	defer store.Close()

	return fn(context.Background(), buildManager(cfg, store, newCLILogger()))
}

// ---------- key create ----------

func newKeyCreateCmd() *cobra.Command {
	var (
		duration int
		unit     string
		devices  int
		code     string
		count    int
		admin    bool
	)

	cmd := &cobra.Command{
		Use:   "create",
		Short: "Create one or more license keys",
		Long:  "Generate new license keys. The full code is shown once at creation; listings mask it.",
		Example: `  keymint key create --duration 30 --unit day --devices 2
  keymint key create --duration 1 --unit month --devices 5 --count 10
  keymint key create --duration 1 --unit week --devices 1 --code PARTNER-TRIAL-001`,
		RunE: func(cmd *cobra.Command, args []string) error {
			return runKeyCreate(duration, unit, devices, code, count, admin)
		},
	}

	cmd.Flags().IntVar(&duration, "duration", 0, "Validity duration value (required)")
	cmd.Flags().StringVar(&unit, "unit", "day", "Duration unit: hour, day, week, month")
	cmd.Flags().IntVar(&devices, "devices", 1, "Number of devices the key may bind")
	cmd.Flags().StringVar(&code, "code", "", "Custom key code (must be unique)")
	cmd.Flags().IntVar(&count, "count", 1, "Number of keys to create (bulk)")
	cmd.Flags().BoolVar(&admin, "admin", false, "Bypass the configured maximum duration cap")
	cmd.MarkFlagRequired("duration")

	return cmd
}

func runKeyCreate(duration int, unit string, devices int, code string, count int, admin bool) error {
	return withManager(func(ctx context.Context, m *license.Manager) error {
		params := license.CreateParams{
			Duration:       duration,
			Unit:           license.Unit(unit),
			AllowedDevices: devices,
			CustomCode:     code,
			IsAdmin:        admin,
		}

		if count <= 1 {
			rec, err := m.Create(ctx, params)
			if err != nil {
				return err
			}
			fmt.Println("Key created:")
			fmt.Println()
			fmt.Printf("  Code:     %s\n", rec.Code)
			fmt.Printf("  Expires:  %s\n", rec.ExpiresAt.Format(time.RFC3339))
			fmt.Printf("  Devices:  %d\n", rec.AllowedDevices)
			fmt.Println()
			fmt.Println("  Save this code now - listings only show it masked.")
			return nil
		}

		results, err := m.BulkCreate(ctx, count, params)
		if err != nil {
			return err
		}
		created := 0
		for _, res := range results {
			if res.Err != nil {
				fmt.Printf("  FAILED: %v\n", res.Err)
				continue
			}
			fmt.Printf("  %s\n", res.Record.Code)
			created++
		}
		fmt.Printf("\nCreated %d of %d keys.\n", created, count)
		return nil
	})
}

// ---------- key list ----------

func newKeyListCmd() *cobra.Command {
	var jsonOutput bool

	cmd := &cobra.Command{
		Use:     "list",
		Aliases: []string{"ls"},
		Short:   "List all license keys",
		RunE: func(cmd *cobra.Command, args []string) error {
			return runKeyList(jsonOutput)
		},
	}

	cmd.Flags().BoolVar(&jsonOutput, "json", false, "Output as JSON")

	return cmd
}

func runKeyList(jsonOutput bool) error {
	return withManager(func(ctx context.Context, m *license.Manager) error {
		records, err := m.List(ctx)
		if err != nil {
			return err
		}

		type keyRow struct {
			Code      string `json:"code"`
			ExpiresAt string `json:"expires_at"`
			Devices   string `json:"devices"`
			Verified  int64  `json:"verification_count"`
		}

		rows := make([]keyRow, len(records))
		for i, k := range records {
			rows[i] = keyRow{
				Code:      license.MaskCode(k.Code),
				ExpiresAt: k.ExpiresAt.Format(time.RFC3339),
				Devices:   fmt.Sprintf("%d/%d", len(k.BoundDevices), k.AllowedDevices),
				Verified:  k.VerificationCount,
			}
		}

		if jsonOutput {
			enc := json.NewEncoder(os.Stdout)
			enc.SetIndent("", "  ")
			return enc.Encode(rows)
		}

		if len(rows) == 0 {
			fmt.Println("No keys in the store. Use 'keymint key create' to create one.")
			return nil
		}

		fmt.Printf("%-24s %-26s %-10s %-10s\n", "CODE", "EXPIRES", "DEVICES", "VERIFIED")
		fmt.Printf("%-24s %-26s %-10s %-10s\n", "----", "-------", "-------", "--------")
		for _, k := range rows {
			fmt.Printf("%-24s %-26s %-10s %-10d\n", k.Code, k.ExpiresAt, k.Devices, k.Verified)
		}

		return nil
	})
}

// ---------- key info ----------

func newKeyInfoCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "info <code>",
		Short: "Show one key's full status",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return runKeyInfo(args[0])
		},
	}

	return cmd
}

func runKeyInfo(code string) error {
	return withManager(func(ctx context.Context, m *license.Manager) error {
		rec, err := m.Get(ctx, code)
		if err != nil {
			return err
		}

		fmt.Printf("Code:           %s\n", license.MaskCode(rec.Code))
		fmt.Printf("Created:        %s\n", rec.CreatedAt.Format(time.RFC3339))
		fmt.Printf("Expires:        %s\n", rec.ExpiresAt.Format(time.RFC3339))
		fmt.Printf("Devices:        %d/%d\n", len(rec.BoundDevices), rec.AllowedDevices)
		fmt.Printf("Verifications:  %d\n", rec.VerificationCount)
		if rec.LastVerifiedAt != nil {
			fmt.Printf("Last verified:  %s\n", rec.LastVerifiedAt.Format(time.RFC3339))
		}
		for _, d := range rec.BoundDevices {
			fmt.Printf("  device: %s\n", d)
		}
		return nil
	})
}

// ---------- key extend ----------

func newKeyExtendCmd() *cobra.Command {
	var (
		duration int
		unit     string
	)

	cmd := &cobra.Command{
		Use:   "extend <code>",
		Short: "Extend a key's expiry",
		Long:  "Add duration to a key's current expiry. Extension is additive from the old expiry, not from now.",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return runKeyExtend(args[0], duration, unit)
		},
	}

	cmd.Flags().IntVar(&duration, "duration", 0, "Extension duration value (required)")
	cmd.Flags().StringVar(&unit, "unit", "day", "Duration unit: hour, day, week, month")
	cmd.MarkFlagRequired("duration")

	return cmd
}

func runKeyExtend(code string, duration int, unit string) error {
	return withManager(func(ctx context.Context, m *license.Manager) error {
		newExpiry, err := m.ExtendExpiry(ctx, code, duration, license.Unit(unit))
		if err != nil {
			return err
		}
		fmt.Printf("New expiry: %s\n", newExpiry.Format(time.RFC3339))
		return nil
	})
}

// ---------- key reset-devices ----------

func newKeyResetDevicesCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "reset-devices <code>",
		Short: "Clear a key's bound devices",
		Long:  "Remove all device bindings from a key so new devices can attach. The verification count is kept.",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return runKeyResetDevices(args[0])
		},
	}

	return cmd
}

func runKeyResetDevices(code string) error {
	return withManager(func(ctx context.Context, m *license.Manager) error {
		if err := m.ResetDevices(ctx, code); err != nil {
			return err
		}
		fmt.Printf("Devices reset for key %s\n", license.MaskCode(license.NormalizeCode(code)))
		return nil
	})
}

// ---------- key delete ----------

func newKeyDeleteCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:     "delete <code>",
		Aliases: []string{"revoke"},
		Short:   "Delete a license key",
		Long:    "Hard-remove a key from the store. Verifications for the code fail immediately afterwards.",
		Args:    cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return runKeyDelete(args[0])
		},
	}

	return cmd
}

func runKeyDelete(code string) error {
	return withManager(func(ctx context.Context, m *license.Manager) error {
		if err := m.Delete(ctx, code); err != nil {
			return err
		}
		fmt.Printf("Deleted key %s\n", license.MaskCode(license.NormalizeCode(code)))
		return nil
	})
}
