// securectl is the operator CLI for the data protection layer: device
// identity, encrypted record storage, the medical audit trail, and
// sealed backups.
package main

import (
	"context"
	"encoding/json"
	"fmt"
	"os"
	"time"

	"github.com/spf13/cobra"

	"github.com/StarboundEnt/MVP-sub001/internal/config"
	"github.com/StarboundEnt/MVP-sub001/internal/platform"
)

var configPath string

func main() {
	_ = platform.DisableCoreDumps()

	root := &cobra.Command{
		Use:           "securectl",
		Short:         "Manage the device's encrypted storage",
		SilenceUsage:  true,
		SilenceErrors: true,
	}
	root.PersistentFlags().StringVar(&configPath, "config", "", "path to YAML config file")

	root.AddCommand(
		identityCmd(),
		storeCmd(),
		retrieveCmd(),
		deleteCmd(),
		tokenCmd(),
		auditCmd(),
		backupCmd(),
		wipeCmd(),
	)

	if err := root.Execute(); err != nil {
		fmt.Fprintln(os.Stderr, "error:", err)
		os.Exit(1)
	}
}

// withApp builds the wired layer for one command invocation.
func withApp(fn func(ctx context.Context, app *config.App) error) error {
	cfg, err := config.Load(configPath)
	if err != nil {
		return err
	}
	app, err := config.Build(cfg)
	if err != nil {
		return err
	}
	defer app.Close()
	return fn(context.Background(), app)
}

func printJSON(v any) error {
	b, err := json.MarshalIndent(v, "", "  ")
	if err != nil {
		return err
	}
	fmt.Println(string(b))
	return nil
}

func identityCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "identity",
		Short: "Show the device key id and fingerprint",
		RunE: func(cmd *cobra.Command, args []string) error {
			return withApp(func(ctx context.Context, app *config.App) error {
				km, err := app.Keys.EnsureKeyMaterial(ctx)
				if err != nil {
					return err
				}
				return printJSON(km)
			})
		},
	}
}

func storeCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "store <category> <json>",
		Short: "Encrypt and store a JSON object under a category",
		Args:  cobra.ExactArgs(2),
		RunE: func(cmd *cobra.Command, args []string) error {
			var data map[string]any
			if err := json.Unmarshal([]byte(args[1]), &data); err != nil {
				return fmt.Errorf("payload must be a JSON object: %w", err)
			}
			return withApp(func(ctx context.Context, app *config.App) error {
				return app.Store.Store(ctx, args[0], data)
			})
		},
	}
}

func retrieveCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "retrieve <category>",
		Short: "Decrypt, verify, and print a category's record",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return withApp(func(ctx context.Context, app *config.App) error {
				data, err := app.Store.Retrieve(ctx, args[0])
				if err != nil {
					return err
				}
				return printJSON(data)
			})
		},
	}
}

func deleteCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "delete <category>",
		Short: "Remove a category's record",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return withApp(func(ctx context.Context, app *config.App) error {
				return app.Store.Delete(ctx, args[0])
			})
		},
	}
}

func tokenCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "token",
		Short: "Manage the device-bound auth token",
	}

	var expiresIn time.Duration
	set := &cobra.Command{
		Use:   "set <token>",
		Short: "Store an auth token bound to this device",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			var expiresAt *time.Time
			if expiresIn > 0 {
				t := time.Now().Add(expiresIn)
				expiresAt = &t
			}
			return withApp(func(ctx context.Context, app *config.App) error {
				return app.Store.StoreAuthToken(ctx, args[0], expiresAt)
			})
		},
	}
	set.Flags().DurationVar(&expiresIn, "expires-in", 0, "token lifetime (JWT exp claim used when omitted)")

	get := &cobra.Command{
		Use:   "get",
		Short: "Print the stored auth token if still valid",
		RunE: func(cmd *cobra.Command, args []string) error {
			return withApp(func(ctx context.Context, app *config.App) error {
				token, err := app.Store.RetrieveAuthToken(ctx)
				if err != nil {
					return err
				}
				fmt.Println(token)
				return nil
			})
		},
	}

	cmd.AddCommand(set, get)
	return cmd
}

func auditCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "audit",
		Short: "Inspect the medical access audit trail",
	}

	show := &cobra.Command{
		Use:   "show",
		Short: "Print the retained audit entries",
		RunE: func(cmd *cobra.Command, args []string) error {
			return withApp(func(ctx context.Context, app *config.App) error {
				entries, err := app.Store.AuditTrail(ctx)
				if err != nil {
					return err
				}
				return printJSON(entries)
			})
		},
	}

	verify := &cobra.Command{
		Use:   "verify",
		Short: "Re-verify the audit hash chain",
		RunE: func(cmd *cobra.Command, args []string) error {
			return withApp(func(ctx context.Context, app *config.App) error {
				if err := app.Store.VerifyAuditChain(ctx); err != nil {
					return err
				}
				fmt.Println("audit chain ok")
				return nil
			})
		},
	}

	cmd.AddCommand(show, verify)
	return cmd
}

func backupCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "backup",
		Short: "Export or import a sealed backup bundle",
	}

	export := &cobra.Command{
		Use:   "export <file>",
		Short: "Write a sealed backup of all records",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return withApp(func(ctx context.Context, app *config.App) error {
				bundle, err := app.Store.ExportBackup(ctx)
				if err != nil {
					return err
				}
				return os.WriteFile(args[0], bundle, 0o600)
			})
		},
	}

	restore := &cobra.Command{
		Use:   "import <file>",
		Short: "Restore records from a sealed backup",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			bundle, err := os.ReadFile(args[0])
			if err != nil {
				return err
			}
			return withApp(func(ctx context.Context, app *config.App) error {
				return app.Store.ImportBackup(ctx, bundle)
			})
		},
	}

	cmd.AddCommand(export, restore)
	return cmd
}

func wipeCmd() *cobra.Command {
	var yes bool
	cmd := &cobra.Command{
		Use:   "wipe",
		Short: "Delete every encrypted record and the audit trail",
		RunE: func(cmd *cobra.Command, args []string) error {
			if !yes {
				return fmt.Errorf("refusing to wipe without --yes")
			}
			return withApp(func(ctx context.Context, app *config.App) error {
				return app.Store.Wipe(ctx)
			})
		},
	}
	cmd.Flags().BoolVar(&yes, "yes", false, "confirm the wipe")
	return cmd
}
