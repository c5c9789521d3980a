package cmd

import (
	"context"
	"database/sql"
	"fmt"

	"github.com/spf13/cobra"

	"github.com/kozaktomas/shelf-matcher/internal/database"
	"github.com/kozaktomas/shelf-matcher/internal/database/sqlstore"
)

var migrateCmd = &cobra.Command{
	Use:   "migrate",
	Short: "Apply pending database migrations",
	Long: `Connect to the configured database (DATABASE_DRIVER, DATABASE_URL), apply
pending schema migrations and list the applied versions.`,
	RunE: runMigrate,
}

func init() {
	rootCmd.AddCommand(migrateCmd)
}

func runMigrate(cmd *cobra.Command, args []string) error {
	cfg, err := loadConfig()
	if err != nil {
		return err
	}
	ctx := context.Background()

	fmt.Printf("Connecting to %s database...\n", cfg.Database.Driver)
	// opening a backend applies its pending migrations
	store, err := database.Open(ctx, &cfg.Database)
	if err != nil {
		return fmt.Errorf("open %s store: %w", cfg.Database.Driver, err)
	}
	defer store.Close()

	withDB, ok := store.(interface{ DB() *sql.DB })
	if !ok {
		fmt.Println("Migrations applied")
		return nil
	}
	versions, err := sqlstore.MigrationsApplied(ctx, withDB.DB())
	if err != nil {
		return err
	}
	fmt.Printf("Applied migrations (%d):\n", len(versions))
	for _, v := range versions {
		fmt.Printf("  %s\n", v)
	}
	return nil
}
