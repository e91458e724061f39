package migrate

import (
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/golang-migrate/migrate/v4"
	_ "github.com/golang-migrate/migrate/v4/source/file"
	"github.com/spf13/cobra"

	"github.com/kartware/kartlive/log"
	"github.com/kartware/kartlive/pkg/config"
	dbmigrate "github.com/kartware/kartlive/pkg/db/migrate"
	"github.com/kartware/kartlive/pkg/utils"
)

func NewMigrateCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "migrate",
		Short: "performs database migration",
		RunE: func(cmd *cobra.Command, args []string) error {
			return startMigration()
		},
	}

	cmd.Flags().StringVarP(&config.MigrationSourceURL,
		"migrationSourceUrl",
		"m",
		"embedded",
		"url to migration files (default: migrations shipped with the binary)")

	return cmd
}

func startMigration() error {
	// wait for database
	timeout, err := time.ParseDuration(config.WaitForServices)
	if err != nil {
		log.Warn("Invalid duration value. Setting default 60s", log.ErrorField(err))
		timeout = 60 * time.Second
	}
	postgresAddr := utils.ExtractFromDBURL(config.DB)
	if err = utils.WaitForTCP(postgresAddr, timeout); err != nil {
		log.Fatal("database not ready", log.ErrorField(err))
	}

	dbURL := prepareURLForDB(config.DB)
	if config.MigrationSourceURL == "embedded" {
		log.Info("Using embedded migrations")
		err = dbmigrate.MigrateDb(dbURL)
	} else {
		log.Info("Using migrations files at",
			log.String("source", config.MigrationSourceURL))
		var m *migrate.Migrate
		m, err = migrate.New(config.MigrationSourceURL,
			strings.Replace(dbURL, "postgresql://", "pgx5://", 1))
		if err != nil {
			log.Fatal("Could not create migration", log.ErrorField(err))
		}
		err = m.Up()
	}
	if errors.Is(err, migrate.ErrNoChange) {
		log.Info("No Migration required")
		return nil
	}
	return err
}

func prepareURLForDB(url string) string {
	options := "sslmode=disable"
	if strings.Contains(url, options) {
		return url
	}
	if strings.Contains(url, "?") {
		return fmt.Sprintf("%s&%s", url, options)
	}
	return fmt.Sprintf("%s?%s", url, options)
}
