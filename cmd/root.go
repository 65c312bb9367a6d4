package main

import (
	"log"
	"log/slog"
	"os"

	"github.com/spf13/cobra"

	"github.com/itiky/parcel-sync/bus"
	"github.com/itiky/parcel-sync/config"
	"github.com/itiky/parcel-sync/model"
	"github.com/itiky/parcel-sync/remote"
	"github.com/itiky/parcel-sync/service/commands"
)

const (
	FlagConfig = "config"
	FlagDbPath = "db-path"
	FlagUserId = "user-id"
	FlagRole   = "role"
)

// rootCmd is a base command.
var rootCmd = &cobra.Command{
	Use:   "parcel-sync",
	Short: "Live view synchronization engine for the parcel tracking screens",
}

// app holds the dependencies shared by the commands.
type app struct {
	cfg           *config.Config
	logger        *slog.Logger
	session       model.Session
	docs          *remote.SQLiteStore
	incidents     *remote.Collection[int, model.Incident]
	shipments     *remote.Collection[string, model.Shipment]
	notifications *remote.Collection[int, model.Notification]
	echoes        commands.Echoes
}

// openApp loads the config (flags override the file) and opens the document store.
func openApp(cmd *cobra.Command) *app {
	// Parse inputs
	cfgPath, err := cmd.Flags().GetString(FlagConfig)
	if err != nil {
		log.Fatalf("%s flag: %v", FlagConfig, err)
	}
	cfg, err := config.Load(cfgPath)
	if err != nil {
		log.Fatalf("config: %v", err)
	}
	if cmd.Flags().Changed(FlagDbPath) {
		if cfg.Database.Path, err = cmd.Flags().GetString(FlagDbPath); err != nil {
			log.Fatalf("%s flag: %v", FlagDbPath, err)
		}
	}
	if cmd.Flags().Changed(FlagUserId) {
		if cfg.Session.UserId, err = cmd.Flags().GetString(FlagUserId); err != nil {
			log.Fatalf("%s flag: %v", FlagUserId, err)
		}
	}
	if cmd.Flags().Changed(FlagRole) {
		if cfg.Session.Role, err = cmd.Flags().GetString(FlagRole); err != nil {
			log.Fatalf("%s flag: %v", FlagRole, err)
		}
	}
	if err := cfg.Validate(); err != nil {
		log.Fatalf("config: %v", err)
	}

	session, err := cfg.Session.Session()
	if err != nil {
		log.Fatalf("config: %v", err)
	}
	level, err := cfg.Log.SlogLevel()
	if err != nil {
		log.Fatalf("config: %v", err)
	}
	logger := slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: level}))

	// Init store
	docs, err := remote.OpenSQLiteStore(cfg.Database.Path, cfg.Database.PollInterval, logger)
	if err != nil {
		log.Fatalf("store init: %v", err)
	}

	a := &app{
		cfg:     cfg,
		logger:  logger,
		session: session,
		docs:    docs,
		echoes: commands.Echoes{
			Incidents:     bus.New[model.ChangeEvent[int, model.Incident]](logger),
			Shipments:     bus.New[model.ChangeEvent[string, model.Shipment]](logger),
			Notifications: bus.New[model.ChangeEvent[int, model.Notification]](logger),
		},
	}
	if a.incidents, err = remote.NewCollection(model.Incidents, docs, logger); err != nil {
		log.Fatalf("incidents collection: %v", err)
	}
	if a.shipments, err = remote.NewCollection(model.Shipments, docs, logger); err != nil {
		log.Fatalf("shipments collection: %v", err)
	}
	if a.notifications, err = remote.NewCollection(model.Notifications, docs, logger); err != nil {
		log.Fatalf("notifications collection: %v", err)
	}

	return a
}

// newCommands creates the command handlers service for the app session.
func (a *app) newCommands() *commands.Service {
	svc, err := commands.New(
		commands.Remotes{
			Incidents:     a.incidents,
			Shipments:     a.shipments,
			Notifications: a.notifications,
		},
		a.echoes,
		a.session,
		commands.WithLogger(a.logger),
		commands.WithMaxKeyAttempts(a.cfg.Engine.MaxKeyAttempts),
	)
	if err != nil {
		log.Fatalf("commands init: %v", err)
	}

	return svc
}

// close releases the app resources.
func (a *app) close() {
	if err := a.docs.Close(); err != nil {
		a.logger.Warn("store close", "error", err)
	}
}

func main() {
	rootCmd.PersistentFlags().String(FlagConfig, "", "(optional) YAML config file path (or "+config.EnvConfigPath+" env)")
	rootCmd.PersistentFlags().String(FlagDbPath, "", "(optional) SQLite database path override")
	rootCmd.PersistentFlags().String(FlagUserId, "", "(optional) session user id override")
	rootCmd.PersistentFlags().String(FlagRole, "", "(optional) session role override: admin, worker, user")

	if err := rootCmd.Execute(); err != nil {
		log.Fatalf("rootCmd.Execute: %v", err)
	}
}
