// Command hashback-server serves the HTTP backup protocol over a
// pkg/session/localsession database, and administers that database's
// client list -- the Go counterpart to server/main.py's uvicorn runner
// and db_admin.py's create/add-client subcommands.
package main

import (
	"errors"
	"fmt"
	"log"
	"net/http"
	"os"

	"github.com/spf13/cobra"

	"github.com/couling/hashback/pkg/cmdmain"
	"github.com/couling/hashback/pkg/httpserver"
	"github.com/couling/hashback/pkg/jsonconfig"
	"github.com/couling/hashback/pkg/protocol"
	"github.com/couling/hashback/pkg/session/localsession"
	"github.com/couling/hashback/pkg/store/localdisk"

	"github.com/google/uuid"
)

// defaultPort matches http_protocol.py's DEFAULT_PORT (4649).
const defaultPort = 4649

// ServerConfig is the Go shape of server/config.py's Settings model.
// AuthType is parsed but, like the reference server's security module,
// only "basic" (no password check) is implemented -- see
// pkg/httpserver.BasicAuth's own doc comment.
type ServerConfig struct {
	DatabasePath     string
	SessionCacheSize int
	Port             int
	Host             string
	AuthType         string
}

func loadConfig(path string) (ServerConfig, error) {
	obj, err := jsonconfig.Load(path)
	if err != nil {
		return ServerConfig{}, err
	}
	cfg := ServerConfig{
		DatabasePath:     obj.RequiredString("database_path"),
		SessionCacheSize: obj.OptionalInt("session_cache_size", 128),
		Port:             obj.OptionalInt("port", defaultPort),
		Host:             obj.OptionalString("host", "localhost"),
		AuthType:         obj.OptionalString("auth_type", "basic"),
	}
	if err := obj.Validate(); err != nil {
		return ServerConfig{}, err
	}
	return cfg, nil
}

func main() {
	if err := rootCmd().Execute(); err != nil {
		var usage cmdmain.UsageError
		if errors.As(err, &usage) {
			cmdmain.Fatalf("%s", usage.Error())
		}
		cmdmain.Fatalf("%v", err)
	}
}

func rootCmd() *cobra.Command {
	var databasePath, settingsPath string

	root := &cobra.Command{
		Use:   "hashback-server",
		Short: "Serves (and administers) a hashback backup database over HTTP",
	}
	root.PersistentFlags().StringVar(&databasePath, "database", os.Getenv("BACKUP_DATABASE"), "backup database directory (admin subcommands)")
	root.PersistentFlags().StringVar(&settingsPath, "settings", "./settings.json", "server settings file (serve subcommand)")

	root.AddCommand(serveCmd(&settingsPath), adminCmd(&databasePath))
	return root
}

func serveCmd(settingsPath *string) *cobra.Command {
	var host string
	var port int

	cmd := &cobra.Command{
		Use:   "serve",
		Short: "Serve the HTTP backup protocol",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := loadConfig(*settingsPath)
			if err != nil {
				return fmt.Errorf("loading %s: %w", *settingsPath, err)
			}
			if cmd.Flags().Changed("host") {
				cfg.Host = host
			}
			if cmd.Flags().Changed("port") {
				cfg.Port = port
			}

			blobStore, err := localdisk.New(cfg.DatabasePath, localdisk.DefaultConfig)
			if err != nil {
				return err
			}
			db, err := localsession.Open(cfg.DatabasePath, blobStore)
			if err != nil {
				return err
			}

			logger := log.New(cmdmain.Stderr, "hashback-server: ", log.LstdFlags)
			version := "1.0"
			srv := httpserver.NewServer(httpserver.BasicAuth(db), httpserver.ServerVersion{ServerVersion: &version}, logger)

			addr := fmt.Sprintf("%s:%d", cfg.Host, cfg.Port)
			logger.Printf("listening on %s (database %s)", addr, cfg.DatabasePath)
			return http.ListenAndServe(addr, srv)
		},
	}
	cmd.Flags().StringVar(&host, "host", "localhost", "listen host (overrides settings file)")
	cmd.Flags().IntVar(&port, "port", defaultPort, "listen port (overrides settings file)")
	return cmd
}

func adminCmd(databasePath *string) *cobra.Command {
	admin := &cobra.Command{
		Use:   "admin",
		Short: "Manage clients registered in a backup database",
	}

	var splitCount int
	initCmd := &cobra.Command{
		Use:   "init",
		Short: "Create a fresh, empty backup database directory",
		RunE: func(cmd *cobra.Command, args []string) error {
			if *databasePath == "" {
				return cmdmain.UsageError("--database (or BACKUP_DATABASE) is required")
			}
			if err := os.MkdirAll(*databasePath, 0o755); err != nil {
				return err
			}
			if err := localsession.Init(*databasePath); err != nil {
				return err
			}
			config := localdisk.Config{SplitCount: splitCount, SplitSize: localdisk.DefaultConfig.SplitSize}
			if _, err := localdisk.New(*databasePath, config); err != nil {
				return err
			}
			fmt.Fprintf(cmdmain.Stdout, "initialized database at %s\n", *databasePath)
			return nil
		},
	}
	initCmd.Flags().IntVar(&splitCount, "store-split-count", localdisk.DefaultConfig.SplitCount, "number of hex-character shards in the object store's directory layout")
	admin.AddCommand(initCmd)

	admin.AddCommand(&cobra.Command{
		Use:   "create-client NAME",
		Short: "Register a new client and print its generated ID",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			db, err := openAdminDatabase(*databasePath)
			if err != nil {
				return err
			}
			sess, err := db.CreateClient(cmd.Context(), protocol.ClientConfiguration{
				ClientName:        args[0],
				ClientID:          uuid.New(),
				BackupGranularity: protocol.GranularityDay,
				BackupDirectories: map[string]protocol.BackupDirectory{},
			})
			if err != nil {
				return err
			}
			fmt.Fprintf(cmdmain.Stdout, "created client %q with id %s\n", args[0], sess.ClientConfig().ClientID)
			return nil
		},
	})

	admin.AddCommand(&cobra.Command{
		Use:   "list-clients",
		Short: "List every client registered in the database",
		RunE: func(cmd *cobra.Command, args []string) error {
			db, err := openAdminDatabase(*databasePath)
			if err != nil {
				return err
			}
			names, err := db.ListClients(cmd.Context())
			if err != nil {
				return err
			}
			for _, name := range names {
				fmt.Fprintln(cmdmain.Stdout, name)
			}
			return nil
		},
	})

	return admin
}

func openAdminDatabase(databasePath string) (*localsession.Database, error) {
	if databasePath == "" {
		return nil, cmdmain.UsageError("--database (or BACKUP_DATABASE) is required")
	}
	blobStore, err := localdisk.New(databasePath, localdisk.DefaultConfig)
	if err != nil {
		return nil, err
	}
	return localsession.Open(databasePath, blobStore)
}
