// Command hashback is the backup client: it resolves a server session
// from a "file://" or "http(s)://" database URL, then drives a backup
// or restore against it, grounded on cmdline.py's click group and
// select_database dispatch.
package main

import (
	"context"
	"errors"
	"fmt"
	"net/url"
	"os"
	"time"

	"github.com/spf13/cobra"

	"github.com/couling/hashback/pkg/backupctl"
	"github.com/couling/hashback/pkg/client"
	"github.com/couling/hashback/pkg/cmdmain"
	"github.com/couling/hashback/pkg/explorer"
	"github.com/couling/hashback/pkg/explorer/localfs"
	"github.com/couling/hashback/pkg/protocol"
	"github.com/couling/hashback/pkg/restorectl"
	"github.com/couling/hashback/pkg/session"
	"github.com/couling/hashback/pkg/session/localsession"
	"github.com/couling/hashback/pkg/store/localdisk"
)

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
	var databaseURL string

	root := &cobra.Command{
		Use:   "hashback",
		Short: "A deduplicated, content-addressed backup client",
	}
	root.PersistentFlags().StringVar(&databaseURL, "database", os.Getenv("BACKUP_DATABASE"), "backup database URL (file path, or http(s)://client@host)")

	root.AddCommand(backupCmd(&databaseURL), restoreCmd(&databaseURL), listBackupsCmd(&databaseURL), describeCmd(&databaseURL))
	return root
}

// selectSession opens databaseURL the way select_database does: a bare
// path or "file://" URL opens pkg/session/localsession directly
// (username selects the client within that database), "http(s)://"
// logs in over pkg/client.
func selectSession(ctx context.Context, databaseURL string) (session.ServerSession, error) {
	if databaseURL == "" {
		return nil, cmdmain.UsageError("--database (or BACKUP_DATABASE) is required")
	}
	u, err := url.Parse(databaseURL)
	if err != nil {
		return nil, fmt.Errorf("invalid --database %q: %w", databaseURL, err)
	}
	switch u.Scheme {
	case "", "file":
		path := u.Path
		if path == "" {
			path = databaseURL
		}
		blobStore, err := localdisk.New(path, localdisk.DefaultConfig)
		if err != nil {
			return nil, err
		}
		db, err := localsession.Open(path, blobStore)
		if err != nil {
			return nil, err
		}
		return db.OpenClientSession(ctx, u.User.Username())
	case "http", "https":
		password, _ := u.User.Password()
		c := client.New(client.Config{
			BaseURL:  (&url.URL{Scheme: u.Scheme, Host: u.Host, Path: u.Path}).String(),
			Username: u.User.Username(),
			Password: password,
		})
		return c.Login(ctx)
	default:
		return nil, fmt.Errorf("unsupported database scheme %q", u.Scheme)
	}
}

func backupCmd(databaseURL *string) *cobra.Command {
	var timestamp, description string
	var overwrite bool

	cmd := &cobra.Command{
		Use:   "backup",
		Short: "Start a backup and upload every configured root",
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx := cmd.Context()
			sess, err := selectSession(ctx, *databaseURL)
			if err != nil {
				return err
			}
			backupDate := time.Now()
			if timestamp != "" {
				backupDate, err = parseBackupTimestamp(timestamp)
				if err != nil {
					return cmdmain.UsageError(err.Error())
				}
			}
			var descPtr *string
			if description != "" {
				descPtr = &description
			}
			bs, err := sess.StartBackup(ctx, backupDate, overwrite, descPtr)
			if errors.Is(err, protocol.DuplicateBackupError) {
				return fmt.Errorf("duplicate backup: %w", err)
			}
			if err != nil {
				return err
			}

			controller := backupctl.NewController(sess, bs, func(dir protocol.BackupDirectory) (explorer.Explorer, error) {
				return localfs.New(dir.BasePath, dir.Filters, localfs.NewInodeCache(), nil), nil
			})
			if err := controller.BackupAll(ctx, sess.ClientConfig().BackupDirectories); err != nil {
				cmdmain.Errorf("warning: discarding session after error: %v\n", err)
				_ = bs.Discard(ctx)
				return err
			}
			backup, err := bs.Complete(ctx)
			if err != nil {
				return err
			}
			fmt.Fprintf(cmdmain.Stdout, "backup complete: %s\n", backup.BackupDate.Format(time.RFC3339))
			return nil
		},
	}
	cmd.Flags().StringVar(&timestamp, "timestamp", "", "backup date (YYYY-MM-DD or YYYY-MM-DD HH:MM:SS); default now")
	cmd.Flags().StringVar(&description, "description", "", "free-text description stored with the backup")
	cmd.Flags().BoolVar(&overwrite, "overwrite", false, "allow replacing an existing backup for the same date")
	return cmd
}

func restoreCmd(databaseURL *string) *cobra.Command {
	var timestamp, target, subpath, root string
	var clobber bool

	cmd := &cobra.Command{
		Use:   "restore",
		Short: "Restore a completed backup (or one subtree of it) to a local directory",
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx := cmd.Context()
			sess, err := selectSession(ctx, *databaseURL)
			if err != nil {
				return err
			}
			var datePtr *time.Time
			if timestamp != "" {
				date, err := parseBackupTimestamp(timestamp)
				if err != nil {
					return cmdmain.UsageError(err.Error())
				}
				datePtr = &date
			}
			backup, err := sess.GetBackup(ctx, datePtr)
			if err != nil {
				return err
			}

			controller := restorectl.NewController(sess, func(path string) (explorer.Explorer, error) {
				return localfs.New(path, nil, localfs.NewInodeCache(), nil), nil
			})
			controller.Clobber = clobber

			if root != "" {
				inode, ok := backup.Roots[root]
				if !ok {
					return fmt.Errorf("backup has no root named %q", root)
				}
				if target == "" {
					return cmdmain.UsageError("--target is required with --root")
				}
				return controller.PartialRestore(ctx, inode, subpath, target)
			}
			return controller.FullRestore(ctx, backup, func(rootName string) string {
				if target != "" {
					return target
				}
				if dir, ok := sess.ClientConfig().BackupDirectories[rootName]; ok {
					return dir.BasePath
				}
				return ""
			})
		},
	}
	cmd.Flags().StringVar(&timestamp, "timestamp", "", "backup date to restore; default latest")
	cmd.Flags().StringVar(&target, "target", "", "local directory to restore into (default: the root's configured base path)")
	cmd.Flags().StringVar(&root, "root", "", "restore only this named root (enables --subpath)")
	cmd.Flags().StringVar(&subpath, "subpath", "", "descend into this path within --root before restoring")
	cmd.Flags().BoolVar(&clobber, "clobber", false, "overwrite existing files at the target")
	return cmd
}

func listBackupsCmd(databaseURL *string) *cobra.Command {
	return &cobra.Command{
		Use:   "list-backups",
		Short: "List every completed backup for this client",
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx := cmd.Context()
			sess, err := selectSession(ctx, *databaseURL)
			if err != nil {
				return err
			}
			backups, err := sess.ListBackups(ctx)
			if err != nil {
				return err
			}
			for _, b := range backups {
				desc := ""
				if b.Description != nil {
					desc = " - " + *b.Description
				}
				fmt.Fprintf(cmdmain.Stdout, "%s%s\n", b.BackupDate.Format(time.RFC3339), desc)
			}
			return nil
		},
	}
}

func describeCmd(databaseURL *string) *cobra.Command {
	var timestamp string
	cmd := &cobra.Command{
		Use:   "describe",
		Short: "Print one backup's roots and metadata",
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx := cmd.Context()
			sess, err := selectSession(ctx, *databaseURL)
			if err != nil {
				return err
			}
			var datePtr *time.Time
			if timestamp != "" {
				date, err := parseBackupTimestamp(timestamp)
				if err != nil {
					return cmdmain.UsageError(err.Error())
				}
				datePtr = &date
			}
			backup, err := sess.GetBackup(ctx, datePtr)
			if err != nil {
				return err
			}
			fmt.Fprintf(cmdmain.Stdout, "client:    %s\n", backup.ClientName)
			fmt.Fprintf(cmdmain.Stdout, "date:      %s\n", backup.BackupDate.Format(time.RFC3339))
			fmt.Fprintf(cmdmain.Stdout, "started:   %s\n", backup.Started.Format(time.RFC3339))
			fmt.Fprintf(cmdmain.Stdout, "completed: %s\n", backup.Completed.Format(time.RFC3339))
			if backup.Description != nil {
				fmt.Fprintf(cmdmain.Stdout, "description: %s\n", *backup.Description)
			}
			for name, inode := range backup.Roots {
				fmt.Fprintf(cmdmain.Stdout, "root %q: %s (%d bytes)\n", name, inode.Type, inode.Size)
			}
			return nil
		},
	}
	cmd.Flags().StringVar(&timestamp, "timestamp", "", "backup date to describe; default latest")
	return cmd
}

// parseBackupTimestamp accepts the same handful of shapes cmdline.py's
// click.DateTime formats list does.
func parseBackupTimestamp(raw string) (time.Time, error) {
	for _, layout := range []string{"2006-01-02", "2006-01-02 15:04:05", "2006-01-02 15:04:05.999999"} {
		if t, err := time.Parse(layout, raw); err == nil {
			return t, nil
		}
	}
	return time.Time{}, fmt.Errorf("invalid timestamp %q", raw)
}
