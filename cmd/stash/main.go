package main

import (
	"fmt"
	"os"
	"time"

	"github.com/spf13/cobra"

	"stash/internal/app"
	"stash/internal/config"
	"stash/internal/stash"
)

func main() {
	if err := rootCmd.Execute(); err != nil {
		os.Exit(1)
	}
}

// newApp reads the config and creates an App. The caller must defer a.Close().
// operation identifies the CLI command being run (e.g. "Backup", "Restore").
func newApp(operation string) (*app.App, error) {
	defaults, err := app.GetDefaults()
	if err != nil {
		return nil, fmt.Errorf("getting defaults: %w", err)
	}

	cfg, err := config.ReadFromFile(defaults["config_path"], defaults["base_dir"])
	if err != nil {
		return nil, fmt.Errorf("reading config: %w", err)
	}

	a, err := app.NewApp(cfg, profileFlag, operation)
	if err != nil {
		return nil, fmt.Errorf("initializing app: %w", err)
	}

	return a, nil
}

func parseDestination(s string) (stash.Destination, error) {
	if s == "" {
		return "", nil
	}
	return stash.ParseDestination(s)
}

func parseDestinations(in []string) ([]stash.Destination, error) {
	dests := make([]stash.Destination, 0, len(in))
	for _, s := range in {
		d, err := stash.ParseDestination(s)
		if err != nil {
			return nil, err
		}
		dests = append(dests, d)
	}
	return dests, nil
}

func printBackups(backups []*stash.Backup) {
	for _, b := range backups {
		date := time.Unix(b.BackupDate, 0).UTC().Format("2006-01-02 15:04:05")
		flags := ""
		if b.Encrypted() {
			flags = " [enc]"
		}
		fmt.Printf("%s  %-8s %10d  %s%s\n", date, b.Backend, b.Size, b.StoredFilename, flags)
	}
}

var profileFlag string

var rootCmd = &cobra.Command{
	Use:   "stash",
	Short: "Backup engine for S3, Glacier and S3-compatible storage",
}

var backupCmd = &cobra.Command{
	Use:   "backup PATH",
	Short: "Back up a file or directory",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		destFlag, _ := cmd.Flags().GetString("destination")
		tags, _ := cmd.Flags().GetStringSlice("tag")
		prompt, _ := cmd.Flags().GetBool("prompt")
		noCompress, _ := cmd.Flags().GetBool("no-compress")
		filename, _ := cmd.Flags().GetString("filename")
		excludeFile, _ := cmd.Flags().GetString("exclude-file")

		dest, err := parseDestination(destFlag)
		if err != nil {
			return err
		}

		a, err := newApp("Backup")
		if err != nil {
			return err
		}
		defer a.Close()

		b, err := a.Backup(args[0], stash.BackupOptions{
			Destination:    dest,
			Prompt:         prompt,
			Tags:           tags,
			NoCompress:     noCompress,
			CustomFilename: filename,
			ExcludeFile:    excludeFile,
		})
		if err != nil {
			return fmt.Errorf("backup failed: %w", err)
		}

		fmt.Printf("Backed up %s as %s (%d bytes)\n", args[0], b.StoredFilename, b.Size)
		return nil
	},
}

var restoreCmd = &cobra.Command{
	Use:   "restore NAME",
	Short: "Restore the most recent backup matching NAME",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		destFlag, _ := cmd.Flags().GetString("destination")
		jobCheck, _ := cmd.Flags().GetBool("job-check")
		dir, _ := cmd.Flags().GetString("dir")

		dest, err := parseDestination(destFlag)
		if err != nil {
			return err
		}

		a, err := newApp("Restore")
		if err != nil {
			return err
		}
		defer a.Close()

		res, err := a.Restore(args[0], stash.RestoreOptions{
			Destination: dest,
			Prompt:      true,
			JobCheck:    jobCheck,
			Dir:         dir,
		})
		if err != nil {
			return fmt.Errorf("restore failed: %w", err)
		}

		if res.Pending {
			fmt.Printf("Retrieval of %s is not ready yet; retry later.\n", res.Backup.StoredFilename)
			if res.Job != nil {
				fmt.Printf("Job %s: %s (created %s)\n", res.Job.ID, res.Job.StatusCode, res.Job.CreationDate)
			}
			return nil
		}

		fmt.Printf("Restored %s\n", res.Backup.StoredFilename)
		return nil
	},
}

var deleteCmd = &cobra.Command{
	Use:   "delete NAME",
	Short: "Delete the most recent backup matching NAME",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		destFlag, _ := cmd.Flags().GetString("destination")
		dest, err := parseDestination(destFlag)
		if err != nil {
			return err
		}

		a, err := newApp("Delete")
		if err != nil {
			return err
		}
		defer a.Close()

		b, err := a.Delete(args[0], dest)
		if err != nil {
			return fmt.Errorf("delete failed: %w", err)
		}

		fmt.Printf("Deleted %s\n", b.StoredFilename)
		return nil
	},
}

var showCmd = &cobra.Command{
	Use:   "show [QUERY]",
	Short: "List backups",
	Args:  cobra.MaximumNArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		destFlags, _ := cmd.Flags().GetStringSlice("destination")
		tags, _ := cmd.Flags().GetStringSlice("tag")

		dests, err := parseDestinations(destFlags)
		if err != nil {
			return err
		}

		query := ""
		if len(args) > 0 {
			query = args[0]
		}

		a, err := newApp("Show")
		if err != nil {
			return err
		}
		defer a.Close()

		backups, err := a.Show(query, dests, tags)
		if err != nil {
			return err
		}

		if len(backups) == 0 {
			fmt.Println("No backups found.")
			return nil
		}
		printBackups(backups)
		return nil
	},
}

var remoteListCmd = &cobra.Command{
	Use:   "remote-list",
	Short: "List raw remote object keys",
	RunE: func(cmd *cobra.Command, args []string) error {
		destFlag, _ := cmd.Flags().GetString("destination")
		dest, err := parseDestination(destFlag)
		if err != nil {
			return err
		}

		a, err := newApp("RemoteList")
		if err != nil {
			return err
		}
		defer a.Close()

		keys, err := a.RemoteList(dest)
		if err != nil {
			return err
		}

		if len(keys) == 0 {
			fmt.Println("No remote objects.")
			return nil
		}
		for _, key := range keys {
			fmt.Println(key)
		}
		return nil
	},
}

var deleteOlderThanCmd = &cobra.Command{
	Use:   "delete-older-than NAME INTERVAL",
	Short: "Delete backups matching NAME older than INTERVAL (e.g. 3M, 2D12h)",
	Args:  cobra.ExactArgs(2),
	RunE: func(cmd *cobra.Command, args []string) error {
		destFlag, _ := cmd.Flags().GetString("destination")
		dest, err := parseDestination(destFlag)
		if err != nil {
			return err
		}

		a, err := newApp("DeleteOlderThan")
		if err != nil {
			return err
		}
		defer a.Close()

		deleted, err := a.DeleteOlderThan(args[0], args[1], dest)
		if err != nil {
			return fmt.Errorf("delete-older-than failed: %w", err)
		}

		fmt.Printf("Deleted %d backup(s)\n", len(deleted))
		printBackups(deleted)
		return nil
	},
}

var rotateCmd = &cobra.Command{
	Use:   "rotate NAME",
	Short: "Prune backups matching NAME per the rotation configuration",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		destFlag, _ := cmd.Flags().GetString("destination")
		dest, err := parseDestination(destFlag)
		if err != nil {
			return err
		}

		a, err := newApp("Rotate")
		if err != nil {
			return err
		}
		defer a.Close()

		deleted, err := a.Rotate(args[0], dest)
		if err != nil {
			return fmt.Errorf("rotation failed: %w", err)
		}

		fmt.Printf("Rotated out %d backup(s)\n", len(deleted))
		printBackups(deleted)
		return nil
	},
}

var syncCmd = &cobra.Command{
	Use:   "sync",
	Short: "Synchronize metadata with the configured endpoint",
	RunE: func(cmd *cobra.Command, args []string) error {
		a, err := newApp("Sync")
		if err != nil {
			return err
		}
		defer a.Close()

		if err := a.Sync(); err != nil {
			return fmt.Errorf("sync failed: %w", err)
		}
		fmt.Println("Sync complete.")
		return nil
	},
}

var resetSyncCmd = &cobra.Command{
	Use:   "reset-sync",
	Short: "Rewind the sync watermark",
	RunE: func(cmd *cobra.Command, args []string) error {
		a, err := newApp("ResetSync")
		if err != nil {
			return err
		}
		defer a.Close()

		if err := a.ResetSync(); err != nil {
			return fmt.Errorf("reset-sync failed: %w", err)
		}
		fmt.Println("Sync watermark reset.")
		return nil
	},
}

// config command
var configCmd = &cobra.Command{
	Use:   "config",
	Short: "Manage configuration",
}

var configInitCmd = &cobra.Command{
	Use:   "init",
	Short: "Initialize configuration",
	RunE: func(cmd *cobra.Command, args []string) error {
		defaults, err := app.GetDefaults()
		if err != nil {
			return fmt.Errorf("failed to get defaults: %w", err)
		}

		if err := config.Init(defaults["config_path"]); err != nil {
			return fmt.Errorf("failed to initialize config: %w", err)
		}

		fmt.Printf("Configuration initialized at %s\n", defaults["config_path"])
		fmt.Printf("Base Dir: %s\n", defaults["base_dir"])
		return nil
	},
}

var configListCmd = &cobra.Command{
	Use:   "list",
	Short: "View configuration",
	RunE: func(cmd *cobra.Command, args []string) error {
		defaults, err := app.GetDefaults()
		if err != nil {
			return fmt.Errorf("failed to get defaults: %w", err)
		}

		cfg, err := config.ReadFromFile(defaults["config_path"], defaults["base_dir"])
		if err != nil {
			return fmt.Errorf("failed to read config: %w", err)
		}

		fmt.Printf("Configuration from %s:\n\n", defaults["config_path"])
		fmt.Printf("Base Dir: %s\n", cfg.BaseDir)
		fmt.Printf("Log Dir:  %s\n", cfg.LogDir)
		fmt.Printf("Database: %s (%s)\n", cfg.Database.Type, cfg.Database.DataDir)
		for name, p := range cfg.Profiles {
			fmt.Printf("\nProfile %s:\n", name)
			fmt.Printf("  Region:      %s\n", p.Region)
			fmt.Printf("  S3 Bucket:   %s\n", p.S3Bucket)
			fmt.Printf("  Vault:       %s\n", p.GlacierVault)
			if p.ObjectEndpoint != "" {
				fmt.Printf("  Object:      %s/%s\n", p.ObjectEndpoint, p.ObjectBucket)
			}
			fmt.Printf("  Default:     %s\n", p.DefaultDestination)
			if p.Rotation != nil {
				fmt.Printf("  Rotation:    %dd/%dw/%dm\n", p.Rotation.Days, p.Rotation.Weeks, p.Rotation.Months)
			}
			if p.Sync != nil {
				fmt.Printf("  Sync:        %s\n", p.Sync.URL)
			}
		}
		return nil
	},
}

func init() {
	rootCmd.PersistentFlags().StringVarP(&profileFlag, "profile", "p", "", "Configuration profile to use")

	backupCmd.Flags().StringP("destination", "d", "", "Destination (s3|glacier|object)")
	backupCmd.Flags().StringSliceP("tag", "t", nil, "Tags for the backup")
	backupCmd.Flags().Bool("prompt", false, "Prompt for an encryption password")
	backupCmd.Flags().Bool("no-compress", false, "Disable compression")
	backupCmd.Flags().String("filename", "", "Override the recorded logical filename")
	backupCmd.Flags().String("exclude-file", "", "Explicit ignore file")
	rootCmd.AddCommand(backupCmd)

	restoreCmd.Flags().StringP("destination", "d", "", "Destination (s3|glacier|object)")
	restoreCmd.Flags().Bool("job-check", false, "Report cold retrieval job status")
	restoreCmd.Flags().String("dir", "", "Directory to restore into")
	rootCmd.AddCommand(restoreCmd)

	deleteCmd.Flags().StringP("destination", "d", "", "Destination (s3|glacier|object)")
	rootCmd.AddCommand(deleteCmd)

	showCmd.Flags().StringSliceP("destination", "d", nil, "Destinations to list")
	showCmd.Flags().StringSliceP("tag", "t", nil, "Tags to filter by")
	rootCmd.AddCommand(showCmd)

	remoteListCmd.Flags().StringP("destination", "d", "", "Destination (s3|glacier|object)")
	rootCmd.AddCommand(remoteListCmd)

	deleteOlderThanCmd.Flags().StringP("destination", "d", "", "Destination (s3|glacier|object)")
	rootCmd.AddCommand(deleteOlderThanCmd)

	rotateCmd.Flags().StringP("destination", "d", "", "Destination (s3|glacier|object)")
	rootCmd.AddCommand(rotateCmd)

	rootCmd.AddCommand(syncCmd)
	rootCmd.AddCommand(resetSyncCmd)

	configCmd.AddCommand(configInitCmd)
	configCmd.AddCommand(configListCmd)
	rootCmd.AddCommand(configCmd)
}
