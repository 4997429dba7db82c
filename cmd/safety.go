package main

import (
	"context"
	"errors"
	"fmt"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/fatih/color"
	"github.com/spf13/cobra"

	"github.com/matthewgaim/homebot/internal/bot"
	"github.com/matthewgaim/homebot/internal/safety"
)

var updateTimeout time.Duration

var safetyCheckCmd = &cobra.Command{
	Use:   "safety-check",
	Short: "Count this boot and roll back if the previous ones kept failing",
	Long: `Safety-check performs only the boot accounting done at the start of run.
Launcher scripts that call it should start the bot with "run --skip-safety-check"
so the boot is not counted twice. Exits with code 3 after a rollback.`,
	RunE: func(cmd *cobra.Command, args []string) error {
		d, err := guard.Check(cmd.Context(), bot.Version)
		if errors.Is(err, safety.ErrRestartRequired) {
			fmt.Printf("%s restored %s after %d failed boots\n", color.YellowString("Rolled back:"), d.Target, d.Crashes-1)
			return errRestart
		}
		if err != nil {
			return err
		}
		fmt.Printf("%s boot %d of %d allowed without becoming healthy\n", color.GreenString("OK:"), d.Crashes, cfg.MaxCrashes)
		return nil
	},
}

var backupCmd = &cobra.Command{
	Use:   "backup",
	Short: "Snapshot the application directory",
	Args:  cobra.NoArgs,
	RunE: func(cmd *cobra.Command, args []string) error {
		b, err := guard.Backups().Create(bot.Version)
		if err != nil {
			return err
		}
		fmt.Printf("%s %s (%d files, %d bytes)\n", color.GreenString("Created"), b.Name, b.Files, b.Bytes)
		return nil
	},
}

var rollbackCmd = &cobra.Command{
	Use:   "rollback [backup]",
	Short: "Restore the newest backup, or the named one",
	Args:  cobra.MaximumNArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		backups := guard.Backups()
		var (
			target safety.Backup
			err    error
		)
		if len(args) == 1 {
			target, err = backups.Get(args[0])
		} else {
			target, err = backups.Latest()
		}
		if err != nil {
			return err
		}
		if err := guard.Rollback(target.Name, "manual rollback from the command line"); err != nil {
			return err
		}
		fmt.Printf("%s %s (version %s)\n", color.GreenString("Restored"), target.Name, target.Version)
		return errRestart
	},
}

var updateCmd = &cobra.Command{
	Use:   "update",
	Short: "Back up, run UPDATE_COMMAND and mark the update as pending",
	Args:  cobra.NoArgs,
	RunE: func(cmd *cobra.Command, args []string) error {
		ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
		defer stop()
		ctx, cancel := context.WithTimeout(ctx, updateTimeout)
		defer cancel()

		upd, err := safety.NewUpdater(guard, cfg.UpdateCommand, cfg.AppDir, logger.Named("safety")).Apply(ctx, bot.Version)
		if err != nil {
			return err
		}
		fmt.Printf("%s in %s, backup %s kept until the next healthy boot\n",
			color.GreenString("Updated"), upd.Duration.Round(time.Millisecond), upd.Backup)
		return errRestart
	},
}

var statusCmd = &cobra.Command{
	Use:   "status",
	Short: "Show crash accounting and available backups",
	Args:  cobra.NoArgs,
	RunE: func(cmd *cobra.Command, args []string) error {
		st, err := guard.State()
		if err != nil {
			return err
		}
		list, err := guard.Backups().List()
		if err != nil {
			return err
		}

		fmt.Printf("Version:             %s\n", orDash(st.Version))
		fmt.Printf("Boots:               %d\n", st.Boots)
		crashes := fmt.Sprintf("%d/%d", st.ConsecutiveCrashes, cfg.MaxCrashes)
		if st.ConsecutiveCrashes > 1 {
			crashes = color.YellowString(crashes)
		}
		fmt.Printf("Consecutive crashes: %s\n", crashes)
		fmt.Printf("Last healthy:        %s\n", formatTime(st.LastHealthy))
		if st.PendingUpdate != nil {
			fmt.Printf("Pending update:      %s from %s\n", color.YellowString(st.PendingUpdate.Backup), st.PendingUpdate.FromVersion)
		}
		if st.LastRollback != nil {
			fmt.Printf("Last rollback:       %s at %s (%s)\n", st.LastRollback.Backup, st.LastRollback.At.Format(time.RFC3339), st.LastRollback.Reason)
		}

		fmt.Printf("\nBackups in %s:\n", guard.Backups().Dir())
		if len(list) == 0 {
			fmt.Println("  none")
		}
		for _, b := range list {
			fmt.Printf("  %s  %s  %d files\n", b.Name, b.CreatedAt.Local().Format("2006-01-02 15:04"), b.Files)
		}
		return nil
	},
}

func orDash(s string) string {
	if s == "" {
		return "-"
	}
	return s
}

func formatTime(t *time.Time) string {
	if t == nil {
		return "never"
	}
	return t.Local().Format(time.RFC3339)
}

func init() {
	updateCmd.Flags().DurationVar(&updateTimeout, "timeout", 10*time.Minute, "maximum time UPDATE_COMMAND may run")
	rootCmd.AddCommand(safetyCheckCmd, backupCmd, rollbackCmd, updateCmd, statusCmd)
}
