package main

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"os/signal"
	"syscall"
	"time"
	_ "time/tzdata"

	"github.com/joho/godotenv"
	"github.com/spf13/cobra"

	"digestd/internal/app"
	"digestd/internal/digest"
	"digestd/pkg/systemd"
)

var (
	cfgPath string
	envFile string
)

var rootCmd = &cobra.Command{
	Use:           "digestd",
	Short:         "Adaptive digest scheduler for CRM activity emails",
	SilenceUsage:  true,
	SilenceErrors: true,
	PersistentPreRunE: func(cmd *cobra.Command, args []string) error {
		// Under systemd the unit's EnvironmentFile is the source of truth.
		if os.Getenv("INVOCATION_ID") != "" && !cmd.Flags().Changed("env-file") {
			return nil
		}
		if err := godotenv.Load(envFile); err != nil && !errors.Is(err, os.ErrNotExist) {
			return fmt.Errorf("load %s: %w", envFile, err)
		}
		return nil
	},
}

var serveCmd = &cobra.Command{
	Use:   "serve",
	Short: "Run the scheduler until SIGINT or SIGTERM",
	RunE: func(cmd *cobra.Command, args []string) error {
		ctx, cancel := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
		defer cancel()

		a, err := app.NewApp(cfgPath)
		if err != nil {
			return err
		}
		if err := a.Start(ctx); err != nil {
			_ = a.Stop(context.Background(), app.StopFatalError)
			return fmt.Errorf("start: %w", err)
		}
		_, _ = systemd.Ready()
		_, _ = systemd.Status("scheduling digests")

		reason := app.StopUnknown
		select {
		case <-ctx.Done():
			reason = app.StopSIGTERM
		case <-a.Done():
			reason = app.StopFatalError
		}

		stopCtx, stopCancel := context.WithTimeout(context.Background(), 40*time.Second)
		defer stopCancel()
		_ = a.Stop(stopCtx, reason)
		if reason == app.StopFatalError {
			if err := a.Err(); err != nil {
				return err
			}
		}
		return nil
	},
}

var triggerCadence string

var triggerCmd = &cobra.Command{
	Use:   "trigger <user-id>",
	Short: "Send one digest to a user now, bypassing the schedule",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		c, err := digest.ParseCadence(triggerCadence)
		if err != nil {
			return err
		}
		a, err := app.NewApp(cfgPath)
		if err != nil {
			return err
		}
		defer a.Stop(context.Background(), app.StopCommand)

		res, sendErr := a.TriggerOnce(cmd.Context(), args[0], c)
		if res.RunID != "" {
			enc := json.NewEncoder(cmd.OutOrStdout())
			enc.SetIndent("", "  ")
			if err := enc.Encode(res); err != nil {
				return err
			}
		}
		return sendErr
	},
}

var planCmd = &cobra.Command{
	Use:   "plan",
	Short: "Print how long the scheduler would sleep right now",
	Args:  cobra.NoArgs,
	RunE: func(cmd *cobra.Command, args []string) error {
		a, err := app.NewApp(cfgPath)
		if err != nil {
			return err
		}
		defer a.Stop(context.Background(), app.StopCommand)

		now := time.Now().UTC()
		d, n, err := a.Plan(cmd.Context(), now)
		if err != nil {
			return err
		}
		fmt.Fprintf(cmd.OutOrStdout(), "active users: %d\nnext pass in: %s (at %s)\n", n, d, now.Add(d).Format(time.RFC3339))
		return nil
	},
}

func init() {
	rootCmd.PersistentFlags().StringVar(&cfgPath, "config", "./digestd.yaml", "path to config file (yaml or json)")
	rootCmd.PersistentFlags().StringVar(&envFile, "env-file", ".env", "dotenv file loaded before the config")
	triggerCmd.Flags().StringVar(&triggerCadence, "cadence", string(digest.CadenceDaily), "daily, weekly or immediate")

	rootCmd.AddCommand(serveCmd, triggerCmd, planCmd)
}

func main() {
	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintln(os.Stderr, "fatal:", err)
		os.Exit(1)
	}
}
