package main

import (
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"os/signal"
	"syscall"
	"text/tabwriter"
	"time"

	"github.com/coreos/go-systemd/v22/daemon"
	"github.com/spf13/cobra"

	"guestcast/internal/app"
	"guestcast/internal/config"
	"guestcast/internal/stats"
	logx "guestcast/pkg/logx"
)

func main() {
	var cfgPath string

	rootCmd := &cobra.Command{
		Use:           "guestcast",
		Short:         "Event photo fan-out bot",
		Long:          "guestcast forwards every photo the event photographer sends to all registered guests.",
		SilenceUsage:  true,
		SilenceErrors: true,
	}
	rootCmd.PersistentFlags().StringVarP(&cfgPath, "config", "c", "./config.yaml", "path to config (json or yaml)")

	runCmd := &cobra.Command{
		Use:   "run",
		Short: "Start the bot",
		RunE: func(cmd *cobra.Command, args []string) error {
			return run(cfgPath)
		},
	}
	rootCmd.AddCommand(runCmd)
	// Bare "guestcast" runs the bot.
	rootCmd.RunE = runCmd.RunE

	rootCmd.AddCommand(&cobra.Command{
		Use:   "guests",
		Short: "Print registered guests",
		RunE: func(cmd *cobra.Command, args []string) error {
			return inspect(cmd.Context(), cfgPath, func(s stats.Summary) {
				printGuests(cmd.OutOrStdout(), s)
			})
		},
	})
	rootCmd.AddCommand(&cobra.Command{
		Use:   "stats",
		Short: "Print event statistics",
		RunE: func(cmd *cobra.Command, args []string) error {
			return inspect(cmd.Context(), cfgPath, func(s stats.Summary) {
				printStats(cmd.OutOrStdout(), s)
			})
		},
	})

	if err := rootCmd.ExecuteContext(context.Background()); err != nil {
		fmt.Fprintln(os.Stderr, "fatal:", err)
		os.Exit(1)
	}
}

func run(cfgPath string) error {
	ctx, cancel := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer cancel()

	a, err := app.New(cfgPath)
	if err != nil {
		if errors.Is(err, config.ErrConfig) {
			return fmt.Errorf("config: %w", err)
		}
		return err
	}
	if err := a.Start(ctx); err != nil {
		_ = a.Stop(context.Background(), app.StopFatalError)
		return fmt.Errorf("start: %w", err)
	}
	_, _ = daemon.SdNotify(false, daemon.SdNotifyReady)

	reason := app.StopSignal
	select {
	case <-ctx.Done():
	case <-a.Done():
		reason = app.StopFatalError
	}

	_, _ = daemon.SdNotify(false, daemon.SdNotifyStopping)
	stopCtx, stopCancel := context.WithTimeout(context.Background(), 15*time.Second)
	defer stopCancel()
	_ = a.Stop(stopCtx, reason)

	if reason == app.StopFatalError {
		return a.Err()
	}
	return nil
}

func inspect(ctx context.Context, cfgPath string, show func(stats.Summary)) error {
	st, _, err := app.OpenStore(cfgPath, logx.NewConsole("warn"))
	if err != nil {
		return err
	}
	defer st.Close()

	sum, err := stats.New(st.Registry(), st.Audit()).Compute(ctx)
	if err != nil {
		return err
	}
	show(sum)
	return nil
}

func printGuests(w io.Writer, s stats.Summary) {
	if len(s.Guests) == 0 {
		fmt.Fprintln(w, "no guests registered")
		return
	}
	tw := tabwriter.NewWriter(w, 0, 4, 2, ' ', 0)
	fmt.Fprintln(tw, "ID\tNAME\tUSERNAME\tDELIVERED")
	for _, g := range s.Guests {
		user := "-"
		if g.Username != "" {
			user = "@" + g.Username
		}
		fmt.Fprintf(tw, "%d\t%s\t%s\t%d\n", g.ID, g.Name, user, g.Delivered)
	}
	_ = tw.Flush()
}

func printStats(w io.Writer, s stats.Summary) {
	fmt.Fprintf(w, "registered guests:  %d\n", s.RegisteredCount)
	fmt.Fprintf(w, "photos shared:      %d\n", s.TotalDistributed)
	fmt.Fprintf(w, "photos delivered:   %d\n", s.TotalDelivered)
	fmt.Fprintf(w, "average per guest:  %.1f\n", s.Average)
}
