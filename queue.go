package main

import (
	"encoding/json"
	"fmt"
	"text/tabwriter"

	"github.com/spf13/cobra"

	"quake-sentinel/storage"
)

func newQueueCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "queue",
		Short: "Inspect or clear the undelivered event queue",
	}

	var asJSON bool
	inspect := &cobra.Command{
		Use:   "inspect",
		Short: "List queued events",
		RunE: func(cmd *cobra.Command, args []string) error {
			queue, err := openQueue()
			if err != nil {
				return err
			}
			entries := queue.Entries()
			if asJSON {
				enc := json.NewEncoder(cmd.OutOrStdout())
				enc.SetIndent("", "  ")
				return enc.Encode(entries)
			}
			tw := tabwriter.NewWriter(cmd.OutOrStdout(), 0, 4, 2, ' ', 0)
			fmt.Fprintln(tw, "EVENT\tDEVICE\tLEVEL\tMAG\tPGA(g)\tDURATION\tSENT")
			for _, e := range entries {
				fmt.Fprintf(tw, "%s\t%s\t%s\t%.1f\t%.3f\t%s\t%t\n",
					e.Event.ID, e.DeviceID, e.Event.AlertLevel, e.Event.Magnitude,
					e.Event.PGA, e.Event.DurationValue(), e.Sent)
			}
			fmt.Fprintf(tw, "\n%d queued, %d unsent, capacity %d\n", queue.Size(), queue.UnsentCount(), queue.MaxSize())
			return tw.Flush()
		},
	}
	inspect.Flags().BoolVar(&asJSON, "json", false, "print the raw records")

	var sentOnly bool
	clearCmd := &cobra.Command{
		Use:   "clear",
		Short: "Drop queued events",
		RunE: func(cmd *cobra.Command, args []string) error {
			queue, err := openQueue()
			if err != nil {
				return err
			}
			before := queue.Size()
			if sentOnly {
				err = queue.ClearSentEvents()
			} else {
				err = queue.ClearAll()
			}
			if err != nil {
				return err
			}
			fmt.Fprintf(cmd.OutOrStdout(), "removed %d events\n", before-queue.Size())
			return nil
		},
	}
	clearCmd.Flags().BoolVar(&sentOnly, "sent-only", false, "only drop events already delivered")

	cmd.AddCommand(inspect, clearCmd)
	return cmd
}

func openQueue() (*storage.EventQueue, error) {
	cfg, logger, err := loadConfig()
	if err != nil {
		return nil, err
	}
	queue := storage.NewEventQueue(
		storage.NewFileStore(cfg.Queue.Path),
		append(cfg.QueueOptions(), storage.WithLogger(logger))...,
	)
	if err := queue.Init(); err != nil {
		logger.Warn("queue loaded with errors", "path", cfg.Queue.Path, "error", err)
	}
	return queue, nil
}

func newEventsCmd() *cobra.Command {
	var limit int
	cmd := &cobra.Command{
		Use:   "events",
		Short: "Show the confirmed event history",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, _, err := loadConfig()
			if err != nil {
				return err
			}
			records, err := storage.ReadEventLog(cfg.Queue.EventLogPath)
			if err != nil {
				return err
			}
			if limit > 0 && len(records) > limit {
				records = records[len(records)-limit:]
			}
			if len(records) == 0 {
				fmt.Fprintln(cmd.OutOrStdout(), "no events recorded")
				return nil
			}
			tw := tabwriter.NewWriter(cmd.OutOrStdout(), 0, 4, 2, ' ', 0)
			fmt.Fprintln(tw, "LOGGED\tEVENT\tLEVEL\tMAG\tPGA(g)\tPGV(cm/s)\tCAV(g·s)\tDURATION")
			for _, r := range records {
				ev := r.Event
				fmt.Fprintf(tw, "%s\t%s\t%s\t%.1f\t%.3f\t%.2f\t%.3f\t%s\n",
					r.LoggedAt.Local().Format("2006-01-02 15:04:05"), ev.ID, ev.AlertLevel,
					ev.Magnitude, ev.PGA, ev.PGV, ev.CAV, ev.DurationValue())
			}
			return tw.Flush()
		},
	}
	cmd.Flags().IntVarP(&limit, "limit", "n", 20, "show the newest n events (0 for all)")
	return cmd
}
