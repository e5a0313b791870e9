package main

import (
	"fmt"
	"os"

	"github.com/dustin/go-humanize"
	"github.com/spf13/cobra"

	"github.com/sigreer/nicbind/internal/db"
	"github.com/sigreer/nicbind/internal/device"
	"github.com/sigreer/nicbind/internal/identify"
)

var historyOutput = newOutputFlag("table", "json")

var historyCmd = &cobra.Command{
	Use:   "history",
	Short: "Show recent bind and unbind events",
	Args:  cobra.NoArgs,
	RunE:  runHistory,
}

func init() {
	historyCmd.Flags().IntP("limit", "n", 20, "number of events to show")
	historyCmd.Flags().String("address", "", "only events for this PCI address")
	historyCmd.Flags().VarP(historyOutput, "output", "o", historyOutput.usage())
	rootCmd.AddCommand(historyCmd)
}

func runHistory(cmd *cobra.Command, args []string) error {
	limit, _ := cmd.Flags().GetInt("limit")
	address, _ := cmd.Flags().GetString("address")

	history, err := db.New(cfg.Database)
	if err != nil {
		return err
	}
	defer history.Close()

	var events []*db.Event
	if address != "" {
		addr, ok := device.NormalizeAddress(address)
		if !ok {
			return fmt.Errorf("invalid PCI address %q", address)
		}
		events, err = history.EventsForAddress(addr, limit)
	} else {
		events, err = history.RecentEvents(limit)
	}
	if err != nil {
		return err
	}

	if historyOutput.is("json") {
		if events == nil {
			events = []*db.Event{}
		}
		return identify.PrintJSON(os.Stdout, events)
	}
	if len(events) == 0 {
		fmt.Println("No events recorded")
		return nil
	}

	fmt.Printf("%-16s %-10s %-14s %-16s %-20s %s\n", "WHEN", "OP", "PCI ADDRESS", "NAME", "STATE", "BATCH")
	for _, ev := range events {
		batch := ev.BatchID
		if len(batch) > 8 {
			batch = batch[:8]
		}
		fmt.Printf("%-16s %-10s %-14s %-16s %-20s %s\n",
			humanize.Time(ev.Timestamp), ev.EventType, ev.Address, ev.Name,
			ev.OldState+" -> "+ev.NewState, batch)
	}
	return nil
}
