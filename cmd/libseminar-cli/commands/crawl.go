package commands

import (
	"fmt"
	"log/slog"
	"os"
	"strings"
	"time"

	"libseminar-backend/lib/serviceutil"
	"libseminar-backend/lib/timezone"

	"github.com/jedib0t/go-pretty/v6/table"
	"github.com/spf13/cobra"
)

var crawlDate *string

func init() {
	crawlDate = crawlCmd.Flags().String("date", "", "The date to crawl (YYYY-MM-DD), defaults to today.")
	rootCmd.AddCommand(crawlCmd)
}

var crawlCmd = &cobra.Command{
	Use:   "crawl [--date YYYY-MM-DD]",
	Short: "Crawls availability for every room and prints the result.",
	Run: func(cmd *cobra.Command, args []string) {
		date := *crawlDate
		if date == "" {
			date = timezone.FormatDate(timezone.Now())
		}

		client := createClient()
		defer client.Close()

		t1 := time.Now()
		rooms, err := client.Crawl(cmd.Context(), date, func(pct int) {
			fmt.Fprintf(os.Stderr, "\rcrawling... %d%%", pct)
		})
		fmt.Fprintln(os.Stderr)
		if err != nil {
			serviceutil.Fatal("crawl failed", err)
		}
		slog.Info("crawl time", "seconds", time.Since(t1).Seconds())

		t := table.NewWriter()
		t.SetOutputMirror(os.Stdout)
		t.AppendHeader(table.Row{"Room", "Status", "Open Slots"})
		for _, room := range rooms {
			status := "ok"
			if room.Failed {
				status = "failed: " + room.FailReason
			} else if len(room.Times) == 0 {
				status = "full"
			}

			starts := make([]string, len(room.Times))
			for i, slot := range room.Times {
				starts[i] = slot.Start
			}
			t.AppendRow(table.Row{room.Title, status, strings.Join(starts, " ")})
		}
		t.SetStyle(table.StyleRounded)
		t.Render()
	},
}
