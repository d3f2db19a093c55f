package commands

import (
	"os"

	"libseminar-backend/lib/serviceutil"

	"github.com/jedib0t/go-pretty/v6/table"
	"github.com/spf13/cobra"
)

func init() {
	rootCmd.AddCommand(roomsCmd)
}

var roomsCmd = &cobra.Command{
	Use:   "rooms",
	Short: "Logs in and prints the seminar room directory.",
	Run: func(cmd *cobra.Command, args []string) {
		client := createClient()
		defer client.Close()

		err := client.EnsureValid(cmd.Context())
		if err != nil {
			serviceutil.Fatal("failed to log in", err)
		}
		rooms, err := client.Rooms(cmd.Context())
		if err != nil {
			serviceutil.Fatal("failed to list rooms", err)
		}

		t := table.NewWriter()
		t.SetOutputMirror(os.Stdout)
		t.AppendHeader(table.Row{"Title", "Location", "Category", "Code"})
		for _, room := range rooms {
			t.AppendRow(table.Row{room.Title, room.Location, room.Category, room.Code})
		}
		t.SetStyle(table.StyleRounded)
		t.Render()
	},
}
