package commands

import (
	"context"
	"fmt"
	"os"
	"time"

	"libseminar-backend/lib/restyutil"
	"libseminar-backend/lib/scrapers/libportal"
	"libseminar-backend/lib/serviceutil"

	"github.com/joho/godotenv"
	"github.com/spf13/cobra"
)

var rootCmd = &cobra.Command{
	Use:   "libseminar-cli",
	Short: "libseminar-cli pokes the library seminar room portal from the terminal.",
}

var baseUrl *string
var dumpDir *string

func init() {
	baseUrl = rootCmd.PersistentFlags().String(
		"base-url", "https://library.daejin.ac.kr",
		"The base url of the library portal.",
	)
	dumpDir = rootCmd.PersistentFlags().String(
		"dump-http", "",
		"Dump every portal exchange to this directory.",
	)
}

func ExecuteContext(ctx context.Context) {
	if err := rootCmd.ExecuteContext(ctx); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}

// createClient builds a portal client from the USER_ID/USER_PW
// environment variables, loading a .env file if one is present.
func createClient() *libportal.Client {
	godotenv.Load()

	var debugOutput restyutil.InstrumentOutput
	if *dumpDir != "" {
		debugOutput = restyutil.NewFilesystemOutput(*dumpDir)
	}

	client, err := libportal.NewClient(libportal.ClientOptions{
		BaseUrl: *baseUrl,
		Credentials: libportal.Credentials{
			Username: os.Getenv("USER_ID"),
			Password: os.Getenv("USER_PW"),
		},
		Timeout:     time.Second * 30,
		DebugOutput: debugOutput,
	})
	if err != nil {
		serviceutil.Fatal("failed to initialize portal client", err)
	}
	return client
}
