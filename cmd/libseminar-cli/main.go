package main

import (
	"context"

	"libseminar-backend/cmd/libseminar-cli/commands"
	"libseminar-backend/lib/telemetry"
)

func main() {
	telemetry.InitSlog(true)
	commands.ExecuteContext(context.Background())
}
