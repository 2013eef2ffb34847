// The host process: HTTP surface, in-process task workers and plugin sync
// tickers in one binary.
//
// Exit codes: 0 success, 1 unrecoverable error, 2 usage error, 3 dependency
// unreachable at boot.
package main

import (
	"context"
	"fmt"
	"os"
	"time"

	"github.com/recallhq/recall-backend/internal/app"
)

func main() {
	if len(os.Args) > 1 {
		fmt.Fprintf(os.Stderr, "usage: %s (no arguments; configuration comes from the settings store)\n", os.Args[0])
		os.Exit(2)
	}

	a, err := app.New()
	if err != nil {
		fmt.Fprintf(os.Stderr, "boot failed: %v\n", err)
		os.Exit(1)
	}

	bootCtx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	err = a.VerifyDependencies(bootCtx)
	cancel()
	if err != nil {
		a.Log.Error("dependency check failed", "error", err)
		a.Stop()
		os.Exit(3)
	}

	a.Start()
	defer a.Stop()

	a.Log.Info("Server listening", "addr", a.Cfg.ListenAddr)
	if err := a.Server.Run(a.Cfg.ListenAddr); err != nil {
		a.Log.Error("server failed", "error", err)
		a.Stop()
		os.Exit(1)
	}
}
