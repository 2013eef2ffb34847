// A broker-attached worker process: consumes both task queues, serves no
// HTTP. Run as many of these as the workload needs; the queues serialize the
// heavy work.
//
// Exit codes: 0 success, 1 unrecoverable error, 2 usage error, 3 dependency
// unreachable at boot.
package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"
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

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	a.StartWorkers(ctx)
	a.Log.Info("Worker process running", "queues", []string{"default", "heavy"})

	<-ctx.Done()
	a.Log.Info("Shutting down worker process")
	a.Stop()
}
