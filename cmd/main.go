// Command lessonstream-engine runs the progressive-playback engine as a
// standalone process: the HTTP control plane (play/pause/seek/speed/volume
// plus SSE notifications) fronting one or more lesson Sessions, each driving
// its own C1-C8 pipeline in the background.
package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"strings"
	"syscall"

	"github.com/lessonstream/engine/internal/engineapp"
	"github.com/lessonstream/engine/internal/platform/envutil"
	"github.com/lessonstream/engine/internal/platform/logger"
)

func envTrue(key string, def bool) bool {
	v := strings.TrimSpace(os.Getenv(key))
	if v == "" {
		return def
	}
	return strings.EqualFold(v, "true") || v == "1" || strings.EqualFold(v, "yes")
}

func main() {
	log, err := logger.New(envutil.String("LESSONSTREAM_LOG_MODE", "development"))
	if err != nil {
		fmt.Printf("failed to initialize logger: %v\n", err)
		os.Exit(1)
	}
	defer log.Sync()

	a, err := engineapp.New(log)
	if err != nil {
		log.Fatal("failed to initialize engine", "error", err)
	}
	defer a.Close()

	runServer := envTrue("RUN_SERVER", true)
	runWorker := envTrue("RUN_WORKER", false)

	// A worker-only process still needs at least one live session to have
	// anything to drive; a server process creates sessions on demand via
	// the HTTP API instead, so it starts with none.
	if runWorker && !runServer {
		sess := a.CreateSession()
		log.Info("started standalone worker session", "session_id", sess.ID())
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	if !runServer {
		<-ctx.Done()
		return
	}

	addr := envutil.String("LESSONSTREAM_LISTEN_ADDR", ":8080")
	log.Info("engine listening", "addr", addr)
	if err := a.Serve(ctx, addr); err != nil {
		log.Error("server exited with error", "error", err)
	}
}
