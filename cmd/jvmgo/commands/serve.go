package commands

import (
	"flag"
	"fmt"
	"net/http"
	"os"

	"jvmgo/internal/inspect"
	"jvmgo/internal/vmlog"
)

// ServeCommand runs internal/inspect's websocket endpoint standalone, the
// way the teacher's WebSocketListen starts an http.Server around its
// Upgrader handler — except here the connected clients are debuggers
// watching one VM's GC-cycle and safepoint-handshake feed rather than
// scripted peers exchanging application messages. `jvmgo run -inspect`
// wires the same *inspect.Server into a live Engine instead of standing
// it up empty; this command exists for driving the feed in isolation
// (smoke-testing a dashboard, recording a fixture) with no class loaded.
func ServeCommand(args []string) error {
	fs := flag.NewFlagSet("jvmgo serve", flag.ContinueOnError)
	addr := fs.String("addr", ":7890", "address to serve the /inspect websocket endpoint on")
	logLevelName := fs.String("log-level", "info", "debug|info|warn|error")
	if err := fs.Parse(args); err != nil {
		return err
	}

	level, err := vmlog.ParseLevel(*logLevelName)
	if err != nil {
		return err
	}
	logger := vmlog.New(os.Stderr, level)

	server := inspect.NewServer()

	mux := http.NewServeMux()
	mux.Handle("/inspect", server)

	httpServer := &http.Server{Addr: *addr, Handler: mux}
	logger.Info("inspect: serving session %s on %s/inspect", server.SessionID(), *addr)

	if err := httpServer.ListenAndServe(); err != nil && err != http.ErrServerClosed {
		return fmt.Errorf("jvmgo serve: %w", err)
	}
	return nil
}
