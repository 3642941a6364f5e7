package supervisor

import (
	"bufio"
	"context"
	"fmt"
	"net"
	"net/http"
	"os"
	"time"

	"github.com/ambient-tools/commsbus/internal/commsconfig"
	"github.com/ambient-tools/commsbus/internal/dedup"
	"github.com/ambient-tools/commsbus/internal/dispatch"
	"github.com/ambient-tools/commsbus/internal/hub"
	"github.com/ambient-tools/commsbus/internal/metrics"
	"github.com/ambient-tools/commsbus/internal/outbox"
	"github.com/ambient-tools/commsbus/internal/registry"
	"github.com/ambient-tools/commsbus/internal/util"
	"github.com/rs/zerolog"
)

const shutdownGrace = 5 * time.Second

// RunWorkerChild is cmd/commsd's entrypoint when invoked with
// WorkerChildFlag. It builds the full Hub stack in this process and wires
// its dispatch.Handler to the parent over stdin/stdout, blocking until the
// parent closes its side of the pipe (signaling shutdown) or ctx is done.
func RunWorkerChild(ctx context.Context, cc commsconfig.Config, sessionScopeID string, architectOnly bool, log zerolog.Logger) error {
	log = log.With().Str("component", "worker-child").Logger()

	ph := newPipeHandler(os.Stdout)

	reg := registry.New()
	dd := dedup.New(cc.DedupIDTTL, cc.DedupSignatureTTL)
	ob := outbox.New(outbox.Config{
		MaxEntries:     cc.QueueMaxEntries,
		MaxAge:         cc.QueueMaxAge,
		FlushInterval:  cc.QueueFlushInterval,
		FilePath:       cc.QueueFilePath,
		SessionScopeID: sessionScopeID,
	}, log)
	ms := metrics.NewSink()
	disp := dispatch.New(dispatch.Deps{Registry: reg, Dedup: dd, Outbox: ob, Handler: ph, Metrics: ms, Log: log})
	h := hub.New(hub.Config{QueueFlushTick: cc.QueueFlushInterval}, reg, dd, ob, disp, ms, log)

	mux := http.NewServeMux()
	mux.HandleFunc("/health", h.HealthHandler)
	mux.HandleFunc("/", h.ServeHTTP)
	addr := fmt.Sprintf("127.0.0.1:%d", cc.Port)
	ln, err := net.Listen("tcp", addr)
	if err != nil {
		return fmt.Errorf("worker child listen on %s: %w", addr, err)
	}
	srv := &http.Server{Addr: addr, Handler: mux}

	childCtx, cancel := context.WithCancel(ctx)
	defer cancel()

	h.Start(childCtx)
	util.SafeGo(func() { _ = srv.Serve(ln) })

	// readResponses blocks on os.Stdin until the parent closes it (the
	// signal to exit) or the parent writes garbage, whichever comes first.
	ph.readResponses(childCtx, bufio.NewReader(os.Stdin))

	cancel()
	h.Stop()
	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), shutdownGrace)
	defer shutdownCancel()
	_ = srv.Shutdown(shutdownCtx)
	log.Info().Msg("worker child exiting: parent disconnected")
	return nil
}
