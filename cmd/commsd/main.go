// Command commsd runs the multi-agent coordination bus: a local WebSocket
// Hub, its ACK/Dedup Cache and persistent Outbound Queue, and (when a relay
// URL is configured) a Bridge Client to a remote relay.
//
// Usage: commsd [--port N] [--config path] [--relay-url url] [--device-id id]
//
// Exit codes:
//
//	0 = clean shutdown
//	1 = startup or fatal runtime error
package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"strconv"
	"syscall"

	"github.com/ambient-tools/commsbus/internal/commsconfig"
	"github.com/ambient-tools/commsbus/internal/dispatch"
	"github.com/ambient-tools/commsbus/internal/logging"
	"github.com/ambient-tools/commsbus/internal/state"
	"github.com/ambient-tools/commsbus/internal/supervisor"
	flags "github.com/jessevdk/go-flags"
)

// version is set at build time via -ldflags.
var version = "0.1.0"

type options struct {
	Port             int    `long:"port" description:"Hub listen port" default:"0"`
	ConfigPath       string `long:"config" description:"Path to commsd.yaml (default: <coord-root>/commsd.yaml)"`
	RelayURL         string `long:"relay-url" description:"Relay WebSocket URL (omit to run without a Bridge Client)"`
	DeviceID         string `long:"device-id" description:"This workstation's device id when bridging to a relay"`
	RelaySecret      string `long:"relay-secret" env:"COMMSBUS_RELAY_SECRET" description:"Shared secret for relay authentication"`
	ForceInProcess   bool   `long:"in-process" description:"Run the Hub in this process instead of a supervised worker child"`
	NoArchitectOnly  bool   `long:"allow-cross-role" description:"Disable the default architect-only cross-device routing policy"`
	Pretty           bool   `long:"pretty-log" description:"Human-readable console logging instead of JSON"`
	Version          bool   `long:"version" description:"Print version and exit"`
}

func main() {
	if len(os.Args) > 1 && os.Args[1] == supervisor.WorkerChildFlag {
		os.Exit(runWorkerChild(os.Args[2:]))
		return
	}
	os.Exit(run(os.Args[1:]))
}

func run(args []string) int {
	var opts options
	parser := flags.NewParser(&opts, flags.Default)
	if _, err := parser.ParseArgs(args); err != nil {
		if flags.WroteHelp(err) {
			return 0
		}
		return 2
	}
	if opts.Version {
		fmt.Printf("commsd %s\n", version)
		return 0
	}

	log := logging.New(nil, opts.Pretty)

	configPath := opts.ConfigPath
	if configPath == "" {
		if p, err := state.ConfigFile(); err == nil {
			configPath = p
		}
	}
	cc, architectOnly, err := supervisor.LoadConfig(configPath)
	if err != nil {
		log.Error().Err(err).Msg("failed to load commsd.yaml")
		return 1
	}
	if opts.Port != 0 {
		cc.Port = opts.Port
	}
	if opts.ForceInProcess {
		cc.ForceInProcessWorker = true
	}
	if opts.NoArchitectOnly {
		architectOnly = false
	}
	if cc.QueueFilePath == "" {
		qf, err := state.QueueFilePath()
		if err != nil {
			log.Error().Err(err).Msg("failed to resolve outbound queue path")
			return 1
		}
		cc.QueueFilePath = qf
	}

	sessionScopeID := strconv.FormatInt(int64(os.Getpid()), 10)

	sup := supervisor.New(supervisor.Config{
		Comms:               cc,
		SessionScopeID:      sessionScopeID,
		ArchitectOnlyPolicy: architectOnly,
		RelayURL:            opts.RelayURL,
		DeviceID:            opts.DeviceID,
		RelaySharedSecret:   opts.RelaySecret,
	}, log)

	ctx, cancel := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer cancel()

	if err := sup.Start(ctx, passthroughHandler{}); err != nil {
		log.Error().Err(err).Msg("failed to start supervisor")
		return 1
	}
	log.Info().Int("port", cc.Port).Bool("architectOnly", architectOnly).Msg("commsd ready")

	<-ctx.Done()
	log.Info().Msg("shutting down")
	if err := sup.Stop(); err != nil {
		log.Error().Err(err).Msg("error during shutdown")
		return 1
	}
	return 0
}

func runWorkerChild(args []string) int {
	var port int
	var sessionScopeID string
	for i := 0; i < len(args); i++ {
		switch args[i] {
		case "--port":
			if i+1 < len(args) {
				i++
				port, _ = strconv.Atoi(args[i])
			}
		case "--session-scope":
			if i+1 < len(args) {
				i++
				sessionScopeID = args[i]
			}
		}
	}

	log := logging.New(nil, false)
	cc := commsconfig.Load()
	if port != 0 {
		cc.Port = port
	}
	if cc.QueueFilePath == "" {
		if qf, err := state.QueueFilePath(); err == nil {
			cc.QueueFilePath = qf
		}
	}

	if err := supervisor.RunWorkerChild(context.Background(), cc, sessionScopeID, true, log); err != nil {
		log.Error().Err(err).Msg("worker child exited with error")
		return 1
	}
	return 0
}

// passthroughHandler is the default dispatch.Handler when commsd runs
// standalone with no host application wired in: it accepts every message
// without any domain-specific side effect. A real deployment replaces this
// by embedding internal/supervisor directly and passing its own handler.
type passthroughHandler struct{}

func (passthroughHandler) Handle(_ context.Context, _ dispatch.HandlerRequest) (*dispatch.HandlerResult, error) {
	ok := true
	return &dispatch.HandlerResult{OK: &ok, Status: "accepted"}, nil
}
