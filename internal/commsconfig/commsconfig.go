// Package commsconfig resolves runtime configuration from environment
// variables (spec.md §6 "Environment variables"), with defaults matching
// the values named throughout spec.md §4. internal/supervisor layers an
// optional commsd.yaml file underneath these — env vars always win, so
// automated/CI launches stay reproducible with no file on disk.
package commsconfig

import (
	"os"
	"strconv"
	"strings"
	"time"
)

// Env var names recognized by this module (spec.md §6).
const (
	EnvPort                 = "COMMSBUS_PORT"
	EnvQueueFilePath        = "COMMSBUS_QUEUE_FILE"
	EnvQueueMaxEntries      = "COMMSBUS_QUEUE_MAX_ENTRIES"
	EnvQueueMaxAgeMs        = "COMMSBUS_QUEUE_MAX_AGE_MS"
	EnvQueueFlushIntervalMs = "COMMSBUS_QUEUE_FLUSH_INTERVAL_MS"
	EnvBridgeReconnectBase  = "COMMSBUS_BRIDGE_RECONNECT_BASE_MS"
	EnvBridgeReconnectMax   = "COMMSBUS_BRIDGE_RECONNECT_MAX_MS"
	EnvForceInProcess       = "COMMSBUS_FORCE_IN_PROCESS"
	EnvDedupIDTTLMs         = "COMMSBUS_DEDUP_ID_TTL_MS"
	EnvDedupSignatureTTLMs  = "COMMSBUS_DEDUP_SIGNATURE_TTL_MS"
)

// Defaults, named where spec.md §4 first introduces each value.
const (
	DefaultPort                 = 7601
	DefaultQueueMaxEntries      = 500
	DefaultQueueMaxAge          = 30 * time.Minute
	DefaultQueueFlushInterval   = 30 * time.Second
	DefaultBridgeReconnectBase  = 750 * time.Millisecond
	DefaultBridgeReconnectMax   = 10 * time.Second
	DefaultDedupIDTTL           = 60 * time.Second
	DefaultDedupSignatureTTL    = 15 * time.Second
)

// Config is the resolved, process-wide set of tunables the Supervisor wires
// into the Hub, Outbound Queue, Bridge Client, and ACK/Dedup Cache.
type Config struct {
	Port                 int
	QueueFilePath         string
	QueueMaxEntries       int
	QueueMaxAge           time.Duration
	QueueFlushInterval    time.Duration
	BridgeReconnectBase   time.Duration
	BridgeReconnectMax    time.Duration
	ForceInProcessWorker  bool
	DedupIDTTL            time.Duration
	DedupSignatureTTL     time.Duration
}

// Defaults returns the spec-mandated defaults before any override is applied.
func Defaults() Config {
	return Config{
		Port:                DefaultPort,
		QueueMaxEntries:     DefaultQueueMaxEntries,
		QueueMaxAge:         DefaultQueueMaxAge,
		QueueFlushInterval:  DefaultQueueFlushInterval,
		BridgeReconnectBase: DefaultBridgeReconnectBase,
		BridgeReconnectMax:  DefaultBridgeReconnectMax,
		DedupIDTTL:          DefaultDedupIDTTL,
		DedupSignatureTTL:   DefaultDedupSignatureTTL,
	}
}

// FromEnviron starts from Defaults and applies every recognized environment
// variable on top, ignoring unset or malformed values (malformed values fall
// back to whatever base was already in place rather than failing startup).
func FromEnviron(base Config) Config {
	c := base
	if v, ok := lookupInt(EnvPort); ok {
		c.Port = v
	}
	if v, ok := lookupString(EnvQueueFilePath); ok {
		c.QueueFilePath = v
	}
	if v, ok := lookupInt(EnvQueueMaxEntries); ok {
		c.QueueMaxEntries = v
	}
	if v, ok := lookupDurationMs(EnvQueueMaxAgeMs); ok {
		c.QueueMaxAge = v
	}
	if v, ok := lookupDurationMs(EnvQueueFlushIntervalMs); ok {
		c.QueueFlushInterval = v
	}
	if v, ok := lookupDurationMs(EnvBridgeReconnectBase); ok {
		c.BridgeReconnectBase = v
	}
	if v, ok := lookupDurationMs(EnvBridgeReconnectMax); ok {
		c.BridgeReconnectMax = v
	}
	if v, ok := lookupBool(EnvForceInProcess); ok {
		c.ForceInProcessWorker = v
	}
	if v, ok := lookupDurationMs(EnvDedupIDTTLMs); ok {
		c.DedupIDTTL = v
	}
	if v, ok := lookupDurationMs(EnvDedupSignatureTTLMs); ok {
		c.DedupSignatureTTL = v
	}
	return c
}

// Load is the convenience entrypoint: Defaults() overridden by the process
// environment.
func Load() Config {
	return FromEnviron(Defaults())
}

func lookupString(name string) (string, bool) {
	v, ok := os.LookupEnv(name)
	if !ok {
		return "", false
	}
	v = strings.TrimSpace(v)
	if v == "" {
		return "", false
	}
	return v, true
}

func lookupInt(name string) (int, bool) {
	v, ok := lookupString(name)
	if !ok {
		return 0, false
	}
	n, err := strconv.Atoi(v)
	if err != nil {
		return 0, false
	}
	return n, true
}

func lookupDurationMs(name string) (time.Duration, bool) {
	n, ok := lookupInt(name)
	if !ok {
		return 0, false
	}
	return time.Duration(n) * time.Millisecond, true
}

func lookupBool(name string) (bool, bool) {
	v, ok := lookupString(name)
	if !ok {
		return false, false
	}
	b, err := strconv.ParseBool(v)
	if err != nil {
		return false, false
	}
	return b, true
}
