// config.go — optional commsd.yaml config-reload file (SPEC_FULL.md §13),
// layered under internal/commsconfig's environment-variable resolution so
// env vars always win. Grounded on the yaml.v3 struct-tag shape used by
// nishisan-dev-n-backup's ServerConfig (pointer fields distinguish "absent
// from the file" from "explicitly zero").
package supervisor

import (
	"fmt"
	"os"
	"time"

	"github.com/ambient-tools/commsbus/internal/commsconfig"
	"gopkg.in/yaml.v3"
)

// fileConfig is commsd.yaml's shape. Pointer/zero-value fields that are
// absent from the file leave the corresponding commsconfig default (or
// already-applied env override) untouched.
type fileConfig struct {
	Port                 *int   `yaml:"port"`
	QueueFile             string `yaml:"queueFile"`
	QueueMaxEntries       *int   `yaml:"queueMaxEntries"`
	QueueMaxAgeMs         *int   `yaml:"queueMaxAgeMs"`
	QueueFlushIntervalMs  *int   `yaml:"queueFlushIntervalMs"`
	BridgeReconnectBaseMs *int   `yaml:"bridgeReconnectBaseMs"`
	BridgeReconnectMaxMs  *int   `yaml:"bridgeReconnectMaxMs"`
	ForceInProcessWorker  *bool  `yaml:"forceInProcessWorker"`
	DedupIDTTLMs          *int   `yaml:"dedupIdTtlMs"`
	DedupSignatureTTLMs   *int   `yaml:"dedupSignatureTtlMs"`
	ArchitectOnlyPolicy   *bool  `yaml:"architectOnlyPolicy"`
}

// LoadConfig resolves the effective configuration: commsd.yaml (if present)
// provides the base, every commsconfig environment variable overrides it.
// A missing file is not an error; architectOnlyPolicy defaults true.
func LoadConfig(path string) (commsconfig.Config, bool, error) {
	base := commsconfig.Defaults()
	architectOnly := true

	if path != "" {
		data, err := os.ReadFile(path) // #nosec G304 -- operator-controlled config path
		if err != nil {
			if !os.IsNotExist(err) {
				return base, architectOnly, fmt.Errorf("read commsd.yaml: %w", err)
			}
		} else {
			var fc fileConfig
			if err := yaml.Unmarshal(data, &fc); err != nil {
				return base, architectOnly, fmt.Errorf("parse commsd.yaml: %w", err)
			}
			applyFileConfig(&base, &architectOnly, fc)
		}
	}

	return commsconfig.FromEnviron(base), architectOnly, nil
}

func applyFileConfig(base *commsconfig.Config, architectOnly *bool, fc fileConfig) {
	if fc.Port != nil {
		base.Port = *fc.Port
	}
	if fc.QueueFile != "" {
		base.QueueFilePath = fc.QueueFile
	}
	if fc.QueueMaxEntries != nil {
		base.QueueMaxEntries = *fc.QueueMaxEntries
	}
	if fc.QueueMaxAgeMs != nil {
		base.QueueMaxAge = time.Duration(*fc.QueueMaxAgeMs) * time.Millisecond
	}
	if fc.QueueFlushIntervalMs != nil {
		base.QueueFlushInterval = time.Duration(*fc.QueueFlushIntervalMs) * time.Millisecond
	}
	if fc.BridgeReconnectBaseMs != nil {
		base.BridgeReconnectBase = time.Duration(*fc.BridgeReconnectBaseMs) * time.Millisecond
	}
	if fc.BridgeReconnectMaxMs != nil {
		base.BridgeReconnectMax = time.Duration(*fc.BridgeReconnectMaxMs) * time.Millisecond
	}
	if fc.ForceInProcessWorker != nil {
		base.ForceInProcessWorker = *fc.ForceInProcessWorker
	}
	if fc.DedupIDTTLMs != nil {
		base.DedupIDTTL = time.Duration(*fc.DedupIDTTLMs) * time.Millisecond
	}
	if fc.DedupSignatureTTLMs != nil {
		base.DedupSignatureTTL = time.Duration(*fc.DedupSignatureTTLMs) * time.Millisecond
	}
	if fc.ArchitectOnlyPolicy != nil {
		*architectOnly = *fc.ArchitectOnlyPolicy
	}
}
