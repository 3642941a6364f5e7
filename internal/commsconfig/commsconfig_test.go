package commsconfig

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestDefaultsMatchSpecValues(t *testing.T) {
	t.Parallel()
	c := Defaults()
	assert.Equal(t, DefaultPort, c.Port)
	assert.Equal(t, 60*time.Second, c.DedupIDTTL)
	assert.Equal(t, 15*time.Second, c.DedupSignatureTTL)
	assert.Equal(t, 750*time.Millisecond, c.BridgeReconnectBase)
}

func TestFromEnvironOverridesDefaults(t *testing.T) {
	t.Setenv(EnvPort, "9100")
	t.Setenv(EnvQueueMaxEntries, "250")
	t.Setenv(EnvQueueMaxAgeMs, "60000")
	t.Setenv(EnvForceInProcess, "true")
	t.Setenv(EnvDedupIDTTLMs, "5000")

	c := FromEnviron(Defaults())
	require.Equal(t, 9100, c.Port)
	assert.Equal(t, 250, c.QueueMaxEntries)
	assert.Equal(t, time.Minute, c.QueueMaxAge)
	assert.True(t, c.ForceInProcessWorker)
	assert.Equal(t, 5*time.Second, c.DedupIDTTL)
}

func TestFromEnvironIgnoresMalformedValues(t *testing.T) {
	t.Setenv(EnvPort, "not-a-number")
	t.Setenv(EnvForceInProcess, "not-a-bool")

	base := Defaults()
	c := FromEnviron(base)
	assert.Equal(t, base.Port, c.Port)
	assert.Equal(t, base.ForceInProcessWorker, c.ForceInProcessWorker)
}

func TestFromEnvironIgnoresBlankValues(t *testing.T) {
	t.Setenv(EnvQueueFilePath, "   ")
	c := FromEnviron(Defaults())
	assert.Empty(t, c.QueueFilePath)
}
