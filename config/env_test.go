package config

import (
	"os"
	"path"
	"testing"

	"github.com/pkg/errors"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func validEnvironment() Environment {
	return Environment{
		Parallelism:        2,
		DeviceCount:        2,
		DispatchQueueSize:  10,
		RetryCeiling:       3,
		OrderTimeoutSec:    60,
		MultiSegmentPolicy: PolicyFirst,
		EngineBackend:      BackendCommand,
	}
}

func TestValidate(t *testing.T) {
	env := validEnvironment()
	assert.NoError(t, env.Validate())

	env.Parallelism = 3
	err := env.Validate()
	var cfgErr *Error
	require.True(t, errors.As(err, &cfgErr))
	assert.Equal(t, "Parallelism", cfgErr.Setting)

	env = validEnvironment()
	env.DeviceCount = 0
	env.Parallelism = 8
	assert.NoError(t, env.Validate())

	env = validEnvironment()
	env.MultiSegmentPolicy = "some"
	assert.Error(t, env.Validate())

	env = validEnvironment()
	env.EngineBackend = BackendPrefect
	assert.Error(t, env.Validate())
	env.PrefectFlowID = "flow"
	assert.NoError(t, env.Validate())
}

func TestLoadFromFile(t *testing.T) {
	dir := t.TempDir()
	envFile := path.Join(dir, "test.env")
	content := "AIDSS_PARALLELISM=2\nAIDSS_DEVICE_COUNT=4\nAIDSS_MULTI_SEGMENT_POLICY=all\n"
	require.NoError(t, os.WriteFile(envFile, []byte(content), 0644))

	t.Cleanup(func() {
		os.Unsetenv("AIDSS_PARALLELISM")
		os.Unsetenv("AIDSS_DEVICE_COUNT")
		os.Unsetenv("AIDSS_MULTI_SEGMENT_POLICY")
	})

	env, err := Load(envFile)
	require.NoError(t, err)
	assert.Equal(t, 2, env.Parallelism)
	assert.Equal(t, 4, env.DeviceCount)
	assert.Equal(t, PolicyAll, env.MultiSegmentPolicy)
	assert.Equal(t, "OML^O33", env.ExpectedMessageType)
	assert.Equal(t, []int{137}, env.TransientExitCodes)
}

func TestLoadDefaultPolicy(t *testing.T) {
	envFile := path.Join(t.TempDir(), "test.env")
	require.NoError(t, os.WriteFile(envFile, []byte("AIDSS_PARALLELISM=1\n"), 0644))
	t.Cleanup(func() {
		os.Unsetenv("AIDSS_PARALLELISM")
	})

	env, err := Load(envFile)
	require.NoError(t, err)
	assert.Equal(t, PolicyFirstPerSample, env.MultiSegmentPolicy)
}

func TestLoadMissingFile(t *testing.T) {
	_, err := Load(path.Join(t.TempDir(), "missing.env"))
	assert.Error(t, err)
}
