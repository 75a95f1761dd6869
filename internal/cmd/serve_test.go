package cmd

import (
	"context"
	"errors"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/3leaps/snapvault/pkg/jobstate"
)

func TestSignalHealthChecker(t *testing.T) {
	err := signalHealthChecker{}.CheckHealth(context.Background())
	require.Error(t, err)
	assert.Contains(t, err.Error(), "not installed")

	ctx, cancel := context.WithCancel(context.Background())
	checker := signalHealthChecker{ctx: ctx}
	assert.NoError(t, checker.CheckHealth(context.Background()))

	cancel()
	err = checker.CheckHealth(context.Background())
	require.Error(t, err)
	assert.Contains(t, err.Error(), "shutdown signal received")
}

func TestIdentityHealthChecker(t *testing.T) {
	tests := []struct {
		name       string
		binaryName string
		envPrefix  string
		configName string
		errContain string
	}{
		{name: "all fields valid", binaryName: "myapp", envPrefix: "MYAPP", configName: "myapp"},
		{name: "missing binary name", envPrefix: "MYAPP", configName: "myapp", errContain: "missing binary name"},
		{name: "missing env prefix", binaryName: "myapp", configName: "myapp", errContain: "missing env prefix"},
		{name: "missing config name", binaryName: "myapp", envPrefix: "MYAPP", errContain: "missing config name"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			checker := identityHealthChecker{
				binaryName: tt.binaryName,
				envPrefix:  tt.envPrefix,
				configName: tt.configName,
			}
			err := checker.CheckHealth(context.Background())
			if tt.errContain != "" {
				require.Error(t, err)
				assert.Contains(t, err.Error(), tt.errContain)
			} else {
				assert.NoError(t, err)
			}
		})
	}
}

type failingBackend struct {
	jobstate.Backend
}

func (failingBackend) List(context.Context, string) ([]jobstate.Record, error) {
	return nil, errors.New("disk on fire")
}

func TestJobStateHealthChecker(t *testing.T) {
	err := jobStateHealthChecker{}.CheckHealth(context.Background())
	assert.ErrorContains(t, err, "not initialized")

	ok := jobstate.NewStore(jobstate.NewFileBackend(t.TempDir()))
	assert.NoError(t, jobStateHealthChecker{states: ok}.CheckHealth(context.Background()))

	bad := jobstate.NewStore(failingBackend{jobstate.NewFileBackend(t.TempDir())})
	err = jobStateHealthChecker{states: bad}.CheckHealth(context.Background())
	assert.ErrorContains(t, err, "disk on fire")
}
