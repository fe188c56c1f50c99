package arguments_test

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/m-mizutani/intelbatch/pkg/arguments"
	"github.com/m-mizutani/intelbatch/pkg/mock"
	"github.com/m-mizutani/intelbatch/pkg/service"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestBindEnv(t *testing.T) {
	t.Setenv("INTELBATCH_API_URL", "https://api.example.com/api")
	t.Setenv("INTELBATCH_OWNER", "MyOrg")
	t.Setenv("BATCH_MAX_CHUNK_COUNT", "100")
	t.Setenv("BATCH_MEMORY_LIMIT", "1048576")
	t.Setenv("BATCH_HALT_ON_POLL_ERROR", "false")
	t.Setenv("BATCH_REPLAY", "true")
	t.Setenv("PROMETHEUS_PUSHGATEWAY_URL", "http://pushgateway.example.com:9091")

	args := &arguments.Arguments{}
	require.NoError(t, args.BindEnv())
	assert.Equal(t, "https://api.example.com/api", args.APIURL)
	assert.Equal(t, "MyOrg", args.Owner)
	assert.Equal(t, 100, args.MaxChunkCount)
	assert.Equal(t, int64(1048576), args.MemoryLimit)
	assert.True(t, args.Replay)
	assert.Equal(t, "http://pushgateway.example.com:9091", args.PushGatewayURL)

	args.HTTP = &mock.HTTPClient{}
	args.WorkDir = t.TempDir()
	config, err := args.EngineConfig()
	require.NoError(t, err)
	assert.Equal(t, 100, config.MaxChunkCount)
	assert.Equal(t, service.HaltNever, config.PollHalt)
	assert.Equal(t, service.HaltDefault, config.SubmitHalt)
	assert.Equal(t, "MyOrg", config.Settings.Owner)
	assert.True(t, config.Replay.Replay)
	assert.Nil(t, config.Alert)
	assert.Nil(t, config.Notifier)
}

func TestEngineConfigValidation(t *testing.T) {
	t.Run("API URL is required", func(t *testing.T) {
		args := &arguments.Arguments{HTTP: &mock.HTTPClient{}}
		_, err := args.EngineConfig()
		require.Error(t, err)
	})

	t.Run("invalid halt mode", func(t *testing.T) {
		args := &arguments.Arguments{APIURL: "https://x", UploadHalt: "sometimes", HTTP: &mock.HTTPClient{}}
		_, err := args.EngineConfig()
		require.Error(t, err)
	})

	t.Run("invalid action", func(t *testing.T) {
		args := &arguments.Arguments{APIURL: "https://x", Action: "Update", HTTP: &mock.HTTPClient{}}
		_, err := args.EngineConfig()
		require.Error(t, err)
	})

	t.Run("invalid write type", func(t *testing.T) {
		args := &arguments.Arguments{APIURL: "https://x", TagWriteType: "Merge", HTTP: &mock.HTTPClient{}}
		_, err := args.EngineConfig()
		require.Error(t, err)
	})
}

func TestAPISecret(t *testing.T) {
	arn := "arn:aws:secretsmanager:ap-northeast-1:111122223333:secret:intelbatch-AbCdEf"
	newSM, client := mock.NewSecretsManagerMock()
	client.Secrets[arn] = `{"api_url":"https://secret.example.com/api","api_token":"s3cr3t"}`

	args := &arguments.Arguments{
		APISecretARN:      arn,
		NewSecretsManager: newSM,
		HTTP:              &mock.HTTPClient{},
	}
	config, err := args.EngineConfig()
	require.NoError(t, err)
	assert.Equal(t, "https://secret.example.com/api", config.BaseURL)
	assert.Equal(t, "s3cr3t", args.APIToken)
	assert.Equal(t, "ap-northeast-1", client.Region)

	t.Run("invalid ARN", func(t *testing.T) {
		args := &arguments.Arguments{APISecretARN: "arn:aws:sns:x:y:z", NewSecretsManager: newSM}
		_, err := args.EngineConfig()
		require.Error(t, err)
	})
}

func TestHalt(t *testing.T) {
	for value, expected := range map[string]bool{"": true, "true": true, "false": false} {
		halt, err := (&arguments.Arguments{HaltOnError: value}).Halt()
		require.NoError(t, err)
		assert.Equal(t, expected, halt)
	}
	_, err := (&arguments.Arguments{HaltOnError: "yes"}).Halt()
	require.Error(t, err)
}

func TestEngine(t *testing.T) {
	workDir := filepath.Join(t.TempDir(), "work")
	newKV, _ := mock.NewKVStoreMock()
	args := &arguments.Arguments{
		APIURL:     "https://api.example.com/api",
		WorkDir:    workDir,
		Debug:      true,
		HTTP:       &mock.HTTPClient{},
		NewKVStore: newKV,
	}
	engine, err := args.Engine()
	require.NoError(t, err)
	assert.DirExists(t, filepath.Join(workDir, "replay"))

	require.NoError(t, engine.Close())
	_, err = os.Stat(filepath.Join(workDir, "replay"))
	assert.True(t, os.IsNotExist(err))
}

func TestPushMetrics(t *testing.T) {
	t.Run("nothing is pushed without gateway", func(t *testing.T) {
		client := &mock.HTTPClient{}
		args := &arguments.Arguments{HTTP: client}
		require.NoError(t, args.PushMetrics())
		assert.Equal(t, 0, len(client.Requests))
	})

	t.Run("pushed to gateway", func(t *testing.T) {
		client := &mock.HTTPClient{}
		client.On("PUT", "/metrics/job/intelbatch", &mock.HTTPResponse{Code: 202})
		args := &arguments.Arguments{HTTP: client, PushGatewayURL: "http://pushgateway.example.com:9091"}
		require.NoError(t, args.PushMetrics())
		assert.Equal(t, 1, client.Count("PUT", "/metrics/job/intelbatch"))
	})
}
