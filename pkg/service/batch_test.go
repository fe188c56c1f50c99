package service_test

import (
	"context"
	"encoding/json"
	"net/http"
	"testing"

	"github.com/m-mizutani/intelbatch"
	"github.com/m-mizutani/intelbatch/pkg/mock"
	"github.com/m-mizutani/intelbatch/pkg/service"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

const testBaseURL = "https://api.example.com/api"

func newTestChunk() *intelbatch.Chunk {
	chunk := intelbatch.NewChunk()
	chunk.Groups = append(chunk.Groups, intelbatch.NewGroup(intelbatch.GroupIncident, "incident", "g1").Wire())
	chunk.Indicators = append(chunk.Indicators,
		intelbatch.NewIndicator(intelbatch.IndicatorAddress, "i1", "10.0.0.1").Wire())
	return chunk
}

func TestSettingsWire(t *testing.T) {
	t.Run("defaults", func(t *testing.T) {
		settings := (&service.Settings{Owner: "MyOrg"}).Wire()
		assert.Equal(t, "Create", settings["action"])
		assert.Equal(t, "Replace", settings["attributeWriteType"])
		assert.Equal(t, "false", settings["haltOnError"])
		assert.Equal(t, "false", settings["playbookTriggersEnabled"])
		assert.Equal(t, "V2", settings["version"])
		assert.Equal(t, "MyOrg", settings["owner"])
		assert.NotContains(t, settings, "hashCollisionMode")
		assert.NotContains(t, settings, "fileMergeMode")
	})

	t.Run("optional modes", func(t *testing.T) {
		settings := (&service.Settings{
			Action:            service.ActionDelete,
			TagWriteType:      service.WriteAppend,
			HaltOnError:       true,
			HashCollisionMode: "split",
			FileMergeMode:     "Distribute",
		}).Wire()
		assert.Equal(t, "Delete", settings["action"])
		assert.Equal(t, "Append", settings["tagWriteType"])
		assert.Equal(t, "true", settings["haltOnError"])
		assert.Equal(t, "split", settings["hashCollisionMode"])
		assert.Equal(t, "Distribute", settings["fileMergeMode"])
	})
}

func TestSubmitCombined(t *testing.T) {
	ctx := context.Background()
	path := "/api/v2/batch/createAndUpload"

	t.Run("synchronous completion without id", func(t *testing.T) {
		client := &mock.HTTPClient{}
		client.On("POST", path, mock.JSONResponse(200,
			`{"status":"Success","data":{"batchStatus":{"status":"Completed","successCount":2}}}`))
		svc := service.NewBatchService(testBaseURL, client, service.HaltDefault)

		status, err := svc.SubmitCombined(ctx, newTestChunk(), &service.Settings{Owner: "MyOrg"}, true)
		require.NoError(t, err)
		assert.False(t, status.Queued())
		assert.True(t, status.Completed())
		assert.Equal(t, 2, status.SuccessCount)

		reqs := client.Find("POST", path)
		require.Equal(t, 1, len(reqs))
		assert.Equal(t, "true", reqs[0].Query("includeAdditional"))

		config, err := reqs[0].Multipart("config")
		require.NoError(t, err)
		var settings map[string]string
		require.NoError(t, json.Unmarshal(config, &settings))
		assert.Equal(t, "MyOrg", settings["owner"])
		assert.Equal(t, "V2", settings["version"])

		content, err := reqs[0].Multipart("content")
		require.NoError(t, err)
		var body map[string][]map[string]interface{}
		require.NoError(t, json.Unmarshal(content, &body))
		require.Equal(t, 1, len(body["group"]))
		assert.Equal(t, "g1", body["group"][0]["xid"])
		require.Equal(t, 1, len(body["indicator"]))
		assert.Equal(t, "10.0.0.1", body["indicator"][0]["summary"])
	})

	t.Run("queued job has id", func(t *testing.T) {
		client := &mock.HTTPClient{}
		client.On("POST", path, mock.JSONResponse(200,
			`{"status":"Success","data":{"batchStatus":{"id":123,"status":"Queued"}}}`))
		svc := service.NewBatchService(testBaseURL, client, service.HaltDefault)

		status, err := svc.SubmitCombined(ctx, newTestChunk(), &service.Settings{}, true)
		require.NoError(t, err)
		assert.True(t, status.Queued())
		assert.Equal(t, int64(123), status.ID)
	})

	t.Run("non JSON response is fatal with halt", func(t *testing.T) {
		client := &mock.HTTPClient{}
		client.On("POST", path, &mock.HTTPResponse{Code: 200, Body: "<html></html>"})
		svc := service.NewBatchService(testBaseURL, client, service.HaltDefault)

		_, err := svc.SubmitCombined(ctx, newTestChunk(), &service.Settings{}, true)
		require.Error(t, err)
		assert.Equal(t, service.CodeCombinedSubmit, service.ErrorCodeOf(err))
	})

	t.Run("failure is suppressed without halt", func(t *testing.T) {
		client := &mock.HTTPClient{}
		client.On("POST", path, mock.JSONResponse(200, `{"status":"Failure","message":"bad owner"}`))
		svc := service.NewBatchService(testBaseURL, client, service.HaltDefault)

		status, err := svc.SubmitCombined(ctx, newTestChunk(), &service.Settings{}, false)
		require.NoError(t, err)
		assert.False(t, status.Queued())
		assert.False(t, status.Completed())
	})

	t.Run("halt mode overrides argument", func(t *testing.T) {
		client := &mock.HTTPClient{}
		client.On("POST", path, mock.JSONResponse(http.StatusInternalServerError, `{}`))

		always := service.NewBatchService(testBaseURL, client, service.HaltAlways)
		_, err := always.SubmitCombined(ctx, newTestChunk(), &service.Settings{}, false)
		require.Error(t, err)

		never := service.NewBatchService(testBaseURL, client, service.HaltNever)
		_, err = never.SubmitCombined(ctx, newTestChunk(), &service.Settings{}, true)
		require.NoError(t, err)
	})
}

func TestSubmitJobThenData(t *testing.T) {
	ctx := context.Background()

	t.Run("create job and send data", func(t *testing.T) {
		client := &mock.HTTPClient{}
		client.On("POST", "/api/v2/batch", mock.JSONResponse(201, `{"status":"Success","data":{"batchId":42}}`))
		client.On("POST", "/api/v2/batch/42", mock.JSONResponse(202, `{"status":"Success","data":{"batchStatus":{"status":"Queued"}}}`))
		svc := service.NewBatchService(testBaseURL, client, service.HaltDefault)

		settings := &service.Settings{Action: service.ActionDelete, Owner: "MyOrg"}
		status, err := svc.SubmitJobThenData(ctx, newTestChunk(), settings, true)
		require.NoError(t, err)
		assert.Equal(t, int64(42), status.ID)
		assert.True(t, status.Queued())

		jobs := client.Find("POST", "/api/v2/batch")
		require.Equal(t, 1, len(jobs))
		var sent map[string]string
		require.NoError(t, json.Unmarshal(jobs[0].Body, &sent))
		assert.Equal(t, "Delete", sent["action"])

		data := client.Find("POST", "/api/v2/batch/42")
		require.Equal(t, 1, len(data))
		assert.Equal(t, "application/octet-stream", data[0].Header.Get("Content-Type"))
		assert.Contains(t, string(data[0].Body), `"xid":"g1"`)
	})

	t.Run("job creation failure stops before data", func(t *testing.T) {
		client := &mock.HTTPClient{}
		client.On("POST", "/api/v2/batch", mock.JSONResponse(200, `{"status":"Failure"}`))
		svc := service.NewBatchService(testBaseURL, client, service.HaltDefault)

		_, err := svc.SubmitJobThenData(ctx, newTestChunk(), &service.Settings{}, true)
		require.Error(t, err)
		assert.Equal(t, service.CodeJobCreate, service.ErrorCodeOf(err))

		status, err := svc.SubmitJobThenData(ctx, newTestChunk(), &service.Settings{}, false)
		require.NoError(t, err)
		assert.False(t, status.Queued())
		assert.Equal(t, 0, client.Count("POST", "/api/v2/batch/0"))
	})
}

func TestGetErrors(t *testing.T) {
	client := &mock.HTTPClient{}
	client.On("GET", "/api/v2/batch/9/errors", mock.JSONResponse(200,
		`[{"errorReason":"Invalid indicator","errorSource":"1.2.3"}]`))
	svc := service.NewBatchService(testBaseURL, client, service.HaltDefault)

	batchErrs, err := svc.GetErrors(context.Background(), 9)
	require.NoError(t, err)
	require.Equal(t, 1, len(batchErrs))
	assert.Equal(t, "Invalid indicator", batchErrs[0].ErrorReason)
	assert.Equal(t, "1.2.3", batchErrs[0].ErrorSource)
}
