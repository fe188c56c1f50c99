package service

import (
	"context"
	"net/http"
	"testing"

	"github.com/m-mizutani/intelbatch"
	"github.com/m-mizutani/intelbatch/pkg/mock"
	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestUploadMetrics(t *testing.T) {
	client := &mock.HTTPClient{}
	client.On("POST", "/api/v2/groups/documents/d1/upload", &mock.HTTPResponse{Code: http.StatusOK})
	client.On("POST", "/api/v2/groups/documents/d2/upload", &mock.HTTPResponse{Code: http.StatusInternalServerError})
	svc := NewUploadService(&UploadServiceArguments{
		BaseURL:    "https://api.example.com/api",
		Owner:      "MyOrg",
		HTTPClient: client,
	})

	uploaded := testutil.ToFloat64(uploadedFiles.WithLabelValues("uploaded"))
	failed := testutil.ToFloat64(uploadedFiles.WithLabelValues("failed"))
	rejected := testutil.ToFloat64(batchErrors.WithLabelValues("585"))

	files := map[string]*intelbatch.Attachment{
		"d1": {FileName: "a.txt", Kind: intelbatch.GroupDocument, Content: []byte("a")},
		"d2": {FileName: "b.txt", Kind: intelbatch.GroupDocument, Content: []byte("b")},
	}
	_, err := svc.UploadFiles(context.Background(), files, false)
	require.NoError(t, err)

	assert.Equal(t, uploaded+1, testutil.ToFloat64(uploadedFiles.WithLabelValues("uploaded")))
	assert.Equal(t, failed+1, testutil.ToFloat64(uploadedFiles.WithLabelValues("failed")))
	assert.Equal(t, rejected+1, testutil.ToFloat64(batchErrors.WithLabelValues("585")))
}

func TestSubmitMetrics(t *testing.T) {
	client := &mock.HTTPClient{}
	client.On("POST", "/api/v2/batch/createAndUpload", mock.JSONResponse(200,
		`{"status":"Success","data":{"batchStatus":{"status":"Completed"}}}`))
	svc := NewBatchService("https://api.example.com/api", client, HaltDefault)

	chunks := testutil.ToFloat64(submittedChunks.WithLabelValues("combined", "ok"))
	records := testutil.ToFloat64(submittedRecords)

	chunk := intelbatch.NewChunk()
	chunk.Indicators = append(chunk.Indicators, intelbatch.NewIndicator(intelbatch.IndicatorHost, "i1", "example.com").Wire())
	_, err := svc.SubmitCombined(context.Background(), chunk, &Settings{Owner: "MyOrg"}, true)
	require.NoError(t, err)

	assert.Equal(t, chunks+1, testutil.ToFloat64(submittedChunks.WithLabelValues("combined", "ok")))
	assert.Equal(t, records+1, testutil.ToFloat64(submittedRecords))
}

func TestPushMetrics(t *testing.T) {
	t.Run("metrics of the registry are pushed", func(t *testing.T) {
		client := &mock.HTTPClient{}
		client.On("PUT", "/metrics/job/intelbatch", &mock.HTTPResponse{Code: http.StatusOK})

		require.NoError(t, PushMetrics("http://pushgateway.example.com:9091", "intelbatch", client))
		reqs := client.Find("PUT", "/metrics/job/intelbatch")
		require.Equal(t, 1, len(reqs))
		assert.Contains(t, string(reqs[0].Body), "intelbatch_submitted_records_total")
		assert.NotContains(t, string(reqs[0].Body), "go_goroutines")
	})

	t.Run("rejected push is an error", func(t *testing.T) {
		client := &mock.HTTPClient{}
		client.On("PUT", "/metrics/job/intelbatch", &mock.HTTPResponse{Code: http.StatusInternalServerError})
		assert.Error(t, PushMetrics("http://pushgateway.example.com:9091", "intelbatch", client))
	})
}
