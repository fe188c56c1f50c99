package service_test

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/m-mizutani/intelbatch/pkg/mock"
	"github.com/m-mizutani/intelbatch/pkg/service"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type sleepRecorder struct {
	slept []time.Duration
}

func (x *sleepRecorder) Sleep(ctx context.Context, d time.Duration) error {
	x.slept = append(x.slept, d)
	return nil
}

func statusResponse(status string, extra string) *mock.HTTPResponse {
	return mock.JSONResponse(200, `{"status":"Success","data":{"batchStatus":{"status":"`+status+`"`+extra+`}}}`)
}

func newTestPoller(client *mock.HTTPClient, config service.PollerConfig) (*service.Poller, *sleepRecorder) {
	sleeper := &sleepRecorder{}
	config.Sleep = sleeper.Sleep
	batch := service.NewBatchService(testBaseURL, client, service.HaltDefault)
	return service.NewPoller(batch, config), sleeper
}

func TestPollUntilCompleted(t *testing.T) {
	client := &mock.HTTPClient{}
	client.On("GET", "/api/v2/batch/7",
		statusResponse("Running", ""),
		statusResponse("Running", ""),
		statusResponse("Completed", `,"errorGroupCount":1`),
	)
	client.On("GET", "/api/v2/batch/7/errors", mock.JSONResponse(200, `[{"errorReason":"Invalid group","errorSource":"g1"}]`))
	poller, sleeper := newTestPoller(client, service.PollerConfig{})
	ctx := context.Background()

	result, err := poller.Poll(ctx, 7, 0, true)
	require.NoError(t, err)
	assert.Equal(t, service.PollCompleted, result.State)
	assert.Equal(t, 3, result.Polls)
	assert.Equal(t, int64(7), result.Status.ID)
	assert.True(t, result.Status.HasErrors())
	assert.Equal(t, 0, client.Count("GET", "/api/v2/batch/7/errors"))

	// 15s default, then 5s + int(1*2.5)s and 5s + int(2*2.5)s
	assert.Equal(t, []time.Duration{15 * time.Second, 7 * time.Second, 10 * time.Second}, sleeper.slept)
	assert.Equal(t, 32*time.Second, result.Elapsed)
	// floor(32 * 0.7)
	assert.Equal(t, 22*time.Second, poller.Interval())

	batchErrs, err := poller.Errors(ctx, 7, true)
	require.NoError(t, err)
	require.Equal(t, 1, len(batchErrs))
	assert.Equal(t, 1, client.Count("GET", "/api/v2/batch/7/errors"))
}

func TestPollStartInterval(t *testing.T) {
	testCases := []struct {
		title    string
		count    int
		expected time.Duration
	}{
		{"unknown count", 0, 15 * time.Second},
		{"small chunk uses minimum", 100, 5 * time.Second},
		{"large chunk", 3000, 10 * time.Second},
		{"rounded up", 3001, 11 * time.Second},
	}

	for _, tc := range testCases {
		t.Run(tc.title, func(t *testing.T) {
			client := &mock.HTTPClient{}
			client.On("GET", "/api/v2/batch/1", statusResponse("Completed", ""))
			poller, sleeper := newTestPoller(client, service.PollerConfig{})

			_, err := poller.Poll(context.Background(), 1, tc.count, true)
			require.NoError(t, err)
			assert.Equal(t, []time.Duration{tc.expected}, sleeper.slept)
		})
	}
}

func TestPollLearnsInterval(t *testing.T) {
	client := &mock.HTTPClient{}
	client.On("GET", "/api/v2/batch/1", statusResponse("Completed", ""))
	client.On("GET", "/api/v2/batch/2", statusResponse("Running", ""), statusResponse("Completed", ""))
	poller, sleeper := newTestPoller(client, service.PollerConfig{})
	ctx := context.Background()

	_, err := poller.Poll(ctx, 1, 0, true)
	require.NoError(t, err)
	// completed on first poll: floor(15 * 0.7 * 0.85)
	assert.Equal(t, 8*time.Second, poller.Interval())

	_, err = poller.Poll(ctx, 2, 0, true)
	require.NoError(t, err)
	assert.Equal(t, []time.Duration{15 * time.Second, 8 * time.Second, 7 * time.Second}, sleeper.slept)
	// (15*0.7*1 + 15*0.7*1.5) / 2.5
	assert.Equal(t, 10*time.Second, poller.Interval())
}

func TestPollTimeout(t *testing.T) {
	for _, mode := range []service.HaltMode{service.HaltDefault, service.HaltNever} {
		client := &mock.HTTPClient{}
		client.On("GET", "/api/v2/batch/3", statusResponse("Running", ""))
		poller, sleeper := newTestPoller(client, service.PollerConfig{
			Timeout:  30 * time.Second,
			HaltMode: mode,
		})

		result, err := poller.Poll(context.Background(), 3, 0, false)
		require.Error(t, err)
		assert.True(t, errors.Is(err, service.ErrPollTimeout))
		assert.Equal(t, service.CodePollTimeout, service.ErrorCodeOf(err))
		assert.Equal(t, service.PollTimedOut, result.State)
		assert.Equal(t, 3, len(sleeper.slept))
		assert.Equal(t, time.Duration(0), poller.Interval())
	}
}

func TestPollFailures(t *testing.T) {
	ctx := context.Background()

	t.Run("transport failure keeps polling without halt", func(t *testing.T) {
		client := &mock.HTTPClient{}
		client.On("GET", "/api/v2/batch/4",
			&mock.HTTPResponse{Err: errors.New("connection reset")},
			statusResponse("Completed", ""),
		)
		poller, _ := newTestPoller(client, service.PollerConfig{})

		result, err := poller.Poll(ctx, 4, 0, false)
		require.NoError(t, err)
		assert.Equal(t, service.PollCompleted, result.State)
		assert.Equal(t, 2, result.Polls)
	})

	t.Run("transport failure is fatal with halt", func(t *testing.T) {
		client := &mock.HTTPClient{}
		client.On("GET", "/api/v2/batch/4", &mock.HTTPResponse{Err: errors.New("connection reset")})
		poller, _ := newTestPoller(client, service.PollerConfig{})

		result, err := poller.Poll(ctx, 4, 0, true)
		require.Error(t, err)
		assert.Equal(t, service.CodePollTransport, service.ErrorCodeOf(err))
		assert.Equal(t, service.PollFailed, result.State)
	})

	t.Run("invalid response stops polling", func(t *testing.T) {
		client := &mock.HTTPClient{}
		client.On("GET", "/api/v2/batch/5", &mock.HTTPResponse{Code: 503, Body: "unavailable"})
		poller, _ := newTestPoller(client, service.PollerConfig{})

		result, err := poller.Poll(ctx, 5, 0, false)
		require.NoError(t, err)
		assert.Equal(t, service.PollFailed, result.State)
		assert.Equal(t, 1, client.Count("GET", "/api/v2/batch/5"))

		_, err = poller.Poll(ctx, 5, 0, true)
		require.Error(t, err)
		assert.Equal(t, service.CodePollStatus, service.ErrorCodeOf(err))
	})

	t.Run("canceled context", func(t *testing.T) {
		client := &mock.HTTPClient{}
		batch := service.NewBatchService(testBaseURL, client, service.HaltDefault)
		poller := service.NewPoller(batch, service.PollerConfig{})

		canceled, cancel := context.WithCancel(ctx)
		cancel()
		result, err := poller.Poll(canceled, 6, 0, false)
		require.Error(t, err)
		assert.Equal(t, service.PollFailed, result.State)
		assert.Equal(t, 0, client.Count("GET", "/api/v2/batch/6"))
	})
}

func TestPollErrorsCriticalFailure(t *testing.T) {
	client := &mock.HTTPClient{}
	client.On("GET", "/api/v2/batch/8/errors", mock.JSONResponse(200, `[
		{"errorReason":"Invalid indicator","errorSource":"x"},
		{"errorReason":"Failed: would exceed the number of allowed indicators","errorSource":"y"}
	]`))
	poller, _ := newTestPoller(client, service.PollerConfig{HaltMode: service.HaltNever})

	batchErrs, err := poller.Errors(context.Background(), 8, false)
	require.Error(t, err)
	assert.True(t, errors.Is(err, service.ErrCriticalFailure))
	assert.Equal(t, service.CodeCriticalFailure, service.ErrorCodeOf(err))
	assert.Equal(t, 2, len(batchErrs))
}

func TestPollErrorsRetrievalFailure(t *testing.T) {
	client := &mock.HTTPClient{}
	client.On("GET", "/api/v2/batch/8/errors", &mock.HTTPResponse{Code: 500, Body: "oops"})
	poller, _ := newTestPoller(client, service.PollerConfig{})

	batchErrs, err := poller.Errors(context.Background(), 8, false)
	require.NoError(t, err)
	assert.Nil(t, batchErrs)

	_, err = poller.Errors(context.Background(), 8, true)
	require.Error(t, err)
	assert.Equal(t, service.CodeErrorRetrieval, service.ErrorCodeOf(err))
}
