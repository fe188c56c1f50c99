package service

import (
	"bytes"
	"context"
	"encoding/json"
	goerrors "errors"
	"fmt"
	"io"
	"io/ioutil"
	"mime/multipart"
	"net/http"
	"net/url"
	"strconv"
	"strings"

	"github.com/m-mizutani/intelbatch"
	"github.com/m-mizutani/intelbatch/pkg/adaptor"
	"github.com/m-mizutani/intelbatch/pkg/errors"
)

// Action of a batch job
type Action string

const (
	ActionCreate Action = "Create"
	ActionDelete Action = "Delete"
)

// WriteType controls how attributes, tags and labels are merged with existing ones
type WriteType string

const (
	WriteAppend  WriteType = "Append"
	WriteReplace WriteType = "Replace"
)

const batchAPIVersion = "V2"

// Settings is configuration of a batch job
type Settings struct {
	Action                  Action
	AttributeWriteType      WriteType
	SecurityLabelWriteType  WriteType
	TagWriteType            WriteType
	HaltOnError             bool
	Owner                   string
	PlaybookTriggersEnabled bool
	HashCollisionMode       string
	FileMergeMode           string
}

// Wire returns settings object of the batch API
func (x *Settings) Wire() map[string]string {
	action := x.Action
	if action == "" {
		action = ActionCreate
	}
	writeType := func(w WriteType) string {
		if w == "" {
			return string(WriteReplace)
		}
		return string(w)
	}

	settings := map[string]string{
		"action":                  string(action),
		"attributeWriteType":      writeType(x.AttributeWriteType),
		"haltOnError":             strconv.FormatBool(x.HaltOnError),
		"owner":                   x.Owner,
		"playbookTriggersEnabled": strconv.FormatBool(x.PlaybookTriggersEnabled),
		"securityLabelWriteType":  writeType(x.SecurityLabelWriteType),
		"tagWriteType":            writeType(x.TagWriteType),
		"version":                 batchAPIVersion,
	}
	if x.HashCollisionMode != "" {
		settings["hashCollisionMode"] = x.HashCollisionMode
	}
	if x.FileMergeMode != "" {
		settings["fileMergeMode"] = x.FileMergeMode
	}
	return settings
}

// BatchStatus is status of a batch job reported by the platform
type BatchStatus struct {
	ID                    int64         `json:"id,omitempty"`
	Status                string        `json:"status"`
	ErrorCount            int           `json:"errorCount"`
	ErrorGroupCount       int           `json:"errorGroupCount"`
	ErrorIndicatorCount   int           `json:"errorIndicatorCount"`
	SuccessCount          int           `json:"successCount"`
	SuccessGroupCount     int           `json:"successGroupCount"`
	SuccessIndicatorCount int           `json:"successIndicatorCount"`
	UnprocessCount        int           `json:"unprocessCount"`
	Errors                []*BatchError `json:"errors,omitempty"`
}

// StatusCompleted is BatchStatus.Status of a finished job
const StatusCompleted = "Completed"

// Queued returns true if the job is processed asynchronously and must be polled
func (x *BatchStatus) Queued() bool {
	return x.ID != 0
}

// Completed returns true if the job is finished
func (x *BatchStatus) Completed() bool {
	return x.Status == StatusCompleted
}

// HasErrors returns true if any error count is nonzero
func (x *BatchStatus) HasErrors() bool {
	return x.ErrorCount > 0 || x.ErrorGroupCount > 0 || x.ErrorIndicatorCount > 0
}

// BatchError is an item of the error list of a batch job
type BatchError struct {
	ErrorReason  string `json:"errorReason"`
	ErrorSource  string `json:"errorSource"`
	ErrorMessage string `json:"errorMessage,omitempty"`
}

type apiResponse struct {
	Status  string `json:"status"`
	Message string `json:"message"`
	Data    struct {
		BatchID     int64        `json:"batchId"`
		BatchStatus *BatchStatus `json:"batchStatus"`
	} `json:"data"`
}

// BatchService submits chunks to the batch API
type BatchService struct {
	baseURL  string
	client   adaptor.HTTPClient
	haltMode HaltMode
}

// NewBatchService is constructor of BatchService. haltMode overrides halt argument of submissions.
func NewBatchService(baseURL string, client adaptor.HTTPClient, haltMode HaltMode) *BatchService {
	return &BatchService{
		baseURL:  strings.TrimRight(baseURL, "/"),
		client:   client,
		haltMode: haltMode,
	}
}

func (x *BatchService) newRequest(ctx context.Context, method, path string, query url.Values, body io.Reader) (*http.Request, error) {
	u := x.baseURL + path
	if len(query) > 0 {
		u += "?" + query.Encode()
	}
	req, err := http.NewRequestWithContext(ctx, method, u, body)
	if err != nil {
		return nil, errors.Wrap(err, "Failed to create a new HTTP request").With("url", u)
	}
	return req, nil
}

// send executes req and decodes JSON response into v. Non-2xx status and non-JSON content are
// errors with status code and body attached.
func (x *BatchService) send(req *http.Request, v interface{}) error {
	resp, err := x.client.Do(req)
	if err != nil {
		return errors.Wrap(err, "Failed to send request").With("url", req.URL.String()).With("transport", true)
	}
	defer resp.Body.Close()

	body, err := ioutil.ReadAll(resp.Body)
	if err != nil {
		return errors.Wrap(err, "Failed to read response").With("url", req.URL.String())
	}

	if resp.StatusCode < 200 || 300 <= resp.StatusCode {
		return errors.Wrap(errResponse, "HTTP error").
			With("url", req.URL.String()).With("status_code", resp.StatusCode).With("body", string(body))
	}
	if ct := resp.Header.Get("Content-Type"); !strings.Contains(ct, "application/json") {
		return errors.Wrap(errResponse, "Response is not JSON").
			With("url", req.URL.String()).With("content_type", ct).With("body", string(body))
	}
	if err := json.Unmarshal(body, v); err != nil {
		return errors.Wrap(err, "Failed to decode response").
			With("url", req.URL.String()).With("body", string(body))
	}
	return nil
}

func (x *BatchService) sendAPI(req *http.Request) (*apiResponse, error) {
	var resp apiResponse
	if err := x.send(req, &resp); err != nil {
		return nil, err
	}
	if resp.Status != "Success" {
		return nil, errors.Wrap(errResponse, "Batch API returned failure").
			With("url", req.URL.String()).With("status", resp.Status).With("message", resp.Message)
	}
	return &resp, nil
}

// SubmitCombined creates a batch job and uploads chunk in one request. The platform processes a
// small chunk synchronously and returns the final status; otherwise the status has an ID to poll.
// When the failure is not fatal an empty status is returned.
func (x *BatchService) SubmitCombined(ctx context.Context, chunk *intelbatch.Chunk, settings *Settings, halt bool) (*BatchStatus, error) {
	halt = x.haltMode.Resolve(halt)

	status, err := x.submitCombined(ctx, chunk, settings)
	if err != nil {
		submittedChunks.WithLabelValues("combined", "error").Inc()
		return &BatchStatus{}, handleError(newBatchError(CodeCombinedSubmit, err), halt)
	}

	submittedChunks.WithLabelValues("combined", "ok").Inc()
	submittedRecords.Add(float64(chunk.Count()))
	return status, nil
}

func (x *BatchService) submitCombined(ctx context.Context, chunk *intelbatch.Chunk, settings *Settings) (*BatchStatus, error) {
	config, err := json.Marshal(settings.Wire())
	if err != nil {
		return nil, errors.Wrap(err, "Failed to marshal settings")
	}
	content, err := json.Marshal(chunk)
	if err != nil {
		return nil, errors.Wrap(err, "Failed to marshal chunk")
	}

	buf := &bytes.Buffer{}
	mw := multipart.NewWriter(buf)
	for _, part := range []struct {
		name string
		data []byte
	}{{"config", config}, {"content", content}} {
		w, err := mw.CreateFormFile(part.name, part.name)
		if err != nil {
			return nil, errors.Wrap(err, "Failed to create multipart field").With("name", part.name)
		}
		if _, err := w.Write(part.data); err != nil {
			return nil, errors.Wrap(err, "Failed to write multipart field").With("name", part.name)
		}
	}
	if err := mw.Close(); err != nil {
		return nil, errors.Wrap(err, "Failed to close multipart body")
	}

	query := url.Values{"includeAdditional": []string{"true"}}
	req, err := x.newRequest(ctx, http.MethodPost, "/v2/batch/createAndUpload", query, buf)
	if err != nil {
		return nil, err
	}
	req.Header.Set("Content-Type", mw.FormDataContentType())

	resp, err := x.sendAPI(req)
	if err != nil {
		return nil, err
	}
	if resp.Data.BatchStatus == nil {
		return &BatchStatus{}, nil
	}
	return resp.Data.BatchStatus, nil
}

// SubmitJob creates a batch job from settings and returns its ID. 0 is returned for a non-fatal failure.
func (x *BatchService) SubmitJob(ctx context.Context, settings *Settings, halt bool) (int64, error) {
	halt = x.haltMode.Resolve(halt)

	raw, err := json.Marshal(settings.Wire())
	if err != nil {
		return 0, errors.Wrap(err, "Failed to marshal settings")
	}
	req, err := x.newRequest(ctx, http.MethodPost, "/v2/batch", nil, bytes.NewReader(raw))
	if err != nil {
		return 0, err
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := x.sendAPI(req)
	if err != nil {
		return 0, handleError(newBatchError(CodeJobCreate, err), halt)
	}
	if resp.Data.BatchID == 0 {
		return 0, handleError(newBatchError(CodeJobCreate, errors.Wrap(errResponse, "No batchId in response")), halt)
	}

	logger.Debug().Int64("batch_id", resp.Data.BatchID).Msg("Created batch job")
	return resp.Data.BatchID, nil
}

// SubmitData sends chunk to an existing batch job
func (x *BatchService) SubmitData(ctx context.Context, batchID int64, chunk *intelbatch.Chunk, halt bool) (*BatchStatus, error) {
	halt = x.haltMode.Resolve(halt)

	content, err := json.Marshal(chunk)
	if err != nil {
		return nil, errors.Wrap(err, "Failed to marshal chunk")
	}
	req, err := x.newRequest(ctx, http.MethodPost, fmt.Sprintf("/v2/batch/%d", batchID), nil, bytes.NewReader(content))
	if err != nil {
		return nil, err
	}
	req.Header.Set("Content-Type", "application/octet-stream")

	resp, err := x.sendAPI(req)
	if err != nil {
		submittedChunks.WithLabelValues("data", "error").Inc()
		return &BatchStatus{}, handleError(newBatchError(CodeDataSubmit, err).With("batch_id", batchID), halt)
	}

	submittedChunks.WithLabelValues("data", "ok").Inc()
	submittedRecords.Add(float64(chunk.Count()))
	status := resp.Data.BatchStatus
	if status == nil {
		status = &BatchStatus{Status: "Queued"}
	}
	status.ID = batchID
	return status, nil
}

// SubmitJobThenData creates a job and sends chunk to it. Delete jobs must use this path.
func (x *BatchService) SubmitJobThenData(ctx context.Context, chunk *intelbatch.Chunk, settings *Settings, halt bool) (*BatchStatus, error) {
	batchID, err := x.SubmitJob(ctx, settings, halt)
	if err != nil {
		return nil, err
	}
	if batchID == 0 {
		return &BatchStatus{}, nil
	}
	return x.SubmitData(ctx, batchID, chunk, halt)
}

// GetStatus fetches status of a batch job. Errors have code CodePollTransport for a failed request
// and CodePollStatus for an invalid response.
func (x *BatchService) GetStatus(ctx context.Context, batchID int64) (*BatchStatus, error) {
	query := url.Values{"includeAdditional": []string{"true"}}
	req, err := x.newRequest(ctx, http.MethodGet, fmt.Sprintf("/v2/batch/%d", batchID), query, nil)
	if err != nil {
		return nil, err
	}

	api, err := x.sendAPI(req)
	if err != nil {
		code := CodePollStatus
		if isTransportError(err) {
			code = CodePollTransport
		}
		return nil, newBatchError(code, err).With("batch_id", batchID)
	}
	if api.Data.BatchStatus == nil {
		return nil, newBatchError(CodePollStatus, errors.Wrap(errResponse, "No batchStatus in response")).
			With("batch_id", batchID)
	}
	return api.Data.BatchStatus, nil
}

// GetErrors fetches error list of a batch job
func (x *BatchService) GetErrors(ctx context.Context, batchID int64) ([]*BatchError, error) {
	req, err := x.newRequest(ctx, http.MethodGet, fmt.Sprintf("/v2/batch/%d/errors", batchID), nil, nil)
	if err != nil {
		return nil, err
	}

	var batchErrs []*BatchError
	if err := x.send(req, &batchErrs); err != nil {
		return nil, newBatchError(CodeErrorRetrieval, err).With("batch_id", batchID)
	}
	return batchErrs, nil
}

func isTransportError(err error) bool {
	var e *errors.Error
	if !goerrors.As(err, &e) {
		return false
	}
	transport, _ := e.Values["transport"].(bool)
	return transport
}

// BatchResult is outcome of one chunk submitted by the engine
type BatchResult struct {
	BatchID int64           `json:"batchId,omitempty"`
	Action  Action          `json:"action"`
	Count   int             `json:"count"`
	State   PollState       `json:"state,omitempty"`
	Status  *BatchStatus    `json:"status,omitempty"`
	Errors  []*BatchError   `json:"errors,omitempty"`
	Uploads []*UploadStatus `json:"uploads,omitempty"`
	Saved   string          `json:"saved,omitempty"`
}
