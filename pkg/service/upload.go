package service

import (
	"bytes"
	"context"
	"fmt"
	"io/ioutil"
	"net/http"
	"net/url"
	"sort"
	"strings"

	"github.com/hashicorp/go-multierror"
	"github.com/m-mizutani/intelbatch"
	"github.com/m-mizutani/intelbatch/pkg/adaptor"
	"github.com/m-mizutani/intelbatch/pkg/errors"
)

// UploadStatus is result of one attachment
type UploadStatus struct {
	Xid      string `json:"xid"`
	Uploaded bool   `json:"uploaded"`
	Skipped  bool   `json:"skipped,omitempty"`
}

// UploadServiceArguments configures UploadService
type UploadServiceArguments struct {
	BaseURL    string
	Owner      string
	HTTPClient adaptor.HTTPClient
	HaltMode   HaltMode
	Replay     *ReplayService
}

// UploadService uploads attachments of Document and Report groups
type UploadService struct {
	args *UploadServiceArguments
}

// NewUploadService is constructor of UploadService
func NewUploadService(args *UploadServiceArguments) *UploadService {
	return &UploadService{args: args}
}

// UploadFiles uploads files one by one. A failure of a file never stops others. Failures are
// returned as one aggregated error only when halt resolves true.
func (x *UploadService) UploadFiles(ctx context.Context, files map[string]*intelbatch.Attachment, halt bool) ([]*UploadStatus, error) {
	halt = x.args.HaltMode.Resolve(halt)

	xids := make([]string, 0, len(files))
	for xid := range files {
		xids = append(xids, xid)
	}
	sort.Strings(xids)

	var result *multierror.Error
	statuses := make([]*UploadStatus, 0, len(xids))
	for _, xid := range xids {
		status, err := x.uploadFile(ctx, xid, files[xid])
		statuses = append(statuses, status)

		switch {
		case err != nil:
			uploadedFiles.WithLabelValues("failed").Inc()
			if e := handleError(err, halt); e != nil {
				result = multierror.Append(result, e)
			}
		case status.Skipped:
			uploadedFiles.WithLabelValues("skipped").Inc()
		default:
			uploadedFiles.WithLabelValues("uploaded").Inc()
		}
	}

	return statuses, result.ErrorOrNil()
}

func (x *UploadService) uploadFile(ctx context.Context, xid string, file *intelbatch.Attachment) (*UploadStatus, *errors.Error) {
	status := &UploadStatus{Xid: xid}
	branch := file.Kind.UploadBranch()
	if branch == "" {
		return status, newBatchError(CodeFileUpload, errors.New("Group type can not have file")).
			With("xid", xid).With("type", file.Kind)
	}

	if x.args.Replay != nil {
		done, err := x.args.Replay.Uploaded(branch, xid, file.FileName)
		if err != nil {
			logger.Warn().Err(err).Str("xid", xid).Msg("Failed to look up uploaded xid, upload again")
		} else if done {
			logger.Debug().Str("xid", xid).Msg("Skip uploaded file")
			status.Uploaded = true
			status.Skipped = true
			return status, nil
		}
	}

	content, err := file.Resolve(xid)
	if err != nil {
		return status, newBatchError(CodeFileUpload, err).With("xid", xid).With("file_name", file.FileName)
	}
	if content == nil {
		return status, newBatchError(CodeFileUpload, errors.New("File content is empty")).
			With("xid", xid).With("file_name", file.FileName)
	}

	resp, err := x.send(ctx, http.MethodPost, branch, xid, content)
	if err == nil && resp.code == http.StatusUnauthorized {
		// 401 means the file already exists
		resp, err = x.send(ctx, http.MethodPut, branch, xid, content)
	}
	if err != nil {
		return status, newBatchError(CodeFileTransport, err).With("xid", xid)
	}
	if resp.code < 200 || 300 <= resp.code {
		return status, newBatchError(CodeFileUpload, errors.Wrap(errResponse, "File upload failed")).
			With("xid", xid).With("status_code", resp.code).With("body", resp.body)
	}

	status.Uploaded = true
	if x.args.Replay != nil {
		if err := x.args.Replay.MarkUploaded(branch, xid, file.FileName, content); err != nil {
			logger.Warn().Err(err).Str("xid", xid).Msg("Failed to record uploaded file")
		}
	}
	return status, nil
}

type uploadResponse struct {
	code int
	body string
}

func (x *UploadService) send(ctx context.Context, method, branch, xid string, content []byte) (*uploadResponse, error) {
	query := url.Values{"updateIfExists": []string{"true"}}
	if x.args.Owner != "" {
		query.Set("owner", x.args.Owner)
	}
	u := fmt.Sprintf("%s/v2/groups/%s/%s/upload?%s",
		strings.TrimRight(x.args.BaseURL, "/"), branch, url.PathEscape(xid), query.Encode())

	req, err := http.NewRequestWithContext(ctx, method, u, bytes.NewReader(content))
	if err != nil {
		return nil, errors.Wrap(err, "Failed to create upload request").With("url", u)
	}
	req.Header.Set("Content-Type", "application/octet-stream")

	resp, err := x.args.HTTPClient.Do(req)
	if err != nil {
		return nil, errors.Wrap(err, "Failed to send file").With("url", u).With("method", method)
	}
	defer resp.Body.Close()

	body, _ := ioutil.ReadAll(resp.Body)
	return &uploadResponse{code: resp.StatusCode, body: string(body)}, nil
}
