package service

import (
	"encoding/json"
	"strings"

	"github.com/aws/aws-sdk-go/aws"
	"github.com/aws/aws-sdk-go/service/sns"
	"github.com/m-mizutani/intelbatch/pkg/adaptor"
	"github.com/m-mizutani/intelbatch/pkg/errors"
	"github.com/m-mizutani/intelbatch/pkg/logging"
)

var logger = logging.Logger

// SNSService publishes results of batch jobs
type SNSService struct {
	newSNS adaptor.SNSClientFactory
}

// NewSNSService is constructor of SNSService
func NewSNSService(newSNS adaptor.SNSClientFactory) *SNSService {
	return &SNSService{
		newSNS: newSNS,
	}
}

func extractSNSRegion(topicARN string) (string, error) {
	// arn:aws:sns:us-east-1:111122223333:my-topic
	arnParts := strings.Split(topicARN, ":")
	if len(arnParts) != 6 || arnParts[2] != "sns" {
		return "", errors.New("Invalid SNS topic ARN").With("arn", topicARN)
	}
	return arnParts[3], nil
}

// PublishResult sends result as JSON message to topicARN. Uploads are summarized to keep the
// message small.
func (x *SNSService) PublishResult(topicARN string, result *BatchResult) error {
	region, err := extractSNSRegion(topicARN)
	if err != nil {
		return err
	}
	client, err := x.newSNS(region)
	if err != nil {
		return errors.Wrap(err, "Failed to create SNS client").With("region", region)
	}

	msg := struct {
		*BatchResult
		Uploads       []*UploadStatus `json:"uploads,omitempty"`
		UploadedFiles int             `json:"uploadedFiles"`
		FailedUploads []string        `json:"failedUploads,omitempty"`
	}{BatchResult: result}
	for _, upload := range result.Uploads {
		if upload.Uploaded {
			msg.UploadedFiles++
		} else {
			msg.FailedUploads = append(msg.FailedUploads, upload.Xid)
		}
	}

	raw, err := json.Marshal(msg)
	if err != nil {
		return errors.Wrap(err, "Failed to marshal result").With("batch_id", result.BatchID)
	}

	input := &sns.PublishInput{
		TopicArn: aws.String(topicARN),
		Message:  aws.String(string(raw)),
	}
	resp, err := client.Publish(input)
	if err != nil {
		return errors.Wrap(err, "Failed to publish result").With("topic", topicARN)
	}

	logger.Trace().Interface("resp", resp).Msg("Published batch result")
	return nil
}
