package lambda

import (
	"encoding/json"
	"net/url"

	"github.com/aws/aws-lambda-go/events"
	"github.com/m-mizutani/intelbatch/pkg/arguments"
	"github.com/m-mizutani/intelbatch/pkg/errors"
)

// Arguments are passed to Handler. It includes environment variables, received event and factories, etc.
type Arguments struct {
	arguments.Arguments
	Event interface{} `env:"-"`
}

func newArguments(event interface{}) (*Arguments, error) {
	base, err := arguments.New()
	if err != nil {
		return nil, err
	}
	return &Arguments{
		Arguments: *base,
		Event:     event,
	}, nil
}

// -----------------------
// Data binding

// BindEvent convert event that Lambda Function received to v via json marshal/unmarshal
func (x *Arguments) BindEvent(v interface{}) error {
	raw, err := json.Marshal(x.Event)
	if err != nil {
		return errors.Wrap(err, "Marshal lambda event")
	}
	if err := json.Unmarshal(raw, v); err != nil {
		return errors.Wrap(err, "Unmarshal lambda event")
	}
	return nil
}

// EventRecord is decapsulate event data (e.g. Body of SQS event)
type EventRecord []byte

// Bind unmarshal event record to object
func (x EventRecord) Bind(ev interface{}) error {
	if err := json.Unmarshal(x, ev); err != nil {
		return errors.Wrap(err, "Failed json.Unmarshal in DecodeEvent").With("raw", string(x))
	}
	return nil
}

// DecapSQSEvent decapsulate wrapped body data in SQSEvent
func (x *Arguments) DecapSQSEvent() ([]EventRecord, error) {
	var sqsEvent events.SQSEvent
	if err := x.BindEvent(&sqsEvent); err != nil {
		return nil, err
	}

	var output []EventRecord
	for _, record := range sqsEvent.Records {
		output = append(output, EventRecord(record.Body))
	}

	return output, nil
}

// S3Object is location of a record file
type S3Object struct {
	Region string
	Bucket string
	Key    string
}

func s3Objects(s3Event events.S3Event) ([]*S3Object, error) {
	var output []*S3Object
	for _, record := range s3Event.Records {
		// object key in S3 event is URL encoded
		key, err := url.QueryUnescape(record.S3.Object.Key)
		if err != nil {
			return nil, errors.Wrap(err, "Invalid object key in S3 event").With("key", record.S3.Object.Key)
		}
		output = append(output, &S3Object{
			Region: record.AWSRegion,
			Bucket: record.S3.Bucket.Name,
			Key:    key,
		})
	}
	return output, nil
}

// DecapS3Event extracts objects from S3 event. S3 notifications delivered via SQS are also accepted.
func (x *Arguments) DecapS3Event() ([]*S3Object, error) {
	var sqsEvent events.SQSEvent
	if err := x.BindEvent(&sqsEvent); err == nil && len(sqsEvent.Records) > 0 && sqsEvent.Records[0].Body != "" {
		var output []*S3Object
		for _, record := range sqsEvent.Records {
			var s3Event events.S3Event
			if err := EventRecord(record.Body).Bind(&s3Event); err != nil {
				return nil, err
			}
			objects, err := s3Objects(s3Event)
			if err != nil {
				return nil, err
			}
			output = append(output, objects...)
		}
		return output, nil
	}

	var s3Event events.S3Event
	if err := x.BindEvent(&s3Event); err != nil {
		return nil, err
	}
	return s3Objects(s3Event)
}
