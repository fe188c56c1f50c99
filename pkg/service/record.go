package service

import (
	"bufio"
	"bytes"
	"compress/gzip"
	"encoding/json"
	"sync"

	"github.com/aws/aws-sdk-go/aws"
	"github.com/aws/aws-sdk-go/service/s3"
	"github.com/m-mizutani/intelbatch"
	"github.com/m-mizutani/intelbatch/pkg/adaptor"
	"github.com/m-mizutani/intelbatch/pkg/errors"
)

// RecordKind is kind of a line in record file
type RecordKind string

const (
	RecordGroup     RecordKind = "group"
	RecordIndicator RecordKind = "indicator"
)

// RecordLine is one line of record file
type RecordLine struct {
	Kind   RecordKind           `json:"kind"`
	Record intelbatch.RawRecord `json:"record"`
}

// RecordService reads and writes record files, gzip compressed JSON lines on S3
type RecordService struct {
	newS3 adaptor.S3ClientFactory
}

func NewRecordService(newS3 adaptor.S3ClientFactory) *RecordService {
	return &RecordService{
		newS3: newS3,
	}
}

type recordQueueMsg struct {
	Error error
	Line  *RecordLine
}

type ReadQueue struct {
	queue    chan *recordQueueMsg
	done     chan struct{}
	finished chan struct{}
	stop     sync.Once
	err      error
	closed   bool
}

// Read returns the next line. nil is returned at the end or on error; check Error() then.
func (x *ReadQueue) Read() *RecordLine {
	if x.closed {
		return nil
	}

	msg := <-x.queue
	if msg == nil {
		x.closed = true
		return nil
	}
	if msg.Error != nil {
		x.closed = true
		x.err = msg.Error
		return nil
	}

	return msg.Line
}

func (x *ReadQueue) Error() error {
	return x.err
}

// Close stops reading the object and waits until the S3 body is closed. It must be called when
// the consumer stops before the end.
func (x *ReadQueue) Close() {
	x.stop.Do(func() { close(x.done) })
	<-x.finished
	x.closed = true
}

// send returns false if the queue is closed by the consumer
func (x *ReadQueue) send(msg *recordQueueMsg) bool {
	select {
	case x.queue <- msg:
		return true
	case <-x.done:
		return false
	}
}

const maxRecordLineSize = 16 * 1024 * 1024

// NewReadQueue is constructor of ReadQueue
func (x *RecordService) NewReadQueue(region, bucket, key string) *ReadQueue {
	rq := &ReadQueue{
		queue:    make(chan *recordQueueMsg, 256),
		done:     make(chan struct{}),
		finished: make(chan struct{}),
	}

	go func() {
		defer close(rq.finished)
		defer close(rq.queue)
		s3Client, err := x.newS3(region)
		if err != nil {
			rq.send(&recordQueueMsg{Error: err})
			return
		}

		input := &s3.GetObjectInput{
			Bucket: aws.String(bucket),
			Key:    aws.String(key),
		}
		output, err := s3Client.GetObject(input)
		if err != nil {
			rq.send(&recordQueueMsg{
				Error: errors.Wrap(err, "Failed GetObject").With("input", input),
			})
			return
		}
		defer output.Body.Close()

		scanner := bufio.NewScanner(output.Body)
		scanner.Buffer(make([]byte, 64*1024), maxRecordLineSize)
		for scanner.Scan() {
			buf := scanner.Bytes()
			if len(bytes.TrimSpace(buf)) == 0 {
				continue
			}

			line := &RecordLine{}
			if err := json.Unmarshal(buf, line); err != nil {
				rq.send(&recordQueueMsg{
					Error: errors.Wrap(err, "Failed to decode record line").With("buf", string(buf)),
				})
				return
			}
			if line.Kind != RecordGroup && line.Kind != RecordIndicator {
				rq.send(&recordQueueMsg{
					Error: errors.New("Unknown record kind").With("kind", line.Kind).With("key", key),
				})
				return
			}

			if !rq.send(&recordQueueMsg{Line: line}) {
				return
			}
		}
		if err := scanner.Err(); err != nil {
			rq.send(&recordQueueMsg{
				Error: errors.Wrap(err, "Failed to scan record file").With("key", key),
			})
		}
	}()

	return rq
}

type WriteQueue struct {
	queue chan *RecordLine
	wg    sync.WaitGroup
	err   error
}

// Write sends line to the queue. Lines written after a failure are discarded.
func (x *WriteQueue) Write(line *RecordLine) {
	x.queue <- line
}

// Close flushes the file to S3 and returns the first error
func (x *WriteQueue) Close() error {
	close(x.queue)
	x.wg.Wait()
	return x.err
}

// NewWriteQueue is constructor of WriteQueue
func (x *RecordService) NewWriteQueue(region, bucket, key string) *WriteQueue {
	queue := make(chan *RecordLine, 256)
	wq := &WriteQueue{
		queue: queue,
	}

	wq.wg.Add(1)
	go func() {
		defer wq.wg.Done()
		// drain the queue on failure so that Write never blocks
		defer func() {
			for range queue {
			}
		}()

		s3Client, err := x.newS3(region)
		if err != nil {
			wq.err = errors.Wrap(err, "Failed to create S3Client").With("region", region)
			return
		}

		buf := &bytes.Buffer{}
		gz := gzip.NewWriter(buf)
		rc := []byte("\n")
		for line := range queue {
			raw, err := json.Marshal(line)
			if err != nil {
				wq.err = errors.Wrap(err, "Failed to marshal record").With("line", line)
				return
			}

			if _, err := gz.Write(append(raw, rc...)); err != nil {
				wq.err = errors.Wrap(err, "Failed to write line of record").With("raw", string(raw))
				return
			}
		}
		if err := gz.Close(); err != nil {
			wq.err = errors.Wrap(err, "Failed to close gzip stream")
			return
		}

		input := &s3.PutObjectInput{
			Bucket:          aws.String(bucket),
			Key:             aws.String(key),
			Body:            bytes.NewReader(buf.Bytes()),
			ContentEncoding: aws.String("gzip"),
			ContentType:     aws.String("application/x-gzip"),
		}
		if _, err := s3Client.PutObject(input); err != nil {
			wq.err = errors.Wrap(err, "Failed to put object").With("bucket", bucket).With("key", key)
			return
		}
	}()

	return wq
}
