package main

import (
	"context"

	"github.com/m-mizutani/intelbatch/pkg/batch"
	"github.com/m-mizutani/intelbatch/pkg/errors"
	"github.com/m-mizutani/intelbatch/pkg/lambda"
	"github.com/m-mizutani/intelbatch/pkg/logging"
	"github.com/m-mizutani/intelbatch/pkg/service"
)

var logger = logging.Logger

// Handler loads record files notified by S3 events into an engine and submits all of them
func Handler(ctx context.Context, args *lambda.Arguments) error {
	objects, err := args.DecapS3Event()
	if err != nil {
		return err
	}

	halt, err := args.Halt()
	if err != nil {
		return err
	}

	engine, err := args.Engine()
	if err != nil {
		return err
	}
	defer func() {
		if err := args.PushMetrics(); err != nil {
			logger.Warn().Err(err).Msg("Failed to push metrics")
		}
	}()
	defer func() {
		if err := engine.Close(); err != nil {
			logger.Warn().Err(err).Msg("Failed to close engine")
		}
	}()

	records := args.RecordService()
	for _, obj := range objects {
		region := obj.Region
		if region == "" {
			region = args.AwsRegion
		}

		n, err := loadRecords(engine, records.NewReadQueue(region, obj.Bucket, obj.Key))
		if err != nil {
			return errors.Wrap(err).With("bucket", obj.Bucket).With("key", obj.Key)
		}
		logger.Info().Str("bucket", obj.Bucket).Str("key", obj.Key).Int("records", n).Msg("Loaded record file")
	}

	results, err := engine.SubmitAll(ctx, batch.SubmitOptions{Poll: true, Errors: true, Halt: halt})
	for _, result := range results {
		logger.Info().Int64("batch_id", result.BatchID).Int("count", result.Count).
			Str("state", string(result.State)).Int("errors", len(result.Errors)).Msg("Batch job finished")
	}
	return err
}

func loadRecords(engine *batch.Engine, rq *service.ReadQueue) (int, error) {
	defer rq.Close()

	n := 0
	for line := rq.Read(); line != nil; line = rq.Read() {
		var err error
		switch line.Kind {
		case service.RecordGroup:
			_, err = engine.AddGroup(line.Record)
		case service.RecordIndicator:
			_, err = engine.AddIndicator(line.Record)
		}
		if err != nil {
			return n, err
		}
		n++
	}
	return n, rq.Error()
}

func main() {
	lambda.Run(Handler)
}
