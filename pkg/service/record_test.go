package service_test

import (
	"bytes"
	"compress/gzip"
	"fmt"
	"os"
	"testing"
	"time"

	"github.com/aws/aws-sdk-go/aws"
	"github.com/aws/aws-sdk-go/service/s3"
	"github.com/google/uuid"
	"github.com/m-mizutani/intelbatch"
	"github.com/m-mizutani/intelbatch/pkg/adaptor"
	"github.com/m-mizutani/intelbatch/pkg/mock"
	"github.com/m-mizutani/intelbatch/pkg/service"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestRecordServiceWithMock(t *testing.T) {
	newS3, _ := mock.NewS3Mock()
	testRecordService(t, newS3, "my-region", "my-bucket")
}

func TestRecordServiceWithAWS(t *testing.T) {
	testBucket, ok := os.LookupEnv("TEST_BUCKET_NAME")
	if !ok {
		t.Skip("TEST_BUCKET_NAME is not set")
	}

	testRecordService(t, adaptor.NewS3Client, os.Getenv("AWS_REGION"), testBucket)
}

func testRecordService(t *testing.T, newS3 adaptor.S3ClientFactory, s3Region, s3Bucket string) {
	t.Run("Simple write and read", func(t *testing.T) {
		lines := []*service.RecordLine{
			{Kind: service.RecordGroup, Record: intelbatch.RawRecord{
				"xid": "g1", "type": "Incident", "name": "incident",
			}},
			{Kind: service.RecordIndicator, Record: intelbatch.RawRecord{
				"xid": "i1", "type": "Host", "summary": "example.com",
			}},
		}

		s3Key := fmt.Sprintf("intelbatch-test/%s.json.gz", uuid.New().String())
		svc := service.NewRecordService(newS3)
		wq := svc.NewWriteQueue(s3Region, s3Bucket, s3Key)
		for _, line := range lines {
			wq.Write(line)
		}
		require.NoError(t, wq.Close())

		rq := svc.NewReadQueue(s3Region, s3Bucket, s3Key)
		l0 := rq.Read()
		require.NotNil(t, l0)
		assert.Equal(t, lines[0], l0)

		l1 := rq.Read()
		require.NotNil(t, l1)
		assert.Equal(t, lines[1], l1)

		assert.Nil(t, rq.Read())
		assert.NoError(t, rq.Error())
	})

	t.Run("Missing object", func(t *testing.T) {
		svc := service.NewRecordService(newS3)
		rq := svc.NewReadQueue(s3Region, s3Bucket, "intelbatch-test/"+uuid.New().String())
		assert.Nil(t, rq.Read())
		assert.Error(t, rq.Error())
	})
}

func TestRecordServiceUnknownKind(t *testing.T) {
	newS3, client := mock.NewS3Mock()

	buf := &bytes.Buffer{}
	gz := gzip.NewWriter(buf)
	_, err := gz.Write([]byte(`{"kind":"group","record":{"xid":"g1"}}` + "\n" + `{"kind":"victim","record":{}}` + "\n"))
	require.NoError(t, err)
	require.NoError(t, gz.Close())
	_, err = client.PutObject(&s3.PutObjectInput{
		Bucket:          aws.String("b"),
		Key:             aws.String("k"),
		Body:            bytes.NewReader(buf.Bytes()),
		ContentEncoding: aws.String("gzip"),
	})
	require.NoError(t, err)

	rq := service.NewRecordService(newS3).NewReadQueue("r", "b", "k")
	require.NotNil(t, rq.Read())
	assert.Nil(t, rq.Read())
	assert.Error(t, rq.Error())
}

func TestReadQueueCloseStopsReading(t *testing.T) {
	newS3, client := mock.NewS3Mock()
	svc := service.NewRecordService(newS3)

	wq := svc.NewWriteQueue("r", "b", "many.json.gz")
	for i := 0; i < 1000; i++ {
		wq.Write(&service.RecordLine{Kind: service.RecordIndicator, Record: intelbatch.RawRecord{
			"xid": fmt.Sprintf("i%d", i), "type": "Host", "summary": fmt.Sprintf("host%d.example.com", i),
		}})
	}
	require.NoError(t, wq.Close())

	rq := svc.NewReadQueue("r", "b", "many.json.gz")
	require.NotNil(t, rq.Read())

	closed := make(chan struct{})
	go func() {
		rq.Close()
		close(closed)
	}()
	select {
	case <-closed:
	case <-time.After(5 * time.Second):
		require.FailNow(t, "Close did not return")
	}

	assert.Equal(t, 0, client.OpenBodies())
	assert.Nil(t, rq.Read())
	assert.NoError(t, rq.Error())

	// Close after the end is allowed
	rq.Close()
}
