package mock

import (
	"bytes"
	"compress/gzip"
	"io"
	"io/ioutil"
	"sync"

	"github.com/aws/aws-sdk-go/aws"
	"github.com/aws/aws-sdk-go/aws/awserr"
	"github.com/aws/aws-sdk-go/service/s3"
	"github.com/m-mizutani/intelbatch/pkg/adaptor"
)

// S3Client is in-memory mock of adaptor.S3Client. Objects put with gzip content encoding are
// returned decompressed, as HTTP transport of AWS does.
type S3Client struct {
	Region string

	objects    map[string]map[string]*s3Object
	openBodies int
	mutex      sync.Mutex
}

type s3Body struct {
	io.Reader
	client *S3Client
	once   sync.Once
}

func (x *s3Body) Close() error {
	x.once.Do(func() {
		x.client.mutex.Lock()
		x.client.openBodies--
		x.client.mutex.Unlock()
	})
	return nil
}

// OpenBodies returns number of object bodies returned by GetObject and not closed yet
func (x *S3Client) OpenBodies() int {
	x.mutex.Lock()
	defer x.mutex.Unlock()
	return x.openBodies
}

type s3Object struct {
	data []byte
	gzip bool
}

// NewS3Mock returns S3ClientFactory and mock.S3Client that S3ClientFactory returns
func NewS3Mock() (adaptor.S3ClientFactory, *S3Client) {
	client := &S3Client{}
	return func(region string) (adaptor.S3Client, error) {
		client.mutex.Lock()
		client.Region = region
		client.mutex.Unlock()
		return client, nil
	}, client
}

// Keys returns object keys in bucket
func (x *S3Client) Keys(bucket string) []string {
	x.mutex.Lock()
	defer x.mutex.Unlock()
	var keys []string
	for key := range x.objects[bucket] {
		keys = append(keys, key)
	}
	return keys
}

func (x *S3Client) GetObject(input *s3.GetObjectInput) (*s3.GetObjectOutput, error) {
	x.mutex.Lock()
	defer x.mutex.Unlock()

	bucket, ok := x.objects[aws.StringValue(input.Bucket)]
	if !ok {
		return nil, awserr.New(s3.ErrCodeNoSuchBucket, "bucket not found", nil)
	}
	obj, ok := bucket[aws.StringValue(input.Key)]
	if !ok {
		return nil, awserr.New(s3.ErrCodeNoSuchKey, "key not found", nil)
	}

	var body io.Reader = bytes.NewReader(obj.data)
	if obj.gzip {
		gz, err := gzip.NewReader(body)
		if err != nil {
			return nil, err
		}
		body = gz
	}
	x.openBodies++
	return &s3.GetObjectOutput{Body: &s3Body{Reader: body, client: x}}, nil
}

func (x *S3Client) PutObject(input *s3.PutObjectInput) (*s3.PutObjectOutput, error) {
	data, err := ioutil.ReadAll(input.Body)
	if err != nil {
		return nil, err
	}

	x.mutex.Lock()
	defer x.mutex.Unlock()
	if x.objects == nil {
		x.objects = make(map[string]map[string]*s3Object)
	}
	bucket, ok := x.objects[aws.StringValue(input.Bucket)]
	if !ok {
		bucket = make(map[string]*s3Object)
		x.objects[aws.StringValue(input.Bucket)] = bucket
	}

	bucket[aws.StringValue(input.Key)] = &s3Object{
		data: data,
		gzip: aws.StringValue(input.ContentEncoding) == "gzip",
	}
	return &s3.PutObjectOutput{}, nil
}
