package mock

import (
	"sync"

	"github.com/aws/aws-sdk-go/service/sns"
	"github.com/m-mizutani/intelbatch/pkg/adaptor"
)

// SNSClient is mock SNS client
type SNSClient struct {
	Region       string
	PublishInput []*sns.PublishInput
	mutex        sync.Mutex
}

// Publish records input. It is safe for concurrent use because results are published from poll workers.
func (x *SNSClient) Publish(input *sns.PublishInput) (*sns.PublishOutput, error) {
	x.mutex.Lock()
	defer x.mutex.Unlock()
	x.PublishInput = append(x.PublishInput, input)
	return &sns.PublishOutput{}, nil
}

// Inputs returns copy of recorded inputs
func (x *SNSClient) Inputs() []*sns.PublishInput {
	x.mutex.Lock()
	defer x.mutex.Unlock()
	return append([]*sns.PublishInput{}, x.PublishInput...)
}

// NewSNSMock returns SNSClientFactory and mock.SNSClient that SNSClientFactory returns
func NewSNSMock() (adaptor.SNSClientFactory, *SNSClient) {
	client := &SNSClient{}
	return func(region string) (adaptor.SNSClient, error) {
		client.mutex.Lock()
		client.Region = region
		client.mutex.Unlock()
		return client, nil
	}, client
}
