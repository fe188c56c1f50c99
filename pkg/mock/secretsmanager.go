package mock

import (
	"github.com/aws/aws-sdk-go/aws"
	"github.com/aws/aws-sdk-go/aws/awserr"
	"github.com/aws/aws-sdk-go/service/secretsmanager"
	"github.com/m-mizutani/intelbatch/pkg/adaptor"
)

// SecretsManagerClient is mock of adaptor.SecretsManagerClient
type SecretsManagerClient struct {
	Region  string
	Secrets map[string]string
}

// NewSecretsManagerMock returns SecretsManagerFactory and the client it returns
func NewSecretsManagerMock() (adaptor.SecretsManagerFactory, *SecretsManagerClient) {
	client := &SecretsManagerClient{Secrets: make(map[string]string)}
	return func(region string) (adaptor.SecretsManagerClient, error) {
		client.Region = region
		return client, nil
	}, client
}

func (x *SecretsManagerClient) GetSecretValue(input *secretsmanager.GetSecretValueInput) (*secretsmanager.GetSecretValueOutput, error) {
	secret, ok := x.Secrets[aws.StringValue(input.SecretId)]
	if !ok {
		return nil, awserr.New(secretsmanager.ErrCodeResourceNotFoundException, "secret not found", nil)
	}
	return &secretsmanager.GetSecretValueOutput{
		ARN:          input.SecretId,
		SecretString: aws.String(secret),
	}, nil
}
