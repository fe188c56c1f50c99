package arguments

import (
	"encoding/json"
	"net/http"
	"strings"
	"time"

	"github.com/Netflix/go-env"
	"github.com/aws/aws-sdk-go/aws"
	"github.com/aws/aws-sdk-go/service/secretsmanager"
	"github.com/m-mizutani/intelbatch/pkg/adaptor"
	"github.com/m-mizutani/intelbatch/pkg/batch"
	"github.com/m-mizutani/intelbatch/pkg/errors"
	"github.com/m-mizutani/intelbatch/pkg/service"
)

// Arguments are passed to Handler. It includes environment variables and factories.
type Arguments struct {
	APIURL       string `env:"INTELBATCH_API_URL"`
	APIToken     string `env:"INTELBATCH_API_TOKEN"`
	APISecretARN string `env:"INTELBATCH_API_SECRET_ARN"`

	Owner                  string `env:"INTELBATCH_OWNER"`
	Action                 string `env:"INTELBATCH_ACTION"`
	AttributeWriteType     string `env:"INTELBATCH_ATTRIBUTE_WRITE_TYPE"`
	SecurityLabelWriteType string `env:"INTELBATCH_SECURITY_LABEL_WRITE_TYPE"`
	TagWriteType           string `env:"INTELBATCH_TAG_WRITE_TYPE"`
	HashCollisionMode      string `env:"INTELBATCH_HASH_COLLISION_MODE"`
	FileMergeMode          string `env:"INTELBATCH_FILE_MERGE_MODE"`
	PlaybookTriggers       bool   `env:"INTELBATCH_PLAYBOOK_TRIGGERS"`
	TwoStep                bool   `env:"INTELBATCH_TWO_STEP"`

	MaxChunkCount int   `env:"BATCH_MAX_CHUNK_COUNT"`
	MaxChunkBytes int64 `env:"BATCH_MAX_CHUNK_BYTES"`
	MemoryLimit   int64 `env:"BATCH_MEMORY_LIMIT"`
	Concurrency   int   `env:"BATCH_CONCURRENCY"`
	PollTimeout   int   `env:"BATCH_POLL_TIMEOUT"`

	// "", "true" or "false". Empty follows HaltOnError
	HaltOnError string `env:"BATCH_HALT_ON_ERROR"`
	SubmitHalt  string `env:"BATCH_HALT_ON_SUBMIT_ERROR"`
	UploadHalt  string `env:"BATCH_HALT_ON_FILE_ERROR"`
	PollHalt    string `env:"BATCH_HALT_ON_POLL_ERROR"`

	WorkDir         string `env:"BATCH_WORK_DIR"`
	ReplayDir       string `env:"BATCH_REPLAY_DIR"`
	Debug           bool   `env:"BATCH_DEBUG"`
	Replay          bool   `env:"BATCH_REPLAY"`
	LedgerTableName string `env:"LEDGER_TABLE_NAME"`
	LedgerNamespace string `env:"LEDGER_NAMESPACE"`

	ResultTopicARN  string `env:"RESULT_TOPIC_ARN"`
	SlackWebhookURL string `env:"SLACK_WEBHOOK_URL"`
	PushGatewayURL  string `env:"PROMETHEUS_PUSHGATEWAY_URL"`
	AwsRegion       string `env:"AWS_REGION"`

	// Do not change them in each lambda Function. They must be accessed in only pkg/lambda
	NewS3             adaptor.S3ClientFactory       `env:"-"`
	NewSNS            adaptor.SNSClientFactory      `env:"-"`
	NewSecretsManager adaptor.SecretsManagerFactory `env:"-"`
	NewKVStore        adaptor.KVStoreFactory        `env:"-"`
	Ledger            adaptor.UploadLedger          `env:"-"`
	HTTP              adaptor.HTTPClient            `env:"-"`
}

// -----------------------
// Data binding

// BindEnv sets fields from environment variables
func (x *Arguments) BindEnv() error {
	if _, err := env.UnmarshalFromEnviron(x); err != nil {
		return errors.Wrap(err, "Unmarshal environ vars")
	}
	return nil
}

// New is constructor of Arguments bound to environment variables
func New() (*Arguments, error) {
	args := &Arguments{}
	if err := args.BindEnv(); err != nil {
		return nil, err
	}

	args.NewS3 = adaptor.NewS3Client
	args.NewSNS = adaptor.NewSNSClient
	args.NewSecretsManager = adaptor.NewSecretsManagerClient
	return args, nil
}

// apiSecret is SecretString of INTELBATCH_API_SECRET_ARN
type apiSecret struct {
	APIURL   string `json:"api_url"`
	APIToken string `json:"api_token"`
}

func extractSecretRegion(secretARN string) (string, error) {
	// arn:aws:secretsmanager:us-east-1:111122223333:secret:name-AbCdEf
	arnParts := strings.Split(secretARN, ":")
	if len(arnParts) != 7 || arnParts[2] != "secretsmanager" {
		return "", errors.New("Invalid secret ARN").With("arn", secretARN)
	}
	return arnParts[3], nil
}

// resolveAPI fills APIURL and APIToken from Secrets Manager when they are not set by environment variables
func (x *Arguments) resolveAPI() error {
	if x.APISecretARN == "" || (x.APIURL != "" && x.APIToken != "") {
		return nil
	}

	region, err := extractSecretRegion(x.APISecretARN)
	if err != nil {
		return err
	}
	newSM := x.NewSecretsManager
	if newSM == nil {
		newSM = adaptor.NewSecretsManagerClient
	}
	client, err := newSM(region)
	if err != nil {
		return errors.Wrap(err, "Failed to create SecretsManager client").With("region", region)
	}

	output, err := client.GetSecretValue(&secretsmanager.GetSecretValueInput{
		SecretId: aws.String(x.APISecretARN),
	})
	if err != nil {
		return errors.Wrap(err, "Failed to get secret value").With("arn", x.APISecretARN)
	}

	var secret apiSecret
	if err := json.Unmarshal([]byte(aws.StringValue(output.SecretString)), &secret); err != nil {
		return errors.Wrap(err, "Failed to decode secret").With("arn", x.APISecretARN)
	}
	if x.APIURL == "" {
		x.APIURL = secret.APIURL
	}
	if x.APIToken == "" {
		x.APIToken = secret.APIToken
	}
	return nil
}

// -----------------------
// Services

// HTTPClient returns the client for the batch API. API token is set to every request.
func (x *Arguments) HTTPClient() adaptor.HTTPClient {
	if x.HTTP != nil {
		return x.HTTP
	}
	return adaptor.NewHTTPClient(x.APIToken)
}

// SNSService returns a new *service.SNSService
func (x *Arguments) SNSService() *service.SNSService {
	factory := x.NewSNS
	if factory == nil {
		factory = adaptor.NewSNSClient
	}
	return service.NewSNSService(factory)
}

// RecordService returns a new *service.RecordService
func (x *Arguments) RecordService() *service.RecordService {
	newS3 := x.NewS3
	if newS3 == nil {
		newS3 = adaptor.NewS3Client
	}
	return service.NewRecordService(newS3)
}

// AlertService returns a new *service.AlertService. nil is returned if SlackWebhookURL is not set.
func (x *Arguments) AlertService() *service.AlertService {
	if x.SlackWebhookURL == "" {
		return nil
	}
	httpClient := x.HTTP
	if httpClient == nil {
		httpClient = &http.Client{}
	}
	return service.NewAlertService(&service.AlertServiceArguments{
		HTTPClient:              httpClient,
		SlackIncomingWebhookURL: x.SlackWebhookURL,
	})
}

const metricsJobName = "intelbatch"

// PushMetrics sends metrics of batch jobs to PROMETHEUS_PUSHGATEWAY_URL. Nothing is done if it is not set.
func (x *Arguments) PushMetrics() error {
	if x.PushGatewayURL == "" {
		return nil
	}
	httpClient := x.HTTP
	if httpClient == nil {
		httpClient = &http.Client{}
	}
	return service.PushMetrics(x.PushGatewayURL, metricsJobName, httpClient)
}

// UploadLedger returns ledger of uploaded files. nil means the local file in replay directory.
func (x *Arguments) UploadLedger() (adaptor.UploadLedger, error) {
	if x.Ledger != nil {
		return x.Ledger, nil
	}
	if x.LedgerTableName == "" {
		return nil, nil
	}

	namespace := x.LedgerNamespace
	if namespace == "" {
		namespace = x.Owner
	}
	return adaptor.NewDynamoLedger(x.AwsRegion, x.LedgerTableName, namespace)
}

// Settings returns job settings
func (x *Arguments) Settings() (*service.Settings, error) {
	settings := &service.Settings{
		Action:                  service.Action(x.Action),
		AttributeWriteType:      service.WriteType(x.AttributeWriteType),
		SecurityLabelWriteType:  service.WriteType(x.SecurityLabelWriteType),
		TagWriteType:            service.WriteType(x.TagWriteType),
		Owner:                   x.Owner,
		PlaybookTriggersEnabled: x.PlaybookTriggers,
		HashCollisionMode:       x.HashCollisionMode,
		FileMergeMode:           x.FileMergeMode,
	}

	switch settings.Action {
	case "", service.ActionCreate, service.ActionDelete:
	default:
		return nil, errors.New("Invalid action").With("action", x.Action)
	}
	for _, w := range []service.WriteType{settings.AttributeWriteType, settings.SecurityLabelWriteType, settings.TagWriteType} {
		if w != "" && w != service.WriteAppend && w != service.WriteReplace {
			return nil, errors.New("Invalid write type").With("write_type", w)
		}
	}
	return settings, nil
}

// Halt returns the default halt-on-error of submissions
func (x *Arguments) Halt() (bool, error) {
	switch x.HaltOnError {
	case "", "true":
		return true, nil
	case "false":
		return false, nil
	}
	return false, errors.New("Invalid BATCH_HALT_ON_ERROR").With("value", x.HaltOnError)
}

// EngineConfig builds batch.Config from Arguments
func (x *Arguments) EngineConfig() (*batch.Config, error) {
	if err := x.resolveAPI(); err != nil {
		return nil, err
	}
	if x.APIURL == "" {
		return nil, errors.New("INTELBATCH_API_URL is required")
	}

	settings, err := x.Settings()
	if err != nil {
		return nil, err
	}

	var halts [3]service.HaltMode
	for i, s := range []string{x.SubmitHalt, x.UploadHalt, x.PollHalt} {
		mode, err := service.ParseHaltMode(s)
		if err != nil {
			return nil, err
		}
		halts[i] = mode
	}

	ledger, err := x.UploadLedger()
	if err != nil {
		return nil, err
	}

	config := &batch.Config{
		BaseURL:       x.APIURL,
		HTTPClient:    x.HTTPClient(),
		Settings:      *settings,
		MaxChunkCount: x.MaxChunkCount,
		MaxChunkBytes: x.MaxChunkBytes,
		MemoryLimit:   x.MemoryLimit,
		TwoStep:       x.TwoStep,
		WorkDir:       x.WorkDir,
		NewKVStore:    x.NewKVStore,
		SubmitHalt:    halts[0],
		UploadHalt:    halts[1],
		PollHalt:      halts[2],
		Concurrency:   x.Concurrency,
		Poller: service.PollerConfig{
			Timeout: time.Duration(x.PollTimeout) * time.Second,
		},
		Replay: service.ReplayServiceArguments{
			Dir:    x.ReplayDir,
			Record: x.Debug,
			Replay: x.Replay,
			Ledger: ledger,
		},
		Alert:    x.AlertService(),
		TopicARN: x.ResultTopicARN,
	}
	if x.ResultTopicARN != "" {
		config.Notifier = x.SNSService()
	}
	return config, nil
}

// Engine returns a new *batch.Engine. Caller must Close it.
func (x *Arguments) Engine() (*batch.Engine, error) {
	config, err := x.EngineConfig()
	if err != nil {
		return nil, err
	}
	return batch.New(*config)
}
