package service

import (
	"bytes"
	"encoding/json"
	"fmt"
	"io/ioutil"
	"net/http"
	"time"

	"github.com/m-mizutani/intelbatch/pkg/adaptor"
	"github.com/m-mizutani/intelbatch/pkg/errors"

	"github.com/slack-go/slack"
)

type AlertServiceArguments struct {
	SlackIncomingWebhookURL string
	HTTPClient              adaptor.HTTPClient
}

type AlertService struct {
	args *AlertServiceArguments
}

func NewAlertService(args *AlertServiceArguments) *AlertService {
	return &AlertService{
		args: args,
	}
}

// Alert describes a batch job stopped by a failure that can not be suppressed
type Alert struct {
	Code      ErrorCode
	BatchID   int64
	Owner     string
	Count     int
	Reasons   []string
	Timestamp time.Time
}

// NewAlert builds Alert from a fatal error of a batch job
func NewAlert(err error, batchID int64, owner string, count int) *Alert {
	alert := &Alert{
		Code:      ErrorCodeOf(err),
		BatchID:   batchID,
		Owner:     owner,
		Count:     count,
		Timestamp: time.Now().UTC(),
	}

	if e, ok := err.(*errors.Error); ok {
		if reason, ok := e.Values["reason"].(string); ok {
			alert.Reasons = append(alert.Reasons, reason)
		}
	}
	if len(alert.Reasons) == 0 {
		alert.Reasons = append(alert.Reasons, err.Error())
	}
	return alert
}

// Up to 3 reasons in slack message
const maxItemDisplaySlack = 3

func (x *AlertService) EmitToSlack(alert *Alert) error {
	if x.args.HTTPClient == nil {
		return errors.New("HTTPClient is required in AlertServiceArguments to emit Slack, but not set")
	}
	if x.args.SlackIncomingWebhookURL == "" {
		return errors.New("SlackIncomingWebhookURL is required in AlertServiceArguments to emit Slack, but not set")
	}

	newField := func(title, value string) *slack.TextBlockObject {
		return slack.NewTextBlockObject("mrkdwn", fmt.Sprintf("*%s*\n%s", title, value), false, false)
	}

	title := fmt.Sprintf(":rotating_light: Batch job failed: %s (%d)", errorMessages[alert.Code], alert.Code)
	blocks := []slack.Block{
		slack.NewHeaderBlock(slack.NewTextBlockObject("plain_text", title, true, false)),
		slack.NewSectionBlock(nil, []*slack.TextBlockObject{
			newField("Batch ID", fmt.Sprintf("%d", alert.BatchID)),
			newField("Owner", alert.Owner),
			newField("Records", fmt.Sprintf("%d", alert.Count)),
			newField("Time", alert.Timestamp.Format("2006-01-02 15:04:05")),
		}, nil),
		slack.NewDividerBlock(),
	}

	for i, reason := range alert.Reasons {
		if i >= maxItemDisplaySlack {
			break
		}
		blocks = append(blocks, slack.NewSectionBlock(
			slack.NewTextBlockObject("mrkdwn", fmt.Sprintf("```%s```", reason), false, false), nil, nil))
	}

	msg := slack.NewBlockMessage(blocks...)
	raw, err := json.Marshal(msg)
	if err != nil {
		return errors.Wrap(err, "Failed to marshal slack message").With("msg", msg)
	}

	req, err := http.NewRequest("POST", x.args.SlackIncomingWebhookURL, bytes.NewBuffer(raw))
	if err != nil {
		return errors.Wrap(err, "Failed to create a new HTTP request to Slack")
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := x.args.HTTPClient.Do(req)
	if err != nil {
		return errors.Wrap(err, "Failed to post message to slack in communication").With("msg", msg)
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		body, _ := ioutil.ReadAll(resp.Body)
		return errors.New("Failed to post message to slack in API").
			With("msg", msg).With("code", resp.StatusCode).With("body", string(body))
	}

	return nil
}
