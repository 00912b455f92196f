package alerts

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sort"
	"strings"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/service/sesv2"
	sestypes "github.com/aws/aws-sdk-go-v2/service/sesv2/types"
	"github.com/aws/aws-sdk-go-v2/service/sns"
	snstypes "github.com/aws/aws-sdk-go-v2/service/sns/types"
)

// SNSAPI is the subset of the SNS client used here
type SNSAPI interface {
	Publish(ctx context.Context, params *sns.PublishInput, optFns ...func(*sns.Options)) (*sns.PublishOutput, error)
}

// SNSSink publishes alerts as JSON to a topic
type SNSSink struct {
	client   SNSAPI
	topicARN string
}

func NewSNSSink(client SNSAPI, topicARN string) (*SNSSink, error) {
	if client == nil || topicARN == "" {
		return nil, errors.New("sns client and topic arn are required")
	}
	return &SNSSink{client: client, topicARN: topicARN}, nil
}

func (s *SNSSink) Name() string { return "sns" }

func (s *SNSSink) Send(ctx context.Context, alert Alert) error {
	body, err := json.Marshal(alert)
	if err != nil {
		return fmt.Errorf("failed to marshal alert: %w", err)
	}
	_, err = s.client.Publish(ctx, &sns.PublishInput{
		TopicArn: aws.String(s.topicARN),
		Subject:  aws.String(subject(alert)),
		Message:  aws.String(string(body)),
		MessageAttributes: map[string]snstypes.MessageAttributeValue{
			"severity": {DataType: aws.String("String"), StringValue: aws.String(string(alert.Severity))},
		},
	})
	return err
}

// SESAPI is the subset of the SES v2 client used here
type SESAPI interface {
	SendEmail(ctx context.Context, params *sesv2.SendEmailInput, optFns ...func(*sesv2.Options)) (*sesv2.SendEmailOutput, error)
}

// SESSink emails alerts to the operator list
type SESSink struct {
	client SESAPI
	from   string
	to     []string
}

func NewSESSink(client SESAPI, from string, to []string) (*SESSink, error) {
	if client == nil || from == "" || len(to) == 0 {
		return nil, errors.New("ses client, sender and recipients are required")
	}
	return &SESSink{client: client, from: from, to: to}, nil
}

func (s *SESSink) Name() string { return "ses" }

func (s *SESSink) Send(ctx context.Context, alert Alert) error {
	_, err := s.client.SendEmail(ctx, &sesv2.SendEmailInput{
		FromEmailAddress: aws.String(s.from),
		Destination:      &sestypes.Destination{ToAddresses: s.to},
		Content: &sestypes.EmailContent{
			Simple: &sestypes.Message{
				Subject: &sestypes.Content{Data: aws.String(subject(alert))},
				Body: &sestypes.Body{
					Text: &sestypes.Content{Data: aws.String(textBody(alert))},
				},
			},
		},
	})
	return err
}

// SNS caps subjects at 100 characters
func subject(alert Alert) string {
	s := fmt.Sprintf("[%s] %s", strings.ToUpper(string(alert.Severity)), alert.Title)
	if len(s) > 100 {
		s = s[:100]
	}
	return s
}

func textBody(alert Alert) string {
	var b strings.Builder
	fmt.Fprintf(&b, "%s\n\n%s\n\n", alert.Title, alert.Message)
	keys := make([]string, 0, len(alert.Details))
	for k := range alert.Details {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	for _, k := range keys {
		fmt.Fprintf(&b, "%s: %s\n", k, alert.Details[k])
	}
	fmt.Fprintf(&b, "\ntriggered at %s\n", alert.TriggerTime.Format("2006-01-02T15:04:05Z07:00"))
	return b.String()
}
