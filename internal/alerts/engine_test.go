package alerts

import (
	"context"
	"errors"
	"strings"
	"testing"
	"time"

	"github.com/aws/aws-sdk-go-v2/service/sesv2"
	"github.com/aws/aws-sdk-go-v2/service/sns"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/mock"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
)

type MockSink struct {
	mock.Mock
}

func (m *MockSink) Name() string { return "mock" }

func (m *MockSink) Send(ctx context.Context, alert Alert) error {
	args := m.Called(ctx, alert)
	return args.Error(0)
}

type MockSNS struct {
	mock.Mock
}

func (m *MockSNS) Publish(ctx context.Context, params *sns.PublishInput, optFns ...func(*sns.Options)) (*sns.PublishOutput, error) {
	args := m.Called(ctx, params)
	return &sns.PublishOutput{}, args.Error(0)
}

type MockSES struct {
	mock.Mock
}

func (m *MockSES) SendEmail(ctx context.Context, params *sesv2.SendEmailInput, optFns ...func(*sesv2.Options)) (*sesv2.SendEmailOutput, error) {
	args := m.Called(ctx, params)
	return &sesv2.SendEmailOutput{}, args.Error(0)
}

func TestEngineWarnCooldown(t *testing.T) {
	sink := new(MockSink)
	engine := NewEngine(time.Minute, zap.NewNop(), sink)
	now := time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC)
	engine.clock = func() time.Time { return now }

	sink.On("Send", mock.Anything, mock.MatchedBy(func(a Alert) bool {
		return a.Key == "stale:sub-1" && a.Severity == SeverityWarning
	})).Return(nil).Twice()

	ctx := context.Background()
	engine.Warn(ctx, Alert{Key: "stale:sub-1", Title: "stale"})
	engine.Warn(ctx, Alert{Key: "stale:sub-1", Title: "stale"})

	now = now.Add(2 * time.Minute)
	engine.Warn(ctx, Alert{Key: "stale:sub-1", Title: "stale"})

	sink.AssertExpectations(t)
	sink.AssertNumberOfCalls(t, "Send", 2)
}

func TestEngineCriticalBypassesCooldown(t *testing.T) {
	sink := new(MockSink)
	engine := NewEngine(time.Hour, zap.NewNop(), sink)
	sink.On("Send", mock.Anything, mock.MatchedBy(func(a Alert) bool { return a.Severity == SeverityCritical })).
		Return(errors.New("delivery failed"))

	ctx := context.Background()
	engine.Critical(ctx, Alert{Key: "compensation:t-1"})
	engine.Critical(ctx, Alert{Key: "compensation:t-1"})

	sink.AssertNumberOfCalls(t, "Send", 2)
}

func TestSNSSink(t *testing.T) {
	client := new(MockSNS)
	sink, err := NewSNSSink(client, "arn:aws:sns:eu-west-1:123456789012:ops")
	require.NoError(t, err)

	client.On("Publish", mock.Anything, mock.MatchedBy(func(in *sns.PublishInput) bool {
		return *in.TopicArn == "arn:aws:sns:eu-west-1:123456789012:ops" &&
			*in.Subject == "[CRITICAL] compensation failed" &&
			*in.MessageAttributes["severity"].StringValue == "critical"
	})).Return(nil)

	err = sink.Send(context.Background(), Alert{Key: "k", Severity: SeverityCritical, Title: "compensation failed"})
	assert.NoError(t, err)
	client.AssertExpectations(t)

	_, err = NewSNSSink(nil, "")
	assert.Error(t, err)
}

func TestSESSink(t *testing.T) {
	client := new(MockSES)
	sink, err := NewSESSink(client, "alerts@registry.example", []string{"ops@registry.example"})
	require.NoError(t, err)

	client.On("SendEmail", mock.Anything, mock.MatchedBy(func(in *sesv2.SendEmailInput) bool {
		return *in.FromEmailAddress == "alerts@registry.example" &&
			in.Destination.ToAddresses[0] == "ops@registry.example" &&
			*in.Content.Simple.Subject.Data == "[WARNING] stale operation"
	})).Return(nil)

	err = sink.Send(context.Background(), Alert{
		Severity: SeverityWarning,
		Title:    "stale operation",
		Details:  map[string]string{"submission_id": "sub-1", "kind": "transfer"},
	})
	assert.NoError(t, err)
	client.AssertExpectations(t)
}

func TestTextBodyListsDetailsInOrder(t *testing.T) {
	body := textBody(Alert{Title: "t", Message: "m", Details: map[string]string{"b": "2", "a": "1"}})
	assert.Less(t, strings.Index(body, "a: 1"), strings.Index(body, "b: 2"))
}
