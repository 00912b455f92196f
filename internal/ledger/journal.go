package ledger

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/feature/dynamodb/attributevalue"
	"github.com/aws/aws-sdk-go-v2/service/dynamodb"
	"go.uber.org/zap"
)

// JournalEntry is one submit or query outcome, kept for operators
type JournalEntry struct {
	SubmissionID string        `dynamodbav:"submission_id"`
	RecordedAt   string        `dynamodbav:"recorded_at"`
	Action       string        `dynamodbav:"action"`
	Kind         OperationKind `dynamodbav:"kind,omitempty"`
	Outcome      string        `dynamodbav:"outcome"`
	Error        string        `dynamodbav:"error,omitempty"`
	Quantity     int64         `dynamodbav:"quantity,omitempty"`
}

// Journal is an append-only record of ledger traffic
type Journal interface {
	Record(ctx context.Context, entry JournalEntry) error
}

// NopJournal discards entries
type NopJournal struct{}

func (NopJournal) Record(context.Context, JournalEntry) error { return nil }

// DynamoAPI is the subset of the DynamoDB client the journal needs
type DynamoAPI interface {
	PutItem(ctx context.Context, params *dynamodb.PutItemInput, optFns ...func(*dynamodb.Options)) (*dynamodb.PutItemOutput, error)
}

// DynamoJournal writes entries to a table keyed by submission_id (hash) and
// recorded_at (range).
type DynamoJournal struct {
	client DynamoAPI
	table  string
}

// NewDynamoJournal creates a journal backed by the given table
func NewDynamoJournal(client DynamoAPI, table string) (*DynamoJournal, error) {
	if client == nil {
		return nil, errors.New("dynamodb client is required")
	}
	if table == "" {
		return nil, errors.New("journal table name is required")
	}
	return &DynamoJournal{client: client, table: table}, nil
}

func (j *DynamoJournal) Record(ctx context.Context, entry JournalEntry) error {
	item, err := attributevalue.MarshalMap(entry)
	if err != nil {
		return fmt.Errorf("failed to marshal journal entry: %w", err)
	}
	_, err = j.client.PutItem(ctx, &dynamodb.PutItemInput{
		TableName: aws.String(j.table),
		Item:      item,
	})
	if err != nil {
		return fmt.Errorf("failed to write journal entry: %w", err)
	}
	return nil
}

// JournalingClient records every submit and query outcome. Journal failures
// are logged and never change the result seen by the caller.
type JournalingClient struct {
	next    Client
	journal Journal
	logger  *zap.Logger
	clock   func() time.Time
}

// NewJournalingClient wraps next
func NewJournalingClient(next Client, journal Journal, logger *zap.Logger) *JournalingClient {
	if journal == nil {
		journal = NopJournal{}
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	return &JournalingClient{next: next, journal: journal, logger: logger, clock: time.Now}
}

func (c *JournalingClient) Submit(ctx context.Context, op Operation) error {
	err := c.next.Submit(ctx, op)

	entry := JournalEntry{
		SubmissionID: op.SubmissionID,
		Action:       "submit",
		Kind:         op.Kind,
		Quantity:     op.Quantity,
		Outcome:      "accepted",
	}
	switch {
	case IsRejection(err):
		entry.Outcome = "rejected"
		entry.Error = err.Error()
	case err != nil:
		entry.Outcome = "unknown"
		entry.Error = err.Error()
	}
	c.record(ctx, entry)
	return err
}

func (c *JournalingClient) QueryStatus(ctx context.Context, submissionID string) (Status, error) {
	status, err := c.next.QueryStatus(ctx, submissionID)

	entry := JournalEntry{SubmissionID: submissionID, Action: "query", Outcome: string(status)}
	switch {
	case errors.Is(err, ErrUnknownSubmission):
		entry.Outcome = "unknown_submission"
	case err != nil:
		entry.Outcome = "error"
		entry.Error = err.Error()
	}
	c.record(ctx, entry)
	return status, err
}

func (c *JournalingClient) record(ctx context.Context, entry JournalEntry) {
	entry.RecordedAt = c.clock().UTC().Format(time.RFC3339Nano)
	if err := c.journal.Record(ctx, entry); err != nil {
		c.logger.Warn("Failed to journal ledger call",
			zap.String("submission_id", entry.SubmissionID),
			zap.String("action", entry.Action),
			zap.Error(err))
	}
}
