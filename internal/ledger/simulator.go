package ledger

import (
	"context"
	"errors"
	"sort"
	"sync"
	"time"
)

// ErrSimulatedOutage is the transient error injected by the Simulator.
var ErrSimulatedOutage = errors.New("ledger: simulated outage")

// SimulatedOperation is an operation held by the Simulator
type SimulatedOperation struct {
	Operation   Operation
	Status      Status
	Submissions int
	SubmittedAt time.Time
}

// Simulator is an in-memory ledger. Operations stay pending until Confirm or
// Fail is called, or until the auto-confirm delay elapses when one is set.
type Simulator struct {
	mu          sync.Mutex
	ops         map[string]*SimulatedOperation
	rejectNext  int
	dropNext    int
	queryErrors int
	autoConfirm time.Duration
	clock       func() time.Time
}

// SimulatorOption configures a Simulator
type SimulatorOption func(*Simulator)

// WithAutoConfirm confirms pending operations once they are older than after.
func WithAutoConfirm(after time.Duration) SimulatorOption {
	return func(s *Simulator) { s.autoConfirm = after }
}

// WithSimulatorClock injects the clock used for auto-confirmation.
func WithSimulatorClock(clock func() time.Time) SimulatorOption {
	return func(s *Simulator) { s.clock = clock }
}

// NewSimulator creates an empty in-memory ledger
func NewSimulator(opts ...SimulatorOption) *Simulator {
	s := &Simulator{ops: make(map[string]*SimulatedOperation), clock: time.Now}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

func (s *Simulator) Submit(ctx context.Context, op Operation) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	if err := op.Validate(); err != nil {
		return err
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	if existing, ok := s.ops[op.SubmissionID]; ok {
		existing.Submissions++
		return nil
	}
	if s.rejectNext > 0 {
		s.rejectNext--
		return &RejectionError{SubmissionID: op.SubmissionID, Reason: "rejected by simulator"}
	}
	if s.dropNext > 0 {
		s.dropNext--
		return ErrSimulatedOutage
	}

	s.ops[op.SubmissionID] = &SimulatedOperation{
		Operation:   op,
		Status:      StatusPending,
		Submissions: 1,
		SubmittedAt: s.clock(),
	}
	return nil
}

func (s *Simulator) QueryStatus(ctx context.Context, submissionID string) (Status, error) {
	if err := ctx.Err(); err != nil {
		return "", err
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	if s.queryErrors > 0 {
		s.queryErrors--
		return "", ErrSimulatedOutage
	}
	op, ok := s.ops[submissionID]
	if !ok {
		return "", ErrUnknownSubmission
	}
	if op.Status == StatusPending && s.autoConfirm > 0 && s.clock().Sub(op.SubmittedAt) >= s.autoConfirm {
		op.Status = StatusConfirmed
	}
	return op.Status, nil
}

// Confirm finalizes a pending submission. It reports false if the
// submission is unknown or already final.
func (s *Simulator) Confirm(submissionID string) bool {
	return s.finalize(submissionID, StatusConfirmed)
}

// Fail marks a pending submission as failed on-chain.
func (s *Simulator) Fail(submissionID string) bool {
	return s.finalize(submissionID, StatusFailed)
}

func (s *Simulator) finalize(submissionID string, status Status) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	op, ok := s.ops[submissionID]
	if !ok || op.Status != StatusPending {
		return false
	}
	op.Status = status
	return true
}

// RejectNext makes the next n new submissions fail synchronously.
func (s *Simulator) RejectNext(n int) {
	s.mu.Lock()
	s.rejectNext = n
	s.mu.Unlock()
}

// DropNext makes the next n new submissions fail with a transient error
// without the ledger recording them.
func (s *Simulator) DropNext(n int) {
	s.mu.Lock()
	s.dropNext = n
	s.mu.Unlock()
}

// FailQueries makes the next n status queries fail transiently.
func (s *Simulator) FailQueries(n int) {
	s.mu.Lock()
	s.queryErrors = n
	s.mu.Unlock()
}

// Operation returns a copy of the simulated operation.
func (s *Simulator) Operation(submissionID string) (SimulatedOperation, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	op, ok := s.ops[submissionID]
	if !ok {
		return SimulatedOperation{}, false
	}
	return *op, true
}

// Operations lists every operation the ledger accepted, oldest first.
func (s *Simulator) Operations() []SimulatedOperation {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]SimulatedOperation, 0, len(s.ops))
	for _, op := range s.ops {
		out = append(out, *op)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].SubmittedAt.Before(out[j].SubmittedAt) })
	return out
}
