package scheduler

import (
	"context"
	"errors"
	"io"
	"log/slog"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/stablecoin-settlement-engine/internal/settlement_processor/service"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/mock"
	"github.com/stretchr/testify/require"
)

type MockBatchProcessor struct {
	mock.Mock
}

func (m *MockBatchProcessor) ProcessBatch(ctx context.Context) (*service.BatchResult, error) {
	args := m.Called(ctx)
	if args.Get(0) == nil {
		return nil, args.Error(1)
	}
	return args.Get(0).(*service.BatchResult), args.Error(1)
}

func newTestLogger() *slog.Logger {
	return slog.New(slog.NewJSONHandler(io.Discard, nil))
}

func TestScheduler_Tick(t *testing.T) {
	ctx := context.Background()

	tests := []struct {
		name   string
		result *service.BatchResult
		err    error
	}{
		{name: "ClaimedRecords", result: &service.BatchResult{BatchID: uuid.New(), Claimed: 3, Completed: 2, Requeued: 1}},
		{name: "EmptyBatch", result: &service.BatchResult{BatchID: uuid.New()}},
		{name: "BatchInProgress", err: service.ErrBatchInProgress},
		{name: "ClaimFailure", err: errors.New("store unavailable")},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			processor := new(MockBatchProcessor)
			processor.On("ProcessBatch", ctx).Return(tt.result, tt.err).Once()

			s := NewScheduler(time.Minute, processor, newTestLogger())
			assert.NotPanics(t, func() { s.Tick(ctx) })
			processor.AssertExpectations(t)
		})
	}
}

func TestScheduler_StartTicksUntilCanceled(t *testing.T) {
	processor := new(MockBatchProcessor)
	ticked := make(chan struct{}, 10)
	processor.On("ProcessBatch", mock.Anything).
		Run(func(mock.Arguments) { ticked <- struct{}{} }).
		Return(&service.BatchResult{}, nil)

	ctx, cancel := context.WithCancel(context.Background())
	s := NewScheduler(5*time.Millisecond, processor, newTestLogger())

	done := make(chan struct{})
	go func() {
		s.Start(ctx)
		close(done)
	}()

	for i := 0; i < 2; i++ {
		select {
		case <-ticked:
		case <-time.After(time.Second):
			t.Fatal("scheduler did not tick")
		}
	}
	cancel()

	select {
	case <-done:
	case <-time.After(time.Second):
		t.Fatal("scheduler did not stop")
	}
	require.GreaterOrEqual(t, len(processor.Calls), 2)
}
