package handler_test

import (
	"context"

	"github.com/stretchr/testify/mock"

	"grouparchive/backend/internal/account"
	"grouparchive/backend/internal/api/handler"
	"grouparchive/backend/internal/fetch"
	"grouparchive/backend/internal/models"
)

type MockFetcher struct {
	mock.Mock
}

func (m *MockFetcher) StartFetch(ctx context.Context, req fetch.Request) (handler.Run, error) {
	args := m.Called(ctx, req)
	if args.Get(0) == nil {
		return nil, args.Error(1)
	}
	return args.Get(0).(handler.Run), args.Error(1)
}

func (m *MockFetcher) Get(id string) (handler.Run, bool) {
	args := m.Called(id)
	if args.Get(0) == nil {
		return nil, args.Bool(1)
	}
	return args.Get(0).(handler.Run), args.Bool(1)
}

func (m *MockFetcher) Runs() []fetch.Snapshot {
	args := m.Called()
	return args.Get(0).([]fetch.Snapshot)
}

type MockRun struct {
	mock.Mock
	done chan struct{}
}

func newMockRun(finished bool) *MockRun {
	r := &MockRun{done: make(chan struct{})}
	if finished {
		close(r.done)
	}
	return r
}

func (m *MockRun) Snapshot() fetch.Snapshot {
	args := m.Called()
	return args.Get(0).(fetch.Snapshot)
}

func (m *MockRun) Cancel() { m.Called() }

func (m *MockRun) Done() <-chan struct{} { return m.done }

type MockAccounts struct {
	mock.Mock
}

func (m *MockAccounts) CanPerformAccountAction(ctx context.Context, operator string) (account.Decision, error) {
	args := m.Called(ctx, operator)
	return args.Get(0).(account.Decision), args.Error(1)
}

func (m *MockAccounts) RecordAccountAction(ctx context.Context, operator string, action models.AccountAction) (account.Decision, error) {
	args := m.Called(ctx, operator, action)
	return args.Get(0).(account.Decision), args.Error(1)
}

type MockMedia struct {
	mock.Mock
}

func (m *MockMedia) ListMediaOwed(ctx context.Context, groupID int64) ([]models.Message, error) {
	args := m.Called(ctx, groupID)
	if args.Get(0) == nil {
		return nil, args.Error(1)
	}
	return args.Get(0).([]models.Message), args.Error(1)
}
