package api

import (
	"context"

	"github.com/stretchr/testify/mock"

	"github.com/sells-group/lookalike/internal/model"
	"github.com/sells-group/lookalike/internal/store"
)

type mockStore struct {
	mock.Mock
}

func (m *mockStore) GetSource(ctx context.Context, id string) (*model.Source, error) {
	args := m.Called(ctx, id)
	if args.Get(0) == nil {
		return nil, args.Error(1)
	}
	return args.Get(0).(*model.Source), args.Error(1)
}

func (m *mockStore) CreateLookalike(ctx context.Context, sourceID string, tier model.SizeTier, fields model.SignificantFields) (*model.Lookalike, error) {
	args := m.Called(ctx, sourceID, tier, fields)
	if args.Get(0) == nil {
		return nil, args.Error(1)
	}
	return args.Get(0).(*model.Lookalike), args.Error(1)
}

func (m *mockStore) GetLookalike(ctx context.Context, id string) (*model.Lookalike, error) {
	args := m.Called(ctx, id)
	if args.Get(0) == nil {
		return nil, args.Error(1)
	}
	return args.Get(0).(*model.Lookalike), args.Error(1)
}

func (m *mockStore) ListLookalikes(ctx context.Context, filter store.LookalikeFilter) ([]model.Lookalike, error) {
	args := m.Called(ctx, filter)
	if args.Get(0) == nil {
		return nil, args.Error(1)
	}
	return args.Get(0).([]model.Lookalike), args.Error(1)
}

func (m *mockStore) ListLookalikePersons(ctx context.Context, lookalikeID string) ([]model.LookalikePerson, error) {
	args := m.Called(ctx, lookalikeID)
	if args.Get(0) == nil {
		return nil, args.Error(1)
	}
	return args.Get(0).([]model.LookalikePerson), args.Error(1)
}

type mockEnqueuer struct {
	mock.Mock
}

func (m *mockEnqueuer) Enqueue(ctx context.Context, lookalikeID string) (string, error) {
	args := m.Called(ctx, lookalikeID)
	return args.String(0), args.Error(1)
}
