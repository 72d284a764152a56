package matcher

import (
	"context"

	"github.com/stretchr/testify/mock"

	"github.com/sells-group/lookalike/internal/model"
)

// --- Graph Mock ---

type mockGraph struct {
	mock.Mock
}

func (m *mockGraph) LookupByEmail(ctx context.Context, email string) (*model.IdentityProfile, error) {
	args := m.Called(ctx, email)
	if args.Get(0) == nil {
		return nil, args.Error(1)
	}
	return args.Get(0).(*model.IdentityProfile), args.Error(1)
}

func (m *mockGraph) LookupByHash(ctx context.Context, sha256Hex string) (*model.IdentityProfile, error) {
	args := m.Called(ctx, sha256Hex)
	if args.Get(0) == nil {
		return nil, args.Error(1)
	}
	return args.Get(0).(*model.IdentityProfile), args.Error(1)
}

func (m *mockGraph) Profiles(ctx context.Context, ids []int64, columns []string) ([]model.IdentityProfile, error) {
	args := m.Called(ctx, ids, columns)
	if args.Get(0) == nil {
		return nil, args.Error(1)
	}
	return args.Get(0).([]model.IdentityProfile), args.Error(1)
}

func (m *mockGraph) ScanBlock(ctx context.Context, afterID int64, limit int, columns []string) ([]model.IdentityProfile, error) {
	args := m.Called(ctx, afterID, limit, columns)
	if args.Get(0) == nil {
		return nil, args.Error(1)
	}
	return args.Get(0).([]model.IdentityProfile), args.Error(1)
}
