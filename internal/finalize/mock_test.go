package finalize

import (
	"context"

	"github.com/stretchr/testify/mock"

	"github.com/sells-group/lookalike/internal/model"
)

type mockAudienceStore struct {
	mock.Mock
}

func (m *mockAudienceStore) FinalizeTopN(ctx context.Context, lookalikeID string, n int) (int, error) {
	args := m.Called(ctx, lookalikeID, n)
	return args.Int(0), args.Error(1)
}

func (m *mockAudienceStore) ListLookalikePersons(ctx context.Context, lookalikeID string) ([]model.LookalikePerson, error) {
	args := m.Called(ctx, lookalikeID)
	persons, _ := args.Get(0).([]model.LookalikePerson)
	return persons, args.Error(1)
}
