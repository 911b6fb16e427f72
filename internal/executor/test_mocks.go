package executor

import (
	"context"

	"github.com/stretchr/testify/mock"
	"github.com/technosupport/ts-utm/internal/data"
)

// MockHubRepo
type MockHubRepo struct {
	mock.Mock
}

func (m *MockHubRepo) GetHomeHub(ctx context.Context, droneID string) (*data.Hub, error) {
	args := m.Called(ctx, droneID)
	if args.Get(0) == nil {
		return nil, args.Error(1)
	}
	return args.Get(0).(*data.Hub), args.Error(1)
}

func (m *MockHubRepo) ListActiveHubs(ctx context.Context) ([]data.Hub, error) {
	args := m.Called(ctx)
	if args.Get(0) == nil {
		return nil, args.Error(1)
	}
	return args.Get(0).([]data.Hub), args.Error(1)
}
