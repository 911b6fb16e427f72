package protocols

import (
	"context"

	"github.com/google/uuid"
	"github.com/stretchr/testify/mock"
	"github.com/technosupport/ts-utm/internal/data"
)

// MockProtocolRepo
type MockProtocolRepo struct {
	mock.Mock
}

func (m *MockProtocolRepo) ListActiveProtocols(ctx context.Context) ([]data.Protocol, error) {
	args := m.Called(ctx)
	if args.Get(0) == nil {
		return nil, args.Error(1)
	}
	return args.Get(0).([]data.Protocol), args.Error(1)
}

func (m *MockProtocolRepo) GetProtocol(ctx context.Context, id uuid.UUID) (*data.Protocol, error) {
	args := m.Called(ctx, id)
	if args.Get(0) == nil {
		return nil, args.Error(1)
	}
	return args.Get(0).(*data.Protocol), args.Error(1)
}

func (m *MockProtocolRepo) CreateProtocol(ctx context.Context, p *data.Protocol) error {
	args := m.Called(ctx, p)
	return args.Error(0)
}

func (m *MockProtocolRepo) UpdateProtocol(ctx context.Context, p *data.Protocol) error {
	args := m.Called(ctx, p)
	return args.Error(0)
}

func (m *MockProtocolRepo) DeactivateProtocol(ctx context.Context, id uuid.UUID) error {
	args := m.Called(ctx, id)
	return args.Error(0)
}
