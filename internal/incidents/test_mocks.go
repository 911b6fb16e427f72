package incidents

import (
	"context"

	"github.com/google/uuid"
	"github.com/stretchr/testify/mock"
	"github.com/technosupport/ts-utm/internal/data"
)

// MockIncidentRepo
type MockIncidentRepo struct {
	mock.Mock
}

func (m *MockIncidentRepo) UpsertIncident(ctx context.Context, inc *data.Incident) error {
	args := m.Called(ctx, inc)
	return args.Error(0)
}

func (m *MockIncidentRepo) GetIncident(ctx context.Context, id uuid.UUID) (*data.Incident, error) {
	args := m.Called(ctx, id)
	if args.Get(0) == nil {
		return nil, args.Error(1)
	}
	return args.Get(0).(*data.Incident), args.Error(1)
}

func (m *MockIncidentRepo) ListIncidents(ctx context.Context, status data.IncidentStatus, limit int) ([]*data.Incident, error) {
	args := m.Called(ctx, status, limit)
	if args.Get(0) == nil {
		return nil, args.Error(1)
	}
	return args.Get(0).([]*data.Incident), args.Error(1)
}
