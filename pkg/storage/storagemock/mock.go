package storagemock

import (
	"context"

	"github.com/stretchr/testify/mock"

	"github.com/raterudder/energybill/pkg/storage"
	"github.com/raterudder/energybill/pkg/types"
)

type MockDatabase struct {
	mock.Mock
}

var _ storage.Database = (*MockDatabase)(nil)

func (m *MockDatabase) GetTariffConfig(ctx context.Context, siteID string) (types.TariffConfig, int, error) {
	args := m.Called(ctx, siteID)
	// return defaults if not specified
	if len(args) > 0 {
		return args.Get(0).(types.TariffConfig), args.Int(1), args.Error(2)
	}
	return types.DefaultTariffConfig(), types.CurrentTariffConfigVersion, nil
}

func (m *MockDatabase) SetTariffConfig(ctx context.Context, siteID string, cfg types.TariffConfig, version int) error {
	args := m.Called(ctx, siteID, cfg, version)
	return args.Error(0)
}

func (m *MockDatabase) GetPeriodTotals(ctx context.Context, siteID, rng string) (types.PeriodSnapshot, bool, error) {
	args := m.Called(ctx, siteID, rng)
	if len(args) > 0 {
		return args.Get(0).(types.PeriodSnapshot), args.Bool(1), args.Error(2)
	}
	return types.PeriodSnapshot{}, false, nil
}

func (m *MockDatabase) SetPeriodTotals(ctx context.Context, siteID string, snap types.PeriodSnapshot) error {
	args := m.Called(ctx, siteID, snap)
	return args.Error(0)
}

func (m *MockDatabase) ListPeriodTotals(ctx context.Context, siteID string) ([]types.PeriodSnapshot, error) {
	args := m.Called(ctx, siteID)
	if len(args) > 0 {
		if args.Get(0) == nil {
			return nil, args.Error(1)
		}
		return args.Get(0).([]types.PeriodSnapshot), args.Error(1)
	}
	return nil, nil
}

func (m *MockDatabase) Close() error {
	args := m.Called()
	return args.Error(0)
}
