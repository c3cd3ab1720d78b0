package storage

import (
	"context"
	"fmt"

	"github.com/levenlabs/go-lflag"

	"github.com/raterudder/energybill/pkg/types"
)

// Database defines the interface for persisting the tariff and cached
// period totals of a site.
type Database interface {
	// GetTariffConfig returns the stored tariff and the version it was
	// stored with. A site without a stored tariff gets the defaults at the
	// current version.
	GetTariffConfig(ctx context.Context, siteID string) (types.TariffConfig, int, error)
	// SetTariffConfig stores the tariff. Resolved sensor values are never
	// persisted.
	SetTariffConfig(ctx context.Context, siteID string, cfg types.TariffConfig, version int) error

	// GetPeriodTotals returns the cached snapshot of a range. The boolean
	// is false if none was stored.
	GetPeriodTotals(ctx context.Context, siteID, rng string) (types.PeriodSnapshot, bool, error)
	SetPeriodTotals(ctx context.Context, siteID string, snap types.PeriodSnapshot) error
	ListPeriodTotals(ctx context.Context, siteID string) ([]types.PeriodSnapshot, error)

	// Lifecycle
	Close() error
}

// Configured sets up the Storage provider based on flags.
func Configured() Database {
	provider := lflag.String("storage-provider", "sqlite", "Storage provider to use (available: firestore, sqlite)")

	var p struct{ Database }

	fs := configuredFirestore()
	sq := configuredSQLite()

	lflag.Do(func() {
		switch *provider {
		case "firestore":
			if err := fs.Validate(); err != nil {
				panic(fmt.Sprintf("firestore validation failed: %v", err))
			}
			p.Database = fs
			if err := fs.Init(context.Background()); err != nil {
				panic(fmt.Sprintf("firestore init failed: %v", err))
			}
		case "sqlite":
			if err := sq.Validate(); err != nil {
				panic(fmt.Sprintf("sqlite validation failed: %v", err))
			}
			p.Database = sq
			if err := sq.Init(context.Background()); err != nil {
				panic(fmt.Sprintf("sqlite init failed: %v", err))
			}
		default:
			panic(fmt.Sprintf("unknown storage provider: %s", *provider))
		}
	})

	return &p
}

func decodeTariffConfig(data string, version int) (types.TariffConfig, int, error) {
	cfg, err := types.DecodeTariffConfig([]byte(data))
	if err != nil {
		return types.TariffConfig{}, 0, fmt.Errorf("failed to unmarshal tariff config json: %w", err)
	}
	return cfg, version, nil
}
