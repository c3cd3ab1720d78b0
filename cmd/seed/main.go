package main

import (
	"context"
	"encoding/json"
	"log/slog"
	"os"

	"github.com/levenlabs/go-lflag"

	"github.com/raterudder/energybill/pkg/log"
	"github.com/raterudder/energybill/pkg/storage"
	"github.com/raterudder/energybill/pkg/types"
)

// seed writes a tariff config file into the configured storage. Keys the
// file omits keep their default value. A file may carry a "version" key
// to have an older layout migrated first.
func main() {
	s := storage.Configured()
	siteID := lflag.String("site-id", "default", "Site to write the tariff for")
	file := lflag.RequiredString("tariff-file", "Path of the tariff config JSON file")
	dryRun := lflag.Bool("dry-run", false, "Print the resulting config instead of storing it")
	lflag.Configure()

	ctx := context.Background()
	defer func() {
		if err := s.Close(); err != nil {
			log.Ctx(ctx).ErrorContext(ctx, "failed to close storage", slog.Any("error", err))
		}
	}()

	if err := seed(ctx, s, *siteID, *file, *dryRun); err != nil {
		log.Ctx(ctx).ErrorContext(ctx, "failed to seed tariff", slog.Any("error", err))
		os.Exit(1)
	}
}

func seed(ctx context.Context, s storage.Database, siteID, file string, dryRun bool) error {
	data, err := os.ReadFile(file)
	if err != nil {
		return err
	}

	var header struct {
		Version *int `json:"version"`
	}
	if err := json.Unmarshal(data, &header); err != nil {
		return err
	}
	version := types.CurrentTariffConfigVersion
	if header.Version != nil {
		version = *header.Version
	}

	cfg, err := types.DecodeTariffConfig(data)
	if err != nil {
		return err
	}
	cfg, changed, err := types.MigrateTariffConfig(cfg, version)
	if err != nil {
		return err
	}
	if changed {
		log.Ctx(ctx).InfoContext(ctx, "migrated tariff config", slog.Int("fromVersion", version))
	}
	if err := cfg.Validate(); err != nil {
		return err
	}

	if dryRun {
		enc := json.NewEncoder(os.Stdout)
		enc.SetIndent("", "  ")
		return enc.Encode(cfg)
	}

	log.Ctx(ctx).InfoContext(ctx, "seeding tariff config", slog.String("siteID", siteID), slog.Int("meters", len(cfg.Meters)))
	if err := s.SetTariffConfig(ctx, siteID, cfg.WithoutSensorValues(), types.CurrentTariffConfigVersion); err != nil {
		return err
	}
	log.Ctx(ctx).InfoContext(ctx, "seeded tariff config")
	return nil
}
