package server

import (
	"context"
	"errors"
	"io"
	"log/slog"
	"net/http"

	"github.com/raterudder/energybill/pkg/log"
	"github.com/raterudder/energybill/pkg/types"
)

// maxConfigBody bounds the size of a config update.
const maxConfigBody = 1 << 20

func (s *Server) getTariffWithMigration(ctx context.Context) (types.TariffConfig, error) {
	cfg, version, err := s.storage.GetTariffConfig(ctx, s.siteID())
	if err != nil {
		return types.TariffConfig{}, err
	}

	if version < types.CurrentTariffConfigVersion {
		log.Ctx(ctx).InfoContext(ctx, "migrating tariff config", slog.Int("oldVersion", version), slog.Int("newVersion", types.CurrentTariffConfigVersion))
		migrated, changed, err := types.MigrateTariffConfig(cfg, version)
		if err != nil {
			// best effort, keep serving the stored config
			log.Ctx(ctx).ErrorContext(ctx, "failed to migrate tariff config", slog.Int("currentVersion", version), slog.Any("error", err))
		} else if changed {
			if err := s.storage.SetTariffConfig(ctx, s.siteID(), migrated, types.CurrentTariffConfigVersion); err != nil {
				log.Ctx(ctx).ErrorContext(ctx, "failed to save migrated tariff config", slog.Any("error", err))
			} else {
				log.Ctx(ctx).InfoContext(ctx, "saved migrated tariff config", slog.Int("oldVersion", version), slog.Int("newVersion", types.CurrentTariffConfigVersion))
			}
			cfg = migrated
		}
	}
	return cfg, nil
}

// configRes is the response of GET /api/config.
type configRes struct {
	types.TariffConfig
	MeterHasGas bool `json:"meter_has_gas"`
}

func (s *Server) handleGetConfig(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	cfg, err := s.getTariffWithMigration(ctx)
	if err != nil {
		log.Ctx(ctx).ErrorContext(ctx, "failed to get tariff config", slog.Any("error", err))
		writeJSONError(w, "failed to get config", http.StatusInternalServerError)
		return
	}
	cfg = s.coordinator.ResolveSensors(ctx, cfg)
	writeJSON(w, configRes{
		TariffConfig: cfg,
		MeterHasGas:  cfg.HasGasMeter(),
	})
}

func (s *Server) handleUpdateConfig(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	body, err := io.ReadAll(http.MaxBytesReader(w, r.Body, maxConfigBody))
	if err != nil {
		writeJSONError(w, "invalid request body", http.StatusBadRequest)
		return
	}

	current, err := s.getTariffWithMigration(ctx)
	if err != nil {
		log.Ctx(ctx).ErrorContext(ctx, "failed to get tariff config", slog.Any("error", err))
		writeJSONError(w, "failed to get config", http.StatusInternalServerError)
		return
	}
	cfg, err := types.MergeTariffConfigJSON(current, body)
	if err != nil {
		writeJSONError(w, "invalid config", http.StatusBadRequest)
		return
	}
	if err := cfg.Validate(); err != nil {
		if errors.Is(err, types.ErrInvalidTariffConfig) {
			writeJSONError(w, err.Error(), http.StatusBadRequest)
			return
		}
		log.Ctx(ctx).ErrorContext(ctx, "failed to validate tariff config", slog.Any("error", err))
		writeJSONError(w, "invalid config", http.StatusBadRequest)
		return
	}

	if err := s.storage.SetTariffConfig(ctx, s.siteID(), cfg.WithoutSensorValues(), types.CurrentTariffConfigVersion); err != nil {
		log.Ctx(ctx).ErrorContext(ctx, "failed to save tariff config", slog.Any("error", err))
		writeJSONError(w, "failed to save config", http.StatusInternalServerError)
		return
	}
	// meters or the reference power may have changed
	s.coordinator.Invalidate()
	log.Ctx(ctx).InfoContext(ctx, "tariff config updated", slog.Int("meters", len(cfg.Meters)))

	writeJSON(w, map[string]string{"status": "ok"})
}

// handleResetConfig restores the default tariff. The configured meters are
// kept since they identify the installation rather than the tariff.
func (s *Server) handleResetConfig(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	current, err := s.getTariffWithMigration(ctx)
	if err != nil {
		log.Ctx(ctx).ErrorContext(ctx, "failed to get tariff config", slog.Any("error", err))
		writeJSONError(w, "failed to get config", http.StatusInternalServerError)
		return
	}
	cfg := types.DefaultTariffConfig()
	if len(current.Meters) > 0 {
		cfg.Meters = current.Clone().Meters
	}
	if err := s.storage.SetTariffConfig(ctx, s.siteID(), cfg, types.CurrentTariffConfigVersion); err != nil {
		log.Ctx(ctx).ErrorContext(ctx, "failed to reset tariff config", slog.Any("error", err))
		writeJSONError(w, "failed to reset config", http.StatusInternalServerError)
		return
	}
	s.coordinator.Invalidate()
	log.Ctx(ctx).InfoContext(ctx, "tariff config reset to defaults")

	writeJSON(w, map[string]string{"status": "ok"})
}
