package server

import (
	"encoding/json"
	"errors"
	"io"
	"log/slog"
	"net/http"
	"time"

	"github.com/raterudder/energybill/pkg/leneda"
	"github.com/raterudder/energybill/pkg/log"
	"github.com/raterudder/energybill/pkg/period"
	"github.com/raterudder/energybill/pkg/types"
)

type modeRes struct {
	Mode       string `json:"mode"`
	Configured bool   `json:"configured"`
}

func (s *Server) handleMode(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	cfg, err := s.coordinator.TariffConfig(ctx)
	if err != nil {
		log.Ctx(ctx).ErrorContext(ctx, "failed to get tariff config", slog.Any("error", err))
		writeJSONError(w, "failed to get config", http.StatusInternalServerError)
		return
	}
	writeJSON(w, modeRes{
		Mode:       "standalone",
		Configured: s.metering.HasCredentials() && len(cfg.Meters) > 0 && cfg.Meters[0].ID != "",
	})
}

type testCredentialsReq struct {
	MeterID string `json:"meter_id"`
}

type testCredentialsRes struct {
	Success bool   `json:"success"`
	Message string `json:"message"`
}

func (s *Server) handleTestCredentials(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	var req testCredentialsReq
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil && !errors.Is(err, io.EOF) {
		writeJSONError(w, "invalid request body", http.StatusBadRequest)
		return
	}
	if req.MeterID == "" {
		cfg, err := s.coordinator.TariffConfig(ctx)
		if err != nil {
			log.Ctx(ctx).ErrorContext(ctx, "failed to get tariff config", slog.Any("error", err))
			writeJSONError(w, "failed to get config", http.StatusInternalServerError)
			return
		}
		if len(cfg.Meters) > 0 {
			req.MeterID = cfg.Meters[0].ID
		}
	}
	if req.MeterID == "" {
		writeJSON(w, testCredentialsRes{Message: "No metering point ID provided"})
		return
	}
	if err := s.metering.Test(ctx, req.MeterID); err != nil {
		log.Ctx(ctx).WarnContext(ctx, "leneda credential test failed", slog.Any("error", err))
		writeJSON(w, testCredentialsRes{Message: "Connection failed: " + err.Error()})
		return
	}
	writeJSON(w, testCredentialsRes{
		Success: true,
		Message: "Connection successful! Tested meter " + types.ShortMeterID(req.MeterID),
	})
}

type dataRes struct {
	Range string `json:"range"`
	types.EnergyPeriodTotals
	MeteringPoint string    `json:"metering_point"`
	Start         string    `json:"start"`
	End           string    `json:"end"`
	FetchedAt     time.Time `json:"fetched_at"`
}

func (s *Server) writeSnapshot(w http.ResponseWriter, r *http.Request, snap types.PeriodSnapshot) {
	var meteringPoint string
	if cfg, err := s.coordinator.TariffConfig(r.Context()); err == nil {
		meteringPoint = leneda.MeterForOBIS(cfg.Meters, leneda.OBISConsumption)
	}
	writeJSON(w, dataRes{
		Range:              snap.Range,
		EnergyPeriodTotals: snap.Totals,
		MeteringPoint:      meteringPoint,
		Start:              snap.Start.Format(time.DateOnly),
		End:                snap.End.Format(time.DateOnly),
		FetchedAt:          snap.FetchedAt,
	})
}

func (s *Server) handleData(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	rng := period.ParseRange(r.URL.Query().Get("range"))
	if rng == period.Custom {
		s.handleCustomData(w, r)
		return
	}
	snap, err := s.coordinator.Totals(ctx, rng, time.Time{}, time.Time{})
	if err != nil {
		writeMeteringError(ctx, w, "failed to get period data", err)
		return
	}
	s.writeSnapshot(w, r, snap)
}

// customBounds reads the start and end query parameters.
func (s *Server) customBounds(r *http.Request) (time.Time, time.Time, error) {
	q := r.URL.Query()
	if q.Get("start") == "" || q.Get("end") == "" {
		return time.Time{}, time.Time{}, errors.New("Missing start or end parameter")
	}
	loc := s.coordinator.Now().Location()
	start, err := period.ParseDate(q.Get("start"), loc)
	if err != nil {
		return time.Time{}, time.Time{}, err
	}
	end, err := period.ParseDate(q.Get("end"), loc)
	if err != nil {
		return time.Time{}, time.Time{}, err
	}
	return period.CustomBounds(start, end)
}

func (s *Server) handleCustomData(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	start, end, err := s.customBounds(r)
	if err != nil {
		writeJSONError(w, err.Error(), http.StatusBadRequest)
		return
	}
	snap, err := s.coordinator.Totals(ctx, period.Custom, start, end)
	if err != nil {
		writeMeteringError(ctx, w, "failed to get custom range data", err)
		return
	}
	s.writeSnapshot(w, r, snap)
}

type timeSeriesRes struct {
	OBIS     string         `json:"obis"`
	Name     string         `json:"name,omitempty"`
	Unit     string         `json:"unit"`
	Interval string         `json:"interval"`
	Meter    string         `json:"metering_point"`
	Items    []leneda.Point `json:"items"`
}

func (s *Server) handleTimeSeries(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	q := r.URL.Query()
	obis := q.Get("obis")
	if obis == "" {
		obis = leneda.OBISConsumption
	}

	loc := s.coordinator.Now().Location()
	start, end := period.Bounds(period.Yesterday, s.coordinator.Now())
	var err error
	if v := q.Get("start"); v != "" {
		if start, err = period.ParseDate(v, loc); err != nil {
			writeJSONError(w, err.Error(), http.StatusBadRequest)
			return
		}
	}
	if v := q.Get("end"); v != "" {
		if end, err = period.ParseDate(v, loc); err != nil {
			writeJSONError(w, err.Error(), http.StatusBadRequest)
			return
		}
	}
	if end.Before(start) {
		writeJSONError(w, "end is before start", http.StatusBadRequest)
		return
	}

	cfg, err := s.coordinator.TariffConfig(ctx)
	if err != nil {
		log.Ctx(ctx).ErrorContext(ctx, "failed to get tariff config", slog.Any("error", err))
		writeJSONError(w, "failed to get config", http.StatusInternalServerError)
		return
	}
	meterID := leneda.MeterForOBIS(cfg.Meters, obis)
	series, err := s.metering.TimeSeries(ctx, meterID, obis, start, end)
	if err != nil {
		writeMeteringError(ctx, w, "failed to get time series", err)
		return
	}

	res := timeSeriesRes{
		OBIS:     obis,
		Name:     leneda.Catalog[obis].Name,
		Unit:     series.Unit,
		Interval: series.IntervalLength,
		Meter:    meterID,
		Items:    series.Items,
	}
	if res.Unit == "" {
		res.Unit = "kW"
	}
	if res.Interval == "" {
		res.Interval = "PT15M"
	}
	if res.Items == nil {
		res.Items = []leneda.Point{}
	}
	writeJSON(w, res)
}
