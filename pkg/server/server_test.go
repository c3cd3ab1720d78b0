package server

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/mock"
	"github.com/stretchr/testify/require"

	"github.com/raterudder/energybill/pkg/coordinator"
	"github.com/raterudder/energybill/pkg/leneda"
	"github.com/raterudder/energybill/pkg/storage/storagemock"
	"github.com/raterudder/energybill/pkg/types"
)

const testMeter = "LU0000000000000000000000012345678"

var fixedNow = time.Date(2026, 3, 14, 10, 0, 0, 0, time.UTC)

type fakeSource struct {
	err    error
	totals types.EnergyPeriodTotals
	start  time.Time
	end    time.Time
}

func (f *fakeSource) Totals(ctx context.Context, meters []types.MeterDescriptor, referencePowerKW float64, start, end time.Time) (types.EnergyPeriodTotals, error) {
	f.start, f.end = start, end
	return f.totals, f.err
}

type fakeMetering struct {
	creds   bool
	testErr error
	series  leneda.Series
	meter   string
	obis    string
	start   time.Time
	end     time.Time
}

func (f *fakeMetering) HasCredentials() bool { return f.creds }

func (f *fakeMetering) TimeSeries(ctx context.Context, meterID, obis string, start, end time.Time) (leneda.Series, error) {
	f.meter, f.obis, f.start, f.end = meterID, obis, start, end
	return f.series, nil
}

func (f *fakeMetering) Test(ctx context.Context, meterID string) error {
	f.meter = meterID
	return f.testErr
}

func configuredTariff() types.TariffConfig {
	cfg := types.DefaultTariffConfig()
	cfg.Meters = []types.MeterDescriptor{{ID: testMeter, Types: []types.MeterType{types.MeterTypeConsumption}}}
	return cfg
}

func newTestServer(t *testing.T, db *storagemock.MockDatabase, src *fakeSource, m *fakeMetering) *Server {
	c, err := coordinator.New(coordinator.Options{
		SiteID: "site",
		DB:     db,
		Source: src,
		Now:    func() time.Time { return fixedNow },
	})
	require.NoError(t, err)
	return &Server{
		storage:     db,
		coordinator: c,
		metering:    m,
		serverName:  "test",
	}
}

func decode(t *testing.T, w *httptest.ResponseRecorder) map[string]any {
	t.Helper()
	var out map[string]any
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &out), w.Body.String())
	return out
}

func TestHandleMode(t *testing.T) {
	t.Run("Configured", func(t *testing.T) {
		db := &storagemock.MockDatabase{}
		db.On("GetTariffConfig", mock.Anything, "site").Return(configuredTariff(), types.CurrentTariffConfigVersion, nil)
		srv := newTestServer(t, db, &fakeSource{}, &fakeMetering{creds: true})

		w := httptest.NewRecorder()
		srv.handleMode(w, httptest.NewRequest("GET", "/api/mode", nil))
		assert.Equal(t, http.StatusOK, w.Code)
		assert.JSONEq(t, `{"mode":"standalone","configured":true}`, w.Body.String())
	})

	t.Run("No Meter", func(t *testing.T) {
		db := &storagemock.MockDatabase{}
		db.On("GetTariffConfig", mock.Anything, "site").Return(types.DefaultTariffConfig(), types.CurrentTariffConfigVersion, nil)
		srv := newTestServer(t, db, &fakeSource{}, &fakeMetering{creds: true})

		w := httptest.NewRecorder()
		srv.handleMode(w, httptest.NewRequest("GET", "/api/mode", nil))
		assert.JSONEq(t, `{"mode":"standalone","configured":false}`, w.Body.String())
	})
}

func TestHandleTestCredentials(t *testing.T) {
	db := &storagemock.MockDatabase{}
	db.On("GetTariffConfig", mock.Anything, "site").Return(configuredTariff(), types.CurrentTariffConfigVersion, nil)
	m := &fakeMetering{creds: true}
	srv := newTestServer(t, db, &fakeSource{}, m)

	t.Run("Success", func(t *testing.T) {
		w := httptest.NewRecorder()
		srv.handleTestCredentials(w, httptest.NewRequest("POST", "/api/credentials/test", nil))
		assert.Equal(t, http.StatusOK, w.Code)
		out := decode(t, w)
		assert.Equal(t, true, out["success"])
		assert.Contains(t, out["message"], "Connection successful! Tested meter")
		assert.Contains(t, out["message"], "12345678")
		assert.Equal(t, testMeter, m.meter)
	})

	t.Run("Explicit Meter Failure", func(t *testing.T) {
		m.testErr = errors.New("leneda GET returned status 403")
		w := httptest.NewRecorder()
		srv.handleTestCredentials(w, httptest.NewRequest("POST", "/api/credentials/test", strings.NewReader(`{"meter_id":"OTHER"}`)))
		assert.Equal(t, http.StatusOK, w.Code)
		out := decode(t, w)
		assert.Equal(t, false, out["success"])
		assert.Equal(t, "Connection failed: leneda GET returned status 403", out["message"])
		assert.Equal(t, "OTHER", m.meter)
	})
}

func TestHandleData(t *testing.T) {
	db := &storagemock.MockDatabase{}
	db.On("GetTariffConfig", mock.Anything, "site").Return(configuredTariff(), types.CurrentTariffConfigVersion, nil)
	db.On("SetPeriodTotals", mock.Anything, "site", mock.Anything).Return(nil)
	src := &fakeSource{totals: types.EnergyPeriodTotals{ConsumptionKWh: 12.5, ProductionKWh: 3}}
	srv := newTestServer(t, db, src, &fakeMetering{creds: true})

	t.Run("Preset", func(t *testing.T) {
		w := httptest.NewRecorder()
		srv.handleData(w, httptest.NewRequest("GET", "/api/data?range=last_month", nil))
		require.Equal(t, http.StatusOK, w.Code, w.Body.String())
		out := decode(t, w)
		assert.Equal(t, "last_month", out["range"])
		assert.Equal(t, 12.5, out["consumption"])
		assert.Equal(t, 3.0, out["production"])
		assert.Equal(t, "2026-02-01", out["start"])
		assert.Equal(t, "2026-02-28", out["end"])
		assert.Equal(t, testMeter, out["metering_point"])
		assert.Equal(t, "no-store", w.Header().Get("Cache-Control"))
	})

	t.Run("Unknown Range Is Yesterday", func(t *testing.T) {
		w := httptest.NewRecorder()
		srv.handleData(w, httptest.NewRequest("GET", "/api/data?range=bogus", nil))
		require.Equal(t, http.StatusOK, w.Code)
		assert.Equal(t, "yesterday", decode(t, w)["range"])
	})

	t.Run("Not Configured", func(t *testing.T) {
		srv := newTestServer(t, db, &fakeSource{err: leneda.ErrNotConfigured}, &fakeMetering{})
		w := httptest.NewRecorder()
		srv.handleData(w, httptest.NewRequest("GET", "/api/data?range=this_week", nil))
		assert.Equal(t, http.StatusUnauthorized, w.Code)
		assert.Contains(t, decode(t, w)["error"], "Credentials not configured")
	})

	t.Run("Upstream Failure", func(t *testing.T) {
		srv := newTestServer(t, db, &fakeSource{err: errors.New("timeout")}, &fakeMetering{})
		w := httptest.NewRecorder()
		srv.handleData(w, httptest.NewRequest("GET", "/api/data?range=this_week", nil))
		assert.Equal(t, http.StatusBadGateway, w.Code)
	})
}

func TestHandleCustomData(t *testing.T) {
	db := &storagemock.MockDatabase{}
	db.On("GetTariffConfig", mock.Anything, "site").Return(configuredTariff(), types.CurrentTariffConfigVersion, nil)
	src := &fakeSource{totals: types.EnergyPeriodTotals{ConsumptionKWh: 40}}
	srv := newTestServer(t, db, src, &fakeMetering{creds: true})

	t.Run("Missing Parameter", func(t *testing.T) {
		w := httptest.NewRecorder()
		srv.handleCustomData(w, httptest.NewRequest("GET", "/api/data/custom?start=2026-02-01", nil))
		assert.Equal(t, http.StatusBadRequest, w.Code)
		assert.Equal(t, "Missing start or end parameter", decode(t, w)["error"])
	})

	t.Run("Reversed", func(t *testing.T) {
		w := httptest.NewRecorder()
		srv.handleCustomData(w, httptest.NewRequest("GET", "/api/data/custom?start=2026-02-10&end=2026-02-01", nil))
		assert.Equal(t, http.StatusBadRequest, w.Code)
	})

	t.Run("Valid", func(t *testing.T) {
		w := httptest.NewRecorder()
		srv.handleCustomData(w, httptest.NewRequest("GET", "/api/data/custom?start=2026-02-01&end=2026-02-10", nil))
		require.Equal(t, http.StatusOK, w.Code, w.Body.String())
		out := decode(t, w)
		assert.Equal(t, "custom", out["range"])
		assert.Equal(t, 40.0, out["consumption"])
		assert.Equal(t, "2026-02-10", out["end"])
		assert.Equal(t, time.Date(2026, 2, 11, 0, 0, 0, 0, time.UTC).Add(-time.Nanosecond), src.end)
	})

	t.Run("Via Range Parameter", func(t *testing.T) {
		w := httptest.NewRecorder()
		srv.handleData(w, httptest.NewRequest("GET", "/api/data?range=custom&start=2026-02-01&end=2026-02-02", nil))
		assert.Equal(t, http.StatusOK, w.Code)
	})
}

func TestHandleTimeSeries(t *testing.T) {
	cfg := configuredTariff()
	cfg.Meters = append(cfg.Meters, types.MeterDescriptor{ID: "PROD", Types: []types.MeterType{types.MeterTypeProduction}})
	db := &storagemock.MockDatabase{}
	db.On("GetTariffConfig", mock.Anything, "site").Return(cfg, types.CurrentTariffConfigVersion, nil)

	t.Run("Defaults", func(t *testing.T) {
		m := &fakeMetering{creds: true}
		srv := newTestServer(t, db, &fakeSource{}, m)
		w := httptest.NewRecorder()
		srv.handleTimeSeries(w, httptest.NewRequest("GET", "/api/data/timeseries", nil))
		require.Equal(t, http.StatusOK, w.Code, w.Body.String())
		out := decode(t, w)
		assert.Equal(t, leneda.OBISConsumption, out["obis"])
		assert.Equal(t, "kW", out["unit"])
		assert.Equal(t, "PT15M", out["interval"])
		assert.Equal(t, []any{}, out["items"])
		assert.Equal(t, testMeter, m.meter)
		assert.Equal(t, time.Date(2026, 3, 13, 0, 0, 0, 0, time.UTC), m.start)
		assert.Equal(t, time.Date(2026, 3, 14, 0, 0, 0, 0, time.UTC).Add(-time.Nanosecond), m.end)
	})

	t.Run("Production Meter", func(t *testing.T) {
		m := &fakeMetering{creds: true, series: leneda.Series{
			Unit:           "kW",
			IntervalLength: "PT15M",
			Items:          []leneda.Point{{Value: 1.2, StartedAt: fixedNow}},
		}}
		srv := newTestServer(t, db, &fakeSource{}, m)
		w := httptest.NewRecorder()
		srv.handleTimeSeries(w, httptest.NewRequest("GET", "/api/data/timeseries?obis="+leneda.OBISProduction+"&start=2026-03-01", nil))
		require.Equal(t, http.StatusOK, w.Code)
		assert.Equal(t, "PROD", m.meter)
		assert.Equal(t, time.Date(2026, 3, 1, 0, 0, 0, 0, time.UTC), m.start)
		assert.Len(t, decode(t, w)["items"], 1)
	})

	t.Run("Bad Date", func(t *testing.T) {
		srv := newTestServer(t, db, &fakeSource{}, &fakeMetering{})
		w := httptest.NewRecorder()
		srv.handleTimeSeries(w, httptest.NewRequest("GET", "/api/data/timeseries?start=yesterday", nil))
		assert.Equal(t, http.StatusBadRequest, w.Code)
	})
}

func TestConfig(t *testing.T) {
	t.Run("Get", func(t *testing.T) {
		cfg := configuredTariff()
		cfg.Meters = append(cfg.Meters, types.MeterDescriptor{ID: "GAS", Types: []types.MeterType{types.MeterTypeGas}})
		db := &storagemock.MockDatabase{}
		db.On("GetTariffConfig", mock.Anything, "site").Return(cfg, types.CurrentTariffConfigVersion, nil)
		srv := newTestServer(t, db, &fakeSource{}, &fakeMetering{})

		w := httptest.NewRecorder()
		srv.handleGetConfig(w, httptest.NewRequest("GET", "/api/config", nil))
		require.Equal(t, http.StatusOK, w.Code)
		out := decode(t, w)
		assert.Equal(t, true, out["meter_has_gas"])
		assert.Equal(t, 0.15, out["energy_variable_rate"])
		assert.Equal(t, "EUR", out["currency"])
	})

	t.Run("Get Saves Migration", func(t *testing.T) {
		db := &storagemock.MockDatabase{}
		db.On("GetTariffConfig", mock.Anything, "site").Return(types.TariffConfig{EnergyVariableRate: 0.2}, 0, nil)
		db.On("SetTariffConfig", mock.Anything, "site", mock.Anything, types.CurrentTariffConfigVersion).Return(nil)
		srv := newTestServer(t, db, &fakeSource{}, &fakeMetering{})

		w := httptest.NewRecorder()
		srv.handleGetConfig(w, httptest.NewRequest("GET", "/api/config", nil))
		require.Equal(t, http.StatusOK, w.Code)
		assert.Equal(t, "EUR", decode(t, w)["currency"])
		db.AssertCalled(t, "SetTariffConfig", mock.Anything, "site", mock.Anything, types.CurrentTariffConfigVersion)
	})

	t.Run("Update", func(t *testing.T) {
		db := &storagemock.MockDatabase{}
		db.On("GetTariffConfig", mock.Anything, "site").Return(configuredTariff(), types.CurrentTariffConfigVersion, nil)
		db.On("SetPeriodTotals", mock.Anything, "site", mock.Anything).Return(nil)
		db.On("SetTariffConfig", mock.Anything, "site", mock.MatchedBy(func(c types.TariffConfig) bool {
			return c.EnergyVariableRate == 0.2 && c.VATRate == 0.08 && len(c.Meters) == 1
		}), types.CurrentTariffConfigVersion).Return(nil)
		srv := newTestServer(t, db, &fakeSource{}, &fakeMetering{})

		// warm the cache so the update has something to invalidate
		_, err := srv.coordinator.Totals(context.Background(), "yesterday", time.Time{}, time.Time{})
		require.NoError(t, err)

		w := httptest.NewRecorder()
		srv.handleUpdateConfig(w, httptest.NewRequest("POST", "/api/config", strings.NewReader(`{"energy_variable_rate":0.2}`)))
		require.Equal(t, http.StatusOK, w.Code, w.Body.String())
		assert.JSONEq(t, `{"status":"ok"}`, w.Body.String())
		_, ok := srv.coordinator.Cached("yesterday")
		assert.False(t, ok)
	})

	t.Run("Update Invalid", func(t *testing.T) {
		db := &storagemock.MockDatabase{}
		db.On("GetTariffConfig", mock.Anything, "site").Return(configuredTariff(), types.CurrentTariffConfigVersion, nil)
		srv := newTestServer(t, db, &fakeSource{}, &fakeMetering{})

		w := httptest.NewRecorder()
		srv.handleUpdateConfig(w, httptest.NewRequest("POST", "/api/config", strings.NewReader(`{"vat_rate":-1}`)))
		assert.Equal(t, http.StatusBadRequest, w.Code)
		assert.Contains(t, decode(t, w)["error"], "vat_rate")

		w = httptest.NewRecorder()
		srv.handleUpdateConfig(w, httptest.NewRequest("POST", "/api/config", strings.NewReader(`not json`)))
		assert.Equal(t, http.StatusBadRequest, w.Code)
		db.AssertNotCalled(t, "SetTariffConfig", mock.Anything, mock.Anything, mock.Anything, mock.Anything)
	})

	t.Run("Reset Keeps Meters", func(t *testing.T) {
		cfg := configuredTariff()
		cfg.EnergyVariableRate = 0.5
		db := &storagemock.MockDatabase{}
		db.On("GetTariffConfig", mock.Anything, "site").Return(cfg, types.CurrentTariffConfigVersion, nil)
		db.On("SetTariffConfig", mock.Anything, "site", mock.MatchedBy(func(c types.TariffConfig) bool {
			return c.EnergyVariableRate == 0.15 && len(c.Meters) == 1 && c.Meters[0].ID == testMeter
		}), types.CurrentTariffConfigVersion).Return(nil)
		srv := newTestServer(t, db, &fakeSource{}, &fakeMetering{})

		w := httptest.NewRecorder()
		srv.handleResetConfig(w, httptest.NewRequest("POST", "/api/config/reset", nil))
		require.Equal(t, http.StatusOK, w.Code, w.Body.String())
		assert.JSONEq(t, `{"status":"ok"}`, w.Body.String())
		db.AssertExpectations(t)
	})
}

func TestHandleInvoice(t *testing.T) {
	db := &storagemock.MockDatabase{}
	db.On("GetTariffConfig", mock.Anything, "site").Return(configuredTariff(), types.CurrentTariffConfigVersion, nil)
	db.On("SetPeriodTotals", mock.Anything, "site", mock.Anything).Return(nil)
	src := &fakeSource{totals: types.EnergyPeriodTotals{ConsumptionKWh: 300, PeakPowerKW: 6.5, ExceedanceKWh: 2}}
	srv := newTestServer(t, db, src, &fakeMetering{creds: true})

	w := httptest.NewRecorder()
	srv.handleInvoice(w, httptest.NewRequest("GET", "/api/invoice?range=last_month", nil))
	require.Equal(t, http.StatusOK, w.Code, w.Body.String())

	var res invoiceRes
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &res))
	assert.Equal(t, "last_month", string(res.Range))
	assert.Equal(t, "2026-02-01", res.Start)
	assert.Equal(t, "EUR", res.Currency)
	assert.Equal(t, "full month", res.ProrationLabel)
	require.NotNil(t, res.Exceedance)
	assert.Equal(t, 2.0, res.Exceedance.ExceedanceKWh)
	assert.Greater(t, res.TotalCost, 0.0)

	t.Run("Custom Missing", func(t *testing.T) {
		w := httptest.NewRecorder()
		srv.handleInvoice(w, httptest.NewRequest("GET", "/api/invoice?range=custom", nil))
		assert.Equal(t, http.StatusBadRequest, w.Code)
	})
}

func TestHandleInvoiceExport(t *testing.T) {
	cfg := configuredTariff()
	cfg.Meters = append(cfg.Meters, types.MeterDescriptor{ID: "GAS", Types: []types.MeterType{types.MeterTypeGas}})
	db := &storagemock.MockDatabase{}
	db.On("GetTariffConfig", mock.Anything, "site").Return(cfg, types.CurrentTariffConfigVersion, nil)
	db.On("SetPeriodTotals", mock.Anything, "site", mock.Anything).Return(nil)
	src := &fakeSource{totals: types.EnergyPeriodTotals{ConsumptionKWh: 300, GasEnergyKWh: 900, GasVolumeM3: 85, ExceedanceKWh: 1}}
	srv := newTestServer(t, db, src, &fakeMetering{creds: true})

	t.Run("PDF", func(t *testing.T) {
		w := httptest.NewRecorder()
		srv.handleInvoiceExport(w, httptest.NewRequest("GET", "/api/invoice/export?range=last_month", nil))
		require.Equal(t, http.StatusOK, w.Code, w.Body.String())
		assert.Equal(t, "application/pdf", w.Header().Get("Content-Type"))
		assert.Equal(t, `attachment; filename="invoice-last_month-2026-02-01.pdf"`, w.Header().Get("Content-Disposition"))
		assert.True(t, bytes.HasPrefix(w.Body.Bytes(), []byte("%PDF")))
	})

	t.Run("XLSX", func(t *testing.T) {
		w := httptest.NewRecorder()
		srv.handleInvoiceExport(w, httptest.NewRequest("GET", "/api/invoice/export?range=last_month&format=xlsx", nil))
		require.Equal(t, http.StatusOK, w.Code, w.Body.String())
		assert.Contains(t, w.Header().Get("Content-Disposition"), ".xlsx")
		// xlsx is a zip archive
		assert.True(t, bytes.HasPrefix(w.Body.Bytes(), []byte("PK")))
	})

	t.Run("Unknown Format", func(t *testing.T) {
		w := httptest.NewRecorder()
		srv.handleInvoiceExport(w, httptest.NewRequest("GET", "/api/invoice/export?format=docx", nil))
		assert.Equal(t, http.StatusBadRequest, w.Code)
	})
}

func TestSetupHandler(t *testing.T) {
	db := &storagemock.MockDatabase{}
	db.On("GetTariffConfig", mock.Anything, "site").Return(configuredTariff(), types.CurrentTariffConfigVersion, nil)
	srv := newTestServer(t, db, &fakeSource{}, &fakeMetering{creds: true})
	h := srv.setupHandler()

	w := httptest.NewRecorder()
	h.ServeHTTP(w, httptest.NewRequest("GET", "/api/mode", nil))
	assert.Equal(t, http.StatusOK, w.Code)
	assert.Equal(t, "test", w.Header().Get("Server"))
	assert.Equal(t, "nosniff", w.Header().Get("X-Content-Type-Options"))
	assert.Contains(t, w.Header().Get("Content-Security-Policy"), "default-src 'none'")

	w = httptest.NewRecorder()
	h.ServeHTTP(w, httptest.NewRequest("GET", "/healthz", nil))
	assert.Equal(t, "ok", w.Body.String())
	assert.Empty(t, w.Header().Get("Content-Security-Policy"))

	w = httptest.NewRecorder()
	h.ServeHTTP(w, httptest.NewRequest("DELETE", "/api/config", nil))
	assert.Equal(t, http.StatusMethodNotAllowed, w.Code)
}
