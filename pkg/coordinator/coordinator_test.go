package coordinator

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/mock"
	"github.com/stretchr/testify/require"

	"github.com/raterudder/energybill/pkg/billing"
	"github.com/raterudder/energybill/pkg/period"
	"github.com/raterudder/energybill/pkg/storage/storagemock"
	"github.com/raterudder/energybill/pkg/types"
)

type fakeSource struct {
	mu     sync.Mutex
	calls  int
	err    error
	totals types.EnergyPeriodTotals
	last   [2]time.Time
}

func (f *fakeSource) Totals(ctx context.Context, meters []types.MeterDescriptor, referencePowerKW float64, start, end time.Time) (types.EnergyPeriodTotals, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.calls++
	f.last = [2]time.Time{start, end}
	if f.err != nil {
		return types.EnergyPeriodTotals{}, f.err
	}
	return f.totals, nil
}

type fakePublisher struct {
	summaries []billing.Summary
}

func (p *fakePublisher) Publish(ctx context.Context, siteID string, s billing.Summary) error {
	p.summaries = append(p.summaries, s)
	return nil
}

type staticResolver float64

func (s staticResolver) Value(ctx context.Context, entityID string) (float64, error) {
	return float64(s), nil
}

var fixedNow = time.Date(2026, 3, 14, 10, 0, 0, 0, time.UTC)

func newTestCoordinator(t *testing.T, db *storagemock.MockDatabase, src *fakeSource, pub Publisher) *Coordinator {
	c, err := New(Options{
		SiteID:    "site",
		DB:        db,
		Source:    src,
		Resolver:  staticResolver(0.2),
		Publisher: pub,
		Now:       func() time.Time { return fixedNow },
	})
	require.NoError(t, err)
	return c
}

func TestNew(t *testing.T) {
	_, err := New(Options{DB: &storagemock.MockDatabase{}, Source: &fakeSource{}})
	assert.Error(t, err)
	_, err = New(Options{SiteID: "s"})
	assert.Error(t, err)
	_, err = New(Options{SiteID: "s", DB: &storagemock.MockDatabase{}, Source: &fakeSource{}, Schedule: "not a schedule"})
	assert.Error(t, err)
	c, err := New(Options{SiteID: "s", DB: &storagemock.MockDatabase{}, Source: &fakeSource{}})
	require.NoError(t, err)
	assert.Equal(t, "s", c.SiteID())
}

func TestRefreshAll(t *testing.T) {
	db := &storagemock.MockDatabase{}
	db.On("GetTariffConfig", mock.Anything, "site").Return(types.DefaultTariffConfig(), types.CurrentTariffConfigVersion, nil)
	db.On("SetPeriodTotals", mock.Anything, "site", mock.AnythingOfType("types.PeriodSnapshot")).Return(nil)

	src := &fakeSource{totals: types.EnergyPeriodTotals{ConsumptionKWh: 10}}
	pub := &fakePublisher{}
	c := newTestCoordinator(t, db, src, pub)

	c.RefreshAll(context.Background())
	assert.Equal(t, len(period.Presets), src.calls)
	db.AssertNumberOfCalls(t, "SetPeriodTotals", len(period.Presets))

	for _, r := range period.Presets {
		s, ok := c.Cached(r)
		require.True(t, ok, r)
		assert.Equal(t, 10.0, s.Totals.ConsumptionKWh)
		assert.Equal(t, fixedNow, s.FetchedAt)
	}
	require.Len(t, pub.summaries, len(period.Presets))
	assert.Equal(t, period.Yesterday, pub.summaries[0].Range)
	assert.Equal(t, 10.0, pub.summaries[0].ConsumptionKWh)
}

func TestRefreshKeepsPreviousOnError(t *testing.T) {
	db := &storagemock.MockDatabase{}
	db.On("GetTariffConfig", mock.Anything, "site").Return(types.DefaultTariffConfig(), types.CurrentTariffConfigVersion, nil)
	db.On("SetPeriodTotals", mock.Anything, "site", mock.Anything).Return(nil)

	src := &fakeSource{totals: types.EnergyPeriodTotals{ConsumptionKWh: 5}}
	c := newTestCoordinator(t, db, src, nil)
	c.RefreshAll(context.Background())

	src.err = errors.New("leneda down")
	src.totals.ConsumptionKWh = 99
	c.RefreshAll(context.Background())

	s, ok := c.Cached(period.ThisMonth)
	require.True(t, ok)
	assert.Equal(t, 5.0, s.Totals.ConsumptionKWh)
}

func TestTotals(t *testing.T) {
	db := &storagemock.MockDatabase{}
	db.On("GetTariffConfig", mock.Anything, "site").Return(types.DefaultTariffConfig(), types.CurrentTariffConfigVersion, nil)
	db.On("SetPeriodTotals", mock.Anything, "site", mock.Anything).Return(nil)

	src := &fakeSource{totals: types.EnergyPeriodTotals{ConsumptionKWh: 7}}
	c := newTestCoordinator(t, db, src, nil)
	ctx := context.Background()

	t.Run("PresetMissThenHit", func(t *testing.T) {
		s, err := c.Totals(ctx, period.LastMonth, time.Time{}, time.Time{})
		require.NoError(t, err)
		assert.Equal(t, "last_month", s.Range)
		assert.Equal(t, 1, src.calls)

		_, err = c.Totals(ctx, period.LastMonth, time.Time{}, time.Time{})
		require.NoError(t, err)
		assert.Equal(t, 1, src.calls)
	})

	t.Run("YearIsLive", func(t *testing.T) {
		before := src.calls
		s, err := c.Totals(ctx, period.ThisYear, time.Time{}, time.Time{})
		require.NoError(t, err)
		assert.Equal(t, before+1, src.calls)
		assert.Equal(t, time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC), s.Start)
		_, ok := c.Cached(period.ThisYear)
		assert.False(t, ok)
	})

	t.Run("Custom", func(t *testing.T) {
		start := time.Date(2026, 2, 1, 0, 0, 0, 0, time.UTC)
		end := time.Date(2026, 2, 10, 0, 0, 0, 0, time.UTC)
		s, err := c.Totals(ctx, period.Custom, start, end)
		require.NoError(t, err)
		assert.Equal(t, start, src.last[0])
		assert.Equal(t, end, s.End)

		_, err = c.Totals(ctx, period.Custom, end, start)
		assert.ErrorIs(t, err, ErrInvalidRange)
		_, err = c.Totals(ctx, period.Custom, time.Time{}, end)
		assert.ErrorIs(t, err, ErrInvalidRange)
	})
}

func TestInvoiceResolvesSensors(t *testing.T) {
	cfg := types.DefaultTariffConfig()
	cfg.Meters = []types.MeterDescriptor{{ID: "PROD", Types: []types.MeterType{types.MeterTypeProduction}}}
	cfg.FeedInRates = []types.FeedInRate{{MeterID: "PROD", Mode: types.FeedInModeSensor, Tariff: 0.05, SensorEntity: "sensor.price"}}

	db := &storagemock.MockDatabase{}
	db.On("GetTariffConfig", mock.Anything, "site").Return(cfg, types.CurrentTariffConfigVersion, nil)
	db.On("SetPeriodTotals", mock.Anything, "site", mock.Anything).Return(nil)

	src := &fakeSource{totals: types.EnergyPeriodTotals{ProductionKWh: 100, ExportedKWh: 100}}
	c := newTestCoordinator(t, db, src, nil)

	inv, snap, err := c.Invoice(context.Background(), period.Yesterday, time.Time{}, time.Time{})
	require.NoError(t, err)
	assert.Equal(t, "yesterday", snap.Range)
	assert.InDelta(t, 20.0, inv.FeedIn.Revenue, 1e-9)
	assert.True(t, inv.FeedIn.SensorPriced)
}

func TestTariffConfigMigrates(t *testing.T) {
	old := types.TariffConfig{EnergyVariableRate: 0.2}
	db := &storagemock.MockDatabase{}
	db.On("GetTariffConfig", mock.Anything, "site").Return(old, 0, nil)
	c := newTestCoordinator(t, db, &fakeSource{}, nil)

	cfg, err := c.TariffConfig(context.Background())
	require.NoError(t, err)
	assert.Equal(t, types.DefaultCurrency, cfg.Currency)
	assert.NotEmpty(t, cfg.Meters)
	db.AssertNotCalled(t, "SetTariffConfig", mock.Anything, mock.Anything, mock.Anything, mock.Anything)
}

func TestStartLoadsPersisted(t *testing.T) {
	snap := types.PeriodSnapshot{Range: "last_week", Totals: types.EnergyPeriodTotals{ConsumptionKWh: 42}}
	db := &storagemock.MockDatabase{}
	db.On("ListPeriodTotals", mock.Anything, "site").Return([]types.PeriodSnapshot{snap, {Range: "custom"}}, nil)
	db.On("GetTariffConfig", mock.Anything, "site").Return(types.TariffConfig{}, 0, errors.New("offline"))

	c := newTestCoordinator(t, db, &fakeSource{}, nil)
	require.NoError(t, c.Start(context.Background()))
	c.Stop()

	s, ok := c.Cached(period.LastWeek)
	require.True(t, ok)
	assert.Equal(t, 42.0, s.Totals.ConsumptionKWh)
	_, ok = c.Cached(period.Custom)
	assert.False(t, ok)
}

func TestInvalidate(t *testing.T) {
	db := &storagemock.MockDatabase{}
	db.On("GetTariffConfig", mock.Anything, "site").Return(types.DefaultTariffConfig(), types.CurrentTariffConfigVersion, nil)
	db.On("SetPeriodTotals", mock.Anything, "site", mock.Anything).Return(nil)
	src := &fakeSource{}
	c := newTestCoordinator(t, db, src, nil)

	_, err := c.Totals(context.Background(), period.Yesterday, time.Time{}, time.Time{})
	require.NoError(t, err)
	c.Invalidate()
	_, ok := c.Cached(period.Yesterday)
	assert.False(t, ok)
	_, err = c.Totals(context.Background(), period.Yesterday, time.Time{}, time.Time{})
	require.NoError(t, err)
	assert.Equal(t, 2, src.calls)
}

type clock struct {
	mu  sync.Mutex
	now time.Time
}

func (c *clock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.now
}

func (c *clock) Set(t time.Time) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.now = t
}

func TestInvoiceAcrossMonthRollover(t *testing.T) {
	newCoordinator := func(t *testing.T, src *fakeSource, pub Publisher) (*Coordinator, *clock) {
		db := &storagemock.MockDatabase{}
		db.On("GetTariffConfig", mock.Anything, "site").Return(types.DefaultTariffConfig(), types.CurrentTariffConfigVersion, nil)
		db.On("SetPeriodTotals", mock.Anything, "site", mock.Anything).Return(nil)
		clk := &clock{now: time.Date(2024, 1, 31, 23, 30, 0, 0, time.UTC)}
		c, err := New(Options{
			SiteID:    "site",
			DB:        db,
			Source:    src,
			Resolver:  staticResolver(0.2),
			Publisher: pub,
			Now:       clk.Now,
		})
		require.NoError(t, err)
		return c, clk
	}
	january := time.Date(2024, 1, 1, 0, 0, 0, 0, time.UTC)
	february := time.Date(2024, 2, 1, 0, 0, 0, 0, time.UTC)

	t.Run("RefreshFailsKeepsJanuary", func(t *testing.T) {
		src := &fakeSource{totals: types.EnergyPeriodTotals{ConsumptionKWh: 500}}
		pub := &fakePublisher{}
		c, clk := newCoordinator(t, src, pub)
		ctx := context.Background()
		c.RefreshAll(ctx)

		clk.Set(time.Date(2024, 2, 1, 0, 10, 0, 0, time.UTC))
		src.err = errors.New("leneda down")
		c.RefreshAll(ctx)

		inv, snap, err := c.Invoice(ctx, period.ThisMonth, time.Time{}, time.Time{})
		require.NoError(t, err)
		assert.Equal(t, january, snap.Start)
		assert.Equal(t, 500.0, inv.Totals.ConsumptionKWh)
		assert.Equal(t, 31, inv.Proration.PeriodDays)
		assert.Equal(t, 31, inv.Proration.MonthDays)
		assert.Equal(t, "full month", inv.ProrationLabel)

		var published []billing.Summary
		for _, s := range pub.summaries {
			if s.Range == period.ThisMonth {
				published = append(published, s)
			}
		}
		require.Len(t, published, 2)
		want := billing.Summarize(period.ThisMonth, snap.Start, snap.End, inv)
		assert.Equal(t, want, published[0])
		assert.Equal(t, want, published[1])
	})

	t.Run("RefetchesFebruary", func(t *testing.T) {
		src := &fakeSource{totals: types.EnergyPeriodTotals{ConsumptionKWh: 500}}
		c, clk := newCoordinator(t, src, nil)
		ctx := context.Background()
		c.RefreshAll(ctx)

		clk.Set(time.Date(2024, 2, 1, 0, 10, 0, 0, time.UTC))
		src.totals.ConsumptionKWh = 3
		before := src.calls

		inv, snap, err := c.Invoice(ctx, period.ThisMonth, time.Time{}, time.Time{})
		require.NoError(t, err)
		assert.Equal(t, before+1, src.calls)
		assert.Equal(t, february, snap.Start)
		assert.Equal(t, 3.0, inv.Totals.ConsumptionKWh)
		assert.Equal(t, 1, inv.Proration.PeriodDays)
		assert.Equal(t, 29, inv.Proration.MonthDays)

		// last_month rolled over to January as well
		_, err = c.Totals(ctx, period.LastMonth, time.Time{}, time.Time{})
		require.NoError(t, err)
		assert.Equal(t, before+2, src.calls)
	})
}

type blockingSource struct {
	once    sync.Once
	started chan struct{}
	release chan struct{}
}

func (b *blockingSource) Totals(ctx context.Context, meters []types.MeterDescriptor, referencePowerKW float64, start, end time.Time) (types.EnergyPeriodTotals, error) {
	b.once.Do(func() { close(b.started) })
	<-b.release
	return types.EnergyPeriodTotals{ConsumptionKWh: 1}, nil
}

func TestStopWaitsForInitialRefresh(t *testing.T) {
	db := &storagemock.MockDatabase{}
	db.On("ListPeriodTotals", mock.Anything, "site").Return([]types.PeriodSnapshot(nil), nil)
	db.On("GetTariffConfig", mock.Anything, "site").Return(types.DefaultTariffConfig(), types.CurrentTariffConfigVersion, nil)
	db.On("SetPeriodTotals", mock.Anything, "site", mock.Anything).Return(nil)

	src := &blockingSource{started: make(chan struct{}), release: make(chan struct{})}
	c, err := New(Options{SiteID: "site", DB: db, Source: src, Now: func() time.Time { return fixedNow }})
	require.NoError(t, err)
	require.NoError(t, c.Start(context.Background()))
	<-src.started

	stopped := make(chan struct{})
	go func() {
		c.Stop()
		close(stopped)
	}()
	select {
	case <-stopped:
		t.Fatal("Stop returned while the initial refresh was running")
	case <-time.After(50 * time.Millisecond):
	}

	close(src.release)
	select {
	case <-stopped:
	case <-time.After(5 * time.Second):
		t.Fatal("Stop did not return after the refresh finished")
	}
	for _, r := range period.Presets {
		_, ok := c.Cached(r)
		assert.True(t, ok, r)
	}
}
