// Package coordinator keeps the totals of the preset ranges fresh and
// computes invoices from them.
package coordinator

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/levenlabs/go-lflag"
	"github.com/robfig/cron/v3"

	"github.com/raterudder/energybill/pkg/billing"
	"github.com/raterudder/energybill/pkg/log"
	"github.com/raterudder/energybill/pkg/metrics"
	"github.com/raterudder/energybill/pkg/period"
	"github.com/raterudder/energybill/pkg/sensor"
	"github.com/raterudder/energybill/pkg/storage"
	"github.com/raterudder/energybill/pkg/types"
)

// TotalsSource fetches metering totals for a window.
type TotalsSource interface {
	Totals(ctx context.Context, meters []types.MeterDescriptor, referencePowerKW float64, start, end time.Time) (types.EnergyPeriodTotals, error)
}

// Publisher receives the invoice summary of every preset range after a
// refresh.
type Publisher interface {
	Publish(ctx context.Context, siteID string, s billing.Summary) error
}

// Coordinator caches the preset ranges and refreshes them on a schedule.
type Coordinator struct {
	siteID    string
	schedule  string
	db        storage.Database
	src       TotalsSource
	resolver  sensor.Resolver
	publisher Publisher
	now       func() time.Time

	cron *cron.Cron
	wg   sync.WaitGroup

	mu    sync.RWMutex
	cache map[period.Range]types.PeriodSnapshot
}

// Options configures a Coordinator.
type Options struct {
	SiteID   string
	Schedule string
	DB       storage.Database
	Source   TotalsSource
	// Resolver and Publisher are optional.
	Resolver  sensor.Resolver
	Publisher Publisher
	Now       func() time.Time
}

// Configured sets up a coordinator from flags.
func Configured(db storage.Database, src TotalsSource, resolver sensor.Resolver, pub Publisher) *Coordinator {
	siteID := lflag.String("site-id", "default", "Site the tariff and cached totals are stored under")
	schedule := lflag.String("refresh-schedule", "@hourly", "Cron schedule for refreshing the preset ranges")
	timezone := lflag.String("timezone", "Europe/Luxembourg", "Time zone calendar ranges are computed in")

	c := &Coordinator{}
	lflag.Do(func() {
		loc, err := time.LoadLocation(*timezone)
		if err != nil {
			panic(fmt.Sprintf("invalid timezone %q: %v", *timezone, err))
		}
		err = c.init(Options{
			SiteID:    *siteID,
			Schedule:  *schedule,
			DB:        db,
			Source:    src,
			Resolver:  resolver,
			Publisher: pub,
			Now:       func() time.Time { return time.Now().In(loc) },
		})
		if err != nil {
			panic(fmt.Sprintf("coordinator validation failed: %v", err))
		}
	})
	return c
}

// New returns a coordinator. It does nothing until Start is called.
func New(opts Options) (*Coordinator, error) {
	c := &Coordinator{}
	if err := c.init(opts); err != nil {
		return nil, err
	}
	return c, nil
}

func (c *Coordinator) init(opts Options) error {
	if opts.SiteID == "" {
		return fmt.Errorf("site id is required")
	}
	if opts.DB == nil || opts.Source == nil {
		return fmt.Errorf("storage and metering source are required")
	}
	if opts.Schedule == "" {
		opts.Schedule = "@hourly"
	}
	if _, err := cron.ParseStandard(opts.Schedule); err != nil {
		return fmt.Errorf("invalid refresh schedule %q: %w", opts.Schedule, err)
	}
	if opts.Now == nil {
		opts.Now = time.Now
	}
	c.siteID = opts.SiteID
	c.schedule = opts.Schedule
	c.db = opts.DB
	c.src = opts.Source
	c.resolver = opts.Resolver
	c.publisher = opts.Publisher
	c.now = opts.Now
	c.cache = make(map[period.Range]types.PeriodSnapshot)
	return nil
}

// SiteID returns the site this coordinator serves.
func (c *Coordinator) SiteID() string {
	return c.siteID
}

// Now returns the current time in the coordinator's time zone.
func (c *Coordinator) Now() time.Time {
	return c.now()
}

// Start loads the persisted snapshots, refreshes every preset once and then
// on the schedule until Stop is called.
func (c *Coordinator) Start(ctx context.Context) error {
	if err := c.loadPersisted(ctx); err != nil {
		log.Ctx(ctx).WarnContext(ctx, "failed to load persisted period totals", slog.Any("error", err))
	}

	c.cron = cron.New()
	if _, err := c.cron.AddFunc(c.schedule, func() {
		c.RefreshAll(ctx)
	}); err != nil {
		return fmt.Errorf("failed to schedule refresh: %w", err)
	}
	c.wg.Add(1)
	go func() {
		defer c.wg.Done()
		c.RefreshAll(ctx)
	}()
	c.cron.Start()
	return nil
}

// Stop stops the schedule and waits for a running refresh to finish,
// including the one Start kicked off.
func (c *Coordinator) Stop() {
	if c.cron != nil {
		<-c.cron.Stop().Done()
	}
	c.wg.Wait()
}

func (c *Coordinator) loadPersisted(ctx context.Context) error {
	snaps, err := c.db.ListPeriodTotals(ctx, c.siteID)
	if err != nil {
		return err
	}
	c.mu.Lock()
	defer c.mu.Unlock()
	for _, s := range snaps {
		r := period.Range(s.Range)
		if period.IsPreset(r) {
			c.cache[r] = s
		}
	}
	return nil
}

// TariffConfig returns the stored tariff migrated to the current version.
// Migrations are not persisted here.
func (c *Coordinator) TariffConfig(ctx context.Context) (types.TariffConfig, error) {
	cfg, version, err := c.db.GetTariffConfig(ctx, c.siteID)
	if err != nil {
		return types.TariffConfig{}, fmt.Errorf("failed to get tariff config: %w", err)
	}
	if version < types.CurrentTariffConfigVersion {
		migrated, _, err := types.MigrateTariffConfig(cfg, version)
		if err != nil {
			return types.TariffConfig{}, fmt.Errorf("failed to migrate tariff config: %w", err)
		}
		cfg = migrated
	}
	return cfg, nil
}

// ResolveSensors returns cfg with the live sensor feed-in prices filled in.
func (c *Coordinator) ResolveSensors(ctx context.Context, cfg types.TariffConfig) types.TariffConfig {
	cfg.FeedInRates = sensor.ResolveFeedInRates(ctx, c.resolver, cfg.FeedInRates)
	return cfg
}

// RefreshAll refreshes every preset range. A range that fails keeps its
// previous value. Summaries are published afterwards if a publisher is set.
func (c *Coordinator) RefreshAll(ctx context.Context) {
	cfg, err := c.TariffConfig(ctx)
	if err != nil {
		log.Ctx(ctx).ErrorContext(ctx, "failed to load tariff for refresh", slog.Any("error", err))
		return
	}
	for _, r := range period.Presets {
		if _, err := c.refresh(ctx, cfg, r); err != nil {
			log.Ctx(ctx).ErrorContext(ctx, "failed to refresh period totals", slog.String("range", string(r)), slog.Any("error", err))
		}
	}
	if c.publishing() {
		c.publishAll(ctx, c.ResolveSensors(ctx, cfg))
	}
}

func (c *Coordinator) refresh(ctx context.Context, cfg types.TariffConfig, r period.Range) (types.PeriodSnapshot, error) {
	now := c.now()
	start, end := period.Bounds(r, now)
	totals, err := c.src.Totals(ctx, cfg.Meters, cfg.ReferencePowerKW, start, end)
	metrics.ObserveRefresh(string(r), err)
	if err != nil {
		return types.PeriodSnapshot{}, err
	}
	snap := types.PeriodSnapshot{
		Range:     string(r),
		Start:     start,
		End:       end,
		Totals:    totals,
		FetchedAt: now,
	}
	c.mu.Lock()
	c.cache[r] = snap
	c.mu.Unlock()

	if err := c.db.SetPeriodTotals(ctx, c.siteID, snap); err != nil {
		log.Ctx(ctx).WarnContext(ctx, "failed to persist period totals", slog.String("range", string(r)), slog.Any("error", err))
	}
	return snap, nil
}

func (c *Coordinator) publishing() bool {
	if c.publisher == nil {
		return false
	}
	if e, ok := c.publisher.(interface{ Enabled() bool }); ok {
		return e.Enabled()
	}
	return true
}

func (c *Coordinator) publishAll(ctx context.Context, cfg types.TariffConfig) {
	for _, r := range period.Presets {
		snap, ok := c.Cached(r)
		if !ok {
			continue
		}
		inv := billing.ComputeInvoice(snap.Totals, cfg, c.proration(r, snap))
		err := c.publisher.Publish(ctx, c.siteID, billing.Summarize(r, snap.Start, snap.End, inv))
		metrics.ObservePublish(err)
		if err != nil {
			log.Ctx(ctx).WarnContext(ctx, "failed to publish invoice summary", slog.String("range", string(r)), slog.Any("error", err))
		}
	}
}

// proration prorates snap as of the time it was fetched, so the monthly fees
// cover the same window as its totals even after the calendar rolled over.
func (c *Coordinator) proration(r period.Range, snap types.PeriodSnapshot) period.Proration {
	now := c.now()
	at := now
	if !snap.FetchedAt.IsZero() {
		at = snap.FetchedAt.In(now.Location())
	}
	return period.Prorate(r, snap.Start, snap.End, at)
}

// stale returns true if the window of r moved on since snap was fetched.
func (c *Coordinator) stale(r period.Range, snap types.PeriodSnapshot) bool {
	start, _ := period.Bounds(r, c.now())
	return !start.Equal(snap.Start)
}

// Cached returns the cached snapshot of a preset range.
func (c *Coordinator) Cached(r period.Range) (types.PeriodSnapshot, bool) {
	c.mu.RLock()
	defer c.mu.RUnlock()
	s, ok := c.cache[r]
	return s, ok
}

// Invalidate drops every cached snapshot, e.g. after the meters changed.
// The next request for a preset fetches it again.
func (c *Coordinator) Invalidate() {
	c.mu.Lock()
	defer c.mu.Unlock()
	clear(c.cache)
}

// ErrInvalidRange is returned for a custom range without valid bounds.
var ErrInvalidRange = errors.New("invalid range")

// Totals returns the totals of a range. Presets are served from the cache
// and fetched on a miss or once their window moved on, yearly ranges are
// always fetched. For Custom the given start and end are used as is.
func (c *Coordinator) Totals(ctx context.Context, r period.Range, start, end time.Time) (types.PeriodSnapshot, error) {
	var cached types.PeriodSnapshot
	var hasCached bool
	if period.IsPreset(r) {
		cached, hasCached = c.Cached(r)
		if hasCached && !c.stale(r, cached) {
			return cached, nil
		}
	}
	cfg, err := c.TariffConfig(ctx)
	if err != nil {
		return types.PeriodSnapshot{}, err
	}
	if period.IsPreset(r) {
		snap, err := c.refresh(ctx, cfg, r)
		if err != nil && hasCached {
			// the previous window is still consistent with its own proration
			log.Ctx(ctx).WarnContext(ctx, "failed to refresh stale period totals, serving previous window", slog.String("range", string(r)), slog.Any("error", err))
			return cached, nil
		}
		return snap, err
	}

	now := c.now()
	if r == period.Custom {
		if start.IsZero() || end.IsZero() || end.Before(start) {
			return types.PeriodSnapshot{}, ErrInvalidRange
		}
	} else {
		start, end = period.Bounds(r, now)
	}
	totals, err := c.src.Totals(ctx, cfg.Meters, cfg.ReferencePowerKW, start, end)
	if err != nil {
		return types.PeriodSnapshot{}, err
	}
	return types.PeriodSnapshot{
		Range:     string(r),
		Start:     start,
		End:       end,
		Totals:    totals,
		FetchedAt: now,
	}, nil
}

// Invoice computes the invoice of a range with the stored tariff and live
// sensor prices.
func (c *Coordinator) Invoice(ctx context.Context, r period.Range, start, end time.Time) (billing.Invoice, types.PeriodSnapshot, error) {
	snap, err := c.Totals(ctx, r, start, end)
	if err != nil {
		return billing.Invoice{}, types.PeriodSnapshot{}, err
	}
	cfg, err := c.TariffConfig(ctx)
	if err != nil {
		return billing.Invoice{}, types.PeriodSnapshot{}, err
	}
	cfg = c.ResolveSensors(ctx, cfg)
	inv := billing.ComputeInvoice(snap.Totals, cfg, c.proration(r, snap))
	metrics.ObserveInvoice(string(r))
	return inv, snap, nil
}
