package leneda

import (
	"context"
	"fmt"
	"math"
	"regexp"
	"strconv"
	"sync"
	"time"

	"golang.org/x/sync/errgroup"

	"github.com/raterudder/energybill/pkg/types"
)

// DefaultInterval is used when a series does not state its interval length.
const DefaultInterval = 15 * time.Minute

// monthlyThreshold is the span above which aggregated series are requested
// per month instead of as one bucket. Raw 15 minute series are only fetched
// for spans up to this length.
const monthlyThreshold = 35 * 24 * time.Hour

// Source is the subset of Client the aggregator needs.
type Source interface {
	AggregatedSeries(ctx context.Context, meterID, obis string, start, end time.Time, level AggregationLevel) (AggregatedSeries, error)
	TimeSeries(ctx context.Context, meterID, obis string, start, end time.Time) (Series, error)
}

// Aggregator turns metering series into period totals.
type Aggregator struct {
	src         Source
	concurrency int
}

// NewAggregator returns an aggregator reading from src.
func NewAggregator(src Source) *Aggregator {
	return &Aggregator{src: src, concurrency: 4}
}

// Totals fetches and sums every quantity of the period [start, end] for the
// given meters. Consumption and the consumption-side sharing layers are
// summed across consumption meters, production, export and the
// production-side sharing layers across production meters, and gas across
// gas meters. Peak power and exceedance come from the raw series of the
// first consumption meter.
func (a *Aggregator) Totals(ctx context.Context, meters []types.MeterDescriptor, referencePowerKW float64, start, end time.Time) (types.EnergyPeriodTotals, error) {
	var consumption, production, gas []string
	for _, m := range meters {
		if m.ID == "" {
			continue
		}
		if m.Has(types.MeterTypeConsumption) {
			consumption = append(consumption, m.ID)
		}
		if m.Has(types.MeterTypeProduction) {
			production = append(production, m.ID)
		}
		if m.Has(types.MeterTypeGas) {
			gas = append(gas, m.ID)
		}
	}
	if len(consumption)+len(production)+len(gas) == 0 {
		return types.EnergyPeriodTotals{}, ErrNotConfigured
	}

	level := AggregationInfinite
	if end.Sub(start) > monthlyThreshold {
		level = AggregationMonth
	}

	var (
		mu     sync.Mutex
		totals types.EnergyPeriodTotals
	)
	eg, ectx := errgroup.WithContext(ctx)
	eg.SetLimit(a.concurrency)
	sum := func(meterID, obis string, dst *float64) {
		eg.Go(func() error {
			s, err := a.src.AggregatedSeries(ectx, meterID, obis, start, end, level)
			if err != nil {
				return fmt.Errorf("failed to get %s for %s: %w", obis, types.ShortMeterID(meterID), err)
			}
			mu.Lock()
			*dst += s.Sum()
			mu.Unlock()
			return nil
		})
	}

	for _, id := range consumption {
		sum(id, OBISConsumption, &totals.ConsumptionKWh)
		for _, obis := range consumptionSharingCodes {
			sum(id, obis, &totals.SharedWithMeKWh)
		}
	}
	for _, id := range production {
		sum(id, OBISProduction, &totals.ProductionKWh)
		sum(id, OBISExport, &totals.ExportedKWh)
		for _, obis := range productionSharingCodes {
			sum(id, obis, &totals.SharedKWh)
		}
	}
	for _, id := range gas {
		sum(id, OBISGasEnergy, &totals.GasEnergyKWh)
		sum(id, OBISGasVolume, &totals.GasVolumeM3)
	}

	if len(consumption) > 0 && end.Sub(start) <= monthlyThreshold {
		eg.Go(func() error {
			s, err := a.src.TimeSeries(ectx, consumption[0], OBISConsumption, start, end)
			if err != nil {
				return fmt.Errorf("failed to get consumption series: %w", err)
			}
			peak, exceedance := PeakAndExceedance(s, referencePowerKW)
			mu.Lock()
			totals.PeakPowerKW = peak
			totals.ExceedanceKWh = exceedance
			mu.Unlock()
			return nil
		})
	}

	if err := eg.Wait(); err != nil {
		return types.EnergyPeriodTotals{}, err
	}
	totals.SelfConsumedKWh = math.Max(0, totals.ProductionKWh-totals.ExportedKWh)
	return totals, nil
}

// PeakAndExceedance returns the highest average power of any interval and
// the energy drawn above referencePowerKW. Values are in kW.
func PeakAndExceedance(s Series, referencePowerKW float64) (float64, float64) {
	interval, err := ParseInterval(s.IntervalLength)
	if err != nil || interval <= 0 {
		interval = DefaultInterval
	}
	hours := interval.Hours()
	var peak, exceedance float64
	for _, p := range s.Items {
		if p.Value > peak {
			peak = p.Value
		}
		if over := p.Value - referencePowerKW; over > 0 {
			exceedance += over * hours
		}
	}
	return peak, exceedance
}

var intervalRe = regexp.MustCompile(`^PT(?:(\d+(?:\.\d+)?)H)?(?:(\d+(?:\.\d+)?)M)?(?:(\d+(?:\.\d+)?)S)?$`)

// ParseInterval parses the time part of an ISO-8601 duration such as PT15M.
func ParseInterval(s string) (time.Duration, error) {
	m := intervalRe.FindStringSubmatch(s)
	if m == nil || s == "PT" {
		return 0, fmt.Errorf("invalid interval: %q", s)
	}
	var d time.Duration
	for i, unit := range []time.Duration{time.Hour, time.Minute, time.Second} {
		if m[i+1] == "" {
			continue
		}
		v, err := strconv.ParseFloat(m[i+1], 64)
		if err != nil {
			return 0, fmt.Errorf("invalid interval: %q: %w", s, err)
		}
		d += time.Duration(v * float64(unit))
	}
	return d, nil
}
