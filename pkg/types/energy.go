package types

import "time"

// EnergyPeriodTotals are the aggregated metering values for one reporting
// period. All quantities are expected to be non-negative.
type EnergyPeriodTotals struct {
	ConsumptionKWh  float64 `json:"consumption"`
	ProductionKWh   float64 `json:"production"`
	ExportedKWh     float64 `json:"exported"`
	SelfConsumedKWh float64 `json:"self_consumed"`
	GasEnergyKWh    float64 `json:"gas_energy"`
	GasVolumeM3     float64 `json:"gas_volume"`
	PeakPowerKW     float64 `json:"peak_power_kw"`
	ExceedanceKWh   float64 `json:"exceedance_kwh"`

	// Energy-community sharing, informational only.
	SharedKWh       float64 `json:"shared"`
	SharedWithMeKWh float64 `json:"shared_with_me"`
}

// PeriodSnapshot is a cached copy of a period's totals together with the
// window they were fetched for.
type PeriodSnapshot struct {
	Range     string             `json:"range"`
	Start     time.Time          `json:"start"`
	End       time.Time          `json:"end"`
	Totals    EnergyPeriodTotals `json:"totals"`
	FetchedAt time.Time          `json:"fetched_at"`
}
