package types

import (
	"encoding/json"
	"errors"
	"fmt"
	"math"
	"strings"
)

// CurrentTariffConfigVersion is the current version of the tariff config.
// Increment this value when adding new fields that require default values or
// when the stored layout changes.
const CurrentTariffConfigVersion = 2

// MeterType is a role a metering point plays.
type MeterType string

const (
	MeterTypeConsumption MeterType = "consumption"
	MeterTypeProduction  MeterType = "production"
	MeterTypeGas         MeterType = "gas"
)

// MeterDescriptor identifies a metering point and its roles. A meter may be
// both a consumption and a production meter.
type MeterDescriptor struct {
	ID    string      `json:"id"`
	Types []MeterType `json:"types"`
}

// Has returns true if the meter plays the given role.
func (m MeterDescriptor) Has(t MeterType) bool {
	for _, mt := range m.Types {
		if mt == t {
			return true
		}
	}
	return false
}

// ShortMeterID shortens a metering point id to an ellipsis followed by its
// last 8 characters. The ellipsis is kept for shorter ids so a shortened id
// is always recognizable as one.
func ShortMeterID(id string) string {
	if id == "" {
		return ""
	}
	r := []rune(id)
	if len(r) > 8 {
		r = r[len(r)-8:]
	}
	return "…" + string(r)
}

// FeedInMode selects how a production meter's feed-in price is determined.
type FeedInMode string

const (
	FeedInModeFixed  FeedInMode = "fixed"
	FeedInModeSensor FeedInMode = "sensor"
)

// FeedInRate is the feed-in pricing for a single production meter.
type FeedInRate struct {
	MeterID      string     `json:"meter_id"`
	Mode         FeedInMode `json:"mode"`
	Tariff       float64    `json:"tariff"`
	SensorEntity string     `json:"sensor_entity"`
	// SensorValue is resolved at read time and never persisted.
	SensorValue *float64 `json:"sensor_value,omitempty"`
}

// MeterMonthlyFee is a fixed monthly charge attached to a meter.
type MeterMonthlyFee struct {
	MeterID string  `json:"meter_id"`
	Label   string  `json:"label"`
	Fee     float64 `json:"fee"`
}

// DisplayLabel returns the label or, when empty, the shortened meter id.
func (f MeterMonthlyFee) DisplayLabel() string {
	if f.Label != "" {
		return f.Label
	}
	return ShortMeterID(f.MeterID)
}

// TariffConfig is the user-editable tariff. Monetary values are in Currency,
// per-kWh rates in Currency/kWh and fixed fees in Currency/month.
type TariffConfig struct {
	// Energy supplier
	EnergyFixedFee     float64 `json:"energy_fixed_fee"`
	EnergyVariableRate float64 `json:"energy_variable_rate"`

	// Network operator
	NetworkMeteringRate float64 `json:"network_metering_rate"`
	NetworkPowerRefRate float64 `json:"network_power_ref_rate"`
	NetworkVariableRate float64 `json:"network_variable_rate"`
	ReferencePowerKW    float64 `json:"reference_power_kw"`
	ExceedanceRate      float64 `json:"exceedance_rate"`

	// Feed-in. FeedInTariff is the global fallback rate.
	FeedInTariff float64      `json:"feed_in_tariff"`
	FeedInRates  []FeedInRate `json:"feed_in_rates"`

	MeterMonthlyFees []MeterMonthlyFee `json:"meter_monthly_fees"`

	// Gas
	GasFixedFee            float64 `json:"gas_fixed_fee"`
	GasVariableRate        float64 `json:"gas_variable_rate"`
	GasNetworkFee          float64 `json:"gas_network_fee"`
	GasNetworkVariableRate float64 `json:"gas_network_variable_rate"`
	GasTaxRate             float64 `json:"gas_tax_rate"`
	GasVATRate             float64 `json:"gas_vat_rate"`

	// Levies and VAT
	CompensationFundRate float64 `json:"compensation_fund_rate"`
	ElectricityTaxRate   float64 `json:"electricity_tax_rate"`
	VATRate              float64 `json:"vat_rate"`

	Currency string            `json:"currency"`
	Meters   []MeterDescriptor `json:"meters"`

	// Pre-version-2 single feed-in setting. Only read by MigrateTariffConfig.
	LegacyFeedInMode         FeedInMode `json:"feed_in_mode,omitempty"`
	LegacyFeedInSensorEntity string     `json:"feed_in_sensor_entity,omitempty"`
}

// Default gas rates, also used by the invoice engine when a stored rate is
// not a finite number.
const (
	DefaultGasFixedFee            = 6.50
	DefaultGasVariableRate        = 0.055
	DefaultGasNetworkFee          = 4.80
	DefaultGasNetworkVariableRate = 0.012
	DefaultGasTaxRate             = 0.001
	DefaultGasVATRate             = 0.08
	DefaultFeedInTariff           = 0.08
	DefaultReferencePowerKW       = 5.0
	DefaultCurrency               = "EUR"
)

// DefaultTariffConfig returns the tariff used when nothing has been stored.
func DefaultTariffConfig() TariffConfig {
	return TariffConfig{
		EnergyFixedFee:     1.50,
		EnergyVariableRate: 0.15,

		NetworkMeteringRate: 5.90,
		NetworkPowerRefRate: 19.27,
		NetworkVariableRate: 0.051,
		ReferencePowerKW:    DefaultReferencePowerKW,
		ExceedanceRate:      0.1139,

		FeedInTariff:     DefaultFeedInTariff,
		FeedInRates:      []FeedInRate{},
		MeterMonthlyFees: []MeterMonthlyFee{},

		GasFixedFee:            DefaultGasFixedFee,
		GasVariableRate:        DefaultGasVariableRate,
		GasNetworkFee:          DefaultGasNetworkFee,
		GasNetworkVariableRate: DefaultGasNetworkVariableRate,
		GasTaxRate:             DefaultGasTaxRate,
		GasVATRate:             DefaultGasVATRate,

		CompensationFundRate: 0.001,
		ElectricityTaxRate:   0.001,
		VATRate:              0.08,

		Currency: DefaultCurrency,
		Meters: []MeterDescriptor{
			{ID: "", Types: []MeterType{MeterTypeConsumption}},
		},
	}
}

// MetersOfType returns the meters that play the given role, in order.
func (c TariffConfig) MetersOfType(t MeterType) []MeterDescriptor {
	var out []MeterDescriptor
	for _, m := range c.Meters {
		if m.Has(t) {
			out = append(out, m)
		}
	}
	return out
}

// HasGasMeter returns true if any configured meter is a gas meter.
func (c TariffConfig) HasGasMeter() bool {
	return len(c.MetersOfType(MeterTypeGas)) > 0
}

// FeedInRateFor returns the configured rate for a meter or a fixed rate at
// the global tariff if the meter has none.
func (c TariffConfig) FeedInRateFor(meterID string) FeedInRate {
	for _, r := range c.FeedInRates {
		if r.MeterID == meterID {
			return r
		}
	}
	return FeedInRate{MeterID: meterID, Mode: FeedInModeFixed, Tariff: c.FeedInTariff}
}

// ErrInvalidTariffConfig is wrapped by every error returned from Validate.
var ErrInvalidTariffConfig = errors.New("invalid tariff config")

// Validate checks the config before it is stored. The invoice engine itself
// never rejects a config.
func (c TariffConfig) Validate() error {
	rates := []struct {
		name string
		v    float64
	}{
		{"energy_fixed_fee", c.EnergyFixedFee},
		{"energy_variable_rate", c.EnergyVariableRate},
		{"network_metering_rate", c.NetworkMeteringRate},
		{"network_power_ref_rate", c.NetworkPowerRefRate},
		{"network_variable_rate", c.NetworkVariableRate},
		{"reference_power_kw", c.ReferencePowerKW},
		{"exceedance_rate", c.ExceedanceRate},
		{"feed_in_tariff", c.FeedInTariff},
		{"gas_fixed_fee", c.GasFixedFee},
		{"gas_variable_rate", c.GasVariableRate},
		{"gas_network_fee", c.GasNetworkFee},
		{"gas_network_variable_rate", c.GasNetworkVariableRate},
		{"gas_tax_rate", c.GasTaxRate},
		{"gas_vat_rate", c.GasVATRate},
		{"compensation_fund_rate", c.CompensationFundRate},
		{"electricity_tax_rate", c.ElectricityTaxRate},
		{"vat_rate", c.VATRate},
	}
	for _, r := range rates {
		if math.IsNaN(r.v) || math.IsInf(r.v, 0) || r.v < 0 {
			return fmt.Errorf("%w: %s must be a non-negative number", ErrInvalidTariffConfig, r.name)
		}
	}
	if c.VATRate >= 1 {
		return fmt.Errorf("%w: vat_rate must be below 1", ErrInvalidTariffConfig)
	}
	if c.GasVATRate >= 1 {
		return fmt.Errorf("%w: gas_vat_rate must be below 1", ErrInvalidTariffConfig)
	}
	if len(c.Currency) != 3 || strings.ToUpper(c.Currency) != c.Currency {
		return fmt.Errorf("%w: currency must be a 3-letter ISO code", ErrInvalidTariffConfig)
	}

	seen := make(map[string]bool, len(c.Meters))
	for i, m := range c.Meters {
		if len(m.Types) == 0 {
			return fmt.Errorf("%w: meters[%d] has no types", ErrInvalidTariffConfig, i)
		}
		for _, t := range m.Types {
			switch t {
			case MeterTypeConsumption, MeterTypeProduction, MeterTypeGas:
			default:
				return fmt.Errorf("%w: meters[%d] has unknown type %q", ErrInvalidTariffConfig, i, t)
			}
		}
		if m.ID != "" && seen[m.ID] {
			return fmt.Errorf("%w: duplicate meter %q", ErrInvalidTariffConfig, m.ID)
		}
		seen[m.ID] = true
	}

	for i, r := range c.FeedInRates {
		switch r.Mode {
		case FeedInModeFixed, FeedInModeSensor:
		default:
			return fmt.Errorf("%w: feed_in_rates[%d] has unknown mode %q", ErrInvalidTariffConfig, i, r.Mode)
		}
		if math.IsNaN(r.Tariff) || math.IsInf(r.Tariff, 0) || r.Tariff < 0 {
			return fmt.Errorf("%w: feed_in_rates[%d] tariff must be a non-negative number", ErrInvalidTariffConfig, i)
		}
		if r.Mode == FeedInModeSensor && r.SensorEntity == "" {
			return fmt.Errorf("%w: feed_in_rates[%d] sensor mode requires sensor_entity", ErrInvalidTariffConfig, i)
		}
	}

	for i, f := range c.MeterMonthlyFees {
		if math.IsNaN(f.Fee) || math.IsInf(f.Fee, 0) || f.Fee < 0 {
			return fmt.Errorf("%w: meter_monthly_fees[%d] fee must be a non-negative number", ErrInvalidTariffConfig, i)
		}
	}
	return nil
}

// WithoutSensorValues returns a copy of the config with resolved sensor
// values cleared so they are not persisted.
func (c TariffConfig) WithoutSensorValues() TariffConfig {
	if len(c.FeedInRates) == 0 {
		return c
	}
	rates := make([]FeedInRate, len(c.FeedInRates))
	copy(rates, c.FeedInRates)
	for i := range rates {
		rates[i].SensorValue = nil
	}
	c.FeedInRates = rates
	return c
}

// MigrateTariffConfig migrates the config to the current version.
// It returns the migrated config, a boolean indicating if changes were made,
// and an error if migration failed.
func MigrateTariffConfig(c TariffConfig, currentVersion int) (TariffConfig, bool, error) {
	if currentVersion >= CurrentTariffConfigVersion {
		return c, false, nil
	}

	migrated := false
	for version := currentVersion + 1; version <= CurrentTariffConfigVersion; version++ {
		switch version {
		case 1:
			// version 1: initial, fill anything that was never set
			if c.Currency == "" {
				c.Currency = DefaultCurrency
				migrated = true
			}
			if c.ReferencePowerKW == 0 {
				c.ReferencePowerKW = DefaultReferencePowerKW
				migrated = true
			}
			if len(c.Meters) == 0 {
				c.Meters = DefaultTariffConfig().Meters
				migrated = true
			}
		case 2:
			// version 2: single feed-in mode became per-meter feed-in rates
			if c.LegacyFeedInMode != "" || c.LegacyFeedInSensorEntity != "" {
				if len(c.FeedInRates) == 0 {
					mode := c.LegacyFeedInMode
					if mode == "" {
						mode = FeedInModeFixed
					}
					for _, m := range c.MetersOfType(MeterTypeProduction) {
						c.FeedInRates = append(c.FeedInRates, FeedInRate{
							MeterID:      m.ID,
							Mode:         mode,
							Tariff:       c.FeedInTariff,
							SensorEntity: c.LegacyFeedInSensorEntity,
						})
					}
				}
				c.LegacyFeedInMode = ""
				c.LegacyFeedInSensorEntity = ""
				migrated = true
			}
		default:
			return c, false, fmt.Errorf("unknown tariff config version: %d", version)
		}
	}

	return c, migrated, nil
}

// Clone returns a deep copy of the config.
func (c TariffConfig) Clone() TariffConfig {
	out := c
	if c.FeedInRates != nil {
		out.FeedInRates = make([]FeedInRate, len(c.FeedInRates))
		for i, r := range c.FeedInRates {
			if r.SensorValue != nil {
				v := *r.SensorValue
				r.SensorValue = &v
			}
			out.FeedInRates[i] = r
		}
	}
	if c.MeterMonthlyFees != nil {
		out.MeterMonthlyFees = append([]MeterMonthlyFee(nil), c.MeterMonthlyFees...)
	}
	if c.Meters != nil {
		out.Meters = make([]MeterDescriptor, len(c.Meters))
		for i, m := range c.Meters {
			m.Types = append([]MeterType(nil), m.Types...)
			out.Meters[i] = m
		}
	}
	return out
}

// MergeTariffConfigJSON applies a partial JSON update on top of base. Keys
// absent from data keep their value from base and arrays are replaced
// wholesale. base is not modified.
func MergeTariffConfigJSON(base TariffConfig, data []byte) (TariffConfig, error) {
	out := base.Clone()
	// nil out the slices so the decoder never appends into base's arrays
	var probe map[string]json.RawMessage
	if err := json.Unmarshal(data, &probe); err != nil {
		return base, fmt.Errorf("failed to decode tariff config update: %w", err)
	}
	if _, ok := probe["feed_in_rates"]; ok {
		out.FeedInRates = nil
	}
	if _, ok := probe["meter_monthly_fees"]; ok {
		out.MeterMonthlyFees = nil
	}
	if _, ok := probe["meters"]; ok {
		out.Meters = nil
	}
	if err := json.Unmarshal(data, &out); err != nil {
		return base, fmt.Errorf("failed to decode tariff config update: %w", err)
	}
	return out, nil
}

// DecodeTariffConfig decodes a stored config. Keys missing from data get
// their default value.
func DecodeTariffConfig(data []byte) (TariffConfig, error) {
	return MergeTariffConfigJSON(DefaultTariffConfig(), data)
}
