// Package billing turns a period's energy totals and a tariff into an
// itemized invoice. Everything here is pure: no I/O and no shared state.
package billing

import (
	"fmt"
	"math"

	"github.com/raterudder/energybill/pkg/period"
	"github.com/raterudder/energybill/pkg/types"
)

// Section groups line items the way a supplier bill does.
type Section string

const (
	SectionEnergy    Section = "energy_supplier"
	SectionNetwork   Section = "network_operator"
	SectionMeterFees Section = "meter_fees"
	SectionTaxes     Section = "taxes_levies"
	SectionGas       Section = "gas"
)

// LineItem is one row of the invoice.
type LineItem struct {
	Section   Section `json:"section"`
	Component string  `json:"component"`
	Detail    string  `json:"detail"`
	Amount    float64 `json:"amount"`
}

// FeedInLine is the revenue attributed to one production meter.
type FeedInLine struct {
	MeterID     string           `json:"meter_id"`
	ShortID     string           `json:"short_id"`
	Mode        types.FeedInMode `json:"mode"`
	Label       string           `json:"label"`
	Rate        float64          `json:"rate"`
	ExportedKWh float64          `json:"exported_kwh"`
	Amount      float64          `json:"amount"`
}

// FeedIn is the export revenue of the period.
type FeedIn struct {
	ExportedKWh float64 `json:"exported_kwh"`
	AverageRate float64 `json:"average_rate"`
	Revenue     float64 `json:"revenue"`
	// Split is set when exported energy was divided equally between several
	// production meters because per-meter export is not metered.
	Split bool `json:"split"`
	// SensorPriced is set when at least one meter used a live sensor price.
	SensorPriced bool         `json:"sensor_priced"`
	Lines        []FeedInLine `json:"lines"`
}

// ExceedanceWarning is present when consumption went above the reference
// power during the period.
type ExceedanceWarning struct {
	PeakPowerKW      float64 `json:"peak_power_kw"`
	ReferencePowerKW float64 `json:"reference_power_kw"`
	ExceedanceKWh    float64 `json:"exceedance_kwh"`
	Cost             float64 `json:"cost"`
}

// SolarRevenue values production: self-consumed energy as avoided purchase
// cost, exported energy as feed-in revenue.
type SolarRevenue struct {
	ProductionKWh   float64 `json:"production_kwh"`
	SelfConsumedKWh float64 `json:"self_consumed_kwh"`
	ExportedKWh     float64 `json:"exported_kwh"`

	EnergySavings  float64 `json:"energy_savings"`
	NetworkSavings float64 `json:"network_savings"`
	LevySavings    float64 `json:"levy_savings"`
	Savings        float64 `json:"savings"`
	SavingsVAT     float64 `json:"savings_vat"`
	TotalSavings   float64 `json:"total_savings"`

	FeedInRevenue float64 `json:"feed_in_revenue"`
	TotalValue    float64 `json:"total_value"`

	SensorPriced bool `json:"sensor_priced"`
	SplitEqually bool `json:"split_equally"`
}

// GasInvoice is billed independently of electricity.
type GasInvoice struct {
	EnergyKWh float64    `json:"energy_kwh"`
	VolumeM3  float64    `json:"volume_m3"`
	Items     []LineItem `json:"items"`
	Subtotal  float64    `json:"subtotal"`
	VATRate   float64    `json:"vat_rate"`
	VAT       float64    `json:"vat"`
	TotalCost float64    `json:"total_cost"`
}

// Invoice is the itemized result for one period. Amounts carry full
// precision; use Rounded before presenting them.
type Invoice struct {
	Currency       string                   `json:"currency"`
	Proration      period.Proration         `json:"proration"`
	ProrationLabel string                   `json:"proration_label"`
	Totals         types.EnergyPeriodTotals `json:"totals"`

	Items      []LineItem `json:"items"`
	Subtotal   float64    `json:"subtotal"`
	VATRate    float64    `json:"vat_rate"`
	VAT        float64    `json:"vat"`
	TotalCost  float64    `json:"total_cost"`
	FeedIn     FeedIn     `json:"feed_in"`
	NetBalance float64    `json:"net_balance"`

	Exceedance *ExceedanceWarning `json:"exceedance,omitempty"`
	Solar      *SolarRevenue      `json:"solar,omitempty"`
	Gas        *GasInvoice        `json:"gas,omitempty"`
	// CombinedTotal is the electricity net balance plus the gas total and is
	// only set when gas was billed.
	CombinedTotal *float64 `json:"combined_total,omitempty"`
}

func finite(v float64) bool {
	return !math.IsNaN(v) && !math.IsInf(v, 0)
}

func quantity(v float64) float64 {
	if !finite(v) || v < 0 {
		return 0
	}
	return v
}

func rateOr(v, def float64) float64 {
	if !finite(v) {
		return def
	}
	return v
}

// normalize applies every fallback the engine relies on so the computation
// below never has to.
func normalize(t types.EnergyPeriodTotals, c types.TariffConfig, p period.Proration) (types.EnergyPeriodTotals, types.TariffConfig, period.Proration) {
	t.ConsumptionKWh = quantity(t.ConsumptionKWh)
	t.ProductionKWh = quantity(t.ProductionKWh)
	t.ExportedKWh = quantity(t.ExportedKWh)
	t.SelfConsumedKWh = quantity(t.SelfConsumedKWh)
	t.GasEnergyKWh = quantity(t.GasEnergyKWh)
	t.GasVolumeM3 = quantity(t.GasVolumeM3)
	t.PeakPowerKW = quantity(t.PeakPowerKW)
	t.ExceedanceKWh = quantity(t.ExceedanceKWh)

	c.FeedInTariff = rateOr(c.FeedInTariff, types.DefaultFeedInTariff)
	c.GasFixedFee = rateOr(c.GasFixedFee, types.DefaultGasFixedFee)
	c.GasVariableRate = rateOr(c.GasVariableRate, types.DefaultGasVariableRate)
	c.GasNetworkFee = rateOr(c.GasNetworkFee, types.DefaultGasNetworkFee)
	c.GasNetworkVariableRate = rateOr(c.GasNetworkVariableRate, types.DefaultGasNetworkVariableRate)
	c.GasTaxRate = rateOr(c.GasTaxRate, types.DefaultGasTaxRate)
	c.GasVATRate = rateOr(c.GasVATRate, types.DefaultGasVATRate)
	if !finite(c.ReferencePowerKW) || c.ReferencePowerKW <= 0 {
		c.ReferencePowerKW = types.DefaultReferencePowerKW
	}
	if c.Currency == "" {
		c.Currency = types.DefaultCurrency
	}

	if p.MonthDays <= 0 {
		p = period.Proration{PeriodDays: 1, MonthDays: 30, Factor: 1.0 / 30}
	}
	if !finite(p.Factor) || p.Factor < 0 {
		p.Factor = float64(p.PeriodDays) / float64(p.MonthDays)
	}
	return t, c, p
}

// ComputeInvoice prices a period. It never fails: missing or invalid
// quantities count as zero and non-finite feed-in and gas rates fall back to
// their defaults. Rates are otherwise used as given.
func ComputeInvoice(totals types.EnergyPeriodTotals, cfg types.TariffConfig, p period.Proration) Invoice {
	totals, cfg, p = normalize(totals, cfg, p)
	cur := cfg.Currency
	consumption := totals.ConsumptionKWh

	inv := Invoice{
		Currency:       cur,
		Proration:      p,
		ProrationLabel: p.Label(),
		Totals:         totals,
		VATRate:        cfg.VATRate,
	}
	add := func(section Section, component, detail string, amount float64) {
		inv.Items = append(inv.Items, LineItem{Section: section, Component: component, Detail: detail, Amount: amount})
		inv.Subtotal += amount
	}

	add(SectionEnergy, "Fixed Fee",
		fmt.Sprintf("%s %s/mo (%s)", formatMoney(cfg.EnergyFixedFee), cur, inv.ProrationLabel),
		cfg.EnergyFixedFee*p.Factor)
	add(SectionEnergy, fmt.Sprintf("Variable (%s kWh)", formatQuantity(consumption)),
		fmt.Sprintf("%s %s/kWh", formatRate(cfg.EnergyVariableRate), cur),
		consumption*cfg.EnergyVariableRate)

	add(SectionNetwork, "Metering",
		fmt.Sprintf("%s %s/mo (%s)", formatMoney(cfg.NetworkMeteringRate), cur, inv.ProrationLabel),
		cfg.NetworkMeteringRate*p.Factor)
	add(SectionNetwork, fmt.Sprintf("Power Reference (%s kW)", formatFixed(cfg.ReferencePowerKW, 1)),
		fmt.Sprintf("%s %s/mo (%s)", formatMoney(cfg.NetworkPowerRefRate), cur, inv.ProrationLabel),
		cfg.NetworkPowerRefRate*p.Factor)
	add(SectionNetwork, fmt.Sprintf("Variable (%s kWh)", formatQuantity(consumption)),
		fmt.Sprintf("%s %s/kWh", formatRate(cfg.NetworkVariableRate), cur),
		consumption*cfg.NetworkVariableRate)
	exceedanceCost := totals.ExceedanceKWh * cfg.ExceedanceRate
	add(SectionNetwork, fmt.Sprintf("Exceedance (%s kWh over ref)", formatFixed(totals.ExceedanceKWh, 2)),
		fmt.Sprintf("%s %s/kWh", formatRate(cfg.ExceedanceRate), cur),
		exceedanceCost)
	if totals.ExceedanceKWh > 0 {
		inv.Exceedance = &ExceedanceWarning{
			PeakPowerKW:      totals.PeakPowerKW,
			ReferencePowerKW: cfg.ReferencePowerKW,
			ExceedanceKWh:    totals.ExceedanceKWh,
			Cost:             exceedanceCost,
		}
	}

	for _, f := range cfg.MeterMonthlyFees {
		if !finite(f.Fee) || f.Fee <= 0 {
			continue
		}
		add(SectionMeterFees, f.DisplayLabel(),
			fmt.Sprintf("%s %s/mo (%s)", formatMoney(f.Fee), cur, inv.ProrationLabel),
			f.Fee*p.Factor)
	}

	add(SectionTaxes, "Compensation Fund",
		fmt.Sprintf("%s %s/kWh", formatRate(cfg.CompensationFundRate), cur),
		consumption*cfg.CompensationFundRate)
	add(SectionTaxes, "Electricity Tax",
		fmt.Sprintf("%s %s/kWh", formatRate(cfg.ElectricityTaxRate), cur),
		consumption*cfg.ElectricityTaxRate)

	inv.VAT = inv.Subtotal * cfg.VATRate
	inv.TotalCost = inv.Subtotal + inv.VAT

	inv.FeedIn = resolveFeedIn(totals.ExportedKWh, cfg)
	inv.NetBalance = inv.TotalCost - inv.FeedIn.Revenue

	if totals.ProductionKWh > 0 {
		inv.Solar = solarRevenue(totals, cfg, inv.FeedIn)
	}

	if totals.GasEnergyKWh > 0 || totals.GasVolumeM3 > 0 {
		inv.Gas = gasInvoice(totals, cfg, p, inv.ProrationLabel)
		combined := inv.NetBalance + inv.Gas.TotalCost
		inv.CombinedTotal = &combined
	}

	return inv
}

func shortID(id string) string {
	if id == "" {
		return "Meter"
	}
	return types.ShortMeterID(id)
}

// resolveFeedIn prices exported energy at the mean of the production meters'
// effective rates. Without per-meter export data the energy is split equally
// so that the line amounts add up to the revenue.
func resolveFeedIn(exported float64, cfg types.TariffConfig) FeedIn {
	fi := FeedIn{ExportedKWh: exported, AverageRate: cfg.FeedInTariff}
	if exported <= 0 {
		return fi
	}

	meters := cfg.MetersOfType(types.MeterTypeProduction)
	if len(meters) == 0 {
		fi.Revenue = exported * fi.AverageRate
		return fi
	}

	lines := make([]FeedInLine, 0, len(meters))
	var sum float64
	for _, m := range meters {
		r := cfg.FeedInRateFor(m.ID)
		line := FeedInLine{
			MeterID: m.ID,
			ShortID: shortID(m.ID),
			Mode:    r.Mode,
			Rate:    rateOr(r.Tariff, cfg.FeedInTariff),
			Label:   "Fixed tariff",
		}
		if r.Mode == types.FeedInModeSensor && r.SensorValue != nil && finite(*r.SensorValue) {
			line.Rate = *r.SensorValue
			line.Label = fmt.Sprintf("Sensor (%s %s/kWh)", formatRate(line.Rate), cfg.Currency)
			fi.SensorPriced = true
		}
		sum += line.Rate
		lines = append(lines, line)
	}

	fi.AverageRate = sum / float64(len(lines))
	fi.Revenue = exported * fi.AverageRate
	fi.Split = len(lines) > 1
	share := exported / float64(len(lines))
	for i := range lines {
		lines[i].ExportedKWh = share
		lines[i].Amount = share * lines[i].Rate
	}
	fi.Lines = lines
	return fi
}

func solarRevenue(t types.EnergyPeriodTotals, cfg types.TariffConfig, fi FeedIn) *SolarRevenue {
	s := &SolarRevenue{
		ProductionKWh:   t.ProductionKWh,
		SelfConsumedKWh: t.SelfConsumedKWh,
		ExportedKWh:     t.ExportedKWh,
		EnergySavings:   t.SelfConsumedKWh * cfg.EnergyVariableRate,
		NetworkSavings:  t.SelfConsumedKWh * cfg.NetworkVariableRate,
		LevySavings:     t.SelfConsumedKWh * (cfg.ElectricityTaxRate + cfg.CompensationFundRate),
		FeedInRevenue:   fi.Revenue,
		SensorPriced:    fi.SensorPriced,
		SplitEqually:    fi.Split,
	}
	s.Savings = t.SelfConsumedKWh * (cfg.EnergyVariableRate + cfg.NetworkVariableRate + cfg.ElectricityTaxRate + cfg.CompensationFundRate)
	s.SavingsVAT = s.Savings * cfg.VATRate
	s.TotalSavings = s.Savings + s.SavingsVAT
	s.TotalValue = s.TotalSavings + fi.Revenue
	return s
}

func gasInvoice(t types.EnergyPeriodTotals, cfg types.TariffConfig, p period.Proration, proLabel string) *GasInvoice {
	cur := cfg.Currency
	energy := t.GasEnergyKWh
	g := &GasInvoice{
		EnergyKWh: energy,
		VolumeM3:  t.GasVolumeM3,
		VATRate:   cfg.GasVATRate,
	}
	add := func(component, detail string, amount float64) {
		g.Items = append(g.Items, LineItem{Section: SectionGas, Component: component, Detail: detail, Amount: amount})
		g.Subtotal += amount
	}
	add("Fixed Fee",
		fmt.Sprintf("%s %s/mo (%s)", formatMoney(cfg.GasFixedFee), cur, proLabel),
		cfg.GasFixedFee*p.Factor)
	add(fmt.Sprintf("Energy (%s kWh)", formatQuantity(energy)),
		fmt.Sprintf("%s %s/kWh", formatRate(cfg.GasVariableRate), cur),
		energy*cfg.GasVariableRate)
	add("Network Fee",
		fmt.Sprintf("%s %s/mo (%s)", formatMoney(cfg.GasNetworkFee), cur, proLabel),
		cfg.GasNetworkFee*p.Factor)
	add(fmt.Sprintf("Network Variable (%s kWh)", formatQuantity(energy)),
		fmt.Sprintf("%s %s/kWh", formatRate(cfg.GasNetworkVariableRate), cur),
		energy*cfg.GasNetworkVariableRate)
	add(fmt.Sprintf("Gas Tax (%s kWh)", formatQuantity(energy)),
		fmt.Sprintf("%s %s/kWh", formatRate(cfg.GasTaxRate), cur),
		energy*cfg.GasTaxRate)
	g.VAT = g.Subtotal * cfg.GasVATRate
	g.TotalCost = g.Subtotal + g.VAT
	return g
}
