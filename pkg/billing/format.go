package billing

import (
	"github.com/shopspring/decimal"

	"github.com/raterudder/energybill/pkg/period"
	"github.com/raterudder/energybill/pkg/types"
)

const (
	moneyPlaces    = 2
	ratePlaces     = 4
	quantityPlaces = 2
)

// round rounds half away from zero on the shortest decimal representation
// of v, 0.125 rounds to 0.13.
func round(v float64, places int32) float64 {
	if !finite(v) {
		return v
	}
	f, _ := decimal.NewFromFloat(v).Round(places).Float64()
	return f
}

// RoundMoney rounds an amount for presentation.
func RoundMoney(v float64) float64 { return round(v, moneyPlaces) }

// RoundRate rounds a per-kWh rate for presentation.
func RoundRate(v float64) float64 { return round(v, ratePlaces) }

func formatFixed(v float64, places int32) string {
	return decimal.NewFromFloat(v).StringFixed(places)
}

func formatMoney(v float64) string { return formatFixed(v, moneyPlaces) }

func formatRate(v float64) string { return formatFixed(v, ratePlaces) }

// formatQuantity drops trailing zeros, 12.50 kWh prints as 12.5.
func formatQuantity(v float64) string {
	return decimal.NewFromFloat(v).Round(quantityPlaces).String()
}

func roundItems(items []LineItem) []LineItem {
	if items == nil {
		return nil
	}
	out := make([]LineItem, len(items))
	for i, it := range items {
		it.Amount = RoundMoney(it.Amount)
		out[i] = it
	}
	return out
}

func roundTotals(t types.EnergyPeriodTotals) types.EnergyPeriodTotals {
	t.ConsumptionKWh = round(t.ConsumptionKWh, quantityPlaces)
	t.ProductionKWh = round(t.ProductionKWh, quantityPlaces)
	t.ExportedKWh = round(t.ExportedKWh, quantityPlaces)
	t.SelfConsumedKWh = round(t.SelfConsumedKWh, quantityPlaces)
	t.GasEnergyKWh = round(t.GasEnergyKWh, quantityPlaces)
	t.GasVolumeM3 = round(t.GasVolumeM3, quantityPlaces)
	t.PeakPowerKW = round(t.PeakPowerKW, quantityPlaces)
	t.ExceedanceKWh = round(t.ExceedanceKWh, quantityPlaces)
	t.SharedKWh = round(t.SharedKWh, quantityPlaces)
	t.SharedWithMeKWh = round(t.SharedWithMeKWh, quantityPlaces)
	return t
}

// Rounded returns a copy ready for presentation: money to 2 decimals, rates
// to 4 and energy quantities to 2. Rounded line items need not add up to the
// rounded totals.
func (inv Invoice) Rounded() Invoice {
	out := inv
	out.Totals = roundTotals(inv.Totals)
	out.Proration = period.Proration{
		PeriodDays: inv.Proration.PeriodDays,
		MonthDays:  inv.Proration.MonthDays,
		Factor:     round(inv.Proration.Factor, ratePlaces),
	}
	out.Items = roundItems(inv.Items)
	out.Subtotal = RoundMoney(inv.Subtotal)
	out.VAT = RoundMoney(inv.VAT)
	out.TotalCost = RoundMoney(inv.TotalCost)
	out.NetBalance = RoundMoney(inv.NetBalance)

	out.FeedIn.ExportedKWh = round(inv.FeedIn.ExportedKWh, quantityPlaces)
	out.FeedIn.AverageRate = RoundRate(inv.FeedIn.AverageRate)
	out.FeedIn.Revenue = RoundMoney(inv.FeedIn.Revenue)
	if inv.FeedIn.Lines != nil {
		out.FeedIn.Lines = make([]FeedInLine, len(inv.FeedIn.Lines))
		for i, l := range inv.FeedIn.Lines {
			l.Rate = RoundRate(l.Rate)
			l.ExportedKWh = round(l.ExportedKWh, quantityPlaces)
			l.Amount = RoundMoney(l.Amount)
			out.FeedIn.Lines[i] = l
		}
	}

	if inv.Exceedance != nil {
		e := *inv.Exceedance
		e.PeakPowerKW = round(e.PeakPowerKW, quantityPlaces)
		e.ExceedanceKWh = round(e.ExceedanceKWh, quantityPlaces)
		e.Cost = RoundMoney(e.Cost)
		out.Exceedance = &e
	}

	if inv.Solar != nil {
		s := *inv.Solar
		s.ProductionKWh = round(s.ProductionKWh, quantityPlaces)
		s.SelfConsumedKWh = round(s.SelfConsumedKWh, quantityPlaces)
		s.ExportedKWh = round(s.ExportedKWh, quantityPlaces)
		s.EnergySavings = RoundMoney(s.EnergySavings)
		s.NetworkSavings = RoundMoney(s.NetworkSavings)
		s.LevySavings = RoundMoney(s.LevySavings)
		s.Savings = RoundMoney(s.Savings)
		s.SavingsVAT = RoundMoney(s.SavingsVAT)
		s.TotalSavings = RoundMoney(s.TotalSavings)
		s.FeedInRevenue = RoundMoney(s.FeedInRevenue)
		s.TotalValue = RoundMoney(s.TotalValue)
		out.Solar = &s
	}

	if inv.Gas != nil {
		g := *inv.Gas
		g.EnergyKWh = round(g.EnergyKWh, quantityPlaces)
		g.VolumeM3 = round(g.VolumeM3, quantityPlaces)
		g.Items = roundItems(inv.Gas.Items)
		g.Subtotal = RoundMoney(g.Subtotal)
		g.VAT = RoundMoney(g.VAT)
		g.TotalCost = RoundMoney(g.TotalCost)
		out.Gas = &g
	}

	if inv.CombinedTotal != nil {
		c := RoundMoney(*inv.CombinedTotal)
		out.CombinedTotal = &c
	}
	return out
}
