package billing

import (
	"time"

	"github.com/raterudder/energybill/pkg/period"
)

// Summary is the short form of an invoice published to other systems.
type Summary struct {
	Range          period.Range `json:"range"`
	Start          time.Time    `json:"start"`
	End            time.Time    `json:"end"`
	Currency       string       `json:"currency"`
	ConsumptionKWh float64      `json:"consumption_kwh"`
	ExportedKWh    float64      `json:"exported_kwh"`
	TotalCost      float64      `json:"total_cost"`
	FeedInRevenue  float64      `json:"feed_in_revenue"`
	NetBalance     float64      `json:"net_balance"`
	SolarValue     float64      `json:"solar_value,omitempty"`
	GasTotalCost   float64      `json:"gas_total_cost,omitempty"`
	CombinedTotal  float64      `json:"combined_total"`
}

// Summarize returns the rounded summary of inv for the given window.
func Summarize(r period.Range, start, end time.Time, inv Invoice) Summary {
	inv = inv.Rounded()
	s := Summary{
		Range:          r,
		Start:          start,
		End:            end,
		Currency:       inv.Currency,
		ConsumptionKWh: inv.Totals.ConsumptionKWh,
		ExportedKWh:    inv.Totals.ExportedKWh,
		TotalCost:      inv.TotalCost,
		FeedInRevenue:  inv.FeedIn.Revenue,
		NetBalance:     inv.NetBalance,
		CombinedTotal:  inv.NetBalance,
	}
	if inv.Solar != nil {
		s.SolarValue = inv.Solar.TotalValue
	}
	if inv.Gas != nil {
		s.GasTotalCost = inv.Gas.TotalCost
	}
	if inv.CombinedTotal != nil {
		s.CombinedTotal = *inv.CombinedTotal
	}
	return s
}
