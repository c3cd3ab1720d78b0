package server

import (
	"bytes"
	"fmt"
	"log/slog"
	"net/http"
	"strings"

	"github.com/jung-kurt/gofpdf"
	"github.com/xuri/excelize/v2"

	"github.com/raterudder/energybill/pkg/billing"
	"github.com/raterudder/energybill/pkg/log"
)

var sectionTitles = map[billing.Section]string{
	billing.SectionEnergy:    "Energy Supplier",
	billing.SectionNetwork:   "Network Operator",
	billing.SectionMeterFees: "Meter Fees",
	billing.SectionTaxes:     "Taxes & Levies",
	billing.SectionGas:       "Gas",
}

func (s *Server) handleInvoiceExport(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	format := strings.ToLower(r.URL.Query().Get("format"))
	if format == "" {
		format = "pdf"
	}
	if format != "pdf" && format != "xlsx" {
		writeJSONError(w, "format must be pdf or xlsx", http.StatusBadRequest)
		return
	}

	res, ok := s.invoiceFor(ctx, w, r)
	if !ok {
		return
	}

	var (
		body        []byte
		err         error
		contentType string
	)
	switch format {
	case "pdf":
		body, err = buildInvoicePDF(res)
		contentType = "application/pdf"
	case "xlsx":
		body, err = buildInvoiceXLSX(res)
		contentType = "application/vnd.openxmlformats-officedocument.spreadsheetml.sheet"
	}
	if err != nil {
		log.Ctx(ctx).ErrorContext(ctx, "failed to render invoice", slog.String("format", format), slog.Any("error", err))
		writeJSONError(w, "failed to render invoice", http.StatusInternalServerError)
		return
	}

	w.Header().Set("Content-Type", contentType)
	w.Header().Set("Cache-Control", "no-store")
	w.Header().Set("Content-Disposition", fmt.Sprintf(`attachment; filename="invoice-%s-%s.%s"`, res.Range, res.Start, format))
	if _, err := w.Write(body); err != nil {
		panic(http.ErrAbortHandler)
	}
}

func money(v float64, cur string) string {
	return fmt.Sprintf("%.2f %s", v, cur)
}

// buildInvoicePDF renders a one page invoice.
func buildInvoicePDF(res invoiceRes) ([]byte, error) {
	inv := res.Invoice
	cur := inv.Currency

	pdf := gofpdf.New("P", "mm", "A4", "")
	tr := pdf.UnicodeTranslatorFromDescriptor("")
	pdf.SetFont("Arial", "B", 14)
	pdf.AddPage()

	pdf.Cell(0, 8, "Energy Invoice")
	pdf.Ln(10)
	pdf.SetFont("Arial", "", 10)
	pdf.Cell(0, 6, fmt.Sprintf("Period: %s to %s (%s)", res.Start, res.End, res.Range))
	pdf.Ln(5)
	pdf.Cell(0, 6, fmt.Sprintf("Proration: %s", inv.ProrationLabel))
	pdf.Ln(5)
	pdf.Cell(0, 6, fmt.Sprintf("Consumption: %.2f kWh  Production: %.2f kWh  Exported: %.2f kWh",
		inv.Totals.ConsumptionKWh, inv.Totals.ProductionKWh, inv.Totals.ExportedKWh))
	pdf.Ln(8)

	itemsTable := func(items []billing.LineItem) {
		var section billing.Section
		for _, it := range items {
			if it.Section != section {
				section = it.Section
				pdf.SetFont("Arial", "B", 10)
				pdf.CellFormat(0, 7, tr(sectionTitles[section]), "", 1, "L", false, 0, "")
				pdf.SetFont("Arial", "", 10)
			}
			pdf.CellFormat(70, 6, tr(it.Component), "1", 0, "L", false, 0, "")
			pdf.CellFormat(80, 6, tr(it.Detail), "1", 0, "L", false, 0, "")
			pdf.CellFormat(35, 6, money(it.Amount, cur), "1", 1, "R", false, 0, "")
		}
	}
	totalRow := func(label string, v float64) {
		pdf.CellFormat(150, 6, tr(label), "", 0, "R", false, 0, "")
		pdf.CellFormat(35, 6, money(v, cur), "", 1, "R", false, 0, "")
	}

	itemsTable(inv.Items)
	pdf.Ln(2)
	totalRow("Subtotal", inv.Subtotal)
	totalRow(fmt.Sprintf("VAT (%.0f%%)", inv.VATRate*100), inv.VAT)
	pdf.SetFont("Arial", "B", 10)
	totalRow("Total", inv.TotalCost)
	pdf.SetFont("Arial", "", 10)
	if inv.FeedIn.Revenue > 0 {
		totalRow(fmt.Sprintf("Feed-in (%.2f kWh)", inv.FeedIn.ExportedKWh), -inv.FeedIn.Revenue)
	}
	pdf.SetFont("Arial", "B", 10)
	totalRow("Net balance", inv.NetBalance)

	if inv.Gas != nil {
		pdf.Ln(4)
		itemsTable(inv.Gas.Items)
		pdf.Ln(2)
		pdf.SetFont("Arial", "", 10)
		totalRow("Gas subtotal", inv.Gas.Subtotal)
		totalRow(fmt.Sprintf("Gas VAT (%.0f%%)", inv.Gas.VATRate*100), inv.Gas.VAT)
		pdf.SetFont("Arial", "B", 10)
		totalRow("Gas total", inv.Gas.TotalCost)
	}
	if inv.CombinedTotal != nil {
		totalRow("Combined total", *inv.CombinedTotal)
	}

	if inv.Exceedance != nil {
		pdf.Ln(4)
		pdf.SetFont("Arial", "I", 9)
		pdf.MultiCell(0, 5, fmt.Sprintf("Peak power %.2f kW exceeded the reference power of %.2f kW by %.2f kWh (%s).",
			inv.Exceedance.PeakPowerKW, inv.Exceedance.ReferencePowerKW, inv.Exceedance.ExceedanceKWh, money(inv.Exceedance.Cost, cur)), "", "L", false)
	}

	var buf bytes.Buffer
	if err := pdf.Output(&buf); err != nil {
		return nil, fmt.Errorf("failed to write pdf: %w", err)
	}
	return buf.Bytes(), nil
}

// buildInvoiceXLSX renders the invoice as a summary sheet and an items sheet.
func buildInvoiceXLSX(res invoiceRes) ([]byte, error) {
	inv := res.Invoice
	f := excelize.NewFile()
	defer f.Close()

	summary, items := "summary", "items"
	if err := f.SetSheetName("Sheet1", summary); err != nil {
		return nil, fmt.Errorf("failed to rename sheet: %w", err)
	}
	if _, err := f.NewSheet(items); err != nil {
		return nil, fmt.Errorf("failed to add sheet: %w", err)
	}

	rows := [][]any{
		{"Energy Invoice"},
		{},
		{"Range", string(res.Range)},
		{"Start", res.Start},
		{"End", res.End},
		{"Currency", inv.Currency},
		{"Proration", inv.ProrationLabel},
		{"Consumption (kWh)", inv.Totals.ConsumptionKWh},
		{"Production (kWh)", inv.Totals.ProductionKWh},
		{"Exported (kWh)", inv.Totals.ExportedKWh},
		{"Self consumed (kWh)", inv.Totals.SelfConsumedKWh},
		{"Subtotal", inv.Subtotal},
		{"VAT", inv.VAT},
		{"Total", inv.TotalCost},
		{"Feed-in revenue", inv.FeedIn.Revenue},
		{"Net balance", inv.NetBalance},
	}
	if inv.Gas != nil {
		rows = append(rows, []any{"Gas total", inv.Gas.TotalCost})
	}
	if inv.CombinedTotal != nil {
		rows = append(rows, []any{"Combined total", *inv.CombinedTotal})
	}
	for i, row := range rows {
		if len(row) == 0 {
			continue
		}
		cell, _ := excelize.CoordinatesToCellName(1, i+1)
		if err := f.SetSheetRow(summary, cell, &row); err != nil {
			return nil, fmt.Errorf("failed to write summary row: %w", err)
		}
	}

	header := []any{"Section", "Component", "Detail", "Amount"}
	if err := f.SetSheetRow(items, "A1", &header); err != nil {
		return nil, fmt.Errorf("failed to write header: %w", err)
	}
	all := inv.Items
	if inv.Gas != nil {
		all = append(append([]billing.LineItem(nil), all...), inv.Gas.Items...)
	}
	for i, it := range all {
		row := []any{sectionTitles[it.Section], it.Component, it.Detail, it.Amount}
		cell, _ := excelize.CoordinatesToCellName(1, i+2)
		if err := f.SetSheetRow(items, cell, &row); err != nil {
			return nil, fmt.Errorf("failed to write item row: %w", err)
		}
	}

	var buf bytes.Buffer
	if err := f.Write(&buf); err != nil {
		return nil, fmt.Errorf("failed to write xlsx: %w", err)
	}
	return buf.Bytes(), nil
}
