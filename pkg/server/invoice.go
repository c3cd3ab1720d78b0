package server

import (
	"context"
	"net/http"
	"time"

	"github.com/raterudder/energybill/pkg/billing"
	"github.com/raterudder/energybill/pkg/period"
)

type invoiceRes struct {
	Range period.Range `json:"range"`
	Start string       `json:"start"`
	End   string       `json:"end"`
	billing.Invoice
}

// invoiceFor reads the range from the request and computes its rounded
// invoice. It writes the error response itself and returns false on failure.
func (s *Server) invoiceFor(ctx context.Context, w http.ResponseWriter, r *http.Request) (invoiceRes, bool) {
	rng := period.ParseRange(r.URL.Query().Get("range"))
	var start, end time.Time
	if rng == period.Custom {
		var err error
		start, end, err = s.customBounds(r)
		if err != nil {
			writeJSONError(w, err.Error(), http.StatusBadRequest)
			return invoiceRes{}, false
		}
	}
	inv, snap, err := s.coordinator.Invoice(ctx, rng, start, end)
	if err != nil {
		writeMeteringError(ctx, w, "failed to compute invoice", err)
		return invoiceRes{}, false
	}
	return invoiceRes{
		Range:   rng,
		Start:   snap.Start.Format(time.DateOnly),
		End:     snap.End.Format(time.DateOnly),
		Invoice: inv.Rounded(),
	}, true
}

func (s *Server) handleInvoice(w http.ResponseWriter, r *http.Request) {
	res, ok := s.invoiceFor(r.Context(), w, r)
	if !ok {
		return
	}
	writeJSON(w, res)
}
