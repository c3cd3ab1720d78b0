// Package sensor resolves live feed-in prices from Home Assistant entities.
package sensor

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"time"

	"github.com/levenlabs/go-lflag"

	"github.com/raterudder/energybill/pkg/common"
	"github.com/raterudder/energybill/pkg/log"
	"github.com/raterudder/energybill/pkg/types"
)

// ErrUnavailable is returned when an entity has no numeric state.
var ErrUnavailable = errors.New("sensor value unavailable")

// Resolver reads the numeric state of an entity.
type Resolver interface {
	Value(ctx context.Context, entityID string) (float64, error)
}

// HomeAssistant reads entity states from the Home Assistant REST API.
type HomeAssistant struct {
	client *http.Client
	apiURL string
	token  string
}

// Configured sets up the Home Assistant resolver from flags. It returns a
// resolver even when no url is set, every lookup then fails.
func Configured() *HomeAssistant {
	apiURL := lflag.String("hass-url", "http://supervisor/core", "Base URL of the Home Assistant API")
	token := lflag.String("hass-token", "", "Home Assistant long-lived access token")

	h := &HomeAssistant{}
	lflag.Do(func() {
		*h = *NewHomeAssistant(*apiURL, *token, 10*time.Second)
	})
	return h
}

// NewHomeAssistant returns a resolver for the given url and token.
func NewHomeAssistant(apiURL, token string, timeout time.Duration) *HomeAssistant {
	return &HomeAssistant{
		client: common.HTTPClient(timeout),
		apiURL: strings.TrimRight(apiURL, "/"),
		token:  token,
	}
}

type entityState struct {
	EntityID string `json:"entity_id"`
	State    string `json:"state"`
}

// Value returns the entity's state parsed as a number.
func (h *HomeAssistant) Value(ctx context.Context, entityID string) (float64, error) {
	if h.apiURL == "" {
		return 0, fmt.Errorf("home assistant url is not configured")
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, h.apiURL+"/api/states/"+url.PathEscape(entityID), nil)
	if err != nil {
		return 0, fmt.Errorf("failed to create request: %w", err)
	}
	if h.token != "" {
		req.Header.Set("Authorization", "Bearer "+h.token)
	}

	var st entityState
	if err := common.DoJSON(h.client, req, &st); err != nil {
		return 0, fmt.Errorf("failed to get state of %s: %w", entityID, err)
	}
	return ParseState(st.State)
}

// ParseState converts an entity state to a number. "unknown", "unavailable"
// and non-numeric states return ErrUnavailable.
func ParseState(state string) (float64, error) {
	switch state {
	case "", "unknown", "unavailable":
		return 0, ErrUnavailable
	}
	v, err := strconv.ParseFloat(strings.TrimSpace(state), 64)
	if err != nil {
		return 0, fmt.Errorf("%w: %q", ErrUnavailable, state)
	}
	return v, nil
}

// ResolveFeedInRates returns a copy of rates with SensorValue set for every
// sensor-mode rate whose entity could be read. Failed lookups are logged and
// leave SensorValue nil so the invoice falls back to the fixed tariff.
func ResolveFeedInRates(ctx context.Context, r Resolver, rates []types.FeedInRate) []types.FeedInRate {
	if rates == nil {
		return nil
	}
	out := make([]types.FeedInRate, len(rates))
	for i, rate := range rates {
		rate.SensorValue = nil
		if rate.Mode == types.FeedInModeSensor && rate.SensorEntity != "" && r != nil {
			v, err := r.Value(ctx, rate.SensorEntity)
			if err != nil {
				log.Ctx(ctx).WarnContext(
					ctx,
					"failed to resolve feed-in sensor",
					slog.String("entity", rate.SensorEntity),
					slog.String("meter", types.ShortMeterID(rate.MeterID)),
					slog.Any("error", err),
				)
			} else {
				rate.SensorValue = &v
			}
		}
		out[i] = rate
	}
	return out
}
