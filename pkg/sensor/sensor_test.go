package sensor

import (
	"context"
	"errors"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/raterudder/energybill/pkg/types"
)

func TestHomeAssistant(t *testing.T) {
	ts := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, "Bearer secret", r.Header.Get("Authorization"))
		switch r.URL.Path {
		case "/api/states/sensor.feed_in":
			w.Write([]byte(`{"entity_id":"sensor.feed_in","state":"0.1234"}`))
		case "/api/states/sensor.offline":
			w.Write([]byte(`{"entity_id":"sensor.offline","state":"unavailable"}`))
		default:
			w.WriteHeader(http.StatusNotFound)
		}
	}))
	defer ts.Close()

	h := NewHomeAssistant(ts.URL+"/", "secret", time.Second)

	v, err := h.Value(context.Background(), "sensor.feed_in")
	require.NoError(t, err)
	assert.Equal(t, 0.1234, v)

	_, err = h.Value(context.Background(), "sensor.offline")
	assert.ErrorIs(t, err, ErrUnavailable)

	_, err = h.Value(context.Background(), "sensor.missing")
	assert.Error(t, err)
}

func TestParseState(t *testing.T) {
	v, err := ParseState(" 7.5 ")
	require.NoError(t, err)
	assert.Equal(t, 7.5, v)

	for _, s := range []string{"", "unknown", "unavailable", "on"} {
		_, err := ParseState(s)
		assert.ErrorIs(t, err, ErrUnavailable, s)
	}
}

type staticResolver map[string]float64

func (s staticResolver) Value(ctx context.Context, entityID string) (float64, error) {
	v, ok := s[entityID]
	if !ok {
		return 0, errors.New("not found")
	}
	return v, nil
}

func TestResolveFeedInRates(t *testing.T) {
	stale := 9.0
	rates := []types.FeedInRate{
		{MeterID: "A", Mode: types.FeedInModeFixed, Tariff: 0.08, SensorValue: &stale},
		{MeterID: "B", Mode: types.FeedInModeSensor, Tariff: 0.07, SensorEntity: "sensor.b"},
		{MeterID: "C", Mode: types.FeedInModeSensor, Tariff: 0.06, SensorEntity: "sensor.missing"},
	}
	out := ResolveFeedInRates(context.Background(), staticResolver{"sensor.b": 0.11}, rates)
	require.Len(t, out, 3)
	assert.Nil(t, out[0].SensorValue)
	require.NotNil(t, out[1].SensorValue)
	assert.Equal(t, 0.11, *out[1].SensorValue)
	assert.Nil(t, out[2].SensorValue)

	// input untouched
	assert.Same(t, &stale, rates[0].SensorValue)
	assert.Nil(t, rates[1].SensorValue)

	assert.Nil(t, ResolveFeedInRates(context.Background(), nil, nil))
}
