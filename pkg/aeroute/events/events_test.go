package events

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestRecorder(t *testing.T) {
	var r Recorder
	ctx := context.Background()

	require.NoError(t, r.Publish(ctx, Event{ID: "1", Type: "ROUTE_OPTIMIZATION", Value: 4.2}))
	require.NoError(t, r.Publish(ctx, Event{ID: "2", Type: "WEATHER_WIND_SPEED", Value: 40}))

	got := r.Events()
	require.Len(t, got, 2)
	assert.Equal(t, "ROUTE_OPTIMIZATION", got[0].Type)

	got[0].Type = "mutated"
	assert.Equal(t, "ROUTE_OPTIMIZATION", r.Events()[0].Type)
}

func TestNop(t *testing.T) {
	var p Publisher = Nop{}
	assert.NoError(t, p.Publish(context.Background(), Event{Timestamp: time.Now()}))
}

func TestNewRedisStreamBadURL(t *testing.T) {
	_, err := NewRedisStream(context.Background(), "not a url", "", nil)
	assert.Error(t, err)
}
