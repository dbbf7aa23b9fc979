//go:build integration

package events

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	tcredis "github.com/testcontainers/testcontainers-go/modules/redis"
	"go.uber.org/zap"
)

// startRedis starts a Redis testcontainer and returns its URL.
func startRedis(t *testing.T) string {
	t.Helper()
	ctx := context.Background()

	container, err := tcredis.Run(ctx, "redis:7-alpine")
	require.NoError(t, err, "start redis")
	t.Cleanup(func() { container.Terminate(ctx) })

	endpoint, err := container.Endpoint(ctx, "")
	require.NoError(t, err)
	return "redis://" + endpoint
}

func TestRedisStream(t *testing.T) {
	ctx := context.Background()
	s, err := NewRedisStream(ctx, startRedis(t), "aeroute:test", zap.NewNop())
	require.NoError(t, err)
	defer s.Close()

	now := time.Now().UTC().Truncate(time.Millisecond)
	require.NoError(t, s.Publish(ctx, Event{ID: "a", Type: "ROUTE_OPTIMIZATION", Value: 4.5, Route: "LAX-JFK", Timestamp: now}))
	require.NoError(t, s.Publish(ctx, Event{ID: "b", Type: "WEATHER_WIND_SPEED", Value: 40, Route: "LAX-JFK", Timestamp: now}))

	recent, err := s.Recent(ctx, 10)
	require.NoError(t, err)
	require.Len(t, recent, 2)
	assert.Equal(t, "b", recent[0].ID)
	assert.Equal(t, "a", recent[1].ID)
	assert.True(t, now.Equal(recent[1].Timestamp))
}
