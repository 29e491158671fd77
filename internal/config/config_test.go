package config

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
)

func TestLoadCommonDefaults(t *testing.T) {
	c := LoadCommon()
	assert.Equal(t, "ws://127.0.0.1:9090/bus", c.BridgeURL)
	assert.Equal(t, "info", c.LogLevel)
	assert.Equal(t, "json", c.LogFormat)
	assert.Zero(t, c.ReconnectMaxAttempts, "zero means retry forever")
	assert.Equal(t, 500*time.Millisecond, c.ReconnectInitial())
	assert.Equal(t, 30*time.Second, c.ReconnectMax())
}

func TestEnvOverridesDefaults(t *testing.T) {
	t.Setenv("BRIDGE_URL", "ws://bus.internal:7000/bus")
	t.Setenv("LOG_LEVEL", "debug")
	t.Setenv("BRIDGE_RECONNECT_MAX_DELAY_MS", "5000")

	c := LoadCommon()
	assert.Equal(t, "ws://bus.internal:7000/bus", c.BridgeURL)
	assert.Equal(t, "debug", c.LogLevel)
	assert.Equal(t, 5*time.Second, c.ReconnectMax())
}

func TestEnvParsingFallsBackOnGarbage(t *testing.T) {
	t.Setenv("MAX_ACTIVE_PLANS", "not-a-number")
	t.Setenv("FRANK_TOOL_CREATION_ENABLED", "maybe")

	d := LoadDoctor()
	assert.Equal(t, 10, d.MaxActivePlans)
	assert.True(t, d.ToolCreationEnabled)
}

func TestLoadDoctorDefaults(t *testing.T) {
	d := LoadDoctor()
	assert.Equal(t, 9091, d.Port)
	assert.Equal(t, 2, d.FailureThreshold)
	assert.Equal(t, 30*time.Minute, d.PlanTTL())
	assert.Equal(t, time.Minute, d.PlanCleanupInterval())
	assert.Equal(t, time.Minute, d.RateLimitWindow())
	assert.Equal(t, 60, d.RateLimitMaxRequests)
	assert.True(t, d.AllowLocalhost)
	assert.Equal(t, "http://127.0.0.1:9092", d.FrankURL)
}

func TestAllowedOriginsList(t *testing.T) {
	t.Setenv("ALLOWED_ORIGINS", "http://localhost:5173, https://ops.example.com ,")
	d := LoadDoctor()
	assert.Equal(t, []string{"http://localhost:5173", "https://ops.example.com"}, d.AllowedOrigins)
}

func TestLoadIgorRoute(t *testing.T) {
	i := LoadIgor()
	assert.Equal(t, "igor", i.ID)
	assert.Empty(t, i.RouteID)

	t.Setenv("IGOR_ID", "igor-boy")
	t.Setenv("IGOR_ROUTE", "boy")
	i = LoadIgor()
	assert.Equal(t, "igor-boy", i.ID)
	assert.Equal(t, "boy", i.RouteID)
}
