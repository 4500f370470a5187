package service

import (
	"context"
	"testing"
	"time"

	"iot-telemetry/internal/config"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
)

func TestNewTelemetryService_DatabaseUnavailable(t *testing.T) {
	cfg, err := config.Load("")
	require.NoError(t, err)
	cfg.Database.Host = "127.0.0.1"
	cfg.Database.Port = 1

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	svc, err := NewTelemetryService(ctx, cfg, zap.NewNop())
	assert.Nil(t, svc)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "failed to connect to database")
}
