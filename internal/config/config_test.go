package config

import (
	"testing"
	"time"

	env "github.com/Netflix/go-env"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestDefaults(t *testing.T) {
	cfg, err := FromEnvSet(env.EnvSet{"JWT_SECRET": "s3cret"})
	require.NoError(t, err)

	assert.Equal(t, "8083", cfg.Port)
	assert.Equal(t, BackendPostgres, cfg.LedgerBackend)
	assert.Equal(t, 10*time.Second, cfg.WSAuthTimeout)
	assert.Equal(t, 30*time.Second, cfg.WSHeartbeatInterval)
	assert.Equal(t, 500, cfg.BacklogLimit)
	assert.Equal(t, "chat.events", cfg.AMQPExchange)
	assert.False(t, cfg.Debug)
	assert.Equal(t, []byte("s3cret"), cfg.Secret())
}

func TestOverrides(t *testing.T) {
	cfg, err := FromEnvSet(env.EnvSet{
		"LEDGER_BACKEND":        "badger",
		"WS_HEARTBEAT_INTERVAL": "5s",
		"SEND_RATE_PER_SEC":     "2.5",
		"DEBUG":                 "true",
	})
	require.NoError(t, err)

	assert.Equal(t, BackendBadger, cfg.LedgerBackend)
	assert.Equal(t, 5*time.Second, cfg.WSHeartbeatInterval)
	assert.InDelta(t, 2.5, cfg.SendRatePerSec, 0.001)
	assert.NotEmpty(t, cfg.Secret())
}

func TestValidation(t *testing.T) {
	_, err := FromEnvSet(env.EnvSet{})
	assert.ErrorContains(t, err, "JWT_SECRET")

	_, err = FromEnvSet(env.EnvSet{"JWT_SECRET": "x", "LEDGER_BACKEND": "mysql"})
	assert.ErrorContains(t, err, "LEDGER_BACKEND")

	_, err = FromEnvSet(env.EnvSet{"JWT_SECRET": "x", "BACKLOG_LIMIT": "0"})
	assert.Error(t, err)
}
