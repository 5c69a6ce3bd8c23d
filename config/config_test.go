package config

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func setRequired(t *testing.T) {
	t.Setenv(EnvOrdersTable, "orders")
	t.Setenv(EnvOrderEventsTable, "order-events")
	t.Setenv(EnvLocksTable, "locks")
	t.Setenv(EnvInternalBucket, "internal-bucket")
	t.Setenv(EnvDoneBucket, "done-bucket")
}

func TestFromEnv_Defaults(t *testing.T) {
	setRequired(t)

	cfg, err := FromEnv()
	require.NoError(t, err)

	assert.Equal(t, "orders", cfg.OrdersTable)
	assert.Equal(t, "done-bucket", cfg.DoneBucket)
	assert.Equal(t, DefaultCallbackExpiry, cfg.CallbackExpiry)
	assert.Equal(t, DefaultMaxParallelism, cfg.MaxParallelism)
	assert.Equal(t, DefaultWatchdogPeriod, cfg.WatchdogPeriod)
}

func TestFromEnv_MissingRequired(t *testing.T) {
	tests := []struct {
		name    string
		unset   string
		wantErr error
	}{
		{"orders table", EnvOrdersTable, ErrOrdersTableMissing},
		{"events table", EnvOrderEventsTable, ErrOrderEventsTableMissing},
		{"locks table", EnvLocksTable, ErrLocksTableMissing},
		{"internal bucket", EnvInternalBucket, ErrInternalBucketMissing},
		{"done bucket", EnvDoneBucket, ErrDoneBucketMissing},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			setRequired(t)
			t.Setenv(tt.unset, "")

			_, err := FromEnv()
			assert.ErrorIs(t, err, tt.wantErr)
		})
	}
}

func TestFromEnv_Overrides(t *testing.T) {
	setRequired(t)
	t.Setenv("CALLBACK_EXPIRY_S", "600")
	t.Setenv("MAX_PARALLELISM", "4")

	cfg, err := FromEnv()
	require.NoError(t, err)
	assert.Equal(t, 10*time.Minute, cfg.CallbackExpiry)
	assert.Equal(t, 4, cfg.MaxParallelism)
}

func TestFromEnv_BadOverrides(t *testing.T) {
	setRequired(t)
	t.Setenv("CALLBACK_EXPIRY_S", "soon")

	_, err := FromEnv()
	assert.ErrorIs(t, err, ErrBadCallbackExpiry)

	t.Setenv("CALLBACK_EXPIRY_S", "")
	t.Setenv("MAX_PARALLELISM", "-2")

	_, err = FromEnv()
	assert.ErrorIs(t, err, ErrBadParallelism)
}
