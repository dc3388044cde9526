package redis_test

import (
	"context"
	"testing"
	"time"

	"github.com/ethpandaops/gridfill/internal/testutil"
	gfredis "github.com/ethpandaops/gridfill/pkg/redis"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestConfigValidate(t *testing.T) {
	tests := []struct {
		name    string
		cfg     gfredis.Config
		wantErr bool
		prefix  string
	}{
		{name: "valid", cfg: gfredis.Config{URL: "redis://localhost:6379/1", Prefix: "gf"}, prefix: "gf"},
		{name: "default prefix", cfg: gfredis.Config{URL: "redis://localhost:6379"}, prefix: gfredis.DefaultPrefix},
		{name: "missing url", cfg: gfredis.Config{}, wantErr: true},
		{name: "bad scheme", cfg: gfredis.Config{URL: "http://localhost"}, wantErr: true},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			err := tt.cfg.Validate()
			if tt.wantErr {
				assert.Error(t, err)
				return
			}

			require.NoError(t, err)
			assert.Equal(t, tt.prefix, tt.cfg.Prefix)
		})
	}
}

func TestPrefix(t *testing.T) {
	cfg := &gfredis.Config{Prefix: "gridfill"}
	assert.Equal(t, "gridfill:lock:aggregate", cfg.PrefixKey("lock:aggregate"))
	assert.Equal(t, "gridfill:fetch", cfg.PrefixQueue("fetch"))

	cfg.Prefix = ""
	assert.Equal(t, "fetch", cfg.PrefixQueue("fetch"))
}

func TestOptions(t *testing.T) {
	cfg := &gfredis.Config{URL: "redis://:secret@cache:6380/3"}

	opt, err := cfg.Options()
	require.NoError(t, err)
	assert.Equal(t, "cache:6380", opt.Addr)
	assert.Equal(t, 3, opt.DB)

	asynqOpt := gfredis.NewAsynqRedisOptions(opt)
	assert.Equal(t, "cache:6380", asynqOpt.Addr)
	assert.Equal(t, "secret", asynqOpt.Password)
	assert.Equal(t, 3, asynqOpt.DB)
}

func TestLocker(t *testing.T) {
	mr, client := testutil.NewMiniredisClient(t)
	ctx := context.Background()
	cfg := &gfredis.Config{Prefix: "gridfill"}

	a := gfredis.NewLocker(testutil.NewLogger(t), client, cfg)
	b := gfredis.NewLocker(testutil.NewLogger(t), client, cfg)

	lock, err := a.Acquire(ctx, "sweep:aggregate", time.Minute)
	require.NoError(t, err)
	assert.True(t, mr.Exists("gridfill:lock:sweep:aggregate"))

	_, err = b.Acquire(ctx, "sweep:aggregate", time.Minute)
	assert.ErrorIs(t, err, gfredis.ErrLockHeld)

	// Other names are independent
	other, err := b.Acquire(ctx, "sweep:anomaly", time.Minute)
	require.NoError(t, err)
	require.NoError(t, other.Release(ctx))

	require.NoError(t, lock.Extend(ctx, 2*time.Minute))
	assert.Equal(t, 2*time.Minute, mr.TTL("gridfill:lock:sweep:aggregate"))

	require.NoError(t, lock.Release(ctx))
	assert.False(t, mr.Exists("gridfill:lock:sweep:aggregate"))

	assert.ErrorIs(t, lock.Release(ctx), gfredis.ErrLockLost)
}

func TestLockExpiresAndCannotBeReleasedByOldOwner(t *testing.T) {
	mr, client := testutil.NewMiniredisClient(t)
	ctx := context.Background()
	locker := gfredis.NewLocker(testutil.NewLogger(t), client, &gfredis.Config{Prefix: "gridfill"})

	stale, err := locker.Acquire(ctx, "sweep:timezone", time.Second)
	require.NoError(t, err)

	mr.FastForward(2 * time.Second)

	fresh, err := locker.Acquire(ctx, "sweep:timezone", time.Minute)
	require.NoError(t, err)

	assert.ErrorIs(t, stale.Release(ctx), gfredis.ErrLockLost)
	assert.ErrorIs(t, stale.Extend(ctx, time.Minute), gfredis.ErrLockLost)
	assert.True(t, mr.Exists("gridfill:lock:sweep:timezone"))

	require.NoError(t, fresh.Release(ctx))
}
