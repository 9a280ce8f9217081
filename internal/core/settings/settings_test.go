package settings

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/zentinel/autoscale/internal/core/platform"
)

type memStore struct {
	items map[string]platform.SettingItem
}

func newMemStore() *memStore {
	return &memStore{items: map[string]platform.SettingItem{}}
}

func (s *memStore) Settings(context.Context) ([]platform.SettingItem, error) {
	out := make([]platform.SettingItem, 0, len(s.items))
	for _, item := range s.items {
		out = append(out, item)
	}
	return out, nil
}

func (s *memStore) SetSettingItem(_ context.Context, item platform.SettingItem) error {
	s.items[item.Key] = item
	return nil
}

func seed(s *memStore, key, value string) {
	s.items[key] = platform.SettingItem{Key: key, Value: value, Editable: true}
}

func TestRoundTrip(t *testing.T) {
	store := newMemStore()
	reg := New(store)
	ctx := context.Background()

	item := platform.SettingItem{Key: KeyHeartbeatInterval, Value: "45", Editable: true}
	require.NoError(t, reg.Set(ctx, item))

	val, ok, err := reg.Get(ctx, KeyHeartbeatInterval)
	require.NoError(t, err)
	assert.True(t, ok)
	assert.Equal(t, "45", val)

	n, err := reg.HeartbeatInterval(ctx)
	require.NoError(t, err)
	assert.Equal(t, 45, n)
}

func TestUnknownKeyIgnoredOnWrite(t *testing.T) {
	store := newMemStore()
	reg := New(store)
	ctx := context.Background()

	require.NoError(t, reg.Set(ctx, platform.SettingItem{Key: "no-such-key", Value: "x"}))
	_, inStore := store.items["no-such-key"]
	assert.False(t, inStore)

	val, ok, err := reg.Get(ctx, "no-such-key")
	require.NoError(t, err)
	assert.False(t, ok)
	assert.Empty(t, val)
}

func TestBoolParsingIsTolerant(t *testing.T) {
	tests := []struct {
		raw  string
		want bool
	}{
		{"true", true},
		{"TRUE", true},
		{"True", true},
		{"false", false},
		{"yes", false},
		{"1", false},
		{"", false},
		{"garbage", false},
	}
	for _, tt := range tests {
		t.Run(tt.raw, func(t *testing.T) {
			store := newMemStore()
			seed(store, KeyElectionNoWait, tt.raw)
			got, err := New(store).ElectionNoWait(context.Background())
			require.NoError(t, err)
			assert.Equal(t, tt.want, got)

			// Normalization is idempotent: re-encoding the parsed value
			// parses to the same value.
			assert.Equal(t, tt.want, ParseBool(map[bool]string{true: "true", false: "false"}[got]))
		})
	}
}

func TestBoolAbsentIsFalse(t *testing.T) {
	got, err := New(newMemStore()).ElectionNoWait(context.Background())
	require.NoError(t, err)
	assert.False(t, got)
}

func TestRequireMissingKey(t *testing.T) {
	_, err := New(newMemStore()).PrimaryScalingGroupName(context.Background())
	assert.ErrorIs(t, err, platform.ErrConfigurationMissing)
}

func TestIntMalformed(t *testing.T) {
	store := newMemStore()
	seed(store, KeyHeartbeatInterval, "soon")
	_, err := New(store).HeartbeatInterval(context.Background())
	assert.ErrorIs(t, err, platform.ErrConfigurationMissing)
}

func TestDurationAccessorsDefault(t *testing.T) {
	reg := New(newMemStore())
	ctx := context.Background()

	allowance, err := reg.HeartbeatDelayAllowance(ctx)
	require.NoError(t, err)
	assert.Equal(t, 2*time.Second, allowance)

	lossCount, err := reg.HeartbeatLossCount(ctx)
	require.NoError(t, err)
	assert.Equal(t, 3, lossCount)
}

func TestJSONEncodedValueDecodedOnRead(t *testing.T) {
	store := newMemStore()
	store.items[KeyPSKSecret] = platform.SettingItem{
		Key: KeyPSKSecret, Value: `"hunter2"`, JSONEncoded: true,
	}

	val, ok, err := New(store).Get(context.Background(), KeyPSKSecret)
	require.NoError(t, err)
	assert.True(t, ok)
	assert.Equal(t, "hunter2", val)
}

func TestElectionTimeoutSeconds(t *testing.T) {
	store := newMemStore()
	seed(store, KeyElectionTimeout, "90")
	timeout, err := New(store).ElectionTimeout(context.Background())
	require.NoError(t, err)
	assert.Equal(t, 90*time.Second, timeout)
}
