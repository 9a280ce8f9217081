// Package settings provides the typed read-through registry over the
// platform's deployment settings table. One registry serves one handler
// invocation; the KV store stays the single row authority.
package settings

import (
	"context"
	"encoding/json"
	"fmt"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/zentinel/autoscale/internal/core/platform"
)

// Recognized setting keys. The literals are the wire names persisted in
// the settings table.
const (
	KeySettingsSaved           = "deployment-settings-saved"
	KeyPrimaryScalingGroupName = "master-scaling-group-name"
	KeyBYOLScalingGroupName    = "byol-scaling-group-name"
	KeyPAYGScalingGroupName    = "payg-scaling-group-name"
	KeyHeartbeatInterval       = "heartbeat-interval"
	KeyHeartbeatLossCount      = "heartbeat-loss-count"
	KeyHeartbeatDelayAllowance = "heartbeat-delay-allowance"
	KeySyncRecoveryCount       = "heartbeat-sync-recovery-count"
	KeyElectionTimeout         = "master-election-timeout"
	KeyElectionNoWait          = "master-election-no-wait"
	KeyAssetStorageName        = "asset-storage-name"
	KeyAssetStorageKeyPrefix   = "asset-storage-key-prefix"
	KeyLicenseStorageKeyPrefix = "fortigate-license-storage-key-prefix"
	KeyHybridLicensing         = "enable-hybrid-licensing"
	KeyLicenseGracePeriod      = "get-license-grace-period"
	KeyHandlerURL              = "autoscale-handler-url"
	KeyVPCID                   = "fortigate-autoscale-vpc-id"
	KeyPSKSecret               = "fortigate-psk-secret"
	KeySyncInterface           = "fortigate-sync-interface"
	KeyTrafficPort             = "fortigate-traffic-port"
	KeyAdminPort               = "fortigate-admin-port"
	KeyDefaultPassword         = "fortigate-default-password"
)

var recognizedKeys = map[string]struct{}{
	KeySettingsSaved:           {},
	KeyPrimaryScalingGroupName: {},
	KeyBYOLScalingGroupName:    {},
	KeyPAYGScalingGroupName:    {},
	KeyHeartbeatInterval:       {},
	KeyHeartbeatLossCount:      {},
	KeyHeartbeatDelayAllowance: {},
	KeySyncRecoveryCount:       {},
	KeyElectionTimeout:         {},
	KeyElectionNoWait:          {},
	KeyAssetStorageName:        {},
	KeyAssetStorageKeyPrefix:   {},
	KeyLicenseStorageKeyPrefix: {},
	KeyHybridLicensing:         {},
	KeyLicenseGracePeriod:      {},
	KeyHandlerURL:              {},
	KeyVPCID:                   {},
	KeyPSKSecret:               {},
	KeySyncInterface:           {},
	KeyTrafficPort:             {},
	KeyAdminPort:               {},
	KeyDefaultPassword:         {},
}

// Recognized reports whether key is part of the settings schema.
func Recognized(key string) bool {
	_, ok := recognizedKeys[key]
	return ok
}

// Registry is a read-through cache over the platform settings table.
// Reads load the table once; writes go through to the store and update
// the cache.
type Registry struct {
	store platform.SettingsStore

	mu     sync.Mutex
	items  map[string]platform.SettingItem
	loaded bool
}

func New(store platform.SettingsStore) *Registry {
	return &Registry{store: store}
}

func (r *Registry) load(ctx context.Context) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.loaded {
		return nil
	}
	items, err := r.store.Settings(ctx)
	if err != nil {
		return fmt.Errorf("load settings: %w", err)
	}
	r.items = make(map[string]platform.SettingItem, len(items))
	for _, item := range items {
		if Recognized(item.Key) {
			r.items[item.Key] = item
		}
	}
	r.loaded = true
	return nil
}

// Get returns the decoded value for key and whether it is present.
func (r *Registry) Get(ctx context.Context, key string) (string, bool, error) {
	if err := r.load(ctx); err != nil {
		return "", false, err
	}
	r.mu.Lock()
	item, ok := r.items[key]
	r.mu.Unlock()
	if !ok {
		return "", false, nil
	}
	return decodeValue(item), true, nil
}

// Require returns the value for key or ErrConfigurationMissing.
func (r *Registry) Require(ctx context.Context, key string) (string, error) {
	val, ok, err := r.Get(ctx, key)
	if err != nil {
		return "", err
	}
	if !ok || val == "" {
		return "", fmt.Errorf("%w: %s", platform.ErrConfigurationMissing, key)
	}
	return val, nil
}

// Bool parses key tolerantly: "true" (any case) and true are true,
// anything else, including absence, is false.
func (r *Registry) Bool(ctx context.Context, key string) (bool, error) {
	val, ok, err := r.Get(ctx, key)
	if err != nil {
		return false, err
	}
	if !ok {
		return false, nil
	}
	return ParseBool(val), nil
}

// Int returns the integer value for key, or ErrConfigurationMissing when
// absent or malformed.
func (r *Registry) Int(ctx context.Context, key string) (int, error) {
	val, err := r.Require(ctx, key)
	if err != nil {
		return 0, err
	}
	n, err := strconv.Atoi(val)
	if err != nil {
		return 0, fmt.Errorf("%w: %s is not an integer", platform.ErrConfigurationMissing, key)
	}
	return n, nil
}

// IntDefault returns the integer value for key, or def when absent.
func (r *Registry) IntDefault(ctx context.Context, key string, def int) (int, error) {
	val, ok, err := r.Get(ctx, key)
	if err != nil {
		return 0, err
	}
	if !ok || val == "" {
		return def, nil
	}
	n, err := strconv.Atoi(val)
	if err != nil {
		return 0, fmt.Errorf("%w: %s is not an integer", platform.ErrConfigurationMissing, key)
	}
	return n, nil
}

// Set writes item through to the store and updates the cache. Writes to
// unrecognized keys are ignored.
func (r *Registry) Set(ctx context.Context, item platform.SettingItem) error {
	if !Recognized(item.Key) {
		return nil
	}
	if err := r.load(ctx); err != nil {
		return err
	}
	if err := r.store.SetSettingItem(ctx, item); err != nil {
		return fmt.Errorf("set setting %s: %w", item.Key, err)
	}
	r.mu.Lock()
	r.items[item.Key] = item
	r.mu.Unlock()
	return nil
}

// Typed accessors per recognized key.

func (r *Registry) SettingsSaved(ctx context.Context) (bool, error) {
	return r.Bool(ctx, KeySettingsSaved)
}

func (r *Registry) PrimaryScalingGroupName(ctx context.Context) (string, error) {
	return r.Require(ctx, KeyPrimaryScalingGroupName)
}

func (r *Registry) BYOLScalingGroupName(ctx context.Context) (string, error) {
	val, _, err := r.Get(ctx, KeyBYOLScalingGroupName)
	return val, err
}

func (r *Registry) PAYGScalingGroupName(ctx context.Context) (string, error) {
	val, _, err := r.Get(ctx, KeyPAYGScalingGroupName)
	return val, err
}

func (r *Registry) HeartbeatInterval(ctx context.Context) (int, error) {
	return r.Int(ctx, KeyHeartbeatInterval)
}

func (r *Registry) HeartbeatLossCount(ctx context.Context) (int, error) {
	return r.IntDefault(ctx, KeyHeartbeatLossCount, 3)
}

func (r *Registry) HeartbeatDelayAllowance(ctx context.Context) (time.Duration, error) {
	sec, err := r.IntDefault(ctx, KeyHeartbeatDelayAllowance, 2)
	return time.Duration(sec) * time.Second, err
}

func (r *Registry) SyncRecoveryCount(ctx context.Context) (int, error) {
	return r.IntDefault(ctx, KeySyncRecoveryCount, 3)
}

func (r *Registry) ElectionTimeout(ctx context.Context) (time.Duration, error) {
	sec, err := r.Int(ctx, KeyElectionTimeout)
	return time.Duration(sec) * time.Second, err
}

func (r *Registry) ElectionNoWait(ctx context.Context) (bool, error) {
	return r.Bool(ctx, KeyElectionNoWait)
}

func (r *Registry) AssetStorageName(ctx context.Context) (string, error) {
	return r.Require(ctx, KeyAssetStorageName)
}

func (r *Registry) LicenseStorageKeyPrefix(ctx context.Context) (string, error) {
	val, _, err := r.Get(ctx, KeyLicenseStorageKeyPrefix)
	return val, err
}

func (r *Registry) HybridLicensing(ctx context.Context) (bool, error) {
	return r.Bool(ctx, KeyHybridLicensing)
}

func (r *Registry) LicenseGracePeriod(ctx context.Context) (time.Duration, error) {
	sec, err := r.IntDefault(ctx, KeyLicenseGracePeriod, 600)
	return time.Duration(sec) * time.Second, err
}

func (r *Registry) HandlerURL(ctx context.Context) (string, error) {
	val, _, err := r.Get(ctx, KeyHandlerURL)
	return val, err
}

func (r *Registry) VPCID(ctx context.Context) (string, error) {
	return r.Require(ctx, KeyVPCID)
}

// ParseBool is the tolerant boolean normalization used across the
// settings schema: "true"/"TRUE"/true parse true, everything else false.
func ParseBool(val string) bool {
	var b bool
	if err := json.Unmarshal([]byte(val), &b); err == nil {
		return b
	}
	return strings.EqualFold(strings.TrimSpace(val), "true")
}

func decodeValue(item platform.SettingItem) string {
	if !item.JSONEncoded {
		return item.Value
	}
	var s string
	if err := json.Unmarshal([]byte(item.Value), &s); err == nil {
		return s
	}
	return item.Value
}
