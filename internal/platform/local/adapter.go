// Package local implements the platform adapter for single-box and
// development deployments: record tables live in a Badger store whose
// serializable transactions provide the conditional-write discipline the
// core depends on, license blobs live in a local directory, and cluster
// events egress over NATS when a broker is configured.
package local

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"path/filepath"

	badger "github.com/dgraph-io/badger/v4"

	"github.com/zentinel/autoscale/internal/core/observability/log"
	"github.com/zentinel/autoscale/internal/core/platform"
)

// Table key prefixes.
const (
	prefixSetting = "settings/"
	prefixHealth  = "health/"
	prefixStock   = "licstock/"
	prefixUsage   = "licusage/"
	prefixVM      = "vm/"
	keyPrimary    = "primary"
)

// Config locates the adapter's backing stores.
type Config struct {
	// DataDir is the Badger database directory.
	DataDir string `yaml:"data_dir"`
	// BlobDir is the root of the local blob store (license files live in
	// <container>/<dir> below it, named by the asset storage name and the
	// license storage key prefix settings).
	BlobDir string `yaml:"blob_dir"`
	// NATSUrl enables event egress when non-empty.
	NATSUrl string `yaml:"nats_url"`
}

func DefaultConfig() Config {
	return Config{
		DataDir: "./data/autoscale",
		BlobDir: "./data/blobs",
	}
}

// Adapter implements platform.Platform.
type Adapter struct {
	db     *badger.DB
	config Config
	egress *Publisher
	logger log.Log
}

var _ platform.Platform = (*Adapter)(nil)

func New(config Config, logger log.Log) (*Adapter, error) {
	opts := badger.DefaultOptions(filepath.Clean(config.DataDir))
	opts.Logger = nil
	db, err := badger.Open(opts)
	if err != nil {
		return nil, fmt.Errorf("open store: %w", err)
	}
	a := &Adapter{db: db, config: config, logger: logger}
	if config.NATSUrl != "" {
		pub, err := NewPublisher(config.NATSUrl, logger)
		if err != nil {
			_ = db.Close()
			return nil, err
		}
		a.egress = pub
	}
	return a, nil
}

func (a *Adapter) Init(context.Context) error {
	return nil
}

// Close releases the store and the broker connection.
func (a *Adapter) Close() error {
	if a.egress != nil {
		a.egress.Close()
	}
	return a.db.Close()
}

// Request parsing follows the shared envelope rules.

func (a *Adapter) RequestType(req *platform.IncomingRequest) platform.RequestType {
	return platform.EnvelopeRequestType(req)
}

func (a *Adapter) RequestVMID(req *platform.IncomingRequest) (string, error) {
	return platform.EnvelopeVMID(req)
}

func (a *Adapter) RequestHeartbeatInterval(req *platform.IncomingRequest) (int, error) {
	return platform.EnvelopeHeartbeatInterval(req)
}

// RegisterVM upserts a VM into the inventory table. The launching
// lifecycle hook uses it; cloud adapters answer DescribeVM from their
// compute API instead.
func (a *Adapter) RegisterVM(_ context.Context, vm *platform.VirtualMachine) error {
	return a.update(func(txn *badger.Txn) error {
		return setJSON(txn, prefixVM+vm.VMID, vm)
	})
}

func (a *Adapter) DescribeVM(_ context.Context, req platform.DescribeRequest) (*platform.VirtualMachine, error) {
	var found *platform.VirtualMachine
	err := a.db.View(func(txn *badger.Txn) error {
		if req.VMID != "" {
			vm := &platform.VirtualMachine{}
			ok, err := getJSON(txn, prefixVM+req.VMID, vm)
			if err != nil || !ok {
				return err
			}
			if req.ScalingGroupName == "" || vm.ScalingGroupName == req.ScalingGroupName {
				found = vm
			}
			return nil
		}
		return scanJSON(txn, prefixVM, func(vm *platform.VirtualMachine) bool {
			if vm.ScalingGroupName == req.ScalingGroupName {
				found = vm
				return false
			}
			return true
		})
	})
	return found, err
}

func (a *Adapter) DeleteVM(ctx context.Context, vm *platform.VirtualMachine) error {
	err := a.update(func(txn *badger.Txn) error {
		return txn.Delete([]byte(prefixVM + vm.VMID))
	})
	if err != nil {
		return err
	}
	a.publish(ctx, SubjectLifecycle, event{Kind: "vm-terminated", VMID: vm.VMID})
	return nil
}

func (a *Adapter) Settings(_ context.Context) ([]platform.SettingItem, error) {
	var items []platform.SettingItem
	err := a.db.View(func(txn *badger.Txn) error {
		return scanJSON(txn, prefixSetting, func(item *platform.SettingItem) bool {
			items = append(items, *item)
			return true
		})
	})
	return items, err
}

func (a *Adapter) SetSettingItem(_ context.Context, item platform.SettingItem) error {
	return a.update(func(txn *badger.Txn) error {
		return setJSON(txn, prefixSetting+item.Key, item)
	})
}

func (a *Adapter) HealthCheckRecord(_ context.Context, vmID string) (*platform.HealthCheckRecord, error) {
	rec := &platform.HealthCheckRecord{}
	var found bool
	err := a.db.View(func(txn *badger.Txn) error {
		ok, err := getJSON(txn, prefixHealth+vmID, rec)
		found = ok
		return err
	})
	if err != nil || !found {
		return nil, err
	}
	return rec, nil
}

func (a *Adapter) CreateHealthCheckRecord(_ context.Context, rec *platform.HealthCheckRecord) error {
	return a.update(func(txn *badger.Txn) error {
		key := prefixHealth + rec.VMID
		if _, err := txn.Get([]byte(key)); err == nil {
			return platform.ErrRaceLost
		} else if !errors.Is(err, badger.ErrKeyNotFound) {
			return err
		}
		return setJSON(txn, key, rec)
	})
}

func (a *Adapter) UpdateHealthCheckRecord(_ context.Context, rec *platform.HealthCheckRecord) error {
	return a.update(func(txn *badger.Txn) error {
		key := prefixHealth + rec.VMID
		if _, err := txn.Get([]byte(key)); err != nil {
			if errors.Is(err, badger.ErrKeyNotFound) {
				return platform.ErrRecordNotFound
			}
			return err
		}
		return setJSON(txn, key, rec)
	})
}

func (a *Adapter) DeleteHealthCheckRecord(_ context.Context, vmID string) error {
	return a.update(func(txn *badger.Txn) error {
		return txn.Delete([]byte(prefixHealth + vmID))
	})
}

func (a *Adapter) PrimaryRecord(_ context.Context) (*platform.PrimaryRecord, error) {
	rec := &platform.PrimaryRecord{}
	var found bool
	err := a.db.View(func(txn *badger.Txn) error {
		ok, err := getJSON(txn, keyPrimary, rec)
		found = ok
		return err
	})
	if err != nil || !found {
		return nil, err
	}
	return rec, nil
}

func (a *Adapter) CreatePrimaryRecord(ctx context.Context, rec, expected *platform.PrimaryRecord) error {
	err := a.update(func(txn *badger.Txn) error {
		current := &platform.PrimaryRecord{}
		ok, err := getJSON(txn, keyPrimary, current)
		if err != nil {
			return err
		}
		if !primaryMatches(ok, current, expected) {
			return platform.ErrRaceLost
		}
		return setJSON(txn, keyPrimary, rec)
	})
	if err != nil {
		return err
	}
	a.publish(ctx, SubjectElection, event{Kind: "vote-started", VMID: rec.VMID})
	return nil
}

func (a *Adapter) UpdatePrimaryRecord(ctx context.Context, rec *platform.PrimaryRecord) error {
	err := a.update(func(txn *badger.Txn) error {
		current := &platform.PrimaryRecord{}
		ok, err := getJSON(txn, keyPrimary, current)
		if err != nil {
			return err
		}
		if !ok || current.ID != rec.ID {
			return platform.ErrRaceLost
		}
		return setJSON(txn, keyPrimary, rec)
	})
	if err != nil {
		return err
	}
	if rec.VoteState == platform.VoteDone {
		a.publish(ctx, SubjectElection, event{Kind: "vote-done", VMID: rec.VMID, IP: rec.IP})
	}
	return nil
}

func (a *Adapter) DeletePrimaryRecord(ctx context.Context, expected *platform.PrimaryRecord) error {
	err := a.update(func(txn *badger.Txn) error {
		current := &platform.PrimaryRecord{}
		ok, err := getJSON(txn, keyPrimary, current)
		if err != nil {
			return err
		}
		if !ok || (expected != nil && current.ID != expected.ID) {
			return platform.ErrRaceLost
		}
		return txn.Delete([]byte(keyPrimary))
	})
	if err != nil {
		return err
	}
	a.publish(ctx, SubjectElection, event{Kind: "vote-purged"})
	return nil
}

func primaryMatches(exists bool, current, expected *platform.PrimaryRecord) bool {
	if expected == nil {
		return !exists || current.VoteState == platform.VoteTimeout
	}
	return exists && current.ID == expected.ID
}

func (a *Adapter) ListLicenseStock(_ context.Context, product string) ([]platform.LicenseStockRecord, error) {
	var recs []platform.LicenseStockRecord
	err := a.db.View(func(txn *badger.Txn) error {
		return scanJSON(txn, prefixStock+product+"/", func(rec *platform.LicenseStockRecord) bool {
			recs = append(recs, *rec)
			return true
		})
	})
	return recs, err
}

func (a *Adapter) ListLicenseUsage(_ context.Context, product string) ([]platform.LicenseUsageRecord, error) {
	var recs []platform.LicenseUsageRecord
	err := a.db.View(func(txn *badger.Txn) error {
		return scanJSON(txn, prefixUsage+product+"/", func(rec *platform.LicenseUsageRecord) bool {
			recs = append(recs, *rec)
			return true
		})
	})
	return recs, err
}

func (a *Adapter) UpdateLicenseStock(_ context.Context, add, remove []platform.LicenseStockRecord) error {
	return a.update(func(txn *badger.Txn) error {
		for _, rec := range add {
			if err := setJSON(txn, stockKey(rec), rec); err != nil {
				return err
			}
		}
		for _, rec := range remove {
			if err := txn.Delete([]byte(stockKey(rec))); err != nil {
				return err
			}
		}
		return nil
	})
}

func (a *Adapter) InsertLicenseUsage(_ context.Context, rec *platform.LicenseUsageRecord) error {
	return a.update(func(txn *badger.Txn) error {
		key := usageKey(rec.ProductName, rec.VMID)
		if _, err := txn.Get([]byte(key)); err == nil {
			return platform.ErrRaceLost
		} else if !errors.Is(err, badger.ErrKeyNotFound) {
			return err
		}
		return setJSON(txn, key, rec)
	})
}

func (a *Adapter) ReplaceLicenseUsage(_ context.Context, old, rec *platform.LicenseUsageRecord) error {
	return a.update(func(txn *badger.Txn) error {
		oldKey := usageKey(old.ProductName, old.VMID)
		current := &platform.LicenseUsageRecord{}
		ok, err := getJSON(txn, oldKey, current)
		if err != nil {
			return err
		}
		if !ok || current.Checksum != old.Checksum {
			return platform.ErrRaceLost
		}
		if err := txn.Delete([]byte(oldKey)); err != nil {
			return err
		}
		return setJSON(txn, usageKey(rec.ProductName, rec.VMID), rec)
	})
}

func (a *Adapter) UpdateLicenseUsage(_ context.Context, recs []platform.LicenseUsageRecord) error {
	return a.update(func(txn *badger.Txn) error {
		for _, rec := range recs {
			if err := setJSON(txn, usageKey(rec.ProductName, rec.VMID), rec); err != nil {
				return err
			}
		}
		return nil
	})
}

func (a *Adapter) CompleteLifecycleAction(ctx context.Context, vmID, action string, abandon bool) error {
	a.logger.Info("lifecycle action completed",
		log.String("vm_id", vmID),
		log.String("action", action),
		log.Bool("abandon", abandon))
	a.publish(ctx, SubjectLifecycle, event{Kind: "lifecycle-" + action, VMID: vmID, Abandon: abandon})
	return nil
}

func stockKey(rec platform.LicenseStockRecord) string {
	return prefixStock + rec.ProductName + "/" + rec.Checksum
}

func usageKey(product, vmID string) string {
	return prefixUsage + product + "/" + vmID
}

// update wraps db.Update and maps transaction conflicts onto the core's
// race taxonomy.
func (a *Adapter) update(fn func(txn *badger.Txn) error) error {
	err := a.db.Update(fn)
	if errors.Is(err, badger.ErrConflict) {
		return platform.ErrRaceLost
	}
	return err
}

func setJSON(txn *badger.Txn, key string, v any) error {
	data, err := json.Marshal(v)
	if err != nil {
		return err
	}
	return txn.Set([]byte(key), data)
}

func getJSON(txn *badger.Txn, key string, v any) (bool, error) {
	item, err := txn.Get([]byte(key))
	if err != nil {
		if errors.Is(err, badger.ErrKeyNotFound) {
			return false, nil
		}
		return false, err
	}
	if err := item.Value(func(data []byte) error {
		return json.Unmarshal(data, v)
	}); err != nil {
		return false, err
	}
	return true, nil
}

func scanJSON[T any](txn *badger.Txn, prefix string, visit func(*T) bool) error {
	opts := badger.DefaultIteratorOptions
	opts.Prefix = []byte(prefix)
	it := txn.NewIterator(opts)
	defer it.Close()
	for it.Rewind(); it.Valid(); it.Next() {
		v := new(T)
		if err := it.Item().Value(func(data []byte) error {
			return json.Unmarshal(data, v)
		}); err != nil {
			return err
		}
		if !visit(v) {
			return nil
		}
	}
	return nil
}
