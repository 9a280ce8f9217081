// Package platformtest provides an in-memory Platform implementation with
// the same conditional-write semantics the core relies on. Component tests
// substitute it for a cloud adapter.
package platformtest

import (
	"context"
	"sync"

	"github.com/zentinel/autoscale/internal/core/platform"
)

// LifecycleCall records one CompleteLifecycleAction invocation.
type LifecycleCall struct {
	VMID    string
	Action  string
	Abandon bool
}

// Fake implements platform.Platform over in-process maps guarded by one
// mutex, which makes every operation linearizable the way a real KV store
// with conditional writes is.
type Fake struct {
	mu sync.Mutex

	VMs          map[string]*platform.VirtualMachine
	SettingItems map[string]platform.SettingItem
	Health       map[string]*platform.HealthCheckRecord
	Primary      *platform.PrimaryRecord

	Files    []platform.LicenseFile
	Contents map[string]string
	Stock    map[string]platform.LicenseStockRecord
	Usage    map[string]platform.LicenseUsageRecord

	DeletedVMs     []string
	LifecycleCalls []LifecycleCall

	// Errs injects an error for the named operation, e.g.
	// "CreatePrimaryRecord".
	Errs map[string]error
}

var _ platform.Platform = (*Fake)(nil)

func New() *Fake {
	return &Fake{
		VMs:          map[string]*platform.VirtualMachine{},
		SettingItems: map[string]platform.SettingItem{},
		Health:       map[string]*platform.HealthCheckRecord{},
		Contents:     map[string]string{},
		Stock:        map[string]platform.LicenseStockRecord{},
		Usage:        map[string]platform.LicenseUsageRecord{},
		Errs:         map[string]error{},
	}
}

// SeedSetting adds one plain settings row.
func (f *Fake) SeedSetting(key, value string) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.SettingItems[key] = platform.SettingItem{Key: key, Value: value, Editable: true}
}

// SeedVM registers a VM in the inventory.
func (f *Fake) SeedVM(vm *platform.VirtualMachine) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.VMs[vm.VMID] = vm
}

func (f *Fake) fail(op string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.Errs[op]
}

// SetErr injects (or clears, with nil) an error for the named operation.
func (f *Fake) SetErr(op string, err error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if err == nil {
		delete(f.Errs, op)
		return
	}
	f.Errs[op] = err
}

func (f *Fake) Init(context.Context) error { return f.fail("Init") }

// Request parsing delegates to the shared envelope rules.

func (f *Fake) RequestType(req *platform.IncomingRequest) platform.RequestType {
	return platform.EnvelopeRequestType(req)
}

func (f *Fake) RequestVMID(req *platform.IncomingRequest) (string, error) {
	return platform.EnvelopeVMID(req)
}

func (f *Fake) RequestHeartbeatInterval(req *platform.IncomingRequest) (int, error) {
	return platform.EnvelopeHeartbeatInterval(req)
}

func (f *Fake) DescribeVM(_ context.Context, req platform.DescribeRequest) (*platform.VirtualMachine, error) {
	if err := f.fail("DescribeVM"); err != nil {
		return nil, err
	}
	f.mu.Lock()
	defer f.mu.Unlock()
	if req.VMID != "" {
		vm, ok := f.VMs[req.VMID]
		if !ok {
			return nil, nil
		}
		if req.ScalingGroupName != "" && vm.ScalingGroupName != req.ScalingGroupName {
			return nil, nil
		}
		return vm, nil
	}
	for _, vm := range f.VMs {
		if vm.ScalingGroupName == req.ScalingGroupName {
			return vm, nil
		}
	}
	return nil, nil
}

func (f *Fake) DeleteVM(_ context.Context, vm *platform.VirtualMachine) error {
	if err := f.fail("DeleteVM"); err != nil {
		return err
	}
	f.mu.Lock()
	defer f.mu.Unlock()
	delete(f.VMs, vm.VMID)
	f.DeletedVMs = append(f.DeletedVMs, vm.VMID)
	return nil
}

func (f *Fake) Settings(context.Context) ([]platform.SettingItem, error) {
	if err := f.fail("Settings"); err != nil {
		return nil, err
	}
	f.mu.Lock()
	defer f.mu.Unlock()
	items := make([]platform.SettingItem, 0, len(f.SettingItems))
	for _, item := range f.SettingItems {
		items = append(items, item)
	}
	return items, nil
}

func (f *Fake) SetSettingItem(_ context.Context, item platform.SettingItem) error {
	if err := f.fail("SetSettingItem"); err != nil {
		return err
	}
	f.mu.Lock()
	defer f.mu.Unlock()
	f.SettingItems[item.Key] = item
	return nil
}

func (f *Fake) HealthCheckRecord(_ context.Context, vmID string) (*platform.HealthCheckRecord, error) {
	if err := f.fail("HealthCheckRecord"); err != nil {
		return nil, err
	}
	f.mu.Lock()
	defer f.mu.Unlock()
	rec, ok := f.Health[vmID]
	if !ok {
		return nil, nil
	}
	cp := *rec
	return &cp, nil
}

func (f *Fake) CreateHealthCheckRecord(_ context.Context, rec *platform.HealthCheckRecord) error {
	if err := f.fail("CreateHealthCheckRecord"); err != nil {
		return err
	}
	f.mu.Lock()
	defer f.mu.Unlock()
	if _, exists := f.Health[rec.VMID]; exists {
		return platform.ErrRaceLost
	}
	cp := *rec
	f.Health[rec.VMID] = &cp
	return nil
}

func (f *Fake) UpdateHealthCheckRecord(_ context.Context, rec *platform.HealthCheckRecord) error {
	if err := f.fail("UpdateHealthCheckRecord"); err != nil {
		return err
	}
	f.mu.Lock()
	defer f.mu.Unlock()
	if _, exists := f.Health[rec.VMID]; !exists {
		return platform.ErrRecordNotFound
	}
	cp := *rec
	f.Health[rec.VMID] = &cp
	return nil
}

func (f *Fake) DeleteHealthCheckRecord(_ context.Context, vmID string) error {
	if err := f.fail("DeleteHealthCheckRecord"); err != nil {
		return err
	}
	f.mu.Lock()
	defer f.mu.Unlock()
	delete(f.Health, vmID)
	return nil
}

func (f *Fake) PrimaryRecord(context.Context) (*platform.PrimaryRecord, error) {
	if err := f.fail("PrimaryRecord"); err != nil {
		return nil, err
	}
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.Primary == nil {
		return nil, nil
	}
	cp := *f.Primary
	return &cp, nil
}

func (f *Fake) CreatePrimaryRecord(_ context.Context, rec, expected *platform.PrimaryRecord) error {
	if err := f.fail("CreatePrimaryRecord"); err != nil {
		return err
	}
	f.mu.Lock()
	defer f.mu.Unlock()
	if !primaryMatches(f.Primary, expected) {
		return platform.ErrRaceLost
	}
	cp := *rec
	f.Primary = &cp
	return nil
}

func (f *Fake) UpdatePrimaryRecord(_ context.Context, rec *platform.PrimaryRecord) error {
	if err := f.fail("UpdatePrimaryRecord"); err != nil {
		return err
	}
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.Primary == nil || f.Primary.ID != rec.ID {
		return platform.ErrRaceLost
	}
	cp := *rec
	f.Primary = &cp
	return nil
}

func (f *Fake) DeletePrimaryRecord(_ context.Context, expected *platform.PrimaryRecord) error {
	if err := f.fail("DeletePrimaryRecord"); err != nil {
		return err
	}
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.Primary == nil || (expected != nil && f.Primary.ID != expected.ID) {
		return platform.ErrRaceLost
	}
	f.Primary = nil
	return nil
}

func primaryMatches(current, expected *platform.PrimaryRecord) bool {
	if expected == nil {
		// Absent or a timeout tombstone both count as replaceable.
		return current == nil || current.VoteState == platform.VoteTimeout
	}
	return current != nil && current.ID == expected.ID
}

func (f *Fake) ListLicenseFiles(_ context.Context, _, _ string) ([]platform.LicenseFile, error) {
	if err := f.fail("ListLicenseFiles"); err != nil {
		return nil, err
	}
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]platform.LicenseFile(nil), f.Files...), nil
}

func (f *Fake) LoadLicenseFileContent(_ context.Context, _, path string) (string, error) {
	if err := f.fail("LoadLicenseFileContent"); err != nil {
		return "", err
	}
	f.mu.Lock()
	defer f.mu.Unlock()
	content, ok := f.Contents[path]
	if !ok {
		return "", platform.ErrRecordNotFound
	}
	return content, nil
}

func (f *Fake) ListLicenseStock(_ context.Context, _ string) ([]platform.LicenseStockRecord, error) {
	if err := f.fail("ListLicenseStock"); err != nil {
		return nil, err
	}
	f.mu.Lock()
	defer f.mu.Unlock()
	recs := make([]platform.LicenseStockRecord, 0, len(f.Stock))
	for _, rec := range f.Stock {
		recs = append(recs, rec)
	}
	return recs, nil
}

func (f *Fake) ListLicenseUsage(_ context.Context, _ string) ([]platform.LicenseUsageRecord, error) {
	if err := f.fail("ListLicenseUsage"); err != nil {
		return nil, err
	}
	f.mu.Lock()
	defer f.mu.Unlock()
	recs := make([]platform.LicenseUsageRecord, 0, len(f.Usage))
	for _, rec := range f.Usage {
		recs = append(recs, rec)
	}
	return recs, nil
}

func (f *Fake) UpdateLicenseStock(_ context.Context, add, remove []platform.LicenseStockRecord) error {
	if err := f.fail("UpdateLicenseStock"); err != nil {
		return err
	}
	f.mu.Lock()
	defer f.mu.Unlock()
	for _, rec := range add {
		f.Stock[rec.Checksum] = rec
	}
	for _, rec := range remove {
		delete(f.Stock, rec.Checksum)
	}
	return nil
}

func (f *Fake) InsertLicenseUsage(_ context.Context, rec *platform.LicenseUsageRecord) error {
	if err := f.fail("InsertLicenseUsage"); err != nil {
		return err
	}
	f.mu.Lock()
	defer f.mu.Unlock()
	if _, exists := f.Usage[rec.VMID]; exists {
		return platform.ErrRaceLost
	}
	f.Usage[rec.VMID] = *rec
	return nil
}

func (f *Fake) ReplaceLicenseUsage(_ context.Context, old, rec *platform.LicenseUsageRecord) error {
	if err := f.fail("ReplaceLicenseUsage"); err != nil {
		return err
	}
	f.mu.Lock()
	defer f.mu.Unlock()
	current, exists := f.Usage[old.VMID]
	if !exists || current.Checksum != old.Checksum {
		return platform.ErrRaceLost
	}
	delete(f.Usage, old.VMID)
	f.Usage[rec.VMID] = *rec
	return nil
}

func (f *Fake) UpdateLicenseUsage(_ context.Context, recs []platform.LicenseUsageRecord) error {
	if err := f.fail("UpdateLicenseUsage"); err != nil {
		return err
	}
	f.mu.Lock()
	defer f.mu.Unlock()
	for _, rec := range recs {
		f.Usage[rec.VMID] = rec
	}
	return nil
}

func (f *Fake) CompleteLifecycleAction(_ context.Context, vmID, action string, abandon bool) error {
	if err := f.fail("CompleteLifecycleAction"); err != nil {
		return err
	}
	f.mu.Lock()
	defer f.mu.Unlock()
	f.LifecycleCalls = append(f.LifecycleCalls, LifecycleCall{VMID: vmID, Action: action, Abandon: abandon})
	return nil
}
