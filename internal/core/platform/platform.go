// Package platform defines the capability set the autoscale core requires
// from a cloud platform, together with the shared data model and error
// taxonomy. Concrete adapters live outside the core; the core only ever
// talks to the interfaces below, so fakes compose by substitution.
package platform

import "context"

// RequestType classifies an incoming request for the dispatcher.
type RequestType uint8

const (
	RequestUnknown RequestType = iota
	RequestLaunchingVM
	RequestLaunchedVM
	RequestTerminatingVM
	RequestTerminatedVM
	RequestBootstrapConfig
	RequestHeartbeatSync
	RequestStatusMessage
	RequestServiceForwarding
)

func (t RequestType) String() string {
	switch t {
	case RequestLaunchingVM:
		return "launching"
	case RequestLaunchedVM:
		return "launched"
	case RequestTerminatingVM:
		return "terminating"
	case RequestTerminatedVM:
		return "terminated"
	case RequestBootstrapConfig:
		return "bootstrap"
	case RequestHeartbeatSync:
		return "heartbeat"
	case RequestStatusMessage:
		return "status"
	case RequestServiceForwarding:
		return "service"
	default:
		return "unknown"
	}
}

// IntervalUseExisting is returned by RequestHeartbeatInterval when the
// request carries the literal "use-existing" and the stored interval must
// be reused.
const IntervalUseExisting = -1

// IncomingRequest is the transport-neutral envelope handed to the adapter.
// The transport front fills it in; only the adapter interprets it.
type IncomingRequest struct {
	Method  string
	Path    string
	Headers map[string]string
	Body    []byte
}

// RequestParser normalizes incoming envelopes.
type RequestParser interface {
	RequestType(req *IncomingRequest) RequestType
	RequestVMID(req *IncomingRequest) (string, error)
	// RequestHeartbeatInterval returns the interval in seconds, or
	// IntervalUseExisting when the stored value must be reused.
	RequestHeartbeatInterval(req *IncomingRequest) (int, error)
}

// VMInventory describes and terminates VMs in the scaling groups.
// DescribeVM returns (nil, nil) when no VM matches.
type VMInventory interface {
	DescribeVM(ctx context.Context, req DescribeRequest) (*VirtualMachine, error)
	DeleteVM(ctx context.Context, vm *VirtualMachine) error
}

// SettingsStore reads and writes deployment settings.
type SettingsStore interface {
	Settings(ctx context.Context) ([]SettingItem, error)
	SetSettingItem(ctx context.Context, item SettingItem) error
}

// HealthStore persists heartbeat monitor records. CreateHealthCheckRecord
// is conditional on the VMID being absent and fails with ErrRaceLost
// otherwise. Reads return (nil, nil) when the record does not exist.
type HealthStore interface {
	HealthCheckRecord(ctx context.Context, vmID string) (*HealthCheckRecord, error)
	CreateHealthCheckRecord(ctx context.Context, rec *HealthCheckRecord) error
	UpdateHealthCheckRecord(ctx context.Context, rec *HealthCheckRecord) error
	DeleteHealthCheckRecord(ctx context.Context, vmID string) error
}

// PrimaryStore persists the singleton election record. All mutators are
// conditional: CreatePrimaryRecord succeeds only while the stored record
// still matches expected (nil means absent, a timeout tombstone counts as
// replaceable), UpdatePrimaryRecord requires the stored ID token to match,
// and DeletePrimaryRecord requires the stored ID token to match expected's
// (a nil expected deletes whatever record is stored). Each fails
// with ErrRaceLost and no side effect when the precondition no longer
// holds. Reads return (nil, nil) when no record exists.
type PrimaryStore interface {
	PrimaryRecord(ctx context.Context) (*PrimaryRecord, error)
	CreatePrimaryRecord(ctx context.Context, rec, expected *PrimaryRecord) error
	UpdatePrimaryRecord(ctx context.Context, rec *PrimaryRecord) error
	DeletePrimaryRecord(ctx context.Context, expected *PrimaryRecord) error
}

// LicenseStore lists license blobs and persists stock and usage rows.
// InsertLicenseUsage is conditional on the VMID being absent;
// ReplaceLicenseUsage is conditional on old still being the stored row for
// its VMID. Both fail with ErrRaceLost when the precondition is gone.
type LicenseStore interface {
	ListLicenseFiles(ctx context.Context, container, dir string) ([]LicenseFile, error)
	LoadLicenseFileContent(ctx context.Context, container, path string) (string, error)
	ListLicenseStock(ctx context.Context, product string) ([]LicenseStockRecord, error)
	ListLicenseUsage(ctx context.Context, product string) ([]LicenseUsageRecord, error)
	UpdateLicenseStock(ctx context.Context, add, remove []LicenseStockRecord) error
	InsertLicenseUsage(ctx context.Context, rec *LicenseUsageRecord) error
	ReplaceLicenseUsage(ctx context.Context, old, rec *LicenseUsageRecord) error
	UpdateLicenseUsage(ctx context.Context, recs []LicenseUsageRecord) error
}

// LifecycleHook completes a pending lifecycle action for a VM. Adapters
// whose platform has no lifecycle protocol implement it as a no-op.
type LifecycleHook interface {
	CompleteLifecycleAction(ctx context.Context, vmID, action string, abandon bool) error
}

// Platform is the full capability set required by the core.
type Platform interface {
	Init(ctx context.Context) error

	RequestParser
	VMInventory
	SettingsStore
	HealthStore
	PrimaryStore
	LicenseStore
	LifecycleHook
}

// LifecycleActionGetConfig is the action name completed when a VM finishes
// its bootstrap exchange.
const LifecycleActionGetConfig = "get-config"
