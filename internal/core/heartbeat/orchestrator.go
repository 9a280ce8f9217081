// Package heartbeat glues the health engine and the election runner into
// the per-request logic for a reporting VM, and produces the response
// envelope the device understands.
package heartbeat

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"time"

	"github.com/zentinel/autoscale/internal/core/election"
	"github.com/zentinel/autoscale/internal/core/health"
	"github.com/zentinel/autoscale/internal/core/observability/log"
	"github.com/zentinel/autoscale/internal/core/platform"
	"github.com/zentinel/autoscale/internal/core/proxy"
	"github.com/zentinel/autoscale/internal/core/settings"
)

// Response bodies are wire-exact: the device parses these literally.
const (
	bodyEmpty    = ""
	bodyShutdown = `{"action":"shutdown"}`
)

func bodyMasterIP(ip string) string {
	return `{"master-ip":"` + ip + `"}`
}

// Orchestrator handles one HeartbeatSync request. Construct per request.
type Orchestrator struct {
	platform platform.Platform
	proxy    proxy.Proxy
	settings *settings.Registry
	logger   log.Log

	now func() time.Time
}

func New(p platform.Platform, px proxy.Proxy, reg *settings.Registry, logger log.Log) *Orchestrator {
	return &Orchestrator{platform: p, proxy: px, settings: reg, logger: logger, now: time.Now}
}

// WithClock overrides the time source. Tests use it.
func (o *Orchestrator) WithClock(now func() time.Time) *Orchestrator {
	o.now = now
	return o
}

// Handle runs the heartbeat algorithm for req and returns the response
// envelope. It never returns a Go error: every failure maps to a wire
// response.
func (o *Orchestrator) Handle(ctx context.Context, req *platform.IncomingRequest) proxy.Response {
	vmID, err := o.platform.RequestVMID(req)
	if err != nil {
		return o.proxy.FormatResponse(http.StatusForbidden, "Instance id not provided", nil)
	}
	logger := o.logger.With(log.String("vm_id", vmID))

	interval, err := o.platform.RequestHeartbeatInterval(req)
	if err != nil {
		logger.Warn("malformed heartbeat interval", log.Error(err))
		return o.proxy.FormatResponse(http.StatusInternalServerError, err.Error(), nil)
	}
	env, err := platform.DecodeEnvelope(req)
	if err != nil {
		return o.proxy.FormatResponse(http.StatusInternalServerError, err.Error(), nil)
	}

	selfVM, err := o.describeSelf(ctx, vmID)
	if err != nil {
		return o.internalError(logger, err)
	}
	if selfVM == nil {
		return o.proxy.FormatResponse(http.StatusForbidden, "Instance id not provided", nil)
	}

	// A VM from a foreign virtual network is never ours.
	if vpcID, ok, verr := o.settings.Get(ctx, settings.KeyVPCID); verr != nil {
		return o.internalError(logger, verr)
	} else if ok && vpcID != "" && selfVM.VirtualNetworkID != vpcID {
		logger.Warn("vm outside the cluster vpc",
			log.String("vnet", selfVM.VirtualNetworkID))
		return o.proxy.FormatResponse(http.StatusForbidden, "Unauthorized", nil)
	}

	engine, err := health.EngineFromSettings(ctx, o.settings)
	if err != nil {
		return o.internalError(logger, err)
	}

	selfHealth, err := o.platform.HealthCheckRecord(ctx, vmID)
	if err != nil {
		return o.internalError(logger, err)
	}
	if selfHealth != nil && selfHealth.SyncState == platform.OutOfSync {
		// An out-of-sync VM no longer participates; ignore it.
		logger.Debug("heartbeat from out-of-sync vm ignored")
		return o.proxy.FormatResponse(http.StatusOK, bodyEmpty, nil)
	}

	primaryGroup, err := o.settings.PrimaryScalingGroupName(ctx)
	if err != nil {
		return o.internalError(logger, err)
	}

	rec, err := o.platform.PrimaryRecord(ctx)
	if err != nil {
		return o.internalError(logger, err)
	}
	primaryHealth, err := o.primaryHealth(ctx, rec)
	if err != nil {
		return o.internalError(logger, err)
	}

	isPrimary := rec != nil && rec.VMID == selfVM.VMID && selfVM.ScalingGroupName == primaryGroup
	if isPrimary && primaryHealth != nil {
		// The primary's own report uses the primary health record as the
		// single source of truth.
		selfHealth = primaryHealth
	}

	if selfHealth != nil && !selfHealth.Healthy {
		return o.shutdownVM(ctx, logger, selfVM, selfHealth)
	}

	now := o.now()
	lifecycleShouldAbandon := false

	if o.electionRequired(rec, primaryHealth, engine, now) {
		mgr := election.New(o.platform, o.proxy, o.settings, engine, logger)
		outcome, eerr := mgr.Run(ctx, selfVM)
		if eerr != nil {
			return o.internalError(logger, eerr)
		}
		if outcome.TimedOut {
			return o.recoverFromTimeout(ctx, logger, selfVM, outcome.Record)
		}
		lifecycleShouldAbandon = outcome.ShouldAbandon
		rec = outcome.Record
		isPrimary = outcome.IsPrimary
	}

	// A pending record naming this VM is finalized here; a failure means
	// the vote is void and the lifecycle must abandon.
	if rec != nil && rec.VMID == selfVM.VMID && rec.VoteState == platform.VotePending {
		mgr := election.New(o.platform, o.proxy, o.settings, engine, logger)
		if ferr := mgr.Finalize(ctx, rec, selfVM); ferr != nil {
			logger.Warn("primary finalization failed", log.Error(ferr))
			if derr := o.platform.DeletePrimaryRecord(ctx, rec); derr != nil && !errors.Is(derr, platform.ErrRaceLost) {
				return o.internalError(logger, derr)
			}
			rec = nil
			isPrimary = false
			lifecycleShouldAbandon = true
		}
	}

	primaryIP := ""
	if rec.Settled() {
		primaryIP = rec.IP
	}

	if selfHealth == nil {
		return o.firstHeartbeat(ctx, logger, firstBeat{
			vm:            selfVM,
			env:           env,
			interval:      interval,
			primaryIP:     primaryIP,
			isPrimary:     isPrimary,
			shouldAbandon: lifecycleShouldAbandon,
			now:           now,
		})
	}

	if interval != platform.IntervalUseExisting {
		selfHealth.HeartbeatInterval = interval
	}
	applyDeviceReport(selfHealth, env)

	result, updated := engine.Classify(selfHealth, now)
	logger.Debug("heartbeat classified",
		log.String("result", result.String()),
		log.Int64("seq", updated.Seq))

	if result == health.ResultDropped {
		if err := o.platform.UpdateHealthCheckRecord(ctx, updated); err != nil {
			return o.internalError(logger, err)
		}
		return o.shutdownVM(ctx, logger, selfVM, updated)
	}

	body := bodyEmpty
	if primaryIP != "" && updated.PrimaryIP != primaryIP {
		updated.PrimaryIP = primaryIP
		body = bodyMasterIP(primaryIP)
	}
	if err := o.platform.UpdateHealthCheckRecord(ctx, updated); err != nil {
		return o.internalError(logger, err)
	}
	return o.proxy.FormatResponse(http.StatusOK, body, nil)
}

type firstBeat struct {
	vm            *platform.VirtualMachine
	env           *platform.Envelope
	interval      int
	primaryIP     string
	isPrimary     bool
	shouldAbandon bool
	now           time.Time
}

// firstHeartbeat completes the get-config lifecycle exchange and inserts
// the monitor record.
func (o *Orchestrator) firstHeartbeat(ctx context.Context, logger log.Log, fb firstBeat) proxy.Response {
	if err := o.platform.CompleteLifecycleAction(ctx, fb.vm.VMID, platform.LifecycleActionGetConfig, fb.shouldAbandon); err != nil {
		logger.Warn("lifecycle completion failed", log.Error(err))
	}

	interval := fb.interval
	if interval == platform.IntervalUseExisting {
		configured, err := o.settings.HeartbeatInterval(ctx)
		if err != nil {
			return o.internalError(logger, err)
		}
		interval = configured
	}

	rec := health.NewRecord(fb.vm, interval, fb.primaryIP, fb.now)
	applyDeviceReport(rec, fb.env)
	if err := o.platform.CreateHealthCheckRecord(ctx, rec); err != nil {
		if !errors.Is(err, platform.ErrRaceLost) {
			return o.internalError(logger, err)
		}
		// A duplicate delivery already inserted the record.
		logger.Debug("monitor record already present")
	}

	if fb.isPrimary {
		item := platform.SettingItem{Key: settings.KeyDefaultPassword, Value: fb.vm.VMID, Editable: false}
		if err := o.settings.Set(ctx, item); err != nil {
			logger.Warn("failed to persist default password", log.Error(err))
		}
	}

	logger.Info("vm joined the monitor",
		log.Int("interval", interval),
		log.Bool("is_primary", fb.isPrimary),
		log.String("master_ip", fb.primaryIP))

	if !fb.isPrimary && fb.primaryIP != "" {
		return o.proxy.FormatResponse(http.StatusOK, bodyMasterIP(fb.primaryIP), nil)
	}
	return o.proxy.FormatResponse(http.StatusOK, bodyEmpty, nil)
}

// shutdownVM pushes an unhealthy in-sync VM out of the cluster: the
// monitor record flips out-of-sync, the VM is terminated, and the device
// is told to shut down.
func (o *Orchestrator) shutdownVM(ctx context.Context, logger log.Log, vm *platform.VirtualMachine, rec *platform.HealthCheckRecord) proxy.Response {
	if rec.SyncState != platform.OutOfSync {
		rec.SyncState = platform.OutOfSync
		rec.Healthy = false
		if err := o.platform.UpdateHealthCheckRecord(ctx, rec); err != nil {
			return o.internalError(logger, err)
		}
	}
	if err := o.platform.DeleteVM(ctx, vm); err != nil {
		logger.Warn("failed to terminate unhealthy vm", log.Error(err))
	}
	logger.Info("unhealthy vm dismissed")
	return o.proxy.FormatResponse(http.StatusOK, bodyShutdown, nil)
}

// recoverFromTimeout is the election-wait escape hatch: leave the
// monitor, drop a stale self-owned vote, terminate, and report the
// failure.
func (o *Orchestrator) recoverFromTimeout(ctx context.Context, logger log.Log, vm *platform.VirtualMachine, rec *platform.PrimaryRecord) proxy.Response {
	if err := o.platform.DeleteHealthCheckRecord(ctx, vm.VMID); err != nil {
		logger.Warn("failed to leave monitor", log.Error(err))
	}
	if rec != nil && rec.VMID == vm.VMID {
		if err := o.platform.DeletePrimaryRecord(ctx, rec); err != nil && !errors.Is(err, platform.ErrRaceLost) {
			logger.Warn("failed to drop stale vote", log.Error(err))
		}
	}
	if err := o.platform.DeleteVM(ctx, vm); err != nil {
		logger.Warn("failed to terminate vm", log.Error(err))
	}
	logger.Error("election wait exhausted the execution budget")
	msg := fmt.Sprintf("%v: vm %s", platform.ErrElectionTimeout, vm.VMID)
	return o.proxy.FormatResponse(http.StatusInternalServerError, msg, nil)
}

func (o *Orchestrator) describeSelf(ctx context.Context, vmID string) (*platform.VirtualMachine, error) {
	byol, err := o.settings.BYOLScalingGroupName(ctx)
	if err != nil {
		return nil, err
	}
	if byol != "" {
		vm, err := o.platform.DescribeVM(ctx, platform.DescribeRequest{VMID: vmID, ScalingGroupName: byol})
		if err != nil || vm != nil {
			return vm, err
		}
	}
	payg, err := o.settings.PAYGScalingGroupName(ctx)
	if err != nil {
		return nil, err
	}
	if payg != "" {
		vm, err := o.platform.DescribeVM(ctx, platform.DescribeRequest{VMID: vmID, ScalingGroupName: payg})
		if err != nil || vm != nil {
			return vm, err
		}
	}
	return o.platform.DescribeVM(ctx, platform.DescribeRequest{VMID: vmID})
}

func (o *Orchestrator) primaryHealth(ctx context.Context, rec *platform.PrimaryRecord) (*platform.HealthCheckRecord, error) {
	if rec == nil {
		return nil, nil
	}
	return o.platform.HealthCheckRecord(ctx, rec.VMID)
}

// electionRequired reports that no authoritative healthy primary exists.
func (o *Orchestrator) electionRequired(rec *platform.PrimaryRecord, primaryHealth *platform.HealthCheckRecord, engine health.Engine, now time.Time) bool {
	if rec == nil || !rec.Settled() {
		return true
	}
	if primaryHealth == nil || !primaryHealth.Healthy || primaryHealth.SyncState == platform.OutOfSync {
		return true
	}
	return engine.Expired(primaryHealth, now)
}

func (o *Orchestrator) internalError(logger log.Log, err error) proxy.Response {
	logger.Error("heartbeat handling failed", log.Error(err))
	return o.proxy.FormatResponse(http.StatusInternalServerError, err.Error(), nil)
}

func applyDeviceReport(rec *platform.HealthCheckRecord, env *platform.Envelope) {
	if env == nil {
		return
	}
	if env.SendTime != "" {
		rec.SendTime = env.SendTime
	}
	if env.DeviceSyncTime != "" {
		rec.DeviceSyncTime = env.DeviceSyncTime
	}
	if env.DeviceSyncFailTime != "" {
		rec.DeviceSyncFailTime = env.DeviceSyncFailTime
	}
	if env.DeviceSyncStatus != "" {
		rec.DeviceSyncStatus = env.DeviceSyncStatus
	}
	rec.DeviceIsPrimary = env.DeviceIsPrimary
	rec.DeviceChecksum = env.DeviceChecksum
}
