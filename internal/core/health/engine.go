// Package health classifies heartbeat arrivals against the expected time
// window and maintains the per-VM monitor record. The engine is pure: it
// takes the current record and the arrival time and returns the updated
// record with a classification tag.
package health

import (
	"context"
	"time"

	"github.com/zentinel/autoscale/internal/core/platform"
	"github.com/zentinel/autoscale/internal/core/settings"
)

// Result tags one heartbeat classification.
type Result uint8

const (
	ResultOnTime Result = iota
	ResultLate
	ResultTooLate
	ResultDropped
	ResultRecovering
	ResultRecovered
	// ResultOutOfSync marks an arrival from a VM already out of sync that
	// did not qualify for recovery. The record is returned untouched.
	ResultOutOfSync
)

func (r Result) String() string {
	switch r {
	case ResultOnTime:
		return "on-time"
	case ResultLate:
		return "late"
	case ResultTooLate:
		return "too-late"
	case ResultDropped:
		return "dropped"
	case ResultRecovering:
		return "recovering"
	case ResultRecovered:
		return "recovered"
	case ResultOutOfSync:
		return "out-of-sync"
	default:
		return "unknown"
	}
}

// Accepted reports whether the heartbeat counted as received: on time,
// late within the allowance, or on the recovery ladder. Too-late and
// dropped beats are not accepted.
func (r Result) Accepted() bool {
	switch r {
	case ResultOnTime, ResultLate, ResultRecovering, ResultRecovered:
		return true
	default:
		return false
	}
}

// Engine holds the classification thresholds, all sourced from settings.
type Engine struct {
	MaxLossCount         int
	DelayAllowance       time.Duration
	MaxSyncRecoveryCount int
}

// NewRecord builds the monitor record inserted on a VM's first accepted
// heartbeat. The first beat counts, so Seq starts at 1.
func NewRecord(vm *platform.VirtualMachine, interval int, primaryIP string, now time.Time) *platform.HealthCheckRecord {
	return &platform.HealthCheckRecord{
		VMID:              vm.VMID,
		ScalingGroupName:  vm.ScalingGroupName,
		IP:                vm.PrimaryPrivateIP,
		PrimaryIP:         primaryIP,
		HeartbeatInterval: interval,
		NextHeartbeatTime: now.UnixMilli() + int64(interval)*1000,
		SyncState:         platform.InSync,
		Seq:               1,
		Healthy:           true,
		UpToDate:          true,
	}
}

// Classify evaluates a heartbeat that arrived at now against rec. The
// input record is not mutated; the returned copy carries the update to
// persist. A record already out of sync absorbs late arrivals unchanged;
// only an on-time beat climbs the recovery ladder back to in-sync.
func (e Engine) Classify(rec *platform.HealthCheckRecord, now time.Time) (Result, *platform.HealthCheckRecord) {
	updated := *rec
	nowMs := now.UnixMilli()
	actualDelay := nowMs - rec.NextHeartbeatTime
	intervalMs := int64(rec.HeartbeatInterval) * 1000

	if rec.SyncState == platform.OutOfSync {
		if actualDelay > 0 {
			if rec.SyncRecoveryCount > 0 {
				// A late beat breaks the consecutive on-time ladder.
				updated.SyncRecoveryCount = 0
				return ResultOutOfSync, &updated
			}
			return ResultOutOfSync, rec
		}
		updated.SyncRecoveryCount++
		updated.Seq++
		updated.NextHeartbeatTime = nowMs + intervalMs
		if updated.SyncRecoveryCount >= e.MaxSyncRecoveryCount {
			updated.SyncState = platform.InSync
			updated.SyncRecoveryCount = 0
			updated.HeartbeatLossCount = 0
			updated.Healthy = true
			return ResultRecovered, &updated
		}
		return ResultRecovering, &updated
	}

	switch {
	case actualDelay <= 0:
		updated.HeartbeatLossCount = 0
		updated.Seq++
		updated.NextHeartbeatTime = nowMs + intervalMs
		return ResultOnTime, &updated
	case actualDelay <= e.DelayAllowance.Milliseconds():
		updated.HeartbeatLossCount = 0
		updated.Seq++
		updated.NextHeartbeatTime = nowMs + intervalMs
		return ResultLate, &updated
	case rec.HeartbeatLossCount+1 < e.MaxLossCount:
		updated.HeartbeatLossCount++
		updated.Seq++
		updated.NextHeartbeatTime = rec.NextHeartbeatTime + intervalMs
		return ResultTooLate, &updated
	default:
		updated.HeartbeatLossCount++
		updated.Healthy = false
		updated.SyncState = platform.OutOfSync
		return ResultDropped, &updated
	}
}

// Expired reports whether rec missed its window entirely as of now, with
// the allowance applied. Used by election to judge an incumbent that has
// stopped reporting.
func (e Engine) Expired(rec *platform.HealthCheckRecord, now time.Time) bool {
	if rec == nil {
		return true
	}
	return now.UnixMilli() > rec.NextHeartbeatTime+e.DelayAllowance.Milliseconds()
}

// EngineFromSettings builds the engine with thresholds from the
// deployment settings.
func EngineFromSettings(ctx context.Context, reg *settings.Registry) (Engine, error) {
	lossCount, err := reg.HeartbeatLossCount(ctx)
	if err != nil {
		return Engine{}, err
	}
	allowance, err := reg.HeartbeatDelayAllowance(ctx)
	if err != nil {
		return Engine{}, err
	}
	recovery, err := reg.SyncRecoveryCount(ctx)
	if err != nil {
		return Engine{}, err
	}
	return Engine{
		MaxLossCount:         lossCount,
		DelayAllowance:       allowance,
		MaxSyncRecoveryCount: recovery,
	}, nil
}
