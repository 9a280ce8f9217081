// Package election implements the primary election state machine over the
// singleton PrimaryRecord. The record moves absent -> pending -> done,
// with timeout as a tombstone equivalent to absent. Conditional writes on
// the record serialize candidacy; there is no in-process locking.
package election

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"

	"github.com/zentinel/autoscale/internal/core/health"
	"github.com/zentinel/autoscale/internal/core/observability/log"
	"github.com/zentinel/autoscale/internal/core/platform"
	"github.com/zentinel/autoscale/internal/core/proxy"
	"github.com/zentinel/autoscale/internal/core/settings"
	"github.com/zentinel/autoscale/pkg/poll"
)

const (
	// DefaultPollInterval is how often a waiter re-reads the record.
	DefaultPollInterval = 5 * time.Second
	// TimeReserve is the execution-time floor a waiter must leave for the
	// caller's cleanup before the platform kills the handler.
	TimeReserve = 6 * time.Second
)

// Outcome is the result of one election run.
type Outcome struct {
	// Record is the latest observed primary record; nil when the run
	// ended with no record in place.
	Record *platform.PrimaryRecord
	// IsPrimary reports that the calling VM is the one named in Record.
	IsPrimary bool
	// TimedOut reports the bounded wait expired before the election
	// settled. The caller owns recovery.
	TimedOut bool
	// ShouldAbandon reports a won election whose finalization failed; the
	// record has been removed and the lifecycle hook must abandon.
	ShouldAbandon bool
}

// Manager runs elections for one request. Construct per handler
// invocation; it carries no state across requests.
type Manager struct {
	platform platform.Platform
	proxy    proxy.Proxy
	settings *settings.Registry
	engine   health.Engine
	logger   log.Log

	pollInterval time.Duration
	now          func() time.Time
}

func New(p platform.Platform, px proxy.Proxy, reg *settings.Registry, engine health.Engine, logger log.Log) *Manager {
	return &Manager{
		platform:     p,
		proxy:        px,
		settings:     reg,
		engine:       engine,
		logger:       logger,
		pollInterval: DefaultPollInterval,
		now:          time.Now,
	}
}

// WithClock overrides the time source and poll interval. Tests use it.
func (m *Manager) WithClock(now func() time.Time, pollInterval time.Duration) *Manager {
	m.now = now
	m.pollInterval = pollInterval
	return m
}

// Run drives the election runner for self: it loads the record, decides
// whether a fresh election is needed, purges a dead incumbent, places a
// candidacy through a conditional create, and either finalizes a win or
// waits out someone else's vote.
func (m *Manager) Run(ctx context.Context, self *platform.VirtualMachine) (*Outcome, error) {
	for {
		outcome, retry, err := m.attempt(ctx, self)
		if err != nil {
			return nil, err
		}
		if !retry {
			return outcome, nil
		}
	}
}

func (m *Manager) attempt(ctx context.Context, self *platform.VirtualMachine) (*Outcome, bool, error) {
	now := m.now()
	rec, err := m.platform.PrimaryRecord(ctx)
	if err != nil {
		return nil, false, fmt.Errorf("load primary record: %w", err)
	}

	primaryGroup, err := m.settings.PrimaryScalingGroupName(ctx)
	if err != nil {
		return nil, false, err
	}
	eligible := self.ScalingGroupName == primaryGroup

	needElection := false
	purgeIncumbent := false

	switch {
	case rec == nil || rec.VoteState == platform.VoteTimeout:
		needElection = true
	case rec.VoteState == platform.VotePending:
		if now.UnixMilli() > rec.VoteEndTime {
			needElection = true
			purgeIncumbent = true
		} else {
			out, err := m.wait(ctx, self, rec, eligible)
			if err != nil {
				return nil, false, err
			}
			if out == nil {
				// The pending vote expired while waiting; run again.
				return nil, true, nil
			}
			return out, false, nil
		}
	case rec.VoteState == platform.VoteDone:
		healthy, err := m.incumbentHealthy(ctx, rec, now)
		if err != nil {
			return nil, false, err
		}
		if healthy {
			return m.outcomeFor(self, rec), false, nil
		}
		needElection = true
		purgeIncumbent = true
	}

	if !eligible {
		// VMs outside the primary scaling group never stand; they adopt
		// whatever settles.
		if rec.Settled() {
			return m.outcomeFor(self, rec), false, nil
		}
		out, err := m.wait(ctx, self, rec, false)
		if err != nil {
			return nil, false, err
		}
		if out == nil {
			return nil, true, nil
		}
		return out, false, nil
	}

	if purgeIncumbent {
		if err := m.Purge(ctx, rec); err != nil {
			return nil, false, err
		}
	}

	if !needElection {
		return m.outcomeFor(self, rec), false, nil
	}

	electionTimeout, err := m.settings.ElectionTimeout(ctx)
	if err != nil {
		return nil, false, err
	}
	candidate := &platform.PrimaryRecord{
		ID:               uuid.NewString(),
		VMID:             self.VMID,
		IP:               self.PrimaryPrivateIP,
		ScalingGroupName: self.ScalingGroupName,
		VirtualNetworkID: self.VirtualNetworkID,
		SubnetID:         self.SubnetID,
		VoteEndTime:      now.Add(electionTimeout).UnixMilli(),
		VoteState:        platform.VotePending,
	}

	if err := m.platform.CreatePrimaryRecord(ctx, candidate, nil); err != nil {
		if !errors.Is(err, platform.ErrRaceLost) {
			return nil, false, fmt.Errorf("place candidacy: %w", err)
		}
		m.logger.Debug("candidacy race lost",
			log.String("vm_id", self.VMID))
		latest, lerr := m.platform.PrimaryRecord(ctx)
		if lerr != nil {
			return nil, false, lerr
		}
		if latest == nil {
			return nil, true, nil
		}
		out, werr := m.wait(ctx, self, latest, true)
		if werr != nil {
			return nil, false, werr
		}
		if out == nil {
			return nil, true, nil
		}
		return out, false, nil
	}

	m.logger.Info("election won, finalizing",
		log.String("vm_id", self.VMID),
		log.String("ip", self.PrimaryPrivateIP))

	if err := m.Finalize(ctx, candidate, self); err != nil {
		m.logger.Warn("finalize failed, removing own record",
			log.String("vm_id", self.VMID),
			log.Error(err))
		if derr := m.platform.DeletePrimaryRecord(ctx, candidate); derr != nil && !errors.Is(derr, platform.ErrRaceLost) {
			return nil, false, derr
		}
		return &Outcome{ShouldAbandon: true}, false, nil
	}
	return &Outcome{Record: candidate, IsPrimary: true}, false, nil
}

// Finalize moves a pending record to done. Only the candidate named in
// the record may finalize.
func (m *Manager) Finalize(ctx context.Context, rec *platform.PrimaryRecord, self *platform.VirtualMachine) error {
	if rec.VMID != self.VMID {
		return fmt.Errorf("%w: vm %s is not the elected candidate", platform.ErrUnauthorized, self.VMID)
	}
	if rec.VoteState == platform.VoteDone {
		return nil
	}
	done := *rec
	done.VoteState = platform.VoteDone
	if err := m.platform.UpdatePrimaryRecord(ctx, &done); err != nil {
		return fmt.Errorf("finalize primary record: %w", err)
	}
	rec.VoteState = platform.VoteDone
	return nil
}

// Purge removes the incumbent record ahead of a fresh election. A lost
// race means someone else already purged, which is success. When the
// incumbent was a settled primary, its monitor record is pushed
// out-of-sync and the VM is terminated so the scaling group replaces it.
func (m *Manager) Purge(ctx context.Context, rec *platform.PrimaryRecord) error {
	if rec == nil {
		return nil
	}
	if err := m.platform.DeletePrimaryRecord(ctx, rec); err != nil && !errors.Is(err, platform.ErrRaceLost) {
		return fmt.Errorf("purge primary record: %w", err)
	}
	if rec.VoteState != platform.VoteDone {
		return nil
	}

	if h, err := m.platform.HealthCheckRecord(ctx, rec.VMID); err == nil && h != nil && h.SyncState != platform.OutOfSync {
		h.SyncState = platform.OutOfSync
		h.Healthy = false
		if uerr := m.platform.UpdateHealthCheckRecord(ctx, h); uerr != nil {
			m.logger.Warn("failed to mark purged primary out-of-sync",
				log.String("vm_id", rec.VMID), log.Error(uerr))
		}
	}
	vm, err := m.platform.DescribeVM(ctx, platform.DescribeRequest{VMID: rec.VMID, ScalingGroupName: rec.ScalingGroupName})
	if err == nil && vm != nil {
		if derr := m.platform.DeleteVM(ctx, vm); derr != nil {
			m.logger.Warn("failed to terminate purged primary",
				log.String("vm_id", rec.VMID), log.Error(derr))
		}
	}
	m.logger.Info("purged primary record", log.String("vm_id", rec.VMID))
	return nil
}

// wait polls the record until self becomes primary, some vote settles, or
// the budget runs dry. It returns (nil, nil) when the observed pending
// vote expired, or the record was purged while an eligible VM waited, and
// the caller should re-run the election. A TimedOut
// outcome leaves recovery to the caller.
func (m *Manager) wait(ctx context.Context, self *platform.VirtualMachine, rec *platform.PrimaryRecord, eligible bool) (*Outcome, error) {
	noWait, err := m.settings.ElectionNoWait(ctx)
	if err != nil {
		return nil, err
	}
	if noWait {
		return m.outcomeFor(self, rec), nil
	}

	budget := func() time.Duration {
		return m.proxy.RemainingExecutionTime() - TimeReserve
	}

	var latest *platform.PrimaryRecord
	expired := false
	err = poll.Until(ctx, m.pollInterval, budget, func(ctx context.Context) (bool, error) {
		current, err := m.platform.PrimaryRecord(ctx)
		if err != nil {
			return false, err
		}
		latest = current
		if current == nil {
			// Someone purged. An eligible VM goes back to stand itself;
			// the rest keep waiting for the next candidacy.
			if eligible {
				expired = true
				return true, nil
			}
			return false, nil
		}
		if current.VMID == self.VMID || current.Settled() {
			return true, nil
		}
		if current.VoteState == platform.VotePending && m.now().UnixMilli() > current.VoteEndTime {
			expired = true
			return true, nil
		}
		return false, nil
	})
	if errors.Is(err, poll.ErrDeadline) {
		m.logger.Warn("election wait timed out", log.String("vm_id", self.VMID))
		return &Outcome{Record: latest, TimedOut: true}, nil
	}
	if err != nil {
		return nil, err
	}
	if expired {
		return nil, nil
	}
	return m.outcomeFor(self, latest), nil
}

func (m *Manager) incumbentHealthy(ctx context.Context, rec *platform.PrimaryRecord, now time.Time) (bool, error) {
	vm, err := m.platform.DescribeVM(ctx, platform.DescribeRequest{VMID: rec.VMID, ScalingGroupName: rec.ScalingGroupName})
	if err != nil {
		return false, err
	}
	if vm == nil {
		return false, nil
	}
	h, err := m.platform.HealthCheckRecord(ctx, rec.VMID)
	if err != nil {
		return false, err
	}
	if h == nil || !h.Healthy || h.SyncState == platform.OutOfSync {
		return false, nil
	}
	return !m.engine.Expired(h, now), nil
}

func (m *Manager) outcomeFor(self *platform.VirtualMachine, rec *platform.PrimaryRecord) *Outcome {
	return &Outcome{
		Record:    rec,
		IsPrimary: rec != nil && rec.VMID == self.VMID && rec.ScalingGroupName == self.ScalingGroupName,
	}
}
