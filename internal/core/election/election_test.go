package election

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/zentinel/autoscale/internal/core/health"
	"github.com/zentinel/autoscale/internal/core/observability/log"
	"github.com/zentinel/autoscale/internal/core/platform"
	"github.com/zentinel/autoscale/internal/core/platform/platformtest"
	"github.com/zentinel/autoscale/internal/core/settings"
)

const primaryGroup = "sg-primary"

func seedSettings(f *platformtest.Fake) {
	f.SeedSetting(settings.KeyPrimaryScalingGroupName, primaryGroup)
	f.SeedSetting(settings.KeyElectionTimeout, "60")
	f.SeedSetting(settings.KeyHeartbeatInterval, "30")
}

func testVM(id, group, ip string) *platform.VirtualMachine {
	return &platform.VirtualMachine{
		VMID:             id,
		ScalingGroupName: group,
		PrimaryPrivateIP: ip,
		VirtualNetworkID: "vpc-1",
		SubnetID:         "subnet-1",
	}
}

func newManager(f *platformtest.Fake, budget time.Duration, atMs int64) *Manager {
	reg := settings.New(f)
	engine := health.Engine{MaxLossCount: 3, DelayAllowance: 2 * time.Second, MaxSyncRecoveryCount: 3}
	m := New(f, platformtest.NewProxy(budget), reg, engine, log.Nop())
	return m.WithClock(func() time.Time { return time.UnixMilli(atMs) }, 5*time.Millisecond)
}

func TestRun_FirstCandidateWinsAndFinalizes(t *testing.T) {
	f := platformtest.New()
	seedSettings(f)
	self := testVM("i-a", primaryGroup, "10.0.0.10")
	f.SeedVM(self)

	out, err := newManager(f, time.Minute, 0).Run(context.Background(), self)
	require.NoError(t, err)
	require.NotNil(t, out.Record)
	assert.True(t, out.IsPrimary)
	assert.Equal(t, platform.VoteDone, out.Record.VoteState)
	assert.Equal(t, "i-a", out.Record.VMID)
	assert.EqualValues(t, 60_000, out.Record.VoteEndTime)
}

func TestRun_HealthyIncumbentKept(t *testing.T) {
	f := platformtest.New()
	seedSettings(f)
	incumbent := testVM("i-a", primaryGroup, "10.0.0.10")
	f.SeedVM(incumbent)
	f.Primary = &platform.PrimaryRecord{
		ID: "rec-1", VMID: "i-a", IP: "10.0.0.10",
		ScalingGroupName: primaryGroup, VoteState: platform.VoteDone,
	}
	f.Health["i-a"] = &platform.HealthCheckRecord{
		VMID: "i-a", HeartbeatInterval: 30, NextHeartbeatTime: 30_000,
		SyncState: platform.InSync, Healthy: true,
	}

	self := testVM("i-b", primaryGroup, "10.0.0.11")
	out, err := newManager(f, time.Minute, 1_000).Run(context.Background(), self)
	require.NoError(t, err)
	assert.False(t, out.IsPrimary)
	assert.Equal(t, "i-a", out.Record.VMID)
	assert.Equal(t, "rec-1", out.Record.ID)
}

func TestRun_UnhealthyIncumbentPurgedAndReplaced(t *testing.T) {
	f := platformtest.New()
	seedSettings(f)
	incumbent := testVM("i-a", primaryGroup, "10.0.0.10")
	f.SeedVM(incumbent)
	f.Primary = &platform.PrimaryRecord{
		ID: "rec-1", VMID: "i-a", IP: "10.0.0.10",
		ScalingGroupName: primaryGroup, VoteState: platform.VoteDone,
	}
	f.Health["i-a"] = &platform.HealthCheckRecord{
		VMID: "i-a", HeartbeatInterval: 30, NextHeartbeatTime: 30_000,
		SyncState: platform.InSync, Healthy: true,
	}

	self := testVM("i-b", primaryGroup, "10.0.0.11")
	f.SeedVM(self)

	// Far past the incumbent's window.
	out, err := newManager(f, time.Minute, 500_000).Run(context.Background(), self)
	require.NoError(t, err)
	assert.True(t, out.IsPrimary)
	assert.Equal(t, "i-b", out.Record.VMID)
	assert.Equal(t, platform.VoteDone, out.Record.VoteState)

	// The dead incumbent was pushed out-of-sync and terminated.
	assert.Equal(t, platform.OutOfSync, f.Health["i-a"].SyncState)
	assert.Contains(t, f.DeletedVMs, "i-a")
}

func TestRun_ExpiredPendingVoteReplaced(t *testing.T) {
	f := platformtest.New()
	seedSettings(f)
	f.Primary = &platform.PrimaryRecord{
		ID: "rec-1", VMID: "i-gone", ScalingGroupName: primaryGroup,
		VoteEndTime: 10_000, VoteState: platform.VotePending,
	}
	self := testVM("i-b", primaryGroup, "10.0.0.11")
	f.SeedVM(self)

	out, err := newManager(f, time.Minute, 20_000).Run(context.Background(), self)
	require.NoError(t, err)
	assert.True(t, out.IsPrimary)
	assert.Equal(t, "i-b", out.Record.VMID)
}

func TestRun_NoWaitReturnsPendingVote(t *testing.T) {
	f := platformtest.New()
	seedSettings(f)
	f.SeedSetting(settings.KeyElectionNoWait, "true")
	f.Primary = &platform.PrimaryRecord{
		ID: "rec-1", VMID: "i-other", ScalingGroupName: primaryGroup,
		VoteEndTime: 60_000, VoteState: platform.VotePending,
	}
	self := testVM("i-b", primaryGroup, "10.0.0.11")

	out, err := newManager(f, time.Minute, 1_000).Run(context.Background(), self)
	require.NoError(t, err)
	assert.False(t, out.IsPrimary)
	require.NotNil(t, out.Record)
	assert.Equal(t, platform.VotePending, out.Record.VoteState)
}

func TestRun_SecondaryGroupNeverStands(t *testing.T) {
	f := platformtest.New()
	seedSettings(f)
	f.Primary = &platform.PrimaryRecord{
		ID: "rec-1", VMID: "i-a", IP: "10.0.0.10",
		ScalingGroupName: primaryGroup, VoteState: platform.VoteDone,
	}
	f.SeedVM(testVM("i-a", primaryGroup, "10.0.0.10"))
	f.Health["i-a"] = &platform.HealthCheckRecord{
		VMID: "i-a", HeartbeatInterval: 30, NextHeartbeatTime: 30_000,
		SyncState: platform.InSync, Healthy: true,
	}

	self := testVM("i-p", "sg-payg", "10.0.2.5")
	out, err := newManager(f, time.Minute, 1_000).Run(context.Background(), self)
	require.NoError(t, err)
	assert.False(t, out.IsPrimary)
	assert.Equal(t, "i-a", out.Record.VMID)
}

func TestRun_RaceExactlyOneWinner(t *testing.T) {
	f := platformtest.New()
	seedSettings(f)
	f.SeedSetting(settings.KeyElectionNoWait, "true")

	b := testVM("i-b", primaryGroup, "10.0.0.11")
	c := testVM("i-c", primaryGroup, "10.0.0.12")
	f.SeedVM(b)
	f.SeedVM(c)

	var wg sync.WaitGroup
	outcomes := make([]*Outcome, 2)
	for i, vm := range []*platform.VirtualMachine{b, c} {
		wg.Add(1)
		go func(i int, vm *platform.VirtualMachine) {
			defer wg.Done()
			out, err := newManager(f, time.Minute, 0).Run(context.Background(), vm)
			assert.NoError(t, err)
			outcomes[i] = out
		}(i, vm)
	}
	wg.Wait()

	winners := 0
	for _, out := range outcomes {
		if out.IsPrimary {
			winners++
		}
	}
	assert.Equal(t, 1, winners)
	require.NotNil(t, f.Primary)
	assert.Equal(t, platform.VoteDone, f.Primary.VoteState)
}

func TestRun_WaitTimesOut(t *testing.T) {
	f := platformtest.New()
	seedSettings(f)
	f.Primary = &platform.PrimaryRecord{
		ID: "rec-1", VMID: "i-other", ScalingGroupName: primaryGroup,
		VoteEndTime: 3_600_000, VoteState: platform.VotePending,
	}
	self := testVM("i-b", primaryGroup, "10.0.0.11")

	// Budget barely above the reserve: the waiter gets a few ms only.
	m := newManager(f, TimeReserve+30*time.Millisecond, 1_000)
	out, err := m.Run(context.Background(), self)
	require.NoError(t, err)
	assert.True(t, out.TimedOut)
}

func TestRun_WaiterAdoptsSettledVote(t *testing.T) {
	f := platformtest.New()
	seedSettings(f)
	f.Primary = &platform.PrimaryRecord{
		ID: "rec-1", VMID: "i-other", IP: "10.0.0.9",
		ScalingGroupName: primaryGroup,
		VoteEndTime:      3_600_000, VoteState: platform.VotePending,
	}
	self := testVM("i-b", primaryGroup, "10.0.0.11")

	go func() {
		time.Sleep(20 * time.Millisecond)
		done := &platform.PrimaryRecord{
			ID: "rec-1", VMID: "i-other", IP: "10.0.0.9",
			ScalingGroupName: primaryGroup,
			VoteEndTime:      3_600_000, VoteState: platform.VoteDone,
		}
		_ = f.UpdatePrimaryRecord(context.Background(), done)
	}()

	out, err := newManager(f, time.Minute, 1_000).Run(context.Background(), self)
	require.NoError(t, err)
	assert.False(t, out.IsPrimary)
	assert.Equal(t, platform.VoteDone, out.Record.VoteState)
	assert.Equal(t, "i-other", out.Record.VMID)
}

func TestFinalize_OnlyCandidateMayFinalize(t *testing.T) {
	f := platformtest.New()
	seedSettings(f)
	rec := &platform.PrimaryRecord{
		ID: "rec-1", VMID: "i-a", ScalingGroupName: primaryGroup,
		VoteEndTime: 60_000, VoteState: platform.VotePending,
	}
	f.Primary = rec

	m := newManager(f, time.Minute, 1_000)
	err := m.Finalize(context.Background(), rec, testVM("i-b", primaryGroup, "x"))
	assert.ErrorIs(t, err, platform.ErrUnauthorized)

	require.NoError(t, m.Finalize(context.Background(), rec, testVM("i-a", primaryGroup, "x")))
	assert.Equal(t, platform.VoteDone, f.Primary.VoteState)
}
