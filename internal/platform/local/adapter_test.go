package local

import (
	"context"
	"os"
	"path/filepath"
	"sync"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/zentinel/autoscale/internal/core/observability/log"
	"github.com/zentinel/autoscale/internal/core/platform"
)

func newAdapter(t *testing.T) *Adapter {
	t.Helper()
	cfg := Config{
		DataDir: filepath.Join(t.TempDir(), "db"),
		BlobDir: filepath.Join(t.TempDir(), "blobs"),
	}
	a, err := New(cfg, log.Nop())
	require.NoError(t, err)
	t.Cleanup(func() { _ = a.Close() })
	return a
}

func TestPrimaryRecord_ConditionalCreate(t *testing.T) {
	a := newAdapter(t)
	ctx := context.Background()

	rec1 := &platform.PrimaryRecord{ID: "id-1", VMID: "i-a", VoteState: platform.VotePending}
	require.NoError(t, a.CreatePrimaryRecord(ctx, rec1, nil))

	// A second create against "absent" loses.
	rec2 := &platform.PrimaryRecord{ID: "id-2", VMID: "i-b", VoteState: platform.VotePending}
	assert.ErrorIs(t, a.CreatePrimaryRecord(ctx, rec2, nil), platform.ErrRaceLost)

	got, err := a.PrimaryRecord(ctx)
	require.NoError(t, err)
	assert.Equal(t, "i-a", got.VMID)

	// A timeout tombstone is replaceable like absence.
	tomb := *rec1
	tomb.VoteState = platform.VoteTimeout
	require.NoError(t, a.UpdatePrimaryRecord(ctx, &tomb))
	require.NoError(t, a.CreatePrimaryRecord(ctx, rec2, nil))

	got, err = a.PrimaryRecord(ctx)
	require.NoError(t, err)
	assert.Equal(t, "i-b", got.VMID)
}

func TestPrimaryRecord_ConcurrentCreateSingleWinner(t *testing.T) {
	a := newAdapter(t)
	ctx := context.Background()

	const writers = 8
	var wg sync.WaitGroup
	wins := make(chan string, writers)
	for i := 0; i < writers; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			rec := &platform.PrimaryRecord{
				ID:        string(rune('a' + i)),
				VMID:      "i-" + string(rune('a'+i)),
				VoteState: platform.VotePending,
			}
			if err := a.CreatePrimaryRecord(ctx, rec, nil); err == nil {
				wins <- rec.VMID
			}
		}(i)
	}
	wg.Wait()
	close(wins)

	var winners []string
	for w := range wins {
		winners = append(winners, w)
	}
	require.Len(t, winners, 1)

	got, err := a.PrimaryRecord(ctx)
	require.NoError(t, err)
	assert.Equal(t, winners[0], got.VMID)
}

func TestPrimaryRecord_ConditionalDelete(t *testing.T) {
	a := newAdapter(t)
	ctx := context.Background()

	rec := &platform.PrimaryRecord{ID: "id-1", VMID: "i-a", VoteState: platform.VoteDone}
	require.NoError(t, a.CreatePrimaryRecord(ctx, rec, nil))

	stale := &platform.PrimaryRecord{ID: "id-0"}
	assert.ErrorIs(t, a.DeletePrimaryRecord(ctx, stale), platform.ErrRaceLost)

	require.NoError(t, a.DeletePrimaryRecord(ctx, rec))
	got, err := a.PrimaryRecord(ctx)
	require.NoError(t, err)
	assert.Nil(t, got)
}

func TestHealthRecord_UniqueVMID(t *testing.T) {
	a := newAdapter(t)
	ctx := context.Background()

	rec := &platform.HealthCheckRecord{VMID: "i-a", HeartbeatInterval: 30, SyncState: platform.InSync, Healthy: true}
	require.NoError(t, a.CreateHealthCheckRecord(ctx, rec))
	assert.ErrorIs(t, a.CreateHealthCheckRecord(ctx, rec), platform.ErrRaceLost)

	rec.Seq = 5
	require.NoError(t, a.UpdateHealthCheckRecord(ctx, rec))
	got, err := a.HealthCheckRecord(ctx, "i-a")
	require.NoError(t, err)
	assert.EqualValues(t, 5, got.Seq)

	require.NoError(t, a.DeleteHealthCheckRecord(ctx, "i-a"))
	got, err = a.HealthCheckRecord(ctx, "i-a")
	require.NoError(t, err)
	assert.Nil(t, got)

	assert.ErrorIs(t, a.UpdateHealthCheckRecord(ctx, rec), platform.ErrRecordNotFound)
}

func TestLicenseUsage_InsertAndReplace(t *testing.T) {
	a := newAdapter(t)
	ctx := context.Background()

	u1 := &platform.LicenseUsageRecord{VMID: "i-a", Checksum: "sum-1", ProductName: "fortigate"}
	require.NoError(t, a.InsertLicenseUsage(ctx, u1))
	assert.ErrorIs(t, a.InsertLicenseUsage(ctx, u1), platform.ErrRaceLost)

	// Replace fails against a stale snapshot of the old row.
	stale := &platform.LicenseUsageRecord{VMID: "i-a", Checksum: "sum-other", ProductName: "fortigate"}
	u2 := &platform.LicenseUsageRecord{VMID: "i-b", Checksum: "sum-1", ProductName: "fortigate"}
	assert.ErrorIs(t, a.ReplaceLicenseUsage(ctx, stale, u2), platform.ErrRaceLost)

	require.NoError(t, a.ReplaceLicenseUsage(ctx, u1, u2))
	usage, err := a.ListLicenseUsage(ctx, "fortigate")
	require.NoError(t, err)
	require.Len(t, usage, 1)
	assert.Equal(t, "i-b", usage[0].VMID)
}

func TestSettingsRoundTrip(t *testing.T) {
	a := newAdapter(t)
	ctx := context.Background()

	item := platform.SettingItem{Key: "heartbeat-interval", Value: "30", Editable: true}
	require.NoError(t, a.SetSettingItem(ctx, item))

	items, err := a.Settings(ctx)
	require.NoError(t, err)
	require.Len(t, items, 1)
	assert.Equal(t, item, items[0])
}

func TestVMInventory(t *testing.T) {
	a := newAdapter(t)
	ctx := context.Background()

	vm := &platform.VirtualMachine{VMID: "i-a", ScalingGroupName: "sg-primary", PrimaryPrivateIP: "10.0.0.10"}
	require.NoError(t, a.RegisterVM(ctx, vm))

	got, err := a.DescribeVM(ctx, platform.DescribeRequest{VMID: "i-a"})
	require.NoError(t, err)
	assert.Equal(t, vm, got)

	got, err = a.DescribeVM(ctx, platform.DescribeRequest{VMID: "i-a", ScalingGroupName: "sg-other"})
	require.NoError(t, err)
	assert.Nil(t, got)

	got, err = a.DescribeVM(ctx, platform.DescribeRequest{ScalingGroupName: "sg-primary"})
	require.NoError(t, err)
	require.NotNil(t, got)
	assert.Equal(t, "i-a", got.VMID)

	require.NoError(t, a.DeleteVM(ctx, vm))
	got, err = a.DescribeVM(ctx, platform.DescribeRequest{VMID: "i-a"})
	require.NoError(t, err)
	assert.Nil(t, got)
}

func TestLicenseBlobListing(t *testing.T) {
	a := newAdapter(t)
	ctx := context.Background()

	dir := filepath.Join(a.config.BlobDir, "assets", "licenses")
	require.NoError(t, os.MkdirAll(dir, 0o755))
	require.NoError(t, os.WriteFile(filepath.Join(dir, "f1.lic"), []byte("LICENSE f1"), 0o644))
	require.NoError(t, os.WriteFile(filepath.Join(dir, "f2.lic"), []byte("LICENSE f2"), 0o644))

	files, err := a.ListLicenseFiles(ctx, "assets", "licenses")
	require.NoError(t, err)
	require.Len(t, files, 2)
	assert.NotEqual(t, files[0].Checksum, files[1].Checksum)
	assert.Equal(t, "xxh64", files[0].Algorithm)
	assert.Empty(t, files[0].Content)

	content, err := a.LoadLicenseFileContent(ctx, "assets", "licenses/f1.lic")
	require.NoError(t, err)
	assert.Equal(t, "LICENSE f1", content)

	_, err = a.LoadLicenseFileContent(ctx, "assets", "licenses/ghost.lic")
	assert.ErrorIs(t, err, platform.ErrRecordNotFound)
}
