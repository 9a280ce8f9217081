package license

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/zentinel/autoscale/internal/core/observability/log"
	"github.com/zentinel/autoscale/internal/core/platform"
	"github.com/zentinel/autoscale/internal/core/platform/platformtest"
	"github.com/zentinel/autoscale/internal/core/settings"
)

const product = "fortigate"

func newStrategy(f *platformtest.Fake) *Strategy {
	s := New(f, platformtest.NewProxy(time.Minute), settings.New(f), log.Nop())
	return s.WithClock(func() time.Time { return time.UnixMilli(1_000) }, 10*time.Millisecond)
}

func seedPool(f *platformtest.Fake, names ...string) {
	f.SeedSetting(settings.KeyAssetStorageName, "assets")
	f.SeedSetting(settings.KeyLicenseStorageKeyPrefix, "licenses")
	for _, name := range names {
		checksum := "sum-" + name
		f.Files = append(f.Files, platform.LicenseFile{
			FileName:  name,
			Checksum:  checksum,
			Algorithm: "xxh64",
		})
		f.Contents["licenses/"+name] = "LICENSE " + name
	}
}

func TestAssign_NewVMGetsUnusedLicense(t *testing.T) {
	f := platformtest.New()
	seedPool(f, "f1.lic", "f2.lic")

	file, err := newStrategy(f).Assign(context.Background(), product, "i-a")
	require.NoError(t, err)
	assert.Contains(t, file.Content, "LICENSE")

	// Stock was reconciled from the blob listing.
	assert.Len(t, f.Stock, 2)
	usage, ok := f.Usage["i-a"]
	require.True(t, ok)
	assert.Equal(t, file.Checksum, usage.Checksum)
	assert.True(t, usage.VMInSync)
}

func TestAssign_Idempotent(t *testing.T) {
	f := platformtest.New()
	seedPool(f, "f1.lic", "f2.lic")

	s := newStrategy(f)
	first, err := s.Assign(context.Background(), product, "i-a")
	require.NoError(t, err)

	second, err := newStrategy(f).Assign(context.Background(), product, "i-a")
	require.NoError(t, err)
	assert.Equal(t, first.Checksum, second.Checksum)
	assert.Equal(t, first.Content, second.Content)
	assert.Len(t, f.Usage, 1)
}

func TestAssign_RecyclesOutOfSyncHolder(t *testing.T) {
	f := platformtest.New()
	seedPool(f, "f1.lic")
	f.Stock["sum-f1.lic"] = platform.LicenseStockRecord{
		Checksum: "sum-f1.lic", FileName: "f1.lic", ProductName: product,
	}
	f.Usage["i-a"] = platform.LicenseUsageRecord{
		VMID: "i-a", Checksum: "sum-f1.lic", FileName: "f1.lic",
		VMInSync: true, ProductName: product,
	}
	f.Health["i-a"] = &platform.HealthCheckRecord{
		VMID: "i-a", SyncState: platform.OutOfSync, Healthy: false,
	}

	file, err := newStrategy(f).Assign(context.Background(), product, "i-b")
	require.NoError(t, err)
	assert.Equal(t, "sum-f1.lic", file.Checksum)

	_, stillHeld := f.Usage["i-a"]
	assert.False(t, stillHeld)
	usage, ok := f.Usage["i-b"]
	require.True(t, ok)
	assert.Equal(t, "sum-f1.lic", usage.Checksum)
}

func TestAssign_ExhaustedWhenAllHoldersInSync(t *testing.T) {
	f := platformtest.New()
	seedPool(f, "f1.lic")
	f.Stock["sum-f1.lic"] = platform.LicenseStockRecord{
		Checksum: "sum-f1.lic", FileName: "f1.lic", ProductName: product,
	}
	f.Usage["i-a"] = platform.LicenseUsageRecord{
		VMID: "i-a", Checksum: "sum-f1.lic", ProductName: product,
	}
	f.Health["i-a"] = &platform.HealthCheckRecord{
		VMID: "i-a", SyncState: platform.InSync, Healthy: true,
	}

	_, err := newStrategy(f).Assign(context.Background(), product, "i-b")
	assert.ErrorIs(t, err, platform.ErrLicenseExhausted)
}

func TestAssign_StockDropsVanishedFiles(t *testing.T) {
	f := platformtest.New()
	seedPool(f, "f1.lic")
	// A stale stock row for a blob that no longer exists.
	f.Stock["sum-gone"] = platform.LicenseStockRecord{
		Checksum: "sum-gone", FileName: "gone.lic", ProductName: product,
	}

	_, err := newStrategy(f).Assign(context.Background(), product, "i-a")
	require.NoError(t, err)

	_, stale := f.Stock["sum-gone"]
	assert.False(t, stale)
	_, fresh := f.Stock["sum-f1.lic"]
	assert.True(t, fresh)
}

func TestAssign_RaceRetriesThenWins(t *testing.T) {
	f := platformtest.New()
	seedPool(f, "f1.lic", "f2.lic")
	// First insert loses the race; the retry relists and succeeds.
	f.SetErr("InsertLicenseUsage", platform.ErrRaceLost)

	s := newStrategy(f)
	done := make(chan struct{})
	go func() {
		time.Sleep(5 * time.Millisecond)
		f.SetErr("InsertLicenseUsage", nil)
		close(done)
	}()

	file, err := s.Assign(context.Background(), product, "i-a")
	<-done
	require.NoError(t, err)
	assert.NotEmpty(t, file.Content)
}

func TestAssign_MissingStorageSettingFails(t *testing.T) {
	f := platformtest.New()

	_, err := newStrategy(f).Assign(context.Background(), product, "i-a")
	assert.ErrorIs(t, err, platform.ErrConfigurationMissing)
}
