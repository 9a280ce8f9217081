// Package license reconciles the license blob inventory with the stock
// and usage tables and assigns one reusable license file per VM. The
// usage table's conditional inserts are the only serialization point.
package license

import (
	"context"
	"errors"
	"fmt"
	"time"

	"golang.org/x/sync/errgroup"

	"github.com/zentinel/autoscale/internal/core/observability/log"
	"github.com/zentinel/autoscale/internal/core/platform"
	"github.com/zentinel/autoscale/internal/core/proxy"
	"github.com/zentinel/autoscale/internal/core/settings"
)

const (
	// maxAssignAttempts caps usage-write races; the remaining-time budget
	// is the primary bound.
	maxAssignAttempts = 3
	raceBackoff       = 2 * time.Second
	timeReserve       = 6 * time.Second
)

// Strategy assigns licenses for one request.
type Strategy struct {
	platform platform.Platform
	proxy    proxy.Proxy
	settings *settings.Registry
	logger   log.Log

	backoff time.Duration
	now     func() time.Time
}

func New(p platform.Platform, px proxy.Proxy, reg *settings.Registry, logger log.Log) *Strategy {
	return &Strategy{
		platform: p,
		proxy:    px,
		settings: reg,
		logger:   logger,
		backoff:  raceBackoff,
		now:      time.Now,
	}
}

// WithClock overrides the time source and race backoff. Tests use it.
func (s *Strategy) WithClock(now func() time.Time, backoff time.Duration) *Strategy {
	s.now = now
	s.backoff = backoff
	return s
}

// Assign returns the license file content for vmID, reusing an existing
// assignment, handing out an unused license, or recycling one whose
// holder fell out of sync. It fails with ErrLicenseExhausted when no
// license is unused and no holder is out of sync.
func (s *Strategy) Assign(ctx context.Context, productName, vmID string) (*platform.LicenseFile, error) {
	container, err := s.settings.AssetStorageName(ctx)
	if err != nil {
		return nil, err
	}
	dir, err := s.settings.LicenseStorageKeyPrefix(ctx)
	if err != nil {
		return nil, err
	}

	var (
		files []platform.LicenseFile
		stock []platform.LicenseStockRecord
		usage []platform.LicenseUsageRecord
	)
	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() (err error) {
		files, err = s.platform.ListLicenseFiles(gctx, container, dir)
		return err
	})
	g.Go(func() (err error) {
		stock, err = s.platform.ListLicenseStock(gctx, productName)
		return err
	})
	g.Go(func() (err error) {
		usage, err = s.platform.ListLicenseUsage(gctx, productName)
		return err
	})
	if err := g.Wait(); err != nil {
		return nil, fmt.Errorf("list license inventory: %w", err)
	}

	stockByChecksum, err := s.reconcileStock(ctx, productName, files, stock)
	if err != nil {
		return nil, err
	}
	fileByChecksum := make(map[string]platform.LicenseFile, len(files))
	for _, f := range files {
		fileByChecksum[f.Checksum] = f
	}

	for attempt := 0; ; attempt++ {
		// Idempotent re-request: the VM already holds a license.
		for _, u := range usage {
			if u.VMID == vmID {
				return s.loadFile(ctx, container, dir, fileByChecksum, stockByChecksum, u.Checksum)
			}
		}

		rec, old, err := s.selectLicense(ctx, productName, vmID, stockByChecksum, usage)
		if err != nil {
			return nil, err
		}

		var werr error
		if old == nil {
			werr = s.platform.InsertLicenseUsage(ctx, rec)
		} else {
			werr = s.platform.ReplaceLicenseUsage(ctx, old, rec)
		}
		if werr == nil {
			s.logger.Info("license assigned",
				log.String("vm_id", vmID),
				log.String("checksum", rec.Checksum),
				log.Bool("recycled", old != nil))
			return s.loadFile(ctx, container, dir, fileByChecksum, stockByChecksum, rec.Checksum)
		}
		if !errors.Is(werr, platform.ErrRaceLost) {
			return nil, fmt.Errorf("write license usage: %w", werr)
		}

		if attempt+1 >= maxAssignAttempts || s.proxy.RemainingExecutionTime() < timeReserve+s.backoff {
			return nil, fmt.Errorf("%w: usage table contention for vm %s", platform.ErrTransientIO, vmID)
		}
		s.logger.Debug("license usage race lost, retrying",
			log.String("vm_id", vmID), log.Int("attempt", attempt+1))
		select {
		case <-ctx.Done():
			return nil, ctx.Err()
		case <-time.After(s.backoff):
		}
		usage, err = s.platform.ListLicenseUsage(ctx, productName)
		if err != nil {
			return nil, err
		}
	}
}

// reconcileStock folds the blob listing into the stock table: new files
// are added, vanished files removed. Returns the post-reconciliation
// stock view.
func (s *Strategy) reconcileStock(ctx context.Context, productName string, files []platform.LicenseFile, stock []platform.LicenseStockRecord) (map[string]platform.LicenseStockRecord, error) {
	inFiles := make(map[string]platform.LicenseFile, len(files))
	for _, f := range files {
		inFiles[f.Checksum] = f
	}
	inStock := make(map[string]platform.LicenseStockRecord, len(stock))
	for _, rec := range stock {
		inStock[rec.Checksum] = rec
	}

	var add, remove []platform.LicenseStockRecord
	for checksum, f := range inFiles {
		if _, ok := inStock[checksum]; !ok {
			add = append(add, platform.LicenseStockRecord{
				Checksum:    checksum,
				FileName:    f.FileName,
				Algorithm:   f.Algorithm,
				ProductName: productName,
			})
		}
	}
	for checksum, rec := range inStock {
		if _, ok := inFiles[checksum]; !ok {
			remove = append(remove, rec)
			delete(inStock, checksum)
		}
	}
	if len(add) > 0 || len(remove) > 0 {
		if err := s.platform.UpdateLicenseStock(ctx, add, remove); err != nil {
			return nil, fmt.Errorf("reconcile license stock: %w", err)
		}
		for _, rec := range add {
			inStock[rec.Checksum] = rec
		}
		s.logger.Info("license stock reconciled",
			log.Int("added", len(add)), log.Int("removed", len(remove)))
	}
	return inStock, nil
}

// selectLicense picks an unused license first, then recycles the first
// holder that fell out of sync. old is non-nil for a recycle.
func (s *Strategy) selectLicense(ctx context.Context, productName, vmID string, stock map[string]platform.LicenseStockRecord, usage []platform.LicenseUsageRecord) (rec, old *platform.LicenseUsageRecord, err error) {
	used := make(map[string]bool, len(usage))
	for _, u := range usage {
		used[u.Checksum] = true
	}
	for checksum, stockRec := range stock {
		if !used[checksum] {
			return s.newUsage(productName, vmID, stockRec), nil, nil
		}
	}

	// No unused license: refresh the holders' in-sync flags from the
	// monitor and recycle the first stale assignment.
	refreshed := make([]platform.LicenseUsageRecord, 0, len(usage))
	for _, u := range usage {
		h, herr := s.platform.HealthCheckRecord(ctx, u.VMID)
		if herr != nil {
			return nil, nil, herr
		}
		u.VMInSync = h != nil && h.SyncState == platform.InSync
		refreshed = append(refreshed, u)
	}
	if err := s.platform.UpdateLicenseUsage(ctx, refreshed); err != nil {
		return nil, nil, fmt.Errorf("refresh license usage: %w", err)
	}
	for _, u := range refreshed {
		stockRec, ok := stock[u.Checksum]
		if !ok {
			// Orphaned usage referencing vanished stock is recyclable
			// but has no file to hand out; skip it.
			continue
		}
		if !u.VMInSync {
			prev := u
			return s.newUsage(productName, vmID, stockRec), &prev, nil
		}
	}
	return nil, nil, platform.ErrLicenseExhausted
}

func (s *Strategy) newUsage(productName, vmID string, stockRec platform.LicenseStockRecord) *platform.LicenseUsageRecord {
	return &platform.LicenseUsageRecord{
		VMID:        vmID,
		Checksum:    stockRec.Checksum,
		FileName:    stockRec.FileName,
		VMInSync:    true,
		ProductName: productName,
		AssignedAt:  s.now().UnixMilli(),
	}
}

func (s *Strategy) loadFile(ctx context.Context, container, dir string, files map[string]platform.LicenseFile, stock map[string]platform.LicenseStockRecord, checksum string) (*platform.LicenseFile, error) {
	file, ok := files[checksum]
	if !ok {
		if rec, inStock := stock[checksum]; inStock {
			file = platform.LicenseFile{FileName: rec.FileName, Checksum: rec.Checksum, Algorithm: rec.Algorithm}
		} else {
			return nil, fmt.Errorf("%w: license file %s", platform.ErrRecordNotFound, checksum)
		}
	}
	if file.Content == "" {
		path := file.FileName
		if dir != "" {
			path = dir + "/" + file.FileName
		}
		content, err := s.platform.LoadLicenseFileContent(ctx, container, path)
		if err != nil {
			return nil, fmt.Errorf("load license content: %w", err)
		}
		file.Content = content
	}
	return &file, nil
}
