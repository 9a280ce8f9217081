package local

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"strconv"

	"github.com/cespare/xxhash/v2"

	"github.com/zentinel/autoscale/internal/core/platform"
)

// checksumAlgorithm names the hash used for blob identity.
const checksumAlgorithm = "xxh64"

// ListLicenseFiles walks container/dir under the blob root and returns
// one entry per regular file, keyed by its content hash. Content is left
// empty; LoadLicenseFileContent fetches it lazily.
func (a *Adapter) ListLicenseFiles(_ context.Context, container, dir string) ([]platform.LicenseFile, error) {
	root := filepath.Join(a.config.BlobDir, container, dir)
	entries, err := os.ReadDir(root)
	if err != nil {
		if os.IsNotExist(err) {
			return nil, nil
		}
		return nil, fmt.Errorf("%w: list blobs %s: %v", platform.ErrTransientIO, root, err)
	}

	var files []platform.LicenseFile
	for _, entry := range entries {
		if entry.IsDir() {
			continue
		}
		data, err := os.ReadFile(filepath.Join(root, entry.Name()))
		if err != nil {
			return nil, fmt.Errorf("%w: read blob %s: %v", platform.ErrTransientIO, entry.Name(), err)
		}
		files = append(files, platform.LicenseFile{
			FileName:  entry.Name(),
			Checksum:  strconv.FormatUint(xxhash.Sum64(data), 16),
			Algorithm: checksumAlgorithm,
		})
	}
	return files, nil
}

func (a *Adapter) LoadLicenseFileContent(_ context.Context, container, path string) (string, error) {
	full := filepath.Join(a.config.BlobDir, container, filepath.Clean("/"+path))
	data, err := os.ReadFile(full)
	if err != nil {
		if os.IsNotExist(err) {
			return "", fmt.Errorf("%w: blob %s", platform.ErrRecordNotFound, path)
		}
		return "", fmt.Errorf("%w: read blob %s: %v", platform.ErrTransientIO, path, err)
	}
	return string(data), nil
}
