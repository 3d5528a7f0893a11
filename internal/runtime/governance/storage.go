package governance

import (
	"context"
	"os"
)

// DiskStorage estimates usage of the filesystem holding Dir. When
// QuotaBytes is set, usage is measured against it instead of the
// filesystem size.
type DiskStorage struct {
	Dir        string
	QuotaBytes uint64
}

func NewDiskStorage(dir string, quotaBytes uint64) *DiskStorage {
	return &DiskStorage{Dir: dir, QuotaBytes: quotaBytes}
}

func (d *DiskStorage) Estimate(ctx context.Context) (Estimate, error) {
	if err := ctx.Err(); err != nil {
		return Estimate{}, err
	}
	total, free, err := statfs(d.Dir)
	if err != nil {
		return Estimate{}, err
	}
	est := Estimate{Quota: total, Usage: total - free}
	if d.QuotaBytes > 0 {
		est.Quota = d.QuotaBytes
	}
	if est.Quota > 0 {
		est.Percent = float64(est.Usage) * 100 / float64(est.Quota)
	}
	return est, nil
}

// Persist makes sure Dir exists so state written there survives restarts.
func (d *DiskStorage) Persist(ctx context.Context) (bool, error) {
	if err := ctx.Err(); err != nil {
		return false, err
	}
	if err := os.MkdirAll(d.Dir, 0o750); err != nil {
		return false, err
	}
	return true, nil
}
