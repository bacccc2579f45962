package storage

import (
	"fmt"

	"golang.org/x/sys/unix"
)

const gigabyte = 1 << 30

// InfoProvider answers admission questions about local disk pressure.
type InfoProvider interface {
	HasSpaceToStore() bool
	HasSpaceToExport() bool
	AvailableBytes() (uint64, error)
}

// DiskInfoProvider reports free space for the temporary storage path against
// the configured watermark and reserve.
type DiskInfoProvider struct {
	path             string
	watermarkPercent int
	reserveBytes     uint64

	// statfs is swappable for tests
	statfs func(path string, buf *unix.Statfs_t) error
}

// NewDiskInfoProvider creates a provider for the given path.
func NewDiskInfoProvider(path string, watermarkPercent, reserveSpaceGB int) *DiskInfoProvider {
	return &DiskInfoProvider{
		path:             path,
		watermarkPercent: watermarkPercent,
		reserveBytes:     uint64(reserveSpaceGB) * gigabyte,
		statfs:           unix.Statfs,
	}
}

// AvailableBytes returns the bytes currently free on the volume.
func (p *DiskInfoProvider) AvailableBytes() (uint64, error) {
	var st unix.Statfs_t
	if err := p.statfs(p.path, &st); err != nil {
		return 0, fmt.Errorf("statfs %s: %w", p.path, err)
	}
	return st.Bavail * uint64(st.Bsize), nil
}

// usedPercent returns how full the volume is.
func (p *DiskInfoProvider) usedPercent() (float64, uint64, error) {
	var st unix.Statfs_t
	if err := p.statfs(p.path, &st); err != nil {
		return 0, 0, fmt.Errorf("statfs %s: %w", p.path, err)
	}
	total := st.Blocks * uint64(st.Bsize)
	avail := st.Bavail * uint64(st.Bsize)
	if total == 0 {
		return 100, 0, nil
	}
	used := float64(total-avail) / float64(total) * 100
	return used, avail, nil
}

// HasSpaceToStore reports whether new data may be admitted. The volume must
// be below the watermark and keep the configured reserve free.
func (p *DiskInfoProvider) HasSpaceToStore() bool {
	used, avail, err := p.usedPercent()
	if err != nil {
		// Fail closed: refusing data is recoverable, filling the disk is not.
		return false
	}
	return used < float64(p.watermarkPercent) && avail > p.reserveBytes
}

// HasSpaceToExport reports whether export downloads may proceed. Exports only
// need the reserve, not the ingest watermark.
func (p *DiskInfoProvider) HasSpaceToExport() bool {
	_, avail, err := p.usedPercent()
	if err != nil {
		return false
	}
	return avail > p.reserveBytes
}
