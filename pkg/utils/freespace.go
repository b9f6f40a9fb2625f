package utils

import (
	"errors"
	"fmt"
	"strconv"

	"github.com/dustin/go-humanize"
)

type FreeSpaceType int

const (
	AsPercent FreeSpaceType = iota
	AsBytes
)

// FreeSpace is a minimum free space threshold, either absolute or as a percent of the volume.
type FreeSpace struct {
	Type    FreeSpaceType
	Bytes   uint64
	Percent float32
	Raw     string
}

// DiskStatus is a point-in-time view of a filesystem.
type DiskStatus struct {
	All  uint64
	Free uint64
}

// IsLow reports whether free space is below the threshold.
func (s FreeSpace) IsLow(freeBytes uint64, freePercent float32) (bool, string) {
	switch s.Type {
	case AsPercent:
		return freePercent < s.Percent, fmt.Sprintf("disk free percent %.2f%%, threshold %.2f%%", freePercent, s.Percent)
	case AsBytes:
		return freeBytes < s.Bytes, fmt.Sprintf("disk free %s, threshold %s", humanize.IBytes(freeBytes), humanize.IBytes(s.Bytes))
	}
	return false, ""
}

// Admits reports whether writing incoming bytes keeps the disk above the threshold.
func (s FreeSpace) Admits(st DiskStatus, incoming uint64) (bool, string) {
	free := uint64(0)
	if st.Free > incoming {
		free = st.Free - incoming
	}
	var percent float32
	if st.All > 0 {
		percent = float32(free) / float32(st.All) * 100
	}
	low, reason := s.IsLow(free, percent)
	return !low, reason
}

func (s FreeSpace) String() string {
	switch s.Type {
	case AsPercent:
		return fmt.Sprintf("%.2f%%", s.Percent)
	default:
		return s.Raw
	}
}

func ParseMinFreeSpace(s string) (*FreeSpace, error) {
	if percent, err := strconv.ParseFloat(s, 32); err == nil {
		if percent < 0 || percent > 100 {
			return nil, fmt.Errorf("invalid percent value: %s", s)
		}
		return &FreeSpace{
			Type:    AsPercent,
			Percent: float32(percent),
			Raw:     s,
		}, nil
	}

	if bytes, err := humanize.ParseBytes(s); err == nil {
		if bytes <= 100 {
			return nil, fmt.Errorf("invalid byte value: %s", s)
		}
		return &FreeSpace{
			Type:  AsBytes,
			Bytes: bytes,
			Raw:   s,
		}, nil
	}

	return nil, errors.New("invalid min free space format")
}
