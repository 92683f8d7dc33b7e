package disk

import "fmt"

// DiskTooSmallError is returned by the layout planners when the target disk
// cannot hold the fixed partitions plus the per-layout minimums. It is always
// returned before anything is written to the disk.
type DiskTooSmallError struct {
	RequiredMiB  uint64
	AvailableMiB uint64
}

func (e *DiskTooSmallError) Error() string {
	return fmt.Sprintf("disk too small: %d MiB available, %d MiB required", e.AvailableMiB, e.RequiredMiB)
}

// InvalidSpecError is returned when a layout request or a custom partition
// spec is internally inconsistent (duplicate mount points, more than one
// remainder entry, reserved mount points, ...). Like DiskTooSmallError it is
// returned before any disk mutation.
type InvalidSpecError struct {
	Reason string
}

func (e *InvalidSpecError) Error() string {
	return "invalid layout spec: " + e.Reason
}

// ValidationError reports a cross-artifact consistency violation, e.g. two
// layout elements claiming the same mount point or a crypttab mapper name
// missing from a generated hook script.
type ValidationError struct {
	Reason string
}

func (e *ValidationError) Error() string {
	return "validation failed: " + e.Reason
}
