package disk

import (
	"fmt"
	"sort"
	"strings"
)

// GPT partition type GUIDs
const (
	EFISystemPartitionGUID = "C12A7328-F81F-11D2-BA4B-00A0C93EC93B"
	BIOSBootPartitionGUID  = "21686148-6449-6E6F-744E-656564454649"
	SwapPartitionGUID      = "0657FD6D-A4AB-43C4-84E5-0933C84B4F4F"
	RootPartitionGUID      = "4F68BCE3-E8CD-4DB1-96E7-FBCAF984B709"
	UsrPartitionGUID       = "8484680C-9521-48C6-9C11-B0720656F69E"
	VarPartitionGUID       = "4D21B016-B534-45C2-A9FB-5C16E091FD2D"
	HomePartitionGUID      = "933AC7E1-2EB4-4F13-B844-0E14E2AEF915"
	FilesystemDataGUID     = "0FC63DAF-8483-4772-8E79-3D69D8477DE4"
)

// Sizing constants, all in MiB.
const (
	efiSize      = 512
	bootSize     = 2048
	biosBootSize = 650

	// Alignment granularity for computed partition boundaries.
	alignment = 4

	swapMin = 4096
	swapMax = 20480

	rootMin = 20480
	usrMin  = 20480
	varMin  = 8192
)

// Weight ratios for splitting the capacity left after the fixed partitions
// across root, usr and var. Home absorbs the remainder.
const (
	rootRatio = 0.06441
	usrRatio  = 0.26838
	varRatio  = 0.05368
)

// LayoutKind selects one of the built-in partition layouts.
type LayoutKind string

const (
	// LayoutStandard is the 7-partition layout: EFI, boot, swap, root,
	// usr, var and home, with home absorbing the remainder.
	LayoutStandard LayoutKind = "standard"
	// LayoutMinimal is EFI, swap and a root partition over the rest.
	LayoutMinimal LayoutKind = "minimal"
	// LayoutCryptoSubvolume is EFI, a BIOS boot partition and one LUKS
	// container over the rest, carrying a btrfs volume with subvolumes.
	LayoutCryptoSubvolume LayoutKind = "crypto-subvolume"
	// LayoutCustom uses the user-supplied partition list after the fixed
	// system partitions.
	LayoutCustom LayoutKind = "custom"
)

// CustomPartition is one user-supplied entry for the custom layout kind.
type CustomPartition struct {
	Mountpoint string
	// SizeMiB of 0 marks the remainder entry.
	SizeMiB uint64
	// Label is derived from the mount point's trailing path segment when
	// empty.
	Label string
	// Filesystem overrides the request-wide filesystem type when set.
	Filesystem string
}

// Request holds the immutable inputs of a layout computation.
type Request struct {
	DiskMiB uint64
	RAMMiB  uint64
	Kind    LayoutKind
	// Filesystem for data partitions, e.g. "ext4" or "xfs". Defaults to
	// ext4. The crypto-subvolume kind always uses btrfs for the container
	// payload.
	Filesystem string
	// Encrypt wraps every data partition in a LUKS container. Implied by
	// the crypto-subvolume kind.
	Encrypt bool
	// EncryptBoot puts the boot partition in a LUKS1 container so GRUB can
	// unlock it. Only valid with the crypto-subvolume kind.
	EncryptBoot bool
	NoSwap      bool
	Custom      []CustomPartition
}

// layoutPlanner computes a partition table for one layout kind. One
// implementation per kind; dispatch never falls through to a default.
type layoutPlanner interface {
	plan(req *Request) (*PartitionTable, error)
}

var planners = map[LayoutKind]layoutPlanner{
	LayoutStandard:        standardPlanner{},
	LayoutMinimal:         minimalPlanner{},
	LayoutCryptoSubvolume: cryptoSubvolumePlanner{},
	LayoutCustom:          customPlanner{},
}

// Compute derives the partition table for the given request. It is a pure
// function: it performs no I/O, generates no identifiers and returns
// byte-identical output for identical input. All errors are returned before
// anything touches a disk.
func Compute(req *Request) (*PartitionTable, error) {
	planner, ok := planners[req.Kind]
	if !ok {
		return nil, &InvalidSpecError{Reason: fmt.Sprintf("unknown layout kind %q", req.Kind)}
	}
	if req.EncryptBoot && req.Kind != LayoutCryptoSubvolume {
		return nil, &InvalidSpecError{Reason: "encrypted boot requires the crypto-subvolume layout"}
	}
	pt, err := planner.plan(req)
	if err != nil {
		return nil, err
	}
	if err := pt.Validate(); err != nil {
		return nil, err
	}
	return pt, nil
}

func floorAlign(value, align uint64) uint64 {
	return value / align * align
}

func clamp(value, min, max uint64) uint64 {
	if value < min {
		return min
	}
	if value > max {
		return max
	}
	return value
}

// SwapSizeMiB returns the swap partition size for the given amount of RAM:
// twice the RAM, clamped and floor-aligned.
func SwapSizeMiB(ramMiB uint64) uint64 {
	return floorAlign(clamp(2*ramMiB, swapMin, swapMax), alignment)
}

func (req *Request) filesystem() string {
	if req.Filesystem == "" {
		return "ext4"
	}
	return req.Filesystem
}

// passNoFor implements the fsck pass policy: root is checked first, other
// checkable filesystems second, everything else is skipped.
func passNoFor(fsType, mountpoint string) uint64 {
	switch fsType {
	case "btrfs", "swap":
		return 0
	}
	if mountpoint == "/" {
		return 1
	}
	return 2
}

func efiPartition(number uint64) Partition {
	return Partition{
		Number:  number,
		Label:   "EFI",
		SizeMiB: efiSize,
		Type:    EFISystemPartitionGUID,
		Payload: &Filesystem{
			Type:         "vfat",
			Label:        "EFI",
			Mountpoint:   "/boot/efi",
			FSTabOptions: "umask=0077",
			FSTabPassNo:  2,
		},
	}
}

func bootPartition(number, sizeMiB uint64, fsType string) Partition {
	return Partition{
		Number:   number,
		Label:    "BOOT",
		SizeMiB:  sizeMiB,
		Type:     FilesystemDataGUID,
		Bootable: true,
		Payload: &Filesystem{
			Type:         fsType,
			Label:        "BOOT",
			Mountpoint:   "/boot",
			FSTabOptions: "defaults",
			FSTabPassNo:  passNoFor(fsType, "/boot"),
		},
	}
}

func swapPartition(number, sizeMiB uint64) Partition {
	return Partition{
		Number:  number,
		Label:   "SWAP",
		SizeMiB: sizeMiB,
		Type:    SwapPartitionGUID,
		Payload: &Swap{Label: "SWAP"},
	}
}

func dataPartition(number uint64, label string, sizeMiB uint64, typeGUID, mountpoint string, req *Request) Partition {
	fsType := req.filesystem()
	var payload Entity = &Filesystem{
		Type:         fsType,
		Label:        label,
		Mountpoint:   mountpoint,
		FSTabOptions: "defaults",
		FSTabPassNo:  passNoFor(fsType, mountpoint),
	}
	if req.Encrypt {
		payload = &LUKSContainer{
			Label:   titleCase(label),
			Cipher:  "aes-xts-plain64",
			Payload: payload,
		}
	}
	return Partition{
		Number:  number,
		Label:   label,
		SizeMiB: sizeMiB,
		Type:    typeGUID,
		Payload: payload,
	}
}

// titleCase turns a partition label into the volume name used for mapper
// identities: "ROOT" becomes "Root". Done exactly once, at plan time; every
// later consumer copies the resulting name verbatim.
func titleCase(s string) string {
	if s == "" {
		return s
	}
	lower := strings.ToLower(s)
	return strings.ToUpper(lower[:1]) + lower[1:]
}

type standardPlanner struct{}

func (standardPlanner) plan(req *Request) (*PartitionTable, error) {
	swapMiB := uint64(0)
	if !req.NoSwap {
		swapMiB = SwapSizeMiB(req.RAMMiB)
	}
	reserved := uint64(efiSize+bootSize) + swapMiB

	minTotal := reserved + rootMin + usrMin + varMin + 1
	if req.DiskMiB < minTotal {
		return nil, &DiskTooSmallError{RequiredMiB: minTotal, AvailableMiB: req.DiskMiB}
	}
	remain := req.DiskMiB - reserved

	rootMiB := uint64(float64(remain) * rootRatio)
	usrMiB := uint64(float64(remain) * usrRatio)
	varMiB := uint64(float64(remain) * varRatio)

	if rootMiB < rootMin {
		rootMiB = rootMin
	}
	if usrMiB < usrMin {
		usrMiB = usrMin
	}
	if varMiB < varMin {
		varMiB = varMin
	}

	rootMiB = floorAlign(rootMiB, alignment)
	usrMiB = floorAlign(usrMiB, alignment)
	varMiB = floorAlign(varMiB, alignment)

	// If the minimums pushed the fixed allocations past the disk size,
	// shrink in a fixed order: usr, then root, then var, each no further
	// than its minimum.
	if reserved+rootMiB+usrMiB+varMiB >= req.DiskMiB {
		deficit := reserved + rootMiB + usrMiB + varMiB - req.DiskMiB + 1
		for _, shrink := range []struct {
			size *uint64
			min  uint64
		}{
			{&usrMiB, usrMin},
			{&rootMiB, rootMin},
			{&varMiB, varMin},
		} {
			if deficit == 0 {
				break
			}
			reducible := *shrink.size - shrink.min
			if reducible == 0 {
				continue
			}
			take := deficit
			if take > reducible {
				take = reducible
			}
			*shrink.size = floorAlign(*shrink.size-take, alignment)
			deficit -= take
		}
		if deficit > 0 {
			return nil, &DiskTooSmallError{RequiredMiB: req.DiskMiB + deficit, AvailableMiB: req.DiskMiB}
		}
	}

	homeMiB := req.DiskMiB - reserved - rootMiB - usrMiB - varMiB

	partitions := []Partition{
		efiPartition(1),
		bootPartition(2, bootSize, req.filesystem()),
	}
	if !req.NoSwap {
		partitions = append(partitions, swapPartition(uint64(len(partitions))+1, swapMiB))
	}
	n := uint64(len(partitions))
	partitions = append(partitions,
		dataPartition(n+1, "ROOT", rootMiB, RootPartitionGUID, "/", req),
		dataPartition(n+2, "USR", usrMiB, UsrPartitionGUID, "/usr", req),
		dataPartition(n+3, "VAR", varMiB, VarPartitionGUID, "/var", req),
		dataPartition(n+4, "HOME", homeMiB, HomePartitionGUID, "/home", req),
	)

	return &PartitionTable{
		SizeMiB:    req.DiskMiB,
		SectorSize: 512,
		Partitions: partitions,
	}, nil
}

type minimalPlanner struct{}

func (minimalPlanner) plan(req *Request) (*PartitionTable, error) {
	swapMiB := uint64(0)
	if !req.NoSwap {
		swapMiB = SwapSizeMiB(req.RAMMiB)
	}

	minTotal := uint64(efiSize) + swapMiB + rootMin
	if req.DiskMiB < minTotal {
		return nil, &DiskTooSmallError{RequiredMiB: minTotal, AvailableMiB: req.DiskMiB}
	}

	partitions := []Partition{efiPartition(1)}
	if !req.NoSwap {
		partitions = append(partitions, swapPartition(2, swapMiB))
	}
	rootMiB := req.DiskMiB - efiSize - swapMiB
	partitions = append(partitions,
		dataPartition(uint64(len(partitions))+1, "ROOT", rootMiB, RootPartitionGUID, "/", req))

	return &PartitionTable{
		SizeMiB:    req.DiskMiB,
		SectorSize: 512,
		Partitions: partitions,
	}, nil
}

type cryptoSubvolumePlanner struct{}

func (cryptoSubvolumePlanner) plan(req *Request) (*PartitionTable, error) {
	minTotal := uint64(efiSize + biosBootSize + rootMin)
	if req.DiskMiB < minTotal {
		return nil, &DiskTooSmallError{RequiredMiB: minTotal, AvailableMiB: req.DiskMiB}
	}

	luksMiB := req.DiskMiB - efiSize - biosBootSize

	// The physical boot partition owns /boot, so the subvolume set stays
	// clear of it. Any element pair sharing a mount point is rejected at
	// validation time instead of being resolved by mount order.
	btrfs := &Btrfs{
		Label: "Root",
		Subvolumes: []BtrfsSubvolume{
			{Name: "@", Mountpoint: "/", Compress: "zstd"},
			{Name: "@usr", Mountpoint: "/usr", Compress: "zstd"},
			{Name: "@var", Mountpoint: "/var", Compress: "zstd"},
			{Name: "@home", Mountpoint: "/home", Compress: "zstd"},
		},
	}

	boot := bootPartition(2, biosBootSize, req.filesystem())
	if req.EncryptBoot {
		// GRUB's cryptodisk reads LUKS1 only, so the boot container stays
		// on version 1 with its built-in pbkdf2
		boot.Payload = &LUKSContainer{
			Label:   "Boot",
			Cipher:  "aes-xts-plain64",
			Version: 1,
			Payload: boot.Payload,
		}
	}

	partitions := []Partition{
		efiPartition(1),
		boot,
		{
			Number:  3,
			Label:   "ROOT",
			SizeMiB: luksMiB,
			Type:    FilesystemDataGUID,
			Payload: &LUKSContainer{
				Label:   "Root",
				Cipher:  "aes-xts-plain64",
				Payload: btrfs,
			},
		},
	}

	return &PartitionTable{
		SizeMiB:    req.DiskMiB,
		SectorSize: 512,
		Partitions: partitions,
	}, nil
}

type customPlanner struct{}

// Mount points owned by the fixed system partitions; user entries may not
// claim them.
var reservedMountpoints = []string{"/boot", "/boot/efi"}

func (customPlanner) plan(req *Request) (*PartitionTable, error) {
	if err := validateCustomSpec(req.Custom); err != nil {
		return nil, err
	}

	swapMiB := uint64(0)
	if !req.NoSwap {
		swapMiB = SwapSizeMiB(req.RAMMiB)
	}
	reserved := uint64(efiSize+bootSize) + swapMiB

	var fixed uint64
	remainderCount := uint64(0)
	for _, entry := range req.Custom {
		if entry.SizeMiB == 0 {
			remainderCount++
			continue
		}
		fixed += entry.SizeMiB
	}
	// The remainder entry needs at least 1 MiB to exist.
	minTotal := reserved + fixed + remainderCount
	if req.DiskMiB < minTotal {
		return nil, &DiskTooSmallError{RequiredMiB: minTotal, AvailableMiB: req.DiskMiB}
	}
	remainderMiB := req.DiskMiB - reserved - fixed

	partitions := []Partition{
		efiPartition(1),
		bootPartition(2, bootSize, req.filesystem()),
	}
	if !req.NoSwap {
		partitions = append(partitions, swapPartition(uint64(len(partitions))+1, swapMiB))
	}

	for _, entry := range req.Custom {
		number := uint64(len(partitions)) + 1
		label := entry.Label
		if label == "" {
			label = labelForMountpoint(entry.Mountpoint)
		}
		sizeMiB := entry.SizeMiB
		if sizeMiB == 0 {
			sizeMiB = remainderMiB
		}
		sub := *req
		if entry.Filesystem != "" {
			sub.Filesystem = entry.Filesystem
		}
		partitions = append(partitions, dataPartition(
			number, label, sizeMiB, typeGUIDForMountpoint(entry.Mountpoint), entry.Mountpoint, &sub))
	}

	return &PartitionTable{
		SizeMiB:    req.DiskMiB,
		SectorSize: 512,
		Partitions: partitions,
	}, nil
}

func validateCustomSpec(entries []CustomPartition) error {
	if len(entries) == 0 {
		return &InvalidSpecError{Reason: "custom layout has no partition entries"}
	}

	seen := make(map[string]bool)
	hasRoot := false
	for idx, entry := range entries {
		mountpoint := entry.Mountpoint
		if !strings.HasPrefix(mountpoint, "/") {
			return &InvalidSpecError{Reason: fmt.Sprintf("mount point %q is not absolute", mountpoint)}
		}
		for _, reserved := range reservedMountpoints {
			if mountpoint == reserved {
				return &InvalidSpecError{Reason: fmt.Sprintf("mount point %q is reserved for a system partition", mountpoint)}
			}
		}
		if seen[mountpoint] {
			return &InvalidSpecError{Reason: "duplicate mount point " + mountpoint}
		}
		seen[mountpoint] = true
		if mountpoint == "/" {
			hasRoot = true
		}
		// the remainder absorbs what GPT alignment and the backup header
		// shave off the disk, which only works at the end; this also caps
		// the remainder entries at one
		if entry.SizeMiB == 0 && idx != len(entries)-1 {
			return &InvalidSpecError{Reason: fmt.Sprintf("remainder entry %q must come last", entry.Mountpoint)}
		}
	}
	if !hasRoot {
		return &InvalidSpecError{Reason: "no entry mounts /"}
	}
	return nil
}

func labelForMountpoint(mountpoint string) string {
	if mountpoint == "/" {
		return "ROOT"
	}
	segments := strings.Split(strings.Trim(mountpoint, "/"), "/")
	return strings.ToUpper(segments[len(segments)-1])
}

func typeGUIDForMountpoint(mountpoint string) string {
	switch mountpoint {
	case "/":
		return RootPartitionGUID
	case "/usr":
		return UsrPartitionGUID
	case "/var":
		return VarPartitionGUID
	case "/home":
		return HomePartitionGUID
	default:
		return FilesystemDataGUID
	}
}

// MountablesByDepth returns the table's mountable leaves sorted shallow to
// deep, the order in which they must be mounted. Swap entries sort last.
func MountablesByDepth(pt *PartitionTable) []Mountable {
	var mountables []Mountable
	_ = pt.ForEachMountable(func(mnt Mountable, path []Entity) error {
		mountables = append(mountables, mnt)
		return nil
	})
	sort.SliceStable(mountables, func(i, j int) bool {
		return mountDepth(mountables[i]) < mountDepth(mountables[j])
	})
	return mountables
}

func mountDepth(mnt Mountable) int {
	mountpoint := mnt.GetMountpoint()
	if mountpoint == "none" {
		return 1 << 30
	}
	return MountpointDepth(mountpoint)
}

// MountpointDepth orders mount points shallow to deep: "/" is 0, every other
// path counts its separators. Mounting shallow to deep guarantees no mount
// shadows an earlier one.
func MountpointDepth(mountpoint string) int {
	if mountpoint == "/" {
		return 0
	}
	return strings.Count(mountpoint, "/")
}
