package disk

import (
	"math/rand"

	"github.com/google/uuid"
)

// PartitionTable is the root of the layout tree: a GPT table on one disk.
type PartitionTable struct {
	UUID    string // disk GUID
	SizeMiB uint64 // size of the whole disk
	// SectorSize in bytes. Always 512 for the layouts we generate; kept
	// explicit because the sfdisk script is written in sectors.
	SectorSize uint64
	Partitions []Partition
}

func (pt *PartitionTable) IsContainer() bool {
	return true
}

func (pt *PartitionTable) Clone() Entity {
	if pt == nil {
		return nil
	}

	clone := &PartitionTable{
		UUID:       pt.UUID,
		SizeMiB:    pt.SizeMiB,
		SectorSize: pt.SectorSize,
		Partitions: make([]Partition, len(pt.Partitions)),
	}
	for idx := range pt.Partitions {
		clone.Partitions[idx] = *pt.Partitions[idx].Clone().(*Partition)
	}
	return clone
}

func (pt *PartitionTable) GetItemCount() uint {
	return uint(len(pt.Partitions))
}

func (pt *PartitionTable) GetChild(n uint) Entity {
	return &pt.Partitions[n]
}

// ForEachMountable runs cb for every mountable leaf of the tree, in
// partition order. The path passed to cb contains every entity between the
// table and the leaf, partition first.
func (pt *PartitionTable) ForEachMountable(cb MountableCallback) error {
	return forEachMountable(pt, nil, cb)
}

// FindMountable returns the mountable for the given mount point, or nil.
func (pt *PartitionTable) FindMountable(mountpoint string) Mountable {
	var found Mountable
	_ = pt.ForEachMountable(func(mnt Mountable, path []Entity) error {
		if mnt.GetMountpoint() == mountpoint {
			found = mnt
		}
		return nil
	})
	return found
}

// FindPartitionForMountpoint returns the partition whose payload (directly
// or through a LUKS container) holds the given mount point, or nil.
func (pt *PartitionTable) FindPartitionForMountpoint(mountpoint string) *Partition {
	var found *Partition
	_ = pt.ForEachMountable(func(mnt Mountable, path []Entity) error {
		if mnt.GetMountpoint() != mountpoint {
			return nil
		}
		for _, ent := range path {
			if part, ok := ent.(*Partition); ok {
				found = part
				break
			}
		}
		return nil
	})
	return found
}

// LUKSContainers returns every LUKS container in the table, in partition
// order.
func (pt *PartitionTable) LUKSContainers() []*LUKSContainer {
	var containers []*LUKSContainer
	for idx := range pt.Partitions {
		if lc, ok := pt.Partitions[idx].Payload.(*LUKSContainer); ok {
			containers = append(containers, lc)
		}
	}
	return containers
}

// UsedSizeMiB returns the sum of all partition sizes.
func (pt *PartitionTable) UsedSizeMiB() uint64 {
	var total uint64
	for idx := range pt.Partitions {
		total += pt.Partitions[idx].SizeMiB
	}
	return total
}

// Validate checks the table for internal consistency. It must be called on
// every planned table before anything is written to the disk.
func (pt *PartitionTable) Validate() error {
	if len(pt.Partitions) == 0 {
		return &InvalidSpecError{Reason: "partition table has no partitions"}
	}
	if pt.UsedSizeMiB() > pt.SizeMiB {
		return &DiskTooSmallError{RequiredMiB: pt.UsedSizeMiB(), AvailableMiB: pt.SizeMiB}
	}

	seen := make(map[string]bool)
	err := pt.ForEachMountable(func(mnt Mountable, path []Entity) error {
		mountpoint := mnt.GetMountpoint()
		if mountpoint == "none" {
			return nil
		}
		if seen[mountpoint] {
			return &InvalidSpecError{Reason: "duplicate mount point " + mountpoint}
		}
		seen[mountpoint] = true
		return nil
	})
	if err != nil {
		return err
	}

	for idx := range pt.Partitions {
		part := &pt.Partitions[idx]
		if part.SizeMiB == 0 {
			return &InvalidSpecError{Reason: "partition " + part.Label + " has zero size"}
		}
		if part.Number != uint64(idx)+1 {
			return &InvalidSpecError{Reason: "partition numbers are not sequential"}
		}
	}
	return nil
}

// GenerateUUIDs fills in any missing partition and disk UUIDs from the given
// source of randomness. Filesystem and LUKS UUIDs are not touched here; they
// are assigned by the tools that create them (or deterministically in
// dry-run mode).
func (pt *PartitionTable) GenerateUUIDs(rng *rand.Rand) {
	if pt.UUID == "" {
		pt.UUID = newRandomUUIDFromReader(rng)
	}
	for idx := range pt.Partitions {
		if pt.Partitions[idx].UUID == "" {
			pt.Partitions[idx].UUID = newRandomUUIDFromReader(rng)
		}
	}
}

func newRandomUUIDFromReader(rng *rand.Rand) string {
	id, err := uuid.NewRandomFromReader(rng)
	if err != nil {
		panic(err)
	}
	return id.String()
}
