// Package disk contains the abstract data types that describe everything the
// installer puts on a target disk: the partition table, partitions, plain
// filesystems, LUKS containers and btrfs subvolumes.
//
// A PartitionTable is a tree of entities. Partitions carry a payload, which
// is either a Filesystem, a Swap area, a LUKSContainer (whose payload in
// turn is a Filesystem or a Btrfs volume), or nil for raw partitions.
// Mountable leaves of the tree are what ends up in /etc/fstab.
package disk

// Entity is anything that can appear in the layout tree.
type Entity interface {
	// IsContainer returns true if the entity can hold child entities.
	IsContainer() bool
}

// Container is an entity that holds child entities.
type Container interface {
	Entity
	GetItemCount() uint
	GetChild(n uint) Entity
}

// Mountable is an entity that can be mounted and therefore produces a line
// in the mount table.
type Mountable interface {
	Entity
	GetMountpoint() string
	GetFSType() string
	GetFSSpec() FSSpec
	GetFSTabOptions() FSTabOptions
}

// FSSpec is the identity of a filesystem: the first field of fstab(5).
// The installer always references filesystems by UUID, never by path.
type FSSpec struct {
	UUID  string
	Label string
}

// FSTabOptions are the option fields of fstab(5).
type FSTabOptions struct {
	// The fourth field of fstab(5); fs_mntops
	MntOps string
	// The fifth field of fstab(5); fs_freq
	Freq uint64
	// The sixth field of fstab(5); fs_passno
	PassNo uint64
}

// MountableCallback is called by ForEachMountable for every mountable leaf.
// path contains every entity from the partition table down to the leaf.
type MountableCallback func(mnt Mountable, path []Entity) error

func forEachMountable(c Container, path []Entity, cb MountableCallback) error {
	for idx := uint(0); idx < c.GetItemCount(); idx++ {
		child := c.GetChild(idx)
		if child == nil {
			continue
		}
		childPath := append(path, child)
		var err error
		switch ent := child.(type) {
		case Mountable:
			err = cb(ent, childPath)
		case Container:
			err = forEachMountable(ent, childPath, cb)
		}
		if err != nil {
			return err
		}
	}
	return nil
}
