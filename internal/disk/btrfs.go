package disk

// Btrfs is a btrfs volume, holding the subvolumes that get mounted in its
// place. The volume itself is never listed in fstab; only its subvolumes are.
type Btrfs struct {
	UUID       string
	Label      string
	Subvolumes []BtrfsSubvolume
}

func (b *Btrfs) IsContainer() bool {
	return true
}

func (b *Btrfs) Clone() Entity {
	if b == nil {
		return nil
	}

	clone := &Btrfs{
		UUID:       b.UUID,
		Label:      b.Label,
		Subvolumes: make([]BtrfsSubvolume, len(b.Subvolumes)),
	}
	copy(clone.Subvolumes, b.Subvolumes)
	return clone
}

func (b *Btrfs) GetItemCount() uint {
	return uint(len(b.Subvolumes))
}

func (b *Btrfs) GetChild(n uint) Entity {
	return &b.Subvolumes[n]
}

// BtrfsSubvolume is a subvolume inside a btrfs volume. The Name is the path
// of the subvolume below the top-level volume, e.g. "@" or "@home".
type BtrfsSubvolume struct {
	Name       string
	Mountpoint string
	Compress   string
	// UUID of the parent volume; subvolumes have no UUID of their own in
	// fstab terms.
	UUID string
}

func (subvol *BtrfsSubvolume) IsContainer() bool {
	return false
}

func (subvol *BtrfsSubvolume) Clone() Entity {
	if subvol == nil {
		return nil
	}
	s := *subvol
	return &s
}

func (subvol *BtrfsSubvolume) GetMountpoint() string {
	return subvol.Mountpoint
}

func (subvol *BtrfsSubvolume) GetFSType() string {
	return "btrfs"
}

func (subvol *BtrfsSubvolume) GetFSSpec() FSSpec {
	return FSSpec{
		UUID: subvol.UUID,
	}
}

func (subvol *BtrfsSubvolume) GetFSTabOptions() FSTabOptions {
	ops := "defaults,noatime"
	if subvol.Compress != "" {
		ops += ",compress=" + subvol.Compress
	}
	ops += ",subvol=" + subvol.Name
	return FSTabOptions{
		MntOps: ops,
		Freq:   0,
		PassNo: 0,
	}
}
