package disk

// Filesystem is a formatted filesystem, sitting either directly on a
// partition or behind a dm-crypt mapper as the payload of a LUKSContainer.
type Filesystem struct {
	Type  string
	Label string
	// UUID is filled in after mkfs, or deterministically in dry-run mode.
	// Kept as a string because vfat serials are not proper UUIDs.
	UUID string

	Mountpoint string
	// fstab(5) fields four to six: fs_mntops, fs_freq, fs_passno.
	FSTabOptions string
	FSTabFreq    uint64
	FSTabPassNo  uint64
}

func (fs *Filesystem) IsContainer() bool {
	return false
}

func (fs *Filesystem) Clone() Entity {
	if fs == nil {
		return nil
	}
	clone := *fs
	return &clone
}

func (fs *Filesystem) GetMountpoint() string {
	return fs.Mountpoint
}

func (fs *Filesystem) GetFSType() string {
	return fs.Type
}

func (fs *Filesystem) GetFSSpec() FSSpec {
	return FSSpec{UUID: fs.UUID, Label: fs.Label}
}

func (fs *Filesystem) GetFSTabOptions() FSTabOptions {
	return FSTabOptions{
		MntOps: fs.FSTabOptions,
		Freq:   fs.FSTabFreq,
		PassNo: fs.FSTabPassNo,
	}
}
