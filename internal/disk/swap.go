package disk

// Swap is a swap area on a partition. It has no mount point but still
// produces an fstab line ("none"), keyed by UUID like everything else.
type Swap struct {
	UUID  string
	Label string
}

func (s *Swap) IsContainer() bool {
	return false
}

func (s *Swap) Clone() Entity {
	if s == nil {
		return nil
	}
	return &Swap{
		UUID:  s.UUID,
		Label: s.Label,
	}
}

func (s *Swap) GetMountpoint() string {
	return "none"
}

func (s *Swap) GetFSType() string {
	return "swap"
}

func (s *Swap) GetFSSpec() FSSpec {
	return FSSpec{
		UUID:  s.UUID,
		Label: s.Label,
	}
}

func (s *Swap) GetFSTabOptions() FSTabOptions {
	return FSTabOptions{
		MntOps: "defaults",
		Freq:   0,
		PassNo: 0,
	}
}
