package disk

// Partition is a single entry in a GPT partition table. Sizes are tracked in
// MiB; the sfdisk script generator converts to sectors when writing the
// table.
type Partition struct {
	Number uint64 // Partition number, 1-based
	Label  string // GPT partition name
	// Size of the partition in MiB. The planner resolves remainder entries
	// before the partition table is built, so this is always concrete.
	SizeMiB uint64
	Type    string // GPT partition type GUID
	// Bootable marks the partition with the LegacyBIOSBootable attribute.
	Bootable bool
	// UUID of the partition (not the filesystem in it)
	UUID string
	// Payload is the content of the partition: a Filesystem, a Swap area or
	// a LUKSContainer. nil for raw partitions such as the BIOS boot stub.
	Payload Entity
}

func (p *Partition) IsContainer() bool {
	return true
}

func (p *Partition) Clone() Entity {
	if p == nil {
		return nil
	}

	partition := &Partition{
		Number:   p.Number,
		Label:    p.Label,
		SizeMiB:  p.SizeMiB,
		Type:     p.Type,
		Bootable: p.Bootable,
		UUID:     p.UUID,
	}
	if cloner, ok := p.Payload.(interface{ Clone() Entity }); ok {
		partition.Payload = cloner.Clone()
	}
	return partition
}

func (p *Partition) GetItemCount() uint {
	if p.Payload == nil {
		return 0
	}
	return 1
}

func (p *Partition) GetChild(n uint) Entity {
	if n != 0 {
		panic("invalid child index for Partition")
	}
	return p.Payload
}

// IsBIOSBoot returns true for the raw GRUB stage-2 stub partition.
func (p *Partition) IsBIOSBoot() bool {
	return p.Type == BIOSBootPartitionGUID
}
