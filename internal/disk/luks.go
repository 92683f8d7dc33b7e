package disk

// LUKSContainer is a LUKS volume inside a partition. The payload is the
// decrypted content, i.e. the filesystem or btrfs volume that lives on the
// dm-crypt mapper device.
type LUKSContainer struct {
	// UUID of the LUKS header, as reported by `cryptsetup luksUUID`.
	UUID  string
	Label string
	// MapperName is the device-mapper name the volume is opened under,
	// e.g. "Crypt-Root" for /dev/mapper/Crypt-Root. It is derived exactly
	// once when the volume identity is created and reused verbatim by
	// crypttab and the initramfs hooks.
	MapperName string

	Cipher string
	// Version is the LUKS metadata version, 1 or 2. Zero means 2. The boot
	// container uses version 1 because GRUB's cryptodisk cannot read LUKS2.
	Version uint64

	Payload Entity
}

func (lc *LUKSContainer) IsContainer() bool {
	return true
}

func (lc *LUKSContainer) Clone() Entity {
	if lc == nil {
		return nil
	}

	clone := &LUKSContainer{
		UUID:       lc.UUID,
		Label:      lc.Label,
		MapperName: lc.MapperName,
		Cipher:     lc.Cipher,
		Version:    lc.Version,
	}
	if cloner, ok := lc.Payload.(interface{ Clone() Entity }); ok {
		clone.Payload = cloner.Clone()
	}
	return clone
}

func (lc *LUKSContainer) GetItemCount() uint {
	if lc.Payload == nil {
		return 0
	}
	return 1
}

func (lc *LUKSContainer) GetChild(n uint) Entity {
	if n != 0 {
		panic("invalid child index for LUKSContainer")
	}
	return lc.Payload
}

// MapperDevice returns the path of the opened dm-crypt device.
func (lc *LUKSContainer) MapperDevice() string {
	return "/dev/mapper/" + lc.MapperName
}
