package disk

import (
	"fmt"
	"strings"
	"unicode"
)

// PartitionPath returns the device node of the n-th partition on a disk,
// following the kernel naming scheme: /dev/sda -> /dev/sda3, but
// /dev/nvme0n1 -> /dev/nvme0n1p3.
func PartitionPath(device string, number uint64) string {
	runes := []rune(device)
	if len(runes) > 0 && unicode.IsDigit(runes[len(runes)-1]) {
		return fmt.Sprintf("%sp%d", device, number)
	}
	return fmt.Sprintf("%s%d", device, number)
}

// SfdiskScript renders the partition table as an sfdisk(8) input script.
// GPT only, sectors as the unit, 1 MiB alignment, the first usable LBA at
// sector 2048 and 34 sectors reserved at the end for the backup GPT header.
// A final partition running past the last usable sector is truncated to it;
// the planners put the remainder partition last, so that is where alignment
// and the header reservation get absorbed. A fixed-size final partition that
// fits is never grown.
//
// The table's UUIDs must be filled in (GenerateUUIDs) before rendering.
func SfdiskScript(device string, pt *PartitionTable) string {
	sectorSize := pt.SectorSize
	if sectorSize == 0 {
		sectorSize = 512
	}
	sectorsPerMiB := 1024 * 1024 / sectorSize

	totalSectors := pt.SizeMiB * sectorsPerMiB
	firstLBA := uint64(2048)
	lastLBA := totalSectors - 34
	alignSectors := sectorsPerMiB // 1 MiB

	var script strings.Builder
	script.WriteString("label: gpt\n")
	fmt.Fprintf(&script, "label-id: %s\n", pt.UUID)
	fmt.Fprintf(&script, "device: %s\n", device)
	script.WriteString("unit: sectors\n")
	fmt.Fprintf(&script, "first-lba: %d\n", firstLBA)
	fmt.Fprintf(&script, "last-lba: %d\n", lastLBA)
	fmt.Fprintf(&script, "sector-size: %d\n", sectorSize)
	script.WriteString("\n")

	current := firstLBA
	for idx := range pt.Partitions {
		part := &pt.Partitions[idx]

		sizeSectors := part.SizeMiB * sectorsPerMiB
		if idx == len(pt.Partitions)-1 && current+sizeSectors-1 > lastLBA {
			sizeSectors = lastLBA - current + 1
		}

		fmt.Fprintf(&script, "%s : start=%d, size=%d, type=%s, uuid=%s, name=%q",
			PartitionPath(device, part.Number), current, sizeSectors, part.Type, part.UUID, part.Label)
		if part.Bootable {
			script.WriteString(`, attrs="LegacyBIOSBootable"`)
		}
		script.WriteString("\n")

		next := current + sizeSectors
		current = (next + alignSectors - 1) / alignSectors * alignSectors
	}

	return script.String()
}
