package install

import (
	"context"

	"github.com/google/uuid"
	"github.com/sirupsen/logrus"

	"github.com/forgeos/installer/internal/disk"
	"github.com/forgeos/installer/internal/executor"
)

// mkfs flags per filesystem: the force flag and the label flag differ
// between tools.
var mkfsFlags = map[string]struct {
	force string
	label string
}{
	"ext4":  {force: "-F", label: "-L"},
	"btrfs": {force: "-f", label: "-L"},
	"xfs":   {force: "-f", label: "-L"},
	"f2fs":  {force: "-f", label: "-l"},
}

// formatAll creates every filesystem and swap area of the partition table
// and fills in the resulting filesystem UUIDs. Encrypted partitions are
// formatted through their opened mapper devices, so provisioning must have
// happened first.
func formatAll(ctx context.Context, exec executor.Executor, device string, pt *disk.PartitionTable) error {
	for idx := range pt.Partitions {
		part := &pt.Partitions[idx]
		node := disk.PartitionPath(device, part.Number)

		switch payload := part.Payload.(type) {
		case *disk.Filesystem:
			if err := formatFilesystem(ctx, exec, node, payload); err != nil {
				return err
			}
		case *disk.Swap:
			if err := formatSwap(ctx, exec, node, payload); err != nil {
				return err
			}
		case *disk.Btrfs:
			if err := formatBtrfs(ctx, exec, node, payload); err != nil {
				return err
			}
		case *disk.LUKSContainer:
			mapper := payload.MapperDevice()
			switch inner := payload.Payload.(type) {
			case *disk.Filesystem:
				if err := formatFilesystem(ctx, exec, mapper, inner); err != nil {
					return err
				}
			case *disk.Btrfs:
				if err := formatBtrfs(ctx, exec, mapper, inner); err != nil {
					return err
				}
			}
		}
	}
	return nil
}

func formatFilesystem(ctx context.Context, exec executor.Executor, node string, fs *disk.Filesystem) error {
	logrus.WithFields(logrus.Fields{"device": node, "type": fs.Type}).Info("creating filesystem")

	var err error
	if fs.Type == "vfat" {
		args := []string{"-F32"}
		if fs.Label != "" {
			args = append(args, "-n", fs.Label)
		}
		err = exec.Run(ctx, "mkfs.vfat", append(args, node)...)
	} else {
		flags, ok := mkfsFlags[fs.Type]
		if !ok {
			return &disk.InvalidSpecError{Reason: "unsupported filesystem type " + fs.Type}
		}
		args := []string{flags.force}
		if fs.Label != "" {
			args = append(args, flags.label, fs.Label)
		}
		err = exec.Run(ctx, "mkfs."+fs.Type, append(args, node)...)
	}
	if err != nil {
		return err
	}

	fs.UUID, err = filesystemUUID(ctx, exec, node)
	return err
}

func formatSwap(ctx context.Context, exec executor.Executor, node string, swap *disk.Swap) error {
	logrus.WithField("device", node).Info("creating swap area")

	args := []string{}
	if swap.Label != "" {
		args = append(args, "-L", swap.Label)
	}
	if err := exec.Run(ctx, "mkswap", append(args, node)...); err != nil {
		return err
	}

	var err error
	swap.UUID, err = filesystemUUID(ctx, exec, node)
	return err
}

func formatBtrfs(ctx context.Context, exec executor.Executor, node string, vol *disk.Btrfs) error {
	logrus.WithField("device", node).Info("creating btrfs volume")

	args := []string{"-f"}
	if vol.Label != "" {
		args = append(args, "-L", vol.Label)
	}
	if err := exec.Run(ctx, "mkfs.btrfs", append(args, node)...); err != nil {
		return err
	}

	volUUID, err := filesystemUUID(ctx, exec, node)
	if err != nil {
		return err
	}
	vol.UUID = volUUID
	// subvolumes share the volume's filesystem UUID in fstab
	for idx := range vol.Subvolumes {
		vol.Subvolumes[idx].UUID = volUUID
	}
	return nil
}

// filesystemUUID reads the UUID of a freshly created filesystem. Under a
// recording executor blkid has no answer, so the UUID is derived
// deterministically from the device path instead, keeping dry-run artifacts
// stable.
func filesystemUUID(ctx context.Context, exec executor.Executor, node string) (string, error) {
	out, err := exec.Output(ctx, "blkid", "-s", "UUID", "-o", "value", node)
	if err != nil {
		return "", err
	}
	if out == "" && exec.DryRun() {
		return uuid.NewSHA1(uuid.NameSpaceURL, []byte("fs://"+node)).String(), nil
	}
	return out, nil
}
