// Package btrfs creates and mounts subvolumes on a btrfs volume, typically
// one living on an opened LUKS mapper device.
package btrfs

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"sort"

	"github.com/segmentio/ksuid"
	"github.com/sirupsen/logrus"

	"github.com/forgeos/installer/internal/disk"
	"github.com/forgeos/installer/internal/executor"
)

// scratchRoot holds the temporary top-level mounts used while creating
// subvolumes. Package variable so tests can redirect it.
var scratchRoot = "/run/forgeos-installer"

// Manager creates and mounts the subvolumes of one btrfs volume.
type Manager struct {
	exec executor.Executor
}

func NewManager(exec executor.Executor) *Manager {
	return &Manager{exec: exec}
}

// CreateSubvolumes mounts the volume's top level at a scratch path, creates
// every declared subvolume there and unmounts the scratch mount again. The
// unmount happens before this function returns: a lingering top-level mount
// would silently shadow the path-based mounts that follow.
func (m *Manager) CreateSubvolumes(ctx context.Context, device string, vol *disk.Btrfs) (err error) {
	scratch := filepath.Join(scratchRoot, "btrfs-"+ksuid.New().String())
	log := logrus.WithFields(logrus.Fields{
		"device":  device,
		"scratch": scratch,
	})

	if !m.exec.DryRun() {
		if err := os.MkdirAll(scratch, 0o755); err != nil {
			return fmt.Errorf("creating scratch mount point: %w", err)
		}
		defer os.Remove(scratch)
	}

	log.Info("mounting top level for subvolume creation")
	if err := m.exec.Run(ctx, "mount", device, scratch); err != nil {
		return err
	}
	defer func() {
		umountErr := m.exec.Run(ctx, "umount", scratch)
		if err == nil {
			err = umountErr
		} else if umountErr != nil {
			log.WithError(umountErr).Warn("unmounting scratch mount failed")
		}
	}()

	for _, subvol := range vol.Subvolumes {
		log.WithField("subvolume", subvol.Name).Info("creating subvolume")
		err := m.exec.Run(ctx, "btrfs", "subvolume", "create", filepath.Join(scratch, subvol.Name))
		if err != nil {
			return err
		}
	}
	return nil
}

// MountSubvolumes mounts every subvolume at its target path under
// installRoot, parents before children. CreateSubvolumes must have completed
// first, so the top-level scratch mount is already gone.
func (m *Manager) MountSubvolumes(ctx context.Context, device string, vol *disk.Btrfs, installRoot string) error {
	ordered := make([]disk.BtrfsSubvolume, len(vol.Subvolumes))
	copy(ordered, vol.Subvolumes)
	sort.SliceStable(ordered, func(i, j int) bool {
		return disk.MountpointDepth(ordered[i].Mountpoint) < disk.MountpointDepth(ordered[j].Mountpoint)
	})

	for _, subvol := range ordered {
		target := filepath.Join(installRoot, subvol.Mountpoint)
		if !m.exec.DryRun() {
			if err := os.MkdirAll(target, 0o755); err != nil {
				return fmt.Errorf("creating mount point %s: %w", target, err)
			}
		}

		options := "subvol=" + subvol.Name
		if subvol.Compress != "" {
			options += ",compress=" + subvol.Compress
		}
		logrus.WithFields(logrus.Fields{
			"subvolume": subvol.Name,
			"target":    target,
		}).Info("mounting subvolume")
		if err := m.exec.Run(ctx, "mount", "-o", options, device, target); err != nil {
			return err
		}
	}
	return nil
}
