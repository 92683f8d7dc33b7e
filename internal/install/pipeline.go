// Package install orchestrates the provisioning pipeline: partitioning,
// encryption, filesystem creation, mounting and boot artifact generation.
// Steps run in order; when one fails, the completed steps are undone in
// reverse so the machine is not left with half-opened mappings or stale
// mounts.
package install

import (
	"context"
	"fmt"
	"math/rand"
	"os"
	"path/filepath"
	"sort"
	"time"

	"github.com/sirupsen/logrus"

	"github.com/forgeos/installer/internal/bootfiles"
	"github.com/forgeos/installer/internal/btrfs"
	"github.com/forgeos/installer/internal/devices"
	"github.com/forgeos/installer/internal/disk"
	"github.com/forgeos/installer/internal/executor"
	"github.com/forgeos/installer/internal/luks"
)

const partitionWaitTimeout = 10 * time.Second

// Options configures one installer run.
type Options struct {
	// Device is the target disk, e.g. /dev/sda.
	Device string
	// InstallRoot is where the new system gets mounted, e.g. /mnt.
	InstallRoot string
	// Request is the layout to realize on the device.
	Request *disk.Request
	// Passphrase supplies the LUKS passphrase when the layout is encrypted.
	Passphrase luks.PassphraseFunc
}

// Result carries the realized state: the partition table with every UUID
// filled in, the provisioned volumes and the generated boot artifacts.
type Result struct {
	Table     *disk.PartitionTable
	Volumes   []*luks.Volume
	Artifacts *bootfiles.BootArtifacts
}

type step struct {
	name string
	run  func(ctx context.Context) error
	undo func(ctx context.Context) error
}

// Installer runs the provisioning pipeline against one target device.
type Installer struct {
	exec executor.Executor
	opts Options

	pt        *disk.PartitionTable
	prov      *luks.Provisioner
	volumes   []*luks.Volume
	artifacts *bootfiles.BootArtifacts

	// cleanup state, recorded in forward order
	mounted []string
	swapsOn []string
}

func New(exec executor.Executor, opts Options) *Installer {
	return &Installer{exec: exec, opts: opts}
}

// Run executes the pipeline. On failure the completed steps are unwound in
// reverse order; unwind failures are logged but never mask the original
// error.
func (inst *Installer) Run(ctx context.Context) (*Result, error) {
	pt, err := disk.Compute(inst.opts.Request)
	if err != nil {
		return nil, err
	}
	rng := rand.New(rand.NewSource(time.Now().UnixNano()))
	if inst.exec.DryRun() {
		// stable partition UUIDs keep dry-run output diffable
		rng = rand.New(rand.NewSource(0))
	}
	pt.GenerateUUIDs(rng)
	inst.pt = pt

	steps := []step{
		{name: "partition", run: inst.partition},
		{name: "provision-encryption", run: inst.provisionEncryption, undo: inst.closeVolumes},
		{name: "format", run: inst.format},
		{name: "mount", run: inst.mountAll, undo: inst.unmountAll},
		{name: "keyfiles", run: inst.setupKeyfiles},
		{name: "boot-artifacts", run: inst.bootArtifacts},
	}

	var done []step
	for _, st := range steps {
		if err := ctx.Err(); err != nil {
			inst.unwind(done)
			return nil, err
		}
		logrus.WithField("step", st.name).Info("running install step")
		if err := st.run(ctx); err != nil {
			logrus.WithField("step", st.name).WithError(err).Error("install step failed")
			// the failed step is unwound too: its undo handles whatever
			// partial state the step recorded before failing
			inst.unwind(append(done, st))
			return nil, fmt.Errorf("install step %s: %w", st.name, err)
		}
		done = append(done, st)
	}

	return &Result{Table: inst.pt, Volumes: inst.volumes, Artifacts: inst.artifacts}, nil
}

// Finalize releases the target after a successful run: swap off, everything
// unmounted deepest-first, encrypted volumes closed in reverse provisioning
// order. Call it once the installed tree is no longer needed; skip it to hand
// the mounted system over to a follow-up step.
func (inst *Installer) Finalize(ctx context.Context) error {
	if err := inst.unmountAll(ctx); err != nil {
		return err
	}
	return inst.closeVolumes(ctx)
}

// unwind undoes completed steps in reverse. Cleanup runs on a fresh context
// so a cancelled install still gets unmounted and closed.
func (inst *Installer) unwind(done []step) {
	for idx := len(done) - 1; idx >= 0; idx-- {
		st := done[idx]
		if st.undo == nil {
			continue
		}
		logrus.WithField("step", st.name).Info("undoing install step")
		if err := st.undo(context.Background()); err != nil {
			logrus.WithField("step", st.name).WithError(err).Warn("cleanup failed")
		}
	}
}

func (inst *Installer) partition(ctx context.Context) error {
	device := inst.opts.Device

	if !inst.exec.DryRun() && !devices.IsBlockDevice(device) {
		return &devices.DeviceNotFoundError{Device: device}
	}

	if err := inst.exec.Run(ctx, "wipefs", "--all", device); err != nil {
		return err
	}
	script := disk.SfdiskScript(device, inst.pt)
	if err := inst.exec.RunStdin(ctx, script, "sfdisk", "--wipe", "always", device); err != nil {
		return err
	}

	// the kernel usually picks the new table up from sfdisk's BLKRRPART,
	// partprobe and settle just make sure the nodes exist before we go on
	if err := inst.exec.Run(ctx, "partprobe", device); err != nil {
		logrus.WithError(err).Warn("partprobe failed, waiting for udev instead")
	}
	if err := inst.exec.Run(ctx, "udevadm", "settle"); err != nil {
		logrus.WithError(err).Warn("udevadm settle failed")
	}

	if inst.exec.DryRun() {
		return nil
	}
	for idx := range inst.pt.Partitions {
		node := disk.PartitionPath(device, inst.pt.Partitions[idx].Number)
		if err := devices.WaitForDevice(node, partitionWaitTimeout); err != nil {
			return err
		}
	}
	return nil
}

func (inst *Installer) provisionEncryption(ctx context.Context) error {
	if len(inst.pt.LUKSContainers()) == 0 {
		return nil
	}
	inst.prov = luks.NewProvisioner(inst.exec, inst.opts.Passphrase)
	volumes, err := inst.prov.ProvisionAll(ctx, inst.pt, inst.opts.Device)
	// partial results matter here: the undo closes whatever got opened
	inst.volumes = volumes
	return err
}

func (inst *Installer) closeVolumes(ctx context.Context) error {
	if len(inst.volumes) == 0 {
		return nil
	}
	return inst.prov.Close(ctx, inst.volumes)
}

func (inst *Installer) format(ctx context.Context) error {
	return formatAll(ctx, inst.exec, inst.opts.Device, inst.pt)
}

func (inst *Installer) mountAll(ctx context.Context) error {
	device := inst.opts.Device
	installRoot := inst.opts.InstallRoot

	type plainMount struct {
		device string
		fs     *disk.Filesystem
	}
	type btrfsVolume struct {
		device string
		vol    *disk.Btrfs
	}
	var plain []plainMount
	var volumes []btrfsVolume
	var swaps []string

	for idx := range inst.pt.Partitions {
		part := &inst.pt.Partitions[idx]
		node := disk.PartitionPath(device, part.Number)
		switch payload := part.Payload.(type) {
		case *disk.Filesystem:
			plain = append(plain, plainMount{node, payload})
		case *disk.Swap:
			swaps = append(swaps, node)
		case *disk.Btrfs:
			volumes = append(volumes, btrfsVolume{node, payload})
		case *disk.LUKSContainer:
			mapper := payload.MapperDevice()
			switch inner := payload.Payload.(type) {
			case *disk.Filesystem:
				plain = append(plain, plainMount{mapper, inner})
			case *disk.Btrfs:
				volumes = append(volumes, btrfsVolume{mapper, inner})
			}
		}
	}

	sort.SliceStable(plain, func(i, j int) bool {
		return disk.MountpointDepth(plain[i].fs.Mountpoint) < disk.MountpointDepth(plain[j].fs.Mountpoint)
	})

	// root comes from the btrfs volume when one exists, so subvolumes mount
	// before any plain partition
	mgr := btrfs.NewManager(inst.exec)
	for _, bv := range volumes {
		if err := mgr.CreateSubvolumes(ctx, bv.device, bv.vol); err != nil {
			return err
		}
		if err := mgr.MountSubvolumes(ctx, bv.device, bv.vol, installRoot); err != nil {
			return err
		}
		subvols := append([]disk.BtrfsSubvolume(nil), bv.vol.Subvolumes...)
		sort.SliceStable(subvols, func(i, j int) bool {
			return disk.MountpointDepth(subvols[i].Mountpoint) < disk.MountpointDepth(subvols[j].Mountpoint)
		})
		for _, subvol := range subvols {
			inst.mounted = append(inst.mounted, filepath.Join(installRoot, subvol.Mountpoint))
		}
	}

	for _, pm := range plain {
		target := filepath.Join(installRoot, pm.fs.Mountpoint)
		if !inst.exec.DryRun() {
			if err := os.MkdirAll(target, 0o755); err != nil {
				return err
			}
		}
		if err := inst.exec.Run(ctx, "mount", "-t", pm.fs.Type, pm.device, target); err != nil {
			return err
		}
		inst.mounted = append(inst.mounted, target)
	}

	for _, node := range swaps {
		if err := inst.exec.Run(ctx, "swapon", node); err != nil {
			return err
		}
		inst.swapsOn = append(inst.swapsOn, node)
	}
	return nil
}

func (inst *Installer) unmountAll(ctx context.Context) error {
	var firstErr error
	for idx := len(inst.swapsOn) - 1; idx >= 0; idx-- {
		if err := inst.exec.Run(ctx, "swapoff", inst.swapsOn[idx]); err != nil && firstErr == nil {
			firstErr = err
		}
	}
	inst.swapsOn = nil

	for idx := len(inst.mounted) - 1; idx >= 0; idx-- {
		if err := inst.exec.Run(ctx, "umount", inst.mounted[idx]); err != nil && firstErr == nil {
			firstErr = err
		}
	}
	inst.mounted = nil
	return firstErr
}

func (inst *Installer) setupKeyfiles(ctx context.Context) error {
	if len(inst.volumes) == 0 {
		return nil
	}
	return inst.prov.SetupKeyfiles(ctx, inst.volumes, inst.opts.InstallRoot)
}

func (inst *Installer) bootArtifacts(ctx context.Context) error {
	artifacts, err := bootfiles.NewGenerator(inst.pt, inst.volumes).Generate()
	if err != nil {
		return err
	}
	inst.artifacts = artifacts

	if !inst.exec.DryRun() {
		if err := artifacts.Write(inst.opts.InstallRoot); err != nil {
			return err
		}
	}
	return inst.exec.RunInTarget(ctx, inst.opts.InstallRoot, "mkinitcpio", "-P")
}
