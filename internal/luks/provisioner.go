package luks

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"time"

	"github.com/google/uuid"
	"github.com/sirupsen/logrus"

	"github.com/forgeos/installer/internal/devices"
	"github.com/forgeos/installer/internal/disk"
	"github.com/forgeos/installer/internal/executor"
)

// openAttempts bounds interactive passphrase retries when unlocking an
// already-formatted container.
const openAttempts = 3

// keyfileSize is 512 bytes, 4096 key bits.
const keyfileSize = 512

// deviceWaitTimeout bounds the wait for a mapper device to appear after
// cryptsetup open returns.
const deviceWaitTimeout = 10 * time.Second

// PassphraseFunc supplies the encryption passphrase. Called again on a
// failed unlock attempt, up to the retry bound.
type PassphraseFunc func() (string, error)

// StaticPassphrase returns a PassphraseFunc for a known passphrase.
func StaticPassphrase(passphrase string) PassphraseFunc {
	return func() (string, error) {
		return passphrase, nil
	}
}

// Volume is one provisioned encrypted volume.
type Volume struct {
	Identity *VolumeIdentity
	// Device is the backing partition, e.g. /dev/sda4.
	Device string
	// UUID of the LUKS header.
	UUID string
	// Keyfile is the unlock keyfile path inside the installed system.
	// Empty for the passphrase-unlocked volume.
	Keyfile string
}

// Provisioner formats and opens LUKS containers.
type Provisioner struct {
	exec       executor.Executor
	passphrase PassphraseFunc

	// cached after the first successful read so keyfile enrollment can
	// reuse it without prompting again
	cachedPassphrase string
	haveCached       bool
}

func NewProvisioner(exec executor.Executor, passphrase PassphraseFunc) *Provisioner {
	return &Provisioner{exec: exec, passphrase: passphrase}
}

func (p *Provisioner) readPassphrase() (string, error) {
	if p.haveCached {
		return p.cachedPassphrase, nil
	}
	passphrase, err := p.passphrase()
	if err != nil {
		return "", err
	}
	p.cachedPassphrase = passphrase
	p.haveCached = true
	return passphrase, nil
}

// ProvisionAll provisions every LUKS container in the partition table, in
// partition order. The first volume is the root of the credential chain: its
// passphrase later authorizes keyfile enrollment for the others. The mapper
// name and header UUID are written back into the container entities so the
// artifact generators read the same values.
func (p *Provisioner) ProvisionAll(ctx context.Context, pt *disk.PartitionTable, device string) ([]*Volume, error) {
	var volumes []*Volume
	for idx := range pt.Partitions {
		part := &pt.Partitions[idx]
		container, ok := part.Payload.(*disk.LUKSContainer)
		if !ok {
			continue
		}
		volume, err := p.Provision(ctx, disk.PartitionPath(device, part.Number), container)
		if err != nil {
			return volumes, err
		}
		volumes = append(volumes, volume)
	}
	return volumes, nil
}

// Provision formats the device as a LUKS container and opens it under its
// mapper identity. A device that is already LUKS-formatted is treated as a
// resumed run: it is opened, never reformatted.
func (p *Provisioner) Provision(ctx context.Context, device string, container *disk.LUKSContainer) (*Volume, error) {
	identity := NewVolumeIdentity(container.Label)

	log := logrus.WithFields(logrus.Fields{
		"device": device,
		"mapper": identity.Name,
	})

	if !p.exec.DryRun() && !devices.IsBlockDevice(device) {
		return nil, &devices.DeviceNotFoundError{Device: device}
	}

	passphrase, err := p.readPassphrase()
	if err != nil {
		return nil, err
	}

	// Reformatting an existing container would destroy it, so a resumed
	// run must detect "already formatted" first. The probe itself would
	// always succeed under a recording executor, so skip it there.
	alreadyFormatted := false
	if !p.exec.DryRun() {
		if err := p.exec.Run(ctx, "cryptsetup", "isLuks", device); err == nil {
			alreadyFormatted = true
		}
	}

	if alreadyFormatted {
		log.Info("container already formatted, opening")
		if err := p.openWithRetry(ctx, device, identity); err != nil {
			return nil, err
		}
	} else {
		log.WithField("version", formatVersion(container)).Info("formatting LUKS container")
		err := p.exec.RunStdin(ctx, passphrase+"\n", "cryptsetup", formatArgs(container, device)...)
		if err != nil {
			return nil, err
		}
		if err := p.open(ctx, device, identity, passphrase); err != nil {
			return nil, err
		}
	}

	headerUUID, err := p.headerUUID(ctx, device)
	if err != nil {
		return nil, err
	}

	container.MapperName = identity.Name
	container.UUID = headerUUID

	log.WithField("uuid", headerUUID).Info("container opened")
	return &Volume{
		Identity: identity,
		Device:   device,
		UUID:     headerUUID,
	}, nil
}

func formatVersion(container *disk.LUKSContainer) uint64 {
	if container.Version == 0 {
		return 2
	}
	return container.Version
}

// formatArgs builds the luksFormat invocation for the container. Version 2
// containers use argon2id; version 1 exists for the GRUB-readable boot
// container and has no KDF choice, it is always pbkdf2.
func formatArgs(container *disk.LUKSContainer, device string) []string {
	args := []string{
		"luksFormat",
		"--type", fmt.Sprintf("luks%d", formatVersion(container)),
		"--cipher", "aes-xts-plain64",
		"--key-size", "512",
		"--hash", "sha512",
	}
	if formatVersion(container) == 2 {
		args = append(args, "--pbkdf", "argon2id")
	}
	return append(args, "--batch-mode", device)
}

func (p *Provisioner) open(ctx context.Context, device string, identity *VolumeIdentity, passphrase string) error {
	err := p.exec.RunStdin(ctx, passphrase+"\n", "cryptsetup", "open", device, identity.Name)
	if err != nil {
		return err
	}
	if !p.exec.DryRun() {
		return devices.WaitForDevice(identity.MapperPath(), deviceWaitTimeout)
	}
	return nil
}

// openWithRetry unlocks an existing container, asking for the passphrase
// again on failure, up to the attempt bound.
func (p *Provisioner) openWithRetry(ctx context.Context, device string, identity *VolumeIdentity) error {
	var err error
	for attempt := 1; attempt <= openAttempts; attempt++ {
		var passphrase string
		passphrase, err = p.readPassphrase()
		if err != nil {
			return err
		}
		err = p.open(ctx, device, identity, passphrase)
		if err == nil {
			return nil
		}
		// the cached passphrase was wrong, ask again
		p.haveCached = false
		logrus.WithField("attempt", attempt).Warn("unlock failed")
	}
	return fmt.Errorf("unlocking %s failed after %d attempts: %w", device, openAttempts, err)
}

func (p *Provisioner) headerUUID(ctx context.Context, device string) (string, error) {
	out, err := p.exec.Output(ctx, "cryptsetup", "luksUUID", device)
	if err != nil {
		return "", err
	}
	if out == "" && p.exec.DryRun() {
		// deterministic so a dry run produces stable artifacts
		return uuid.NewSHA1(uuid.NameSpaceURL, []byte("luks://"+device)).String(), nil
	}
	return out, nil
}

// SetupKeyfiles enrolls a keyfile for every volume except the first. The
// keyfiles live inside the installed system and get bundled into the
// early-boot image, so once the root passphrase is supplied at boot the
// remaining volumes unlock automatically. The first volume's passphrase
// authorizes every enrollment; provisioning order already guarantees it
// exists before any consumer.
func (p *Provisioner) SetupKeyfiles(ctx context.Context, volumes []*Volume, installRoot string) error {
	if len(volumes) < 2 {
		return nil
	}

	passphrase, err := p.readPassphrase()
	if err != nil {
		return err
	}

	keyfileDir := filepath.Join(installRoot, KeyfileDir)
	if !p.exec.DryRun() {
		if err := os.MkdirAll(keyfileDir, 0o700); err != nil {
			return fmt.Errorf("creating keyfile directory: %w", err)
		}
		if err := os.Chmod(keyfileDir, 0o700); err != nil {
			return err
		}
	}

	for _, volume := range volumes[1:] {
		keyfile := volume.Identity.KeyfilePath()
		fullPath := filepath.Join(installRoot, keyfile)

		logrus.WithFields(logrus.Fields{
			"volume":  volume.Identity.Name,
			"keyfile": keyfile,
		}).Info("enrolling keyfile")

		err := p.exec.Run(ctx, "dd",
			"if=/dev/random",
			"of="+fullPath,
			fmt.Sprintf("bs=%d", keyfileSize),
			"count=1",
			"iflag=fullblock")
		if err != nil {
			return err
		}
		if !p.exec.DryRun() {
			if err := os.Chmod(fullPath, 0o000); err != nil {
				return err
			}
		}

		err = p.exec.RunStdin(ctx, passphrase+"\n", "cryptsetup", "luksAddKey", volume.Device, fullPath)
		if err != nil {
			return err
		}
		volume.Keyfile = keyfile
	}
	return nil
}

// Close closes the given volumes in reverse provisioning order.
func (p *Provisioner) Close(ctx context.Context, volumes []*Volume) error {
	for idx := len(volumes) - 1; idx >= 0; idx-- {
		if err := p.exec.Run(ctx, "cryptsetup", "close", volumes[idx].Identity.Name); err != nil {
			return err
		}
	}
	return nil
}
