// Package config loads and validates the deployment configuration.
package config

import (
	"fmt"
	"io"
	"strings"

	"github.com/BurntSushi/toml"
	"github.com/sirupsen/logrus"

	"github.com/forgeos/installer/internal/disk"
)

// ValidationError reports a configuration that parsed fine but cannot be
// deployed.
type ValidationError struct {
	Reason string
}

func (e *ValidationError) Error() string {
	return "invalid configuration: " + e.Reason
}

// Config is the top-level deployment configuration file.
type Config struct {
	Disk Disk `toml:"disk"`
}

// Disk configures the target device and the layout to realize on it.
type Disk struct {
	// Device is the target disk, e.g. /dev/sda.
	Device string `toml:"device"`
	// Layout selects the partition layout preset. Defaults to standard.
	Layout string `toml:"layout"`
	// Filesystem for the data partitions. Defaults to ext4.
	Filesystem string `toml:"filesystem"`
	// Encryption wraps every data partition in LUKS2.
	Encryption         bool   `toml:"encryption"`
	EncryptionPassword string `toml:"encryption_password"`
	// BootEncryption puts /boot in a GRUB-unlockable LUKS1 container.
	// Requires the crypto-subvolume layout.
	BootEncryption bool `toml:"boot_encryption"`
	// NoSwap skips the swap partition.
	NoSwap bool `toml:"no_swap"`
	// Partitions holds the user-defined entries of the custom layout.
	Partitions []Partition `toml:"partition"`
}

// Partition is one user-defined entry of the custom layout. SizeMiB zero
// means "the rest of the disk".
type Partition struct {
	MountPoint string `toml:"mount_point"`
	SizeMiB    uint64 `toml:"size_mib"`
	Label      string `toml:"label"`
	Filesystem string `toml:"filesystem"`
}

// Load reads and decodes a configuration file. Unknown keys are tolerated
// but logged, a typo'd option should not silently do nothing.
func Load(path string) (*Config, error) {
	var cfg Config
	meta, err := toml.DecodeFile(path, &cfg)
	if err != nil {
		return nil, err
	}
	for _, key := range meta.Undecoded() {
		logrus.WithField("key", key.String()).Warn("unknown configuration key")
	}
	return &cfg, nil
}

// Dump encodes the configuration as TOML.
func Dump(cfg *Config, w io.Writer) error {
	return toml.NewEncoder(w).Encode(cfg)
}

// Sample returns a configuration suitable as a starting point.
func Sample() *Config {
	return &Config{
		Disk: Disk{
			Device:     "/dev/sda",
			Layout:     string(disk.LayoutStandard),
			Filesystem: "ext4",
		},
	}
}

var validLayouts = []disk.LayoutKind{
	disk.LayoutStandard,
	disk.LayoutMinimal,
	disk.LayoutCryptoSubvolume,
	disk.LayoutCustom,
}

// layout returns the configured layout kind, defaulted.
func (d *Disk) layout() disk.LayoutKind {
	if d.Layout == "" {
		return disk.LayoutStandard
	}
	return disk.LayoutKind(d.Layout)
}

// Encrypted reports whether the deployment uses LUKS. The crypto-subvolume
// layout is always encrypted, regardless of the flag.
func (d *Disk) Encrypted() bool {
	return d.Encryption || d.layout() == disk.LayoutCryptoSubvolume
}

// Validate checks everything that can be checked without touching the
// target device.
func (c *Config) Validate() error {
	d := &c.Disk

	if d.Device == "" {
		return &ValidationError{Reason: "disk.device must be set"}
	}

	layout := d.layout()
	known := false
	for _, kind := range validLayouts {
		if layout == kind {
			known = true
		}
	}
	if !known {
		names := make([]string, len(validLayouts))
		for idx, kind := range validLayouts {
			names[idx] = string(kind)
		}
		return &ValidationError{Reason: fmt.Sprintf(
			"unknown layout %q, expected one of %s", d.Layout, strings.Join(names, ", "))}
	}

	if d.Encrypted() && d.EncryptionPassword == "" {
		return &ValidationError{Reason: "encryption_password is required when encryption is enabled"}
	}

	if layout == disk.LayoutCryptoSubvolume && d.Filesystem != "" && d.Filesystem != "btrfs" {
		return &ValidationError{Reason: "the crypto-subvolume layout requires the btrfs filesystem"}
	}

	if d.BootEncryption && layout != disk.LayoutCryptoSubvolume {
		return &ValidationError{Reason: "boot_encryption requires the crypto-subvolume layout"}
	}

	if layout == disk.LayoutCustom && len(d.Partitions) == 0 {
		return &ValidationError{Reason: "the custom layout needs at least one [[disk.partition]] entry"}
	}
	if layout != disk.LayoutCustom && len(d.Partitions) > 0 {
		return &ValidationError{Reason: fmt.Sprintf(
			"[[disk.partition]] entries are only valid with layout = \"custom\", not %q", layout)}
	}
	for _, part := range d.Partitions {
		if part.MountPoint == "" {
			return &ValidationError{Reason: "every [[disk.partition]] entry needs a mount_point"}
		}
	}

	return nil
}

// Request translates the configuration into a layout request for the given
// device and memory size.
func (c *Config) Request(diskMiB, ramMiB uint64) *disk.Request {
	d := &c.Disk

	custom := make([]disk.CustomPartition, len(d.Partitions))
	for idx, part := range d.Partitions {
		custom[idx] = disk.CustomPartition{
			Mountpoint: part.MountPoint,
			SizeMiB:    part.SizeMiB,
			Label:      part.Label,
			Filesystem: part.Filesystem,
		}
	}

	return &disk.Request{
		DiskMiB:     diskMiB,
		RAMMiB:      ramMiB,
		Kind:        d.layout(),
		Filesystem:  d.Filesystem,
		Encrypt:     d.Encrypted(),
		EncryptBoot: d.BootEncryption,
		NoSwap:      d.NoSwap,
		Custom:      custom,
	}
}
