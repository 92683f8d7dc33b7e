package bootfiles

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/forgeos/installer/internal/disk"
	"github.com/forgeos/installer/internal/executor"
	"github.com/forgeos/installer/internal/luks"
)

// fillFilesystemUUIDs assigns predictable filesystem UUIDs the way the
// format step would after mkfs.
func fillFilesystemUUIDs(pt *disk.PartitionTable) {
	counter := 0
	_ = pt.ForEachMountable(func(mnt disk.Mountable, path []disk.Entity) error {
		counter++
		uuid := fmt.Sprintf("00000000-0000-0000-0000-%012d", counter)
		switch fs := mnt.(type) {
		case *disk.Filesystem:
			fs.UUID = uuid
		case *disk.Swap:
			fs.UUID = uuid
		case *disk.BtrfsSubvolume:
			fs.UUID = uuid
		}
		return nil
	})
}

func provisioned(t *testing.T, req *disk.Request) (*disk.PartitionTable, []*luks.Volume) {
	t.Helper()
	pt, err := disk.Compute(req)
	require.NoError(t, err)

	var volumes []*luks.Volume
	if len(pt.LUKSContainers()) > 0 {
		prov := luks.NewProvisioner(executor.NewRecorder(), luks.StaticPassphrase("hunter2"))
		volumes, err = prov.ProvisionAll(context.Background(), pt, "/dev/sda")
		require.NoError(t, err)
		require.NoError(t, prov.SetupKeyfiles(context.Background(), volumes, "/mnt"))
	}
	fillFilesystemUUIDs(pt)
	return pt, volumes
}

func TestFSTabKeyedByUUID(t *testing.T) {
	pt, _ := provisioned(t, &disk.Request{DiskMiB: 131072, RAMMiB: 8192, Kind: disk.LayoutStandard})
	gen := NewGenerator(pt, nil)

	fstab := gen.FSTab()
	lines := strings.Split(strings.TrimSpace(fstab), "\n")

	var entries []string
	for _, line := range lines {
		if strings.HasPrefix(line, "#") {
			continue
		}
		assert.True(t, strings.HasPrefix(line, "UUID="), line)
		assert.NotContains(t, line, "/dev/")
		entries = append(entries, line)
	}
	// 7 partitions, all mountable (swap included as "none")
	assert.Len(t, entries, 7)

	// root first, swap last
	assert.Contains(t, entries[0], "\t/\t")
	assert.Contains(t, entries[len(entries)-1], "\tnone\tswap\t")
}

func TestFSTabUsesConfiguredFilesystem(t *testing.T) {
	for _, fsType := range []string{"ext4", "xfs", "f2fs"} {
		pt, _ := provisioned(t, &disk.Request{
			DiskMiB: 131072, RAMMiB: 8192, Kind: disk.LayoutStandard, Filesystem: fsType,
		})
		fstab := NewGenerator(pt, nil).FSTab()

		for _, line := range strings.Split(fstab, "\n") {
			for _, mountpoint := range []string{"\t/\t", "\t/usr\t", "\t/var\t", "\t/home\t"} {
				if strings.Contains(line, mountpoint) {
					assert.Contains(t, line, "\t"+fsType+"\t", "fs %s line %q", fsType, line)
				}
			}
		}
	}
}

func TestFSTabPassNumbers(t *testing.T) {
	pt, _ := provisioned(t, &disk.Request{DiskMiB: 131072, RAMMiB: 8192, Kind: disk.LayoutStandard})
	fstab := NewGenerator(pt, nil).FSTab()

	for _, line := range strings.Split(strings.TrimSpace(fstab), "\n") {
		switch {
		case strings.Contains(line, "\t/\t"):
			assert.True(t, strings.HasSuffix(line, "\t0\t1"), line)
		case strings.Contains(line, "\tnone\t"):
			assert.True(t, strings.HasSuffix(line, "\t0\t0"), line)
		case strings.HasPrefix(line, "UUID="):
			assert.True(t, strings.HasSuffix(line, "\t0\t2"), line)
		}
	}
}

func TestFSTabBtrfsSubvolumes(t *testing.T) {
	pt, volumes := provisioned(t, &disk.Request{DiskMiB: 131072, Kind: disk.LayoutCryptoSubvolume})
	fstab := NewGenerator(pt, volumes).FSTab()

	assert.Contains(t, fstab, "subvol=@usr")
	rootLine := ""
	for _, line := range strings.Split(fstab, "\n") {
		if strings.Contains(line, "\t/\t") {
			rootLine = line
		}
	}
	require.NotEmpty(t, rootLine)
	assert.Contains(t, rootLine, "\tbtrfs\t")
	assert.Contains(t, rootLine, "subvol=@")
	// btrfs is never fsck'd
	assert.True(t, strings.HasSuffix(rootLine, "\t0\t0"))
}

func TestCrypttabOneLinePerVolume(t *testing.T) {
	pt, volumes := provisioned(t, &disk.Request{
		DiskMiB: 131072,
		Kind:    disk.LayoutCustom,
		NoSwap:  true,
		Encrypt: true,
		Custom: []disk.CustomPartition{
			{Mountpoint: "/", SizeMiB: 30720},
			{Mountpoint: "/home", SizeMiB: 0},
		},
	})
	require.Len(t, volumes, 2)

	gen := NewGenerator(pt, volumes)
	crypttab := gen.Crypttab()

	var entries []string
	for _, line := range strings.Split(strings.TrimSpace(crypttab), "\n") {
		if !strings.HasPrefix(line, "#") {
			entries = append(entries, line)
		}
	}
	require.Len(t, entries, 2)

	assert.True(t, strings.HasPrefix(entries[0], "Crypt-Root\tUUID="))
	assert.Contains(t, entries[0], "\tnone\tluks")
	assert.True(t, strings.HasPrefix(entries[1], "Crypt-Home\tUUID="))
	assert.Contains(t, entries[1], "\t/etc/cryptsetup-keys.d/crypthome.key\tluks")
}

func TestMapperNamesVerbatimInUnlockScript(t *testing.T) {
	pt, volumes := provisioned(t, &disk.Request{
		DiskMiB: 131072,
		Kind:    disk.LayoutCustom,
		NoSwap:  true,
		Encrypt: true,
		Custom: []disk.CustomPartition{
			{Mountpoint: "/", SizeMiB: 30720},
			{Mountpoint: "/home", SizeMiB: 0},
		},
	})
	gen := NewGenerator(pt, volumes)
	artifacts, err := gen.Generate()
	require.NoError(t, err)

	var unlock *Hook
	for idx := range artifacts.Hooks {
		if artifacts.Hooks[idx].Name == "crypttab-unlock" {
			unlock = &artifacts.Hooks[idx]
		}
	}
	require.NotNil(t, unlock)

	for _, line := range strings.Split(strings.TrimSpace(artifacts.Crypttab), "\n") {
		if strings.HasPrefix(line, "#") {
			continue
		}
		name := strings.Fields(line)[0]
		assert.Contains(t, unlock.Script, name)
	}

	// keyfile unlock for the chained volume, passphrase for root
	assert.Contains(t, unlock.Script, `--key-file "/etc/cryptsetup-keys.d/crypthome.key"`)
	assert.NotContains(t, strings.SplitN(unlock.Script, "Crypt-Home", 2)[0], "--key-file")
}

func TestConsistencyCheckFailsOnForeignName(t *testing.T) {
	pt, volumes := provisioned(t, &disk.Request{DiskMiB: 131072, Kind: disk.LayoutCryptoSubvolume})
	gen := NewGenerator(pt, volumes)
	artifacts, err := gen.Generate()
	require.NoError(t, err)

	// a crypttab entry whose name no hook script knows about
	artifacts.Crypttab += "Crypt-Ghost\tUUID=123\tnone\tluks\n"

	var validation *disk.ValidationError
	require.ErrorAs(t, gen.CheckConsistency(artifacts), &validation)
	assert.Contains(t, validation.Error(), "Crypt-Ghost")
}

func TestConsistencyCheckFailsOnUnknownMapper(t *testing.T) {
	pt, volumes := provisioned(t, &disk.Request{DiskMiB: 131072, Kind: disk.LayoutCryptoSubvolume})
	gen := NewGenerator(pt, volumes)
	artifacts, err := gen.Generate()
	require.NoError(t, err)

	// the layout tree names a mapper no provisioned volume carries
	pt.LUKSContainers()[0].MapperName = "Crypt-Stale"

	var validation *disk.ValidationError
	require.ErrorAs(t, gen.CheckConsistency(artifacts), &validation)
	assert.Contains(t, validation.Error(), "Crypt-Stale")
}

func TestConsistencyCheckFailsOnMissingFSTabEntry(t *testing.T) {
	pt, volumes := provisioned(t, &disk.Request{DiskMiB: 131072, Kind: disk.LayoutCryptoSubvolume})
	gen := NewGenerator(pt, volumes)
	artifacts, err := gen.Generate()
	require.NoError(t, err)

	// drop the encrypted root's line from the mount table
	rootUUID := pt.FindMountable("/").GetFSSpec().UUID
	require.NotEmpty(t, rootUUID)
	artifacts.FSTab = strings.ReplaceAll(artifacts.FSTab, rootUUID, "ffffffff-0000-0000-0000-000000000000")

	var validation *disk.ValidationError
	require.ErrorAs(t, gen.CheckConsistency(artifacts), &validation)
	assert.Contains(t, validation.Error(), "missing from the mount table")
}

func TestMountHookCryptoSubvolume(t *testing.T) {
	pt, volumes := provisioned(t, &disk.Request{DiskMiB: 131072, Kind: disk.LayoutCryptoSubvolume})
	gen := NewGenerator(pt, volumes)
	artifacts, err := gen.Generate()
	require.NoError(t, err)

	var mount *Hook
	for idx := range artifacts.Hooks {
		if artifacts.Hooks[idx].Name == "mountcrypt" {
			mount = &artifacts.Hooks[idx]
		}
	}
	require.NotNil(t, mount)

	assert.Contains(t, mount.Script, `cryptroot="/dev/mapper/Crypt-Root"`)
	assert.Contains(t, mount.Script, "subvol=@ ")
	assert.Contains(t, mount.Script, "subvol=@home")
	assert.Contains(t, mount.Script, "subvol=@usr")
	assert.Contains(t, mount.Script, "subvol=@var")

	// plain partitions are discovered by probing, not numbered device paths
	assert.Contains(t, mount.Script, "blkid -t TYPE=vfat")
	assert.Contains(t, mount.Script, `PARTLABEL="EFI"`)
	assert.Contains(t, mount.Script, `PARTLABEL="BOOT"`)
	assert.NotContains(t, mount.Script, "/dev/sda")
}

func TestMountHookMountsShallowBeforeDeep(t *testing.T) {
	pt, volumes := provisioned(t, &disk.Request{DiskMiB: 131072, Kind: disk.LayoutCryptoSubvolume})
	artifacts, err := NewGenerator(pt, volumes).Generate()
	require.NoError(t, err)

	var mount *Hook
	for idx := range artifacts.Hooks {
		if artifacts.Hooks[idx].Name == "mountcrypt" {
			mount = &artifacts.Hooks[idx]
		}
	}
	require.NotNil(t, mount)

	// /boot has to be mounted before /boot/efi: the other way round, the
	// boot mount would shadow the EFI filesystem
	bootIdx := strings.Index(mount.Script, `"$new_root/boot" ||`)
	efiIdx := strings.Index(mount.Script, `"$new_root/boot/efi" ||`)
	require.NotEqual(t, -1, bootIdx)
	require.NotEqual(t, -1, efiIdx)
	assert.Less(t, bootIdx, efiIdx)
}

func TestEncryptedBootArtifacts(t *testing.T) {
	pt, volumes := provisioned(t, &disk.Request{
		DiskMiB:     131072,
		Kind:        disk.LayoutCryptoSubvolume,
		EncryptBoot: true,
	})
	require.Len(t, volumes, 2)

	artifacts, err := NewGenerator(pt, volumes).Generate()
	require.NoError(t, err)

	// boot unlocks interactively at the bootloader, root chains a keyfile
	lines := strings.Split(strings.TrimSpace(artifacts.Crypttab), "\n")[1:]
	require.Len(t, lines, 2)
	assert.True(t, strings.HasPrefix(lines[0], "Crypt-Boot\tUUID="))
	assert.Contains(t, lines[0], "\tnone\tluks")
	assert.True(t, strings.HasPrefix(lines[1], "Crypt-Root\tUUID="))
	assert.Contains(t, lines[1], "\t/etc/cryptsetup-keys.d/cryptroot.key\tluks")

	var mount *Hook
	for idx := range artifacts.Hooks {
		if artifacts.Hooks[idx].Name == "mountcrypt" {
			mount = &artifacts.Hooks[idx]
		}
	}
	require.NotNil(t, mount)

	// root volume detection is by mount point, not provisioning order
	assert.Contains(t, mount.Script, `cryptroot="/dev/mapper/Crypt-Root"`)

	bootIdx := strings.Index(mount.Script, `mount -o rw "/dev/mapper/Crypt-Boot" "$new_root/boot"`)
	efiIdx := strings.Index(mount.Script, `"$new_root/boot/efi" ||`)
	require.NotEqual(t, -1, bootIdx)
	require.NotEqual(t, -1, efiIdx)
	assert.Less(t, bootIdx, efiIdx)

	// the mount table lists the filesystem inside the boot container
	assert.Contains(t, artifacts.FSTab, "\t/boot\t")
}

func TestMkinitcpioConfEncrypted(t *testing.T) {
	pt, volumes := provisioned(t, &disk.Request{DiskMiB: 131072, Kind: disk.LayoutCryptoSubvolume})
	gen := NewGenerator(pt, volumes)

	conf := gen.MkinitcpioConf()
	assert.Contains(t, conf, "crypttab-unlock mountcrypt")
	assert.Contains(t, conf, "lvm2")
	assert.NotContains(t, conf, "filesystems")
	assert.Contains(t, conf, "dm_crypt")
	assert.Contains(t, conf, "btrfs")
	assert.Contains(t, conf, "/etc/crypttab")
}

func TestMkinitcpioConfPlainStandard(t *testing.T) {
	pt, _ := provisioned(t, &disk.Request{DiskMiB: 131072, RAMMiB: 8192, Kind: disk.LayoutStandard})
	gen := NewGenerator(pt, nil)

	hooks := gen.Hooks()
	assert.Contains(t, hooks, "filesystems")
	assert.Contains(t, hooks, "fsck")
	assert.Contains(t, hooks, "usr") // separate /usr partition
	assert.NotContains(t, hooks, "crypttab-unlock")
	assert.NotContains(t, hooks, "lvm2")

	assert.Empty(t, gen.Files())
	assert.NotContains(t, gen.MkinitcpioConf(), "dm_crypt")
}

func TestGenerateIsDeterministic(t *testing.T) {
	build := func() *BootArtifacts {
		pt, volumes := provisioned(t, &disk.Request{DiskMiB: 131072, Kind: disk.LayoutCryptoSubvolume})
		artifacts, err := NewGenerator(pt, volumes).Generate()
		require.NoError(t, err)
		return artifacts
	}
	assert.Equal(t, build(), build())
}

func TestWriteArtifacts(t *testing.T) {
	pt, volumes := provisioned(t, &disk.Request{DiskMiB: 131072, Kind: disk.LayoutCryptoSubvolume})
	artifacts, err := NewGenerator(pt, volumes).Generate()
	require.NoError(t, err)

	root := t.TempDir()
	require.NoError(t, artifacts.Write(root))

	for _, path := range []string{
		"etc/fstab",
		"etc/crypttab",
		"etc/mkinitcpio.conf",
		"usr/lib/initcpio/hooks/crypttab-unlock",
		"usr/lib/initcpio/install/crypttab-unlock",
		"usr/lib/initcpio/hooks/mountcrypt",
		"usr/lib/initcpio/install/mountcrypt",
	} {
		_, err := os.Stat(filepath.Join(root, path))
		assert.NoError(t, err, path)
	}

	info, err := os.Stat(filepath.Join(root, "usr/lib/initcpio/hooks/mountcrypt"))
	require.NoError(t, err)
	assert.Equal(t, os.FileMode(0o755), info.Mode().Perm())
}
