package bootfiles

import (
	"fmt"
	"sort"
	"strings"

	"github.com/forgeos/installer/internal/disk"
	"github.com/forgeos/installer/internal/luks"
)

// unlockHook generates the early-boot unlock stage. Every volume gets its
// own block with the mapper name written out literally; the script never
// derives a name from the crypttab entry or anything else, because a
// transformation here and a different one elsewhere is exactly how unlock
// names drift apart.
func (g *Generator) unlockHook() Hook {
	var blocks strings.Builder
	for _, volume := range g.volumes {
		device := "/dev/disk/by-uuid/" + volume.UUID
		fmt.Fprintf(&blocks, "\n    wait_for_device %q || ret=1\n", device)
		if volume.Keyfile != "" {
			fmt.Fprintf(&blocks, "    cryptsetup open %q %q --key-file %q || {\n", device, volume.Identity.Name, volume.Keyfile)
		} else {
			fmt.Fprintf(&blocks, "    cryptsetup open %q %q || {\n", device, volume.Identity.Name)
		}
		fmt.Fprintf(&blocks, "        echo \"[crypttab-unlock] ERROR: failed to unlock %s\" >&2\n", volume.Identity.Name)
		blocks.WriteString("        ret=1\n    }\n")
	}

	script := fmt.Sprintf(`#!/usr/bin/ash
# crypttab-unlock: unlock every LUKS volume of this installation.

wait_for_device() {
    local devpath="$1"
    local timeout=20

    while [ ! -e "$devpath" ] && [ $timeout -gt 0 ]; do
        sleep 0.5
        timeout=$((timeout - 1))
    done

    if [ ! -e "$devpath" ]; then
        echo "[crypttab-unlock] ERROR: device $devpath not found after waiting." >&2
        return 1
    fi
    return 0
}

run_hook() {
    if ! command -v cryptsetup >/dev/null 2>&1; then
        echo "[crypttab-unlock] ERROR: cryptsetup not found in initramfs." >&2
        return 1
    fi

    local ret=0
%s
    return $ret
}

run_hook
`, blocks.String())

	install := `#!/bin/bash

build() {
    local mod

    map add_module 'dm-crypt' 'hid-generic?'
    if [[ -n "$CRYPTO_MODULES" ]]; then
        for mod in $CRYPTO_MODULES; do
            add_module "$mod"
        done
    else
        add_all_modules '/crypto/'
    fi

    add_binary 'cryptsetup'

    map add_udev_rule \
        '10-dm.rules' \
        '13-dm-disk.rules' \
        '95-dm-notify.rules'

    # cryptsetup calls pthread_create(), which dlopen()s libgcc_s.so.1
    add_binary '/usr/lib/libgcc_s.so.1'

    add_runscript
}
`

	return Hook{Name: "crypttab-unlock", Script: script, Install: install}
}

// mountHook generates the early-boot mount stage: root first, then the other
// encrypted volumes, then every remaining unencrypted system partition,
// discovered by filesystem-type probing rather than partition number. Each
// group mounts shallow to deep. A partition the post-boot fstab references
// but this stage skips would leave the two disagreeing about what is
// mounted.
func (g *Generator) mountHook() Hook {
	rootVolume, rootContainer := g.rootVolume()

	var blocks strings.Builder

	switch payload := rootContainer.Payload.(type) {
	case *disk.Btrfs:
		var root *disk.BtrfsSubvolume
		for idx := range payload.Subvolumes {
			if payload.Subvolumes[idx].Mountpoint == "/" {
				root = &payload.Subvolumes[idx]
			}
		}
		fmt.Fprintf(&blocks, `
    mount -o rw,subvol=%s "$cryptroot" "$new_root" || {
        echo "[mountcrypt] ERROR: mounting root subvolume failed" >&2
        return 1
    }
`, root.Name)
		for _, subvol := range payload.Subvolumes {
			if subvol.Mountpoint == "/" {
				continue
			}
			fmt.Fprintf(&blocks, `
    mkdir -p "$new_root%[1]s"
    mount -o rw,subvol=%[2]s "$cryptroot" "$new_root%[1]s" || {
        echo "[mountcrypt] Warning: could not mount subvolume %[2]s on $new_root%[1]s" >&2
    }
`, subvol.Mountpoint, subvol.Name)
		}
	case *disk.Filesystem:
		blocks.WriteString(`
    mount -o rw "$cryptroot" "$new_root" || {
        echo "[mountcrypt] ERROR: mounting root volume failed" >&2
        return 1
    }
`)
	}

	// the non-root encrypted volumes mount by their recorded mapper names,
	// shallow to deep
	type mapperMount struct {
		name string
		fs   *disk.Filesystem
	}
	var mappers []mapperMount
	for _, volume := range g.volumes {
		if volume == rootVolume {
			continue
		}
		fs := g.payloadFilesystem(volume)
		if fs == nil || fs.Mountpoint == "" {
			continue
		}
		mappers = append(mappers, mapperMount{volume.Identity.Name, fs})
	}
	sort.SliceStable(mappers, func(i, j int) bool {
		return disk.MountpointDepth(mappers[i].fs.Mountpoint) < disk.MountpointDepth(mappers[j].fs.Mountpoint)
	})
	for _, mm := range mappers {
		fmt.Fprintf(&blocks, `
    wait_for_mapper "/dev/mapper/%[1]s"
    mkdir -p "$new_root%[2]s"
    mount -o rw "/dev/mapper/%[1]s" "$new_root%[2]s" || {
        echo "[mountcrypt] Warning: could not mount %[1]s on $new_root%[2]s" >&2
    }
`, mm.name, mm.fs.Mountpoint)
	}

	// remaining plain partitions, found by probing, never by number. Also
	// ordered shallow to deep: mounting /boot after /boot/efi would shadow
	// the EFI mount.
	type plainMount struct {
		label string
		fs    *disk.Filesystem
	}
	var plains []plainMount
	for idx := range g.pt.Partitions {
		part := &g.pt.Partitions[idx]
		fs, ok := part.Payload.(*disk.Filesystem)
		if !ok || fs.Mountpoint == "" {
			continue
		}
		plains = append(plains, plainMount{part.Label, fs})
	}
	sort.SliceStable(plains, func(i, j int) bool {
		return disk.MountpointDepth(plains[i].fs.Mountpoint) < disk.MountpointDepth(plains[j].fs.Mountpoint)
	})
	for _, pm := range plains {
		fmt.Fprintf(&blocks, `
    part=""
    for dev in $(blkid -t TYPE=%[1]s -o device); do
        if blkid "$dev" | grep -qi 'PARTLABEL="%[2]s"'; then
            part="$dev"
            break
        fi
    done
    if [ -n "$part" ] && [ -b "$part" ]; then
        mkdir -p "$new_root%[3]s"
        mount -o rw "$part" "$new_root%[3]s" || {
            echo "[mountcrypt] Warning: failed to mount %[2]s partition $part" >&2
        }
    else
        echo "[mountcrypt] Warning: %[2]s partition not found, skipping" >&2
    fi
`, pm.fs.Type, pm.label, pm.fs.Mountpoint)
	}

	script := fmt.Sprintf(`#!/usr/bin/ash
# mountcrypt: mount the unlocked volumes and the remaining system partitions.

wait_for_mapper() {
    local devpath="$1"
    local timeout=20

    while [ ! -b "$devpath" ] && [ $timeout -gt 0 ]; do
        sleep 0.5
        timeout=$((timeout - 1))
    done
}

run_hook() {
    new_root="/new_root"
    cryptroot="/dev/mapper/%s"

    wait_for_mapper "$cryptroot"
    if [ ! -b "$cryptroot" ]; then
        echo "[mountcrypt] ERROR: $cryptroot not found" >&2
        return 1
    fi

    mkdir -p "$new_root"
%s}

run_hook
`, rootVolume.Identity.Name, blocks.String())

	install := `#!/bin/bash

build() {
    add_binary 'blkid'
    add_runscript
}

help() {
    echo "mountcrypt: mount the unlocked volumes and remaining system partitions"
}
`

	return Hook{Name: "mountcrypt", Script: script, Install: install}
}

// rootVolume returns the volume (and its container) that carries the root
// filesystem. Falls back to the first volume, which provisioning order makes
// the credential-chain root.
func (g *Generator) rootVolume() (*luks.Volume, *disk.LUKSContainer) {
	containers := g.pt.LUKSContainers()
	for _, container := range containers {
		if !mountsRoot(container) {
			continue
		}
		for _, volume := range g.volumes {
			if volume.Identity.Name == container.MapperName {
				return volume, container
			}
		}
	}
	for _, container := range containers {
		if container.MapperName == g.volumes[0].Identity.Name {
			return g.volumes[0], container
		}
	}
	return g.volumes[0], nil
}

func mountsRoot(container *disk.LUKSContainer) bool {
	switch payload := container.Payload.(type) {
	case *disk.Filesystem:
		return payload.Mountpoint == "/"
	case *disk.Btrfs:
		for _, subvol := range payload.Subvolumes {
			if subvol.Mountpoint == "/" {
				return true
			}
		}
	}
	return false
}

func (g *Generator) payloadFilesystem(volume *luks.Volume) *disk.Filesystem {
	for _, container := range g.pt.LUKSContainers() {
		if container.MapperName != volume.Identity.Name {
			continue
		}
		if fs, ok := container.Payload.(*disk.Filesystem); ok {
			return fs
		}
	}
	return nil
}
