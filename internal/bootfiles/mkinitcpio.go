package bootfiles

import (
	"fmt"
	"strings"

	"github.com/forgeos/installer/internal/disk"
)

// fsModules maps a filesystem type to the kernel module it needs in the
// early-boot image.
var fsModules = map[string]string{
	"ext4":  "ext4",
	"btrfs": "btrfs",
	"xfs":   "xfs",
	"f2fs":  "f2fs",
}

// Modules returns the MODULES array: one module per filesystem type in use,
// the vfat stack for the EFI partition, and the device-mapper crypto modules
// when anything is encrypted.
func (g *Generator) Modules() []string {
	var modules []string
	seen := map[string]bool{}
	_ = g.pt.ForEachMountable(func(mnt disk.Mountable, path []disk.Entity) error {
		module, ok := fsModules[mnt.GetFSType()]
		if ok && !seen[module] {
			seen[module] = true
			modules = append(modules, module)
		}
		return nil
	})

	modules = append(modules, "vfat", "fat", "nls_cp437", "nls_iso8859_1")
	if g.encrypted() {
		modules = append(modules, "dm_crypt", "dm_mod")
	}
	return modules
}

// Hooks returns the HOOKS array. With encryption the custom unlock and
// mount hooks replace the stock encrypt/filesystems pair; they do all the
// mounting themselves.
func (g *Generator) Hooks() []string {
	hooks := []string{
		"base", "udev", "autodetect", "modconf", "block",
		"keyboard", "keymap", "consolefont",
	}

	if g.encrypted() {
		hooks = append(hooks, "lvm2", "crypttab-unlock", "mountcrypt")
		return hooks
	}

	if g.usesBtrfs() {
		hooks = append(hooks, "btrfs")
	}
	hooks = append(hooks, "filesystems", "fsck")
	if g.hasSeparateUsr() {
		hooks = append(hooks, "usr")
	}
	return hooks
}

// Binaries returns the BINARIES array.
func (g *Generator) Binaries() []string {
	return []string{"lsblk"}
}

// Files returns the FILES array: crypttab and the keyfiles that actually
// exist, so mkinitcpio never references a file the provisioner did not
// create.
func (g *Generator) Files() []string {
	if !g.encrypted() {
		return nil
	}
	files := []string{"/etc/crypttab"}
	for _, volume := range g.volumes {
		if volume.Keyfile != "" {
			files = append(files, volume.Keyfile)
		}
	}
	return files
}

// MkinitcpioConf renders /etc/mkinitcpio.conf.
func (g *Generator) MkinitcpioConf() string {
	return fmt.Sprintf(`# mkinitcpio.conf
# See mkinitcpio(8) for details

MODULES=(%s)
BINARIES=(%s)
FILES=(%s)
HOOKS=(%s)

# Compression
COMPRESSION="zstd"
COMPRESSION_OPTIONS=(-T0)
`,
		strings.Join(g.Modules(), " "),
		strings.Join(g.Binaries(), " "),
		strings.Join(g.Files(), " "),
		strings.Join(g.Hooks(), " "))
}

func (g *Generator) usesBtrfs() bool {
	uses := false
	_ = g.pt.ForEachMountable(func(mnt disk.Mountable, path []disk.Entity) error {
		if mnt.GetFSType() == "btrfs" {
			uses = true
		}
		return nil
	})
	return uses
}

func (g *Generator) hasSeparateUsr() bool {
	for idx := range g.pt.Partitions {
		if fs, ok := g.pt.Partitions[idx].Payload.(*disk.Filesystem); ok && fs.Mountpoint == "/usr" {
			return true
		}
	}
	return false
}
