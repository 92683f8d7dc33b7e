// Package bootfiles derives the boot-time configuration of the installed
// system: fstab, crypttab, the early-boot unlock and mount hooks and
// mkinitcpio.conf. Everything is derived from the partition table and the
// provisioned volume identities; no value is re-derived by string
// transformation along the way.
package bootfiles

import (
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"github.com/sirupsen/logrus"

	"github.com/forgeos/installer/internal/disk"
	"github.com/forgeos/installer/internal/luks"
)

// Hook is one mkinitcpio hook pair: the runtime script and the install
// script that bundles it into the early-boot image.
type Hook struct {
	Name    string
	Script  string
	Install string
}

// BootArtifacts holds every generated boot-time artifact, ready to be
// written into the target root.
type BootArtifacts struct {
	FSTab          string
	Crypttab       string
	Hooks          []Hook
	MkinitcpioConf string
}

// Generator derives boot artifacts from the provisioned system state.
type Generator struct {
	pt      *disk.PartitionTable
	volumes []*luks.Volume
}

func NewGenerator(pt *disk.PartitionTable, volumes []*luks.Volume) *Generator {
	return &Generator{pt: pt, volumes: volumes}
}

func (g *Generator) encrypted() bool {
	return len(g.volumes) > 0
}

// Generate derives all artifacts and verifies their mutual consistency.
func (g *Generator) Generate() (*BootArtifacts, error) {
	artifacts := &BootArtifacts{
		FSTab:    g.FSTab(),
		Crypttab: g.Crypttab(),
	}
	if g.encrypted() {
		artifacts.Hooks = []Hook{
			g.unlockHook(),
			g.mountHook(),
		}
	}
	artifacts.MkinitcpioConf = g.MkinitcpioConf()

	if err := g.CheckConsistency(artifacts); err != nil {
		return nil, err
	}
	return artifacts, nil
}

// FSTab renders the mount table: one line per mountable entity, keyed by
// filesystem UUID. The filesystem type is the entity's own configured type.
func (g *Generator) FSTab() string {
	var b strings.Builder
	b.WriteString("# /etc/fstab: static file system information.\n")
	b.WriteString("# <file system>\t<dir>\t<type>\t<options>\t<dump>\t<pass>\n")

	for _, mnt := range disk.MountablesByDepth(g.pt) {
		spec := mnt.GetFSSpec()
		opts := mnt.GetFSTabOptions()
		fmt.Fprintf(&b, "UUID=%s\t%s\t%s\t%s\t%d\t%d\n",
			spec.UUID, mnt.GetMountpoint(), mnt.GetFSType(), opts.MntOps, opts.Freq, opts.PassNo)
	}
	return b.String()
}

// Crypttab renders the unlock table. Every name is the mapper identity from
// provisioning, copied verbatim.
func (g *Generator) Crypttab() string {
	if !g.encrypted() {
		return ""
	}
	var b strings.Builder
	b.WriteString("# <name>\t<device>\t<keyfile>\t<options>\n")
	for _, volume := range g.volumes {
		keyfile := volume.Keyfile
		if keyfile == "" {
			keyfile = "none"
		}
		fmt.Fprintf(&b, "%s\tUUID=%s\t%s\tluks\n", volume.Identity.Name, volume.UUID, keyfile)
	}
	return b.String()
}

// Write persists all artifacts under the target root. Hook scripts are
// installed executable; everything else is plain configuration.
func (a *BootArtifacts) Write(installRoot string) error {
	files := map[string]string{
		"etc/fstab":           a.FSTab,
		"etc/mkinitcpio.conf": a.MkinitcpioConf,
	}
	if a.Crypttab != "" {
		files["etc/crypttab"] = a.Crypttab
	}
	for path, content := range files {
		full := filepath.Join(installRoot, path)
		if err := os.MkdirAll(filepath.Dir(full), 0o755); err != nil {
			return err
		}
		if err := os.WriteFile(full, []byte(content), 0o644); err != nil {
			return err
		}
		logrus.WithField("path", full).Info("wrote boot artifact")
	}

	for _, hook := range a.Hooks {
		runtime := filepath.Join(installRoot, "usr/lib/initcpio/hooks", hook.Name)
		install := filepath.Join(installRoot, "usr/lib/initcpio/install", hook.Name)
		for path, content := range map[string]string{runtime: hook.Script, install: hook.Install} {
			if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
				return err
			}
			if err := os.WriteFile(path, []byte(content), 0o755); err != nil {
				return err
			}
		}
		logrus.WithField("hook", hook.Name).Info("installed initcpio hook")
	}
	return nil
}

// CheckConsistency enforces the cross-artifact identity invariants: every
// mapper name in the unlock table must occur verbatim in the generated hook
// script bodies, and every mountable inside an encrypted container must
// carry a provisioned mapper identity and a filesystem UUID the mount table
// lists. A value that only one artifact knows about means they would
// disagree at boot.
func (g *Generator) CheckConsistency(a *BootArtifacts) error {
	if a.Crypttab != "" {
		var scripts strings.Builder
		for _, hook := range a.Hooks {
			scripts.WriteString(hook.Script)
		}
		body := scripts.String()

		for _, line := range strings.Split(a.Crypttab, "\n") {
			line = strings.TrimSpace(line)
			if line == "" || strings.HasPrefix(line, "#") {
				continue
			}
			name := strings.Fields(line)[0]
			if !strings.Contains(body, name) {
				return &disk.ValidationError{
					Reason: fmt.Sprintf("mapper name %q from crypttab does not appear in any hook script", name),
				}
			}
		}
	}

	known := make(map[string]bool, len(g.volumes))
	for _, volume := range g.volumes {
		known[volume.Identity.Name] = true
	}
	return g.pt.ForEachMountable(func(mnt disk.Mountable, path []disk.Entity) error {
		var container *disk.LUKSContainer
		for _, parent := range path {
			if c, ok := parent.(*disk.LUKSContainer); ok {
				container = c
			}
		}
		if container == nil {
			return nil
		}
		if !known[container.MapperName] {
			return &disk.ValidationError{
				Reason: fmt.Sprintf("mount %s sits on mapper %q, which no provisioned volume carries",
					mnt.GetMountpoint(), container.MapperName),
			}
		}
		uuid := mnt.GetFSSpec().UUID
		if uuid == "" || !strings.Contains(a.FSTab, "UUID="+uuid+"\t") {
			return &disk.ValidationError{
				Reason: fmt.Sprintf("encrypted mount %s is missing from the mount table", mnt.GetMountpoint()),
			}
		}
		return nil
	})
}
