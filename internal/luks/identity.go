// Package luks formats and opens LUKS containers and manages their unlock
// credentials.
package luks

import "strings"

// KeyfileDir is where volume keyfiles live inside the installed system.
const KeyfileDir = "/etc/cryptsetup-keys.d"

// VolumeIdentity is the stable identity of one encrypted volume. It is
// created exactly once, when the volume is provisioned, and passed by
// reference to every consumer. Nothing downstream may re-derive the mapper
// name from a shorter or prefixed form; two artifacts once disagreed about a
// name because each applied its own case transformation.
type VolumeIdentity struct {
	// VolumeName is the human name, e.g. "Root".
	VolumeName string
	// Name is the device-mapper name, e.g. "Crypt-Root".
	Name string
}

// NewVolumeIdentity derives the mapper name from a volume name. This is the
// only place in the program where that derivation happens.
func NewVolumeIdentity(volumeName string) *VolumeIdentity {
	return &VolumeIdentity{
		VolumeName: volumeName,
		Name:       "Crypt-" + volumeName,
	}
}

// MapperPath returns the block device path of the opened volume.
func (id *VolumeIdentity) MapperPath() string {
	return "/dev/mapper/" + id.Name
}

// KeyfilePath returns the path of the volume's keyfile inside the installed
// system, e.g. "/etc/cryptsetup-keys.d/cryptroot.key".
func (id *VolumeIdentity) KeyfilePath() string {
	return KeyfileDir + "/crypt" + strings.ToLower(id.VolumeName) + ".key"
}
