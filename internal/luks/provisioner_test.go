package luks

import (
	"context"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/forgeos/installer/internal/disk"
	"github.com/forgeos/installer/internal/executor"
)

func TestVolumeIdentity(t *testing.T) {
	identity := NewVolumeIdentity("Root")
	assert.Equal(t, "Crypt-Root", identity.Name)
	assert.Equal(t, "/dev/mapper/Crypt-Root", identity.MapperPath())
	assert.Equal(t, "/etc/cryptsetup-keys.d/cryptroot.key", identity.KeyfilePath())

	home := NewVolumeIdentity("Home")
	assert.Equal(t, "Crypt-Home", home.Name)
	assert.Equal(t, "/etc/cryptsetup-keys.d/crypthome.key", home.KeyfilePath())
}

func encryptedTable(t *testing.T) *disk.PartitionTable {
	t.Helper()
	pt, err := disk.Compute(&disk.Request{
		DiskMiB: 131072,
		RAMMiB:  8192,
		Kind:    disk.LayoutStandard,
		Encrypt: true,
	})
	require.NoError(t, err)
	return pt
}

func TestProvisionAllDryRun(t *testing.T) {
	pt := encryptedTable(t)
	rec := executor.NewRecorder()
	prov := NewProvisioner(rec, StaticPassphrase("hunter2"))

	volumes, err := prov.ProvisionAll(context.Background(), pt, "/dev/sda")
	require.NoError(t, err)
	require.Len(t, volumes, 4)

	names := []string{}
	for _, volume := range volumes {
		names = append(names, volume.Identity.Name)
		assert.NotEmpty(t, volume.UUID)
	}
	assert.Equal(t, []string{"Crypt-Root", "Crypt-Usr", "Crypt-Var", "Crypt-Home"}, names)
	assert.Equal(t, "/dev/sda4", volumes[0].Device)

	// the identities were written back into the layout tree
	containers := pt.LUKSContainers()
	require.Len(t, containers, 4)
	for idx, container := range containers {
		assert.Equal(t, volumes[idx].Identity.Name, container.MapperName)
		assert.Equal(t, volumes[idx].UUID, container.UUID)
	}

	// dry run never probes isLuks: the recorder would answer "yes" and the
	// container would be skipped instead of formatted
	var sawFormat, sawProbe bool
	for _, action := range rec.Actions {
		line := action.String()
		if strings.HasPrefix(line, "cryptsetup luksFormat") {
			sawFormat = true
			assert.Equal(t, "hunter2\n", action.Stdin)
			assert.Contains(t, line, "--type luks2")
			assert.Contains(t, line, "--pbkdf argon2id")
		}
		if strings.HasPrefix(line, "cryptsetup isLuks") {
			sawProbe = true
		}
	}
	assert.True(t, sawFormat)
	assert.False(t, sawProbe)
}

func TestProvisionLUKS1BootContainer(t *testing.T) {
	pt, err := disk.Compute(&disk.Request{
		DiskMiB:     131072,
		Kind:        disk.LayoutCryptoSubvolume,
		EncryptBoot: true,
	})
	require.NoError(t, err)

	rec := executor.NewRecorder()
	prov := NewProvisioner(rec, StaticPassphrase("hunter2"))

	volumes, err := prov.ProvisionAll(context.Background(), pt, "/dev/sda")
	require.NoError(t, err)
	require.Len(t, volumes, 2)
	assert.Equal(t, "Crypt-Boot", volumes[0].Identity.Name)
	assert.Equal(t, "Crypt-Root", volumes[1].Identity.Name)

	// the boot container is LUKS1/pbkdf2 for GRUB, the root stays LUKS2
	var bootFormat, rootFormat string
	for _, action := range rec.Actions {
		line := action.String()
		if !strings.HasPrefix(line, "cryptsetup luksFormat") {
			continue
		}
		switch {
		case strings.HasSuffix(line, "/dev/sda2"):
			bootFormat = line
		case strings.HasSuffix(line, "/dev/sda3"):
			rootFormat = line
		}
	}
	require.NotEmpty(t, bootFormat)
	require.NotEmpty(t, rootFormat)
	assert.Contains(t, bootFormat, "--type luks1")
	assert.NotContains(t, bootFormat, "argon2id")
	assert.Contains(t, rootFormat, "--type luks2")
	assert.Contains(t, rootFormat, "--pbkdf argon2id")

	// the boot passphrase stays interactive, root chains off a keyfile
	require.NoError(t, prov.SetupKeyfiles(context.Background(), volumes, "/mnt"))
	assert.Empty(t, volumes[0].Keyfile)
	assert.Equal(t, "/etc/cryptsetup-keys.d/cryptroot.key", volumes[1].Keyfile)
}

func TestProvisionDryRunUUIDIsDeterministic(t *testing.T) {
	run := func() []string {
		pt := encryptedTable(t)
		prov := NewProvisioner(executor.NewRecorder(), StaticPassphrase("hunter2"))
		volumes, err := prov.ProvisionAll(context.Background(), pt, "/dev/sda")
		require.NoError(t, err)
		uuids := []string{}
		for _, volume := range volumes {
			uuids = append(uuids, volume.UUID)
		}
		return uuids
	}
	assert.Equal(t, run(), run())
}

func TestSetupKeyfiles(t *testing.T) {
	pt := encryptedTable(t)
	rec := executor.NewRecorder()
	prov := NewProvisioner(rec, StaticPassphrase("hunter2"))

	volumes, err := prov.ProvisionAll(context.Background(), pt, "/dev/sda")
	require.NoError(t, err)

	require.NoError(t, prov.SetupKeyfiles(context.Background(), volumes, "/mnt"))

	// root keeps interactive unlock, the rest get keyfiles
	assert.Empty(t, volumes[0].Keyfile)
	assert.Equal(t, "/etc/cryptsetup-keys.d/cryptusr.key", volumes[1].Keyfile)
	assert.Equal(t, "/etc/cryptsetup-keys.d/cryptvar.key", volumes[2].Keyfile)
	assert.Equal(t, "/etc/cryptsetup-keys.d/crypthome.key", volumes[3].Keyfile)

	var addKeyDevices []string
	for _, action := range rec.Actions {
		if action.Name == "cryptsetup" && len(action.Args) > 0 && action.Args[0] == "luksAddKey" {
			addKeyDevices = append(addKeyDevices, action.Args[1])
			// enrollment is authorized by the root passphrase
			assert.Equal(t, "hunter2\n", action.Stdin)
		}
	}
	assert.Equal(t, []string{"/dev/sda5", "/dev/sda6", "/dev/sda7"}, addKeyDevices)
}

func TestCloseReverseOrder(t *testing.T) {
	pt := encryptedTable(t)
	rec := executor.NewRecorder()
	prov := NewProvisioner(rec, StaticPassphrase("hunter2"))

	volumes, err := prov.ProvisionAll(context.Background(), pt, "/dev/sda")
	require.NoError(t, err)

	before := len(rec.Actions)
	require.NoError(t, prov.Close(context.Background(), volumes))

	var closed []string
	for _, action := range rec.Actions[before:] {
		require.Equal(t, "cryptsetup", action.Name)
		require.Equal(t, "close", action.Args[0])
		closed = append(closed, action.Args[1])
	}
	assert.Equal(t, []string{"Crypt-Home", "Crypt-Var", "Crypt-Usr", "Crypt-Root"}, closed)
}

func TestPassphraseErrorPropagates(t *testing.T) {
	pt := encryptedTable(t)
	prov := NewProvisioner(executor.NewRecorder(), func() (string, error) {
		return "", context.DeadlineExceeded
	})

	_, err := prov.ProvisionAll(context.Background(), pt, "/dev/sda")
	assert.ErrorIs(t, err, context.DeadlineExceeded)
}
