package devices

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func writeAttr(t *testing.T, root, device, attr, value string) {
	t.Helper()
	path := filepath.Join(root, device, attr)
	require.NoError(t, os.MkdirAll(filepath.Dir(path), 0o755))
	require.NoError(t, os.WriteFile(path, []byte(value+"\n"), 0o644))
}

func setupFixtures(t *testing.T) {
	t.Helper()
	sysRoot := t.TempDir()
	prRoot := t.TempDir()

	// a 128 GiB ssd
	writeAttr(t, sysRoot, "sda", "size", "268435456")
	writeAttr(t, sysRoot, "sda", "queue/logical_block_size", "512")
	writeAttr(t, sysRoot, "sda", "ro", "0")
	writeAttr(t, sysRoot, "sda", "removable", "0")
	writeAttr(t, sysRoot, "sda", "device/model", "TESTDISK 128")

	// a 64 GiB nvme namespace plus a partition entry that must be skipped
	writeAttr(t, sysRoot, "nvme0n1", "size", "134217728")
	writeAttr(t, sysRoot, "nvme0n1", "queue/logical_block_size", "512")
	writeAttr(t, sysRoot, "nvme0n1", "ro", "0")
	writeAttr(t, sysRoot, "nvme0n1p1", "size", "1048576")

	// a loop device and a read-only device, both filtered by default
	writeAttr(t, sysRoot, "loop0", "size", "8388608")
	writeAttr(t, sysRoot, "sdb", "size", "268435456")
	writeAttr(t, sysRoot, "sdb", "ro", "1")

	require.NoError(t, os.WriteFile(filepath.Join(prRoot, "mounts"), []byte(
		"/dev/sdc1 / ext4 rw,relatime 0 0\n"), 0o644))
	require.NoError(t, os.WriteFile(filepath.Join(prRoot, "meminfo"), []byte(
		"MemTotal:        8388608 kB\nMemFree:         123456 kB\n"), 0o644))

	oldSys, oldProc := sysBlockRoot, procRoot
	sysBlockRoot, procRoot = sysRoot, prRoot
	t.Cleanup(func() {
		sysBlockRoot, procRoot = oldSys, oldProc
	})
}

func TestList(t *testing.T) {
	setupFixtures(t)

	devices, err := List(false)
	require.NoError(t, err)
	require.Len(t, devices, 2)

	assert.Equal(t, "/dev/nvme0n1", devices[0].Path)
	assert.Equal(t, uint64(64*1024), devices[0].SizeMiB())
	assert.Equal(t, "/dev/sda", devices[1].Path)
	assert.Equal(t, "TESTDISK 128", devices[1].Model)
	assert.Equal(t, uint64(128*1024), devices[1].SizeMiB())
}

func TestListAll(t *testing.T) {
	setupFixtures(t)

	devices, err := List(true)
	require.NoError(t, err)
	// loop0 and the read-only sdb are included, the nvme partition is not
	require.Len(t, devices, 4)
	for _, device := range devices {
		assert.NotEqual(t, "nvme0n1p1", device.Name)
	}
}

func TestInfo(t *testing.T) {
	setupFixtures(t)

	device, err := Info("/dev/sda")
	require.NoError(t, err)
	assert.Equal(t, "sda", device.Name)
	assert.Equal(t, uint64(128*1024), device.SizeMiB())

	_, err = Info("/dev/sdz")
	var notFound *DeviceNotFoundError
	require.ErrorAs(t, err, &notFound)
	assert.Equal(t, "/dev/sdz", notFound.Device)
}

func TestRAMMiB(t *testing.T) {
	setupFixtures(t)
	assert.Equal(t, uint64(8192), RAMMiB())
}

func TestWaitForDeviceTimesOut(t *testing.T) {
	err := WaitForDevice("/dev/does-not-exist", 150*time.Millisecond)
	var notFound *DeviceNotFoundError
	require.ErrorAs(t, err, &notFound)
}
