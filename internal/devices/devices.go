// Package devices enumerates and inspects block devices through sysfs and
// procfs. The filesystem roots are package variables so tests can point them
// at fixture trees.
package devices

import (
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"strconv"
	"strings"
	"time"

	"github.com/gobwas/glob"
	"github.com/sirupsen/logrus"
	"golang.org/x/sys/unix"
)

// Overridable in tests.
var (
	sysBlockRoot = "/sys/block"
	procRoot     = "/proc"
	devRoot      = "/dev"
)

// DeviceNotFoundError is returned when a block device does not exist or does
// not appear within the wait timeout.
type DeviceNotFoundError struct {
	Device string
}

func (e *DeviceNotFoundError) Error() string {
	return "block device not found: " + e.Device
}

// BlockDevice describes one disk.
type BlockDevice struct {
	Path      string // /dev/sda
	Name      string // sda
	SizeBytes uint64
	Model     string
	Removable bool
	ReadOnly  bool
}

func (d *BlockDevice) SizeMiB() uint64 {
	return d.SizeBytes / (1024 * 1024)
}

func readSysfsAttr(device, attr string) (string, bool) {
	data, err := os.ReadFile(filepath.Join(sysBlockRoot, device, attr))
	if err != nil {
		return "", false
	}
	return strings.TrimSpace(string(data)), true
}

func readSysfsUint(device, attr string) (uint64, bool) {
	value, ok := readSysfsAttr(device, attr)
	if !ok {
		return 0, false
	}
	n, err := strconv.ParseUint(value, 10, 64)
	if err != nil {
		return 0, false
	}
	return n, true
}

// nvme namespaces expose their partitions under /sys/block too; skip those.
var partitionNameGlob = glob.MustCompile("{nvme*p[0-9]*,mmcblk*p[0-9]*}")

// List returns the block devices that are plausible installation targets:
// not loop devices, not read-only, not currently mounted and at least 1 GiB.
// With all set, nothing is filtered out.
func List(all bool) ([]BlockDevice, error) {
	entries, err := os.ReadDir(sysBlockRoot)
	if err != nil {
		return nil, fmt.Errorf("reading %s: %w", sysBlockRoot, err)
	}

	var devices []BlockDevice
	for _, entry := range entries {
		name := entry.Name()
		if partitionNameGlob.Match(name) {
			continue
		}
		if !all && strings.HasPrefix(name, "loop") {
			continue
		}

		sizeSectors, ok := readSysfsUint(name, "size")
		if !ok || sizeSectors == 0 {
			continue
		}
		sectorSize, ok := readSysfsUint(name, "queue/logical_block_size")
		if !ok {
			sectorSize = 512
		}
		sizeBytes := sizeSectors * sectorSize
		if !all && sizeBytes < 1024*1024*1024 {
			continue
		}

		readOnly, _ := readSysfsUint(name, "ro")
		if !all && readOnly == 1 {
			continue
		}

		path := filepath.Join(devRoot, name)
		if !all && isMounted(path) {
			continue
		}

		removable, _ := readSysfsUint(name, "removable")
		model, _ := readSysfsAttr(name, "device/model")

		devices = append(devices, BlockDevice{
			Path:      path,
			Name:      name,
			SizeBytes: sizeBytes,
			Model:     model,
			Removable: removable == 1,
			ReadOnly:  readOnly == 1,
		})
	}

	sort.Slice(devices, func(i, j int) bool {
		return devices[i].Path < devices[j].Path
	})
	return devices, nil
}

// Info returns the sysfs description of one disk.
func Info(devicePath string) (*BlockDevice, error) {
	name := filepath.Base(devicePath)
	sizeSectors, ok := readSysfsUint(name, "size")
	if !ok {
		return nil, &DeviceNotFoundError{Device: devicePath}
	}
	sectorSize, ok := readSysfsUint(name, "queue/logical_block_size")
	if !ok {
		sectorSize = 512
	}

	readOnly, _ := readSysfsUint(name, "ro")
	removable, _ := readSysfsUint(name, "removable")
	model, _ := readSysfsAttr(name, "device/model")

	return &BlockDevice{
		Path:      devicePath,
		Name:      name,
		SizeBytes: sizeSectors * sectorSize,
		Model:     model,
		Removable: removable == 1,
		ReadOnly:  readOnly == 1,
	}, nil
}

func isMounted(devicePath string) bool {
	data, err := os.ReadFile(filepath.Join(procRoot, "mounts"))
	if err != nil {
		return false
	}
	for _, line := range strings.Split(string(data), "\n") {
		if strings.HasPrefix(line, devicePath+" ") || strings.HasPrefix(line, devicePath+"p") ||
			(strings.HasPrefix(line, devicePath) && len(line) > len(devicePath) && line[len(devicePath)] >= '0' && line[len(devicePath)] <= '9') {
			return true
		}
	}
	return false
}

// IsBlockDevice reports whether the path exists and is a block special file.
func IsBlockDevice(path string) bool {
	var stat unix.Stat_t
	if err := unix.Stat(path, &stat); err != nil {
		return false
	}
	return stat.Mode&unix.S_IFMT == unix.S_IFBLK
}

// WaitForDevice polls until the given device node appears, up to the
// timeout. Used after partition table writes, when the kernel may take a
// moment to create the partition nodes.
func WaitForDevice(path string, timeout time.Duration) error {
	deadline := time.Now().Add(timeout)
	for {
		if IsBlockDevice(path) {
			return nil
		}
		if time.Now().After(deadline) {
			logrus.WithField("device", path).Warn("device did not appear before timeout")
			return &DeviceNotFoundError{Device: path}
		}
		time.Sleep(100 * time.Millisecond)
	}
}

// RAMMiB returns the system memory size from /proc/meminfo. Falls back to
// 8 GiB when meminfo is unreadable.
func RAMMiB() uint64 {
	data, err := os.ReadFile(filepath.Join(procRoot, "meminfo"))
	if err != nil {
		return 8192
	}
	for _, line := range strings.Split(string(data), "\n") {
		if !strings.HasPrefix(line, "MemTotal:") {
			continue
		}
		fields := strings.Fields(line)
		if len(fields) < 2 {
			break
		}
		kb, err := strconv.ParseUint(fields[1], 10, 64)
		if err != nil {
			break
		}
		return kb / 1024
	}
	return 8192
}
