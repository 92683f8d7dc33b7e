package btrfs

import (
	"context"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/forgeos/installer/internal/disk"
	"github.com/forgeos/installer/internal/executor"
)

func testVolume() *disk.Btrfs {
	return &disk.Btrfs{
		Label: "Root",
		Subvolumes: []disk.BtrfsSubvolume{
			{Name: "@", Mountpoint: "/", Compress: "zstd"},
			{Name: "@usr", Mountpoint: "/usr", Compress: "zstd"},
			{Name: "@var", Mountpoint: "/var", Compress: "zstd"},
			{Name: "@home", Mountpoint: "/home", Compress: "zstd"},
		},
	}
}

func TestCreateSubvolumesUnmountsScratchFirst(t *testing.T) {
	rec := executor.NewRecorder()
	mgr := NewManager(rec)
	vol := testVolume()
	ctx := context.Background()

	require.NoError(t, mgr.CreateSubvolumes(ctx, "/dev/mapper/Crypt-Root", vol))
	require.NoError(t, mgr.MountSubvolumes(ctx, "/dev/mapper/Crypt-Root", vol, "/mnt"))

	lines := rec.CommandLines()
	require.NotEmpty(t, lines)

	// first the scratch mount, then one create per subvolume, then the
	// scratch unmount, and only then the path mounts
	assert.True(t, strings.HasPrefix(lines[0], "mount /dev/mapper/Crypt-Root "))
	scratch := strings.Fields(lines[0])[2]

	umountIdx := -1
	firstPathMount := -1
	created := 0
	for idx, line := range lines {
		switch {
		case strings.HasPrefix(line, "btrfs subvolume create "):
			created++
			assert.True(t, strings.HasPrefix(strings.Fields(line)[3], scratch))
		case line == "umount "+scratch:
			umountIdx = idx
		case strings.HasPrefix(line, "mount -o subvol="):
			if firstPathMount == -1 {
				firstPathMount = idx
			}
		}
	}
	assert.Equal(t, 4, created)
	require.NotEqual(t, -1, umountIdx)
	require.NotEqual(t, -1, firstPathMount)
	assert.Less(t, umountIdx, firstPathMount)
}

func TestMountSubvolumesShallowToDeep(t *testing.T) {
	rec := executor.NewRecorder()
	mgr := NewManager(rec)

	// deliberately unordered
	vol := &disk.Btrfs{
		Subvolumes: []disk.BtrfsSubvolume{
			{Name: "@home", Mountpoint: "/home"},
			{Name: "@", Mountpoint: "/"},
			{Name: "@srv-www", Mountpoint: "/srv/www"},
			{Name: "@srv", Mountpoint: "/srv"},
		},
	}

	require.NoError(t, mgr.MountSubvolumes(context.Background(), "/dev/mapper/Crypt-Root", vol, "/mnt"))

	var targets []string
	for _, action := range rec.Actions {
		require.Equal(t, "mount", action.Name)
		targets = append(targets, action.Args[len(action.Args)-1])
	}
	assert.Equal(t, []string{"/mnt", "/mnt/home", "/mnt/srv", "/mnt/srv/www"}, targets)
}

func TestMountSubvolumesOptions(t *testing.T) {
	rec := executor.NewRecorder()
	mgr := NewManager(rec)

	require.NoError(t, mgr.MountSubvolumes(context.Background(), "/dev/mapper/Crypt-Root", testVolume(), "/mnt"))

	first := rec.Actions[0]
	assert.Equal(t, []string{"-o", "subvol=@,compress=zstd", "/dev/mapper/Crypt-Root", "/mnt"}, first.Args)
}
