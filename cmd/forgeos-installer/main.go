package main

import (
	"fmt"
	"os"
	"text/tabwriter"

	"github.com/sirupsen/logrus"
	"github.com/spf13/cobra"

	"github.com/forgeos/installer/internal/config"
	"github.com/forgeos/installer/internal/devices"
	"github.com/forgeos/installer/internal/disk"
	"github.com/forgeos/installer/internal/executor"
	"github.com/forgeos/installer/internal/install"
	"github.com/forgeos/installer/internal/luks"
)

var (
	configPath  string
	device      string
	diskSizeMiB uint64
	installRoot string
	keepMounted bool
	dryRun      bool
	showScript  bool
	showAll     bool
	verbose     bool
)

var rootCmd = &cobra.Command{
	Use:          "forgeos-installer",
	Short:        "provision disks and boot configuration for unattended deployments",
	SilenceUsage: true,
	PersistentPreRun: func(cmd *cobra.Command, args []string) {
		logrus.SetOutput(os.Stderr)
		if verbose {
			logrus.SetLevel(logrus.DebugLevel)
		} else {
			logrus.SetLevel(logrus.WarnLevel)
		}
	},
}

var planCmd = &cobra.Command{
	Use:   "plan",
	Short: "compute the partition layout without touching the disk",
	RunE: func(cmd *cobra.Command, args []string) error {
		cfg, req, err := loadRequest()
		if err != nil {
			return err
		}

		pt, err := disk.Compute(req)
		if err != nil {
			return err
		}

		printLayout(cfg.Disk.Device, pt)
		if showScript {
			fmt.Println()
			fmt.Print(disk.SfdiskScript(cfg.Disk.Device, pt))
		}
		return nil
	},
}

var installCmd = &cobra.Command{
	Use:   "install",
	Short: "partition, encrypt, format and mount the target disk",
	RunE: func(cmd *cobra.Command, args []string) error {
		cfg, req, err := loadRequest()
		if err != nil {
			return err
		}

		var exec executor.Executor = executor.NewHost()
		var rec *executor.Recorder
		if dryRun {
			rec = executor.NewRecorder()
			exec = rec
		}

		var passphrase luks.PassphraseFunc
		if cfg.Disk.Encrypted() {
			passphrase = luks.StaticPassphrase(cfg.Disk.EncryptionPassword)
		}

		inst := install.New(exec, install.Options{
			Device:      cfg.Disk.Device,
			InstallRoot: installRoot,
			Request:     req,
			Passphrase:  passphrase,
		})
		result, err := inst.Run(cmd.Context())
		if err != nil {
			return err
		}
		if !keepMounted {
			if err := inst.Finalize(cmd.Context()); err != nil {
				return err
			}
		}

		if dryRun {
			fmt.Println("# commands that would run:")
			for _, line := range rec.CommandLines() {
				fmt.Println(line)
			}
			fmt.Println()
			fmt.Println("# generated fstab:")
			fmt.Print(result.Artifacts.FSTab)
			if result.Artifacts.Crypttab != "" {
				fmt.Println()
				fmt.Println("# generated crypttab:")
				fmt.Print(result.Artifacts.Crypttab)
			}
			return nil
		}

		if keepMounted {
			fmt.Printf("provisioned %s, system mounted at %s\n", cfg.Disk.Device, installRoot)
		} else {
			fmt.Printf("provisioned %s\n", cfg.Disk.Device)
		}
		return nil
	},
}

var listDevicesCmd = &cobra.Command{
	Use:   "list-devices",
	Short: "list candidate target disks",
	RunE: func(cmd *cobra.Command, args []string) error {
		found, err := devices.List(showAll)
		if err != nil {
			return err
		}

		w := tabwriter.NewWriter(os.Stdout, 0, 0, 2, ' ', 0)
		fmt.Fprintln(w, "DEVICE\tSIZE (MiB)\tMODEL")
		for _, dev := range found {
			fmt.Fprintf(w, "%s\t%d\t%s\n", dev.Path, dev.SizeMiB(), dev.Model)
		}
		return w.Flush()
	},
}

var sampleConfigCmd = &cobra.Command{
	Use:   "sample-config",
	Short: "print a sample configuration file",
	RunE: func(cmd *cobra.Command, args []string) error {
		return config.Dump(config.Sample(), os.Stdout)
	},
}

// loadRequest loads and validates the configuration and turns it into a
// layout request sized for the target device.
func loadRequest() (*config.Config, *disk.Request, error) {
	cfg, err := config.Load(configPath)
	if err != nil {
		return nil, nil, err
	}
	if device != "" {
		cfg.Disk.Device = device
	}
	if err := cfg.Validate(); err != nil {
		return nil, nil, err
	}

	sizeMiB := diskSizeMiB
	if sizeMiB == 0 {
		info, err := devices.Info(cfg.Disk.Device)
		if err != nil {
			return nil, nil, err
		}
		sizeMiB = info.SizeMiB()
	}

	return cfg, cfg.Request(sizeMiB, devices.RAMMiB()), nil
}

func printLayout(device string, pt *disk.PartitionTable) {
	w := tabwriter.NewWriter(os.Stdout, 0, 0, 2, ' ', 0)
	fmt.Fprintf(w, "# layout for %s (%d MiB)\n", device, pt.SizeMiB)
	fmt.Fprintln(w, "NUMBER\tLABEL\tSIZE (MiB)\tCONTENT\tMOUNTPOINT")
	for idx := range pt.Partitions {
		part := &pt.Partitions[idx]
		content, mountpoint := describePayload(part.Payload)
		fmt.Fprintf(w, "%d\t%s\t%d\t%s\t%s\n", part.Number, part.Label, part.SizeMiB, content, mountpoint)
	}
	_ = w.Flush()
}

func describePayload(payload disk.Entity) (content, mountpoint string) {
	switch p := payload.(type) {
	case *disk.Filesystem:
		return p.Type, p.Mountpoint
	case *disk.Swap:
		return "swap", ""
	case *disk.LUKSContainer:
		inner, mnt := describePayload(p.Payload)
		return fmt.Sprintf("luks2 %s (%s)", luks.NewVolumeIdentity(p.Label).Name, inner), mnt
	case *disk.Btrfs:
		return "btrfs", fmt.Sprintf("%d subvolumes", len(p.Subvolumes))
	default:
		return "", ""
	}
}

func main() {
	rootCmd.PersistentFlags().StringVarP(&configPath, "config", "c", "/etc/forgeos-installer/deploy.toml", "deployment configuration file")
	rootCmd.PersistentFlags().StringVarP(&device, "device", "d", "", "override the target device from the configuration")
	rootCmd.PersistentFlags().Uint64Var(&diskSizeMiB, "disk-size-mib", 0, "assume this disk size instead of reading it from the device")
	rootCmd.PersistentFlags().BoolVarP(&verbose, "verbose", "v", false, "enable debug logging")

	planCmd.Flags().BoolVar(&showScript, "script", false, "also print the sfdisk script")

	installCmd.Flags().BoolVar(&dryRun, "dry-run", false, "print the commands and artifacts instead of executing")
	installCmd.Flags().StringVar(&installRoot, "install-root", "/mnt", "where to mount the new system")
	installCmd.Flags().BoolVar(&keepMounted, "keep-mounted", false, "leave the target mounted and the volumes open for follow-up steps")

	listDevicesCmd.Flags().BoolVar(&showAll, "all", false, "include small, read-only and mounted devices")

	rootCmd.AddCommand(planCmd, installCmd, listDevicesCmd, sampleConfigCmd)
	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}
