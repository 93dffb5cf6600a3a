package main

import (
	"fmt"
	"os"
	"strings"

	"github.com/sirupsen/logrus"
	"github.com/spf13/cobra"

	"github.com/pvforge/pvforge/internal/blockdev"
	"github.com/pvforge/pvforge/internal/storagepool"
)

var (
	disksFlag     string
	raidFlag      string
	poolFlag      string
	mountRootFlag string
)

var poolCmd = &cobra.Command{
	Use:          "pvforge-pool",
	Short:        "Create and register a storage pool on a hypervisor host",
	SilenceUsage: true,
	RunE: func(cmd *cobra.Command, args []string) error {
		topology, err := storagepool.ParseTopology(raidFlag)
		if err != nil {
			return err
		}

		var disks []string
		for _, d := range strings.Split(disksFlag, ",") {
			if d = strings.TrimSpace(d); d != "" {
				disks = append(disks, d)
			}
		}

		logger := logrus.New()
		spec := storagepool.Spec{
			Name:      poolFlag,
			MountRoot: mountRootFlag,
			Topology:  topology,
			Disks:     disks,
		}

		err = storagepool.New(logger).Setup(spec, os.Stdin, os.Stdout)
		if err == blockdev.ErrAborted {
			fmt.Println("aborted")
			return nil
		}
		return err
	},
}

func main() {
	flags := poolCmd.Flags()
	flags.StringVar(&disksFlag, "disks", "", "comma-separated disk device paths")
	flags.StringVar(&raidFlag, "raid", "single", "redundancy topology: single, mirror, raidz1, raidz2")
	flags.StringVar(&poolFlag, "pool", "tank", "pool name")
	flags.StringVar(&mountRootFlag, "mount-root", "", "mount root (default /<pool>)")
	_ = poolCmd.MarkFlagRequired("disks")

	if err := poolCmd.Execute(); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}
