package main

import (
	"fmt"
	"os"

	"github.com/sirupsen/logrus"
	"github.com/spf13/cobra"

	"github.com/pvforge/pvforge/internal/firstboot"
	"github.com/pvforge/pvforge/internal/logging"
)

// logPath is the durable audit log; headless runs leave their trail here.
const logPath = "/var/log/pvforge-firstboot.log"

var autoFlag bool

var firstbootCmd = &cobra.Command{
	Use:          "pvforge-firstboot",
	Short:        "Provision a freshly installed hypervisor host",
	SilenceUsage: true,
	RunE: func(cmd *cobra.Command, args []string) error {
		logger := logrus.New()

		hook, err := logging.NewFileHook(logPath)
		if err != nil {
			// still run; an unwritable log must not block provisioning
			logger.Warnf("durable log unavailable: %v", err)
		} else {
			logger.AddHook(hook)
			defer hook.Close()
		}
		if logging.JournalAvailable() {
			logger.AddHook(&logging.JournalHook{})
		}

		runner := firstboot.New(logger, autoFlag)
		outcomes, err := runner.Execute()

		for _, o := range outcomes {
			if o.Err != nil {
				logger.Infof("step %-20s %s: %v", o.Name, o.Status, o.Err)
			} else {
				logger.Infof("step %-20s %s", o.Name, o.Status)
			}
		}
		return err
	},
}

func main() {
	firstbootCmd.Flags().BoolVar(&autoFlag, "auto", false,
		"non-interactive mode: wait for network, leave the session detached")

	if err := firstbootCmd.Execute(); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}
