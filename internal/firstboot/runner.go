// Package firstboot implements the provisioning sequence that runs on the
// first boot after an unattended install. The sequence is supervised by a
// one-shot unit which guards re-execution with a marker file; the steps
// themselves are written to be idempotent so a manual re-run is always safe.
package firstboot

import (
	"fmt"
	"net/http"
	"os"
	"os/exec"
	"time"

	"github.com/google/uuid"
	"github.com/sirupsen/logrus"
)

// Status is the outcome of one step.
type Status int

const (
	StatusSuccess     Status = iota
	StatusSoftFailure        // logged, run proceeds
	StatusHardFailure        // reported, overall run fails
	StatusSkipped
)

var statusNames = []string{"SUCCESS", "SOFT-FAILURE", "HARD-FAILURE", "SKIPPED"}

func (s Status) String() string {
	if int(s) < 0 || int(s) >= len(statusNames) {
		return "UNKNOWN"
	}
	return statusNames[s]
}

// Outcome records what happened to one named step.
type Outcome struct {
	Name   string
	Status Status
	Err    error
}

// Step is one stage of the run. Required steps turn their failure into a
// hard failure; the machine still never aborts early, because later steps
// surface their own errors and the trail is more useful complete.
type Step struct {
	Name     string
	Required bool
	AutoOnly bool
	Run      func(r *Runner) error
}

type runFunc func(name string, args ...string) ([]byte, error)

func runCommand(name string, args ...string) ([]byte, error) {
	return exec.Command(name, args...).CombinedOutput()
}

// Runner executes the fixed step sequence. All host access goes through
// replaceable members so the sequence is testable without a freshly
// installed machine.
type Runner struct {
	ID     uuid.UUID
	Auto   bool
	Logger *logrus.Logger

	run        runFunc
	lookPath   func(string) (string, error)
	httpClient *http.Client
	resolve    func(host string) error
	sleep      func(d time.Duration)

	// host paths, replaceable in tests
	ProfilePath   string
	AptSourcesDir string
	CommunityRepo string

	attach func(r *Runner) error
}

// New returns a runner wired to the real host.
func New(logger *logrus.Logger, auto bool) *Runner {
	return &Runner{
		ID:            uuid.New(),
		Auto:          auto,
		Logger:        logger,
		run:           runCommand,
		lookPath:      exec.LookPath,
		httpClient:    &http.Client{Timeout: 10 * time.Second},
		resolve:       resolveHost,
		sleep:         time.Sleep,
		ProfilePath:   "/root/.bashrc",
		AptSourcesDir: "/etc/apt/sources.list.d",
		CommunityRepo: "deb http://download.proxmox.com/debian/pve bookworm pve-no-subscription",
		attach:        attachSession,
	}
}

// Steps returns the fixed provisioning sequence in execution order.
func (r *Runner) Steps() []Step {
	return []Step{
		{Name: "network-wait", AutoOnly: true, Run: (*Runner).networkWait},
		{Name: "connectivity-test", Run: (*Runner).connectivityTest},
		{Name: "repository-config", Run: (*Runner).configureRepositories},
		{Name: "dependency-install", Run: (*Runner).installDependencies},
		{Name: "runtime-install", Required: true, Run: (*Runner).installRuntime},
		{Name: "cli-install", Required: true, Run: (*Runner).installCLI},
		{Name: "shell-config", Run: (*Runner).configureShell},
		{Name: "session-start", Run: (*Runner).startSession},
		{Name: "completion-report", Run: (*Runner).report},
	}
}

// Execute runs every step in order and returns the outcomes plus an error
// when any required step failed. Soft failures never stop the run.
func (r *Runner) Execute() ([]Outcome, error) {
	r.Logger.Infof("first-boot provisioning run %s starting (auto=%t)", r.ID, r.Auto)

	steps := r.Steps()
	outcomes := make([]Outcome, 0, len(steps))
	var hardErr error

	for i, step := range steps {
		if step.AutoOnly && !r.Auto {
			r.Logger.Infof("[%d/%d] %s: skipped (interactive mode)", i+1, len(steps), step.Name)
			outcomes = append(outcomes, Outcome{Name: step.Name, Status: StatusSkipped})
			continue
		}

		r.Logger.Infof("[%d/%d] %s", i+1, len(steps), step.Name)
		err := step.Run(r)
		if err == nil {
			outcomes = append(outcomes, Outcome{Name: step.Name, Status: StatusSuccess})
			continue
		}

		if step.Required {
			r.Logger.Errorf("%s failed: %v", step.Name, err)
			outcomes = append(outcomes, Outcome{Name: step.Name, Status: StatusHardFailure, Err: err})
			if hardErr == nil {
				hardErr = fmt.Errorf("step %s failed: %w", step.Name, err)
			}
			continue
		}

		r.Logger.Warnf("%s failed (continuing): %v", step.Name, err)
		outcomes = append(outcomes, Outcome{Name: step.Name, Status: StatusSoftFailure, Err: err})
	}

	r.Logger.Infof("first-boot provisioning run %s finished", r.ID)
	return outcomes, hardErr
}

// attachSession hands the controlling terminal to the multiplexer session.
func attachSession(r *Runner) error {
	cmd := exec.Command("tmux", "attach", "-t", SessionName)
	cmd.Stdin = os.Stdin
	cmd.Stdout = os.Stdout
	cmd.Stderr = os.Stderr
	return cmd.Run()
}
