// Package execute runs the external tools the agent drives (ifconfig, route,
// pfctl, dnsmasq, radvd, ovs-vsctl). All host mutations go through a Runner
// so tests can substitute a fake.
package execute

import (
	"bytes"
	"errors"
	"fmt"
	"os"
	"os/exec"
	"strings"

	"grimm.is/vnetd/internal/logging"
)

// Opts controls a single invocation.
type Opts struct {
	// RunAsRoot wraps the command with the configured root helper when the
	// agent itself is not running as root.
	RunAsRoot bool
	// Input is fed to the process on stdin when non-empty.
	Input string
	// OKExitCodes lists exit codes that are treated as success.
	// Nil means {0}. Use AnyExitCode to accept everything.
	OKExitCodes []int
	// AnyExitCode accepts any exit status (the caller inspects stderr).
	AnyExitCode bool
}

// Runner executes an external command and returns its stdout and stderr.
type Runner interface {
	Run(opts Opts, name string, args ...string) (stdout, stderr string, err error)
}

// ProcessError is returned when a command exits with an unaccepted status.
type ProcessError struct {
	Cmd      string
	ExitCode int
	Stdout   string
	Stderr   string
}

func (e *ProcessError) Error() string {
	return fmt.Sprintf("command %q exited %d: %s", e.Cmd, e.ExitCode, strings.TrimSpace(e.Stderr))
}

// RealRunner invokes commands on the host.
type RealRunner struct {
	// RootWrap is prepended when Opts.RunAsRoot is set and the process is
	// not already euid 0. Empty disables wrapping.
	RootWrap string
	logger   *logging.Logger
}

// NewRunner creates a RealRunner with the default root helper.
func NewRunner(logger *logging.Logger) *RealRunner {
	if logger == nil {
		logger = logging.Default()
	}
	return &RealRunner{
		RootWrap: "sudo",
		logger:   logger.Component("execute"),
	}
}

// Run executes the command, feeding stdin when requested, and returns
// stdout and stderr. Exit codes outside the accepted set yield a
// *ProcessError.
func (r *RealRunner) Run(opts Opts, name string, args ...string) (string, string, error) {
	argv := append([]string{name}, args...)
	if opts.RunAsRoot && r.RootWrap != "" && os.Geteuid() != 0 {
		argv = append([]string{r.RootWrap}, argv...)
	}

	cmd := exec.Command(argv[0], argv[1:]...)
	if opts.Input != "" {
		cmd.Stdin = strings.NewReader(opts.Input)
	}
	var stdout, stderr bytes.Buffer
	cmd.Stdout = &stdout
	cmd.Stderr = &stderr

	r.logger.Debug("running command", "cmd", strings.Join(argv, " "))
	err := cmd.Run()
	code := 0
	if err != nil {
		var exitErr *exec.ExitError
		if errors.As(err, &exitErr) {
			code = exitErr.ExitCode()
		} else {
			return stdout.String(), stderr.String(),
				fmt.Errorf("command %q: %w", strings.Join(argv, " "), err)
		}
	}

	if !exitCodeOK(code, opts) {
		return stdout.String(), stderr.String(), &ProcessError{
			Cmd:      strings.Join(argv, " "),
			ExitCode: code,
			Stdout:   stdout.String(),
			Stderr:   stderr.String(),
		}
	}
	return stdout.String(), stderr.String(), nil
}

func exitCodeOK(code int, opts Opts) bool {
	if opts.AnyExitCode {
		return true
	}
	ok := opts.OKExitCodes
	if ok == nil {
		ok = []int{0}
	}
	for _, c := range ok {
		if c == code {
			return true
		}
	}
	return false
}
