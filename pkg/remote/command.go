package remote

import (
	"os/exec"
	"strings"

	"github.com/harun/drillops/pkg/drill"
)

// CommandBuilder turns a step target into a command that runs it.
type CommandBuilder func(host, user, command string) *exec.Cmd

// DefaultSSHOptions never prompt and fail fast on unreachable hosts.
var DefaultSSHOptions = []string{
	"-o", "BatchMode=yes",
	"-o", "StrictHostKeyChecking=accept-new",
	"-o", "ConnectTimeout=10",
}

// SSHCommand runs the command on host as user through the ssh client binary.
func SSHCommand(binary string, options []string) CommandBuilder {
	if binary == "" {
		binary = "ssh"
	}
	if options == nil {
		options = DefaultSSHOptions
	}
	return func(host, user, command string) *exec.Cmd {
		args := make([]string, 0, len(options)+4)
		args = append(args, options...)
		args = append(args, "-l", user, host, command)
		return exec.Command(binary, args...)
	}
}

// LocalShell ignores the target and runs the command with /bin/sh. It backs
// local test runs and the package tests.
func LocalShell() CommandBuilder {
	return func(_, _, command string) *exec.Cmd {
		return exec.Command("/bin/sh", "-c", command)
	}
}

// MissingFields names the target fields a step needs before it can run.
func MissingFields(step drill.Step) []string {
	var missing []string
	if strings.TrimSpace(step.Command) == "" {
		missing = append(missing, "command")
	}
	if strings.TrimSpace(step.TargetUser) == "" {
		missing = append(missing, "target user")
	}
	if strings.TrimSpace(step.TargetHost) == "" {
		missing = append(missing, "target host")
	}
	return missing
}
