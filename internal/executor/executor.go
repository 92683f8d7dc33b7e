// Package executor runs the external tools the installer orchestrates
// (sfdisk, cryptsetup, mkfs, mount). Everything that touches the system goes
// through the Executor interface so a dry run can record actions instead of
// performing them.
package executor

import (
	"bytes"
	"context"
	"fmt"
	"os/exec"
	"strings"

	"github.com/sirupsen/logrus"
)

// Executor runs external commands.
type Executor interface {
	// Run executes a command and waits for it to finish.
	Run(ctx context.Context, name string, args ...string) error
	// Output executes a command and returns its trimmed stdout.
	Output(ctx context.Context, name string, args ...string) (string, error)
	// RunStdin executes a command with the given string piped to stdin.
	// Used for sfdisk scripts and cryptsetup passphrases.
	RunStdin(ctx context.Context, stdin string, name string, args ...string) error
	// RunInTarget executes a command chrooted into the mounted target tree.
	RunInTarget(ctx context.Context, root string, name string, args ...string) error
	// DryRun reports whether this executor records instead of executing.
	DryRun() bool
}

// CommandFailedError wraps a non-zero exit of an external tool together with
// its captured output.
type CommandFailedError struct {
	Command string
	Output  string
	Err     error
}

func (e *CommandFailedError) Error() string {
	if e.Output == "" {
		return fmt.Sprintf("command %q failed: %v", e.Command, e.Err)
	}
	return fmt.Sprintf("command %q failed: %v\noutput:\n%s", e.Command, e.Err, e.Output)
}

func (e *CommandFailedError) Unwrap() error {
	return e.Err
}

// Host is the Executor that actually runs commands on the system.
type Host struct{}

func NewHost() *Host {
	return &Host{}
}

func (h *Host) DryRun() bool {
	return false
}

func (h *Host) Run(ctx context.Context, name string, args ...string) error {
	return h.run(ctx, "", name, args...)
}

func (h *Host) RunStdin(ctx context.Context, stdin string, name string, args ...string) error {
	return h.run(ctx, stdin, name, args...)
}

func (h *Host) RunInTarget(ctx context.Context, root string, name string, args ...string) error {
	chrootArgs := append([]string{root, name}, args...)
	return h.run(ctx, "", "chroot", chrootArgs...)
}

func (h *Host) Output(ctx context.Context, name string, args ...string) (string, error) {
	logrus.WithField("command", commandLine(name, args)).Debug("running")

	cmd := exec.CommandContext(ctx, name, args...)
	var stdout, stderr bytes.Buffer
	cmd.Stdout = &stdout
	cmd.Stderr = &stderr
	if err := cmd.Run(); err != nil {
		return "", &CommandFailedError{
			Command: commandLine(name, args),
			Output:  stderr.String(),
			Err:     err,
		}
	}
	return strings.TrimSpace(stdout.String()), nil
}

func (h *Host) run(ctx context.Context, stdin string, name string, args ...string) error {
	logrus.WithField("command", commandLine(name, args)).Debug("running")

	cmd := exec.CommandContext(ctx, name, args...)
	if stdin != "" {
		cmd.Stdin = strings.NewReader(stdin)
	}
	var combined bytes.Buffer
	cmd.Stdout = &combined
	cmd.Stderr = &combined
	if err := cmd.Run(); err != nil {
		return &CommandFailedError{
			Command: commandLine(name, args),
			Output:  combined.String(),
			Err:     err,
		}
	}
	return nil
}

func commandLine(name string, args []string) string {
	return strings.Join(append([]string{name}, args...), " ")
}

// Action is one recorded command of a dry run.
type Action struct {
	Name string
	Args []string
	// Stdin holds what would have been piped to the command.
	Stdin string
	// TargetRoot is set for commands that would run chrooted.
	TargetRoot string
}

func (a Action) String() string {
	line := commandLine(a.Name, a.Args)
	if a.TargetRoot != "" {
		line = fmt.Sprintf("chroot %s %s", a.TargetRoot, line)
	}
	return line
}

// Recorder is the dry-run Executor: it records every action instead of
// executing it. Canned outputs can be registered for commands whose stdout
// the caller consumes.
type Recorder struct {
	Actions []Action
	// outputs maps a command line prefix to the stdout to return for it.
	outputs map[string]string
}

func NewRecorder() *Recorder {
	return &Recorder{outputs: make(map[string]string)}
}

func (r *Recorder) DryRun() bool {
	return true
}

// StubOutput registers a canned stdout for every command line starting with
// the given prefix.
func (r *Recorder) StubOutput(prefix, output string) {
	r.outputs[prefix] = output
}

func (r *Recorder) Run(ctx context.Context, name string, args ...string) error {
	return r.record(ctx, Action{Name: name, Args: args})
}

func (r *Recorder) RunStdin(ctx context.Context, stdin string, name string, args ...string) error {
	return r.record(ctx, Action{Name: name, Args: args, Stdin: stdin})
}

func (r *Recorder) RunInTarget(ctx context.Context, root string, name string, args ...string) error {
	return r.record(ctx, Action{Name: name, Args: args, TargetRoot: root})
}

func (r *Recorder) Output(ctx context.Context, name string, args ...string) (string, error) {
	if err := r.record(ctx, Action{Name: name, Args: args}); err != nil {
		return "", err
	}
	line := commandLine(name, args)
	for prefix, output := range r.outputs {
		if strings.HasPrefix(line, prefix) {
			return output, nil
		}
	}
	return "", nil
}

func (r *Recorder) record(ctx context.Context, action Action) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	logrus.WithField("command", action.String()).Info("dry-run")
	r.Actions = append(r.Actions, action)
	return nil
}

// CommandLines renders every recorded action as a single line, in order.
func (r *Recorder) CommandLines() []string {
	lines := make([]string, len(r.Actions))
	for idx, action := range r.Actions {
		lines[idx] = action.String()
	}
	return lines
}
