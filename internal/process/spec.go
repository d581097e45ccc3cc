package process

import (
	"os/exec"
	"strings"
	"time"

	"github.com/loykin/gantry/internal/logger"
)

// Spec describes one worker process to be launched.
type Spec struct {
	Name          string        `json:"name"`
	Command       string        `json:"command"`        // command line (shell-aware)
	WorkDir       string        `json:"work_dir"`       // optional working dir
	Env           []string      `json:"env"`            // optional extra env
	PIDFile       string        `json:"pid_file"`       // optional pidfile path
	StartDuration time.Duration `json:"start_duration"` // minimum time up to count as started
	Log           logger.Config `json:"log"`            // stdout/stderr rotation
}

// BuildCommand constructs an *exec.Cmd for spec.Command.
// It avoids invoking a shell when not necessary, and it respects an
// explicit shell invocation already present in the command string
// (e.g., "sh -c 'echo hi'"), avoiding double-wrapping with another shell.
func (s *Spec) BuildCommand() *exec.Cmd {
	cmdStr := strings.TrimSpace(s.Command)
	if cmdStr == "" {
		// #nosec G204
		return exec.Command("/bin/true")
	}
	if after, ok := stripExplicitShell(cmdStr); ok {
		// Absolute shell path avoids PATH dependency when Env is overridden.
		// #nosec G204
		return exec.Command("/bin/sh", "-c", after)
	}
	if strings.ContainsAny(cmdStr, "|&;<>*?`$\"'(){}[]~") {
		// #nosec G204
		return exec.Command("/bin/sh", "-c", cmdStr)
	}
	parts := strings.Fields(cmdStr)
	var args []string
	if len(parts) > 1 {
		args = parts[1:]
	}
	// #nosec G204
	return exec.Command(parts[0], args...)
}

// stripExplicitShell detects "sh -c <ARG>" style prefixes and returns the
// argument passed to -c, with one surrounding quote pair removed so the
// shell sees the actual script.
func stripExplicitShell(cmdStr string) (string, bool) {
	trim := strings.TrimLeft(cmdStr, " \t")
	for _, p := range []string{"sh -c ", "/bin/sh -c ", "/usr/bin/sh -c "} {
		if !strings.HasPrefix(trim, p) {
			continue
		}
		after := trim[len(p):]
		if n := len(after); n >= 2 {
			if (after[0] == '\'' && after[n-1] == '\'') || (after[0] == '"' && after[n-1] == '"') {
				after = after[1 : n-1]
			}
		}
		return after, true
	}
	return "", false
}
