package process

import (
	"os/exec"
	"strings"
)

// Spec describes one supervised OS process.
type Spec struct {
	Name    string   `json:"name"`
	Command string   `json:"command"`            // shell-aware command line
	WorkDir string   `json:"work_dir,omitempty"` // optional working dir
	Env     []string `json:"env,omitempty"`      // composed environment; empty inherits ours
	LogPath string   `json:"log_path,omitempty"` // append-mode stdout/stderr sink; empty means /dev/null
	PIDFile string   `json:"pid_file,omitempty"` // pid record written on launch
}

// BuildCommand constructs an *exec.Cmd for s.Command.
// An explicit "sh -c" prefix is honoured without double wrapping; commands with
// shell metacharacters run through /bin/sh -c; everything else is exec'd directly.
func (s Spec) BuildCommand() *exec.Cmd {
	cmdStr := strings.TrimSpace(s.Command)
	if cmdStr == "" {
		// #nosec G204
		return exec.Command("/bin/true")
	}
	if script, ok := parseExplicitShell(cmdStr); ok {
		// #nosec G204
		return exec.Command("/bin/sh", "-c", script)
	}
	if strings.ContainsAny(cmdStr, "|&;<>*?`$\"'(){}[]~") {
		// #nosec G204
		return exec.Command("/bin/sh", "-c", cmdStr)
	}
	parts := strings.Fields(cmdStr)
	// #nosec G204
	return exec.Command(parts[0], parts[1:]...)
}

// Binary returns the first word of the command, or the script's first word for
// an explicit shell invocation. Used for PATH lookups and sweep signatures.
func (s Spec) Binary() string {
	cmdStr := strings.TrimSpace(s.Command)
	if script, ok := parseExplicitShell(cmdStr); ok {
		cmdStr = script
	}
	fields := strings.Fields(cmdStr)
	if len(fields) == 0 {
		return ""
	}
	return strings.Trim(fields[0], `'"`)
}

// parseExplicitShell matches "sh -c ARG" style prefixes and returns ARG with one
// pair of surrounding quotes removed.
func parseExplicitShell(cmdStr string) (string, bool) {
	trim := strings.TrimLeft(cmdStr, " \t")
	for _, p := range []string{"sh -c ", "/bin/sh -c ", "/usr/bin/sh -c "} {
		after, ok := strings.CutPrefix(trim, p)
		if !ok {
			continue
		}
		if n := len(after); n >= 2 {
			if (after[0] == '\'' && after[n-1] == '\'') || (after[0] == '"' && after[n-1] == '"') {
				after = after[1 : n-1]
			}
		}
		return after, true
	}
	return "", false
}
