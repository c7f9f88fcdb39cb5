package util

import "os/exec"

// CheckShells returns the first available shell, preferring the given one.
// An empty string means no shell could be found on PATH.
func CheckShells(preferredShell string) string {
	shells := []string{"zsh", "bash", "sh"}
	if preferredShell != "" {
		shells = append([]string{preferredShell}, shells...)
	}
	for _, shell := range shells {
		if _, err := exec.LookPath(shell); err == nil {
			return shell
		}
	}
	return ""
}
