package sandbox

import (
	"fmt"
	"regexp"
	"sort"
	"strings"
)

var envNamePattern = regexp.MustCompile(`^[A-Za-z_][A-Za-z0-9_]*$`)

// BuildScript renders a bash script that exports cmd.Env and runs cmd.Line.
// Background commands are detached with output redirected to cmd.LogPath.
func BuildScript(cmd Command) (string, error) {
	if strings.TrimSpace(cmd.Line) == "" {
		return "", fmt.Errorf("sandbox: empty command")
	}
	keys := make([]string, 0, len(cmd.Env))
	for k := range cmd.Env {
		if !envNamePattern.MatchString(k) {
			return "", fmt.Errorf("sandbox: invalid environment variable name %q", k)
		}
		keys = append(keys, k)
	}
	sort.Strings(keys)

	var sb strings.Builder
	sb.WriteString("#!/bin/bash\n")
	for _, k := range keys {
		fmt.Fprintf(&sb, "export %s=%s\n", k, shellQuote(cmd.Env[k]))
	}
	if cmd.Background {
		sb.WriteString(backgroundLine(cmd.Line, cmd.LogPath))
	} else {
		sb.WriteString(cmd.Line)
	}
	sb.WriteString("\n")
	return sb.String(), nil
}

func shellQuote(s string) string {
	return "'" + strings.ReplaceAll(s, "'", `'\''`) + "'"
}
