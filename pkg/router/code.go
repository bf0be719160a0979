package router

import (
	"fmt"
	"strings"
)

type runtimeSpec struct {
	file string
	run  string
}

var runtimes = map[string]runtimeSpec{
	"python":     {file: "snippet.py", run: "python3"},
	"py":         {file: "snippet.py", run: "python3"},
	"python3":    {file: "snippet.py", run: "python3"},
	"javascript": {file: "snippet.js", run: "node"},
	"js":         {file: "snippet.js", run: "node"},
	"node":       {file: "snippet.js", run: "node"},
	"bash":       {file: "snippet.sh", run: "bash"},
	"sh":         {file: "snippet.sh", run: "bash"},
	"shell":      {file: "snippet.sh", run: "bash"},
	"zsh":        {file: "snippet.sh", run: "bash"},
	"typescript": {file: "snippet.ts", run: "npx -y tsx"},
	"ts":         {file: "snippet.ts", run: "npx -y tsx"},
}

// SupportedLanguages lists the code block tags that can be executed.
func SupportedLanguages() []string {
	return []string{"python", "javascript", "typescript", "bash"}
}

const heredocMarker = "SANDBOXCHAT_EOF"

// CodeCommand builds a shell command that writes code to a file through a
// quoted heredoc and runs it with the interpreter for language.
func CodeCommand(language, code string) (string, bool) {
	rt, ok := runtimes[strings.ToLower(strings.TrimSpace(language))]
	if !ok {
		return "", false
	}
	marker := heredocMarker
	for strings.Contains(code, marker) {
		marker += "_"
	}
	return fmt.Sprintf("cat > %s <<'%s'\n%s\n%s\n%s %s", rt.file, marker, code, marker, rt.run, rt.file), true
}

const truncatedMarker = "\n... [output truncated]"

// truncate caps s at limit bytes without splitting a UTF-8 sequence.
func truncate(s string, limit int) string {
	if limit <= 0 || len(s) <= limit {
		return s
	}
	cut := limit
	for cut > 0 && !utf8Start(s[cut]) {
		cut--
	}
	return s[:cut] + truncatedMarker
}

func utf8Start(b byte) bool { return b&0xC0 != 0x80 }
