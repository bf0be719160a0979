package router

import (
	"testing"

	"github.com/stretchr/testify/require"
)

func TestClassify(t *testing.T) {
	tests := []struct {
		name    string
		text    string
		kind    Kind
		command string
		lang    string
	}{
		{"explicit command", "run the command `echo hi`", KindShellCommand, "echo hi", ""},
		{"explicit command mid sentence", "Could you please Run the command: `ls -la /tmp` for me", KindShellCommand, "ls -la /tmp", ""},
		{"shell verb", "ls -la", KindShellCommand, "ls -la", ""},
		{"prompt prefix", "$ python3 --version", KindShellCommand, "python3 --version", ""},
		{"question is prose", "echo what?", KindPlainText, "", ""},
		{"capitalised prose", "Cat videos are great", KindPlainText, "", ""},
		{"code block", "please run\n```python\nprint(1)\n```", KindCodeBlock, "", "python"},
		{"untagged fence is prose", "```\nprint(1)\n```", KindPlainText, "", ""},
		{"plain", "hello there", KindPlainText, "", ""},
		{"python fence with json dict", "please run this\n```python\nimport json\nprint(json.dumps({\"name\": \"report.csv\", \"rows\": 3}))\n```", KindCodeBlock, "", "python"},
		{"find prose", "find me a good restaurant nearby", KindPlainText, "", ""},
		{"make prose", "make a plan for my trip to Rome", KindPlainText, "", ""},
		{"sort prose", "sort these numbers: 3, 1, 2", KindPlainText, "", ""},
		{"date prose", "date ideas for tonight", KindPlainText, "", ""},
		{"go prose", "go ahead and tell me a joke", KindPlainText, "", ""},
		{"abbreviation is not a file", "find me a bar in St. Louis", KindPlainText, "", ""},
		{"find with flags", "find . -name '*.go'", KindShellCommand, "find . -name '*.go'", ""},
		{"cat a file", "cat README.md", KindShellCommand, "cat README.md", ""},
		{"sort with pipe", "sort data.txt | uniq", KindShellCommand, "sort data.txt | uniq", ""},
		{"bare date", "date", KindShellCommand, "date", ""},
		{"go with path", "go test ./...", KindShellCommand, "go test ./...", ""},
		{"empty", "", KindPlainText, "", ""},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got := Classify(tt.text)
			require.Equal(t, tt.kind, got.Kind)
			require.Equal(t, tt.command, got.Command)
			require.Equal(t, tt.lang, got.Language)
			require.Equal(t, tt.text, got.Text)
		})
	}
}

func TestExplicitCommandBeatsCodeBlock(t *testing.T) {
	text := "run the command `node -v` and also\n```python\nprint(2)\n```"
	got := Classify(text)
	require.Equal(t, KindShellCommand, got.Kind)
	require.Equal(t, "node -v", got.Command)
}

func TestClassifyLeavesEmbeddedJSONToModelOutput(t *testing.T) {
	text := `Sure, calling it now: {"server":"github","tool":"list_issues"} and done.`
	require.Equal(t, KindPlainText, Classify(text).Kind)

	calls, ok := ParseToolCalls(text)
	require.True(t, ok)
	require.Equal(t, []ToolCall{{Server: "github", Tool: "list_issues"}}, calls)
}

func TestClassifyJSONFenceIsToolCall(t *testing.T) {
	got := Classify("```json\n{\"server\":\"github\",\"tool\":\"list_issues\"}\n```")
	require.Equal(t, KindToolCall, got.Kind)
	require.Equal(t, "markdown-json", got.Parser)
}

func TestClassifyToolCall(t *testing.T) {
	got := Classify(`{"tool_calls":[{"server":"github","tool":"list_issues","arguments":{"repo":"a/b"}}]}`)
	require.Equal(t, KindToolCall, got.Kind)
	require.Equal(t, "strict-json", got.Parser)
	require.Equal(t, []ToolCall{{Server: "github", Tool: "list_issues", Arguments: map[string]any{"repo": "a/b"}}}, got.ToolCalls)
}

func TestCodeCommand(t *testing.T) {
	cmd, ok := CodeCommand("py", "print('hi')")
	require.True(t, ok)
	require.Equal(t, "cat > snippet.py <<'SANDBOXCHAT_EOF'\nprint('hi')\nSANDBOXCHAT_EOF\npython3 snippet.py", cmd)

	cmd, ok = CodeCommand("TypeScript", "console.log(1)")
	require.True(t, ok)
	require.Contains(t, cmd, "npx -y tsx snippet.ts")

	cmd, ok = CodeCommand("bash", "echo SANDBOXCHAT_EOF")
	require.True(t, ok)
	require.Contains(t, cmd, "<<'SANDBOXCHAT_EOF_'\n")

	_, ok = CodeCommand("cobol", "DISPLAY 'HI'.")
	require.False(t, ok)
}

func TestTruncate(t *testing.T) {
	require.Equal(t, "abc", truncate("abc", 10))
	require.Equal(t, "ab"+truncatedMarker, truncate("abcdef", 2))
	// "é" is two bytes; a cut inside it backs off to the rune start.
	require.Equal(t, "a"+truncatedMarker, truncate("aéb", 2))
}
