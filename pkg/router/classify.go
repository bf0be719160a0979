// Package router classifies chat messages and model output and dispatches
// them to a direct reply, an ephemeral sandbox, or an MCP tool server.
package router

import (
	"regexp"
	"strings"
)

// Kind is the routing class of a message.
type Kind string

const (
	KindPlainText    Kind = "plain-text"
	KindShellCommand Kind = "shell-command"
	KindCodeBlock    Kind = "fenced-code-block"
	KindToolCall     Kind = "structured-tool-call"
)

// Classification is the result of Classify.
type Classification struct {
	Kind Kind `json:"kind"`
	// Command is set for shell commands.
	Command string `json:"command,omitempty"`
	// Language and Code are set for fenced code blocks.
	Language  string     `json:"language,omitempty"`
	Code      string     `json:"code,omitempty"`
	ToolCalls []ToolCall `json:"toolCalls,omitempty"`
	// Parser names the tool-call strategy that matched.
	Parser string `json:"parser,omitempty"`
	Text   string `json:"text"`
}

// Classifier is one strategy in the classification chain.
type Classifier interface {
	Name() string
	TryClassify(text string) (Classification, bool)
}

// DefaultClassifiers returns the chain in precedence order. Shell command
// detection runs before generic code block detection. User messages only
// count as tool calls when the whole message, or a json or untagged fence,
// holds the call document; see InboundParsers.
func DefaultClassifiers() []Classifier {
	return []Classifier{
		explicitCommand{},
		toolCallClassifier{parsers: InboundParsers()},
		shellVerb{},
		codeBlock{},
	}
}

// Classify runs the default chain; text matching nothing is plain text.
func Classify(text string) Classification {
	return ClassifyWith(DefaultClassifiers(), text)
}

// ClassifyWith runs chain in order and returns the first match.
func ClassifyWith(chain []Classifier, text string) Classification {
	for _, c := range chain {
		if out, ok := c.TryClassify(text); ok {
			out.Text = text
			return out
		}
	}
	return Classification{Kind: KindPlainText, Text: text}
}

var explicitCommandRE = regexp.MustCompile("(?is)\\b(?:run|execute)\\s+(?:the\\s+)?(?:shell\\s+)?(?:command|cmd)\\s*:?\\s*`([^`]+)`")

type explicitCommand struct{}

func (explicitCommand) Name() string { return "explicit-command" }

func (explicitCommand) TryClassify(text string) (Classification, bool) {
	m := explicitCommandRE.FindStringSubmatch(text)
	if m == nil {
		return Classification{}, false
	}
	cmd := strings.TrimSpace(m[1])
	if cmd == "" {
		return Classification{}, false
	}
	return Classification{Kind: KindShellCommand, Command: cmd}, true
}

type toolCallClassifier struct {
	parsers []ToolCallParser
}

func (toolCallClassifier) Name() string { return "tool-call" }

func (c toolCallClassifier) TryClassify(text string) (Classification, bool) {
	calls, parser, ok := parseWith(c.parsers, text)
	if !ok {
		return Classification{}, false
	}
	return Classification{Kind: KindToolCall, ToolCalls: calls, Parser: parser}, true
}

// shellVerbs are leading tokens that mark a message as a command line.
var shellVerbs = map[string]struct{}{
	"ls": {}, "echo": {}, "pwd": {}, "cd": {}, "mkdir": {}, "rm": {}, "cp": {}, "mv": {},
	"tail": {}, "wc": {}, "grep": {}, "sed": {}, "awk": {},
	"uniq": {}, "jq": {}, "curl": {}, "wget": {}, "tar": {}, "chmod": {}, "ps": {},
	"df": {}, "du": {}, "uname": {}, "whoami": {},
	"python": {}, "python3": {}, "pip": {}, "pip3": {}, "node": {}, "npm": {}, "npx": {},
	"git": {}, "cargo": {}, "bash": {}, "sh": {},
}

// proseVerbs double as ordinary English words. A line led by one of them is
// a command only when it is the verb alone or carries a shell-shaped
// argument.
var proseVerbs = map[string]struct{}{
	"cat": {}, "date": {}, "env": {}, "find": {}, "go": {}, "head": {},
	"make": {}, "sort": {}, "touch": {}, "which": {},
}

// fileArgRE matches name.ext style arguments, including globs like *.go.
var fileArgRE = regexp.MustCompile(`^['"]?[\w*?~-][\w*?.~-]*\.[\w*?]+['"]?$`)

// shellShaped reports whether args look like command-line arguments rather
// than a sentence.
func shellShaped(args string) bool {
	args = strings.TrimSpace(args)
	if args == "" {
		return true
	}
	for _, tok := range strings.Fields(args) {
		switch {
		case strings.HasPrefix(tok, "-"),
			strings.Contains(tok, "/"),
			strings.HasPrefix(tok, "$"),
			strings.ContainsAny(tok, "|<>;&"),
			fileArgRE.MatchString(tok):
			return true
		}
	}
	return false
}

type shellVerb struct{}

func (shellVerb) Name() string { return "shell-verb" }

// TryClassify matches single-line messages whose first token is a known
// command, optionally behind a "$ " prompt. Matching is case-sensitive so
// capitalised prose is left alone.
func (shellVerb) TryClassify(text string) (Classification, bool) {
	line := strings.TrimSpace(text)
	if line == "" || strings.Contains(line, "\n") || strings.HasSuffix(line, "?") {
		return Classification{}, false
	}
	line = strings.TrimSpace(strings.TrimPrefix(line, "$ "))
	first, args, _ := strings.Cut(line, " ")
	if _, ok := shellVerbs[first]; !ok {
		if _, prose := proseVerbs[first]; !prose || !shellShaped(args) {
			return Classification{}, false
		}
	}
	return Classification{Kind: KindShellCommand, Command: line}, true
}

var codeBlockRE = regexp.MustCompile("(?s)```([A-Za-z0-9_+-]+)[ \\t]*\\r?\\n(.*?)```")

type codeBlock struct{}

func (codeBlock) Name() string { return "code-block" }

func (codeBlock) TryClassify(text string) (Classification, bool) {
	m := codeBlockRE.FindStringSubmatch(text)
	if m == nil || strings.TrimSpace(m[2]) == "" {
		return Classification{}, false
	}
	return Classification{
		Kind:     KindCodeBlock,
		Language: strings.ToLower(m[1]),
		Code:     strings.TrimRight(m[2], "\r\n"),
	}, true
}
