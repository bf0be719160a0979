package router

import (
	"encoding/json"
	"regexp"
	"strings"

	"github.com/tidwall/gjson"
)

// ToolCall is one tool invocation extracted from a message.
type ToolCall struct {
	Server    string         `json:"server"`
	Tool      string         `json:"tool"`
	Arguments map[string]any `json:"arguments,omitempty"`
}

// ToolCallParser is one strategy in the tool-call fallback chain.
type ToolCallParser interface {
	Name() string
	Parse(text string) ([]ToolCall, bool)
}

// DefaultParsers returns the fallback chain: strict JSON, JSON inside a
// markdown fence, JSON cut out of surrounding prose, then keyword inference.
func DefaultParsers() []ToolCallParser {
	return []ToolCallParser{strictJSON{}, fencedJSON{}, extractedJSON{}, keywordInference{}}
}

// InboundParsers is the chain for user-authored messages. It drops the
// brace-scanning and keyword strategies, which misfire on code and prose.
func InboundParsers() []ToolCallParser {
	return []ToolCallParser{strictJSON{}, fencedJSON{}}
}

// ParseToolCalls runs the default chain.
func ParseToolCalls(text string) ([]ToolCall, bool) {
	calls, _, ok := parseWith(DefaultParsers(), text)
	return calls, ok
}

func parseWith(parsers []ToolCallParser, text string) ([]ToolCall, string, bool) {
	if strings.TrimSpace(text) == "" {
		return nil, "", false
	}
	for _, p := range parsers {
		if calls, ok := p.Parse(text); ok && len(calls) > 0 {
			return calls, p.Name(), true
		}
	}
	return nil, "", false
}

type strictJSON struct{}

func (strictJSON) Name() string { return "strict-json" }

func (strictJSON) Parse(text string) ([]ToolCall, bool) {
	return decodeDocument(strings.TrimSpace(text))
}

var fenceRE = regexp.MustCompile("(?s)```(?:json|JSON)?[ \\t]*\\r?\\n?(.*?)```")

type fencedJSON struct{}

func (fencedJSON) Name() string { return "markdown-json" }

func (fencedJSON) Parse(text string) ([]ToolCall, bool) {
	for _, m := range fenceRE.FindAllStringSubmatch(text, -1) {
		if calls, ok := decodeDocument(strings.TrimSpace(m[1])); ok {
			return calls, true
		}
	}
	return nil, false
}

var trailingCommaRE = regexp.MustCompile(`,\s*([}\]])`)

type extractedJSON struct{}

func (extractedJSON) Name() string { return "regex-json" }

// Parse takes the outermost brace-delimited span and retries with trailing
// commas removed.
func (extractedJSON) Parse(text string) ([]ToolCall, bool) {
	start := strings.Index(text, "{")
	end := strings.LastIndex(text, "}")
	if start < 0 || end <= start {
		return nil, false
	}
	candidate := text[start : end+1]
	if calls, ok := decodeDocument(candidate); ok {
		return calls, true
	}
	return decodeDocument(trailingCommaRE.ReplaceAllString(candidate, "$1"))
}

var keywordRE = regexp.MustCompile("(?is)\\b(?:call|invoke|use)\\s+(?:the\\s+)?tool\\s+[\"'`]?([\\w.-]+)[\"'`]?\\s+(?:on|from)\\s+(?:the\\s+)?(?:server\\s+)?[\"'`]?([\\w.-]+)[\"'`]?(?:\\s+(?:server\\s+)?with\\s+(\\{.*\\}))?")

type keywordInference struct{}

func (keywordInference) Name() string { return "keyword" }

// Parse recognises "call tool <tool> on <server> [with {json}]".
func (keywordInference) Parse(text string) ([]ToolCall, bool) {
	m := keywordRE.FindStringSubmatch(text)
	if m == nil {
		return nil, false
	}
	call := ToolCall{Tool: m[1], Server: strings.TrimSuffix(m[2], ".")}
	if m[3] != "" {
		if !gjson.Valid(m[3]) {
			return nil, false
		}
		call.Arguments = objectValue(gjson.Parse(m[3]))
	}
	return []ToolCall{call}, true
}

// decodeDocument accepts {"tool_calls":[...]}, a bare array of calls, a
// single call object, and the OpenAI function-call shape.
func decodeDocument(doc string) ([]ToolCall, bool) {
	if doc == "" || !gjson.Valid(doc) {
		return nil, false
	}
	root := gjson.Parse(doc)
	var items []gjson.Result
	switch {
	case root.Get("tool_calls").IsArray():
		items = root.Get("tool_calls").Array()
	case root.Get("toolCalls").IsArray():
		items = root.Get("toolCalls").Array()
	case root.IsArray():
		items = root.Array()
	case root.IsObject():
		items = []gjson.Result{root}
	default:
		return nil, false
	}
	calls := make([]ToolCall, 0, len(items))
	for _, item := range items {
		call, ok := decodeCall(item)
		if !ok {
			return nil, false
		}
		calls = append(calls, call)
	}
	return calls, len(calls) > 0
}

func decodeCall(item gjson.Result) (ToolCall, bool) {
	if !item.IsObject() {
		return ToolCall{}, false
	}
	var call ToolCall
	var args gjson.Result
	if fn := item.Get("function"); fn.IsObject() {
		call.Tool = fn.Get("name").String()
		args = fn.Get("arguments")
	} else {
		call.Tool = firstString(item, "tool", "tool_name", "name")
		args = firstExisting(item, "arguments", "args", "parameters", "input")
	}
	call.Server = firstString(item, "server", "server_name", "mcp_server")
	if call.Server == "" {
		call.Server, call.Tool = splitQualified(call.Tool)
	}
	if call.Server == "" || call.Tool == "" {
		return ToolCall{}, false
	}
	if args.Type == gjson.String && gjson.Valid(args.String()) {
		args = gjson.Parse(args.String())
	}
	if args.Exists() && !args.IsObject() {
		return ToolCall{}, false
	}
	call.Arguments = objectValue(args)
	return call, true
}

func firstString(r gjson.Result, paths ...string) string {
	for _, p := range paths {
		if v := r.Get(p); v.Type == gjson.String && strings.TrimSpace(v.String()) != "" {
			return strings.TrimSpace(v.String())
		}
	}
	return ""
}

func firstExisting(r gjson.Result, paths ...string) gjson.Result {
	for _, p := range paths {
		if v := r.Get(p); v.Exists() {
			return v
		}
	}
	return gjson.Result{}
}

// splitQualified splits "server.tool", "server__tool", or "server/tool".
func splitQualified(name string) (server, tool string) {
	for _, sep := range []string{"__", "/", "."} {
		if s, t, ok := strings.Cut(name, sep); ok && s != "" && t != "" {
			return s, t
		}
	}
	return "", name
}

func objectValue(r gjson.Result) map[string]any {
	if !r.IsObject() {
		return nil
	}
	var out map[string]any
	if err := json.Unmarshal([]byte(r.Raw), &out); err != nil {
		return nil
	}
	return out
}
