// ABOUTME: Ordered extraction rules for tool names and commands in tool calls.
// ABOUTME: Every rule tolerates malformed input and reports absence instead.

package permission

import (
	"encoding/json"
	"strings"

	"github.com/tidwall/gjson"

	"github.com/2389/coven-acp/internal/acp"
)

var (
	toolNameKeys = []string{"toolName", "tool_name", "tool", "name"}
	commandKeys  = []string{"command", "cmd"}
)

// parseInput returns rawInput as a gjson value. A JSON string holding JSON
// is decoded one level. Invalid input yields an empty result.
func parseInput(raw json.RawMessage) gjson.Result {
	if len(raw) == 0 || !gjson.ValidBytes(raw) {
		return gjson.Result{}
	}
	r := gjson.ParseBytes(raw)
	if r.Type == gjson.String {
		inner := strings.TrimSpace(r.String())
		if gjson.Valid(inner) {
			return gjson.Parse(inner)
		}
	}
	return r
}

// ToolName returns the tool name named in the input, or "" when there is
// none. The display title is never consulted.
func ToolName(tc acp.ToolCall) string {
	input := parseInput(tc.RawInput)
	if !input.IsObject() {
		return ""
	}
	for _, key := range toolNameKeys {
		if v := input.Get(key); v.Type == gjson.String {
			if name := strings.TrimSpace(v.String()); name != "" {
				return name
			}
		}
	}
	return ""
}

// CommandToken returns the first whitespace-delimited word of the command
// in the input, or "" when there is none.
func CommandToken(raw json.RawMessage) string {
	input := parseInput(raw)
	if !input.IsObject() {
		return ""
	}
	for _, key := range commandKeys {
		v := input.Get(key)
		if !v.Exists() {
			continue
		}
		if tok := firstToken(v); tok != "" {
			return tok
		}
	}
	return ""
}

func firstToken(v gjson.Result) string {
	switch {
	case v.IsArray():
		for _, item := range v.Array() {
			if item.Type == gjson.String {
				return firstWord(item.String())
			}
			return ""
		}
		return ""
	case v.Type == gjson.String:
		s := strings.TrimSpace(v.String())
		// Some agents double-encode the command.
		if strings.HasPrefix(s, `"`) || strings.HasPrefix(s, "[") {
			if gjson.Valid(s) {
				inner := gjson.Parse(s)
				if inner.Type == gjson.String || inner.IsArray() {
					return firstToken(inner)
				}
			}
		}
		return firstWord(s)
	}
	return ""
}

func firstWord(s string) string {
	fields := strings.Fields(s)
	if len(fields) == 0 {
		return ""
	}
	return fields[0]
}
