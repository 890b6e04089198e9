// ABOUTME: Tests for tool name and command extraction rules.
// ABOUTME: Includes malformed and double-encoded inputs.

package permission

import (
	"encoding/json"
	"testing"

	"github.com/stretchr/testify/assert"

	"github.com/2389/coven-acp/internal/acp"
)

func TestToolName(t *testing.T) {
	tests := []struct {
		name  string
		title string
		raw   string
		want  string
	}{
		{"toolName key", "Title", `{"toolName":"Read"}`, "Read"},
		{"tool_name key", "", `{"tool_name":"Write"}`, "Write"},
		{"tool key", "", `{"tool":"Edit"}`, "Edit"},
		{"name key", "", `{"name":"Glob"}`, "Glob"},
		{"first key wins", "", `{"name":"b","toolName":"a"}`, "a"},
		{"non-string ignored", "Fallback", `{"toolName":42}`, ""},
		{"string-encoded input", "", `"{\"toolName\":\"Grep\"}"`, "Grep"},
		{"title without input", "Bash", ``, ""},
		{"title with unrelated input", "Bash", `{"command":"ls"}`, ""},
		{"malformed input", "Bash", `{"toolName":`, ""},
		{"nothing", "", `{}`, ""},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			tc := acp.ToolCall{Title: tt.title}
			if tt.raw != "" {
				tc.RawInput = json.RawMessage(tt.raw)
			}
			assert.Equal(t, tt.want, ToolName(tc))
		})
	}
}

func TestCommandToken(t *testing.T) {
	tests := []struct {
		name string
		raw  string
		want string
	}{
		{"plain command", `{"command":"ls -la /tmp"}`, "ls"},
		{"leading whitespace", `{"command":"   git status"}`, "git"},
		{"json-encoded command string", `{"command":"\"rm -rf /tmp\""}`, "rm"},
		{"json-encoded command array", `{"command":"[\"npm\",\"test\"]"}`, "npm"},
		{"array command", `{"command":["go","test","./..."]}`, "go"},
		{"cmd key", `{"cmd":"make build"}`, "make"},
		{"string-encoded input", `"{\"command\":\"cat file\"}"`, "cat"},
		{"empty command", `{"command":""}`, ""},
		{"number command", `{"command":12}`, ""},
		{"array of non-strings", `{"command":[1,2]}`, ""},
		{"malformed json", `{"command":"ls`, ""},
		{"not an object", `["ls"]`, ""},
		{"missing", `{"path":"/tmp"}`, ""},
		{"empty", ``, ""},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.want, CommandToken(json.RawMessage(tt.raw)))
		})
	}
}
