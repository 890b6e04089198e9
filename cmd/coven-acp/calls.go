// ABOUTME: Host-side handlers for agent-initiated fs/* calls
// ABOUTME: Reads and writes text files on behalf of the agent; terminals are not offered

package main

import (
	"context"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"github.com/2389/coven-acp/internal/acp"
	"github.com/2389/coven-acp/internal/agent"
)

// clientCapabilities advertises what fileCalls can serve.
func clientCapabilities() *acp.ClientCapabilities {
	return &acp.ClientCapabilities{
		FS: acp.FileSystemCapability{ReadTextFile: true, WriteTextFile: true},
	}
}

func clientInfo() *acp.Implementation {
	return &acp.Implementation{Name: "coven-acp", Title: "coven", Version: version}
}

func acpNewSession(cwd string) acp.NewSessionRequest {
	return acp.NewSessionRequest{Cwd: cwd}
}

// fileCalls answers fs/read_text_file and fs/write_text_file. Paths must
// be absolute.
func fileCalls() agent.CallHandler {
	return func(ctx context.Context, connectionID, method string, params json.RawMessage) (any, error) {
		switch method {
		case acp.MethodReadTextFile:
			var req acp.ReadTextFileRequest
			if err := json.Unmarshal(params, &req); err != nil {
				return nil, fmt.Errorf("invalid params: %w", err)
			}
			return readTextFile(req)
		case acp.MethodWriteTextFile:
			var req acp.WriteTextFileRequest
			if err := json.Unmarshal(params, &req); err != nil {
				return nil, fmt.Errorf("invalid params: %w", err)
			}
			if err := writeTextFile(req); err != nil {
				return nil, err
			}
			return struct{}{}, nil
		}
		return nil, fmt.Errorf("%w: %s", acp.ErrMethodNotFound, method)
	}
}

func readTextFile(req acp.ReadTextFileRequest) (*acp.ReadTextFileResponse, error) {
	if !filepath.IsAbs(req.Path) {
		return nil, fmt.Errorf("path %q is not absolute", req.Path)
	}
	data, err := os.ReadFile(req.Path)
	if err != nil {
		return nil, err
	}
	content := string(data)
	if req.Line == nil && req.Limit == nil {
		return &acp.ReadTextFileResponse{Content: content}, nil
	}

	lines := strings.SplitAfter(content, "\n")
	start := 0
	if req.Line != nil && *req.Line > 1 {
		start = min(*req.Line-1, len(lines))
	}
	end := len(lines)
	if req.Limit != nil && *req.Limit >= 0 {
		end = min(start+*req.Limit, len(lines))
	}
	return &acp.ReadTextFileResponse{Content: strings.Join(lines[start:end], "")}, nil
}

func writeTextFile(req acp.WriteTextFileRequest) error {
	if !filepath.IsAbs(req.Path) {
		return fmt.Errorf("path %q is not absolute", req.Path)
	}
	if err := os.MkdirAll(filepath.Dir(req.Path), 0755); err != nil {
		return err
	}
	return os.WriteFile(req.Path, []byte(req.Content), 0644)
}
