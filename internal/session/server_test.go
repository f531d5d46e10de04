package session

import (
	"encoding/json"
	"testing"

	"github.com/mark3labs/mcp-go/mcp"
)

func TestArgString(t *testing.T) {
	args := map[string]any{"query": "files"}
	if got := argString(args, "query", ""); got != "files" {
		t.Fatalf("argString() = %q, want %q", got, "files")
	}
	if got := argString(args, "missing", "default"); got != "default" {
		t.Fatalf("argString() default = %q, want %q", got, "default")
	}
}

func TestArgInt(t *testing.T) {
	args := map[string]any{"limit": float64(5)}
	if got := argInt(args, "limit", 0); got != 5 {
		t.Fatalf("argInt() = %d, want 5", got)
	}
	if got := argInt(args, "missing", 10); got != 10 {
		t.Fatalf("argInt() default = %d, want 10", got)
	}
}

func TestArgBool(t *testing.T) {
	args := map[string]any{"include_tools": true}
	if got := argBool(args, "include_tools", false); !got {
		t.Fatal("argBool() = false, want true")
	}
	if got := argBool(args, "missing", true); !got {
		t.Fatal("argBool() default = false, want true")
	}
}

func TestArgStringSlice(t *testing.T) {
	args := map[string]any{"tool_names": []any{"fs:read_file", "shell:exec"}}
	got := argStringSlice(args, "tool_names")
	if len(got) != 2 || got[0] != "fs:read_file" || got[1] != "shell:exec" {
		t.Fatalf("argStringSlice() = %v, want [fs:read_file shell:exec]", got)
	}
	if got := argStringSlice(args, "missing"); got != nil {
		t.Fatalf("argStringSlice() missing = %v, want nil", got)
	}
}

func TestArgObject(t *testing.T) {
	args := map[string]any{"arguments": map[string]any{"path": "/tmp/a"}}
	got := argObject(args, "arguments")
	if got["path"] != "/tmp/a" {
		t.Fatalf("argObject() = %v", got)
	}
	if got := argObject(args, "missing"); got != nil {
		t.Fatalf("argObject() missing = %v, want nil", got)
	}
}

func TestArguments_DecodesRawMessage(t *testing.T) {
	var req mcp.CallToolRequest
	req.Params.Arguments = json.RawMessage(`{"query":"files"}`)
	args := arguments(req)
	if args["query"] != "files" {
		t.Fatalf("arguments() = %v", args)
	}
}

func TestArguments_DecodesMap(t *testing.T) {
	var req mcp.CallToolRequest
	req.Params.Arguments = map[string]any{"query": "files"}
	args := arguments(req)
	if args["query"] != "files" {
		t.Fatalf("arguments() = %v", args)
	}
}
