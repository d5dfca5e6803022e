package agentloop

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/go-resty/resty/v2"
)

func runTool(t *testing.T, env ExecutionEnvironment, opts CoreToolOptions, name string, args interface{}) ToolResult {
	t.Helper()
	reg := NewToolRegistry()
	RegisterCoreTools(reg, opts)
	raw, err := json.Marshal(args)
	if err != nil {
		t.Fatal(err)
	}
	res, _ := reg.Execute(context.Background(), name, raw, env)
	return res
}

func TestEditFile(t *testing.T) {
	tests := []struct {
		name    string
		content string
		args    map[string]interface{}
		want    string
		wantErr string
	}{
		{
			name:    "unique match",
			content: "a\nb\nc\n",
			args:    map[string]interface{}{"old_string": "b", "new_string": "B"},
			want:    "a\nB\nc\n",
		},
		{
			name:    "ambiguous match",
			content: "x x",
			args:    map[string]interface{}{"old_string": "x", "new_string": "y"},
			want:    "x x",
			wantErr: "occurs 2 times",
		},
		{
			name:    "replace all",
			content: "x x",
			args:    map[string]interface{}{"old_string": "x", "new_string": "y", "replace_all": true},
			want:    "y y",
		},
		{
			name:    "no match",
			content: "abc",
			args:    map[string]interface{}{"old_string": "zzz", "new_string": "y"},
			want:    "abc",
			wantErr: "not found",
		},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			env := newTestEnv(t, map[string]string{"f.txt": tt.content})
			tt.args["path"] = "f.txt"
			res := runTool(t, env, CoreToolOptions{}, "edit_file", tt.args)

			if tt.wantErr != "" {
				if !res.IsError || !strings.Contains(res.Output, tt.wantErr) {
					t.Errorf("expected error containing %q, got %+v", tt.wantErr, res)
				}
			} else if res.IsError {
				t.Errorf("unexpected error: %s", res.Output)
			}
			got, _ := env.ReadRawFile("f.txt")
			if got != tt.want {
				t.Errorf("file content %q, want %q", got, tt.want)
			}
		})
	}
}

func TestWriteFileTool(t *testing.T) {
	env := newTestEnv(t, nil)
	res := runTool(t, env, CoreToolOptions{}, "write_file", map[string]string{"path": "out/new.txt", "content": "hello"})
	if res.IsError || res.Output != "Created out/new.txt (5 bytes)" {
		t.Errorf("unexpected result %+v", res)
	}
	res = runTool(t, env, CoreToolOptions{}, "write_file", map[string]string{"path": "out/new.txt", "content": "bye"})
	if !strings.HasPrefix(res.Output, "Overwrote") {
		t.Errorf("expected overwrite, got %q", res.Output)
	}
}

func TestReadFileToolErrors(t *testing.T) {
	env := newTestEnv(t, map[string]string{"empty.txt": ""})
	if res := runTool(t, env, CoreToolOptions{}, "read_file", map[string]string{"path": "empty.txt"}); res.Output != "(empty file)" {
		t.Errorf("unexpected output %q", res.Output)
	}
	if res := runTool(t, env, CoreToolOptions{}, "read_file", map[string]string{}); !res.IsError {
		t.Error("expected an error without path")
	}
	if res := runTool(t, env, CoreToolOptions{}, "read_file", map[string]string{"path": "nope.txt"}); !res.IsError {
		t.Error("expected an error for a missing file")
	}
}

func TestRunCommandTool(t *testing.T) {
	env := newTestEnv(t, nil)

	res := runTool(t, env, CoreToolOptions{}, "run_command", map[string]string{"command": "echo hi; exit 2"})
	if res.IsError {
		t.Fatalf("a non-zero exit is not a tool error: %+v", res)
	}
	if !strings.Contains(res.Output, "hi") || !strings.Contains(res.Output, "[exit code: 2]") {
		t.Errorf("unexpected output %q", res.Output)
	}

	res = runTool(t, env, CoreToolOptions{}, "run_command", map[string]interface{}{"command": "sleep 5", "timeout_ms": 50})
	if !res.IsError || !strings.Contains(res.Output, "timed out after 50ms") {
		t.Errorf("expected a timeout error, got %+v", res)
	}

	res = runTool(t, env, CoreToolOptions{}, "run_command", map[string]string{"command": "  "})
	if !res.IsError {
		t.Error("expected an error for an empty command")
	}
}

func TestRunCommandTimeoutCapsModelRequest(t *testing.T) {
	reg := NewToolRegistry()
	RegisterCoreTools(reg, CoreToolOptions{CommandTimeout: 80 * time.Millisecond})
	tool, _ := reg.Get("run_command")
	if tool.Definition.Timeout != 80*time.Millisecond {
		t.Errorf("expected the registry deadline to follow CommandTimeout, got %s", tool.Definition.Timeout)
	}

	env := newTestEnv(t, nil)
	raw := json.RawMessage(`{"command":"sleep 5","timeout_ms":600000}`)
	start := time.Now()
	res, _ := reg.Execute(context.Background(), "run_command", raw, env)
	if !res.IsError {
		t.Errorf("expected a timeout, got %+v", res)
	}
	if time.Since(start) > 3*time.Second {
		t.Error("timeout_ms must not raise the configured limit")
	}
}

func TestGitDiffQuotesPath(t *testing.T) {
	env := newRecordingEnv(t)
	runTool(t, env, CoreToolOptions{}, "git_diff", map[string]interface{}{"path": "it's.go", "staged": true})
	spawned := env.spawned()
	if len(spawned) != 1 {
		t.Fatalf("expected one command, got %v", spawned)
	}
	want := `git --no-pager diff --no-color --cached -- 'it'\''s.go'`
	if spawned[0] != want {
		t.Errorf("got %q, want %q", spawned[0], want)
	}
}

func TestFetchURLTool(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path == "/missing" {
			http.Error(w, "gone", http.StatusNotFound)
			return
		}
		if r.URL.Path == "/huge" {
			_, _ = w.Write([]byte(strings.Repeat("x", 2*maxFetchBytes)))
			return
		}
		_, _ = w.Write([]byte("page body"))
	}))
	defer srv.Close()

	opts := CoreToolOptions{HTTPClient: resty.New()}
	res := runTool(t, nil, opts, "fetch_url", map[string]string{"url": srv.URL + "/ok"})
	if res.IsError || !strings.Contains(res.Output, "page body") || !strings.HasPrefix(res.Output, "200") {
		t.Errorf("unexpected result %+v", res)
	}

	res = runTool(t, nil, opts, "fetch_url", map[string]string{"url": srv.URL + "/missing"})
	if !res.IsError || !strings.Contains(res.Output, "404") {
		t.Errorf("expected a 404 error, got %+v", res)
	}

	res = runTool(t, nil, opts, "fetch_url", map[string]string{"url": srv.URL + "/huge"})
	if res.IsError {
		t.Fatalf("unexpected error %+v", res.Output)
	}
	if n := strings.Count(res.FullOutput, "x"); n != maxFetchBytes {
		t.Errorf("expected body cut at %d bytes, got %d", maxFetchBytes, n)
	}
	if !strings.HasSuffix(res.FullOutput, fmt.Sprintf("[response truncated at %d bytes]", maxFetchBytes)) {
		t.Errorf("missing truncation note: %q", res.FullOutput[len(res.FullOutput)-60:])
	}

	res = runTool(t, nil, opts, "fetch_url", map[string]string{"url": "file:///etc/passwd"})
	if !res.IsError {
		t.Error("expected non-http schemes to be refused")
	}
}
