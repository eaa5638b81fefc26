package main

import (
	"bytes"
	"os"
	"path/filepath"
	"strings"
	"testing"
)

func runCmd(t *testing.T, args ...string) (string, error) {
	t.Helper()
	cmd := newRootCmd()
	var out bytes.Buffer
	cmd.SetOut(&out)
	cmd.SetErr(&out)
	cmd.SetArgs(args)
	err := cmd.Execute()
	return out.String(), err
}

func TestVersion(t *testing.T) {
	out, err := runCmd(t, "version")
	if err != nil {
		t.Fatalf("version: %v", err)
	}
	if strings.TrimSpace(out) != "pendant dev" {
		t.Errorf("output = %q", out)
	}
}

func TestCheckConfig(t *testing.T) {
	tests := []struct {
		name    string
		yaml    string
		wantErr string
		wantOut string
	}{
		{
			name: "valid",
			yaml: `
providers:
  b: {name: deepgram, api_key: k}
storage: {driver: memory}
auth: {allow_any: true}
`,
			wantOut: "configuration ok",
		},
		{
			name:    "no provider",
			yaml:    "storage: {driver: memory}\n",
			wantErr: "at least one of providers.a and providers.b",
		},
		{
			name:    "unknown field",
			yaml:    "server: {listen: ':1'}\n",
			wantErr: "listen",
		},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			path := filepath.Join(t.TempDir(), "config.yaml")
			if err := os.WriteFile(path, []byte(tt.yaml), 0o600); err != nil {
				t.Fatal(err)
			}
			out, err := runCmd(t, "check-config", "--config", path)
			if tt.wantErr != "" {
				if err == nil || !strings.Contains(err.Error(), tt.wantErr) {
					t.Fatalf("err = %v, want it to contain %q", err, tt.wantErr)
				}
				return
			}
			if err != nil {
				t.Fatalf("check-config: %v", err)
			}
			if !strings.Contains(out, tt.wantOut) || !strings.Contains(out, "deepgram") {
				t.Errorf("output = %s", out)
			}
		})
	}
}

func TestCheckConfig_MissingFile(t *testing.T) {
	_, err := runCmd(t, "check-config", "--config", filepath.Join(t.TempDir(), "nope.yaml"))
	if err == nil || !strings.Contains(err.Error(), "example.yaml") {
		t.Errorf("err = %v, want a hint at the example config", err)
	}
}
