package config

import (
	"os"
	"path/filepath"
	"strings"
	"testing"
)

func writeTempConfig(t *testing.T, content string) string {
	t.Helper()
	dir := t.TempDir()
	path := filepath.Join(dir, "plugins.json")
	if err := os.WriteFile(path, []byte(content), 0644); err != nil {
		t.Fatalf("write temp config: %v", err)
	}
	return path
}

func TestLoadPluginConfig_Valid(t *testing.T) {
	cfg := `{
		"plugins": [
			{"name": "audit", "endpoint": "http://audit:9000/rpc", "documents": [1, 2]},
			{"name": "search", "endpoint": "https://search.internal/rpc", "documents": [7]}
		]
	}`
	path := writeTempConfig(t, cfg)

	pc, err := LoadPluginConfig(path)
	if err != nil {
		t.Fatalf("LoadPluginConfig: %v", err)
	}
	if len(pc.Plugins) != 2 {
		t.Fatalf("got %d plugins, want 2", len(pc.Plugins))
	}
	if pc.Plugins[0].Name != "audit" || len(pc.Plugins[0].Documents) != 2 {
		t.Errorf("first plugin: got %+v", pc.Plugins[0])
	}
}

func TestLoadPluginConfig_Empty(t *testing.T) {
	path := writeTempConfig(t, `{"plugins": []}`)

	pc, err := LoadPluginConfig(path)
	if err != nil {
		t.Fatalf("LoadPluginConfig: %v", err)
	}
	if len(pc.Plugins) != 0 {
		t.Errorf("got %d plugins, want 0", len(pc.Plugins))
	}
}

func TestLoadPluginConfig_FileNotFound(t *testing.T) {
	_, err := LoadPluginConfig("/nonexistent/plugins.json")
	if err == nil {
		t.Fatal("expected error for missing file")
	}
	if !strings.Contains(err.Error(), "read plugin config") {
		t.Errorf("unexpected error: %v", err)
	}
}

func TestLoadPluginConfig_InvalidJSON(t *testing.T) {
	path := writeTempConfig(t, `{not json}`)

	_, err := LoadPluginConfig(path)
	if err == nil {
		t.Fatal("expected error for invalid JSON")
	}
	if !strings.Contains(err.Error(), "parse plugin config") {
		t.Errorf("unexpected error: %v", err)
	}
}

func TestLoadPluginConfig_Invalid(t *testing.T) {
	tests := []struct {
		name    string
		content string
		wantErr string
	}{
		{
			"empty name",
			`{"plugins": [{"name": "", "endpoint": "http://a/rpc", "documents": [1]}]}`,
			"empty name",
		},
		{
			"duplicate name",
			`{"plugins": [
				{"name": "a", "endpoint": "http://a/rpc", "documents": [1]},
				{"name": "a", "endpoint": "http://b/rpc", "documents": [2]}
			]}`,
			"duplicate plugin name",
		},
		{
			"relative endpoint",
			`{"plugins": [{"name": "a", "endpoint": "/rpc", "documents": [1]}]}`,
			"invalid endpoint",
		},
		{
			"unsupported scheme",
			`{"plugins": [{"name": "a", "endpoint": "ftp://a/rpc", "documents": [1]}]}`,
			"invalid endpoint",
		},
		{
			"no documents",
			`{"plugins": [{"name": "a", "endpoint": "http://a/rpc", "documents": []}]}`,
			"subscribes to no documents",
		},
		{
			"non-positive document",
			`{"plugins": [{"name": "a", "endpoint": "http://a/rpc", "documents": [0]}]}`,
			"invalid document id",
		},
	}
	for _, tt := range tests {
		path := writeTempConfig(t, tt.content)
		_, err := LoadPluginConfig(path)
		if err == nil {
			t.Errorf("%s: expected error", tt.name)
			continue
		}
		if !strings.Contains(err.Error(), tt.wantErr) {
			t.Errorf("%s: got %v, want error containing %q", tt.name, err, tt.wantErr)
		}
	}
}
