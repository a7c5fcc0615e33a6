package cmd

import (
	"bytes"
	"os"
	"path/filepath"
	"strings"
	"testing"

	"gopkg.in/yaml.v3"
)

func parseDoc(t *testing.T, src string) *yaml.Node {
	t.Helper()
	var doc yaml.Node
	if err := yaml.Unmarshal([]byte(src), &doc); err != nil {
		t.Fatalf("parse: %v", err)
	}
	return &doc
}

func encodeDoc(t *testing.T, doc *yaml.Node) string {
	t.Helper()
	var buf bytes.Buffer
	if err := writeYAML(&buf, doc); err != nil {
		t.Fatalf("encode: %v", err)
	}
	return buf.String()
}

func TestSetYAMLValue_PreservesComments(t *testing.T) {
	doc := parseDoc(t, "# top\nserver:\n  port: 18880 # keep\nclaude:\n  timeout: 300\n")

	if err := setYAMLValue(doc, []string{"claude", "timeout"}, "600"); err != nil {
		t.Fatalf("setYAMLValue failed: %v", err)
	}
	if err := setYAMLValue(doc, []string{"log", "level"}, "debug"); err != nil {
		t.Fatalf("setYAMLValue failed: %v", err)
	}

	out := encodeDoc(t, doc)
	for _, want := range []string{"# top", "# keep", "timeout: 600", "log:\n  level: debug"} {
		if !strings.Contains(out, want) {
			t.Fatalf("output missing %q:\n%s", want, out)
		}
	}
}

func TestSetYAMLValue_CORSOriginsBecomeList(t *testing.T) {
	doc := parseDoc(t, "server:\n  host: 0.0.0.0\n")
	if err := setYAMLValue(doc, []string{"server", "cors_origins"}, "https://*.example.com, http://localhost:*"); err != nil {
		t.Fatalf("setYAMLValue failed: %v", err)
	}

	node, err := getYAMLValue(doc, []string{"server", "cors_origins"})
	if err != nil {
		t.Fatalf("getYAMLValue failed: %v", err)
	}
	if node.Kind != yaml.SequenceNode || len(node.Content) != 2 {
		t.Fatalf("cors_origins = %#v, want 2-item sequence", node)
	}
	if node.Content[1].Value != "http://localhost:*" {
		t.Fatalf("second origin = %q", node.Content[1].Value)
	}
}

func TestSetYAMLValue_ReplacesScalarParent(t *testing.T) {
	doc := parseDoc(t, "claude: oops\n")
	if err := setYAMLValue(doc, []string{"claude", "bin"}, "/usr/bin/claude"); err != nil {
		t.Fatalf("setYAMLValue failed: %v", err)
	}
	node, err := getYAMLValue(doc, []string{"claude", "bin"})
	if err != nil {
		t.Fatalf("getYAMLValue failed: %v", err)
	}
	if node.Value != "/usr/bin/claude" {
		t.Fatalf("bin = %q", node.Value)
	}
}

func TestGetYAMLValue_Missing(t *testing.T) {
	doc := parseDoc(t, "server:\n  port: 1\n")
	if _, err := getYAMLValue(doc, []string{"server", "host"}); err == nil {
		t.Fatalf("expected error for missing key")
	}
	if _, err := getYAMLValue(doc, []string{"server", "port", "x"}); err == nil {
		t.Fatalf("expected error when walking through a scalar")
	}
}

func TestCheckConfigKey(t *testing.T) {
	if err := checkConfigKey("claude.timeout"); err != nil {
		t.Fatalf("claude.timeout rejected: %v", err)
	}
	if err := checkConfigKey("claude.nope"); err == nil {
		t.Fatalf("expected error for unknown key")
	}
}

func TestConfigSetGet_RoundTrip(t *testing.T) {
	t.Setenv("XDG_CONFIG_HOME", t.TempDir())

	var out bytes.Buffer
	configSetCmd.SetOut(&out)
	if err := configSet(configSetCmd, []string{"claude.max_turns", "4"}); err != nil {
		t.Fatalf("configSet failed: %v", err)
	}
	if got := out.String(); got != "claude.max_turns = 4\n" {
		t.Fatalf("set output = %q", got)
	}

	out.Reset()
	configGetCmd.SetOut(&out)
	if err := configGet(configGetCmd, []string{"claude.max_turns"}); err != nil {
		t.Fatalf("configGet failed: %v", err)
	}
	if got := out.String(); got != "4\n" {
		t.Fatalf("get output = %q, want %q", got, "4\n")
	}

	info, err := os.Stat(filepath.Join(os.Getenv("XDG_CONFIG_HOME"), "claude-proxy", "config.yaml"))
	if err != nil {
		t.Fatalf("stat config: %v", err)
	}
	if info.Mode().Perm() != 0600 {
		t.Fatalf("config mode = %v, want 0600", info.Mode().Perm())
	}
}

func TestConfigShow_WorkingDirectoryFile(t *testing.T) {
	t.Setenv("XDG_CONFIG_HOME", t.TempDir())
	wd := t.TempDir()
	prevWD, err := os.Getwd()
	if err != nil {
		t.Fatal(err)
	}
	if err := os.Chdir(wd); err != nil {
		t.Fatal(err)
	}
	t.Cleanup(func() { _ = os.Chdir(prevWD) })
	if err := os.WriteFile(filepath.Join(wd, "config.yaml"), []byte("server:\n  port: 9003\n"), 0600); err != nil {
		t.Fatal(err)
	}

	var out bytes.Buffer
	configCmd.SetOut(&out)
	if err := configShow(configCmd, nil); err != nil {
		t.Fatalf("configShow failed: %v", err)
	}
	got := out.String()
	if strings.Contains(got, "No config file") {
		t.Fatalf("./config.yaml not reported:\n%s", got)
	}
	if !strings.Contains(got, "config.yaml\n") || !strings.Contains(got, "port: 9003") {
		t.Fatalf("show output missing file path or value:\n%s", got)
	}

	// init targets the XDG file, which does not exist yet.
	configInitCmd.SetOut(&out)
	if err := configInit(configInitCmd, nil); err != nil {
		t.Fatalf("configInit failed: %v", err)
	}
	data, err := os.ReadFile(filepath.Join(os.Getenv("XDG_CONFIG_HOME"), "claude-proxy", "config.yaml"))
	if err != nil {
		t.Fatalf("read written config: %v", err)
	}
	if !strings.Contains(string(data), "telemetry:") {
		t.Fatalf("written config has no telemetry section:\n%s", data)
	}
}
