package policy

import (
	"context"
	"encoding/json"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/rs/zerolog"

	"github.com/stratum-cloud/stratum/pkg/resources"
)

const blockPublicRego = `package custom.public

# Blocks public buckets.
# Applies to every workspace.

import rego.v1

deny contains "public buckets are not allowed" if {
	input.resource.attributes.public == true
}`

func writeFile(t *testing.T, path, content string) {
	t.Helper()
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		t.Fatalf("Failed to create dir: %v", err)
	}
	if err := os.WriteFile(path, []byte(content), 0o644); err != nil {
		t.Fatalf("Failed to write %s: %v", path, err)
	}
}

func TestLoadFromFile_Rego(t *testing.T) {
	loader := NewLoader(zerolog.Nop())
	path := filepath.Join(t.TempDir(), "block-public.rego")
	writeFile(t, path, blockPublicRego)

	policy, err := loader.loadFromFile(context.Background(), path)
	if err != nil {
		t.Fatalf("Failed to load policy: %v", err)
	}
	if policy.Name != "block-public" {
		t.Errorf("Expected name 'block-public', got '%s'", policy.Name)
	}
	if policy.Description != "Blocks public buckets. Applies to every workspace." {
		t.Errorf("Unexpected description %q", policy.Description)
	}
	if !policy.Enabled || policy.Severity != SeverityError {
		t.Errorf("Unexpected defaults: enabled=%v severity=%s", policy.Enabled, policy.Severity)
	}
}

func TestLoadFromFile_JSON(t *testing.T) {
	loader := NewLoader(zerolog.Nop())
	path := filepath.Join(t.TempDir(), "policy.json")

	data, err := json.Marshal(Policy{Name: "json-policy", Rego: blockPublicRego, Enabled: true})
	if err != nil {
		t.Fatalf("Failed to marshal policy: %v", err)
	}
	writeFile(t, path, string(data))

	policy, err := loader.loadFromFile(context.Background(), path)
	if err != nil {
		t.Fatalf("Failed to load policy: %v", err)
	}
	if policy.Name != "json-policy" {
		t.Errorf("Expected name 'json-policy', got '%s'", policy.Name)
	}
	if policy.Severity != SeverityError {
		t.Errorf("Expected default severity error, got %s", policy.Severity)
	}
}

func TestLoadFromFile_Errors(t *testing.T) {
	loader := NewLoader(zerolog.Nop())
	dir := t.TempDir()

	txt := filepath.Join(dir, "policy.txt")
	writeFile(t, txt, "nope")
	if _, err := loader.loadFromFile(context.Background(), txt); err == nil {
		t.Error("Expected error for unsupported file type")
	}

	bad := filepath.Join(dir, "bad.json")
	writeFile(t, bad, "{not json")
	if _, err := loader.loadFromFile(context.Background(), bad); err == nil {
		t.Error("Expected error for invalid JSON")
	}

	if _, err := loader.LoadFromPaths(context.Background(), []string{filepath.Join(dir, "missing")}); err == nil {
		t.Error("Expected error for missing path")
	}
}

func TestLoadFromDirectory_Recursive(t *testing.T) {
	loader := NewLoader(zerolog.Nop())
	dir := t.TempDir()
	writeFile(t, filepath.Join(dir, "a.rego"), blockPublicRego)
	writeFile(t, filepath.Join(dir, "nested", "b.rego"), blockPublicRego)
	writeFile(t, filepath.Join(dir, "README.md"), "ignored")
	writeFile(t, filepath.Join(dir, "broken.json"), "{")

	policies, err := loader.LoadFromPaths(context.Background(), []string{dir})
	if err != nil {
		t.Fatalf("Failed to load directory: %v", err)
	}
	if len(policies) != 2 {
		t.Fatalf("Expected 2 policies, got %d", len(policies))
	}
}

func TestLoadBundle(t *testing.T) {
	loader := NewLoader(zerolog.Nop())
	path := filepath.Join(t.TempDir(), "bundle.json")

	data, err := json.Marshal(Bundle{
		Name:     "governance",
		Version:  "1.0.0",
		Policies: []Policy{{Name: "p1", Rego: blockPublicRego}},
	})
	if err != nil {
		t.Fatalf("Failed to marshal bundle: %v", err)
	}
	writeFile(t, path, string(data))

	bundle, err := loader.LoadBundle(path)
	if err != nil {
		t.Fatalf("Failed to load bundle: %v", err)
	}
	if bundle.Name != "governance" || len(bundle.Policies) != 1 {
		t.Errorf("Unexpected bundle: %+v", bundle)
	}
}

func TestClearCache(t *testing.T) {
	loader := NewLoader(zerolog.Nop())
	path := filepath.Join(t.TempDir(), "p.rego")
	writeFile(t, path, blockPublicRego)

	if _, err := loader.loadFromFile(context.Background(), path); err != nil {
		t.Fatalf("Failed to load policy: %v", err)
	}
	if len(loader.cache) != 1 {
		t.Fatalf("Expected 1 cached policy, got %d", len(loader.cache))
	}
	loader.ClearCache()
	if len(loader.cache) != 0 {
		t.Errorf("Expected empty cache, got %d", len(loader.cache))
	}
}

func TestEngineWatch_ReloadsOnChange(t *testing.T) {
	eng := newTestEngine(t)
	dir := t.TempDir()
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	if err := eng.Watch(ctx, []string{dir}); err != nil {
		t.Fatalf("Failed to watch: %v", err)
	}

	public := &resources.Resource{ID: "r-1", Name: "open-bucket", Attributes: map[string]interface{}{"public": true}}
	if err := eng.CheckResource(ctx, "create", public); err != nil {
		t.Fatalf("No custom policy yet: %v", err)
	}

	writeFile(t, filepath.Join(dir, "block-public.rego"), blockPublicRego)

	blocked := false
	deadline := time.Now().Add(5 * time.Second)
	for time.Now().Before(deadline) {
		if err := eng.CheckResource(ctx, "create", public); err != nil {
			blocked = true
			break
		}
		time.Sleep(50 * time.Millisecond)
	}
	if !blocked {
		t.Fatal("Policy change was not picked up")
	}
}
