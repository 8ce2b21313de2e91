package config

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"sync"

	"cuelang.org/go/cue"
	"cuelang.org/go/cue/cuecontext"
	cueerrors "cuelang.org/go/cue/errors"

	"github.com/stratum-cloud/stratum/pkg/engine"
	"github.com/stratum-cloud/stratum/pkg/resources"
)

// attributesPath is the definition every resource type schema must declare.
var attributesPath = cue.ParsePath("#Attributes")

// SchemaRegistry holds one CUE schema per resource type and validates
// resource attributes against it.
type SchemaRegistry struct {
	ctx     *cue.Context
	schemas map[resources.ResourceType]cue.Value
	mu      sync.RWMutex
}

// NewSchemaRegistry creates a registry with the built-in resource type schemas.
func NewSchemaRegistry() *SchemaRegistry {
	sr := &SchemaRegistry{
		ctx:     cuecontext.New(),
		schemas: make(map[resources.ResourceType]cue.Value),
	}

	for rt, schema := range builtinSchemas {
		if err := sr.RegisterSchema(rt, schema); err != nil {
			panic(fmt.Sprintf("built-in schema %s: %v", rt, err))
		}
	}

	return sr
}

// RegisterSchema compiles a CUE schema for a resource type, replacing any
// previous one. The schema must define #Attributes.
func (sr *SchemaRegistry) RegisterSchema(rt resources.ResourceType, schema string) error {
	sr.mu.Lock()
	defer sr.mu.Unlock()

	val := sr.ctx.CompileString(schema, cue.Filename(string(rt)+".cue"))
	if err := val.Err(); err != nil {
		return fmt.Errorf("failed to compile schema %s: %w", rt, err)
	}
	def := val.LookupPath(attributesPath)
	if !def.Exists() {
		return fmt.Errorf("schema %s does not define #Attributes", rt)
	}

	sr.schemas[rt] = def
	return nil
}

// LoadDir registers every *.cue file in dir. The file name without its
// extension is the resource type, e.g. storage-container.cue.
func (sr *SchemaRegistry) LoadDir(dir string) ([]resources.ResourceType, error) {
	files, err := filepath.Glob(filepath.Join(dir, "*.cue"))
	if err != nil {
		return nil, fmt.Errorf("failed to list schemas: %w", err)
	}

	var loaded []resources.ResourceType
	for _, file := range files {
		data, err := os.ReadFile(file)
		if err != nil {
			return nil, fmt.Errorf("failed to read schema %s: %w", file, err)
		}
		rt := resources.ResourceType(strings.TrimSuffix(filepath.Base(file), ".cue"))
		if err := sr.RegisterSchema(rt, string(data)); err != nil {
			return nil, err
		}
		loaded = append(loaded, rt)
	}
	return loaded, nil
}

// GetSchema retrieves the #Attributes definition for a resource type.
func (sr *SchemaRegistry) GetSchema(rt resources.ResourceType) (cue.Value, bool) {
	sr.mu.RLock()
	defer sr.mu.RUnlock()

	val, ok := sr.schemas[rt]
	return val, ok
}

// Validate checks attributes against the schema of their resource type.
// Types without a schema are rejected. Failures are permanent validation
// errors listing every offending field.
func (sr *SchemaRegistry) Validate(_ context.Context, rt resources.ResourceType, attrs map[string]interface{}) error {
	schema, ok := sr.GetSchema(rt)
	if !ok {
		return engine.NewValidationError(fmt.Sprintf("unsupported resource type %q", rt), nil)
	}

	data, err := resources.MarshalAttributes(attrs)
	if err != nil {
		return engine.NewValidationError("attributes are not valid JSON", err)
	}

	// cue.Context is not safe for concurrent use.
	sr.mu.Lock()
	defer sr.mu.Unlock()

	// JSON is compiled rather than encoded so integers stay integers.
	val := sr.ctx.CompileBytes(data, cue.Filename("attributes.json"))
	if err := val.Err(); err != nil {
		return engine.NewValidationError("attributes are not valid JSON", err)
	}

	unified := schema.Unify(val)
	if err := unified.Validate(cue.Concrete(true)); err != nil {
		fields := errorFields(err)
		return engine.NewValidationError(
			fmt.Sprintf("invalid %s attributes: %s", rt, cueerrors.Details(err, nil)), err).
			WithDetail("fields", fields)
	}
	return nil
}

// ListSchemas returns the registered resource types, sorted.
func (sr *SchemaRegistry) ListSchemas() []resources.ResourceType {
	sr.mu.RLock()
	defer sr.mu.RUnlock()

	names := make([]resources.ResourceType, 0, len(sr.schemas))
	for name := range sr.schemas {
		names = append(names, name)
	}
	sort.Slice(names, func(i, j int) bool { return names[i] < names[j] })
	return names
}

func errorFields(err error) []string {
	seen := make(map[string]bool)
	var fields []string
	for _, e := range cueerrors.Errors(err) {
		path := strings.Join(e.Path(), ".")
		// Drop the leading definition name.
		path = strings.TrimPrefix(strings.TrimPrefix(path, "#Attributes"), ".")
		if path == "" || seen[path] {
			continue
		}
		seen[path] = true
		fields = append(fields, path)
	}
	sort.Strings(fields)
	return fields
}

// commonFields are accepted on every resource type.
const commonFields = `
	// Labels are free-form key/value pairs copied onto the cloud object.
	labels?: {[string]: string & strings.MaxRunes(63)}

	// deletion_protection blocks the delete workflow.
	deletion_protection?: bool
`

var builtinSchemas = map[resources.ResourceType]string{
	resources.TypeStorageContainer: `
import "strings"

#Attributes: {` + commonFields + `
	versioning?: bool
	storage_class?: "STANDARD" | "STANDARD_IA" | "GLACIER" | "REDUCED_REDUNDANCY"
	public_access?: bool
}
`,
	resources.TypeComputeInstance: `
import "strings"

#Attributes: {` + commonFields + `
	machine_type: string & =~"^[a-z0-9][a-z0-9.-]*$"
	cpus?:        int & >=1 & <=96
	memory_gb?:   number & >0 & <=1024
	image?:       string
}
`,
	resources.TypeDisk: `
import "strings"

#Attributes: {` + commonFields + `
	size_gb: int & >=1 & <=65536
	kind?:   *"ssd" | "hdd"
}
`,
	resources.TypeDatabase: `
import "strings"

#Attributes: {` + commonFields + `
	engine:      "postgres" | "mysql"
	version?:    string
	storage_gb?: int & >=10
}
`,
	resources.TypeDataset: `
import "strings"

#Attributes: {` + commonFields + `
	format?:            *"parquet" | "csv" | "json"
	storage_container?: string
}
`,
}
