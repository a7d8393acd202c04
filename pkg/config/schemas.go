package config

import (
	"context"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"sync"

	"cuelang.org/go/cue"
	"cuelang.org/go/cue/cuecontext"
)

// SchemaRegistry manages CUE schemas for action parameter validation. Each
// action type has a schema; the validator rejects requests whose parameters
// do not unify with it.
type SchemaRegistry struct {
	ctx     *cue.Context
	schemas map[string]cue.Value
	mu      sync.RWMutex
}

// NewSchemaRegistry creates a new schema registry with built-in schemas for
// every supported action type.
func NewSchemaRegistry() *SchemaRegistry {
	sr := &SchemaRegistry{
		ctx:     cuecontext.New(),
		schemas: make(map[string]cue.Value),
	}

	sr.registerBuiltInSchemas()

	return sr
}

// registerBuiltInSchemas registers the parameter schemas for built-in action types.
func (sr *SchemaRegistry) registerBuiltInSchemas() {
	_ = sr.RegisterSchema("terminate_resource", terminateResourceSchema)
	_ = sr.RegisterSchema("resize_workload", resizeWorkloadSchema)
	_ = sr.RegisterSchema("migrate_pricing_model", migratePricingModelSchema)
	_ = sr.RegisterSchema("adjust_runtime_config", adjustRuntimeConfigSchema)
}

// RegisterSchema registers a CUE schema for an action type, replacing any
// existing schema of the same name. The schema must define #Parameters.
func (sr *SchemaRegistry) RegisterSchema(name, schema string) error {
	sr.mu.Lock()
	defer sr.mu.Unlock()

	val := sr.ctx.CompileString(schema)
	if err := val.Err(); err != nil {
		return fmt.Errorf("failed to compile schema %s: %w", name, err)
	}

	params := val.LookupPath(cue.ParsePath("#Parameters"))
	if !params.Exists() {
		return fmt.Errorf("schema %s does not define #Parameters", name)
	}

	sr.schemas[name] = params
	return nil
}

// GetSchema retrieves a schema by action type name.
func (sr *SchemaRegistry) GetSchema(name string) (cue.Value, bool) {
	sr.mu.RLock()
	defer sr.mu.RUnlock()

	val, ok := sr.schemas[name]
	return val, ok
}

// ValidateParameters validates raw action parameters against the action
// type's schema. Empty parameters validate as an empty object.
func (sr *SchemaRegistry) ValidateParameters(_ context.Context, actionType string, params json.RawMessage) error {
	schema, ok := sr.GetSchema(actionType)
	if !ok {
		return fmt.Errorf("no parameter schema registered for action type %s", actionType)
	}

	var data interface{} = map[string]interface{}{}
	if len(params) > 0 {
		if err := json.Unmarshal(params, &data); err != nil {
			return fmt.Errorf("parameters are not valid JSON: %w", err)
		}
	}

	dataVal := sr.ctx.Encode(data)
	if err := dataVal.Err(); err != nil {
		return fmt.Errorf("failed to encode parameters: %w", err)
	}

	unified := schema.Unify(dataVal)
	if err := unified.Validate(cue.Concrete(true)); err != nil {
		return fmt.Errorf("parameter validation failed: %w", err)
	}

	return nil
}

// LoadSchemaDir loads .cue schema files from a directory. The file base
// name (without extension) is the action type the schema applies to,
// letting operators override built-ins or add schemas for custom handlers.
func (sr *SchemaRegistry) LoadSchemaDir(dir string) error {
	entries, err := os.ReadDir(dir)
	if err != nil {
		return fmt.Errorf("failed to read schema directory: %w", err)
	}

	for _, entry := range entries {
		if entry.IsDir() || !strings.HasSuffix(entry.Name(), ".cue") {
			continue
		}

		path := filepath.Join(dir, entry.Name())
		data, err := os.ReadFile(path)
		if err != nil {
			return fmt.Errorf("failed to read schema file %s: %w", path, err)
		}

		name := strings.TrimSuffix(entry.Name(), ".cue")
		if err := sr.RegisterSchema(name, string(data)); err != nil {
			return err
		}
	}

	return nil
}

// ListSchemas returns all registered schema names.
func (sr *SchemaRegistry) ListSchemas() []string {
	sr.mu.RLock()
	defer sr.mu.RUnlock()

	names := make([]string, 0, len(sr.schemas))
	for name := range sr.schemas {
		names = append(names, name)
	}
	return names
}

// Built-in parameter schema definitions

const terminateResourceSchema = `
// Parameters for terminating an idle or unused resource
#Parameters: {
	// Seconds to wait for in-flight work before termination
	grace_period_seconds?: int & >=0 & <=86400

	// Force termination even if the provider reports activity
	force?: bool

	// Capture a final snapshot before terminating
	snapshot_before?: bool
}
`

const resizeWorkloadSchema = `
// Parameters for resizing an over-provisioned workload.
// At least one of instance_type or replicas must be given.
#Parameters: {
	// Target instance type (e.g. "m5.large")
	instance_type?: string & =~"^[a-z0-9][a-z0-9.-]+$"

	// Target replica count
	replicas?: int & >=0 & <=1000
} & ({instance_type: string} | {replicas: int})
`

const migratePricingModelSchema = `
// Parameters for moving a resource to a cheaper pricing model
#Parameters: {
	// Target pricing model
	pricing_model: "on_demand" | "spot" | "reserved" | "savings_plan"

	// Commitment term for reserved or savings plan pricing
	commitment_term_months?: 12 | 36
}
`

const adjustRuntimeConfigSchema = `
// Parameters for tuning runtime configuration settings
#Parameters: {
	// Settings applied to the target's runtime configuration
	settings: {[string]: string}
}
`
