// Package schemaval compiles and runs JSON Schemas as a structural
// pre-validation gate ahead of semantic checks (hash recomputation,
// signature verification, chain linkage). The built-in registry
// (builtin.go) holds only BundleManifest.v1, applied to a bundle's
// manifest when a registry is supplied; other documents are not
// schema-validated. A schema is not a substitute for the domain checks
// that follow it.
package schemaval

import (
	"fmt"
	"strings"
	"sync"

	"github.com/santhosh-tekuri/jsonschema/v5"

	"github.com/settld/bundleverify/internal/verrors"
)

// Registry compiles and caches schemas by schemaVersion string (e.g.
// "BundleManifest.v1", "GovernancePolicy.v2").
type Registry struct {
	mu      sync.RWMutex
	schemas map[string]*jsonschema.Schema
}

// NewRegistry returns an empty registry.
func NewRegistry() *Registry {
	return &Registry{schemas: make(map[string]*jsonschema.Schema)}
}

// Register compiles schemaJSON and stores it under schemaVersion. It
// is safe to call concurrently with Validate.
func (r *Registry) Register(schemaVersion, schemaJSON string) error {
	c := jsonschema.NewCompiler()
	c.Draft = jsonschema.Draft2020
	url := "https://bundleverify.local/schemas/" + strings.ReplaceAll(schemaVersion, ".", "-") + ".json"
	if err := c.AddResource(url, strings.NewReader(schemaJSON)); err != nil {
		return fmt.Errorf("schemaval: load %s: %w", schemaVersion, err)
	}
	compiled, err := c.Compile(url)
	if err != nil {
		return fmt.Errorf("schemaval: compile %s: %w", schemaVersion, err)
	}

	r.mu.Lock()
	defer r.mu.Unlock()
	r.schemas[schemaVersion] = compiled
	return nil
}

// Validate checks doc (a generic decoded JSON value, typically
// map[string]any) against the schema registered for schemaVersion.
func (r *Registry) Validate(schemaVersion string, doc any) error {
	r.mu.RLock()
	schema, ok := r.schemas[schemaVersion]
	r.mu.RUnlock()
	if !ok {
		return verrors.New("SCHEMA_UNKNOWN_VERSION").WithDetail(schemaVersion)
	}
	if err := schema.Validate(doc); err != nil {
		return verrors.New("SCHEMA_VALIDATION_FAILED").WithDetail(schemaVersion).WithCause(err)
	}
	return nil
}

// RequireSchemaVersion checks doc's top-level "schemaVersion" field
// equals want before any structural validation runs, since a wrong
// schemaVersion should surface as a sharper error than a generic
// schema mismatch.
func RequireSchemaVersion(doc map[string]any, want string) error {
	got, _ := doc["schemaVersion"].(string)
	if got != want {
		return verrors.New("SCHEMA_VERSION_MISMATCH").WithDetail(map[string]string{"want": want, "got": got})
	}
	return nil
}
