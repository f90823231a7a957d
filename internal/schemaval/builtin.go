package schemaval

// bundleManifestV1Schema is the structural shape of manifest.json,
// checked before any hash or signature verification runs against it.
const bundleManifestV1Schema = `{
  "type": "object",
  "required": ["schemaVersion", "kind", "files", "manifestHash"],
  "properties": {
    "schemaVersion": {"type": "string"},
    "kind": {"type": "string"},
    "tenantId": {"type": "string"},
    "scope": {"type": "string"},
    "manifestHash": {"type": "string", "pattern": "^[0-9a-f]{64}$"},
    "files": {
      "type": "array",
      "items": {
        "type": "object",
        "required": ["name", "sha256"],
        "properties": {
          "name": {"type": "string", "minLength": 1},
          "sha256": {"type": "string", "pattern": "^[0-9a-f]{64}$"},
          "sizeBytes": {"type": "integer", "minimum": 0}
        }
      }
    }
  }
}`

// RegisterBuiltins registers every schema this module ships inline —
// currently just BundleManifest.v1, the one document shape common to
// every bundle kind's manifest.json regardless of what it embeds.
func RegisterBuiltins(r *Registry) error {
	return r.Register("BundleManifest.v1", bundleManifestV1Schema)
}
