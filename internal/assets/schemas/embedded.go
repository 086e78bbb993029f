// Package schemasassets provides embedded JSON schemas for standalone binary behavior.
//
// Schemas are embedded at compile time so manifest validation works
// regardless of the working directory or installation location.
package schemasassets

import _ "embed"

// FarmManifestSchema is the embedded farm-manifest JSON schema.
//
//go:embed farm-manifest.schema.json
var FarmManifestSchema []byte
