// Package manifest provides loading and validation of framefarm manifests.
//
// A farm manifest is an optional YAML or JSON file describing a project
// layout, the reconstruction tool invocation and where finished models are
// published. Command-line flags override manifest values.
//
// Manifests are validated against a JSON Schema before decoding. The schema
// disallows unknown properties.
//
// Example manifest (YAML):
//
//	version: "1.0"
//	project:
//	  root: D:/scans/session-07
//	  descriptor: scan.rcproj
//	  images: cropped
//	  output: output
//	tool:
//	  path: C:/Program Files/Capturing Reality/RealityCapture/RealityCapture.exe
//	  model_name: Model 1
//	publish:
//	  uri: s3://scan-models/session-07
package manifest

// Version is the only supported manifest version.
const Version = "1.0"

// Default project layout names, relative to the project root.
const (
	DefaultDescriptor = "scan.rcproj"
	DefaultImages     = "images"
	DefaultOutput     = "output"
	DefaultModelName  = "Model 1"
)

// DefaultToolPath is the stock RealityCapture install location.
const DefaultToolPath = `C:\Program Files\Capturing Reality\RealityCapture\RealityCapture.exe`

// Manifest represents a validated farm manifest.
type Manifest struct {
	// Schema is an optional JSON Schema reference for editor support.
	Schema string `json:"$schema,omitempty" yaml:"$schema,omitempty"`

	// Version is the manifest schema version. Must be "1.0".
	Version string `json:"version" yaml:"version"`

	// Name labels the run in logs and the ledger. Optional.
	Name string `json:"name,omitempty" yaml:"name,omitempty"`

	Project ProjectConfig  `json:"project,omitempty" yaml:"project,omitempty"`
	Tool    ToolConfig     `json:"tool,omitempty" yaml:"tool,omitempty"`
	Publish *PublishConfig `json:"publish,omitempty" yaml:"publish,omitempty"`
}

// ProjectConfig locates the descriptor and image sequence.
//
// Descriptor, Images and Output are resolved against Root when relative.
type ProjectConfig struct {
	Root       string `json:"root,omitempty" yaml:"root,omitempty"`
	Descriptor string `json:"descriptor,omitempty" yaml:"descriptor,omitempty"`
	Images     string `json:"images,omitempty" yaml:"images,omitempty"`
	Output     string `json:"output,omitempty" yaml:"output,omitempty"`
}

// ToolConfig configures the external reconstruction tool.
type ToolConfig struct {
	Path      string   `json:"path,omitempty" yaml:"path,omitempty"`
	ModelName string   `json:"model_name,omitempty" yaml:"model_name,omitempty"`
	ExtraArgs []string `json:"extra_args,omitempty" yaml:"extra_args,omitempty"`
}

// PublishConfig uploads finished models to object storage.
type PublishConfig struct {
	// URI is the destination, e.g. "s3://bucket/prefix" or "file:///mnt/nas/renders".
	URI string `json:"uri" yaml:"uri"`

	Region         string `json:"region,omitempty" yaml:"region,omitempty"`
	Endpoint       string `json:"endpoint,omitempty" yaml:"endpoint,omitempty"`
	Profile        string `json:"profile,omitempty" yaml:"profile,omitempty"`
	ForcePathStyle bool   `json:"force_path_style,omitempty" yaml:"force_path_style,omitempty"`
}

// Default returns a manifest with every default applied and no root.
func Default() *Manifest {
	m := &Manifest{Version: Version}
	m.ApplyDefaults()
	return m
}

// ApplyDefaults sets default values for optional fields.
func (m *Manifest) ApplyDefaults() {
	if m.Version == "" {
		m.Version = Version
	}
	if m.Project.Descriptor == "" {
		m.Project.Descriptor = DefaultDescriptor
	}
	if m.Project.Images == "" {
		m.Project.Images = DefaultImages
	}
	if m.Project.Output == "" {
		m.Project.Output = DefaultOutput
	}
	if m.Tool.Path == "" {
		m.Tool.Path = DefaultToolPath
	}
	if m.Tool.ModelName == "" {
		m.Tool.ModelName = DefaultModelName
	}
}

// Overrides holds command-line values that take precedence over the file.
// Empty fields leave the manifest value in place.
type Overrides struct {
	Root       string
	Descriptor string
	Images     string
	Output     string
	ToolPath   string
	PublishURI string
}

// Apply copies every non-empty override onto m.
func (m *Manifest) Apply(o Overrides) {
	if o.Root != "" {
		m.Project.Root = o.Root
	}
	if o.Descriptor != "" {
		m.Project.Descriptor = o.Descriptor
	}
	if o.Images != "" {
		m.Project.Images = o.Images
	}
	if o.Output != "" {
		m.Project.Output = o.Output
	}
	if o.ToolPath != "" {
		m.Tool.Path = o.ToolPath
	}
	if o.PublishURI != "" {
		if m.Publish == nil {
			m.Publish = &PublishConfig{}
		}
		m.Publish.URI = o.PublishURI
	}
}
