// Package generator turns a project configuration into build and deploy artifacts.
//
// All functions are pure: no I/O, and identical input gives byte identical output.
package generator

type Artifacts struct {
	Workflow       string
	Manifest       Manifest
	ManifestJSON   []byte
	ContainerImage string
}

func Generate(cfg Config) (*Artifacts, error) {
	normalized := cfg.Normalize()
	if err := normalized.Validate(); err != nil {
		return nil, &Error{Artifact: "config", Err: err}
	}

	workflow, err := CIWorkflow(normalized)
	if err != nil {
		return nil, err
	}

	manifest := RuntimeManifest(normalized)
	manifestJSON, err := manifest.JSON()
	if err != nil {
		return nil, &Error{Artifact: "manifest", Err: err}
	}

	return &Artifacts{
		Workflow:       workflow,
		Manifest:       manifest,
		ManifestJSON:   manifestJSON,
		ContainerImage: ContainerImage(normalized),
	}, nil
}
