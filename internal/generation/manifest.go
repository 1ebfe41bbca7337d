package generation

import (
	"errors"
	"fmt"
	"io"
	"os"
	"strings"

	"gopkg.in/yaml.v3"
)

// manifestDocument is the YAML form of a manifest:
//
//	manifest:
//	  - /
//	  - /manifest.json
type manifestDocument struct {
	Manifest []string `yaml:"manifest"`
}

// LoadManifest decodes a YAML manifest. Unknown fields are rejected and every
// entry must be an origin-relative absolute path.
func LoadManifest(r io.Reader) (Manifest, error) {
	dec := yaml.NewDecoder(r)
	dec.KnownFields(true)

	var doc manifestDocument
	if err := dec.Decode(&doc); err != nil {
		if errors.Is(err, io.EOF) {
			return nil, errors.New("manifest is empty")
		}
		return nil, fmt.Errorf("decoding manifest: %w", err)
	}

	if len(doc.Manifest) == 0 {
		return nil, errors.New("manifest is empty")
	}
	for _, path := range doc.Manifest {
		if !strings.HasPrefix(path, "/") {
			return nil, fmt.Errorf("manifest entries must be absolute paths, got %q", path)
		}
	}

	return Manifest(doc.Manifest), nil
}

// LoadManifestFile reads a YAML manifest from disk.
func LoadManifestFile(path string) (Manifest, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, fmt.Errorf("opening manifest: %w", err)
	}
	defer f.Close()

	manifest, err := LoadManifest(f)
	if err != nil {
		return nil, fmt.Errorf("%s: %w", path, err)
	}
	return manifest, nil
}
