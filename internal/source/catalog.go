package source

import (
	"fmt"
	"os"
	"path/filepath"

	"gopkg.in/yaml.v3"

	"github.com/freeeve/hipsgen/internal/tile"
)

// Catalog is the YAML document listing the source images of a build.
type Catalog struct {
	// Border applies to every source that does not set its own.
	Border  Border `yaml:"border"`
	Sources []Ref  `yaml:"sources"`
}

// LoadCatalog reads a catalog file. Relative paths are resolved against the
// catalog's directory and missing dimensions are read from the image headers.
func LoadCatalog(path string) ([]Ref, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read catalog: %w", err)
	}
	var cat Catalog
	if err := yaml.Unmarshal(data, &cat); err != nil {
		return nil, fmt.Errorf("parse catalog %s: %w", path, err)
	}

	base := filepath.Dir(path)
	refs := make([]Ref, 0, len(cat.Sources))
	for i, ref := range cat.Sources {
		if ref.Path == "" {
			return nil, fmt.Errorf("catalog %s: source %d has no path", path, i)
		}
		if !filepath.IsAbs(ref.Path) {
			ref.Path = filepath.Join(base, ref.Path)
		}
		if ref.Border == nil {
			b := cat.Border
			ref.Border = &b
		}
		if ref.Width == 0 || ref.Height == 0 {
			header, err := tile.ReadHeader(ref.Path)
			if err != nil {
				return nil, fmt.Errorf("catalog %s: source %s: %w", path, ref.Path, err)
			}
			ref.Width, ref.Height = header.Width, header.Height
		}
		if !ref.Calib.Valid() {
			return nil, fmt.Errorf("catalog %s: source %s has a singular CD matrix", path, ref.Path)
		}
		refs = append(refs, ref)
	}
	return refs, nil
}

// SaveCatalog writes refs as a catalog file.
func SaveCatalog(path string, refs []Ref) error {
	data, err := yaml.Marshal(Catalog{Sources: refs})
	if err != nil {
		return err
	}
	return os.WriteFile(path, data, 0644)
}
