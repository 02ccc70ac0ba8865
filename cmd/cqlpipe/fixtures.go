package main

import (
	"fmt"
	"os"
	"path/filepath"

	"gopkg.in/yaml.v3"

	"github.com/ehr/cqlpipe/internal/platform/fetch"
)

// loadFixtures reads a YAML map of address to file and serves the files from
// memory. Relative file paths are resolved against the manifest directory.
//
//	mem://fhir/Library?name=ANCRecommendationA2: library-search.json
//	mem://fhir/ValueSet: valuesets.json
func loadFixtures(manifest string) (*fetch.MemorySource, error) {
	raw, err := os.ReadFile(manifest)
	if err != nil {
		return nil, fmt.Errorf("read fixtures: %w", err)
	}
	var entries map[string]string
	if err := yaml.Unmarshal(raw, &entries); err != nil {
		return nil, fmt.Errorf("decode fixtures %s: %w", manifest, err)
	}

	dir := filepath.Dir(manifest)
	src := fetch.NewMemorySource()
	for address, file := range entries {
		if !filepath.IsAbs(file) {
			file = filepath.Join(dir, file)
		}
		payload, err := os.ReadFile(file)
		if err != nil {
			return nil, fmt.Errorf("fixture %s: %w", address, err)
		}
		src.Put(address, payload)
	}
	return src, nil
}
