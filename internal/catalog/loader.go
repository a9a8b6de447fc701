package catalog

import (
	"bytes"
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"sort"

	"gopkg.in/yaml.v3"
)

// Loader reads crew definitions from YAML files.
type Loader struct{}

// Load scans dir for *.yaml and *.yml files and returns definitions keyed by
// crew id. A missing directory yields an empty catalog.
func (Loader) Load(dir string) (map[int64]CrewDefinition, error) {
	entries, err := os.ReadDir(dir)
	if err != nil {
		if os.IsNotExist(err) {
			return map[int64]CrewDefinition{}, nil
		}
		return nil, fmt.Errorf("read catalog dir: %w", err)
	}

	names := make([]string, 0, len(entries))
	for _, entry := range entries {
		if entry.IsDir() {
			continue
		}
		switch filepath.Ext(entry.Name()) {
		case ".yaml", ".yml":
			names = append(names, entry.Name())
		}
	}
	sort.Strings(names)

	crews := make(map[int64]CrewDefinition, len(names))
	sources := make(map[int64]string, len(names))
	for _, name := range names {
		path := filepath.Join(dir, name)
		definitions, err := readCrewFile(path)
		if err != nil {
			return nil, err
		}
		for _, definition := range definitions {
			if previous, exists := sources[definition.ID]; exists {
				return nil, fmt.Errorf("duplicate crew id %d in %s and %s", definition.ID, previous, path)
			}
			sources[definition.ID] = path
			crews[definition.ID] = definition
		}
	}
	return crews, nil
}

func readCrewFile(path string) ([]CrewDefinition, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read crew file %s: %w", path, err)
	}
	definitions, err := DecodeCrews(data)
	if err != nil {
		return nil, fmt.Errorf("parse crew file %s: %w", path, err)
	}
	return definitions, nil
}

// DecodeCrews decodes one or more YAML documents, each a single crew.
// Unknown fields are rejected.
func DecodeCrews(data []byte) ([]CrewDefinition, error) {
	decoder := yaml.NewDecoder(bytes.NewReader(data))
	decoder.KnownFields(true)

	var definitions []CrewDefinition
	for index := 0; ; index++ {
		var definition CrewDefinition
		err := decoder.Decode(&definition)
		if errors.Is(err, io.EOF) {
			break
		}
		if err != nil {
			return nil, err
		}
		definition.normalize()
		if err := definition.Validate(); err != nil {
			return nil, fmt.Errorf("document %d: %w", index, err)
		}
		definitions = append(definitions, definition)
	}
	return definitions, nil
}
