package static

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"github.com/tidwall/jsonc"
	"gopkg.in/yaml.v3"
)

// Routes maps a lower-case sub-domain to a local port.
type Routes map[string]int

// LoadRoutes reads a routes file. The format is chosen by extension: YAML
// for ".yaml" and ".yml", JSON with comments otherwise. Keys are
// lower-cased.
func LoadRoutes(path string) (Routes, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("failed to read routes file: %w", err)
	}
	return ParseRoutes(data, filepath.Ext(path))
}

// ParseRoutes decodes routes from data. ext selects the format as in
// LoadRoutes.
func ParseRoutes(data []byte, ext string) (Routes, error) {
	raw := make(map[string]int)

	switch strings.ToLower(ext) {
	case ".yaml", ".yml":
		if err := yaml.Unmarshal(data, &raw); err != nil {
			return nil, fmt.Errorf("failed to parse YAML routes: %w", err)
		}
	default:
		// Comments and trailing commas are allowed.
		if err := json.Unmarshal(jsonc.ToJSON(data), &raw); err != nil {
			return nil, fmt.Errorf("failed to parse JSON routes: %w", err)
		}
	}

	routes := make(Routes, len(raw))
	for sub, port := range raw {
		routes[strings.ToLower(strings.TrimSpace(sub))] = port
	}
	return routes, nil
}
