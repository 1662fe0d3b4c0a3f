package knowledge

import (
	"encoding/json"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"sort"
	"strings"

	"gopkg.in/yaml.v3"

	"zigbee-arbiter/internal/protocol"
)

// definitionFile is the layout of a file in the definitions directory.
type definitionFile struct {
	Devices       []Definition        `json:"devices,omitempty" yaml:"devices,omitempty"`
	Manufacturers []ManufacturerGroup `json:"manufacturers,omitempty" yaml:"manufacturers,omitempty"`
	Patterns      []PatternDef        `json:"patterns,omitempty" yaml:"patterns,omitempty"`
}

// PatternDef is a pattern rule declared in a definitions file.
type PatternDef struct {
	Vendor   string `json:"vendor,omitempty" yaml:"vendor,omitempty"`
	Model    string `json:"model,omitempty" yaml:"model,omitempty"`
	Protocol string `json:"protocol" yaml:"protocol"`
}

// LoadDir reads every *.json, *.yaml and *.yml file in dir into the builder.
// A missing or empty directory is not an error.
func (bl *Builder) LoadDir(dir string, logger *slog.Logger) error {
	if dir == "" {
		return nil
	}
	var matches []string
	for _, ext := range []string{"*.json", "*.yaml", "*.yml"} {
		m, err := filepath.Glob(filepath.Join(dir, ext))
		if err != nil {
			return fmt.Errorf("glob definitions dir: %w", err)
		}
		matches = append(matches, m...)
	}
	if len(matches) == 0 {
		logger.Info("no device definition files found", "dir", dir)
		return nil
	}
	sort.Strings(matches)

	total := 0
	for _, path := range matches {
		n, err := bl.loadFile(path)
		if err != nil {
			return err
		}
		total += n
		logger.Info("loaded definition file", "path", filepath.Base(path), "devices", n)
	}
	logger.Info("device definitions loaded", "files", len(matches), "devices", total)
	return nil
}

func (bl *Builder) loadFile(path string) (int, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return 0, fmt.Errorf("read %s: %w", path, err)
	}

	var df definitionFile
	if strings.HasSuffix(path, ".json") {
		err = json.Unmarshal(data, &df)
	} else {
		err = yaml.Unmarshal(data, &df)
	}
	if err != nil {
		return 0, fmt.Errorf("parse %s: %w", path, err)
	}

	n := 0
	for _, d := range df.Devices {
		if err := bl.AddDefinition(d); err != nil {
			return n, fmt.Errorf("%s: %w", path, err)
		}
		n++
	}
	for _, mg := range df.Manufacturers {
		for _, d := range mg.Models {
			d.Manufacturer = mg.Name
			if err := bl.AddDefinition(d); err != nil {
				return n, fmt.Errorf("%s: %w", path, err)
			}
			n++
		}
	}
	for _, p := range df.Patterns {
		if err := bl.addPatternDef(p); err != nil {
			return n, fmt.Errorf("%s: %w", path, err)
		}
	}
	return n, nil
}

func (bl *Builder) addPatternDef(p PatternDef) error {
	c, err := protocol.ParseClassification(p.Protocol)
	if err != nil {
		return err
	}
	return bl.AddPattern(p.Vendor, p.Model, c)
}
