package config

import (
	"fmt"
	"os"

	"coworking/internal/models"

	"gopkg.in/yaml.v2"
)

type spacesFile struct {
	Spaces []models.Space `yaml:"spaces"`
}

// LoadSpaces returns the inline spaces followed by the ones from SpacesFile.
// A space ID defined twice is an error.
func (c *Config) LoadSpaces() ([]models.Space, error) {
	spaces := append([]models.Space(nil), c.Spaces...)

	if c.SpacesFile != "" {
		data, err := os.ReadFile(c.SpacesFile)
		if err != nil {
			return nil, fmt.Errorf("read spaces file: %w", err)
		}
		var f spacesFile
		if err := yaml.Unmarshal(data, &f); err != nil {
			return nil, fmt.Errorf("parse spaces file: %w", err)
		}
		spaces = append(spaces, f.Spaces...)
	}

	if err := ValidateSpaces(spaces); err != nil {
		return nil, err
	}
	return spaces, nil
}
