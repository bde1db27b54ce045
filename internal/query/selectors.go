package query

import (
	"errors"
	"fmt"
	"io"
	"strings"

	"github.com/spf13/afero"
	"gopkg.in/yaml.v3"
)

// Selectors are the XPath queries that tie the executor to the notebook UI.
// They are expected to change whenever the UI does.
type Selectors struct {
	Input              string `yaml:"input"`
	Submit             string `yaml:"submit"`
	ResponseAffordance string `yaml:"response_affordance"`
	// ResponseText is evaluated relative to the newest response affordance.
	ResponseText string `yaml:"response_text"`
}

func DefaultSelectors() Selectors {
	return Selectors{
		Input:              "//input[@placeholder='Start typing...'] | //textarea[@placeholder='Start typing...']",
		Submit:             "//button[@aria-label='Submit' or @type='submit' or @aria-label='Send' or contains(@class,'send-button-class')]",
		ResponseAffordance: "//button[contains(@aria-label, 'Copy')]",
		ResponseText:       "./ancestor::mat-card[1]/mat-card-content",
	}
}

// WithDefaults fills blank fields from DefaultSelectors.
func (s Selectors) WithDefaults() Selectors {
	defaults := DefaultSelectors()
	if strings.TrimSpace(s.Input) == "" {
		s.Input = defaults.Input
	}
	if strings.TrimSpace(s.Submit) == "" {
		s.Submit = defaults.Submit
	}
	if strings.TrimSpace(s.ResponseAffordance) == "" {
		s.ResponseAffordance = defaults.ResponseAffordance
	}
	if strings.TrimSpace(s.ResponseText) == "" {
		s.ResponseText = defaults.ResponseText
	}
	return s
}

// LoadSelectors reads a YAML selector file and merges it over the defaults.
// An empty path yields the defaults. Unknown keys are rejected so a typo
// does not silently fall back to a default.
func LoadSelectors(fsys afero.Fs, path string) (Selectors, error) {
	path = strings.TrimSpace(path)
	if path == "" {
		return DefaultSelectors(), nil
	}
	if fsys == nil {
		fsys = afero.NewOsFs()
	}

	f, err := fsys.Open(path)
	if err != nil {
		return Selectors{}, fmt.Errorf("open selectors file: %w", err)
	}
	defer f.Close()

	var loaded Selectors
	decoder := yaml.NewDecoder(f)
	decoder.KnownFields(true)
	if err := decoder.Decode(&loaded); err != nil && !errors.Is(err, io.EOF) {
		return Selectors{}, fmt.Errorf("parse selectors file %s: %w", path, err)
	}
	return loaded.WithDefaults(), nil
}
