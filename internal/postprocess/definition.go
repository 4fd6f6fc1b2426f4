package postprocess

import (
	"strings"

	"github.com/cockroachdb/errors"
	"gopkg.in/yaml.v3"
)

// FormatAggregated is the RESULTS_FORMAT of jobs that publish one report
// holding every module.
const FormatAggregated = "aggregated"

// TradefedDefinition is a tradefed.yaml test definition found in a LAVA job.
type TradefedDefinition struct {
	// Name is the test definition name; it is both the LAVA suite name
	// searched for the archive and the suite prefix of ingested results.
	Name          string
	ResultsFormat string
}

type jobDefinition struct {
	Actions []struct {
		Test *struct {
			Definitions []struct {
				Name   string         `yaml:"name"`
				Path   string         `yaml:"path"`
				Params map[string]any `yaml:"params"`
			} `yaml:"definitions"`
		} `yaml:"test"`
	} `yaml:"actions"`
}

// ParseDefinition returns the tradefed.yaml definitions of the test actions
// of a LAVA job definition. Definitions lacking a name or a RESULTS_FORMAT
// parameter are skipped.
func ParseDefinition(definition string) ([]TradefedDefinition, error) {
	if strings.TrimSpace(definition) == "" {
		return nil, nil
	}

	var doc jobDefinition
	if err := yaml.Unmarshal([]byte(definition), &doc); err != nil {
		return nil, errors.Wrap(err, "failed to parse job definition")
	}

	var out []TradefedDefinition
	for _, action := range doc.Actions {
		if action.Test == nil {
			continue
		}
		for _, def := range action.Test.Definitions {
			if !strings.Contains(def.Path, "tradefed.yaml") {
				continue
			}
			format, ok := def.Params["RESULTS_FORMAT"]
			if !ok || def.Name == "" {
				continue
			}
			s, ok := format.(string)
			if !ok {
				continue
			}
			out = append(out, TradefedDefinition{Name: def.Name, ResultsFormat: s})
		}
	}
	return out, nil
}
