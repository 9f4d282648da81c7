// Package catalog loads scenario and step definitions from a YAML file.
package catalog

import (
	"context"
	"errors"
	"fmt"
	"os"
	"strings"
	"time"

	"gopkg.in/yaml.v3"

	"github.com/harun/drillops/pkg/drill"
	"github.com/harun/drillops/pkg/graph"
)

var (
	// ErrInvalid is returned when the catalog file fails validation
	ErrInvalid = errors.New("invalid catalog")

	// ErrUnknownScenario is returned when a scenario id is not in the catalog
	ErrUnknownScenario = errors.New("unknown scenario")
)

type stepSpec struct {
	ID             string   `yaml:"id"`
	Name           string   `yaml:"name"`
	Command        string   `yaml:"command"`
	Host           string   `yaml:"host"`
	User           string   `yaml:"user"`
	DependsOn      []string `yaml:"depends_on"`
	TimeoutSeconds float64  `yaml:"timeout_seconds"`
}

type scenarioSpec struct {
	ID    string     `yaml:"id"`
	Name  string     `yaml:"name"`
	Steps []stepSpec `yaml:"steps"`
}

// Criterion is a checkpoint evaluated by an operator between scenario groups.
type Criterion struct {
	ID   string `yaml:"id" json:"id"`
	Name string `yaml:"name" json:"name"`
}

type file struct {
	Scenarios []scenarioSpec `yaml:"scenarios"`
	Criteria  []Criterion    `yaml:"criteria"`
}

// Scenario is an ordered collection of steps.
type Scenario struct {
	ID    string       `json:"id"`
	Name  string       `json:"name"`
	Steps []drill.Step `json:"steps"`
}

// Catalog is an immutable, validated set of scenarios and criteria.
type Catalog struct {
	scenarios []Scenario
	byID      map[string]int
	criteria  []Criterion
}

// Load reads and validates the catalog at path.
func Load(path string) (*Catalog, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read catalog: %w", err)
	}
	c, err := Parse(data)
	if err != nil {
		return nil, fmt.Errorf("%s: %w", path, err)
	}
	return c, nil
}

// Parse decodes and validates catalog YAML.
func Parse(data []byte) (*Catalog, error) {
	var f file
	if err := yaml.Unmarshal(data, &f); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrInvalid, err)
	}

	c := &Catalog{
		byID:     make(map[string]int, len(f.Scenarios)),
		criteria: f.Criteria,
	}
	var problems []string
	stepOwner := make(map[string]string)

	for _, sc := range f.Scenarios {
		if sc.ID == "" {
			problems = append(problems, "scenario without id")
			continue
		}
		if _, dup := c.byID[sc.ID]; dup {
			problems = append(problems, fmt.Sprintf("duplicate scenario %q", sc.ID))
			continue
		}

		scenario := Scenario{ID: sc.ID, Name: sc.Name}
		for _, st := range sc.Steps {
			if st.ID == "" {
				problems = append(problems, fmt.Sprintf("scenario %q: step without id", sc.ID))
				continue
			}
			if owner, dup := stepOwner[st.ID]; dup {
				problems = append(problems, fmt.Sprintf("step %q defined in both %q and %q", st.ID, owner, sc.ID))
				continue
			}
			if st.TimeoutSeconds < 0 {
				problems = append(problems, fmt.Sprintf("step %q: negative timeout", st.ID))
			}
			stepOwner[st.ID] = sc.ID
			scenario.Steps = append(scenario.Steps, drill.Step{
				ID:         st.ID,
				ScenarioID: sc.ID,
				Name:       st.Name,
				Command:    st.Command,
				TargetHost: st.Host,
				TargetUser: st.User,
				DependsOn:  st.DependsOn,
				Timeout:    time.Duration(st.TimeoutSeconds * float64(time.Second)),
			})
		}

		c.byID[sc.ID] = len(c.scenarios)
		c.scenarios = append(c.scenarios, scenario)
	}

	for _, sc := range c.scenarios {
		for _, st := range sc.Steps {
			for _, dep := range st.DependsOn {
				owner, ok := stepOwner[dep]
				switch {
				case !ok:
					problems = append(problems, fmt.Sprintf("step %q depends on unknown step %q", st.ID, dep))
				case owner != sc.ID:
					problems = append(problems, fmt.Sprintf("step %q depends on %q from scenario %q", st.ID, dep, owner))
				}
			}
		}
		if _, err := graph.Build(sc.Steps, nil, nil); err != nil {
			problems = append(problems, fmt.Sprintf("scenario %q: %v", sc.ID, err))
		}
	}

	seenCriteria := make(map[string]bool, len(c.criteria))
	for _, cr := range c.criteria {
		if cr.ID == "" || seenCriteria[cr.ID] {
			problems = append(problems, fmt.Sprintf("criterion %q: missing or duplicate id", cr.ID))
		}
		seenCriteria[cr.ID] = true
	}

	if len(problems) > 0 {
		return nil, fmt.Errorf("%w: %s", ErrInvalid, strings.Join(problems, "; "))
	}
	return c, nil
}

// ScenarioSteps returns a copy of a scenario's steps in file order.
func (c *Catalog) ScenarioSteps(_ context.Context, scenarioID string) ([]drill.Step, error) {
	sc, ok := c.Scenario(scenarioID)
	if !ok {
		return nil, fmt.Errorf("%w: %s", ErrUnknownScenario, scenarioID)
	}
	return sc.Steps, nil
}

// Scenario looks up a scenario by id. The returned steps are a copy.
func (c *Catalog) Scenario(id string) (Scenario, bool) {
	i, ok := c.byID[id]
	if !ok {
		return Scenario{}, false
	}
	sc := c.scenarios[i]
	sc.Steps = append([]drill.Step(nil), sc.Steps...)
	return sc, true
}

// Scenarios returns every scenario in file order.
func (c *Catalog) Scenarios() []Scenario {
	out := make([]Scenario, 0, len(c.scenarios))
	for _, sc := range c.scenarios {
		s, _ := c.Scenario(sc.ID)
		out = append(out, s)
	}
	return out
}

// Criteria returns the checkpoint criteria in file order.
func (c *Catalog) Criteria() []Criterion {
	return append([]Criterion(nil), c.criteria...)
}

// HasCriterion reports whether id is a known criterion.
func (c *Catalog) HasCriterion(id string) bool {
	for _, cr := range c.criteria {
		if cr.ID == id {
			return true
		}
	}
	return false
}
