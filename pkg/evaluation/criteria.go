package evaluation

import (
	"fmt"
	"strings"

	"github.com/docarena/docarena/pkg/models"
	"gopkg.in/yaml.v3"
)

// criteriaFile is the YAML shape of a rubric document: a `criteria` list
// whose items are either bare names or {name, description, weight} objects.
type criteriaFile struct {
	Criteria []criteriaItem `yaml:"criteria"`
}

type criteriaItem struct {
	Name        string
	Description string
	Weight      float64
}

func (c *criteriaItem) UnmarshalYAML(node *yaml.Node) error {
	if node.Kind == yaml.ScalarNode {
		return node.Decode(&c.Name)
	}
	var obj struct {
		Name        string  `yaml:"name"`
		Description string  `yaml:"description"`
		Weight      float64 `yaml:"weight"`
	}
	if err := node.Decode(&obj); err != nil {
		return err
	}
	c.Name = obj.Name
	c.Description = obj.Description
	c.Weight = obj.Weight
	return nil
}

// ParseCriteria parses rubric YAML into criteria. Bare names get a generated
// description.
func ParseCriteria(text string) ([]models.EvaluationCriterion, error) {
	var file criteriaFile
	if err := yaml.Unmarshal([]byte(text), &file); err != nil {
		return nil, fmt.Errorf("parse criteria YAML: %w", err)
	}
	if len(file.Criteria) == 0 {
		return nil, fmt.Errorf("criteria YAML has no criteria entries")
	}
	out := make([]models.EvaluationCriterion, 0, len(file.Criteria))
	for _, item := range file.Criteria {
		if item.Name == "" {
			return nil, fmt.Errorf("criteria entry missing name")
		}
		desc := item.Description
		if desc == "" {
			desc = fmt.Sprintf("Evaluate the %s of the document.", item.Name)
		}
		out = append(out, models.EvaluationCriterion{
			Name:        item.Name,
			Description: desc,
			Weight:      item.Weight,
		})
	}
	return out, nil
}

// FormatCriteria renders the rubric for prompt substitution, one numbered
// line per criterion.
func FormatCriteria(criteria []models.EvaluationCriterion) string {
	var sb strings.Builder
	for i, c := range criteria {
		fmt.Fprintf(&sb, "%d. %s: %s\n", i+1, c.Name, c.Description)
	}
	return strings.TrimRight(sb.String(), "\n")
}

// CriterionNames returns the rubric's name set in order.
func CriterionNames(criteria []models.EvaluationCriterion) []string {
	names := make([]string, len(criteria))
	for i, c := range criteria {
		names[i] = c.Name
	}
	return names
}

// Weights returns the criterion weight map; criteria without an explicit
// weight get 1.0.
func Weights(criteria []models.EvaluationCriterion) map[string]float64 {
	w := make(map[string]float64, len(criteria))
	for _, c := range criteria {
		if c.Weight > 0 {
			w[c.Name] = c.Weight
		} else {
			w[c.Name] = 1.0
		}
	}
	return w
}
