// Package template renders request titles and descriptions against workflow data.
package template

import (
	"fmt"
	"strings"
	"text/template"
	"time"

	"github.com/dukex/approvals/pkg/models"
)

// InstanceData is the context templates see for a step of an instance:
// .data is the entity snapshot, the other keys describe the instance and step.
func InstanceData(instance *models.WorkflowInstance, step *models.WorkflowStep) map[string]any {
	data := map[string]any{
		"data":         instance.Data,
		"entity_type":  instance.EntityType,
		"entity_id":    instance.EntityID,
		"triggered_by": instance.TriggeredBy,
		"step_number":  step.StepNumber,
		"step_name":    step.Name,
	}

	if instance.TemplateSnapshot != nil {
		data["template"] = instance.TemplateSnapshot.Name
	}

	return data
}

// NeedsTemplating reports whether input contains template actions.
func NeedsTemplating(input string) bool {
	return strings.Contains(input, "{{")
}

// Parse checks that input is a valid template without executing it.
func Parse(input string) error {
	_, err := parse(input)

	return err
}

// Render executes input against data. Missing keys render as empty strings.
func Render(input string, data any) (string, error) {
	if !NeedsTemplating(input) {
		return input, nil
	}

	tmpl, err := parse(input)
	if err != nil {
		return "", err
	}

	var buf strings.Builder

	err = tmpl.Execute(&buf, data)
	if err != nil {
		return "", fmt.Errorf("failed to execute template '%s': %w", input, err)
	}

	return strings.TrimSpace(strings.ReplaceAll(buf.String(), "<no value>", "")), nil
}

func parse(input string) (*template.Template, error) {
	tmpl, err := template.
		New("request").
		Option("missingkey=zero").
		Funcs(template.FuncMap{
			"now": func() string {
				return time.Now().UTC().Format(time.RFC3339)
			},
			"upper": strings.ToUpper,
			"lower": strings.ToLower,
			"default": func(fallback, value any) any {
				if value == nil || value == "" {
					return fallback
				}

				return value
			},
		}).Parse(input)
	if err != nil {
		return nil, fmt.Errorf("failed to parse template '%s': %w", input, err)
	}

	return tmpl, nil
}
