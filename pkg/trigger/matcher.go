// Package trigger decides which workflow templates apply to an entity event.
package trigger

import (
	"log/slog"
	"sort"

	"github.com/dukex/approvals/pkg/models"
)

// Matcher evaluates template trigger conditions against entity snapshots.
// Matching has no time or randomness dependency: the same inputs always give
// the same ordered result.
type Matcher struct {
	logger *slog.Logger
}

// NewMatcher creates a new trigger matcher.
func NewMatcher(logger *slog.Logger) *Matcher {
	return &Matcher{
		logger: logger.With("module", "trigger_matcher"),
	}
}

// Match returns the ids of the templates matching the event, highest priority first.
func (m *Matcher) Match(templates []*models.WorkflowTemplate, entityType string, triggerType models.TriggerType, snapshot map[string]any) []string {
	matched := m.MatchTemplates(templates, entityType, triggerType, snapshot)

	ids := make([]string, len(matched))
	for i, template := range matched {
		ids[i] = template.ID
	}

	return ids
}

// MatchTemplates is Match returning the templates themselves.
func (m *Matcher) MatchTemplates(templates []*models.WorkflowTemplate, entityType string, triggerType models.TriggerType, snapshot map[string]any) []*models.WorkflowTemplate {
	results := make([]*models.WorkflowTemplate, 0)

	for _, template := range templates {
		if !template.IsActive || !template.AppliesTo(entityType) || template.TriggerType != triggerType {
			continue
		}

		if !Holds(template.TriggerConditions, snapshot) {
			m.logger.Debug("Template conditions not met",
				"template_id", template.ID,
				"entity_type", entityType,
				"trigger_type", triggerType)

			continue
		}

		results = append(results, template)
	}

	sort.SliceStable(results, func(i, j int) bool {
		if results[i].Priority != results[j].Priority {
			return results[i].Priority > results[j].Priority
		}

		return results[i].ID < results[j].ID
	})

	m.logger.Debug("Completed trigger matching",
		"entity_type", entityType,
		"trigger_type", triggerType,
		"candidates", len(templates),
		"matches_found", len(results))

	return results
}

// Holds evaluates the matchable conditions. Schedule and custom rules are
// dispatched by external collaborators and never block a match here.
func Holds(conditions models.TriggerConditions, snapshot map[string]any) bool {
	if conditions.Threshold != nil && !EvaluateThreshold(*conditions.Threshold, snapshot) {
		return false
	}

	return EvaluateFields(conditions.FieldConditions, snapshot)
}
