package automation

import (
	"fmt"
	"os"
	"time"

	"gopkg.in/yaml.v2"

	"taskmirror/internal/models"
)

// The automations file is managed out-of-band (operators edit it, a
// management UI may regenerate it); this service only reads it.
type automationsFile struct {
	Automations []rawAutomation `yaml:"automations"`
}

type rawAutomation struct {
	ID              string        `yaml:"id"`
	Name            string        `yaml:"name"`
	ListID          string        `yaml:"list_id"`
	Enabled         bool          `yaml:"enabled"`
	TerminateOnExit bool          `yaml:"terminate_on_exit"`
	Templates       []rawTemplate `yaml:"templates"`
}

type rawTemplate struct {
	Subject   string `yaml:"subject"`
	Delay     string `yaml:"delay"` // Go duration string, e.g. "24h"
	OwnerRule string `yaml:"owner_rule"`
}

// LoadDefinitions reads and validates the automations file.
func LoadDefinitions(path string) ([]models.TaskAutomation, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read automations file: %w", err)
	}

	var file automationsFile
	if err := yaml.Unmarshal(data, &file); err != nil {
		return nil, fmt.Errorf("parse automations file: %w", err)
	}

	seen := make(map[string]bool, len(file.Automations))
	automations := make([]models.TaskAutomation, 0, len(file.Automations))
	for i, raw := range file.Automations {
		a, err := convertAutomation(raw)
		if err != nil {
			return nil, fmt.Errorf("automation %d (%s): %w", i, raw.ID, err)
		}
		if seen[a.ID] {
			return nil, fmt.Errorf("automation %d: duplicate id %s", i, a.ID)
		}
		seen[a.ID] = true
		automations = append(automations, a)
	}
	return automations, nil
}

func convertAutomation(raw rawAutomation) (models.TaskAutomation, error) {
	if raw.ID == "" {
		return models.TaskAutomation{}, fmt.Errorf("missing id")
	}
	if raw.ListID == "" {
		return models.TaskAutomation{}, fmt.Errorf("missing list_id")
	}
	if len(raw.Templates) == 0 {
		return models.TaskAutomation{}, fmt.Errorf("no templates")
	}

	a := models.TaskAutomation{
		ID:              raw.ID,
		Name:            raw.Name,
		ListID:          raw.ListID,
		Enabled:         raw.Enabled,
		TerminateOnExit: raw.TerminateOnExit,
		Templates:       make([]models.TaskTemplate, 0, len(raw.Templates)),
	}
	for i, tmpl := range raw.Templates {
		if tmpl.Subject == "" {
			return models.TaskAutomation{}, fmt.Errorf("template %d: missing subject", i)
		}
		delay := time.Duration(0)
		if tmpl.Delay != "" {
			parsed, err := time.ParseDuration(tmpl.Delay)
			if err != nil {
				return models.TaskAutomation{}, fmt.Errorf("template %d: bad delay %q: %w", i, tmpl.Delay, err)
			}
			if parsed < 0 {
				return models.TaskAutomation{}, fmt.Errorf("template %d: negative delay", i)
			}
			delay = parsed
		}
		rule := tmpl.OwnerRule
		switch rule {
		case "":
			rule = models.OwnerRuleNone
		case models.OwnerRuleNone, models.OwnerRuleContactOwner, models.OwnerRulePreviousOwner:
		default:
			return models.TaskAutomation{}, fmt.Errorf("template %d: unknown owner_rule %q", i, rule)
		}
		a.Templates = append(a.Templates, models.TaskTemplate{
			Subject:   tmpl.Subject,
			Delay:     delay,
			OwnerRule: rule,
		})
	}
	return a, nil
}
