package persona

import (
	"errors"
	"strings"
)

// Validate checks the persona invariants: non-empty id, name, and prompt
// template, and only known capabilities.
func (d *Definition) Validate() error {
	invalid := func(field, reason string) error {
		return &ValidationError{Entity: "persona", ID: d.ID, Field: field, Reason: reason}
	}

	var errs []error
	if strings.TrimSpace(d.ID) == "" {
		errs = append(errs, invalid("id", "is required"))
	}
	if strings.TrimSpace(d.Name) == "" {
		errs = append(errs, invalid("name", "is required"))
	}
	if strings.TrimSpace(d.SystemPromptTemplate) == "" {
		errs = append(errs, invalid("systemPromptTemplate", "is required"))
	}
	for _, c := range d.Capabilities {
		if !c.Valid() {
			errs = append(errs, invalid("capabilities", "contains unknown capability "+string(c)))
		}
	}
	return errors.Join(errs...)
}

// Validate checks the micro-persona invariants. The parent reference is not
// resolved here; that happens when the micro-persona is paired.
func (m *MicroDefinition) Validate() error {
	invalid := func(field, reason string) error {
		return &ValidationError{Entity: "micro-persona", ID: m.ID, Field: field, Reason: reason}
	}

	var errs []error
	if strings.TrimSpace(m.ID) == "" {
		errs = append(errs, invalid("id", "is required"))
	}
	if strings.TrimSpace(m.Name) == "" {
		errs = append(errs, invalid("name", "is required"))
	}
	if strings.TrimSpace(m.ParentPersonaID) == "" {
		errs = append(errs, invalid("parentPersonaId", "is required"))
	}
	hasOverridePrompt := m.Overrides != nil && m.Overrides.SystemPromptTemplate != nil
	if strings.TrimSpace(m.PromptFragment) == "" && !hasOverridePrompt {
		errs = append(errs, invalid("promptFragment", "is required unless overrides.systemPromptTemplate is set"))
	}
	for _, c := range m.RequiredCapabilities {
		if !c.Valid() {
			errs = append(errs, invalid("requiredCapabilities", "contains unknown capability "+string(c)))
		}
	}
	if m.Overrides != nil {
		for _, c := range m.Overrides.Capabilities {
			if !c.Valid() {
				errs = append(errs, invalid("overrides.capabilities", "contains unknown capability "+string(c)))
			}
		}
	}
	return errors.Join(errs...)
}
