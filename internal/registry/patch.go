package registry

import (
	"slices"

	"github.com/fyrsmithlabs/personad/internal/persona"
)

// PersonaPatch is a partial update. Nil fields are left unchanged; a
// non-nil empty slice or map clears the field.
type PersonaPatch struct {
	Name                    *string                    `json:"name,omitempty"`
	Version                 *string                    `json:"version,omitempty"`
	Description             *string                    `json:"description,omitempty"`
	SystemPromptTemplate    *string                    `json:"systemPromptTemplate,omitempty"`
	ModelSettings           map[string]any             `json:"modelSettings,omitempty"`
	Traits                  *[]string                  `json:"traits,omitempty"`
	Capabilities            *[]persona.Capability      `json:"capabilities,omitempty"`
	Tags                    *[]string                  `json:"tags,omitempty"`
	KnowledgeBaseIDs        *[]string                  `json:"knowledgeBaseIds,omitempty"`
	SafetySettings          *[]persona.SafetySetting   `json:"safetySettings,omitempty"`
	ExampleDialogues        *[]persona.ExampleDialogue `json:"exampleDialogues,omitempty"`
	PreferredModels         *[]string                  `json:"preferredModels,omitempty"`
	CompatibleMicroPersonas *[]string                  `json:"compatibleMicroPersonas,omitempty"`
	Metadata                map[string]any             `json:"metadata,omitempty"`
}

func (p PersonaPatch) apply(d *persona.Definition) {
	setIf(&d.Name, p.Name)
	setIf(&d.Version, p.Version)
	setIf(&d.Description, p.Description)
	setIf(&d.SystemPromptTemplate, p.SystemPromptTemplate)
	setSliceIf(&d.Traits, p.Traits)
	setSliceIf(&d.Capabilities, p.Capabilities)
	setSliceIf(&d.Tags, p.Tags)
	setSliceIf(&d.KnowledgeBaseIDs, p.KnowledgeBaseIDs)
	setSliceIf(&d.SafetySettings, p.SafetySettings)
	setSliceIf(&d.ExampleDialogues, p.ExampleDialogues)
	setSliceIf(&d.PreferredModels, p.PreferredModels)
	setSliceIf(&d.CompatibleMicroPersonas, p.CompatibleMicroPersonas)
	if p.ModelSettings != nil {
		d.ModelSettings = cloneMap(p.ModelSettings)
	}
	if p.Metadata != nil {
		d.Metadata = cloneMap(p.Metadata)
	}
}

// MicroPatch is a partial update of a micro-persona.
type MicroPatch struct {
	Name                       *string               `json:"name,omitempty"`
	Version                    *string               `json:"version,omitempty"`
	Description                *string               `json:"description,omitempty"`
	ParentPersonaID            *string               `json:"parentPersonaId,omitempty"`
	PromptFragment             *string               `json:"promptFragment,omitempty"`
	Overrides                  *persona.Overrides    `json:"overrides,omitempty"`
	ModelSettingsOverrides     map[string]any        `json:"modelSettingsOverrides,omitempty"`
	MicroTraits                *[]string             `json:"microTraits,omitempty"`
	Tags                       *[]string             `json:"tags,omitempty"`
	RequiredCapabilities       *[]persona.Capability `json:"requiredCapabilities,omitempty"`
	ConflictingMicroPersonaIDs *[]string             `json:"conflictingMicroPersonaIds,omitempty"`
	Metadata                   map[string]any        `json:"metadata,omitempty"`
}

func (p MicroPatch) apply(m *persona.MicroDefinition) {
	setIf(&m.Name, p.Name)
	setIf(&m.Version, p.Version)
	setIf(&m.Description, p.Description)
	setIf(&m.ParentPersonaID, p.ParentPersonaID)
	setIf(&m.PromptFragment, p.PromptFragment)
	setSliceIf(&m.MicroTraits, p.MicroTraits)
	setSliceIf(&m.Tags, p.Tags)
	setSliceIf(&m.RequiredCapabilities, p.RequiredCapabilities)
	setSliceIf(&m.ConflictingMicroPersonaIDs, p.ConflictingMicroPersonaIDs)
	if p.Overrides != nil {
		// Cloning through a throwaway micro keeps the deep-copy rules in one place.
		m.Overrides = persona.MicroDefinition{Overrides: p.Overrides}.Clone().Overrides
	}
	if p.ModelSettingsOverrides != nil {
		m.ModelSettingsOverrides = cloneMap(p.ModelSettingsOverrides)
	}
	if p.Metadata != nil {
		m.Metadata = cloneMap(p.Metadata)
	}
}

func setIf[T any](dst *T, v *T) {
	if v != nil {
		*dst = *v
	}
}

func setSliceIf[T any](dst *[]T, v *[]T) {
	if v != nil {
		*dst = slices.Clone(*v)
	}
}

func cloneMap(m map[string]any) map[string]any {
	out := make(map[string]any, len(m))
	for k, v := range m {
		out[k] = v
	}
	return out
}
