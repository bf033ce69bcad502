package persona

import (
	"maps"
	"slices"
	"strings"
	"time"

	"github.com/google/uuid"
)

// DefaultVersion is assigned to entities created without a version.
const DefaultVersion = "1.0.0"

// MicroIDPrefix distinguishes micro-persona IDs from persona IDs.
const MicroIDPrefix = "micro-"

// NewID returns a fresh persona ID.
func NewID() string {
	return uuid.NewString()
}

// NewMicroID returns a fresh micro-persona ID.
func NewMicroID() string {
	return MicroIDPrefix + uuid.NewString()
}

// IsMicroID reports whether id carries the micro-persona prefix.
func IsMicroID(id string) bool {
	return strings.HasPrefix(id, MicroIDPrefix)
}

// SafetySetting pairs a harm category with a blocking threshold.
type SafetySetting struct {
	Category  string `json:"category" yaml:"category"`
	Threshold string `json:"threshold" yaml:"threshold"`
}

// ExampleDialogue is a single user/assistant exchange shown to the model.
type ExampleDialogue struct {
	User      string `json:"user" yaml:"user"`
	Assistant string `json:"assistant" yaml:"assistant"`
}

// Definition is a persona: a named, versioned behavior template.
type Definition struct {
	ID          string `json:"id" yaml:"id"`
	Version     string `json:"version,omitempty" yaml:"version,omitempty"`
	Name        string `json:"name" yaml:"name"`
	Description string `json:"description,omitempty" yaml:"description,omitempty"`

	// SystemPromptTemplate may contain {{placeholder}} tokens; see Render.
	SystemPromptTemplate string `json:"systemPromptTemplate" yaml:"systemPromptTemplate"`

	// ModelSettings is an opaque bag: temperature, topP, maxOutputTokens, model.
	ModelSettings map[string]any `json:"modelSettings,omitempty" yaml:"modelSettings,omitempty"`

	Traits           []string          `json:"traits,omitempty" yaml:"traits,omitempty"`
	Capabilities     []Capability      `json:"capabilities,omitempty" yaml:"capabilities,omitempty"`
	Tags             []string          `json:"tags,omitempty" yaml:"tags,omitempty"`
	KnowledgeBaseIDs []string          `json:"knowledgeBaseIds,omitempty" yaml:"knowledgeBaseIds,omitempty"`
	SafetySettings   []SafetySetting   `json:"safetySettings,omitempty" yaml:"safetySettings,omitempty"`
	ExampleDialogues []ExampleDialogue `json:"exampleDialogues,omitempty" yaml:"exampleDialogues,omitempty"`

	// PreferredModels is ordered, most preferred first.
	PreferredModels []string `json:"preferredModels,omitempty" yaml:"preferredModels,omitempty"`

	CompatibleMicroPersonas []string       `json:"compatibleMicroPersonas,omitempty" yaml:"compatibleMicroPersonas,omitempty"`
	Metadata                map[string]any `json:"metadata,omitempty" yaml:"metadata,omitempty"`

	CreatedAt     time.Time `json:"createdAt" yaml:"createdAt"`
	LastUpdatedAt time.Time `json:"lastUpdatedAt" yaml:"lastUpdatedAt"`
}

// Overrides mirrors the subset of Definition fields a micro-persona may
// replace or extend. A nil field is absent.
type Overrides struct {
	SystemPromptTemplate *string           `json:"systemPromptTemplate,omitempty" yaml:"systemPromptTemplate,omitempty"`
	ModelSettings        map[string]any    `json:"modelSettings,omitempty" yaml:"modelSettings,omitempty"`
	Traits               []string          `json:"traits,omitempty" yaml:"traits,omitempty"`
	Capabilities         []Capability      `json:"capabilities,omitempty" yaml:"capabilities,omitempty"`
	Tags                 []string          `json:"tags,omitempty" yaml:"tags,omitempty"`
	KnowledgeBaseIDs     []string          `json:"knowledgeBaseIds,omitempty" yaml:"knowledgeBaseIds,omitempty"`
	SafetySettings       []SafetySetting   `json:"safetySettings,omitempty" yaml:"safetySettings,omitempty"`
	ExampleDialogues     []ExampleDialogue `json:"exampleDialogues,omitempty" yaml:"exampleDialogues,omitempty"`
	PreferredModels      []string          `json:"preferredModels,omitempty" yaml:"preferredModels,omitempty"`
	Metadata             map[string]any    `json:"metadata,omitempty" yaml:"metadata,omitempty"`
}

// MicroDefinition is a patch applied on top of one parent persona.
type MicroDefinition struct {
	ID              string `json:"id" yaml:"id"`
	Version         string `json:"version,omitempty" yaml:"version,omitempty"`
	ParentPersonaID string `json:"parentPersonaId" yaml:"parentPersonaId"`
	Name            string `json:"name" yaml:"name"`
	Description     string `json:"description,omitempty" yaml:"description,omitempty"`

	// PromptFragment is appended to the parent prompt unless
	// Overrides.SystemPromptTemplate replaces it outright.
	PromptFragment string `json:"promptFragment,omitempty" yaml:"promptFragment,omitempty"`

	Overrides              *Overrides     `json:"overrides,omitempty" yaml:"overrides,omitempty"`
	ModelSettingsOverrides map[string]any `json:"modelSettingsOverrides,omitempty" yaml:"modelSettingsOverrides,omitempty"`
	MicroTraits            []string       `json:"microTraits,omitempty" yaml:"microTraits,omitempty"`
	Tags                   []string       `json:"tags,omitempty" yaml:"tags,omitempty"`
	RequiredCapabilities   []Capability   `json:"requiredCapabilities,omitempty" yaml:"requiredCapabilities,omitempty"`

	// ConflictingMicroPersonaIDs is advisory; nothing enforces it.
	ConflictingMicroPersonaIDs []string `json:"conflictingMicroPersonaIds,omitempty" yaml:"conflictingMicroPersonaIds,omitempty"`

	Metadata      map[string]any `json:"metadata,omitempty" yaml:"metadata,omitempty"`
	CreatedAt     time.Time      `json:"createdAt" yaml:"createdAt"`
	LastUpdatedAt time.Time      `json:"lastUpdatedAt" yaml:"lastUpdatedAt"`
}

// HasCapabilities reports whether d carries every capability in required.
func (d *Definition) HasCapabilities(required []Capability) bool {
	for _, c := range required {
		if !slices.Contains(d.Capabilities, c) {
			return false
		}
	}
	return true
}

// HasAnyTag reports whether d carries at least one of tags.
func (d *Definition) HasAnyTag(tags ...string) bool {
	for _, t := range tags {
		if slices.Contains(d.Tags, t) {
			return true
		}
	}
	return false
}

// MatchesTask reports whether d is tagged "task:{taskType}" or plain taskType.
func (d *Definition) MatchesTask(taskType string) bool {
	return d.HasAnyTag("task:"+taskType, taskType)
}

// Clone returns a copy that shares no slices or maps with d.
// Map values are copied shallowly.
func (d Definition) Clone() Definition {
	d.ModelSettings = maps.Clone(d.ModelSettings)
	d.Traits = slices.Clone(d.Traits)
	d.Capabilities = slices.Clone(d.Capabilities)
	d.Tags = slices.Clone(d.Tags)
	d.KnowledgeBaseIDs = slices.Clone(d.KnowledgeBaseIDs)
	d.SafetySettings = slices.Clone(d.SafetySettings)
	d.ExampleDialogues = slices.Clone(d.ExampleDialogues)
	d.PreferredModels = slices.Clone(d.PreferredModels)
	d.CompatibleMicroPersonas = slices.Clone(d.CompatibleMicroPersonas)
	d.Metadata = maps.Clone(d.Metadata)
	return d
}

// Clone returns a copy that shares no slices or maps with m.
func (m MicroDefinition) Clone() MicroDefinition {
	if m.Overrides != nil {
		o := *m.Overrides
		if o.SystemPromptTemplate != nil {
			p := *o.SystemPromptTemplate
			o.SystemPromptTemplate = &p
		}
		o.ModelSettings = maps.Clone(o.ModelSettings)
		o.Traits = slices.Clone(o.Traits)
		o.Capabilities = slices.Clone(o.Capabilities)
		o.Tags = slices.Clone(o.Tags)
		o.KnowledgeBaseIDs = slices.Clone(o.KnowledgeBaseIDs)
		o.SafetySettings = slices.Clone(o.SafetySettings)
		o.ExampleDialogues = slices.Clone(o.ExampleDialogues)
		o.PreferredModels = slices.Clone(o.PreferredModels)
		o.Metadata = maps.Clone(o.Metadata)
		m.Overrides = &o
	}
	m.ModelSettingsOverrides = maps.Clone(m.ModelSettingsOverrides)
	m.MicroTraits = slices.Clone(m.MicroTraits)
	m.Tags = slices.Clone(m.Tags)
	m.RequiredCapabilities = slices.Clone(m.RequiredCapabilities)
	m.ConflictingMicroPersonaIDs = slices.Clone(m.ConflictingMicroPersonaIDs)
	m.Metadata = maps.Clone(m.Metadata)
	return m
}
