package persona

import (
	"fmt"
	"maps"
	"slices"
	"time"
)

// Metadata keys stamped on every composed persona.
const (
	MetaBasePersonaID  = "basePersonaId"
	MetaMicroPersonaID = "microPersonaId"
)

// timeNow is replaced in tests.
var timeNow = time.Now

// Compose merges base with an optional micro-persona into the effective
// persona used at call time.
//
// With a nil micro, a copy of base is returned unchanged. Otherwise the
// composed persona takes the micro-persona's ID, so scores recorded against it
// attribute to the micro-persona. Collections that union keep first-seen
// order, base entries first. The result is re-validated; an invalid merge
// yields an error matching ErrComposition.
func Compose(base Definition, micro *MicroDefinition) (Definition, error) {
	if micro == nil {
		return base.Clone(), nil
	}

	out := base.Clone()
	ov := micro.Overrides
	if ov == nil {
		ov = &Overrides{}
	}

	// Identity.
	out.ID = micro.ID
	out.Name = fmt.Sprintf("%s (%s)", base.Name, micro.Name)
	out.Description = composeDescription(base.Description, micro.Description)

	// Prompt.
	switch {
	case ov.SystemPromptTemplate != nil:
		out.SystemPromptTemplate = *ov.SystemPromptTemplate
	case micro.PromptFragment != "":
		out.SystemPromptTemplate = base.SystemPromptTemplate + "\n\n" + micro.PromptFragment
	}

	// Override bag. Unions for sets, replacement for ordered lists.
	if ov.ModelSettings != nil {
		out.ModelSettings = mergeSettings(out.ModelSettings, ov.ModelSettings)
	}
	out.Traits = union(out.Traits, ov.Traits)
	out.Capabilities = union(out.Capabilities, ov.Capabilities)
	out.Tags = union(out.Tags, ov.Tags)
	out.KnowledgeBaseIDs = union(out.KnowledgeBaseIDs, ov.KnowledgeBaseIDs)
	if ov.SafetySettings != nil {
		out.SafetySettings = slices.Clone(ov.SafetySettings)
	}
	if ov.ExampleDialogues != nil {
		out.ExampleDialogues = slices.Clone(ov.ExampleDialogues)
	}
	if ov.PreferredModels != nil {
		out.PreferredModels = slices.Clone(ov.PreferredModels)
	}

	// Direct micro fields, where no override entry already won.
	if ov.ModelSettings == nil && micro.ModelSettingsOverrides != nil {
		out.ModelSettings = mergeSettings(out.ModelSettings, micro.ModelSettingsOverrides)
	}
	out.Traits = union(out.Traits, micro.MicroTraits)
	if ov.Tags == nil {
		out.Tags = union(out.Tags, micro.Tags)
	}
	if ov.Capabilities == nil {
		out.Capabilities = union(out.Capabilities, micro.RequiredCapabilities)
	}

	// Metadata with provenance.
	meta := make(map[string]any, len(base.Metadata)+len(micro.Metadata)+len(ov.Metadata)+2)
	maps.Copy(meta, base.Metadata)
	maps.Copy(meta, micro.Metadata)
	maps.Copy(meta, ov.Metadata)
	meta[MetaBasePersonaID] = base.ID
	meta[MetaMicroPersonaID] = micro.ID
	out.Metadata = meta

	out.LastUpdatedAt = timeNow()

	if err := out.Validate(); err != nil {
		return Definition{}, fmt.Errorf("%w: base %q with micro %q: %w", ErrComposition, base.ID, micro.ID, err)
	}
	return out, nil
}

func composeDescription(base, micro string) string {
	if micro == "" {
		return base
	}
	if base == "" {
		return "Micro-Context: " + micro
	}
	return base + "\n\nMicro-Context: " + micro
}

// mergeSettings returns a new map with over applied onto base.
func mergeSettings(base, over map[string]any) map[string]any {
	out := make(map[string]any, len(base)+len(over))
	maps.Copy(out, base)
	maps.Copy(out, over)
	return out
}

// union appends the elements of extra missing from base, preserving order and
// dropping duplicates within either input.
func union[T comparable](base, extra []T) []T {
	if len(extra) == 0 && !hasDuplicates(base) {
		return base
	}
	seen := make(map[T]struct{}, len(base)+len(extra))
	out := make([]T, 0, len(base)+len(extra))
	for _, list := range [][]T{base, extra} {
		for _, v := range list {
			if _, ok := seen[v]; ok {
				continue
			}
			seen[v] = struct{}{}
			out = append(out, v)
		}
	}
	return out
}

func hasDuplicates[T comparable](list []T) bool {
	seen := make(map[T]struct{}, len(list))
	for _, v := range list {
		if _, ok := seen[v]; ok {
			return true
		}
		seen[v] = struct{}{}
	}
	return false
}
