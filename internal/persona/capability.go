package persona

import (
	"fmt"
	"strings"
)

// Capability is a functional ability a persona supports.
type Capability string

const (
	CapCodeGeneration     Capability = "code_generation"
	CapCodeExecution      Capability = "code_execution"
	CapSearchGrounding    Capability = "search_grounding"
	CapFunctionCalling    Capability = "function_calling"
	CapImageUnderstanding Capability = "image_understanding"
	CapImageGeneration    Capability = "image_generation"
	CapStructuredOutput   Capability = "structured_output"
	CapLongContext        Capability = "long_context"
	CapReasoning          Capability = "reasoning"
	CapDocumentAnalysis   Capability = "document_analysis"
)

// AgentFeatures is the structured feature set an agent runtime enables for a
// persona, derived from its capabilities by FeaturesFor.
type AgentFeatures struct {
	CodeGeneration     bool `json:"codeGeneration"`
	CodeExecution      bool `json:"codeExecution"`
	SearchGrounding    bool `json:"searchGrounding"`
	FunctionCalling    bool `json:"functionCalling"`
	ImageUnderstanding bool `json:"imageUnderstanding"`
	ImageGeneration    bool `json:"imageGeneration"`
	StructuredOutput   bool `json:"structuredOutput"`
	LongContext        bool `json:"longContext"`
	Reasoning          bool `json:"reasoning"`
	DocumentAnalysis   bool `json:"documentAnalysis"`
}

// capabilityTable is the single source of known capabilities and the
// feature each one switches on.
var capabilityTable = map[Capability]func(*AgentFeatures){
	CapCodeGeneration:     func(f *AgentFeatures) { f.CodeGeneration = true },
	CapCodeExecution:      func(f *AgentFeatures) { f.CodeExecution = true },
	CapSearchGrounding:    func(f *AgentFeatures) { f.SearchGrounding = true },
	CapFunctionCalling:    func(f *AgentFeatures) { f.FunctionCalling = true },
	CapImageUnderstanding: func(f *AgentFeatures) { f.ImageUnderstanding = true },
	CapImageGeneration:    func(f *AgentFeatures) { f.ImageGeneration = true },
	CapStructuredOutput:   func(f *AgentFeatures) { f.StructuredOutput = true },
	CapLongContext:        func(f *AgentFeatures) { f.LongContext = true },
	CapReasoning:          func(f *AgentFeatures) { f.Reasoning = true },
	CapDocumentAnalysis:   func(f *AgentFeatures) { f.DocumentAnalysis = true },
}

// FeaturesFor maps capabilities to agent features. Unknown capabilities are ignored.
func FeaturesFor(caps []Capability) AgentFeatures {
	var f AgentFeatures
	for _, c := range caps {
		if set, ok := capabilityTable[c]; ok {
			set(&f)
		}
	}
	return f
}

// Valid reports whether c is a known capability.
func (c Capability) Valid() bool {
	_, ok := capabilityTable[c]
	return ok
}

// ParseCapability accepts either the canonical form ("code_generation") or
// the upper-case enum form ("CODE_GENERATION").
func ParseCapability(s string) (Capability, error) {
	c := Capability(strings.ToLower(strings.TrimSpace(s)))
	if !c.Valid() {
		return "", fmt.Errorf("unknown capability %q", s)
	}
	return c, nil
}

// ParseCapabilities parses every element of ss.
func ParseCapabilities(ss []string) ([]Capability, error) {
	out := make([]Capability, 0, len(ss))
	for _, s := range ss {
		c, err := ParseCapability(s)
		if err != nil {
			return nil, err
		}
		out = append(out, c)
	}
	return out, nil
}

// UnmarshalText normalizes case so records may use either form. Unknown
// values are kept as-is and rejected by validation.
func (c *Capability) UnmarshalText(text []byte) error {
	*c = Capability(strings.ToLower(strings.TrimSpace(string(text))))
	return nil
}
