package registry

import (
	"context"
	"slices"

	"go.uber.org/zap"

	"github.com/fyrsmithlabs/personad/internal/persona"
	"github.com/fyrsmithlabs/personad/internal/recommend"
)

// Filter narrows ListPersonas. Values within a field are OR-ed; fields
// are AND-ed. Zero values match everything.
type Filter struct {
	Tags         []string
	Capabilities []persona.Capability
	Limit        int
}

func (f Filter) matches(d *persona.Definition) bool {
	if len(f.Tags) > 0 && !d.HasAnyTag(f.Tags...) {
		return false
	}
	if len(f.Capabilities) > 0 && !slices.ContainsFunc(f.Capabilities, func(c persona.Capability) bool {
		return slices.Contains(d.Capabilities, c)
	}) {
		return false
	}
	return true
}

// MicroFilter narrows ListMicroPersonas.
type MicroFilter struct {
	ParentPersonaID string
	Limit           int
}

// ListPersonas returns snapshots of the registered personas in registration
// order.
func (r *Registry) ListPersonas(ctx context.Context, f Filter) ([]persona.Definition, error) {
	if err := r.ensureInit(ctx); err != nil {
		return nil, err
	}
	r.mu.RLock()
	defer r.mu.RUnlock()

	var out []persona.Definition
	for _, id := range r.order {
		d := r.personas[id]
		if !f.matches(d) {
			continue
		}
		out = append(out, d.Clone())
		if f.Limit > 0 && len(out) == f.Limit {
			break
		}
	}
	return out, nil
}

// ListMicroPersonas returns snapshots of the registered micro-personas in
// registration order.
func (r *Registry) ListMicroPersonas(ctx context.Context, f MicroFilter) ([]persona.MicroDefinition, error) {
	if err := r.ensureInit(ctx); err != nil {
		return nil, err
	}
	r.mu.RLock()
	defer r.mu.RUnlock()

	var out []persona.MicroDefinition
	for _, id := range r.microOrder {
		m := r.micros[id]
		if f.ParentPersonaID != "" && m.ParentPersonaID != f.ParentPersonaID {
			continue
		}
		out = append(out, m.Clone())
		if f.Limit > 0 && len(out) == f.Limit {
			break
		}
	}
	return out, nil
}

// GetPersona returns a snapshot of the persona id, or nil when absent.
func (r *Registry) GetPersona(ctx context.Context, id string) (*persona.Definition, error) {
	if err := r.ensureInit(ctx); err != nil {
		return nil, err
	}
	r.mu.RLock()
	defer r.mu.RUnlock()
	d, ok := r.personas[id]
	if !ok {
		return nil, nil
	}
	out := d.Clone()
	return &out, nil
}

// GetMicroPersona returns a snapshot of the micro-persona id, or nil when absent.
func (r *Registry) GetMicroPersona(ctx context.Context, id string) (*persona.MicroDefinition, error) {
	if err := r.ensureInit(ctx); err != nil {
		return nil, err
	}
	r.mu.RLock()
	defer r.mu.RUnlock()
	m, ok := r.micros[id]
	if !ok {
		return nil, nil
	}
	out := m.Clone()
	return &out, nil
}

// Candidates implements recommend.CandidateSource.
func (r *Registry) Candidates(ctx context.Context) ([]persona.Definition, error) {
	return r.ListPersonas(ctx, Filter{})
}

// MicroPersona implements recommend.CandidateSource.
func (r *Registry) MicroPersona(ctx context.Context, id string) (*persona.MicroDefinition, error) {
	return r.GetMicroPersona(ctx, id)
}

var _ recommend.CandidateSource = (*Registry)(nil)

// GetPersonaRecommendation returns the best composed persona for the task,
// or nil when no registered persona qualifies.
func (r *Registry) GetPersonaRecommendation(ctx context.Context, taskType string, required []persona.Capability) (*recommend.Recommendation, error) {
	if err := r.ensureInit(ctx); err != nil {
		return nil, err
	}
	return r.engine.Recommend(ctx, recommend.Request{
		TaskType:             taskType,
		RequiredCapabilities: required,
	})
}

// SearchPersonas returns personas whose descriptions are most similar to
// query, best first. It returns nil when no index is configured.
func (r *Registry) SearchPersonas(ctx context.Context, query string, limit int) ([]persona.Definition, error) {
	if err := r.ensureInit(ctx); err != nil {
		return nil, err
	}
	if r.index == nil || query == "" {
		return nil, nil
	}
	ids, err := r.index.Search(ctx, query, limit)
	if err != nil {
		return nil, err
	}

	r.mu.RLock()
	defer r.mu.RUnlock()
	out := make([]persona.Definition, 0, len(ids))
	for _, id := range ids {
		// The index may briefly lag a delete.
		if d, ok := r.personas[id]; ok {
			out = append(out, d.Clone())
		}
	}
	return out, nil
}

// ExportResult summarizes an Export.
type ExportResult struct {
	Personas      int `json:"personas"`
	MicroPersonas int `json:"microPersonas"`
	Failed        int `json:"failed"`
}

// Export copies every user-defined entity into dst; unmodified built-ins
// are skipped. It is best-effort: individual failures are logged and counted.
func (r *Registry) Export(ctx context.Context, dst Store) (ExportResult, error) {
	if err := r.ensureInit(ctx); err != nil {
		return ExportResult{}, err
	}
	personas, _ := r.ListPersonas(ctx, Filter{})
	micros, _ := r.ListMicroPersonas(ctx, MicroFilter{})

	var res ExportResult
	put := func(ent persona.Entity) bool {
		record, err := persona.EncodeRecord(ent)
		if err == nil {
			err = dst.Put(ctx, ent.ID(), record)
		}
		if err != nil {
			res.Failed++
			r.logger.Warn("failed to export persona", zap.String("id", ent.ID()), zap.Error(err))
			return false
		}
		return true
	}
	for i := range personas {
		if r.IsBuiltin(personas[i].ID) {
			continue
		}
		if put(persona.Entity{Persona: &personas[i]}) {
			res.Personas++
		}
	}
	for i := range micros {
		if r.IsBuiltin(micros[i].ID) {
			continue
		}
		if put(persona.Entity{Micro: &micros[i]}) {
			res.MicroPersonas++
		}
	}
	r.logger.Info("personas exported",
		zap.Int("personas", res.Personas),
		zap.Int("micro_personas", res.MicroPersonas),
		zap.Int("failed", res.Failed))
	return res, nil
}
