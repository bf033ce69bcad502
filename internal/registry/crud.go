package registry

import (
	"context"
	"errors"
	"fmt"
	"slices"

	"go.uber.org/zap"

	"github.com/fyrsmithlabs/personad/internal/persona"
)

// CreatePersona registers a new persona under a fresh ID. Version defaults
// to persona.DefaultVersion and both timestamps are set to now. The
// persona is persisted before it becomes visible.
func (r *Registry) CreatePersona(ctx context.Context, d persona.Definition) (*persona.Definition, error) {
	if err := r.ensureInit(ctx); err != nil {
		return nil, err
	}
	d = d.Clone()
	d.ID = persona.NewID()
	now := timeNow().UTC()
	d.CreatedAt, d.LastUpdatedAt = now, now
	if d.Version == "" {
		d.Version = persona.DefaultVersion
	}

	r.writeMu.Lock()
	defer r.writeMu.Unlock()
	return r.putPersona(ctx, &d)
}

// SavePersona upserts d under its own ID, keeping the creation time of an
// existing persona. It is used for imports and seeding.
func (r *Registry) SavePersona(ctx context.Context, d persona.Definition) (*persona.Definition, error) {
	if err := r.ensureInit(ctx); err != nil {
		return nil, err
	}
	d = d.Clone()
	if d.Version == "" {
		d.Version = persona.DefaultVersion
	}

	r.writeMu.Lock()
	defer r.writeMu.Unlock()

	now := timeNow().UTC()
	r.mu.RLock()
	existing, ok := r.personas[d.ID]
	r.mu.RUnlock()
	switch {
	case ok:
		d.CreatedAt = existing.CreatedAt
	case d.CreatedAt.IsZero():
		d.CreatedAt = now
	}
	d.LastUpdatedAt = now
	return r.putPersona(ctx, &d)
}

// UpdatePersona applies patch to the persona id. It returns (nil, false,
// nil) when id is not registered. The ID and creation time are immutable.
func (r *Registry) UpdatePersona(ctx context.Context, id string, patch PersonaPatch) (*persona.Definition, bool, error) {
	if err := r.ensureInit(ctx); err != nil {
		return nil, false, err
	}

	r.writeMu.Lock()
	defer r.writeMu.Unlock()

	r.mu.RLock()
	existing, ok := r.personas[id]
	r.mu.RUnlock()
	if !ok {
		return nil, false, nil
	}

	d := existing.Clone()
	patch.apply(&d)
	d.ID = id
	d.CreatedAt = existing.CreatedAt
	d.LastUpdatedAt = timeNow().UTC()

	out, err := r.putPersona(ctx, &d)
	if err != nil {
		return nil, true, err
	}
	return out, true, nil
}

// putPersona validates, persists, and indexes d. Callers hold writeMu.
func (r *Registry) putPersona(ctx context.Context, d *persona.Definition) (*persona.Definition, error) {
	if err := d.Validate(); err != nil {
		return nil, err
	}
	r.mu.RLock()
	_, clash := r.micros[d.ID]
	r.mu.RUnlock()
	if clash {
		return nil, fmt.Errorf("%w: %s is a micro-persona", ErrIDTaken, d.ID)
	}

	if err := r.persist(ctx, persona.Entity{Persona: d}); err != nil {
		return nil, err
	}

	r.mu.Lock()
	if _, ok := r.personas[d.ID]; !ok {
		r.order = append(r.order, d.ID)
	}
	r.personas[d.ID] = d
	delete(r.builtins, d.ID)
	r.mu.Unlock()

	if r.index != nil {
		if err := r.index.Upsert(ctx, *d); err != nil {
			r.logger.Warn("failed to index persona", zap.String("id", d.ID), zap.Error(err))
		}
	}

	r.logger.Debug("persona saved", zap.String("id", d.ID), zap.String("version", d.Version))
	out := d.Clone()
	return &out, nil
}

// CreateMicroPersona registers a new micro-persona under a fresh
// "micro-"-prefixed ID. Its parent persona must be registered.
func (r *Registry) CreateMicroPersona(ctx context.Context, m persona.MicroDefinition) (*persona.MicroDefinition, error) {
	if err := r.ensureInit(ctx); err != nil {
		return nil, err
	}
	m = m.Clone()
	m.ID = persona.NewMicroID()
	now := timeNow().UTC()
	m.CreatedAt, m.LastUpdatedAt = now, now
	if m.Version == "" {
		m.Version = persona.DefaultVersion
	}

	r.writeMu.Lock()
	defer r.writeMu.Unlock()
	return r.putMicro(ctx, &m)
}

// SaveMicroPersona upserts m under its own ID.
func (r *Registry) SaveMicroPersona(ctx context.Context, m persona.MicroDefinition) (*persona.MicroDefinition, error) {
	if err := r.ensureInit(ctx); err != nil {
		return nil, err
	}
	m = m.Clone()
	if m.Version == "" {
		m.Version = persona.DefaultVersion
	}

	r.writeMu.Lock()
	defer r.writeMu.Unlock()

	now := timeNow().UTC()
	r.mu.RLock()
	existing, ok := r.micros[m.ID]
	r.mu.RUnlock()
	switch {
	case ok:
		m.CreatedAt = existing.CreatedAt
	case m.CreatedAt.IsZero():
		m.CreatedAt = now
	}
	m.LastUpdatedAt = now
	return r.putMicro(ctx, &m)
}

// UpdateMicroPersona applies patch to the micro-persona id. It returns
// (nil, false, nil) when id is not registered.
func (r *Registry) UpdateMicroPersona(ctx context.Context, id string, patch MicroPatch) (*persona.MicroDefinition, bool, error) {
	if err := r.ensureInit(ctx); err != nil {
		return nil, false, err
	}

	r.writeMu.Lock()
	defer r.writeMu.Unlock()

	r.mu.RLock()
	existing, ok := r.micros[id]
	r.mu.RUnlock()
	if !ok {
		return nil, false, nil
	}

	m := existing.Clone()
	patch.apply(&m)
	m.ID = id
	m.CreatedAt = existing.CreatedAt
	m.LastUpdatedAt = timeNow().UTC()

	out, err := r.putMicro(ctx, &m)
	if err != nil {
		return nil, true, err
	}
	return out, true, nil
}

// putMicro validates, persists, and indexes m. Callers hold writeMu.
func (r *Registry) putMicro(ctx context.Context, m *persona.MicroDefinition) (*persona.MicroDefinition, error) {
	if err := m.Validate(); err != nil {
		return nil, err
	}
	r.mu.RLock()
	_, parentOK := r.personas[m.ParentPersonaID]
	_, clash := r.personas[m.ID]
	r.mu.RUnlock()
	if clash {
		return nil, fmt.Errorf("%w: %s is a persona", ErrIDTaken, m.ID)
	}
	if !parentOK {
		return nil, fmt.Errorf("%w: %s", ErrUnknownParent, m.ParentPersonaID)
	}

	if err := r.persist(ctx, persona.Entity{Micro: m}); err != nil {
		return nil, err
	}

	r.mu.Lock()
	if _, ok := r.micros[m.ID]; !ok {
		r.microOrder = append(r.microOrder, m.ID)
	}
	r.micros[m.ID] = m
	delete(r.builtins, m.ID)
	r.mu.Unlock()

	r.logger.Debug("micro-persona saved",
		zap.String("id", m.ID),
		zap.String("parent_persona_id", m.ParentPersonaID))
	out := m.Clone()
	return &out, nil
}

// DeletePersona removes the persona id, every micro-persona whose parent
// it is, and their scores. It reports whether id was registered. Score
// cleanup is best-effort; the persona is gone once the store delete
// succeeds.
func (r *Registry) DeletePersona(ctx context.Context, id string) (bool, error) {
	if err := r.ensureInit(ctx); err != nil {
		return false, err
	}

	r.writeMu.Lock()
	defer r.writeMu.Unlock()

	r.mu.RLock()
	_, ok := r.personas[id]
	var children []string
	for _, mid := range r.microOrder {
		if r.micros[mid].ParentPersonaID == id {
			children = append(children, mid)
		}
	}
	r.mu.RUnlock()
	if !ok {
		return false, nil
	}

	if err := r.unpersist(ctx, id); err != nil {
		return true, err
	}
	r.mu.Lock()
	delete(r.personas, id)
	r.order = removeID(r.order, id)
	r.mu.Unlock()

	if r.index != nil {
		if err := r.index.Remove(ctx, id); err != nil {
			r.logger.Warn("failed to remove persona from index", zap.String("id", id), zap.Error(err))
		}
	}
	r.deleteScore(ctx, id)

	var errs []error
	for _, mid := range children {
		if err := r.deleteMicro(ctx, mid); err != nil {
			errs = append(errs, err)
		}
	}

	r.logger.Info("persona deleted",
		zap.String("id", id),
		zap.Int("micro_personas_deleted", len(children)))
	return true, errors.Join(errs...)
}

// DeleteMicroPersona removes the micro-persona id and its score, and
// scrubs id from every persona's compatible list.
func (r *Registry) DeleteMicroPersona(ctx context.Context, id string) (bool, error) {
	if err := r.ensureInit(ctx); err != nil {
		return false, err
	}

	r.writeMu.Lock()
	defer r.writeMu.Unlock()

	r.mu.RLock()
	_, ok := r.micros[id]
	r.mu.RUnlock()
	if !ok {
		return false, nil
	}
	return true, r.deleteMicro(ctx, id)
}

// deleteMicro removes one micro-persona. Callers hold writeMu.
func (r *Registry) deleteMicro(ctx context.Context, id string) error {
	if err := r.unpersist(ctx, id); err != nil {
		return err
	}
	r.mu.Lock()
	delete(r.micros, id)
	r.microOrder = removeID(r.microOrder, id)
	var referencing []*persona.Definition
	for _, pid := range r.order {
		if p := r.personas[pid]; slices.Contains(p.CompatibleMicroPersonas, id) {
			referencing = append(referencing, p)
		}
	}
	r.mu.Unlock()

	r.deleteScore(ctx, id)

	var errs []error
	for _, p := range referencing {
		d := p.Clone()
		d.CompatibleMicroPersonas = removeID(d.CompatibleMicroPersonas, id)
		d.LastUpdatedAt = timeNow().UTC()
		if _, err := r.putPersona(ctx, &d); err != nil {
			errs = append(errs, fmt.Errorf("scrubbing %s from %s: %w", id, d.ID, err))
		}
	}
	return errors.Join(errs...)
}

func (r *Registry) deleteScore(ctx context.Context, id string) {
	if r.scores == nil {
		return
	}
	if err := r.scores.DeleteScore(ctx, id); err != nil {
		r.logger.Warn("failed to delete score",
			zap.String("operation", "delete_score"),
			zap.String("id", id),
			zap.Error(err))
	}
}
