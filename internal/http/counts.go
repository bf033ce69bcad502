package http

import (
	"context"

	"github.com/fyrsmithlabs/personad/internal/registry"
)

// CountRegistry counts registered personas and micro-personas.
//
// Returns (-1, -1) if the registry is nil or cannot be listed.
func CountRegistry(ctx context.Context, reg *registry.Registry) (personas int, micros int) {
	if reg == nil {
		return -1, -1
	}
	ps, err := reg.ListPersonas(ctx, registry.Filter{})
	if err != nil {
		return -1, -1
	}
	ms, err := reg.ListMicroPersonas(ctx, registry.MicroFilter{})
	if err != nil {
		return -1, -1
	}
	return len(ps), len(ms)
}
