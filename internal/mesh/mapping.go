// Package mesh resolves logical tensor axes onto the physical device mesh.
//
// A device mesh has two physical axes: ResourceData, across which batches
// (and FSDP-sharded parameters) are split, and ResourceModel, across which
// tensor-parallel dimensions are split. The mappings built here are plain
// data handed to the execution substrate; nothing in this package moves
// arrays.
package mesh

import (
	"maps"
	"slices"

	"github.com/rs/zerolog"
)

// Physical mesh axis names.
const (
	ResourceData  = "data"
	ResourceModel = "model"
)

// ResourceMapping maps logical axis names to physical mesh axis names.
type ResourceMapping map[string]string

// Resolve returns the physical axis for a logical one. Unmapped axes are
// replicated, reported as ("", false).
func (m ResourceMapping) Resolve(axis string) (string, bool) {
	r, ok := m[axis]
	return r, ok
}

// Clone returns an independent copy.
func (m ResourceMapping) Clone() ResourceMapping {
	out := make(ResourceMapping, len(m))
	maps.Copy(out, m)
	return out
}

// Axes returns the mapped logical axes in sorted order.
func (m ResourceMapping) Axes() []string {
	return slices.Sorted(maps.Keys(m))
}

// AxisConfig holds the user-facing axis assignment rules.
type AxisConfig struct {
	// BatchAxis is the logical name of the batch dimension.
	BatchAxis string
	// FSDPAxes are sharded across ResourceData for parameter storage.
	FSDPAxes []string
	// TensorParallelAxes are sharded across ResourceModel.
	TensorParallelAxes []string
	// AxisResources is the explicit logical-to-physical mapping.
	AxisResources map[string]string
	// ParameterAxisResources overrides entries for parameter storage only.
	ParameterAxisResources map[string]string
}

// ComputeMapping builds the mapping used during forward and backward.
//
// Rules are applied in order, later rules winning: explicit AxisResources,
// then every tensor-parallel axis to ResourceModel, then BatchAxis to
// ResourceData. A tensor-parallel axis that overrides a different explicit
// assignment is reported on logger.
func ComputeMapping(cfg AxisConfig, logger zerolog.Logger) ResourceMapping {
	out := make(ResourceMapping, len(cfg.AxisResources)+len(cfg.TensorParallelAxes)+1)
	maps.Copy(out, cfg.AxisResources)

	for _, axis := range cfg.TensorParallelAxes {
		if prev, ok := out[axis]; ok && prev != ResourceModel {
			logger.Warn().
				Str("axis", axis).
				Str("explicit", prev).
				Str("resource", ResourceModel).
				Msg("tensor parallel axis overrides explicit axis resource")
		}
		out[axis] = ResourceModel
	}

	if cfg.BatchAxis != "" {
		out[cfg.BatchAxis] = ResourceData
	}
	return out
}

// ParameterMapping builds the mapping used for parameter and optimizer
// state storage: compute, then ParameterAxisResources, then every FSDP axis
// to ResourceData.
func ParameterMapping(cfg AxisConfig, compute ResourceMapping) ResourceMapping {
	out := compute.Clone()
	maps.Copy(out, cfg.ParameterAxisResources)
	for _, axis := range cfg.FSDPAxes {
		out[axis] = ResourceData
	}
	return out
}
