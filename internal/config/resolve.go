package config

import (
	"path/filepath"

	"github.com/google/uuid"
	"github.com/rs/zerolog"

	"github.com/born-ml/meshtrain/internal/errs"
	"github.com/born-ml/meshtrain/internal/mesh"
)

// Environment describes the devices a run is resolved against.
type Environment struct {
	Devices []mesh.Device
	// LocalDeviceCount is the number of devices attached to this process.
	// Zero means all of Devices.
	LocalDeviceCount int
	// Accelerator reports whether an accelerator is present. Nil probes the
	// host.
	Accelerator func() bool
	Logger      zerolog.Logger
}

// Resolved is a validated configuration with its derived values.
type Resolved struct {
	Config TrainerConfig

	RunID  string
	RunDir string

	Mesh                     *mesh.DeviceMesh
	DataAxisSize             int
	PerDeviceParallelism     int
	PerDeviceEvalParallelism int
	EvalBatchSize            int

	ComputeMapping   mesh.ResourceMapping
	ParameterMapping mesh.ResourceMapping

	LoadCheckpoint     LoadMode
	LoadCheckpointPath string
}

// AxisConfig returns the axis settings of c.
func (c TrainerConfig) AxisConfig() mesh.AxisConfig {
	return mesh.AxisConfig{
		BatchAxis:              c.BatchAxis,
		FSDPAxes:               []string(c.FSDPAxis),
		TensorParallelAxes:     c.TensorParallelAxes,
		AxisResources:          c.AxisResources,
		ParameterAxisResources: c.ParameterAxisResources,
	}
}

// Resolve validates c against env and computes the derived values. All
// failures wrap errs.ErrConfig, except a missing accelerator which wraps
// errs.ErrResource.
func (c TrainerConfig) Resolve(env Environment) (*Resolved, error) {
	if err := c.Validate(); err != nil {
		return nil, err
	}
	if err := mesh.RequireAccelerator(c.RequireAccelerator, env.Accelerator); err != nil {
		return nil, err
	}

	m, err := mesh.NewDeviceMesh(env.Devices, c.ModelAxisSize)
	if err != nil {
		return nil, err
	}
	local := env.LocalDeviceCount
	if local <= 0 {
		local = m.DeviceCount()
	}
	if local%c.ModelAxisSize != 0 && c.ModelAxisSize%local != 0 {
		return nil, errs.Config("either model_axis_size (%d) or local device count (%d) must be divisible by the other", c.ModelAxisSize, local)
	}

	perDevice := c.PerDeviceParallelism
	if perDevice == -1 {
		perDevice = c.TrainBatchSize / m.DeviceCount()
		if perDevice == 0 {
			return nil, errs.Config("train_batch_size (%d) is smaller than the device count (%d)", c.TrainBatchSize, m.DeviceCount())
		}
	}
	if c.TrainBatchSize%(perDevice*m.DataSize()) != 0 {
		return nil, errs.Config("train_batch_size (%d) must be divisible by per_device_parallelism * data_axis_size (%d, %d)",
			c.TrainBatchSize, perDevice, m.DataSize())
	}
	evalPerDevice := c.PerDeviceEvalParallelism
	if evalPerDevice == -1 {
		evalPerDevice = perDevice
	}

	runID := c.RunID
	if runID == "" {
		runID = uuid.NewString()
	}
	mode := c.LoadCheckpoint
	if mode == "" {
		mode = LoadAuto
	}
	loadPath := c.LoadCheckpointPath
	if loadPath == "" {
		loadPath = filepath.Join(c.Checkpointer.BasePath, runID)
	}

	axes := c.AxisConfig()
	compute := mesh.ComputeMapping(axes, env.Logger)
	return &Resolved{
		Config:                   c,
		RunID:                    runID,
		RunDir:                   filepath.Join(c.RunBaseDir, runID),
		Mesh:                     m,
		DataAxisSize:             m.DataSize(),
		PerDeviceParallelism:     perDevice,
		PerDeviceEvalParallelism: evalPerDevice,
		EvalBatchSize:            evalPerDevice * m.DataSize(),
		ComputeMapping:           compute,
		ParameterMapping:         mesh.ParameterMapping(axes, compute),
		LoadCheckpoint:           mode,
		LoadCheckpointPath:       loadPath,
	}, nil
}

// MicrobatchSize is the number of examples processed per accumulation step.
func (r *Resolved) MicrobatchSize() int {
	return r.PerDeviceParallelism * r.DataAxisSize
}
