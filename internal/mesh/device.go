package mesh

import (
	"fmt"
	"runtime"

	"github.com/klauspost/cpuid/v2"

	"github.com/born-ml/meshtrain/internal/errs"
)

// Device kinds.
const (
	KindCPU = "cpu"
	KindGPU = "gpu"
)

// Device is one addressable compute device.
type Device struct {
	ID          int
	Kind        string
	Description string
}

// String implements fmt.Stringer.
func (d Device) String() string {
	return fmt.Sprintf("%s:%d", d.Kind, d.ID)
}

// DeviceMesh arranges devices in a (data, model) grid. Devices are laid out
// row-major: consecutive devices share a data index and differ in model
// index.
type DeviceMesh struct {
	devices   []Device
	dataSize  int
	modelSize int
}

// NewDeviceMesh splits devices into a grid with modelAxisSize columns.
func NewDeviceMesh(devices []Device, modelAxisSize int) (*DeviceMesh, error) {
	if len(devices) == 0 {
		return nil, errs.Config("device mesh needs at least one device")
	}
	if modelAxisSize <= 0 {
		return nil, errs.Config("model axis size must be positive, got %d", modelAxisSize)
	}
	if len(devices)%modelAxisSize != 0 {
		return nil, errs.Config("device count %d is not divisible by model axis size %d", len(devices), modelAxisSize)
	}
	return &DeviceMesh{
		devices:   append([]Device(nil), devices...),
		dataSize:  len(devices) / modelAxisSize,
		modelSize: modelAxisSize,
	}, nil
}

// DataSize returns the width of the data-parallel axis.
func (m *DeviceMesh) DataSize() int { return m.dataSize }

// ModelSize returns the width of the model-parallel axis.
func (m *DeviceMesh) ModelSize() int { return m.modelSize }

// DeviceCount returns the number of devices in the mesh.
func (m *DeviceMesh) DeviceCount() int { return len(m.devices) }

// Devices returns the devices in mesh order.
func (m *DeviceMesh) Devices() []Device {
	return append([]Device(nil), m.devices...)
}

// At returns the device at grid position (data, model).
func (m *DeviceMesh) At(data, model int) Device {
	return m.devices[data*m.modelSize+model]
}

// AxisSize returns the size of a physical axis, 1 for unknown names.
func (m *DeviceMesh) AxisSize(resource string) int {
	switch resource {
	case ResourceData:
		return m.dataSize
	case ResourceModel:
		return m.modelSize
	default:
		return 1
	}
}

// LocalDevices returns n host CPU devices, or one per logical core when n
// is not positive.
func LocalDevices(n int) []Device {
	if n <= 0 {
		n = cpuid.CPU.LogicalCores
		if n <= 0 {
			n = runtime.NumCPU()
		}
	}
	desc := cpuid.CPU.BrandName
	if desc == "" {
		desc = runtime.GOARCH
	}
	devices := make([]Device, n)
	for i := range devices {
		devices[i] = Device{ID: i, Kind: KindCPU, Description: desc}
	}
	return devices
}

// HostFeatures lists the vector instruction sets relevant to numeric kernels
// that the host CPU supports.
func HostFeatures() []string {
	var out []string
	for _, f := range []struct {
		name string
		ids  []cpuid.FeatureID
	}{
		{"avx2", []cpuid.FeatureID{cpuid.AVX2, cpuid.FMA3}},
		{"avx512", []cpuid.FeatureID{cpuid.AVX512F, cpuid.AVX512DQ}},
		{"avx512bf16", []cpuid.FeatureID{cpuid.AVX512BF16}},
		{"neon", []cpuid.FeatureID{cpuid.ASIMD}},
	} {
		if cpuid.CPU.Supports(f.ids...) {
			out = append(out, f.name)
		}
	}
	return out
}

// RequireAccelerator fails with ErrResource when required is set and no
// accelerator is available.
func RequireAccelerator(required bool, available func() bool) error {
	if !required {
		return nil
	}
	if available == nil {
		available = AcceleratorAvailable
	}
	if !available() {
		return errs.Resource("accelerator required but none is available")
	}
	return nil
}
