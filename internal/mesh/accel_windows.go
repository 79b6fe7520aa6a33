//go:build windows

package mesh

import (
	"github.com/go-webgpu/webgpu/wgpu"
)

// AcceleratorAvailable reports whether a high-performance WebGPU adapter can
// be acquired. A missing wgpu_native library counts as no accelerator.
func AcceleratorAvailable() (available bool) {
	defer func() {
		if r := recover(); r != nil {
			available = false
		}
	}()

	instance := wgpu.CreateInstance(nil)
	defer instance.Release()

	adapter, err := instance.RequestAdapter(&wgpu.RequestAdapterOptions{
		PowerPreference: wgpu.PowerPreferenceHighPerformance,
	})
	if err != nil {
		return false
	}
	adapter.Release()
	return true
}
