//go:build !windows

package mesh

// AcceleratorAvailable reports whether a GPU adapter can be acquired.
// The WebGPU bindings are only built on windows; elsewhere the host runs
// CPU-only.
func AcceleratorAvailable() bool {
	return false
}
