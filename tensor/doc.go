// Copyright 2025 Born ML Framework. All rights reserved.
// Use of this source code is governed by an Apache 2.0
// license that can be found in the LICENSE file.

// Package tensor provides the array leaves of parameter trees.
//
// Tensors are host buffers with a shape and a runtime data type. They carry
// no operations beyond creation, casting and comparison; numeric work is
// done by the execution substrate the trainer is bound to.
//
// # Basic Usage
//
//	w := tensor.Zeros(tensor.Shape{3, 4}, tensor.Float32)
//	half := w.Cast(tensor.BFloat16)
//	meta := half.Meta() // ShapeDtype{[3 4], bfloat16}
//
// # Data Types
//
// Floating types (Float64, Float32, Float16, BFloat16) are the only ones
// that can be trainable. Integer and boolean tensors are carried as
// buffers and never cast by a precision policy.
package tensor
