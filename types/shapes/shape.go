/*
 *	Copyright 2023 Jan Pfeifer
 *
 *	Licensed under the Apache License, Version 2.0 (the "License");
 *	you may not use this file except in compliance with the License.
 *	You may obtain a copy of the License at
 *
 *	http://www.apache.org/licenses/LICENSE-2.0
 *
 *	Unless required by applicable law or agreed to in writing, software
 *	distributed under the License is distributed on an "AS IS" BASIS,
 *	WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
 *	See the License for the specific language governing permissions and
 *	limitations under the License.
 */

// Package shapes defines Shape and DType, the element-type and dimension
// descriptor the planner attaches to every value it allocates.
//
// A Shape here never carries data -- only the type and dimensions needed to
// compute a value's byte size (for free-list/reuse matching) and to decide
// whether a value is string-typed (which the reuse core must never match
// against the free list; see planner/reuse.go).
package shapes

import (
	"fmt"
	"slices"
	"strings"

	"github.com/gomlx/exceptions"
)

// Shape describes the element type and dimensions of a value the planner
// tracks.
type Shape struct {
	DType      DType
	Dimensions []int
}

// Make returns a Shape with the given dtype and dimensions.
func Make(dtype DType, dimensions ...int) Shape {
	s := Shape{Dimensions: slices.Clone(dimensions), DType: dtype}
	for _, dim := range dimensions {
		if dim <= 0 {
			exceptions.Panicf("shapes.Make(%s): cannot create a shape with an axis with dimension <= 0", s)
		}
	}
	return s
}

// Invalid returns an invalid shape.
func Invalid() Shape {
	return Shape{DType: InvalidDType}
}

// Ok returns whether this is a valid Shape.
func (s Shape) Ok() bool { return s.DType != InvalidDType }

// Rank of the shape, the number of dimensions.
func (s Shape) Rank() int { return len(s.Dimensions) }

// IsScalar returns whether the shape has no dimensions (rank==0).
func (s Shape) IsScalar() bool { return s.Ok() && s.Rank() == 0 }

// IsString returns whether this shape describes a string-typed tensor.
// Free-list reuse (§4.4.3) never matches string-typed values.
func (s Shape) IsString() bool { return s.DType == String }

// Dim returns the dimension of the given axis. Negative axis counts from
// the end, so axis=-1 refers to the last axis.
func (s Shape) Dim(axis int) int {
	adjustedAxis := axis
	if adjustedAxis < 0 {
		adjustedAxis += s.Rank()
	}
	if adjustedAxis < 0 || adjustedAxis >= s.Rank() {
		exceptions.Panicf("Shape.Dim(%d) out-of-bounds for rank %d (shape=%s)", axis, s.Rank(), s)
	}
	return s.Dimensions[adjustedAxis]
}

// Shape returns itself.
func (s Shape) Shape() Shape { return s }

// String pretty-prints the shape.
func (s Shape) String() string {
	if !s.Ok() {
		return "InvalidShape"
	}
	if s.Rank() == 0 {
		return fmt.Sprintf("(%s)", s.DType)
	}
	dims := make([]string, len(s.Dimensions))
	for i, d := range s.Dimensions {
		dims[i] = fmt.Sprintf("%d", d)
	}
	return fmt.Sprintf("(%s)[%s]", s.DType, strings.Join(dims, " "))
}

// Size returns the number of elements of DType needed for this shape: the
// product of all dimensions (1 for a scalar).
func (s Shape) Size() (size int) {
	size = 1
	for _, d := range s.Dimensions {
		size *= d
	}
	return
}

// Memory returns the number of bytes needed to store an array of this
// shape. Must not be called on a string-typed shape -- its storage isn't a
// flat fixed-stride array, see IsString.
func (s Shape) Memory() uintptr {
	if s.IsString() {
		exceptions.Panicf("Shape.Memory() called on a string-typed shape %s, string buffers have no fixed byte size", s)
	}
	return s.DType.Memory() * uintptr(s.Size())
}

// Equal compares two shapes for equality of dtype and dimensions.
func (s Shape) Equal(s2 Shape) bool {
	if s.DType != s2.DType {
		return false
	}
	return slices.Equal(s.Dimensions, s2.Dimensions)
}

// EqualDimensions compares two shapes for equality of dimensions only;
// dtypes may differ.
func (s Shape) EqualDimensions(s2 Shape) bool {
	return slices.Equal(s.Dimensions, s2.Dimensions)
}

// Clone returns a deep copy of the shape.
func (s Shape) Clone() (s2 Shape) {
	s2.DType = s.DType
	s2.Dimensions = slices.Clone(s.Dimensions)
	return
}
