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

package shapes

// DType indicates the type of the unit element of a planned value.
//
// Unlike the tensor-literal DType this was adapted from, no Go value is
// ever boxed as one of these -- a DType here only ever describes the
// element type of a buffer the planner is deciding how to place and reuse,
// so the generic slice-conversion and tuple machinery that type carried in
// its tensor-library form is gone.
type DType int32

const (
	InvalidDType DType = iota
	Bool
	Int8
	Int16
	Int32
	Int64
	UInt8
	UInt16
	UInt32
	UInt64
	Float16
	Float32
	Float64
	BFloat16
	Complex64
	Complex128

	// String marks a string-typed tensor. String buffers are never
	// byte-size comparable the way numeric buffers are (their storage is
	// not a flat fixed-stride array), so the reuse core must special-case
	// them; see Shape.IsString.
	String
)

var dtypeNames = map[DType]string{
	InvalidDType: "InvalidDType",
	Bool:         "Bool",
	Int8:         "Int8",
	Int16:        "Int16",
	Int32:        "Int32",
	Int64:        "Int64",
	UInt8:        "UInt8",
	UInt16:       "UInt16",
	UInt32:       "UInt32",
	UInt64:       "UInt64",
	Float16:      "Float16",
	Float32:      "Float32",
	Float64:      "Float64",
	BFloat16:     "BFloat16",
	Complex64:    "Complex64",
	Complex128:   "Complex128",
	String:       "String",
}

func (dtype DType) String() string {
	if name, ok := dtypeNames[dtype]; ok {
		return name
	}
	return "UnknownDType"
}

// byteSize is the number of bytes one element of dtype occupies.
// String has no fixed element size: callers must not call Memory() on a
// string-typed Shape -- see Shape.IsString.
var byteSize = map[DType]uintptr{
	Bool:       1,
	Int8:       1,
	Int16:      2,
	Int32:      4,
	Int64:      8,
	UInt8:      1,
	UInt16:     2,
	UInt32:     4,
	UInt64:     8,
	Float16:    2,
	Float32:    4,
	Float64:    8,
	BFloat16:   2,
	Complex64:  8,
	Complex128: 16,
}

// Memory returns the number of bytes a single element of dtype occupies.
func (dtype DType) Memory() uintptr {
	return byteSize[dtype]
}
