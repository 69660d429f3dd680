package spec

// DType is the element type of an array, or of the node locations of a graph.
// The empty DType means "not known yet".
type DType string

const (
	Bool    DType = "bool"
	Int8    DType = "int8"
	Int16   DType = "int16"
	Int32   DType = "int32"
	Int64   DType = "int64"
	Uint8   DType = "uint8"
	Uint16  DType = "uint16"
	Uint32  DType = "uint32"
	Uint64  DType = "uint64"
	Float32 DType = "float32"
	Float64 DType = "float64"
)

var knownDTypes = map[DType]struct{}{
	Bool: {}, Int8: {}, Int16: {}, Int32: {}, Int64: {},
	Uint8: {}, Uint16: {}, Uint32: {}, Uint64: {},
	Float32: {}, Float64: {},
}

// Valid reports whether d is one of the known element types.
func (d DType) Valid() bool {
	_, ok := knownDTypes[d]
	return ok
}

func (d DType) String() string {
	if d == "" {
		return "None"
	}
	return string(d)
}
