// Package nifti reads and writes single-file NIfTI-1 volumes (.nii and .nii.gz).
//
// Based on the official definition of the nifti1 header,
// https://nifti.nimh.nih.gov/pub/dist/src/niftilib/nifti1.h
package nifti

import (
	"encoding/binary"
	"fmt"
)

// Header defines the structure of the NIfTI-1 header.
//
// Type translation from the nifti1 C header to Go:
//
//	C     Go
//	-------------
//	int   int32
//	float float32
//	short int16
//	char  int8
type Header struct {
	SizeOfHdr          int32    // Must be 348
	UnusedDataType     [10]int8 // Unused
	UnusedDbName       [18]int8 // Unused
	UnusedExtents      int32    // Unused
	UnusedSessionError int16    // Unused
	UnusedRegular      int8     // Unused
	DimInfo            int8     // MRI slice ordering

	Dim           [8]int16   // Data array dimensions
	IntentP1      float32    // 1st intent parameter
	IntentP2      float32    // 2nd intent parameter
	IntentP3      float32    // 3rd intent parameter
	IntentCode    int16      // NIFTI_INTENT_* code
	DataType      int16      // Defines data type
	BitPix        int16      // Number bits/voxel
	SliceStart    int16      // First slice index
	PixDim        [8]float32 // Grid spacing
	VoxOffset     float32    // Offset into .nii file
	SclSlope      float32    // Data scaling: slope
	SclInter      float32    // Data scaling: offset
	SliceEnd      int16      // Last slice index
	SliceCode     int8       // Slice timing order
	XYZTUnits     int8       // Units of pixdim[1..4]
	CalMax        float32    // Max display intensity
	CalMin        float32    // Min display intensity
	SliceDuration float32    // Time for 1 slice
	TOffset       float32    // Time axis shift
	UnusedGlmax   int32      // Unused
	UnusedGlmin   int32      // Unused

	Descrip [80]int8 // Any text you like
	AuxFile [24]int8 // Auxiliary filename

	QFormCode int16 // NIFTI_XFORM_* code
	SFormCode int16 // NIFTI_XFORM_* code

	QuaternB float32 // Quaternion b params
	QuaternC float32 // Quaternion c params
	QuaternD float32 // Quaternion d params
	QOffsetX float32 // Quaternion x shift
	QOffsetY float32 // Quaternion y shift
	QOffsetZ float32 // Quaternion z shift

	SRowX [4]float32 // 1st row affine transform
	SRowY [4]float32 // 2nd row affine transform
	SRowZ [4]float32 // 3rd row affine transform

	IntentName [16]int8 // 'name' or meaning of data

	Magic [4]int8 // Must be "n+1\0" for single-file NIfTI
}

const (
	headerSize    = 352 // header plus the 4-byte extension flag
	minHeaderSize = 348
)

var (
	magicSingle = [4]int8{'n', '+', '1', 0}
	magicPair   = [4]int8{'n', 'i', '1', 0}
)

// DataType is a NIFTI_TYPE_* code.
type DataType int16

// Voxel data types.
const (
	Uint8   DataType = 2
	Int16   DataType = 4
	Int32   DataType = 8
	Float32 DataType = 16
	Float64 DataType = 64
	Int8    DataType = 256
	Uint16  DataType = 512
	Uint32  DataType = 768
	Int64   DataType = 1024
	Uint64  DataType = 1280
)

// Bits returns the storage size of one voxel in bits, or 0 if t is unsupported.
func (t DataType) Bits() int {
	switch t {
	case Uint8, Int8:
		return 8
	case Int16, Uint16:
		return 16
	case Int32, Uint32, Float32:
		return 32
	case Float64, Int64, Uint64:
		return 64
	}
	return 0
}

func (t DataType) String() string {
	switch t {
	case Uint8:
		return "uint8"
	case Int8:
		return "int8"
	case Int16:
		return "int16"
	case Uint16:
		return "uint16"
	case Int32:
		return "int32"
	case Uint32:
		return "uint32"
	case Int64:
		return "int64"
	case Uint64:
		return "uint64"
	case Float32:
		return "float32"
	case Float64:
		return "float64"
	}
	return fmt.Sprintf("DataType(%d)", int16(t))
}

// decodeHeader parses the first 348 bytes of a file, inferring byte order
// from Dim[0] the way nifti1_io does.
func decodeHeader(b []byte) (Header, binary.ByteOrder, error) {
	if len(b) < minHeaderSize {
		return Header{}, nil, fmt.Errorf("header too short: %d bytes", len(b))
	}
	var h Header
	var order binary.ByteOrder = binary.LittleEndian
	if _, err := binary.Decode(b, order, &h); err != nil {
		return Header{}, nil, err
	}
	if h.Dim[0] < 1 || h.Dim[0] > 7 {
		h = Header{}
		order = binary.BigEndian
		if _, err := binary.Decode(b, order, &h); err != nil {
			return Header{}, nil, err
		}
	}
	if h.Dim[0] < 1 || h.Dim[0] > 7 {
		return Header{}, nil, fmt.Errorf("cannot infer byte order: dim[0] = %d not in [1, 7]", h.Dim[0])
	}
	if err := validateHeader(h); err != nil {
		return Header{}, nil, err
	}
	return h, order, nil
}

func validateHeader(h Header) error {
	switch {
	case h.SizeOfHdr != minHeaderSize:
		return fmt.Errorf("invalid header size %d for nifti1", h.SizeOfHdr)
	case h.Magic == magicPair:
		return fmt.Errorf("split header/image (.hdr/.img) files are not supported")
	case h.Magic != magicSingle:
		return fmt.Errorf("invalid file magic %v", h.Magic)
	case DataType(h.DataType).Bits() == 0:
		return fmt.Errorf("unsupported data type %d", h.DataType)
	}
	for i := 1; i <= int(h.Dim[0]); i++ {
		if h.Dim[i] < 1 {
			return fmt.Errorf("dim[%d] = %d", i, h.Dim[i])
		}
	}
	return nil
}

// dims returns the spatial size and the number of frames described by h.
func (h Header) dims() ([3]int, int) {
	size := [3]int{1, 1, 1}
	n := int(h.Dim[0])
	for i := 0; i < 3 && i < n; i++ {
		size[i] = int(h.Dim[i+1])
	}
	frames := 1
	for i := 4; i <= n; i++ {
		frames *= int(h.Dim[i])
	}
	return size, frames
}

func encodeString(dst []int8, s string) {
	for i := 0; i < len(dst)-1 && i < len(s); i++ {
		dst[i] = int8(s[i])
	}
}
