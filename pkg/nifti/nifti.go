package nifti

import (
	"bufio"
	"compress/gzip"
	"encoding/binary"
	"errors"
	"fmt"
	"io"
	"math"
	"os"
	"strings"

	"burrholeprep/internal/apperr"
	"burrholeprep/internal/models"
	"burrholeprep/internal/storage"
)

// Read loads a NIfTI-1 volume from path. Gzip compression is detected from
// the stream itself rather than the file extension. Intensities are scaled by
// scl_slope and scl_inter and returned as float32.
func Read(path string) (*models.Volume, *Header, error) {
	f, err := os.Open(path)
	if errors.Is(err, os.ErrNotExist) {
		return nil, nil, fmt.Errorf("%w: %s", apperr.ErrMissingInput, path)
	}
	if err != nil {
		return nil, nil, fmt.Errorf("open %s: %w", path, err)
	}
	defer f.Close()

	vol, h, err := decode(bufio.NewReaderSize(f, 1<<20))
	if err != nil {
		return nil, nil, fmt.Errorf("%w: %s: %v", apperr.ErrMalformedInput, path, err)
	}
	return vol, h, nil
}

func decode(br *bufio.Reader) (*models.Volume, *Header, error) {
	var r io.Reader = br
	magic, err := br.Peek(2)
	if err != nil {
		return nil, nil, fmt.Errorf("read: %w", err)
	}
	if magic[0] == 0x1f && magic[1] == 0x8b {
		gz, err := gzip.NewReader(br)
		if err != nil {
			return nil, nil, fmt.Errorf("gzip: %w", err)
		}
		defer gz.Close()
		r = gz
	}

	raw := make([]byte, minHeaderSize)
	if _, err := io.ReadFull(r, raw); err != nil {
		return nil, nil, fmt.Errorf("read header: %w", err)
	}
	h, order, err := decodeHeader(raw)
	if err != nil {
		return nil, nil, err
	}

	offset := int64(headerSize)
	if int64(h.VoxOffset) > offset {
		offset = int64(h.VoxOffset)
	}
	if _, err := io.CopyN(io.Discard, r, offset-minHeaderSize); err != nil {
		return nil, nil, fmt.Errorf("skip to voxel offset %d: %w", offset, err)
	}

	size, frames := h.dims()
	vol := &models.Volume{Size: size, Frames: frames}
	geometryFromHeader(h, vol)

	dt := DataType(h.DataType)
	n := vol.Len()
	data := make([]byte, n*dt.Bits()/8)
	if _, err := io.ReadFull(r, data); err != nil {
		return nil, nil, fmt.Errorf("read %d voxels of %s: %w", n, dt, err)
	}
	vol.Voxels = make([]float32, n)
	convert(vol.Voxels, data, dt, order)

	slope, inter := float64(h.SclSlope), float64(h.SclInter)
	if slope != 0 && !math.IsNaN(slope) && (slope != 1 || inter != 0) {
		for i, x := range vol.Voxels {
			vol.Voxels[i] = float32(float64(x)*slope + inter)
		}
	}

	if err := vol.Validate(); err != nil {
		return nil, nil, err
	}
	return vol, &h, nil
}

func convert(dst []float32, src []byte, dt DataType, order binary.ByteOrder) {
	switch dt {
	case Uint8:
		for i := range dst {
			dst[i] = float32(src[i])
		}
	case Int8:
		for i := range dst {
			dst[i] = float32(int8(src[i]))
		}
	case Int16:
		for i := range dst {
			dst[i] = float32(int16(order.Uint16(src[2*i:])))
		}
	case Uint16:
		for i := range dst {
			dst[i] = float32(order.Uint16(src[2*i:]))
		}
	case Int32:
		for i := range dst {
			dst[i] = float32(int32(order.Uint32(src[4*i:])))
		}
	case Uint32:
		for i := range dst {
			dst[i] = float32(order.Uint32(src[4*i:]))
		}
	case Float32:
		for i := range dst {
			dst[i] = math.Float32frombits(order.Uint32(src[4*i:]))
		}
	case Int64:
		for i := range dst {
			dst[i] = float32(int64(order.Uint64(src[8*i:])))
		}
	case Uint64:
		for i := range dst {
			dst[i] = float32(order.Uint64(src[8*i:]))
		}
	case Float64:
		for i := range dst {
			dst[i] = float32(math.Float64frombits(order.Uint64(src[8*i:])))
		}
	}
}

// Write stores vol at path with voxels encoded as dt. The file is gzip
// compressed when path ends in ".gz" and is replaced atomically.
func Write(path string, vol *models.Volume, dt DataType) error {
	if err := vol.Validate(); err != nil {
		return fmt.Errorf("write %s: %w", path, err)
	}
	if dt.Bits() == 0 {
		return fmt.Errorf("write %s: unsupported data type %s", path, dt)
	}
	// NIfTI-1 stores dimensions as int16.
	for _, n := range append(vol.Size[:], vol.Frames) {
		if n > math.MaxInt16 {
			return fmt.Errorf("write %s: %w: dimension %d exceeds %d", path, apperr.ErrMalformedInput, n, math.MaxInt16)
		}
	}
	h := newHeader(vol, dt)
	data := encode(vol.Voxels, dt)

	return storage.WriteFile(path, func(w io.Writer) error {
		var out io.Writer = w
		var gz *gzip.Writer
		if strings.HasSuffix(path, ".gz") {
			gz = gzip.NewWriter(w)
			out = gz
		}
		if err := binary.Write(out, binary.LittleEndian, &h); err != nil {
			return fmt.Errorf("write header: %w", err)
		}
		// Extension flag: no extensions follow.
		if _, err := out.Write([]byte{0, 0, 0, 0}); err != nil {
			return fmt.Errorf("write extension flag: %w", err)
		}
		if _, err := out.Write(data); err != nil {
			return fmt.Errorf("write voxels: %w", err)
		}
		if gz != nil {
			return gz.Close()
		}
		return nil
	})
}

func newHeader(vol *models.Volume, dt DataType) Header {
	h := Header{
		SizeOfHdr: minHeaderSize,
		DataType:  int16(dt),
		BitPix:    int16(dt.Bits()),
		VoxOffset: headerSize,
		SclSlope:  1,
		XYZTUnits: 2, // NIFTI_UNITS_MM
		Magic:     magicSingle,
	}
	h.Dim = [8]int16{3, int16(vol.Size[0]), int16(vol.Size[1]), int16(vol.Size[2]), 1, 1, 1, 1}
	if vol.Frames > 1 {
		h.Dim[0] = 4
		h.Dim[4] = int16(vol.Frames)
		h.PixDim[4] = 1
		h.XYZTUnits |= 8 // NIFTI_UNITS_SEC
	}
	geometryToHeader(vol, &h)
	encodeString(h.Descrip[:], "burrholeprep")
	if dt == Uint8 {
		h.CalMin, h.CalMax = 0, 1
	}
	return h
}

func encode(src []float32, dt DataType) []byte {
	order := binary.LittleEndian
	out := make([]byte, len(src)*dt.Bits()/8)
	switch dt {
	case Uint8:
		for i, x := range src {
			out[i] = uint8(clampRound(x, 0, math.MaxUint8))
		}
	case Int8:
		for i, x := range src {
			out[i] = uint8(int8(clampRound(x, math.MinInt8, math.MaxInt8)))
		}
	case Int16:
		for i, x := range src {
			order.PutUint16(out[2*i:], uint16(int16(clampRound(x, math.MinInt16, math.MaxInt16))))
		}
	case Uint16:
		for i, x := range src {
			order.PutUint16(out[2*i:], uint16(clampRound(x, 0, math.MaxUint16)))
		}
	case Int32:
		for i, x := range src {
			order.PutUint32(out[4*i:], uint32(int32(clampRound(x, math.MinInt32, math.MaxInt32))))
		}
	case Uint32:
		for i, x := range src {
			order.PutUint32(out[4*i:], uint32(clampRound(x, 0, math.MaxUint32)))
		}
	case Float32:
		for i, x := range src {
			order.PutUint32(out[4*i:], math.Float32bits(x))
		}
	case Int64:
		for i, x := range src {
			order.PutUint64(out[8*i:], uint64(int64(math.Round(float64(x)))))
		}
	case Uint64:
		for i, x := range src {
			order.PutUint64(out[8*i:], uint64(clampRound(x, 0, math.MaxInt64)))
		}
	case Float64:
		for i, x := range src {
			order.PutUint64(out[8*i:], math.Float64bits(float64(x)))
		}
	}
	return out
}

func clampRound(x float32, lo, hi float64) float64 {
	v := math.Round(float64(x))
	if math.IsNaN(v) {
		return 0
	}
	return math.Max(lo, math.Min(hi, v))
}
