// Package nifti reads and writes single-file NIfTI-1 volumes, optionally
// gzip-compressed, which is the on-disk format of every segmentation produced
// by spinalseg.
package nifti

import (
	"bufio"
	"bytes"
	"encoding/binary"
	"errors"
	"fmt"
	"io"
	"math"
	"os"
	"path/filepath"
	"strings"

	"github.com/klauspost/compress/gzip"
	"gonum.org/v1/gonum/mat"
)

// Extension is the standard compressed volume extension
const Extension = ".nii.gz"

const (
	headerSize = 348
	voxOffset  = 352
)

// NIfTI-1 datatype codes
const (
	dtUint8   = 2
	dtInt16   = 4
	dtInt32   = 8
	dtFloat32 = 16
	dtFloat64 = 64
)

var (
	ErrNotNIfTI            = errors.New("not a NIfTI-1 file")
	ErrUnsupportedDatatype = errors.New("unsupported NIfTI datatype")
	ErrShapeMismatch       = errors.New("voxel data does not match dimensions")
	ErrTooLarge            = errors.New("volume exceeds the supported size")
)

// maxVoxels bounds the allocation made from a header before any voxel is read
const maxVoxels = 1 << 28

// header mirrors the 348-byte NIfTI-1 header layout
type header struct {
	SizeofHdr     int32
	DataType      [10]byte
	DBName        [18]byte
	Extents       int32
	SessionError  int16
	Regular       byte
	DimInfo       byte
	Dim           [8]int16
	IntentP1      float32
	IntentP2      float32
	IntentP3      float32
	IntentCode    int16
	Datatype      int16
	Bitpix        int16
	SliceStart    int16
	Pixdim        [8]float32
	VoxOffset     float32
	SclSlope      float32
	SclInter      float32
	SliceEnd      int16
	SliceCode     byte
	XYZTUnits     byte
	CalMax        float32
	CalMin        float32
	SliceDuration float32
	Toffset       float32
	Glmax         int32
	Glmin         int32
	Descrip       [80]byte
	AuxFile       [24]byte
	QformCode     int16
	SformCode     int16
	QuaternB      float32
	QuaternC      float32
	QuaternD      float32
	QoffsetX      float32
	QoffsetY      float32
	QoffsetZ      float32
	SrowX         [4]float32
	SrowY         [4]float32
	SrowZ         [4]float32
	IntentName    [16]byte
	Magic         [4]byte
}

// Image is a 3D scalar volume. Voxels are stored with the first axis varying
// fastest, as on disk.
type Image struct {
	// Dims is the number of voxels along each axis
	Dims [3]int

	// PixDim is the voxel size in mm along each axis
	PixDim [3]float64

	// Affine maps voxel indices to scanner coordinates (sform rows)
	Affine [3][4]float64

	// Data holds Dims[0]*Dims[1]*Dims[2] voxels
	Data []float32
}

// New returns a zero-filled volume with an axis-aligned affine
func New(dims [3]int, pixdim [3]float64) *Image {
	img := &Image{
		Dims:   dims,
		PixDim: pixdim,
		Data:   make([]float32, dims[0]*dims[1]*dims[2]),
	}
	for i := 0; i < 3; i++ {
		img.Affine[i][i] = pixdim[i]
	}
	return img
}

// FromDense wraps a 2D matrix as a single-slice volume
func FromDense(m *mat.Dense) *Image {
	rows, cols := m.Dims()
	img := New([3]int{rows, cols, 1}, [3]float64{1, 1, 1})
	for i := 0; i < rows; i++ {
		for j := 0; j < cols; j++ {
			img.Set(i, j, 0, float32(m.At(i, j)))
		}
	}
	return img
}

func (img *Image) index(x, y, z int) int {
	return x + y*img.Dims[0] + z*img.Dims[0]*img.Dims[1]
}

// At returns the voxel value at (x, y, z)
func (img *Image) At(x, y, z int) float32 {
	return img.Data[img.index(x, y, z)]
}

// Set stores a voxel value at (x, y, z)
func (img *Image) Set(x, y, z int, v float32) {
	img.Data[img.index(x, y, z)] = v
}

// Slice2D extracts the plane at index z along the third axis. Rows follow the
// first axis and columns the second.
func (img *Image) Slice2D(z int) (*mat.Dense, error) {
	if z < 0 || z >= img.Dims[2] {
		return nil, fmt.Errorf("slice %d out of range [0, %d)", z, img.Dims[2])
	}
	m := mat.NewDense(img.Dims[0], img.Dims[1], nil)
	for x := 0; x < img.Dims[0]; x++ {
		for y := 0; y < img.Dims[1]; y++ {
			m.Set(x, y, float64(img.At(x, y, z)))
		}
	}
	return m, nil
}

// SplitExt splits a filename into stem and extension, treating ".nii.gz" as a
// single extension.
func SplitExt(path string) (string, string) {
	if strings.HasSuffix(strings.ToLower(path), Extension) {
		return path[:len(path)-len(Extension)], path[len(path)-len(Extension):]
	}
	ext := filepath.Ext(path)
	return strings.TrimSuffix(path, ext), ext
}

// Read loads a volume from a .nii or .nii.gz file
func Read(path string) (*Image, error) {
	file, err := os.Open(path)
	if err != nil {
		return nil, err
	}
	defer file.Close()

	var r io.Reader = bufio.NewReader(file)
	if strings.HasSuffix(strings.ToLower(path), ".gz") {
		gz, err := gzip.NewReader(r)
		if err != nil {
			return nil, fmt.Errorf("failed to open gzip stream %s: %w", path, err)
		}
		defer gz.Close()
		r = gz
	}

	img, err := Decode(r)
	if err != nil {
		return nil, fmt.Errorf("failed to decode %s: %w", path, err)
	}
	return img, nil
}

// Decode parses an uncompressed NIfTI-1 stream
func Decode(r io.Reader) (*Image, error) {
	raw := make([]byte, headerSize)
	if _, err := io.ReadFull(r, raw); err != nil {
		return nil, fmt.Errorf("failed to read header: %w", err)
	}

	var order binary.ByteOrder = binary.LittleEndian
	if int32(binary.LittleEndian.Uint32(raw)) != headerSize {
		if int32(binary.BigEndian.Uint32(raw)) != headerSize {
			return nil, ErrNotNIfTI
		}
		order = binary.BigEndian
	}

	var hdr header
	if err := binary.Read(bytes.NewReader(raw), order, &hdr); err != nil {
		return nil, fmt.Errorf("failed to parse header: %w", err)
	}

	var dims [3]int
	for i := 0; i < 3; i++ {
		dims[i] = 1
		if int(hdr.Dim[0]) > i && hdr.Dim[i+1] > 0 {
			dims[i] = int(hdr.Dim[i+1])
		}
	}
	if dims[0]*dims[1]*dims[2] > maxVoxels {
		return nil, fmt.Errorf("%w: %v", ErrTooLarge, dims)
	}
	var pixdim [3]float64
	for i := 0; i < 3; i++ {
		pixdim[i] = float64(hdr.Pixdim[i+1])
		if pixdim[i] == 0 {
			pixdim[i] = 1
		}
	}

	img := New(dims, pixdim)
	if hdr.SformCode > 0 {
		for j := 0; j < 4; j++ {
			img.Affine[0][j] = float64(hdr.SrowX[j])
			img.Affine[1][j] = float64(hdr.SrowY[j])
			img.Affine[2][j] = float64(hdr.SrowZ[j])
		}
	}

	// Skip extensions up to the voxel offset
	if skip := int64(hdr.VoxOffset) - headerSize; skip > 0 {
		if _, err := io.CopyN(io.Discard, r, skip); err != nil {
			return nil, fmt.Errorf("failed to skip header extension: %w", err)
		}
	}

	if err := readVoxels(r, order, hdr.Datatype, img.Data); err != nil {
		return nil, err
	}

	if hdr.SclSlope != 0 && (hdr.SclSlope != 1 || hdr.SclInter != 0) {
		for i, v := range img.Data {
			img.Data[i] = v*hdr.SclSlope + hdr.SclInter
		}
	}

	return img, nil
}

func readVoxels(r io.Reader, order binary.ByteOrder, datatype int16, out []float32) error {
	var err error
	switch datatype {
	case dtUint8:
		buf := make([]uint8, len(out))
		if err = binary.Read(r, order, buf); err == nil {
			for i, v := range buf {
				out[i] = float32(v)
			}
		}
	case dtInt16:
		buf := make([]int16, len(out))
		if err = binary.Read(r, order, buf); err == nil {
			for i, v := range buf {
				out[i] = float32(v)
			}
		}
	case dtInt32:
		buf := make([]int32, len(out))
		if err = binary.Read(r, order, buf); err == nil {
			for i, v := range buf {
				out[i] = float32(v)
			}
		}
	case dtFloat32:
		err = binary.Read(r, order, out)
	case dtFloat64:
		buf := make([]float64, len(out))
		if err = binary.Read(r, order, buf); err == nil {
			for i, v := range buf {
				out[i] = float32(v)
			}
		}
	default:
		return fmt.Errorf("%w: %d", ErrUnsupportedDatatype, datatype)
	}
	if err != nil {
		return fmt.Errorf("failed to read voxel data: %w", err)
	}
	return nil
}

// Write saves a volume as float32 NIfTI-1, gzip-compressed when the name ends
// in ".gz".
func Write(path string, img *Image) error {
	file, err := os.Create(path)
	if err != nil {
		return err
	}

	var w io.Writer = file
	var gz *gzip.Writer
	if strings.HasSuffix(strings.ToLower(path), ".gz") {
		gz = gzip.NewWriter(file)
		w = gz
	}

	if err := Encode(w, img); err != nil {
		file.Close()
		return fmt.Errorf("failed to encode %s: %w", path, err)
	}
	if gz != nil {
		if err := gz.Close(); err != nil {
			file.Close()
			return fmt.Errorf("failed to flush gzip stream %s: %w", path, err)
		}
	}
	return file.Close()
}

// Encode writes an uncompressed float32 NIfTI-1 stream
func Encode(w io.Writer, img *Image) error {
	if len(img.Data) != img.Dims[0]*img.Dims[1]*img.Dims[2] {
		return ErrShapeMismatch
	}
	for _, d := range img.Dims {
		if d < 1 || d > math.MaxInt16 {
			return fmt.Errorf("%w: axis of %d voxels cannot be stored", ErrShapeMismatch, d)
		}
	}

	hdr := header{
		SizeofHdr: headerSize,
		Regular:   'r',
		Datatype:  dtFloat32,
		Bitpix:    32,
		VoxOffset: voxOffset,
		SclSlope:  1,
		XYZTUnits: 2, // mm
		QformCode: 0,
		SformCode: 1,
		Magic:     [4]byte{'n', '+', '1', 0},
	}
	hdr.Dim[0] = 3
	hdr.Pixdim[0] = 1
	for i := 0; i < 3; i++ {
		hdr.Dim[i+1] = int16(img.Dims[i])
		hdr.Pixdim[i+1] = float32(img.PixDim[i])
	}
	for i := 4; i < 8; i++ {
		hdr.Dim[i] = 1
	}
	for j := 0; j < 4; j++ {
		hdr.SrowX[j] = float32(img.Affine[0][j])
		hdr.SrowY[j] = float32(img.Affine[1][j])
		hdr.SrowZ[j] = float32(img.Affine[2][j])
	}

	lo, hi := float32(math.Inf(1)), float32(math.Inf(-1))
	for _, v := range img.Data {
		lo = min(lo, v)
		hi = max(hi, v)
	}
	if len(img.Data) > 0 {
		hdr.CalMin, hdr.CalMax = lo, hi
	}

	bw := bufio.NewWriter(w)
	if err := binary.Write(bw, binary.LittleEndian, &hdr); err != nil {
		return err
	}
	// Empty extension block
	if _, err := bw.Write([]byte{0, 0, 0, 0}); err != nil {
		return err
	}
	if err := binary.Write(bw, binary.LittleEndian, img.Data); err != nil {
		return err
	}
	return bw.Flush()
}
