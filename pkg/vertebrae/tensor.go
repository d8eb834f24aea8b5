package vertebrae

import (
	"bufio"
	"encoding/binary"
	"errors"
	"fmt"
	"io"

	"gonum.org/v1/gonum/mat"
)

var (
	ErrBadTensor   = errors.New("malformed tensor stream")
	ErrTensorShape = errors.New("unexpected tensor shape")
)

var tensorMagic = [4]byte{'T', 'N', 'S', 'R'}

const (
	// maxTensorDims bounds the rank accepted from a stream
	maxTensorDims = 8

	// maxTensorElements bounds the element count accepted from a stream
	maxTensorElements = 1 << 28

	// tensorChunk is how many values are decoded per read
	tensorChunk = 1 << 16
)

// Tensor is a dense float32 array in row-major order
type Tensor struct {
	Shape []int
	Data  []float32
}

// Size returns the number of elements implied by the shape, or -1 when a
// dimension is negative or the product exceeds maxTensorElements.
func (t Tensor) Size() int {
	if len(t.Shape) == 0 {
		return 0
	}
	n := 1
	for _, d := range t.Shape {
		if d < 0 {
			return -1
		}
		if d == 0 {
			return 0
		}
		if n > maxTensorElements/d {
			return -1
		}
		n *= d
	}
	return n
}

// ImageTensor converts a 2D image into a [1, 1, H, W] batch
func ImageTensor(m *mat.Dense) Tensor {
	rows, cols := m.Dims()
	data := make([]float32, 0, rows*cols)
	for i := 0; i < rows; i++ {
		for j := 0; j < cols; j++ {
			data = append(data, float32(m.At(i, j)))
		}
	}
	return Tensor{Shape: []int{1, 1, rows, cols}, Data: data}
}

// FirstChannel extracts output[0, 0, :, :] as a matrix
func (t Tensor) FirstChannel() (*mat.Dense, error) {
	if len(t.Shape) != 4 || t.Shape[0] < 1 || t.Shape[1] < 1 {
		return nil, fmt.Errorf("%w: %v", ErrTensorShape, t.Shape)
	}
	rows, cols := t.Shape[2], t.Shape[3]
	if rows < 1 || cols < 1 || len(t.Data) < rows*cols {
		return nil, fmt.Errorf("%w: %v", ErrTensorShape, t.Shape)
	}
	m := mat.NewDense(rows, cols, nil)
	for i := 0; i < rows; i++ {
		for j := 0; j < cols; j++ {
			m.Set(i, j, float64(t.Data[i*cols+j]))
		}
	}
	return m, nil
}

// WriteTensor encodes a tensor as: magic, rank, dims, little-endian float32 data
func WriteTensor(w io.Writer, t Tensor) error {
	if size := t.Size(); size < 0 || size != len(t.Data) {
		return fmt.Errorf("%w: shape %v holds %d values, got %d", ErrTensorShape, t.Shape, t.Size(), len(t.Data))
	}
	bw := bufio.NewWriter(w)
	if _, err := bw.Write(tensorMagic[:]); err != nil {
		return err
	}
	if err := binary.Write(bw, binary.LittleEndian, uint32(len(t.Shape))); err != nil {
		return err
	}
	for _, d := range t.Shape {
		if err := binary.Write(bw, binary.LittleEndian, uint32(d)); err != nil {
			return err
		}
	}
	if err := binary.Write(bw, binary.LittleEndian, t.Data); err != nil {
		return err
	}
	return bw.Flush()
}

// ReadTensor decodes a tensor written by WriteTensor
func ReadTensor(r io.Reader) (Tensor, error) {
	var magic [4]byte
	if _, err := io.ReadFull(r, magic[:]); err != nil {
		return Tensor{}, fmt.Errorf("%w: %w", ErrBadTensor, err)
	}
	if magic != tensorMagic {
		return Tensor{}, fmt.Errorf("%w: bad magic %q", ErrBadTensor, magic[:])
	}

	var rank uint32
	if err := binary.Read(r, binary.LittleEndian, &rank); err != nil {
		return Tensor{}, fmt.Errorf("%w: %w", ErrBadTensor, err)
	}
	if rank == 0 || rank > maxTensorDims {
		return Tensor{}, fmt.Errorf("%w: rank %d", ErrBadTensor, rank)
	}
	dims := make([]uint32, rank)
	if err := binary.Read(r, binary.LittleEndian, dims); err != nil {
		return Tensor{}, fmt.Errorf("%w: %w", ErrBadTensor, err)
	}

	t := Tensor{Shape: make([]int, rank)}
	for i, d := range dims {
		t.Shape[i] = int(d)
	}
	n := t.Size()
	if n < 0 {
		return Tensor{}, fmt.Errorf("%w: shape %v too large", ErrBadTensor, t.Shape)
	}

	// Data grows only as the stream delivers it
	t.Data = make([]float32, 0, min(n, tensorChunk))
	buf := make([]float32, min(n, tensorChunk))
	for len(t.Data) < n {
		chunk := buf[:min(n-len(t.Data), len(buf))]
		if err := binary.Read(r, binary.LittleEndian, chunk); err != nil {
			return Tensor{}, fmt.Errorf("%w: %w", ErrBadTensor, err)
		}
		t.Data = append(t.Data, chunk...)
	}
	return t, nil
}
