package exchange

import (
	"encoding/binary"

	"google.golang.org/grpc/codes"
	"google.golang.org/grpc/status"

	"k8s.io/examples/AI/flowdeploy/pkg/tensor"
)

// Tensor queue items are a fixed-size header followed by the raw payload.
// Header fields are little-endian int64: offset 0 holds the rank N, offset 8*(1+i) holds dimension i.
const (
	TensorHeaderSize = 512
	MaxTensorRank    = 32
	headerFieldSize  = 8
)

func EncodeTensorHeader(dst []byte, shape tensor.Shape) error {
	if len(shape) > MaxTensorRank {
		return status.Errorf(codes.InvalidArgument, "tensor rank %d exceeds maximum %d", len(shape), MaxTensorRank)
	}
	if len(dst) < TensorHeaderSize {
		return status.Errorf(codes.InvalidArgument, "header buffer of %d bytes is smaller than %d", len(dst), TensorHeaderSize)
	}
	clear(dst[:TensorHeaderSize])
	binary.LittleEndian.PutUint64(dst[0:], uint64(len(shape)))
	for i, dim := range shape {
		binary.LittleEndian.PutUint64(dst[headerFieldSize*(1+i):], uint64(dim))
	}
	return nil
}

func DecodeTensorHeader(src []byte) (tensor.Shape, error) {
	if len(src) < TensorHeaderSize {
		return nil, status.Errorf(codes.Internal, "tensor item of %d bytes is smaller than the %d byte header", len(src), TensorHeaderSize)
	}
	rank := int64(binary.LittleEndian.Uint64(src[0:]))
	if rank < 0 || rank > MaxTensorRank {
		return nil, status.Errorf(codes.Internal, "tensor header declares invalid rank %d", rank)
	}
	shape := make(tensor.Shape, rank)
	for i := range shape {
		dim := int64(binary.LittleEndian.Uint64(src[headerFieldSize*(1+i):]))
		if dim < 0 {
			return nil, status.Errorf(codes.Internal, "tensor header declares negative dimension %d at index %d", dim, i)
		}
		shape[i] = dim
	}
	return shape, nil
}

// EncodeTensor returns the full queue item (header and payload) for t.
func EncodeTensor(t *tensor.Tensor) ([]byte, error) {
	payloadSize, err := tensorPayloadSize(t)
	if err != nil {
		return nil, err
	}
	item := alignedBuffer(TensorHeaderSize + int(payloadSize))
	if err := fillTensorItem(item, t, payloadSize); err != nil {
		return nil, err
	}
	return item, nil
}

func tensorPayloadSize(t *tensor.Tensor) (int64, error) {
	payloadSize, err := tensor.MemSize(t.Desc.Shape, t.Desc.Format, t.Desc.DataType)
	if err != nil {
		return 0, status.Errorf(codes.InvalidArgument, "computing tensor size: %v", err)
	}
	if int64(len(t.Data)) < payloadSize {
		return 0, status.Errorf(codes.InvalidArgument, "tensor data has %d bytes, shape %v requires %d", len(t.Data), t.Desc.Shape, payloadSize)
	}
	return payloadSize, nil
}

func fillTensorItem(item []byte, t *tensor.Tensor, payloadSize int64) error {
	if err := EncodeTensorHeader(item, t.Desc.Shape); err != nil {
		return err
	}
	copy(item[TensorHeaderSize:], t.Data[:payloadSize])
	return nil
}
