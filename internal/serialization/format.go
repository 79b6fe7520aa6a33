package serialization

import (
	"crypto/sha256"
	"time"

	"github.com/born-ml/meshtrain/internal/tensor"
)

// Format constants.
const (
	MagicBytes      = "BORN"
	FormatVersion   = 2
	FixedHeaderSize = 0x40
	ChecksumOffset  = 0x20
	ChecksumSize    = sha256.Size
	Alignment       = 64

	MaxHeaderSize = 100 * 1024 * 1024
)

// Flags stored in the fixed header.
const (
	FlagHasMetadata   uint32 = 1 << 2
	FlagHasCheckpoint uint32 = 1 << 3
)

// Header is the JSON header of a .born file.
type Header struct {
	FormatVersion int               `json:"format_version"`
	Producer      string            `json:"producer"`
	CreatedAt     time.Time         `json:"created_at"`
	Tensors       []TensorMeta      `json:"tensors"`
	Metadata      map[string]string `json:"metadata,omitempty"`
	Checkpoint    *CheckpointMeta   `json:"checkpoint,omitempty"`
}

// CheckpointMeta describes the training state a file was written from.
type CheckpointMeta struct {
	Step  int64  `json:"step"`
	RunID string `json:"run_id,omitempty"`
	// Permanent checkpoints are never removed by retention.
	Permanent bool `json:"permanent"`
}

// TensorMeta locates one tensor in the data section.
type TensorMeta struct {
	Name   string `json:"name"`
	DType  string `json:"dtype"`
	Shape  []int  `json:"shape"`
	Offset int64  `json:"offset"`
	Size   int64  `json:"size"`
}

// Meta returns the shape and dtype recorded for the tensor.
func (m TensorMeta) Meta() (tensor.ShapeDtype, error) {
	dt, err := tensor.ParseDataType(m.DType)
	if err != nil {
		return tensor.ShapeDtype{}, err
	}
	return tensor.ShapeDtype{Shape: tensor.Shape(m.Shape), DType: dt}, nil
}

// NamedTensor is a tensor together with the name it is stored under.
type NamedTensor struct {
	Name   string
	Tensor *tensor.RawTensor
}

func padding(pos int64) int64 {
	return (Alignment - pos%Alignment) % Alignment
}

func checksum(data []byte) [ChecksumSize]byte {
	return sha256.Sum256(data)
}
