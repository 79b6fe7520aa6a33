package serialization

import (
	"bytes"
	"encoding/binary"
	"encoding/json"
	"io"
	"os"

	"github.com/pkg/errors"

	"github.com/born-ml/meshtrain/internal/tensor"
)

// File is a decoded .born file held in memory.
type File struct {
	header Header
	flags  uint32
	data   []byte
}

// ReaderOptions controls decoding.
type ReaderOptions struct {
	SkipChecksumValidation bool // Skip checksum validation (faster but less safe)
}

// Decode reads a .born file from r.
func Decode(r io.Reader, opts ReaderOptions) (*File, error) {
	fixed := make([]byte, FixedHeaderSize)
	if _, err := io.ReadFull(r, fixed); err != nil {
		return nil, errors.Wrap(err, "failed to read fixed header")
	}
	if string(fixed[0:4]) != MagicBytes {
		return nil, ErrInvalidMagic
	}
	if v := binary.LittleEndian.Uint32(fixed[4:8]); v != FormatVersion {
		return nil, errors.Wrapf(ErrUnsupportedVersion, "got %d, expected %d", v, FormatVersion)
	}
	flags := binary.LittleEndian.Uint32(fixed[8:12])
	headerSize := binary.LittleEndian.Uint64(fixed[16:24])
	dataSize := binary.LittleEndian.Uint64(fixed[24:32])
	if headerSize > MaxHeaderSize {
		return nil, ErrHeaderTooLarge
	}

	headerJSON := make([]byte, headerSize)
	if _, err := io.ReadFull(r, headerJSON); err != nil {
		return nil, errors.Wrap(err, "failed to read header JSON")
	}
	var header Header
	if err := json.Unmarshal(headerJSON, &header); err != nil {
		return nil, errors.Wrap(err, "failed to parse header JSON")
	}

	pad := padding(int64(FixedHeaderSize) + int64(headerSize))
	if _, err := io.CopyN(io.Discard, r, pad); err != nil {
		return nil, errors.Wrap(err, "failed to skip padding")
	}
	data := make([]byte, dataSize)
	if _, err := io.ReadFull(r, data); err != nil {
		return nil, errors.Wrap(err, "failed to read tensor data")
	}

	if !opts.SkipChecksumValidation {
		var stored [ChecksumSize]byte
		copy(stored[:], fixed[ChecksumOffset:ChecksumOffset+ChecksumSize])
		if checksum(data) != stored {
			return nil, ErrChecksumMismatch
		}
	}
	if err := ValidateHeader(&header, int64(len(data))); err != nil {
		return nil, errors.Wrap(err, "validation failed")
	}
	return &File{header: header, flags: flags, data: data}, nil
}

// ReadFile decodes the file at path with checksum validation.
func ReadFile(path string) (*File, error) {
	raw, err := os.ReadFile(path)
	if err != nil {
		return nil, errors.Wrap(err, "failed to open file")
	}
	f, err := Decode(bytes.NewReader(raw), ReaderOptions{})
	if err != nil {
		return nil, errors.Wrapf(err, "decode %s", path)
	}
	return f, nil
}

// Header returns the decoded JSON header.
func (f *File) Header() Header {
	return f.header
}

// Flags returns the flags of the fixed header.
func (f *File) Flags() uint32 {
	return f.flags
}

// TensorNames returns stored names in file order.
func (f *File) TensorNames() []string {
	names := make([]string, len(f.header.Tensors))
	for i, meta := range f.header.Tensors {
		names[i] = meta.Name
	}
	return names
}

// TensorInfo returns the metadata of a stored tensor.
func (f *File) TensorInfo(name string) (TensorMeta, error) {
	for _, meta := range f.header.Tensors {
		if meta.Name == name {
			return meta, nil
		}
	}
	return TensorMeta{}, errors.Wrapf(ErrTensorNotFound, "%q", name)
}

// Tensor decodes one stored tensor.
func (f *File) Tensor(name string) (*tensor.RawTensor, error) {
	info, err := f.TensorInfo(name)
	if err != nil {
		return nil, err
	}
	meta, err := info.Meta()
	if err != nil {
		return nil, err
	}
	return tensor.FromBytes(f.data[info.Offset:info.Offset+info.Size], meta.Shape, meta.DType)
}

// Tensors decodes every stored tensor in file order.
func (f *File) Tensors() ([]NamedTensor, error) {
	out := make([]NamedTensor, 0, len(f.header.Tensors))
	for _, info := range f.header.Tensors {
		raw, err := f.Tensor(info.Name)
		if err != nil {
			return nil, errors.Wrapf(err, "failed to load tensor %s", info.Name)
		}
		out = append(out, NamedTensor{Name: info.Name, Tensor: raw})
	}
	return out, nil
}
