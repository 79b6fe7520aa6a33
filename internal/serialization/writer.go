package serialization

import (
	"bufio"
	"encoding/binary"
	"encoding/json"
	"io"
	"os"
	"path/filepath"
	"time"

	"github.com/pkg/errors"
)

// Producer identifies files written by this module.
const Producer = "meshtrain"

// Encode writes tensors to w in the given order.
//
// header.Tensors, FormatVersion, Producer and (if zero) CreatedAt are
// filled in by Encode; the remaining header fields are written as given.
func Encode(w io.Writer, tensors []NamedTensor, header Header) error {
	header.FormatVersion = FormatVersion
	header.Producer = Producer
	if header.CreatedAt.IsZero() {
		header.CreatedAt = time.Now().UTC()
	}

	var offset int64
	data := make([]byte, 0)
	header.Tensors = make([]TensorMeta, 0, len(tensors))
	for _, nt := range tensors {
		if nt.Tensor == nil {
			return errors.Errorf("tensor %q is nil", nt.Name)
		}
		if err := ValidateTensorName(nt.Name); err != nil {
			return err
		}
		size := int64(nt.Tensor.ByteSize())
		header.Tensors = append(header.Tensors, TensorMeta{
			Name:   nt.Name,
			DType:  nt.Tensor.DType().String(),
			Shape:  append([]int{}, nt.Tensor.Shape()...),
			Offset: offset,
			Size:   size,
		})
		data = append(data, nt.Tensor.Data()...)
		offset += size
	}

	headerJSON, err := json.Marshal(header)
	if err != nil {
		return errors.Wrap(err, "failed to marshal header")
	}

	flags := uint32(0)
	if len(header.Metadata) > 0 {
		flags |= FlagHasMetadata
	}
	if header.Checkpoint != nil {
		flags |= FlagHasCheckpoint
	}

	sum := checksum(data)
	fixed := make([]byte, FixedHeaderSize)
	copy(fixed[0:4], MagicBytes)
	binary.LittleEndian.PutUint32(fixed[4:8], FormatVersion)
	binary.LittleEndian.PutUint32(fixed[8:12], flags)
	binary.LittleEndian.PutUint64(fixed[16:24], uint64(len(headerJSON)))
	binary.LittleEndian.PutUint64(fixed[24:32], uint64(len(data)))
	copy(fixed[ChecksumOffset:ChecksumOffset+ChecksumSize], sum[:])

	pad := padding(int64(FixedHeaderSize + len(headerJSON)))
	for _, chunk := range [][]byte{fixed, headerJSON, make([]byte, pad), data} {
		if _, err := w.Write(chunk); err != nil {
			return errors.Wrap(err, "failed to write .born data")
		}
	}
	return nil
}

// WriteFile encodes tensors into path atomically.
func WriteFile(path string, tensors []NamedTensor, header Header) (err error) {
	dir := filepath.Dir(path)
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return errors.Wrapf(err, "failed to create %s", dir)
	}
	tmp, err := os.CreateTemp(dir, "."+filepath.Base(path)+".*.tmp")
	if err != nil {
		return errors.Wrap(err, "failed to create temporary file")
	}
	defer func() {
		if err != nil {
			_ = tmp.Close()
			_ = os.Remove(tmp.Name())
		}
	}()

	buf := bufio.NewWriter(tmp)
	if err = Encode(buf, tensors, header); err != nil {
		return err
	}
	if err = buf.Flush(); err != nil {
		return errors.Wrap(err, "failed to flush")
	}
	if err = tmp.Sync(); err != nil {
		return errors.Wrap(err, "failed to sync")
	}
	if err = tmp.Close(); err != nil {
		return errors.Wrap(err, "failed to close")
	}
	if err = os.Rename(tmp.Name(), path); err != nil {
		return errors.Wrapf(err, "failed to move checkpoint into place at %s", path)
	}
	return nil
}
