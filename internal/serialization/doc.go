// Package serialization reads and writes .born tensor files.
//
// Layout (all integers little endian):
//
//	0x00  [4]byte   magic "BORN"
//	0x04  uint32    format version (2)
//	0x08  uint32    flags
//	0x0C  uint32    reserved
//	0x10  uint64    JSON header size
//	0x18  uint64    tensor data size
//	0x20  [32]byte  SHA-256 of the tensor data
//	0x40  JSON header, zero padded to a 64-byte boundary
//	....  tensor data, in header order
//
// Tensors keep the order they were written in, so a file written from a
// tree reads back in tree order. Writes go to a temporary file in the same
// directory that is renamed into place, so readers never observe a
// partially written file.
package serialization
