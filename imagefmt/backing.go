package imagefmt

import (
	"encoding/binary"
	"errors"
	"fmt"
	"io"
	"os"
	"unicode/utf8"
)

// cowBackingSize is the fixed backing-file field following the legacy COW header.
const cowBackingSize = 1024

// ErrNotCOWFile is returned by BackingFile when the file is neither a
// legacy COW nor a QCOW image.
var ErrNotCOWFile = errors.New("not a COW or QCOW image")

// BackingFile returns the backing-file reference stored in the header of
// the COW or QCOW image at path. An empty string means the image has no
// backing file. Errors:
//   - fs.ErrNotExist (wrapped) when path does not exist
//   - ErrNotCOWFile when the header is not COW/QCOW (or too short to tell)
//   - any other I/O or decoding error as is
func BackingFile(path string) (string, error) {
	f, err := os.Open(path) //nolint:gosec
	if err != nil {
		return "", fmt.Errorf("open image %s: %w", path, err)
	}
	defer f.Close() //nolint:errcheck

	var hdr [genericHeaderSize]byte
	if _, err := io.ReadFull(f, hdr[:]); err != nil {
		if errors.Is(err, io.EOF) || errors.Is(err, io.ErrUnexpectedEOF) {
			return "", fmt.Errorf("%s: %w", path, ErrNotCOWFile)
		}
		return "", fmt.Errorf("read header %s: %w", path, err)
	}
	magic := binary.BigEndian.Uint32(hdr[0:4])
	version := binary.BigEndian.Uint32(hdr[4:8])

	var name []byte
	switch {
	case magic == cowMagic:
		field := make([]byte, cowBackingSize)
		n, err := io.ReadFull(f, field)
		if err != nil && !errors.Is(err, io.ErrUnexpectedEOF) && !errors.Is(err, io.EOF) {
			return "", fmt.Errorf("read COW backing field %s: %w", path, err)
		}
		name = trimNUL(field[:n])
	case magic == qcowMagic && version >= 1 && version <= 3:
		var ext [12]byte
		if _, err := io.ReadFull(f, ext[:]); err != nil {
			return "", fmt.Errorf("read QCOW header %s: %w", path, err)
		}
		offset := binary.BigEndian.Uint64(ext[0:8])
		size := binary.BigEndian.Uint32(ext[8:12])
		if size == 0 {
			return "", nil
		}
		name = make([]byte, size)
		if _, err := f.ReadAt(name, int64(offset)); err != nil { //nolint:gosec
			return "", fmt.Errorf("read QCOW backing file name %s: %w", path, err)
		}
	default:
		return "", fmt.Errorf("%s: %w", path, ErrNotCOWFile)
	}
	if !isASCII(name) {
		return "", fmt.Errorf("backing file name in %s is not ASCII", path)
	}
	return string(name), nil
}

func trimNUL(b []byte) []byte {
	end := len(b)
	for end > 0 && b[end-1] == 0 {
		end--
	}
	return b[:end]
}

func isASCII(b []byte) bool {
	for _, c := range b {
		if c >= utf8.RuneSelf {
			return false
		}
	}
	return true
}
