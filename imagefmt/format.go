// Package imagefmt recognizes disk-image container formats from their
// headers and extracts backing-file references from copy-on-write images.
package imagefmt

import (
	"bytes"
	"encoding/binary"
	"fmt"
	"io"
	"os"
)

// Format is a disk-image container format.
type Format string

const (
	RAW     Format = "raw"
	QCOW2   Format = "qcow2"
	QED     Format = "qed"
	QCOW    Format = "qcow"
	COW     Format = "cow"
	VDI     Format = "vdi"
	VMDK    Format = "vmdk"
	VPC     Format = "vpc"
	CLOOP   Format = "cloop"
	UNKNOWN Format = "unknown"
)

// Magic numbers, read big-endian from the first four bytes of the file.
const (
	cowMagic  uint32 = 0x4f4f4f4d // OOOM
	qcowMagic uint32 = 0x514649fb // QFI\xfb
	cowdMagic uint32 = 0x44574f43 // COWD
	vmdkMagic uint32 = 0x564d444b // KDMV
	qedMagic  uint32 = 0x00444551 // \0DEQ

	vdiSignature uint32 = 0xbeda107f
	vpcCreator          = "conectix"
	cloopMagic          = "#!/bin/sh\n#V2.0 Format\nmodprobe cloop file=$0 && mount -r -t iso9660 /dev/cloop $1\n"
)

// Header sizes of every probe.
const (
	genericHeaderSize = 8      // magic u32 + version u32
	vdiHeaderSize     = 64 + 4 // 64 bytes of text + u32 signature, little-endian
	vpcHeaderSize     = len(vpcCreator)
	cloopHeaderSize   = len(cloopMagic)
)

// MaxHeaderSize is the number of leading bytes Classify needs to see to
// run every probe.
const MaxHeaderSize = max(genericHeaderSize, vdiHeaderSize, vpcHeaderSize, cloopHeaderSize)

// versioned maps magic → version → format. A nil version map accepts any
// version.
var versioned = map[uint32]map[uint32]Format{
	cowMagic:  {1: COW},
	qcowMagic: {1: QCOW, 2: QCOW2},
	cowdMagic: {1: VMDK},
	vmdkMagic: {1: VMDK},
	qedMagic:  nil,
}

// Classify returns the container format of the image whose first bytes
// are data. Probes run in a fixed order: magic/version table, VDI, VPC,
// CLOOP. QCOW version 3 passes the QCOW header check used by BackingFile
// but has no table entry, so it is reported as UNKNOWN.
func Classify(data []byte) Format {
	if len(data) < genericHeaderSize {
		return UNKNOWN
	}
	magic := binary.BigEndian.Uint32(data[0:4])
	version := binary.BigEndian.Uint32(data[4:8])
	if versions, ok := versioned[magic]; ok {
		if versions == nil {
			return QED
		}
		if f, ok := versions[version]; ok {
			return f
		}
	}
	if len(data) >= vdiHeaderSize && binary.LittleEndian.Uint32(data[64:68]) == vdiSignature {
		return VDI
	}
	if len(data) >= vpcHeaderSize && string(data[:vpcHeaderSize]) == vpcCreator {
		return VPC
	}
	if len(data) >= cloopHeaderSize && bytes.Equal(data[:cloopHeaderSize], []byte(cloopMagic)) {
		return CLOOP
	}
	return UNKNOWN
}

// ClassifyFile reads the header of path and classifies it. A missing file
// yields an error matching fs.ErrNotExist.
func ClassifyFile(path string) (Format, error) {
	f, err := os.Open(path) //nolint:gosec
	if err != nil {
		return UNKNOWN, fmt.Errorf("open image %s: %w", path, err)
	}
	defer f.Close() //nolint:errcheck

	buf := make([]byte, MaxHeaderSize)
	n, err := io.ReadFull(f, buf)
	if err != nil && err != io.ErrUnexpectedEOF && err != io.EOF {
		return UNKNOWN, fmt.Errorf("read image header %s: %w", path, err)
	}
	return Classify(buf[:n]), nil
}
