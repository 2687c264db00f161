// Copyright 2026 The Bureau Authors
// SPDX-License-Identifier: Apache-2.0

package bundle

import (
	"encoding/binary"
	"errors"
	"fmt"
)

// Version is a bundle format version, stored in the signature.
type Version uint8

const (
	// VersionV1 is the flat-header format: one header describing
	// every packet and export, followed by the packets.
	VersionV1 Version = 1

	// VersionV2 is the multi-packet format: the bundle is a sequence
	// of self-describing packets, each with its own signature and
	// export table.
	VersionV2 Version = 2

	LatestV1 = VersionV1
	LatestV2 = VersionV2
	Latest   = LatestV2
)

func (v Version) String() string {
	return fmt.Sprintf("v%d", uint8(v))
}

// SignatureSize is the encoded size of a Signature.
const SignatureSize = 8

var signatureMagic = [3]byte{'B', 'N', 'D'}

var (
	// ErrUnsupportedVersion is returned for a bundle or writer
	// configuration whose version this package cannot handle. It is
	// never worth retrying.
	ErrUnsupportedVersion = errors.New("unsupported bundle version")

	// ErrInvalidBundle is returned for bundle bytes that are
	// truncated or internally inconsistent.
	ErrInvalidBundle = errors.New("invalid bundle")
)

// Signature is the fixed prefix of a V1 bundle and of every V2 packet.
//
//	[0:3]  magic "BND"
//	[3]    version
//	[4:8]  length, uint32 little-endian
//
// For V1 the length is the size of the header that follows the
// signature. For V2 it is the size of the whole encoded packet,
// signature included.
type Signature struct {
	Version Version
	Length  int
}

// ReadSignature decodes the signature at the start of data.
func ReadSignature(data []byte) (Signature, error) {
	if len(data) < SignatureSize {
		return Signature{}, fmt.Errorf("%w: %d bytes is too short for a signature", ErrInvalidBundle, len(data))
	}
	if [3]byte(data[:3]) != signatureMagic {
		return Signature{}, fmt.Errorf("%w: bad magic %x", ErrInvalidBundle, data[:3])
	}
	version := Version(data[3])
	if version == 0 || version > LatestV2 {
		return Signature{}, fmt.Errorf("%w: %s", ErrUnsupportedVersion, version)
	}
	return Signature{
		Version: version,
		Length:  int(binary.LittleEndian.Uint32(data[4:SignatureSize])),
	}, nil
}

// AppendSignature appends the encoded signature to dst.
func AppendSignature(dst []byte, signature Signature) []byte {
	dst = append(dst, signatureMagic[:]...)
	dst = append(dst, byte(signature.Version))
	return binary.LittleEndian.AppendUint32(dst, uint32(signature.Length))
}
