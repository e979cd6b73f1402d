package protocol

import (
	"bytes"
	"encoding/binary"
)

// Status is the result code carried by firmware update replies
type Status uint8

const (
	StatusOK Status = iota
	StatusBadLength
	StatusFlashError
	StatusSequence
	StatusTooLarge
	StatusNoSession
)

var statusNames = [...]string{
	StatusOK:         "ok",
	StatusBadLength:  "bad length",
	StatusFlashError: "flash error",
	StatusSequence:   "sequence error",
	StatusTooLarge:   "too large",
	StatusNoSession:  "no update session",
}

func (s Status) String() string {
	if int(s) < len(statusNames) {
		return statusNames[s]
	}
	return "status " + itoa(int(s))
}

// StatusError is a non-OK status reported by the device
type StatusError struct {
	Command Command
	Status  Status
}

func (e *StatusError) Error() string {
	return e.Command.String() + ": " + e.Status.String()
}

// EncodeSize is the PrepareWriteFirmware payload
func EncodeSize(size uint32) []byte {
	var p [4]byte
	binary.BigEndian.PutUint32(p[:], size)
	return p[:]
}

// DecodeSize parses a PrepareWriteFirmware payload
func DecodeSize(data []byte) (uint32, error) {
	if len(data) != 4 {
		return 0, ErrMalformedPayload
	}
	return binary.BigEndian.Uint32(data), nil
}

// EncodeProgress is the NextPackage / WriteLastFirmwarePackage reply:
// status followed by a byte offset
func EncodeProgress(status Status, offset uint32) []byte {
	var p [5]byte
	p[0] = byte(status)
	binary.BigEndian.PutUint32(p[1:], offset)
	return p[:]
}

// DecodeProgress parses a progress reply
func DecodeProgress(data []byte) (Status, uint32, error) {
	if len(data) != 5 {
		return 0, 0, ErrMalformedPayload
	}
	return Status(data[0]), binary.BigEndian.Uint32(data[1:]), nil
}

// EncodeReadRequest is the Read(Last)FirmwarePackage request payload
func EncodeReadRequest(offset uint32, n uint8) []byte {
	var p [5]byte
	binary.BigEndian.PutUint32(p[:], offset)
	p[4] = n
	return p[:]
}

// DecodeReadRequest parses a read request
func DecodeReadRequest(data []byte) (offset uint32, n int, err error) {
	if len(data) != 5 {
		return 0, 0, ErrMalformedPayload
	}
	return binary.BigEndian.Uint32(data), int(data[4]), nil
}

// Device info field limits
const (
	UniqueIDSize   = 12
	VersionMaxSize = 32
	UserIDMaxSize  = 64
)

// DeviceInfo is the GetDeviceInfo payload:
// uniqueID(12) | bootloader version\0 | firmware version\0 | user id\0
type DeviceInfo struct {
	UniqueID          [UniqueIDSize]byte
	BootloaderVersion string
	FirmwareVersion   string
	UserID            string
}

// cstr returns s up to its first NUL, at most max bytes
func cstr(s string, max int) []byte {
	if i := bytes.IndexByte([]byte(s), 0); i >= 0 {
		s = s[:i]
	}
	if len(s) > max {
		s = s[:max]
	}
	return []byte(s)
}

var nul = []byte{0}

// Segments returns the payload as slices for GenerateSegments
func (d *DeviceInfo) Segments() [][]byte {
	return [][]byte{
		d.UniqueID[:],
		cstr(d.BootloaderVersion, VersionMaxSize), nul,
		cstr(d.FirmwareVersion, VersionMaxSize), nul,
		cstr(d.UserID, UserIDMaxSize), nul,
	}
}

// Encode returns the payload as one slice
func (d *DeviceInfo) Encode() []byte {
	return bytes.Join(d.Segments(), nil)
}

// ParseDeviceInfo decodes a GetDeviceInfo payload
func ParseDeviceInfo(data []byte) (DeviceInfo, error) {
	var d DeviceInfo
	if len(data) < UniqueIDSize+3 || data[len(data)-1] != 0 {
		return d, ErrMalformedPayload
	}
	copy(d.UniqueID[:], data)

	fields := bytes.Split(data[UniqueIDSize:len(data)-1], nul)
	if len(fields) != 3 {
		return d, ErrMalformedPayload
	}
	d.BootloaderVersion = string(fields[0])
	d.FirmwareVersion = string(fields[1])
	d.UserID = string(fields[2])
	return d, nil
}
