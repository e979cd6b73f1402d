// Package protocol implements the bootloader serial framing protocol.
//
// A frame on the wire is
//
//	SYNC | CMD | SIZE | CRC8 | DATA(SIZE) | CRC16
//
// DATA and CRC16 are only present when SIZE > 0. CRC8 covers SYNC, CMD and
// SIZE. CRC16 covers everything from SYNC through the last DATA byte, CRC8
// included, and is sent high byte first.
//
// A byte equal to SYNC appearing anywhere after the opening SYNC is sent
// twice. A lone SYNC always means a frame may be starting.
package protocol

// Version represents the serialboot protocol engine version
const Version = "0.3.0"

// Protocol constants
const (
	Sync   = 0xA6 // Frame delimiter, doubled when it occurs as data
	AckBit = 0x80 // High bit of CMD requests an ACK frame

	HeaderSize    = 4 // SYNC + CMD + SIZE + CRC8
	TrailerSize   = 2 // CRC16
	FrameOverhead = HeaderSize + TrailerSize

	MaxDataSize = 255 // SIZE is a single byte

	crc8Seed  = 0x00
	crc16Seed = 0xFFFF
)

// Port identifies a logical communication channel
type Port uint8

const (
	PortUSB Port = iota
	PortAUX1
	PortAUX2
	PortAUX3
	PortAUX4

	PortCount = 5
)

// String returns the port name
func (p Port) String() string {
	switch p {
	case PortUSB:
		return "usb"
	case PortAUX1:
		return "aux1"
	case PortAUX2:
		return "aux2"
	case PortAUX3:
		return "aux3"
	case PortAUX4:
		return "aux4"
	}
	return "port?"
}

// Valid reports whether p names one of the known ports
func (p Port) Valid() bool {
	return p < PortCount
}
