package protocol

// Command is the 7-bit command id carried in the CMD byte
type Command uint8

// Command ids
const (
	CmdNone                     Command = 0
	CmdACK                      Command = 1
	CmdPing                     Command = 2
	CmdDebugMessage             Command = 3
	CmdGetRunningMode           Command = 4
	CmdPrepareWriteFirmware     Command = 10
	CmdWriteFirmwarePackage     Command = 11
	CmdWriteLastFirmwarePackage Command = 12
	CmdReadFirmwarePackage      Command = 13
	CmdReadLastFirmwarePackage  Command = 14
	CmdNextPackage              Command = 15
	CmdExitBootloader           Command = 16
	CmdGetDeviceInfo            Command = 17

	// CmdReserved can't be sent with the ACK bit: 38|0x80 == Sync
	CmdReserved Command = 38

	// CommandCount is the size of every command lookup table
	CommandCount = 18

	cmdMax Command = 126
)

var commandNames = [CommandCount]string{
	CmdNone:                     "none",
	CmdACK:                      "ack",
	CmdPing:                     "ping",
	CmdDebugMessage:             "debug_message",
	CmdGetRunningMode:           "get_running_mode",
	CmdPrepareWriteFirmware:     "prepare_write_firmware",
	CmdWriteFirmwarePackage:     "write_firmware_package",
	CmdWriteLastFirmwarePackage: "write_last_firmware_package",
	CmdReadFirmwarePackage:      "read_firmware_package",
	CmdReadLastFirmwarePackage:  "read_last_firmware_package",
	CmdNextPackage:              "next_package",
	CmdExitBootloader:           "exit_bootloader",
	CmdGetDeviceInfo:            "get_device_info",
}

// String returns the command name, or cmd_<id> for ids without one
func (c Command) String() string {
	if int(c) < len(commandNames) && commandNames[c] != "" {
		return commandNames[c]
	}
	return "cmd_" + itoa(int(c))
}

// Valid reports whether c may be put on the wire by a generator
func (c Command) Valid() bool {
	return c > CmdNone && c <= cmdMax && c != CmdReserved
}

// Byte returns the CMD byte for c, with the ACK bit set if requested
func (c Command) Byte(ack bool) byte {
	b := byte(c) &^ AckBit
	if ack {
		b |= AckBit
	}
	return b
}

// itoa converts int to string without importing strconv (for embedded)
func itoa(i int) string {
	if i == 0 {
		return "0"
	}
	negative := i < 0
	if negative {
		i = -i
	}
	var buf [20]byte
	pos := len(buf)
	for i > 0 {
		pos--
		buf[pos] = byte('0' + i%10)
		i /= 10
	}
	if negative {
		pos--
		buf[pos] = '-'
	}
	return string(buf[pos:])
}
