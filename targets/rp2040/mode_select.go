//go:build rp2040

package main

import (
	"machine"

	"serialboot/core"
	"serialboot/protocol"
)

// auxConfig wires one AUX port to a hardware UART
type auxConfig struct {
	port protocol.Port
	uart *machine.UART
	tx   machine.Pin
	rx   machine.Pin
	baud uint32
}

// BoardConfig determines how the bootloader talks and where images go
type BoardConfig struct {
	// ModeBinary for the framed protocol, ModeLine for a terminal
	Mode core.Mode

	// Extra ports next to USB
	Aux []auxConfig

	// Debug console on a PIO transmitter, NoPin to disable
	DebugPin  machine.Pin
	DebugBaud uint32

	// Stage images in external SPI flash instead of program flash.
	// The bootloader then resets instead of starting the image.
	ExternalFlash bool

	FirmwareVersion string
	UserID          string
}

// GetBoardConfig returns the current board configuration
// This can be modified at compile time
func GetBoardConfig() BoardConfig {
	return BoardConfig{
		Mode: core.ModeBinary,
		Aux: []auxConfig{
			{port: protocol.PortAUX1, uart: machine.UART0, tx: machine.GPIO0, rx: machine.GPIO1, baud: 115200},
			{port: protocol.PortAUX2, uart: machine.UART1, tx: machine.GPIO4, rx: machine.GPIO5, baud: 115200},
		},
		DebugPin:  machine.GPIO16,
		DebugBaud: 115200,
	}
}
