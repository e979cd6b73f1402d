//go:build rp2040

package pio

// Transmit-only UART on a PIO state machine, used as the debug console
// so both hardware UARTs stay free for AUX ports.

import (
	"machine"
	"time"

	rp2pio "github.com/tinygo-org/pio/rp2-pio"
)

// buildUartTxProgram creates the 8N1 transmit program using AssemblerV0.
// Every bit lasts 8 PIO cycles.
//
// Program flow:
//  1. Pull a byte from the FIFO (stop bit of the previous byte is the idle level)
//  2. Drive the start bit
//  3. Shift out 8 data bits, LSB first
//  4. Drive the stop bit
func buildUartTxProgram() []uint16 {
	asm := rp2pio.AssemblerV0{SidesetBits: 0}
	return []uint16{
		// .wrap_target
		asm.Pull(false, true).Encode(),                   // 0: pull block
		asm.Set(rp2pio.SetDestPins, 0).Delay(6).Encode(), // 1: set pins, 0 [6] (start bit)
		asm.Set(rp2pio.SetDestX, 7).Encode(),             // 2: set x, 7
		// bitloop:
		asm.Out(rp2pio.OutDestPins, 1).Encode(),           // 3: out pins, 1
		asm.Jmp(3, rp2pio.JmpXNZeroDec).Delay(6).Encode(), // 4: jmp x--, 3 [6]
		asm.Set(rp2pio.SetDestPins, 1).Delay(7).Encode(),  // 5: set pins, 1 [7] (stop bit)
		// .wrap
	}
}

const uartTxOrigin = 0 // Load at offset 0 for correct jump addresses

// UartTx drives one pin as a UART transmitter
type UartTx struct {
	pio    *rp2pio.PIO
	sm     rp2pio.StateMachine
	pin    machine.Pin
	pioNum uint8
	smNum  uint8
}

// NewUartTx claims a free state machine and starts transmitting on pin
func NewUartTx(pin machine.Pin, baud uint32) (*UartTx, error) {
	pioNum, smNum, ok := allocatePIO()
	if !ok {
		return nil, ErrNoStateMachine
	}

	pioHW := rp2pio.PIO0
	if pioNum == 1 {
		pioHW = rp2pio.PIO1
	}
	u := &UartTx{
		pio:    pioHW,
		sm:     pioHW.StateMachine(smNum),
		pin:    pin,
		pioNum: pioNum,
		smNum:  smNum,
	}
	if err := u.init(baud); err != nil {
		releasePIO(pioNum, smNum)
		return nil, err
	}
	return u, nil
}

func (u *UartTx) init(baud uint32) error {
	// Claim the state machine first
	u.sm.TryClaim()

	program := buildUartTxProgram()
	offset, err := u.pio.AddProgram(program, uartTxOrigin)
	if err != nil {
		return err
	}

	u.pin.Configure(machine.PinConfig{Mode: u.pio.PinMode()})

	cfg := rp2pio.DefaultStateMachineConfig()
	cfg.SetSetPins(u.pin, 1)
	cfg.SetOutPins(u.pin, 1)

	// LSB first, explicit PULL
	cfg.SetOutShift(true, false, 32)
	cfg.SetWrap(offset+uint8(len(program))-1, offset)

	// 8 cycles per bit
	div := machine.CPUFrequency() / (8 * baud)
	cfg.SetClkDivIntFrac(uint16(div), 0)

	// Init before pin directions
	u.sm.Init(offset, cfg)
	u.sm.SetPindirsConsecutive(u.pin, 1, true)
	u.sm.SetPinsConsecutive(u.pin, 1, true) // idle high

	u.sm.SetEnabled(true)
	return nil
}

// WriteByte queues one byte, waiting for FIFO space
func (u *UartTx) WriteByte(b byte) error {
	for u.sm.IsTxFIFOFull() {
		// Busy wait, a byte drains in 10 bit times
	}
	u.sm.TxPut(uint32(b))
	return nil
}

// Write implements io.Writer
func (u *UartTx) Write(p []byte) (int, error) {
	for _, b := range p {
		u.WriteByte(b)
	}
	return len(p), nil
}

// Flush waits until the FIFO is empty
func (u *UartTx) Flush(timeout time.Duration) bool {
	deadline := time.Now().Add(timeout)
	for !u.sm.IsTxFIFOEmpty() {
		if time.Now().After(deadline) {
			return false
		}
		time.Sleep(100 * time.Microsecond)
	}
	return true
}

// Close stops the state machine and frees it
func (u *UartTx) Close() {
	u.sm.SetEnabled(false)
	u.sm.ClearFIFOs()
	u.sm.Unclaim()
	releasePIO(u.pioNum, u.smNum)
}
