//go:build rp2040

package main

import (
	"machine"

	"tinygo.org/x/drivers/flash"

	"serialboot/core"
)

// InternalFlash maps the program flash after the bootloader image. TinyGo
// starts the data area on the first erase block past the binary.
func InternalFlash() *core.BlockFlash {
	block := machine.Flash.EraseBlockSize()
	start := uint32(machine.FlashDataStart())
	count := int((machine.FlashDataEnd() - machine.FlashDataStart()) / uintptr(block))
	return core.NewBlockFlash(machine.Flash, start, uint32(block), count)
}

// spiFlashConfig wires an external SPI NOR chip
type spiFlashConfig struct {
	spi  *machine.SPI
	sck  machine.Pin
	sdo  machine.Pin
	sdi  machine.Pin
	cs   machine.Pin
	base uint32 // address the chip is presented at
}

// Matches the spi1a pinout with chip select on GPIO9
var defaultSPIFlash = spiFlashConfig{
	spi:  machine.SPI1,
	sck:  machine.GPIO10,
	sdo:  machine.GPIO11,
	sdi:  machine.GPIO8,
	cs:   machine.GPIO9,
	base: 0x90000000,
}

// ExternalFlash brings up an SPI NOR chip for staged images
func ExternalFlash(cfg spiFlashConfig) (*core.BlockFlash, error) {
	dev := flash.NewSPI(cfg.spi, cfg.sdo, cfg.sdi, cfg.sck, cfg.cs)
	if err := dev.Configure(&flash.DeviceConfig{Identifier: flash.DefaultDeviceIdentifier}); err != nil {
		return nil, err
	}
	block := dev.EraseBlockSize()
	return core.NewBlockFlash(dev, cfg.base, uint32(block), int(dev.Size()/block)), nil
}
