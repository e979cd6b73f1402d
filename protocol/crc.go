package protocol

import (
	"github.com/sigurn/crc16"
	"github.com/sigurn/crc8"
)

var (
	crc8Table  = crc8.MakeTable(crc8.CRC8)
	crc16Table = crc16.MakeTable(crc16.CRC16_CCITT_FALSE)
)

// CRC8Step folds one byte into a running CRC-8 (poly 0x07) accumulator
func CRC8Step(b byte, acc uint8) uint8 {
	return crc8.Update(acc, []byte{b}, crc8Table)
}

// CRC16Step folds one byte into a running CRC-16/CCITT accumulator
func CRC16Step(b byte, acc uint16) uint16 {
	return crc16.Update(acc, []byte{b}, crc16Table)
}

// CRC8 computes the header checksum of data starting from 0x00
func CRC8(data []byte) uint8 {
	return crc8.Update(crc8Seed, data, crc8Table)
}

// CRC16 computes the frame checksum of data starting from 0xFFFF
func CRC16(data []byte) uint16 {
	return crc16.Update(crc16Seed, data, crc16Table)
}
