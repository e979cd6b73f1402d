package protocol

// frameBuilder tracks the frame checksums while bytes go through the
// escape-aware writer. The checksums cover the unescaped bytes.
type frameBuilder struct {
	w     FrameWriter
	crc8  uint8
	crc16 uint16
}

// start opens a frame at the committed head of buf
func (b *frameBuilder) start(buf *CircularBuffer) {
	b.w = buf.Writer()
	b.w.WriteSync()
	b.crc8 = CRC8Step(Sync, crc8Seed)
	b.crc16 = CRC16Step(Sync, crc16Seed)
}

// header writes CMD, SIZE and CRC8
func (b *frameBuilder) header(cmd byte, size uint8) {
	b.w.WriteByte(cmd)
	b.crc8 = CRC8Step(cmd, b.crc8)
	b.crc16 = CRC16Step(cmd, b.crc16)

	b.w.WriteByte(size)
	b.crc8 = CRC8Step(size, b.crc8)
	b.crc16 = CRC16Step(size, b.crc16)

	b.w.WriteByte(b.crc8)
	b.crc16 = CRC16Step(b.crc8, b.crc16)
}

func (b *frameBuilder) data(p []byte) {
	for _, d := range p {
		b.w.WriteByte(d)
		b.crc16 = CRC16Step(d, b.crc16)
	}
}

func (b *frameBuilder) trailer() {
	b.w.WriteByte(uint8(b.crc16 >> 8))
	b.w.WriteByte(uint8(b.crc16))
}

func checkCommand(cmd Command) error {
	if !cmd.Valid() {
		return ErrInvalidCommand
	}
	return nil
}

// GenerateHeaderOnly writes a frame with no DATA (ACK, Ping) into buf.
// The caller must hold the buffer's claim.
func GenerateHeaderOnly(buf *CircularBuffer, cmd Command) error {
	if err := checkCommand(cmd); err != nil {
		return err
	}
	if buf.SpaceLeft() < FrameOverhead {
		return ErrNoSpace
	}

	var b frameBuilder
	b.start(buf)
	b.header(cmd.Byte(false), 0)
	return b.w.Commit()
}

// GenerateGeneric writes a frame carrying data into buf. The caller must
// hold the buffer's claim. An empty payload produces a header-only frame.
func GenerateGeneric(buf *CircularBuffer, cmd Command, data []byte) error {
	return GenerateSegments(buf, cmd, false, data)
}

// GenerateSegments writes a frame whose DATA is the concatenation of
// segments. The caller must hold the buffer's claim.
//
// Free space is checked up front for the frame without escapes. Doubled
// SYNC bytes may still overflow the ring late; the frame is then dropped
// and nothing is committed.
func GenerateSegments(buf *CircularBuffer, cmd Command, ack bool, segments ...[]byte) error {
	if err := checkCommand(cmd); err != nil {
		return err
	}

	size := 0
	for _, s := range segments {
		size += len(s)
	}
	if size > MaxDataSize {
		return ErrPayloadTooLarge
	}
	if buf.SpaceLeft() < size+FrameOverhead {
		return ErrNoSpace
	}

	var b frameBuilder
	b.start(buf)
	b.header(cmd.Byte(ack), uint8(size))
	if size == 0 {
		return b.w.Commit()
	}
	for _, s := range segments {
		b.data(s)
	}
	b.trailer()
	return b.w.Commit()
}

// EncodeFrame returns the wire bytes of a single frame
func EncodeFrame(cmd Command, ack bool, data []byte) ([]byte, error) {
	// worst case: every byte after SYNC doubled
	buf := NewCircularBuffer(2*(len(data)+FrameOverhead) + 1)
	buf.Claim()
	err := GenerateSegments(buf, cmd, ack, data)
	buf.Release()
	if err != nil {
		return nil, err
	}
	out := make([]byte, 0, buf.Available())
	for !buf.IsEmpty() {
		run := buf.Readable()
		out = append(out, run...)
		buf.Consume(len(run))
	}
	return out, nil
}
