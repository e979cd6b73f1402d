package protocol

import "sync/atomic"

// Frame is a fully validated inbound frame. Data aliases the decoder's
// receive buffer and is only valid for the duration of the handler call.
type Frame struct {
	Port         Port
	Command      Command
	AckRequested bool
	Data         []byte
}

// Handler processes a validated frame. It runs synchronously on the
// decoding goroutine and must not block indefinitely.
type Handler func(f *Frame)

// Router resolves command handlers and sends acknowledgements for the
// decoder
type Router interface {
	// Handler returns the handler for cmd, or nil if there is none
	Handler(cmd Command) Handler
	// Ack generates and enqueues an ACK frame on port
	Ack(port Port)
}

// State is the decoder's expected-next-state tag
type State uint8

const (
	StateWaitSync State = iota
	StateRxCmd
	StateRxSize
	StateRxCrc8
	StateRxData
	StateRxCrc16Hi
	StateRxCrc16Lo
	// StateWaitSyncOrEscaped follows a SYNC seen mid-frame: a second SYNC
	// is an escaped data byte, anything else starts a new frame
	StateWaitSyncOrEscaped
)

var stateNames = [...]string{
	StateWaitSync:          "wait_sync",
	StateRxCmd:             "rx_cmd",
	StateRxSize:            "rx_size",
	StateRxCrc8:            "rx_crc8",
	StateRxData:            "rx_data",
	StateRxCrc16Hi:         "rx_crc16_hi",
	StateRxCrc16Lo:         "rx_crc16_lo",
	StateWaitSyncOrEscaped: "wait_sync_or_escaped",
}

func (s State) String() string {
	if int(s) < len(stateNames) {
		return stateNames[s]
	}
	return "state?"
}

// Decoder is the per-port receive state machine. It is fed one byte at a
// time by a single goroutine; only the counters may be read concurrently.
type Decoder struct {
	port   Port
	router Router

	next   State
	resume State // state to resume after an escaped SYNC

	buffer     [MaxDataSize]byte
	dataLength int
	count      int
	crc8       uint8
	crc16      uint16

	ackRequested bool
	command      Command
	handler      Handler
	frame        Frame

	rxSuccess uint32 // atomic
	rxError   uint32 // atomic
}

// NewDecoder creates a decoder for frames arriving on port
func NewDecoder(port Port, router Router) *Decoder {
	return &Decoder{
		port:   port,
		router: router,
		next:   StateWaitSync,
	}
}

// Port returns the port this decoder serves
func (d *Decoder) Port() Port {
	return d.port
}

// State returns the expected-next-state
func (d *Decoder) State() State {
	return d.next
}

// RxSuccess returns the number of frames accepted
func (d *Decoder) RxSuccess() uint32 {
	return atomic.LoadUint32(&d.rxSuccess)
}

// RxError returns the number of frames rejected
func (d *Decoder) RxError() uint32 {
	return atomic.LoadUint32(&d.rxError)
}

// Reset abandons any partial frame. Counters are kept.
func (d *Decoder) Reset() {
	d.next = StateWaitSync
	d.resume = StateWaitSync
	d.handler = nil
}

// Feed consumes one byte from the port
func (d *Decoder) Feed(b byte) {
	if b == Sync && d.next != StateWaitSync &&
		d.next != StateWaitSyncOrEscaped && d.next != StateRxCmd {
		d.resume = d.next
		d.next = StateWaitSyncOrEscaped
		return
	}
	d.step(d.next, b)
}

// FeedBytes feeds every byte of p in order
func (d *Decoder) FeedBytes(p []byte) {
	for _, b := range p {
		d.Feed(b)
	}
}

func (d *Decoder) step(state State, b byte) {
	switch state {
	case StateWaitSync:
		if b == Sync {
			d.begin()
		}
	case StateWaitSyncOrEscaped:
		if b == Sync {
			// escaped SYNC: a literal byte for the interrupted state
			d.next = d.resume
			d.step(d.resume, b)
			return
		}
		d.begin()
		d.rxCmd(b)
	case StateRxCmd:
		d.rxCmd(b)
	case StateRxSize:
		d.crc8 = CRC8Step(b, d.crc8)
		d.crc16 = CRC16Step(b, d.crc16)
		d.dataLength = int(b)
		d.next = StateRxCrc8
	case StateRxCrc8:
		d.rxCrc8(b)
	case StateRxData:
		d.rxData(b)
	case StateRxCrc16Hi:
		if b != uint8(d.crc16>>8) {
			d.fail()
			return
		}
		d.next = StateRxCrc16Lo
	case StateRxCrc16Lo:
		if b != uint8(d.crc16) {
			d.fail()
			return
		}
		d.complete()
	}
}

// begin resets the accumulators as if SYNC had just been received
func (d *Decoder) begin() {
	d.count = 0
	d.dataLength = 0
	d.crc8 = CRC8Step(Sync, crc8Seed)
	d.crc16 = CRC16Step(Sync, crc16Seed)
	d.next = StateRxCmd
}

func (d *Decoder) rxCmd(b byte) {
	if b == Sync {
		// a lone SYNC never reaches here mid-frame, so this one opens a
		// fresh frame
		d.begin()
		return
	}
	id := Command(b &^ AckBit)
	if id == CmdNone {
		d.fail()
		return
	}
	d.crc8 = CRC8Step(b, d.crc8)
	d.crc16 = CRC16Step(b, d.crc16)
	d.command = id
	d.ackRequested = b&AckBit != 0
	d.handler = nil
	if d.router != nil {
		d.handler = d.router.Handler(id)
	}
	d.next = StateRxSize
}

func (d *Decoder) rxCrc8(b byte) {
	if b != d.crc8 {
		d.fail()
		return
	}
	if d.dataLength == 0 {
		d.complete()
		return
	}
	d.crc16 = CRC16Step(b, d.crc16)
	d.next = StateRxData
}

func (d *Decoder) rxData(b byte) {
	if d.count >= len(d.buffer) {
		d.fail()
		return
	}
	d.buffer[d.count] = b
	d.count++
	d.crc16 = CRC16Step(b, d.crc16)
	if d.count >= d.dataLength {
		d.next = StateRxCrc16Hi
	}
}

func (d *Decoder) fail() {
	atomic.AddUint32(&d.rxError, 1)
	d.next = StateWaitSync
	d.handler = nil
}

func (d *Decoder) complete() {
	d.next = StateWaitSync
	atomic.AddUint32(&d.rxSuccess, 1)

	if d.handler != nil {
		d.frame = Frame{
			Port:         d.port,
			Command:      d.command,
			AckRequested: d.ackRequested,
			Data:         d.buffer[:d.count],
		}
		h := d.handler
		d.handler = nil
		h(&d.frame)
	}

	if d.ackRequested && d.router != nil {
		d.router.Ack(d.port)
	}
}
