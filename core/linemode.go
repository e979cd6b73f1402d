package core

import "sync"

// LineBufferSize is the longest command line accepted in line mode
const LineBufferSize = 32

// LineFunc produces the reply for a line command. line is the full command
// line without the newline.
type LineFunc func(line string) string

type lineCommand struct {
	name string
	fn   LineFunc
}

// LineCommands is the ordered set of commands understood in line mode.
// A line matches the first command it starts with.
type LineCommands struct {
	mu   sync.RWMutex
	cmds []lineCommand
}

func reply(s string) LineFunc {
	return func(string) string { return s }
}

// DefaultLineCommands returns the stock HELP/INFO/WRITE/ERASE/USERAPP set
func DefaultLineCommands() *LineCommands {
	return &LineCommands{cmds: []lineCommand{
		{"HELP", reply("Help!\n")},
		{"INFO", reply("Info!\n")},
		{"WRITE", reply("Write!\n")},
		{"ERASE", reply("Erase!\n")},
		{"USERAPP", reply("User app!\n")},
	}}
}

// Set replaces the reply function of name, or appends a new command
func (c *LineCommands) Set(name string, fn LineFunc) {
	c.mu.Lock()
	defer c.mu.Unlock()
	for i := range c.cmds {
		if c.cmds[i].name == name {
			c.cmds[i].fn = fn
			return
		}
	}
	c.cmds = append(c.cmds, lineCommand{name, fn})
}

// Lookup returns the reply for line
func (c *LineCommands) Lookup(line string) string {
	c.mu.RLock()
	defer c.mu.RUnlock()
	for _, cmd := range c.cmds {
		if len(line) >= len(cmd.name) && line[:len(cmd.name)] == cmd.name {
			return cmd.fn(line)
		}
	}
	return "Unknown command!\n"
}

// LineParser assembles printable ASCII bytes into command lines. It is the
// alternative to the binary decoder and never sees framed traffic.
type LineParser struct {
	commands *LineCommands
	send     func([]byte)

	buf [LineBufferSize]byte
	pos int
}

// NewLineParser creates a parser answering through send
func NewLineParser(commands *LineCommands, send func([]byte)) *LineParser {
	return &LineParser{commands: commands, send: send}
}

// Printable reports whether b passes the line mode input filter
func Printable(b byte) bool {
	return (b >= 0x20 || b == '\n') && b <= 0x7E
}

// Feed consumes one input byte
func (p *LineParser) Feed(b byte) {
	if !Printable(b) {
		return
	}

	switch {
	case b != '\n' && p.pos < LineBufferSize:
		p.buf[p.pos] = b
		p.pos++
	case b == '\n' && p.pos > 0:
		line := string(p.buf[:p.pos])
		p.pos = 0
		p.send([]byte(p.commands.Lookup(line)))
	case b != '\n':
		p.pos = 0
		p.send([]byte("Command buffer overrun!\n"))
	default:
		p.pos = 0
		p.send([]byte("Unknown error!\n"))
	}
}

// Reset drops any partially received command
func (p *LineParser) Reset() {
	p.pos = 0
}

// Pending returns the number of buffered command bytes
func (p *LineParser) Pending() int {
	return p.pos
}
