package core

import (
	"sync"

	"serialboot/protocol"
)

// Generator builds one outbound frame for a command into buf. The caller
// holds the buffer's claim for the whole call.
type Generator func(buf *protocol.CircularBuffer) error

// CommandTable maps command ids to decode handlers and frame generators.
// Both arrays have protocol.CommandCount entries; every lookup goes through
// Handler or Generator, which reject ids outside that range.
type CommandTable struct {
	mu         sync.RWMutex
	handlers   [protocol.CommandCount]protocol.Handler
	generators [protocol.CommandCount]Generator
}

// NewCommandTable creates an empty table
func NewCommandTable() *CommandTable {
	return &CommandTable{}
}

func inTable(cmd protocol.Command) bool {
	return cmd != protocol.CmdNone && int(cmd) < protocol.CommandCount
}

// RegisterHandler installs the decode handler for cmd. It returns false if
// cmd has no slot in the table.
func (t *CommandTable) RegisterHandler(cmd protocol.Command, h protocol.Handler) bool {
	if !inTable(cmd) {
		return false
	}
	t.mu.Lock()
	defer t.mu.Unlock()
	t.handlers[cmd] = h
	return true
}

// RegisterGenerator installs the generator for cmd. Reserved ids are refused
// since their command byte would collide with SYNC.
func (t *CommandTable) RegisterGenerator(cmd protocol.Command, g Generator) bool {
	if !inTable(cmd) || !cmd.Valid() {
		return false
	}
	t.mu.Lock()
	defer t.mu.Unlock()
	t.generators[cmd] = g
	return true
}

// Handler returns the decode handler for cmd, or nil
func (t *CommandTable) Handler(cmd protocol.Command) protocol.Handler {
	if !inTable(cmd) {
		return nil
	}
	t.mu.RLock()
	defer t.mu.RUnlock()
	return t.handlers[cmd]
}

// Generator returns the generator for cmd, or nil
func (t *CommandTable) Generator(cmd protocol.Command) Generator {
	if !inTable(cmd) {
		return nil
	}
	t.mu.RLock()
	defer t.mu.RUnlock()
	return t.generators[cmd]
}

// Commands lists the ids with a handler or generator, in id order
func (t *CommandTable) Commands() []protocol.Command {
	t.mu.RLock()
	defer t.mu.RUnlock()

	var cmds []protocol.Command
	for i := 1; i < protocol.CommandCount; i++ {
		if t.handlers[i] != nil || t.generators[i] != nil {
			cmds = append(cmds, protocol.Command(i))
		}
	}
	return cmds
}

// HeaderOnly returns a generator for a frame without DATA
func HeaderOnly(cmd protocol.Command) Generator {
	return func(buf *protocol.CircularBuffer) error {
		return protocol.GenerateHeaderOnly(buf, cmd)
	}
}

// Fixed returns a generator for a frame with a constant payload
func Fixed(cmd protocol.Command, data []byte) Generator {
	return func(buf *protocol.CircularBuffer) error {
		return protocol.GenerateGeneric(buf, cmd, data)
	}
}
