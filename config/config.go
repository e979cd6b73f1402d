package config

import (
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"time"

	"serialboot/core"
	"serialboot/protocol"
)

// ErrInvalidConfig wraps every validation failure
var ErrInvalidConfig = errors.New("invalid config")

// minBufferSize fits one maximal frame; a ring keeps one slot free
const minBufferSize = protocol.MaxDataSize + protocol.FrameOverhead + 1

// PortConfig enables one logical port
type PortConfig struct {
	Name       string `json:"name"`        // usb, aux1..aux4
	BufferSize int    `json:"buffer_size"` // transmit ring size, 0 = global default
}

// FlashConfig locates the application area
type FlashConfig struct {
	Layout      string `json:"layout"` // "stm32f405" or "uniform"
	Base        uint32 `json:"base"`   // uniform only
	SectorSize  uint32 `json:"sector_size"`
	SectorCount int    `json:"sector_count"`
	BaseSector  int    `json:"base_sector"` // first application sector
}

// BootConfig is the complete bootloader configuration
type BootConfig struct {
	Mode             string       `json:"mode"` // "binary" or "line"
	Ports            []PortConfig `json:"ports"`
	BufferSize       int          `json:"buffer_size"`
	ReceiveTimeoutMs int          `json:"receive_timeout_ms"`
	SendTimeoutMs    int          `json:"send_timeout_ms"`

	BootloaderVersion string `json:"bootloader_version"`
	FirmwareVersion   string `json:"firmware_version"`
	UserID            string `json:"user_id"`

	Flash FlashConfig `json:"flash"`
}

// LoadConfig parses a JSON configuration and returns a BootConfig
func LoadConfig(jsonData []byte) (*BootConfig, error) {
	var config BootConfig

	err := json.Unmarshal(jsonData, &config)
	if err != nil {
		return nil, err
	}

	// Apply defaults
	applyDefaults(&config)

	if err := config.Validate(); err != nil {
		return nil, err
	}
	return &config, nil
}

// LoadFile reads and parses a JSON configuration file
func LoadFile(path string) (*BootConfig, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("failed to read config: %w", err)
	}
	return LoadConfig(data)
}

// applyDefaults fills in missing configuration values with sensible defaults
func applyDefaults(config *BootConfig) {
	if config.Mode == "" {
		config.Mode = "binary"
	}
	if len(config.Ports) == 0 {
		config.Ports = []PortConfig{{Name: "usb"}}
	}
	if config.BufferSize == 0 {
		config.BufferSize = core.DefaultBufferSize
	}
	if config.ReceiveTimeoutMs == 0 {
		config.ReceiveTimeoutMs = int(core.DefaultReceiveTimeout / time.Millisecond)
	}
	if config.SendTimeoutMs == 0 {
		config.SendTimeoutMs = int(core.DefaultSendTimeout / time.Millisecond)
	}
	if config.BootloaderVersion == "" {
		config.BootloaderVersion = protocol.Version
	}

	if config.Flash.Layout == "" {
		config.Flash.Layout = "stm32f405"
	}
	if config.Flash.Layout == "stm32f405" && config.Flash.BaseSector == 0 {
		// sectors 0 and 1 hold the bootloader
		config.Flash.BaseSector = 2
	}
	if config.Flash.Layout == "uniform" {
		if config.Flash.SectorSize == 0 {
			config.Flash.SectorSize = 4096
		}
	}
}

// DefaultConfig returns the configuration used when none is given
func DefaultConfig() *BootConfig {
	config := &BootConfig{}
	applyDefaults(config)
	return config
}

// Validate checks values that have no sensible default
func (c *BootConfig) Validate() error {
	if _, err := c.ParseMode(); err != nil {
		return err
	}
	if _, err := c.PortIDs(); err != nil {
		return err
	}
	layout, err := c.Layout()
	if err != nil {
		return err
	}
	if c.Flash.BaseSector < 0 || c.Flash.BaseSector >= len(layout.Sizes) {
		return fmt.Errorf("%w: base sector %d outside %d sectors", ErrInvalidConfig, c.Flash.BaseSector, len(layout.Sizes))
	}
	if c.BufferSize < minBufferSize {
		return fmt.Errorf("%w: buffer size %d can't hold a full frame", ErrInvalidConfig, c.BufferSize)
	}
	for _, pc := range c.Ports {
		if pc.BufferSize != 0 && pc.BufferSize < minBufferSize {
			return fmt.Errorf("%w: %s buffer size %d can't hold a full frame", ErrInvalidConfig, pc.Name, pc.BufferSize)
		}
	}
	return nil
}

// ParseMode returns the receive mode
func (c *BootConfig) ParseMode() (core.Mode, error) {
	switch c.Mode {
	case "binary":
		return core.ModeBinary, nil
	case "line":
		return core.ModeLine, nil
	}
	return 0, fmt.Errorf("%w: unknown mode %q", ErrInvalidConfig, c.Mode)
}

// ParsePort maps a port name to its id
func ParsePort(name string) (protocol.Port, error) {
	for p := protocol.Port(0); p < protocol.PortCount; p++ {
		if p.String() == name {
			return p, nil
		}
	}
	return 0, fmt.Errorf("%w: unknown port %q", ErrInvalidConfig, name)
}

// PortIDs returns the configured ports in order
func (c *BootConfig) PortIDs() ([]protocol.Port, error) {
	seen := make(map[protocol.Port]bool)
	ports := make([]protocol.Port, 0, len(c.Ports))
	for _, pc := range c.Ports {
		p, err := ParsePort(pc.Name)
		if err != nil {
			return nil, err
		}
		if seen[p] {
			return nil, fmt.Errorf("%w: port %s listed twice", ErrInvalidConfig, pc.Name)
		}
		seen[p] = true
		ports = append(ports, p)
	}
	return ports, nil
}

// Layout returns the flash sector layout
func (c *BootConfig) Layout() (core.SectorLayout, error) {
	switch c.Flash.Layout {
	case "stm32f405":
		return core.STM32F405Layout, nil
	case "uniform":
		if c.Flash.SectorCount <= 0 {
			return core.SectorLayout{}, fmt.Errorf("%w: uniform layout needs sector_count", ErrInvalidConfig)
		}
		return core.UniformLayout(c.Flash.Base, c.Flash.SectorSize, c.Flash.SectorCount), nil
	}
	return core.SectorLayout{}, fmt.Errorf("%w: unknown flash layout %q", ErrInvalidConfig, c.Flash.Layout)
}

// ManagerConfig returns the port manager settings
func (c *BootConfig) ManagerConfig() core.ManagerConfig {
	mode, _ := c.ParseMode()
	return core.ManagerConfig{
		Mode:           mode,
		BufferSize:     c.BufferSize,
		ReceiveTimeout: time.Duration(c.ReceiveTimeoutMs) * time.Millisecond,
		SendTimeout:    time.Duration(c.SendTimeoutMs) * time.Millisecond,
	}
}

// BootloaderConfig returns the command set settings for a device with the
// given unique id
func (c *BootConfig) BootloaderConfig(uniqueID [protocol.UniqueIDSize]byte, onExit func()) core.BootloaderConfig {
	layout, _ := c.Layout()
	return core.BootloaderConfig{
		Info: protocol.DeviceInfo{
			UniqueID:          uniqueID,
			BootloaderVersion: c.BootloaderVersion,
			FirmwareVersion:   c.FirmwareVersion,
			UserID:            c.UserID,
		},
		Layout:     layout,
		BaseSector: c.Flash.BaseSector,
		OnExit:     onExit,
	}
}

// Apply configures every port on m, taking links from open
func (c *BootConfig) Apply(m *core.SerialManager, open func(protocol.Port) (protocol.Link, error)) error {
	for _, pc := range c.Ports {
		p, err := ParsePort(pc.Name)
		if err != nil {
			return err
		}
		link, err := open(p)
		if err != nil {
			return fmt.Errorf("failed to open %s: %w", pc.Name, err)
		}
		if err := m.AddPort(p, link, pc.BufferSize); err != nil {
			return fmt.Errorf("failed to add %s: %w", pc.Name, err)
		}
	}
	return nil
}
