//go:build rp2040

package main

import (
	"context"
	"machine"
	"time"

	"serialboot/core"
	"serialboot/protocol"
	"serialboot/targets/pio"
)

var (
	// Set when the host sends ExitBootloader
	exitRequested bool
)

func main() {
	// Disable watchdog on boot to clear any previous state
	machine.Watchdog.Configure(machine.WatchdogConfig{TimeoutMillis: 0})

	internal := InternalFlash()
	appBase := internal.Layout().Base

	// A previous boot asked for the application
	if appRequested() {
		jumpToApp(appBase)
		// fall through if the area is erased
	}

	cfg := GetBoardConfig()
	fl := internal
	if cfg.ExternalFlash {
		ext, err := ExternalFlash(defaultSPIFlash)
		if err != nil {
			blinkForever(100 * time.Millisecond)
		}
		fl = ext
	}

	m := core.NewSerialManager(core.ManagerConfig{Mode: cfg.Mode}, nil)

	var console *pio.UartTx
	var sys *core.System
	sys = core.NewSystem(
		core.Module{
			Name: "debug",
			Init: func() error {
				if cfg.DebugPin == machine.NoPin {
					return nil
				}
				var err error
				console, err = pio.NewUartTx(cfg.DebugPin, cfg.DebugBaud)
				if err != nil {
					return err
				}
				core.SetDebugWriter(func(msg string) {
					console.Write([]byte(msg))
					console.Write([]byte("\r\n"))
				})
				core.InitAsyncDebug()
				return nil
			},
			Deinit: func() {
				if console != nil {
					console.Flush(10 * time.Millisecond)
					core.SetDebugEnabled(false)
					console.Close()
				}
			},
		},
		core.Module{
			Name: "usb",
			Init: func() error {
				return m.AddPort(protocol.PortUSB, InitUSB(), 0)
			},
		},
		core.Module{
			Name: "aux",
			Init: func() error {
				for _, aux := range cfg.Aux {
					link, err := InitUART(aux.uart, aux.tx, aux.rx, aux.baud)
					if err != nil {
						return err
					}
					if err := m.AddPort(aux.port, link, 0); err != nil {
						return err
					}
				}
				return nil
			},
		},
	)

	var uid [protocol.UniqueIDSize]byte
	copy(uid[:], machine.DeviceID())

	boot := core.NewBootloader(m, fl, core.BootloaderConfig{
		Info: protocol.DeviceInfo{
			UniqueID:          uid,
			BootloaderVersion: protocol.Version,
			FirmwareVersion:   cfg.FirmwareVersion,
			UserID:            cfg.UserID,
		},
		Layout:     fl.Layout(),
		BaseSector: 0,
		OnExit: func() {
			// The ACK is generated after this returns, so only flag it
			exitRequested = sys.RequestShutdown(core.ShutdownKey)
		},
	})

	if err := sys.Init(); err != nil {
		blinkForever(100 * time.Millisecond)
	}
	core.DebugPrintln("[BOOT] serialboot " + protocol.Version + " mode " + m.Mode().String())
	core.DebugPrintln("[BOOT] app area " + core.Hex32(boot.AppBase()))

	ctx := context.Background()
	sys.Go(ctx, "serial", m.Run)

	led := machine.LED
	led.Configure(machine.PinConfig{Mode: machine.PinOutput})
	for !sys.ShutdownRequested() {
		led.Set(!led.Get())
		time.Sleep(250 * time.Millisecond)
	}
	led.Low()

	// Let the ACK reach the host before the ports go away
	flushCtx, cancel := context.WithTimeout(ctx, 100*time.Millisecond)
	m.Flush(flushCtx)
	cancel()

	deinitCtx, cancel := context.WithTimeout(ctx, 500*time.Millisecond)
	sys.Deinit(deinitCtx)
	cancel()

	if cfg.ExternalFlash || !exitRequested {
		resetChip()
	}
	resetIntoApp()
}

// blinkForever flashes the LED to report a fatal error
func blinkForever(period time.Duration) {
	led := machine.LED
	led.Configure(machine.PinConfig{Mode: machine.PinOutput})
	for {
		led.High()
		time.Sleep(period)
		led.Low()
		time.Sleep(period)
	}
}
