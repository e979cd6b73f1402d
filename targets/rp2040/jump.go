//go:build rp2040

package main

import (
	"device/arm"
	"machine"
	"runtime/volatile"
	"unsafe"
)

// RP2040 watchdog scratch register survives a watchdog reset
const (
	watchdogBase     = 0x40058000
	watchdogSCRATCH0 = watchdogBase + 0x0C
	scbVTOR          = 0xE000ED08

	// Stored in SCRATCH0 when the next boot should start the application
	appMagic = 0xB007A550
)

var (
	scratch0 = (*volatile.Register32)(unsafe.Pointer(uintptr(watchdogSCRATCH0)))
	vtor     = (*volatile.Register32)(unsafe.Pointer(uintptr(scbVTOR)))
)

// appRequested reports, and clears, a request left by the previous boot
func appRequested() bool {
	if scratch0.Get() != appMagic {
		return false
	}
	scratch0.Set(0)
	return true
}

// resetIntoApp marks the request and resets through the watchdog, so the
// application starts with USB and clocks in their reset state
func resetIntoApp() {
	scratch0.Set(appMagic)
	resetChip()
}

// resetChip uses a watchdog reset instead of ARM SYSRESETREQ
// This is more reliable on RP2040 and handles USB re-enumeration better
func resetChip() {
	machine.Watchdog.Configure(machine.WatchdogConfig{TimeoutMillis: 1})
	machine.Watchdog.Start()
	for {
		arm.Asm("wfi")
	}
}

// jumpToApp starts the image whose vector table is at base
func jumpToApp(base uint32) {
	sp := *(*uint32)(unsafe.Pointer(uintptr(base)))
	pc := *(*uint32)(unsafe.Pointer(uintptr(base + 4)))
	if sp == 0xFFFFFFFF || pc == 0xFFFFFFFF {
		// erased, stay in the bootloader
		return
	}

	arm.DisableInterrupts()
	vtor.Set(base)
	arm.AsmFull(`
		msr msp, {sp}
		bx {pc}
	`, map[string]interface{}{
		"sp": sp,
		"pc": pc,
	})
}
