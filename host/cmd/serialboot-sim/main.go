// serialboot-sim runs the bootloader against simulated flash, with each
// configured port served over TCP.
package main

import (
	"context"
	"encoding/hex"
	"flag"
	"fmt"
	"net"
	"os"
	"os/signal"
	"strconv"
	"time"

	"github.com/denisbrodbeck/machineid"
	"github.com/golang/glog"

	"serialboot/config"
	"serialboot/core"
	"serialboot/host/serial"
	"serialboot/protocol"
)

var (
	listen     = flag.String("listen", "127.0.0.1:5500", "Address of the first port, later ports use the following TCP ports")
	configPath = flag.String("config", "", "JSON config file (defaults if empty)")
	imagePath  = flag.String("image", "", "Preload the application area from this file")
	outPath    = flag.String("out", "", "Write the application area to this file on exit")
)

const appID = "serialboot-sim"

// uniqueID derives a stable device id from the host machine id
func uniqueID() [protocol.UniqueIDSize]byte {
	var uid [protocol.UniqueIDSize]byte
	id, err := machineid.ProtectedID(appID)
	if err != nil {
		glog.Warningf("machine id unavailable, using zero uid: %v", err)
		return uid
	}
	raw, err := hex.DecodeString(id)
	if err != nil {
		glog.Warningf("bad machine id %q: %v", id, err)
		return uid
	}
	copy(uid[:], raw)
	return uid
}

// portAddr returns the listen address for the i-th configured port
func portAddr(base string, i int) (string, error) {
	host, port, err := net.SplitHostPort(base)
	if err != nil {
		return "", err
	}
	n, err := strconv.Atoi(port)
	if err != nil {
		return "", fmt.Errorf("bad port %q: %w", port, err)
	}
	return net.JoinHostPort(host, strconv.Itoa(n+i)), nil
}

// preload programs image at the start of the application area
func preload(flash core.Flash, layout core.SectorLayout, baseSector int, image []byte) error {
	if err := flash.EraseFrom(baseSector, uint32(len(image))); err != nil {
		return err
	}
	base := layout.SectorAddress(baseSector)
	for i := 0; i < len(image); i += 4 {
		word := [4]byte{0xFF, 0xFF, 0xFF, 0xFF}
		copy(word[:], image[i:])
		value := uint32(word[0]) | uint32(word[1])<<8 | uint32(word[2])<<16 | uint32(word[3])<<24
		if err := flash.ProgramWord(base+uint32(i), value); err != nil {
			return err
		}
	}
	return nil
}

func main() {
	flag.Parse()
	defer glog.Flush()

	cfg := config.DefaultConfig()
	if *configPath != "" {
		var err error
		if cfg, err = config.LoadFile(*configPath); err != nil {
			glog.Exit(err)
		}
	}
	layout, err := cfg.Layout()
	if err != nil {
		glog.Exit(err)
	}

	core.SetDebugWriter(func(msg string) { glog.Info(msg) })
	core.InitAsyncDebug()

	flash := core.NewMemFlash(layout)
	if *imagePath != "" {
		image, err := os.ReadFile(*imagePath)
		if err != nil {
			glog.Exit(err)
		}
		if err := preload(flash, layout, cfg.Flash.BaseSector, image); err != nil {
			glog.Exitf("preload %s: %v", *imagePath, err)
		}
		glog.Infof("Preloaded %d bytes", len(image))
	}

	// installed before any port exists so an early interrupt still
	// takes the orderly path below
	sig := make(chan os.Signal, 1)
	signal.Notify(sig, os.Interrupt)

	ports, err := cfg.PortIDs()
	if err != nil {
		glog.Exit(err)
	}
	listeners := make(map[protocol.Port]net.Listener, len(ports))
	links := make(map[protocol.Port]*serial.ListenLink, len(ports))

	m := core.NewSerialManager(cfg.ManagerConfig(), nil)
	exit := make(chan struct{}, 1)
	var sys *core.System
	boot := core.NewBootloader(m, flash, cfg.BootloaderConfig(uniqueID(), func() {
		// the ACK still has to go out, so only flag the exit here
		if sys.RequestShutdown(core.ShutdownKey) {
			select {
			case exit <- struct{}{}:
			default:
			}
		}
	}))

	sys = core.NewSystem(
		core.Module{
			Name: "listeners",
			Init: func() error {
				for i, p := range ports {
					addr, err := portAddr(*listen, i)
					if err != nil {
						return err
					}
					ln, err := net.Listen("tcp", addr)
					if err != nil {
						return err
					}
					listeners[p] = ln
					link := serial.NewListenLink(ln)
					port := p
					link.OnConnect = func(addr net.Addr) {
						glog.Infof("%s connected from %s", port, addr)
					}
					links[p] = link
					glog.Infof("%s on tcp://%s", p, ln.Addr())
				}
				return nil
			},
			Deinit: func() {
				for _, ln := range listeners {
					ln.Close()
				}
			},
		},
		core.Module{
			Name: "ports",
			Init: func() error {
				// ports start inactive and come up when a client connects
				return cfg.Apply(m, func(p protocol.Port) (protocol.Link, error) {
					return links[p], nil
				})
			},
			Deinit: func() {
				for _, link := range links {
					link.Close()
				}
			},
		},
	)
	if err := sys.Init(); err != nil {
		glog.Exit(err)
	}

	ctx := context.Background()
	for _, p := range ports {
		link := links[p]
		sys.Go(ctx, "accept "+p.String(), func(ctx context.Context) {
			if err := link.Serve(ctx); err != nil {
				glog.Errorf("accept: %v", err)
			}
		})
	}
	sys.Go(ctx, "serial", m.Run)

	glog.Infof("Bootloader %s running, app area 0x%08x (%d bytes), %s mode",
		cfg.BootloaderVersion, boot.AppBase(), boot.AppSpace(), m.Mode())

	select {
	case <-exit:
		flushCtx, cancel := context.WithTimeout(ctx, time.Second)
		if err := m.Flush(flushCtx); err != nil {
			glog.Warningf("flush: %v", err)
		}
		cancel()
	case <-sig:
		glog.Info("Interrupted")
	}

	deinitCtx, cancel := context.WithTimeout(ctx, 2*time.Second)
	defer cancel()
	if err := sys.Deinit(deinitCtx); err != nil {
		glog.Warningf("deinit: %v", err)
	}

	if *outPath != "" {
		image := make([]byte, boot.AppSpace())
		if _, err := flash.ReadAt(image, int64(boot.AppBase())); err != nil {
			glog.Exit(err)
		}
		if err := os.WriteFile(*outPath, image, 0o644); err != nil {
			glog.Exit(err)
		}
		glog.Infof("Wrote application area to %s", *outPath)
	}

	if sys.ShutdownRequested() {
		glog.Infof("Jumping to application at 0x%08x", boot.AppBase())
	}
}
