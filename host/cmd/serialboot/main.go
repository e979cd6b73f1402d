package main

import (
	"encoding/hex"
	"flag"
	"fmt"
	"os"
	"strconv"
	"time"

	"github.com/abiosoft/ishell"
	"github.com/golang/glog"

	"serialboot/host/loader"
	"serialboot/host/serial"
)

var (
	device  = flag.String("device", "/dev/ttyACM0", "Serial device path or tcp://host:port")
	baud    = flag.Int("baud", 115200, "Baud rate (ignored for USB CDC and tcp)")
	timeout = flag.Duration("timeout", loader.DefaultTimeout, "Reply timeout")
	verify  = flag.Bool("verify", true, "Read back after flash")
)

const loaderKey = "$loader"

func loaderFrom(c *ishell.Context) *loader.Loader {
	return c.Get(loaderKey).(*loader.Loader)
}

// readImage loads the firmware file named by the first argument
func readImage(c *ishell.Context) ([]byte, bool) {
	if len(c.Args) < 1 {
		c.Err(fmt.Errorf("FILE required"))
		return nil, false
	}
	image, err := os.ReadFile(c.Args[0])
	if err != nil {
		c.Err(err)
		return nil, false
	}
	return image, true
}

func progressBar(c *ishell.Context) loader.Progress {
	c.ProgressBar().Start()
	return func(done, total int) {
		percent := done * 100 / total
		c.ProgressBar().Suffix(fmt.Sprint(" ", percent, "%"))
		c.ProgressBar().Progress(percent)
	}
}

var commands = []*ishell.Cmd{
	{
		Name: "ping",
		Help: "measure round trip time",
		Func: func(c *ishell.Context) {
			rtt, err := loaderFrom(c).Ping()
			if err != nil {
				c.Err(err)
				return
			}
			c.Printf("pong in %v\n", rtt)
		},
	},
	{
		Name: "mode",
		Help: "print running mode",
		Func: func(c *ishell.Context) {
			mode, err := loaderFrom(c).RunningMode()
			if err != nil {
				c.Err(err)
				return
			}
			c.Println(mode)
		},
	},
	{
		Name:    "info",
		Aliases: []string{"i"},
		Help:    "print device identity",
		Func: func(c *ishell.Context) {
			info, err := loaderFrom(c).DeviceInfo()
			if err != nil {
				c.Err(err)
				return
			}
			c.Printf("uid:        %s\n", hex.EncodeToString(info.UniqueID[:]))
			c.Printf("bootloader: %s\n", info.BootloaderVersion)
			c.Printf("firmware:   %s\n", info.FirmwareVersion)
			c.Printf("user:       %s\n", info.UserID)
		},
	},
	{
		Name: "flash",
		Help: "FILE",
		Func: func(c *ishell.Context) {
			image, ok := readImage(c)
			if !ok {
				return
			}
			l := loaderFrom(c)
			start := time.Now()
			err := l.Flash(image, progressBar(c))
			c.ProgressBar().Stop()
			if err != nil {
				c.Err(err)
				return
			}
			c.Printf("wrote %d bytes in %v\n", len(image), time.Since(start).Round(time.Millisecond))
			if !*verify {
				return
			}
			if err := l.Verify(image, nil); err != nil {
				c.Err(err)
				return
			}
			c.Println("verified")
		},
	},
	{
		Name: "verify",
		Help: "FILE",
		Func: func(c *ishell.Context) {
			image, ok := readImage(c)
			if !ok {
				return
			}
			err := loaderFrom(c).Verify(image, progressBar(c))
			c.ProgressBar().Stop()
			if err != nil {
				c.Err(err)
				return
			}
			c.Println("OK")
		},
	},
	{
		Name:     "dump",
		Help:     "OFFSET LENGTH",
		LongHelp: "Hex dump LENGTH bytes of the application area starting at OFFSET.",
		Func: func(c *ishell.Context) {
			if len(c.Args) < 2 {
				c.Err(fmt.Errorf("OFFSET and LENGTH required"))
				return
			}
			offset, err := strconv.ParseUint(c.Args[0], 0, 32)
			if err != nil {
				c.Err(fmt.Errorf("Invalid OFFSET: %v", err))
				return
			}
			n, err := strconv.ParseUint(c.Args[1], 0, 32)
			if err != nil {
				c.Err(fmt.Errorf("Invalid LENGTH: %v", err))
				return
			}
			data, err := loaderFrom(c).ReadBack(int(offset), int(n), nil)
			if err != nil {
				c.Err(err)
				return
			}
			c.Print(hex.Dump(data))
		},
	},
	{
		Name:    "run",
		Aliases: []string{"go"},
		Help:    "leave the bootloader and start the application",
		Func: func(c *ishell.Context) {
			if err := loaderFrom(c).Exit(); err != nil {
				c.Err(err)
				return
			}
			c.Println("OK")
		},
	},
	{
		Name: "stats",
		Help: "print host decoder counters",
		Func: func(c *ishell.Context) {
			rx, rxErr, dropped := loaderFrom(c).Stats()
			c.Printf("frames: %d  errors: %d  unclaimed: %d\n", rx, rxErr, dropped)
		},
	},
}

func main() {
	flag.Parse()
	defer glog.Flush()

	cfg := serial.DefaultConfig(*device)
	cfg.Baud = *baud

	l := loader.NewLoader()
	l.Timeout = *timeout
	if err := l.ConnectWithConfig(cfg); err != nil {
		glog.Exitf("connect %s: %v", *device, err)
	}
	defer l.Close()
	l.SetDebugHandler(func(data []byte) {
		fmt.Fprintf(os.Stderr, "[device] %s", data)
	})

	shell := ishell.New()
	shell.Set(loaderKey, l)
	shell.SetPrompt(fmt.Sprintf("%s > ", *device))
	for _, cmd := range commands {
		shell.AddCmd(cmd)
	}

	if args := flag.Args(); len(args) > 0 {
		if err := shell.Process(args...); err != nil {
			glog.Exit(err)
		}
		return
	}
	shell.Println("serialboot host, type 'help' for commands")
	shell.Run()
}
