package main

import (
	"context"
	"flag"
	"fmt"
	"io"
	"log"
	"os"
	"os/signal"
	"strings"

	"usb2snes/config"
	"usb2snes/snes"
	_ "usb2snes/snes/fxpakpro"
	_ "usb2snes/snes/mock"
	_ "usb2snes/snes/qusb2snes"
	"usb2snes/util"
)

var (
	configPath = flag.String("config", "", "YAML config file")
	driverName = flag.String("driver", "", "driver to use (fxpakpro, qusb2snes, mock)")
	portPath   = flag.String("port", "", "serial port of the FX Pak Pro; detected when empty")
	wsURL      = flag.String("url", "", "QUsb2Snes WebSocket URL")
	deviceName = flag.String("device", "", "QUsb2Snes device to attach; first listed when empty")
	logDir     = flag.String("logdir", "", "also write the log to a timestamped file in this directory")
	verbose    = flag.Bool("v", false, "log driver activity to stderr")
)

func usage() {
	fmt.Fprintf(flag.CommandLine.Output(), "usage: usb2snes [flags] <command> [args...]\n\ncommands:\n")
	for _, c := range commands {
		fmt.Fprintf(flag.CommandLine.Output(), "  %-16s %s\n", c.name+" "+c.args, c.help)
	}
	fmt.Fprintf(flag.CommandLine.Output(), "\nflags:\n")
	flag.PrintDefaults()
}

func main() {
	flag.Usage = usage
	flag.Parse()
	if flag.NArg() < 1 {
		usage()
		os.Exit(2)
	}

	log.SetFlags(log.LstdFlags | log.Lmicroseconds | log.LUTC)
	if *logDir != "" {
		l, name, err := util.NewLogFile(*logDir, "usb2snes")
		if err != nil {
			fmt.Fprintln(os.Stderr, err)
			os.Exit(1)
		}
		defer func() {
			_ = l.Close()
			fmt.Fprintf(os.Stderr, "log written to %s\n", name)
		}()
	} else if !*verbose {
		log.SetOutput(io.Discard)
	}

	if err := run(flag.Args()); err != nil {
		fmt.Fprintf(os.Stderr, "usb2snes: %v\n", err)
		_ = util.FlushLogger()
		os.Exit(1)
	}
}

func loadConfig() (config.Config, error) {
	cfg := config.Default()
	if *configPath != "" {
		var err error
		if cfg, err = config.Load(*configPath); err != nil {
			return cfg, err
		}
	}
	cfg.ApplyEnv()

	if *driverName != "" {
		cfg.Driver = *driverName
	}
	if *portPath != "" {
		cfg.Serial.Path = *portPath
	}
	if *wsURL != "" {
		cfg.QUsb2Snes.URL = *wsURL
	}
	if *deviceName != "" {
		cfg.QUsb2Snes.Device = *deviceName
	}
	return cfg, nil
}

func run(args []string) (err error) {
	defer func() {
		if p := recover(); p != nil {
			util.LogPanic(p)
			err = fmt.Errorf("panic: %v", p)
		}
	}()

	name := strings.ToLower(args[0])
	var cmd *command
	for i := range commands {
		if commands[i].name == name {
			cmd = &commands[i]
			break
		}
	}
	if cmd == nil {
		return fmt.Errorf("unknown command %q; drivers: %s", name, strings.Join(snes.Drivers(), ", "))
	}
	if len(args)-1 < cmd.min {
		return fmt.Errorf("usage: %s %s", cmd.name, cmd.args)
	}

	cfg, err := loadConfig()
	if err != nil {
		return err
	}
	if dc := cfg.DriverConfig(cfg.Driver); dc != nil {
		if err = snes.Configure(cfg.Driver, dc); err != nil {
			return err
		}
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt)
	defer stop()

	e := &env{cfg: cfg, args: args[1:]}
	if cmd.noDevice {
		return cmd.fn(ctx, e)
	}

	e.dev, err = snes.Open(ctx, cfg.Driver, "")
	if err != nil {
		return err
	}
	defer func() {
		if cerr := e.dev.Close(); cerr != nil {
			log.Printf("usb2snes: close: %v\n", cerr)
		}
	}()
	return cmd.fn(ctx, e)
}
