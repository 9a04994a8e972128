package main

import (
	"context"
	"encoding/hex"
	"errors"
	"fmt"
	"os"
	"path"
	"strconv"
	"strings"
	"time"

	"golang.org/x/text/language"
	"golang.org/x/text/message"

	"usb2snes/config"
	"usb2snes/snes"
	"usb2snes/snes/fxpakpro"
	"usb2snes/snes/savestate"
	"usb2snes/snes/watcher"
)

type env struct {
	cfg  config.Config
	args []string
	dev  snes.Device
}

type command struct {
	name     string
	args     string
	help     string
	min      int
	noDevice bool
	fn       func(ctx context.Context, e *env) error
}

var commands = []command{
	{name: "devices", help: "list devices the driver can open", noDevice: true, fn: cmdDevices},
	{name: "info", help: "show firmware, ROM and features", fn: cmdInfo},
	{name: "read", args: "addr size", help: "hex dump memory", min: 2, fn: cmdRead},
	{name: "write", args: "addr hex", help: "write bytes to memory", min: 2, fn: cmdWrite},
	{name: "get", args: "remote [local]", help: "download a file", min: 1, fn: cmdGet},
	{name: "put", args: "local remote", help: "upload a file", min: 2, fn: cmdPut},
	{name: "ls", args: "[dir]", help: "list a directory", fn: cmdList},
	{name: "mkdir", args: "dir", help: "create a directory", min: 1, fn: cmdMakeDir},
	{name: "rm", args: "path", help: "remove a file or empty directory", min: 1, fn: cmdRemove},
	{name: "mv", args: "path name", help: "rename a file", min: 2, fn: cmdRename},
	{name: "boot", args: "path", help: "boot a ROM on the device", min: 1, fn: cmdBoot},
	{name: "menu", help: "return to the menu", fn: cmdMenu},
	{name: "reset", help: "reset the console", fn: cmdReset},
	{name: "dtr-reset", help: "reset the FX Pak Pro's USB interface", fn: cmdDTRReset},
	{name: "play", args: "rom [dir]", help: "upload a ROM and boot it", min: 1, fn: cmdPlay},
	{name: "savestate-save", args: "file", help: "save a state to file", min: 1, fn: cmdSavestateSave},
	{name: "savestate-load", args: "file", help: "load a state from file", min: 1, fn: cmdSavestateLoad},
	{name: "watch", args: "addr size...", help: "print memory changes until interrupted", min: 2, fn: cmdWatch},
	{name: "wait", args: "addr hex [secs]", help: "wait until memory holds a value", min: 2, fn: cmdWait},
	{name: "bench", args: "addr size [count]", help: "time repeated reads", min: 2, fn: cmdBench},
}

var printer = message.NewPrinter(language.English)

func parseAddress(s string) (uint32, error) {
	s = strings.TrimPrefix(strings.TrimPrefix(strings.ToLower(s), "$"), "0x")
	v, err := strconv.ParseUint(s, 16, 32)
	if err != nil || v > 0xFFFFFF {
		return 0, fmt.Errorf("bad address %q", s)
	}
	return uint32(v), nil
}

func parseSize(s string) (int, error) {
	v, err := strconv.ParseInt(s, 0, 32)
	if err != nil || v <= 0 {
		return 0, fmt.Errorf("bad size %q", s)
	}
	return int(v), nil
}

func parseHexBytes(s string) ([]byte, error) {
	b, err := hex.DecodeString(strings.ReplaceAll(s, " ", ""))
	if err != nil {
		return nil, fmt.Errorf("bad hex %q: %w", s, err)
	}
	return b, nil
}

func progressBar(what string) snes.ProgressFunc {
	last := time.Time{}
	return func(done, total int64) {
		if done < total && time.Since(last) < 250*time.Millisecond {
			return
		}
		last = time.Now()
		printer.Fprintf(os.Stderr, "\r%s: %d / %d bytes", what, done, total)
		if done >= total {
			fmt.Fprintln(os.Stderr)
		}
	}
}

func cmdDevices(ctx context.Context, e *env) error {
	names, err := snes.Detect(ctx, e.cfg.Driver)
	if err != nil {
		return err
	}
	if len(names) == 0 {
		return errors.New("no devices found")
	}
	for _, n := range names {
		fmt.Println(n)
	}
	return nil
}

func cmdInfo(ctx context.Context, e *env) error {
	info, err := e.dev.Info(ctx)
	if err != nil {
		return err
	}
	fmt.Printf("firmware: %s\nversion:  %s\nrom:      %s\nfeatures: %s\n",
		info.Firmware, info.Version, info.ROM, strings.Join(info.Features, " "))
	return nil
}

func cmdRead(ctx context.Context, e *env) error {
	addr, err := parseAddress(e.args[0])
	if err != nil {
		return err
	}
	size, err := parseSize(e.args[1])
	if err != nil {
		return err
	}
	data, err := e.dev.ReadMemory(ctx, addr, size)
	if err != nil {
		return err
	}
	fmt.Print(hex.Dump(data))
	return nil
}

func cmdWrite(ctx context.Context, e *env) error {
	addr, err := parseAddress(e.args[0])
	if err != nil {
		return err
	}
	data, err := parseHexBytes(strings.Join(e.args[1:], ""))
	if err != nil {
		return err
	}
	return e.dev.WriteMemory(ctx, addr, data)
}

func cmdGet(ctx context.Context, e *env) error {
	remote := e.args[0]
	local := path.Base(remote)
	if len(e.args) > 1 {
		local = e.args[1]
	}
	data, err := snes.GetFileBlocking(ctx, e.dev, remote, 0, progressBar(remote))
	if err != nil {
		return err
	}
	return os.WriteFile(local, data, 0644)
}

func cmdPut(ctx context.Context, e *env) error {
	data, err := os.ReadFile(e.args[0])
	if err != nil {
		return err
	}
	remote := e.args[1]
	return snes.PutFileBlocking(ctx, e.dev, remote, data, e.cfg.Transfer.TimeoutPerMB, progressBar(remote))
}

func cmdList(ctx context.Context, e *env) error {
	dir := "/"
	if len(e.args) > 0 {
		dir = e.args[0]
	}
	entries, err := e.dev.List(ctx, dir)
	if err != nil {
		return err
	}
	for _, ent := range entries {
		if ent.IsDir() {
			fmt.Printf("%s/\n", ent.Name)
		} else {
			fmt.Println(ent.Name)
		}
	}
	return nil
}

func cmdMakeDir(ctx context.Context, e *env) error {
	return e.dev.MakeDir(ctx, e.args[0])
}

func cmdRemove(ctx context.Context, e *env) error {
	return e.dev.Remove(ctx, e.args[0])
}

func cmdRename(ctx context.Context, e *env) error {
	return e.dev.Rename(ctx, e.args[0], e.args[1])
}

func cmdBoot(ctx context.Context, e *env) error {
	return e.dev.Boot(ctx, e.args[0])
}

func cmdMenu(ctx context.Context, e *env) error {
	return e.dev.Menu(ctx)
}

func cmdReset(ctx context.Context, e *env) error {
	return e.dev.Reset(ctx)
}

func cmdDTRReset(ctx context.Context, e *env) error {
	cl, ok := e.dev.(*fxpakpro.Client)
	if !ok {
		return fmt.Errorf("dtr-reset needs a serial device, not driver %q", e.cfg.Driver)
	}
	return cl.ResetDevice(ctx)
}

func cmdPlay(ctx context.Context, e *env) error {
	rom, err := os.ReadFile(e.args[0])
	if err != nil {
		return err
	}
	dir := "/roms"
	if len(e.args) > 1 {
		dir = e.args[1]
	}
	p, err := snes.PlayROM(ctx, e.dev, dir, e.args[0], rom, progressBar(e.args[0]))
	if err != nil {
		return err
	}
	fmt.Printf("booted %s\n", p)
	return nil
}

func savestateEngine(ctx context.Context, e *env) (*savestate.Engine, error) {
	info, err := e.dev.Info(ctx)
	if err != nil {
		return nil, err
	}
	s := savestate.New(e.dev, e.cfg.Savestate)
	s.SetFirmwareVersion(info.Firmware)
	if !s.Supported(ctx) {
		return nil, fmt.Errorf("savestates are not available on %q", info.ROM)
	}
	return s, nil
}

func cmdSavestateSave(ctx context.Context, e *env) error {
	s, err := savestateEngine(ctx, e)
	if err != nil {
		return err
	}
	blob, err := s.Save(ctx, true)
	if err != nil {
		return err
	}
	return os.WriteFile(e.args[0], blob, 0644)
}

func cmdSavestateLoad(ctx context.Context, e *env) error {
	blob, err := os.ReadFile(e.args[0])
	if err != nil {
		return err
	}
	s, err := savestateEngine(ctx, e)
	if err != nil {
		return err
	}
	return s.Load(ctx, blob)
}

func cmdWatch(ctx context.Context, e *env) error {
	if len(e.args)%2 != 0 {
		return errors.New("usage: watch addr size [addr size...]")
	}
	var reqs []snes.ReadRequest
	for i := 0; i < len(e.args); i += 2 {
		addr, err := parseAddress(e.args[i])
		if err != nil {
			return err
		}
		size, err := parseSize(e.args[i+1])
		if err != nil {
			return err
		}
		reqs = append(reqs, snes.ReadRequest{Address: addr, Size: size})
	}

	w := watcher.New(e.dev, reqs, watcher.DefaultInterval, func(changes []watcher.Change) {
		for _, c := range changes {
			fmt.Printf("%s $%06x: % x -> % x\n", time.Now().Format("15:04:05.000"), c.Address, c.Old, c.New)
		}
	})
	if err := w.Start(ctx); err != nil {
		return err
	}
	for i, v := range w.Values() {
		fmt.Printf("$%06x: % x\n", reqs[i].Address, v)
	}
	<-ctx.Done()
	w.Stop()
	return nil
}

func cmdWait(ctx context.Context, e *env) error {
	addr, err := parseAddress(e.args[0])
	if err != nil {
		return err
	}
	want, err := parseHexBytes(e.args[1])
	if err != nil {
		return err
	}
	opts := watcher.DefaultOptions()
	if len(e.args) > 2 {
		secs, err := strconv.ParseFloat(e.args[2], 64)
		if err != nil || secs < 0 {
			return fmt.Errorf("bad timeout %q", e.args[2])
		}
		opts.Timeout = time.Duration(secs * float64(time.Second))
	}
	_, err = watcher.WaitForValue(ctx, e.dev, addr, len(want), watcher.Bytes(want), opts)
	return err
}
