package snes

import (
	"context"
	"fmt"
	"log"
	"path"
	"strings"
)

// PlayROM uploads rom into dir on the device under a lower-cased name and boots it.
// It returns the device path of the uploaded file.
func PlayROM(ctx context.Context, d Device, dir, name string, rom []byte, progress ProgressFunc) (p string, err error) {
	r, err := NewROM(rom)
	if err != nil {
		return "", fmt.Errorf("snes: play: %w", err)
	}
	log.Printf("snes: play: %q map mode %#02x hirom %v rom %d sram %d\n", r.Title(), r.Header.MapMode, r.HiROM(), r.ROMSize(), r.RAMSize())

	name = strings.ToLower(path.Base(name))
	p = path.Join("/", dir, name)

	err = PutFileBlocking(ctx, d, p, rom, DefaultTimeoutPerMB, progress)
	if err != nil {
		return "", fmt.Errorf("snes: play: upload %s: %w", p, err)
	}

	err = d.Boot(ctx, p)
	if err != nil {
		return "", fmt.Errorf("snes: play: boot %s: %w", p, err)
	}

	return p, nil
}
