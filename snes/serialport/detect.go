package serialport

import (
	"fmt"
	"log"
	"os"
	"path/filepath"
	"runtime"
	"strings"

	"go.bug.st/serial/enumerator"
)

const (
	fxpakSerial = "DEMO00000000"
	fxpakVID    = "1209"
	fxpakPID    = "5A22"
)

// Candidates lists the device paths worth trying on this platform when detection finds nothing.
func Candidates() []string {
	switch runtime.GOOS {
	case "windows":
		return []string{"COM3", "COM4", "COM5", "COM6"}
	case "darwin":
		matches, _ := filepath.Glob("/dev/cu.usbmodem*")
		return matches
	default:
		return []string{
			"/dev/ttyACM0", "/dev/ttyACM1", "/dev/ttyACM2",
			"/dev/ttyUSB0", "/dev/ttyUSB1", "/dev/ttyUSB2",
		}
	}
}

func isFXPak(port *enumerator.PortDetails) bool {
	if !port.IsUSB {
		return false
	}
	if port.SerialNumber == fxpakSerial {
		return true
	}
	return strings.EqualFold(port.VID, fxpakVID) && strings.EqualFold(port.PID, fxpakPID)
}

// Detect enumerates USB serial ports and returns those that look like an FX Pak Pro.
func Detect() ([]string, error) {
	ports, err := enumerator.GetDetailedPortsList()
	if err != nil {
		return nil, fmt.Errorf("serialport: enumerate: %w", err)
	}

	var found []string
	for _, port := range ports {
		if !isFXPak(port) {
			continue
		}
		log.Printf("serialport: %s: found USB %s:%s serial %s\n", port.Name, port.VID, port.PID, port.SerialNumber)
		found = append(found, port.Name)
	}
	return found, nil
}

// Find picks the port to open: the configured path, then a detected device, then the first
// platform candidate that exists.
func Find(cfg Config) (string, error) {
	if cfg.Path != "" {
		return cfg.Path, nil
	}

	found, err := Detect()
	if err != nil {
		log.Printf("%v\n", err)
	}
	if len(found) > 0 {
		return found[0], nil
	}

	for _, c := range Candidates() {
		if runtime.GOOS == "windows" {
			return c, nil
		}
		if _, err = os.Stat(c); err == nil {
			return c, nil
		}
	}
	return "", ErrNoDevice
}
