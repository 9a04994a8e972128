package serialport

import (
	"fmt"
	"log"
	"time"
)

type modemControl interface {
	// DTR returns the current line state; ok is false when the driver cannot report it.
	DTR() (on bool, ok bool, err error)
	SetDTR(on bool) error
}

// resetViaDTR raises DTR if it is low, then drops it and holds it low. The line is never
// raised again afterwards.
func resetViaDTR(name string, m modemControl, hold time.Duration, sleep func(time.Duration)) error {
	if hold < MinDTRHold {
		hold = MinDTRHold
	}

	on, ok, err := m.DTR()
	if err != nil {
		return fmt.Errorf("serialport: %s: read DTR: %w", name, err)
	}
	if ok && !on {
		log.Printf("serialport: %s: raising DTR before reset\n", name)
		if err = m.SetDTR(true); err != nil {
			return fmt.Errorf("serialport: %s: raise DTR: %w", name, err)
		}
	}

	log.Printf("serialport: %s: dropping DTR for %v\n", name, hold)
	if err = m.SetDTR(false); err != nil {
		return fmt.Errorf("serialport: %s: drop DTR: %w", name, err)
	}
	sleep(hold)
	return nil
}
