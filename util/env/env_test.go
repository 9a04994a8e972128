package env

import (
	"testing"
	"time"
)

func TestGetOrDefault(t *testing.T) {
	t.Setenv("USB2SNES_TEST_STR", "x")
	t.Setenv("USB2SNES_TEST_EMPTY", "")

	if got := GetOrDefault("USB2SNES_TEST_STR", "d"); got != "x" {
		t.Errorf("got %q", got)
	}
	if got := GetOrDefault("USB2SNES_TEST_EMPTY", "d"); got != "d" {
		t.Errorf("got %q", got)
	}
	if got := GetOrDefault("USB2SNES_TEST_UNSET", "d"); got != "d" {
		t.Errorf("got %q", got)
	}
}

func TestIntOrDefault(t *testing.T) {
	t.Setenv("USB2SNES_TEST_INT", "2048")
	t.Setenv("USB2SNES_TEST_BAD", "lots")

	if got := IntOrDefault("USB2SNES_TEST_INT", 1); got != 2048 {
		t.Errorf("got %d", got)
	}
	if got := IntOrDefault("USB2SNES_TEST_BAD", 1); got != 1 {
		t.Errorf("got %d", got)
	}
}

func TestSecondsOrDefault(t *testing.T) {
	t.Setenv("USB2SNES_TEST_SECS", "2.5")
	if got := SecondsOrDefault("USB2SNES_TEST_SECS", time.Second); got != 2500*time.Millisecond {
		t.Errorf("got %v", got)
	}
	if got := SecondsOrDefault("USB2SNES_TEST_UNSET", time.Second); got != time.Second {
		t.Errorf("got %v", got)
	}
}
