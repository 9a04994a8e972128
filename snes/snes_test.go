package snes

import (
	"context"
	"errors"
	"reflect"
	"testing"
)

type testDriver struct {
	cfg any
}

func (d *testDriver) Open(ctx context.Context, name string) (Device, error) {
	return nil, errors.New("test driver opens nothing")
}

func (d *testDriver) Detect(ctx context.Context) ([]string, error) {
	return []string{"one", "two"}, nil
}

func (d *testDriver) Configure(cfg any) error {
	d.cfg = cfg
	return nil
}

// plainDriver takes no configuration.
type plainDriver struct{}

func (plainDriver) Open(ctx context.Context, name string) (Device, error) {
	return nil, nil
}

func (plainDriver) Detect(ctx context.Context) ([]string, error) {
	return nil, nil
}

func TestRegistry(t *testing.T) {
	unregisterAllDrivers()
	t.Cleanup(unregisterAllDrivers)

	td := &testDriver{}
	Register("b", td)
	Register("a", plainDriver{})

	if got := Drivers(); !reflect.DeepEqual(got, []string{"a", "b"}) {
		t.Errorf("Drivers() = %v", got)
	}

	names, err := Detect(context.Background(), "b")
	if err != nil || !reflect.DeepEqual(names, []string{"one", "two"}) {
		t.Errorf("Detect() = %v, %v", names, err)
	}

	if err = Configure("b", 42); err != nil || td.cfg != 42 {
		t.Errorf("Configure() = %v, cfg %v", err, td.cfg)
	}
	if err = Configure("a", 42); err == nil {
		t.Error("Configure() on a driver without configuration succeeded")
	}
	if _, err = Open(context.Background(), "missing", ""); err == nil {
		t.Error("Open() of an unknown driver succeeded")
	}

	defer func() {
		if recover() == nil {
			t.Error("duplicate Register did not panic")
		}
	}()
	Register("b", td)
}
