package serialport

import (
	"errors"
	"reflect"
	"testing"
	"time"
)

type fakeModem struct {
	on      bool
	ok      bool
	readErr error
	calls   []string
}

func (m *fakeModem) DTR() (bool, bool, error) {
	m.calls = append(m.calls, "get")
	return m.on, m.ok, m.readErr
}

func (m *fakeModem) SetDTR(on bool) error {
	if on {
		m.calls = append(m.calls, "set")
	} else {
		m.calls = append(m.calls, "clear")
	}
	m.on = on
	return nil
}

func TestResetViaDTR(t *testing.T) {
	tests := []struct {
		name      string
		modem     fakeModem
		hold      time.Duration
		wantCalls []string
		wantSlept time.Duration
		wantErr   bool
	}{
		{
			name:      "low is raised first",
			modem:     fakeModem{on: false, ok: true},
			hold:      time.Second,
			wantCalls: []string{"get", "set", "clear"},
			wantSlept: time.Second,
		},
		{
			name:      "high is dropped",
			modem:     fakeModem{on: true, ok: true},
			wantCalls: []string{"get", "clear"},
			wantSlept: MinDTRHold,
		},
		{
			name:      "unreadable state",
			modem:     fakeModem{ok: false},
			hold:      time.Millisecond,
			wantCalls: []string{"get", "clear"},
			wantSlept: MinDTRHold,
		},
		{
			name:      "read error",
			modem:     fakeModem{readErr: errors.New("ioctl")},
			wantCalls: []string{"get"},
			wantErr:   true,
		},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			var slept time.Duration
			m := tt.modem
			err := resetViaDTR("test", &m, tt.hold, func(d time.Duration) { slept += d })
			if (err != nil) != tt.wantErr {
				t.Fatalf("resetViaDTR() error = %v, wantErr %v", err, tt.wantErr)
			}
			if !reflect.DeepEqual(m.calls, tt.wantCalls) {
				t.Errorf("calls = %v, want %v", m.calls, tt.wantCalls)
			}
			if slept != tt.wantSlept {
				t.Errorf("slept %v, want %v", slept, tt.wantSlept)
			}
			if !tt.wantErr && m.on {
				t.Error("DTR left high")
			}
		})
	}
}
