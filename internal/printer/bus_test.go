package printer

import (
	"errors"
	"testing"
)

func TestStatusBusOrderAndUnsubscribe(t *testing.T) {
	bus := NewStatusBus()

	var got []string
	unsubA := bus.Subscribe(func(s ConnectionState, err error) { got = append(got, "a:"+s.Status.String()) })
	bus.Subscribe(func(s ConnectionState, err error) { got = append(got, "b:"+s.Status.String()) })

	bus.Publish(ConnectionState{Status: StatusConnecting, Attempt: 1}, nil)
	bus.Publish(ConnectionState{Status: StatusConnected}, nil)

	want := []string{"a:connecting", "b:connecting", "a:connected", "b:connected"}
	if len(got) != len(want) {
		t.Fatalf("Expected %v, got %v", want, got)
	}
	for i := range want {
		if got[i] != want[i] {
			t.Errorf("Expected %s at %d, got %s", want[i], i, got[i])
		}
	}

	unsubA()
	unsubA()
	if n := bus.Len(); n != 1 {
		t.Errorf("Expected 1 subscriber, got %d", n)
	}

	got = nil
	bus.Publish(ConnectionState{Status: StatusError}, errors.New("boom"))
	if len(got) != 1 || got[0] != "b:error" {
		t.Errorf("Expected only b to hear the error, got %v", got)
	}
}

func TestStatusBusCarriesError(t *testing.T) {
	bus := NewStatusBus()
	var seen error
	bus.Subscribe(func(s ConnectionState, err error) { seen = err })

	bus.Publish(ConnectionState{Status: StatusError, Reason: ErrorKind(ErrClaimBusy)}, ErrClaimBusy)
	if !errors.Is(seen, ErrClaimBusy) {
		t.Errorf("Expected ErrClaimBusy, got %v", seen)
	}
}
