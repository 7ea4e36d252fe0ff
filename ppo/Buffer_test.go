package ppo

import "testing"

func TestBufferStore(t *testing.T) {
	buffer := NewBuffer(3)

	if !buffer.Empty() {
		t.Error("new buffer should be empty")
	}

	err := buffer.Store([]float64{0.1, 0.2, 0.3}, 1, -0.5)
	if err != nil {
		t.Fatalf("could not store transition: %v", err)
	}
	buffer.StoreOutcome(1.0, false)

	err = buffer.Store([]float64{0.4, 0.5, 0.6}, 0, -1.2)
	if err != nil {
		t.Fatalf("could not store transition: %v", err)
	}
	buffer.StoreOutcome(-1.0, true)

	if buffer.Len() != 2 {
		t.Errorf("invalid number of stored transitions \n\twant(2)"+
			"\n\thave(%v)", buffer.Len())
	}
	if len(buffer.states) != 6 {
		t.Errorf("invalid number of stored state features \n\twant(6)"+
			"\n\thave(%v)", len(buffer.states))
	}
	if !buffer.terminals[1] {
		t.Error("terminal flag was not recorded")
	}
}

func TestBufferStoreInvalidState(t *testing.T) {
	buffer := NewBuffer(4)

	err := buffer.Store([]float64{1.0, 2.0}, 0, 0.0)
	if err == nil {
		t.Error("expected error when storing a state of the wrong " +
			"dimensionality")
	}
}

func TestBufferReset(t *testing.T) {
	buffer := NewBuffer(2)

	if err := buffer.Store([]float64{1.0, 2.0}, 1, -0.1); err != nil {
		t.Fatalf("could not store transition: %v", err)
	}
	buffer.StoreOutcome(1.0, false)
	buffer.Reset()

	if !buffer.Empty() {
		t.Error("buffer should be empty after reset")
	}
	if len(buffer.rewards) != 0 || len(buffer.terminals) != 0 {
		t.Error("outcomes should be cleared on reset")
	}
}
