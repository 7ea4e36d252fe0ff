package tracker

import (
	"path/filepath"
	"testing"
)

func TestScalarsSaveLoad(t *testing.T) {
	path := filepath.Join(t.TempDir(), "data.bin")

	scalars := NewScalars(path)
	scalars.Track("Loss", 0.5, 0)
	scalars.Track("Loss", 0.25, 1)
	scalars.Track("Return", 10.0, 1)

	if err := scalars.Save(); err != nil {
		t.Fatalf("could not save tracked data: %v", err)
	}

	loaded, err := LoadScalars(path)
	if err != nil {
		t.Fatalf("could not load tracked data: %v", err)
	}

	losses := loaded["Loss"]
	if len(losses) != 2 {
		t.Fatalf("invalid number of tracked losses \n\twant(2)"+
			"\n\thave(%v)", len(losses))
	}
	if losses[1].Step != 1 || losses[1].Value != 0.25 {
		t.Errorf("invalid tracked point \n\twant({1 0.25})\n\thave(%v)",
			losses[1])
	}
	if len(loaded["Return"]) != 1 {
		t.Errorf("invalid number of tracked returns \n\twant(1)"+
			"\n\thave(%v)", len(loaded["Return"]))
	}
}
