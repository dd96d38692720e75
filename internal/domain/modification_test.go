package domain

import (
	"errors"
	"testing"

	"pgregory.net/rapid"
)

func TestModifyLifecycle(t *testing.T) {
	io := NewInstrumentOrder("carry", "GOLD", 10)

	if err := io.Modify(Quantities{4}); err != nil {
		t.Fatalf("Modify: %v", err)
	}
	if io.ModificationStatus != BeingModified {
		t.Fatalf("status = %s, want %s", io.ModificationStatus, BeingModified)
	}
	if err := io.Modify(Quantities{3}); !errors.Is(err, ErrAlreadyModifying) {
		t.Errorf("second Modify: err = %v, want ErrAlreadyModifying", err)
	}
	if err := io.ClearModification(); !errors.Is(err, ErrAlreadyModifying) {
		t.Errorf("clear in flight: err = %v, want ErrAlreadyModifying", err)
	}

	if err := io.CompleteModification(); err != nil {
		t.Fatalf("CompleteModification: %v", err)
	}
	if err := io.Modify(Quantities{3}); !errors.Is(err, ErrModificationComplete) {
		t.Errorf("Modify after complete: err = %v, want ErrModificationComplete", err)
	}
	if err := io.ClearModification(); err != nil {
		t.Fatalf("ClearModification: %v", err)
	}
	if !io.Trade.Equal(Quantities{4}) || io.ModificationQuantity != nil {
		t.Errorf("after clear trade = %s mod = %s", io.Trade, io.ModificationQuantity)
	}
}

func TestModifyBelowFillIsRejected(t *testing.T) {
	io := NewInstrumentOrder("carry", "GOLD", 10)
	io.Fill = Quantities{6}

	if err := io.Modify(Quantities{5}); err != nil {
		t.Fatalf("Modify: %v", err)
	}
	if io.ModificationStatus != ModificationRejected {
		t.Fatalf("status = %s, want rejected", io.ModificationStatus)
	}
	if err := io.ClearModification(); err != nil {
		t.Fatalf("ClearModification: %v", err)
	}
	if !io.Trade.Equal(Quantities{10}) {
		t.Errorf("rejected amendment changed trade to %s", io.Trade)
	}
}

func TestCancelIsFullCancel(t *testing.T) {
	io := NewInstrumentOrder("carry", "GOLD", 10)
	io.Fill = Quantities{2}
	if err := io.Cancel(); err != nil {
		t.Fatalf("Cancel: %v", err)
	}
	if !io.IsFullCancel() || io.ModificationStatus != BeingModified {
		t.Errorf("cancel: status %s mod %s", io.ModificationStatus, io.ModificationQuantity)
	}
}

func TestRejectModification(t *testing.T) {
	io := NewInstrumentOrder("carry", "GOLD", 10)
	if err := io.RejectModification(); !errors.Is(err, ErrNotModifying) {
		t.Errorf("reject idle order: err = %v, want ErrNotModifying", err)
	}
	_ = io.Modify(Quantities{0})
	_ = io.CompleteModification()
	if err := io.RejectModification(); err != nil {
		t.Fatalf("reject completed amendment: %v", err)
	}
	if err := io.RejectModification(); err != nil {
		t.Errorf("reject twice: %v", err)
	}
	if err := io.CompleteModification(); !errors.Is(err, ErrModificationRejected) {
		t.Errorf("complete after reject: err = %v", err)
	}
}

// The status only returns to NotModifying through ModificationComplete or
// ModificationRejected.
func TestModificationNeverSkipsResolution(t *testing.T) {
	rapid.Check(t, func(t *rapid.T) {
		io := NewInstrumentOrder("carry", "GOLD", rapid.Int64Range(-20, 20).Draw(t, "trade"))
		prev := io.ModificationStatus
		steps := rapid.SliceOfN(rapid.IntRange(0, 4), 1, 30).Draw(t, "steps")
		for _, step := range steps {
			switch step {
			case 0:
				_ = io.Modify(Quantities{rapid.Int64Range(-20, 20).Draw(t, "qty")})
			case 1:
				_ = io.Cancel()
			case 2:
				_ = io.CompleteModification()
			case 3:
				_ = io.RejectModification()
			case 4:
				_ = io.ClearModification()
			}
			cur := io.ModificationStatus
			if prev == BeingModified && cur == NotModifying {
				t.Fatalf("jumped from %s to %s", prev, cur)
			}
			prev = cur
		}
	})
}
