package fault

import (
	"errors"
	"fmt"
	"testing"
)

func TestKindOf_Wrapped(t *testing.T) {
	sentinel := New(State, "sla: period already verified")
	err := fmt.Errorf("%w: period 3", sentinel)

	if KindOf(err) != State {
		t.Errorf("expected State, got %s", KindOf(err))
	}
	if !errors.Is(err, sentinel) {
		t.Error("wrapped error should match its sentinel")
	}
	if err.Error() != "sla: period already verified: period 3" {
		t.Errorf("unexpected message %q", err.Error())
	}
}

func TestKindOf_Foreign(t *testing.T) {
	if KindOf(errors.New("boom")) != Unknown {
		t.Error("foreign errors should be Unknown")
	}
	if Is(nil, Validation) {
		t.Error("nil is never classified")
	}
}

func TestSentinelsAreDistinct(t *testing.T) {
	a := New(Validation, "same reason")
	b := New(Validation, "same reason")
	if errors.Is(a, b) {
		t.Error("sentinels with equal reasons must stay distinct")
	}
}
