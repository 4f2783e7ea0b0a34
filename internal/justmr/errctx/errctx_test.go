package errctx

import (
	"errors"
	"testing"
)

func TestCatchRecoversRaise(t *testing.T) {
	err := func() (err error) {
		defer Catch(&err)
		Raisef("boom %d", 42)
		return nil
	}()
	if err == nil || err.Error() != "boom 42" {
		t.Fatalf("got %v", err)
	}
}

func TestCatchRepanicsOtherPanics(t *testing.T) {
	defer func() {
		if recover() == nil {
			t.Fatalf("expected repanic")
		}
	}()
	func() (err error) {
		defer Catch(&err)
		panic("not a raise")
	}()
}

func TestRaiseifNil(t *testing.T) {
	err := func() (err error) {
		defer Catch(&err)
		Raiseif(nil)
		return nil
	}()
	if err != nil {
		t.Fatalf("got %v", err)
	}
}

func TestWrapPreservesFatal(t *testing.T) {
	d := Warnf("missing optional file")
	wrapped := Wrap(d, "dist-dir lookup")
	if wrapped.Fatal {
		t.Fatalf("expected non-fatal")
	}
	if !errors.Is(wrapped, d) {
		t.Fatalf("wrapped diagnostic does not unwrap to cause")
	}
}
