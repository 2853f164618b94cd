package dtoken

import (
	"errors"
	"testing"

	"github.com/dsla/sla-engine/internal/model"
)

func TestParse_Valid(t *testing.T) {
	tk, err := Parse("DSLA-KO-12")
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if tk.Token != "DSLA" {
		t.Errorf("expected token=DSLA, got %s", tk.Token)
	}
	if tk.Side != model.SideShort {
		t.Errorf("expected side=KO, got %s", tk.Side)
	}
	if tk.AgreementID != 12 {
		t.Errorf("expected agreement=12, got %d", tk.AgreementID)
	}
}

func TestParse_InvalidFormat(t *testing.T) {
	tests := []string{
		"",
		"DSLA",
		"DSLA-OK",
		"DSLA-YES-1",
		"DSLA-ok-1",
		"DSLA-OK--1",
		"DSLA-OK-x",
		"-OK-1",
		"DSLA-OK-99999999999999999999", // overflows uint64
	}
	for _, ticker := range tests {
		_, err := Parse(ticker)
		if !errors.Is(err, ErrInvalidTicker) {
			t.Errorf("expected ErrInvalidTicker for %q, got %v", ticker, err)
		}
	}
}

func TestFormat_RoundTrip(t *testing.T) {
	for _, side := range []model.Side{model.SideLong, model.SideShort} {
		s := Format("DAI", side, 7)
		tk, err := Parse(s)
		if err != nil {
			t.Fatalf("Parse(%q): %v", s, err)
		}
		if tk.Token != "DAI" || tk.Side != side || tk.AgreementID != 7 {
			t.Errorf("round trip mismatch for %q: %+v", s, tk)
		}
	}
}

func TestAddress_Distinct(t *testing.T) {
	if Address("DSLA", model.SideLong, 1) == Address("DSLA", model.SideShort, 1) {
		t.Error("long and short D-Tokens must have distinct addresses")
	}
}
