package domain

import (
	"testing"

	"github.com/shopspring/decimal"
	"pgregory.net/rapid"
)

func TestProperty_CheckPriceAcceptsTickMultiples(t *testing.T) {
	rapid.Check(t, func(t *rapid.T) {
		ticks := rapid.Int64Range(1, 1_000_000_000).Draw(t, "ticks")
		px := decimal.New(ticks, -PriceDecimals)
		if err := CheckPrice(px); err != nil {
			t.Fatalf("CheckPrice(%s) rejected a tick multiple: %v", px, err)
		}
	})
}

func TestProperty_CheckPriceRejectsSubTick(t *testing.T) {
	rapid.Check(t, func(t *rapid.T) {
		ticks := rapid.Int64Range(0, 1_000_000).Draw(t, "ticks")
		extra := rapid.Int64Range(1, 9).Draw(t, "extra")
		px := decimal.New(ticks*10+extra, -(PriceDecimals + 1))
		if err := CheckPrice(px); err == nil {
			t.Fatalf("CheckPrice(%s) accepted a sub-tick price", px)
		}
	})
}
