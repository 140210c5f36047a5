package helpers

import (
	"testing"
)

func TestFormatAmount(t *testing.T) {
	tests := []struct {
		amount   uint64
		decimals uint8
		want     string
	}{
		{100000000, 8, "1"},             // 1 BTC
		{50000000, 8, "0.5"},            // 0.5 BTC
		{12345678, 8, "0.12345678"},     // All decimals
		{100000, 8, "0.001"},            // Small amount
		{1, 8, "0.00000001"},            // 1 satoshi
		{0, 8, "0"},                     // Zero
		{1000000000000000000, 18, "1"},  // 1 ETH
		{500000000000000000, 18, "0.5"}, // 0.5 ETH
		{123, 0, "123"},                 // No decimals
	}

	for _, tt := range tests {
		t.Run(tt.want, func(t *testing.T) {
			got := FormatAmount(tt.amount, tt.decimals)
			if got != tt.want {
				t.Errorf("FormatAmount(%d, %d) = %s, want %s", tt.amount, tt.decimals, got, tt.want)
			}
		})
	}
}

func TestParseAmount(t *testing.T) {
	tests := []struct {
		input    string
		decimals uint8
		want     uint64
		wantErr  bool
	}{
		{"1", 8, 100000000, false},
		{"0.5", 8, 50000000, false},
		{"0.12345678", 8, 12345678, false},
		{"0.001", 8, 100000, false},
		{"0.00000001", 8, 1, false},
		{"0", 8, 0, false},
		{"1", 18, 1000000000000000000, false},
		{"123", 0, 123, false},
		{"invalid", 8, 0, true},
		{"1.2.3", 8, 0, true},
		{"", 8, 0, true},
	}

	for _, tt := range tests {
		t.Run(tt.input, func(t *testing.T) {
			got, err := ParseAmount(tt.input, tt.decimals)
			if tt.wantErr {
				if err == nil {
					t.Error("expected error, got nil")
				}
				return
			}
			if err != nil {
				t.Fatalf("unexpected error: %v", err)
			}
			if got != tt.want {
				t.Errorf("ParseAmount(%s, %d) = %d, want %d", tt.input, tt.decimals, got, tt.want)
			}
		})
	}
}

func TestFormatParseRoundtrip(t *testing.T) {
	amounts := []uint64{1, 100, 12345678, 100000000, 999999999}

	for _, amount := range amounts {
		formatted := FormatAmount(amount, 8)
		parsed, err := ParseAmount(formatted, 8)
		if err != nil {
			t.Errorf("ParseAmount(%s) failed: %v", formatted, err)
			continue
		}
		if parsed != amount {
			t.Errorf("roundtrip failed: %d -> %s -> %d", amount, formatted, parsed)
		}
	}
}

func TestSatoshisBTCConversion(t *testing.T) {
	if got := SatoshisToBTC(100000000); got != "1" {
		t.Errorf("SatoshisToBTC(100000000) = %s, want 1", got)
	}

	if got, err := BTCToSatoshis("1"); err != nil || got != 100000000 {
		t.Errorf("BTCToSatoshis(1) = %d, %v, want 100000000, nil", got, err)
	}
}

func TestWeiETHConversion(t *testing.T) {
	if got := WeiToETH(1000000000000000000); got != "1" {
		t.Errorf("WeiToETH(1e18) = %s, want 1", got)
	}

	if got, err := ETHToWei("0.5"); err != nil || got != 500000000000000000 {
		t.Errorf("ETHToWei(0.5) = %d, %v, want 5e17, nil", got, err)
	}
}
