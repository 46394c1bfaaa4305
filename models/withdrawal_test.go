package models

import (
	"errors"
	"testing"

	"github.com/shopspring/decimal"
)

func TestValidateWithdrawalAmount(t *testing.T) {
	balance := decimal.RequireFromString("50.00")

	cases := []struct {
		name    string
		amount  string
		wantErr bool
		sentErr error
	}{
		{name: "exact balance", amount: "50.00", wantErr: false},
		{name: "below balance", amount: "10.25", wantErr: false},
		{name: "one decimal place", amount: "9.5", wantErr: false},
		{name: "whole number", amount: "7", wantErr: false},
		{name: "exceeds balance", amount: "50.01", wantErr: true, sentErr: ErrInsufficientBalance},
		{name: "far above balance", amount: "1000", wantErr: true, sentErr: ErrInsufficientBalance},
		{name: "zero", amount: "0", wantErr: true},
		{name: "negative", amount: "-1.00", wantErr: true},
		{name: "three decimal places", amount: "1.005", wantErr: true},
		{name: "sub-cent fraction", amount: "0.001", wantErr: true},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			amount := decimal.RequireFromString(tc.amount)
			err := ValidateWithdrawalAmount(amount, balance)
			if tc.wantErr && err == nil {
				t.Fatalf("expected error for amount %s", tc.amount)
			}
			if !tc.wantErr && err != nil {
				t.Fatalf("unexpected error for amount %s: %v", tc.amount, err)
			}
			if tc.sentErr != nil && !errors.Is(err, tc.sentErr) {
				t.Fatalf("expected %v for amount %s, got %v", tc.sentErr, tc.amount, err)
			}
		})
	}
}

func TestValidateWithdrawalAmount_ZeroBalance(t *testing.T) {
	err := ValidateWithdrawalAmount(decimal.RequireFromString("0.01"), decimal.Zero)
	if !errors.Is(err, ErrInsufficientBalance) {
		t.Fatalf("expected ErrInsufficientBalance, got %v", err)
	}
}

func TestCommon42HexAddress(t *testing.T) {
	valid := []string{
		"0x52908400098527886E0F7030069857D2E4169EE7",
		"0xde709f2102306220921060314715629080e2fb77",
		"0x0000000000000000000000000000000000000000",
	}
	for _, addr := range valid {
		if !common42HexAddress(addr) {
			t.Fatalf("expected %s to be accepted", addr)
		}
	}

	invalid := []string{
		"",
		"0x",
		"52908400098527886E0F7030069857D2E4169EE7",
		"0x52908400098527886E0F7030069857D2E4169EE",
		"0x52908400098527886E0F7030069857D2E4169EE70",
		"0xZ2908400098527886E0F7030069857D2E4169EE7",
		"1x52908400098527886E0F7030069857D2E4169EE7",
	}
	for _, addr := range invalid {
		if common42HexAddress(addr) {
			t.Fatalf("expected %s to be rejected", addr)
		}
	}
}
