package domain

import (
	"testing"

	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/require"
)

func TestMoneySubFloorsAtZero(t *testing.T) {
	require.Equal(t, int64(50_000), NewMoney(150_000).Sub(NewMoney(100_000)).Amount)
	require.Equal(t, int64(0), NewMoney(100_000).Sub(NewMoney(150_000)).Amount)
}

func TestMoneyMin(t *testing.T) {
	require.Equal(t, int64(100), NewMoney(100).Min(NewMoney(200)).Amount)
	require.Equal(t, int64(100), NewMoney(200).Min(NewMoney(100)).Amount)
}

func TestMoneyDecimalRoundTrip(t *testing.T) {
	m := NewMoney(2_000_000)
	require.Equal(t, int64(2_000_000), FromDecimal(m.ToDecimal()))
	require.Equal(t, int64(3), FromDecimal(decimal.NewFromFloat(3.9)))
}

func TestVendorValidation(t *testing.T) {
	for _, v := range Vendors {
		require.True(t, v.Valid(), v)
	}
	require.False(t, Vendor("paypal").Valid())
	require.True(t, VendorOVO.IsWallet())
	require.True(t, VendorDANA.IsWallet())
	require.False(t, VendorBCA.IsWallet())
	require.False(t, VendorGoPay.IsWallet())
}
