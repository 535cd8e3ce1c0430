package models

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestCanProgress(t *testing.T) {
	assert.True(t, CanProgress(ProgressStarted, ProgressQRScanned))
	assert.True(t, CanProgress(ProgressQRScanned, ProgressDesigning))
	assert.True(t, CanProgress(ProgressDesigning, ProgressDesignComplete))
	assert.True(t, CanProgress(ProgressDesignComplete, ProgressPaymentPending))
	assert.True(t, CanProgress(ProgressPaymentPending, ProgressOrderSubmitted))
	assert.True(t, CanProgress(ProgressPaymentPending, ProgressPaymentFailed))

	// The one backward edge: re-registration while payment is pending.
	assert.True(t, CanProgress(ProgressPaymentPending, ProgressQRScanned))

	assert.False(t, CanProgress(ProgressStarted, ProgressDesignComplete))
	assert.False(t, CanProgress(ProgressDesignComplete, ProgressQRScanned))
	assert.False(t, CanProgress(ProgressOrderSubmitted, ProgressQRScanned))
	assert.False(t, CanProgress(ProgressQRScanned, ProgressStarted))
}

func TestIsTerminalStatus(t *testing.T) {
	for _, s := range []string{SessionStatusPaymentCompleted, SessionStatusPaymentFailed, SessionStatusExpired, SessionStatusCancelled} {
		assert.True(t, IsTerminalStatus(s), s)
	}
	for _, s := range []string{SessionStatusActive, SessionStatusDesigning, SessionStatusPaymentPending} {
		assert.False(t, IsTerminalStatus(s), s)
	}
}

func TestAmountsMatch(t *testing.T) {
	assert.True(t, AmountsMatch(21.99, 21.99))
	assert.True(t, AmountsMatch(21.99, 21.985))
	assert.False(t, AmountsMatch(21.99, 22.01))
	assert.False(t, AmountsMatch(21.99, 25.00))
}

func TestSessionDataMapRoundTrip(t *testing.T) {
	d := SessionData{
		SchemaVersion: SessionDataSchemaVersion,
		OrderSummary:  &OrderSummary{BrandID: "apple", ModelID: "iphone-15", Amount: 21.99, Currency: "GBP"},
		FinalImageURL: "https://img.example.com/d.png",
	}

	m, err := d.AsMap()
	require.NoError(t, err)

	back, err := SessionDataFromMap(m)
	require.NoError(t, err)
	require.NotNil(t, back.OrderSummary)
	assert.Equal(t, 21.99, back.OrderSummary.Amount)
	assert.Equal(t, "https://img.example.com/d.png", back.FinalImageURL)
}

func TestSessionDataScanDefaultsSchemaVersion(t *testing.T) {
	var d SessionData
	require.NoError(t, d.Scan(nil))
	assert.Equal(t, SessionDataSchemaVersion, d.SchemaVersion)
}
