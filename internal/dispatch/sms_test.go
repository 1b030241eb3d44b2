package dispatch

import (
	"errors"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestNormalizeDestination(t *testing.T) {
	tests := []struct {
		name    string
		raw     string
		want    string
		wantErr bool
	}{
		{name: "already international", raw: "+233241234567", want: "+233241234567"},
		{name: "spaces and dashes", raw: "+233 24-123-4567", want: "+233241234567"},
		{name: "parentheses", raw: "+1 (415) 555-0123", want: "+14155550123"},
		{name: "double zero prefix", raw: "00233241234567", want: "+233241234567"},
		{name: "local with leading zero", raw: "0241234567", want: "+233241234567"},
		{name: "bare country code", raw: "233241234567", want: "+233241234567"},
		{name: "empty", raw: "", wantErr: true},
		{name: "whitespace only", raw: "   ", wantErr: true},
		{name: "letters", raw: "+23324abc4567", wantErr: true},
		{name: "too short", raw: "+2332", wantErr: true},
		{name: "too long", raw: "+2332412345678901234", wantErr: true},
		{name: "unrecognized local format", raw: "41234567", wantErr: true},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got, err := NormalizeDestination(tt.raw)
			if tt.wantErr {
				require.Error(t, err)
				var vErr *ValidationError
				require.True(t, errors.As(err, &vErr))
				assert.Equal(t, "destination", vErr.Field)
				assert.False(t, vErr.IsRetryable())
				return
			}
			require.NoError(t, err)
			assert.Equal(t, tt.want, got)
		})
	}
}

func TestValidateBody(t *testing.T) {
	assert.NoError(t, ValidateBody("hello"))
	assert.NoError(t, ValidateBody(strings.Repeat("a", 1600)))
	// 1600 characters, 3200 bytes: the cap counts characters.
	assert.NoError(t, ValidateBody(strings.Repeat("é", 1600)))

	var vErr *ValidationError
	err := ValidateBody("")
	require.Error(t, err)
	require.True(t, errors.As(err, &vErr))

	err = ValidateBody("   ")
	require.Error(t, err)

	err = ValidateBody(strings.Repeat("a", 1601))
	require.Error(t, err)
}

func TestSegments(t *testing.T) {
	tests := []struct {
		length int
		want   int
	}{
		{length: 1, want: 1},
		{length: 160, want: 1},
		{length: 161, want: 2},
		{length: 306, want: 2},
		{length: 307, want: 3},
		{length: 459, want: 3},
		{length: 460, want: 4},
		{length: 1600, want: 11},
	}

	for _, tt := range tests {
		got := Segments(strings.Repeat("a", tt.length))
		assert.Equal(t, tt.want, got, "length %d", tt.length)
	}
}

func TestSegmentsCountsCharactersNotBytes(t *testing.T) {
	// Two bytes per character in UTF-8, still 160 characters.
	assert.Equal(t, 1, Segments(strings.Repeat("é", 160)))
	assert.Equal(t, 2, Segments(strings.Repeat("é", 161)))
	// Mixed ASCII and accented text at the single-segment boundary.
	assert.Equal(t, 1, Segments(strings.Repeat("a", 150)+strings.Repeat("ɔ", 10)))
}

func TestVolumeDiscount(t *testing.T) {
	assert.Equal(t, 1.0, VolumeDiscount(1))
	assert.Equal(t, 1.0, VolumeDiscount(50))
	assert.Equal(t, 0.9, VolumeDiscount(51))
	assert.Equal(t, 0.9, VolumeDiscount(100))
	assert.Equal(t, 0.8, VolumeDiscount(101))
}

func TestCost(t *testing.T) {
	// single segment, single recipient, no discount
	assert.InDelta(t, 0.05, Cost(1, 0.05, 1), 1e-9)
	// two segments
	assert.InDelta(t, 0.10, Cost(2, 0.05, 1), 1e-9)
	// mid tier discount
	assert.InDelta(t, 0.045, Cost(1, 0.05, 60), 1e-9)
	// top tier discount
	assert.InDelta(t, 0.04, Cost(1, 0.05, 150), 1e-9)
}
