package transport

import (
	"context"
	"testing"

	"github.com/stretchr/testify/require"
)

func TestParseURL(t *testing.T) {
	tests := []struct {
		raw     string
		want    string
		wantErr bool
	}{
		{"http://example.com/file", "http://example.com/file", false},
		{"example.com/file", "http://example.com/file", false},
		{"ftp://ftp.example.com/pub", "ftp://ftp.example.com/pub", false},
		{"s3://bucket/key", "s3://bucket/key", false},
		{"gopher://example.com/", "", true},
		{"http:///nohost", "", true},
		{"", "", true},
	}

	for _, tt := range tests {
		u, err := ParseURL(tt.raw)
		if tt.wantErr {
			require.Error(t, err, tt.raw)
			continue
		}
		require.NoError(t, err, tt.raw)
		require.Equal(t, tt.want, u.String())
	}
}

func TestHostPort(t *testing.T) {
	require.Equal(t, "example.com:80", HostPort(mustURL(t, "http://example.com/")))
	require.Equal(t, "example.com:443", HostPort(mustURL(t, "https://example.com/")))
	require.Equal(t, "example.com:21", HostPort(mustURL(t, "ftp://example.com/")))
	require.Equal(t, "example.com:8080", HostPort(mustURL(t, "http://example.com:8080/")))
}

func TestRangeHeader(t *testing.T) {
	o := Options{}
	require.False(t, o.hasRange())

	o = Options{RangeStart: 100, RangeEnd: 200}
	require.False(t, o.hasRange())

	o = Options{Ranged: true, RangeStart: 100, RangeEnd: -1}
	require.True(t, o.hasRange())
	require.Equal(t, "bytes=100-", o.rangeHeader())

	o = Options{Ranged: true, RangeStart: 0, RangeEnd: 99}
	require.True(t, o.hasRange())
	require.Equal(t, "bytes=0-99", o.rangeHeader())

	// a single leading byte is still a range
	o = Options{Ranged: true}
	require.True(t, o.hasRange())
	require.Equal(t, "bytes=0-0", o.rangeHeader())
}

func TestNewRejectsUnknownScheme(t *testing.T) {
	_, err := New(context.Background(), mustURL(t, "gopher://example.com/"), Options{})
	require.ErrorIs(t, err, ErrUnsupportedScheme)

	c, err := New(context.Background(), mustURL(t, "https://example.com/"), Options{})
	require.NoError(t, err)
	require.IsType(t, &HTTPClient{}, c)

	c, err = New(context.Background(), mustURL(t, "ftp://example.com/"), Options{})
	require.NoError(t, err)
	require.IsType(t, &FTPClient{}, c)
}

func TestStatusText(t *testing.T) {
	require.Equal(t, "Not Modified", StatusText(304))
	require.Equal(t, "Unknown", StatusText(799))
}
