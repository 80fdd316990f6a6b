package metainfo

import (
	"testing"

	"github.com/stretchr/testify/require"
)

func TestParseMagnetBasic(t *testing.T) {
	require := require.New(t)

	uri := "magnet:?xt=urn:btih:e3b0c44298fc1c149afbf4c8996fb92427ae41e4&dn=Some+Movie&tr=udp%3A%2F%2Ftracker.example%3A80&tr=http%3A%2F%2Fbackup.example%2Fannounce"
	m, err := ParseMagnet(uri)
	require.NoError(err)

	require.Equal("e3b0c44298fc1c149afbf4c8996fb92427ae41e4", m.InfoHash.Hex())
	require.Equal("Some Movie", m.Name)
	require.Len(m.Trackers, 2)
	require.Contains(m.Trackers, "udp://tracker.example:80")
}

func TestParseMagnetUppercaseHash(t *testing.T) {
	uri := "magnet:?xt=urn:btih:E3B0C44298FC1C149AFBF4C8996FB92427AE41E4"
	m, err := ParseMagnet(uri)
	require.NoError(t, err)
	require.Equal(t, "e3b0c44298fc1c149afbf4c8996fb92427ae41e4", m.InfoHash.Hex())
}

func TestParseMagnetErrors(t *testing.T) {
	tests := []struct {
		desc string
		uri  string
	}{
		{"not a magnet uri", "http://example.com"},
		{"missing xt", "magnet:?dn=foo"},
		{"non-btih xt", "magnet:?xt=urn:sha1:e3b0c44298fc1c149afbf4c8996fb92427ae41e4"},
		{"base32 btih unsupported", "magnet:?xt=urn:btih:JBSWY3DPEHPK3PXP"},
	}
	for _, test := range tests {
		t.Run(test.desc, func(t *testing.T) {
			_, err := ParseMagnet(test.uri)
			require.Error(t, err)
		})
	}
}

func TestMagnetStringRoundTrip(t *testing.T) {
	require := require.New(t)

	orig := "magnet:?xt=urn:btih:e3b0c44298fc1c149afbf4c8996fb92427ae41e4&dn=clip&tr=udp%3A%2F%2Ft.example%3A80"
	m, err := ParseMagnet(orig)
	require.NoError(err)

	m2, err := ParseMagnet(m.String())
	require.NoError(err)
	require.Equal(m.InfoHash, m2.InfoHash)
	require.Equal(m.Name, m2.Name)
	require.Equal(m.Trackers, m2.Trackers)
}
