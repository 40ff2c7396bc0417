package transform

import (
	"net/url"
	"testing"

	"github.com/stretchr/testify/require"
)

func TestParseQuery_Aliases(t *testing.T) {
	short, err := ParseQuery(url.Values{
		"w":  {"300"},
		"h":  {"200"},
		"f":  {"webp"},
		"q":  {"75"},
		"wm": {"hello"},
	})
	require.NoError(t, err)

	long, err := ParseQuery(url.Values{
		"width":     {"300"},
		"height":    {"200"},
		"format":    {"webp"},
		"quality":   {"75"},
		"watermark": {"hello"},
	})
	require.NoError(t, err)

	require.Equal(t, long, short)
	require.Equal(t, 300, short.Width)
	require.Equal(t, FormatWebP, short.Format)
}

func TestParseQuery_JpgFoldsToJpeg(t *testing.T) {
	p, err := ParseQuery(url.Values{"f": {"jpg"}})
	require.NoError(t, err)
	require.Equal(t, FormatJPEG, p.Format)
}

func TestParseQuery_Bounds(t *testing.T) {
	cases := []url.Values{
		{"w": {"0"}},
		{"w": {"9000"}},
		{"h": {"-5"}},
		{"q": {"101"}},
		{"q": {"0"}},
		{"blur": {"150"}},
		{"fit": {"stretch"}},
		{"f": {"gif"}},
	}

	for _, query := range cases {
		_, err := ParseQuery(query)
		require.Error(t, err, "query %v should be rejected", query)

		var validationErr *ValidationError
		require.ErrorAs(t, err, &validationErr)
	}
}

func TestParseQuery_UnknownKeysIgnored(t *testing.T) {
	p, err := ParseQuery(url.Values{"w": {"100"}, "bogus": {"1"}})
	require.NoError(t, err)
	require.Equal(t, Params{Width: 100}, p)
}

func TestParsePath(t *testing.T) {
	p, err := ParsePath("w_300,h_200,f_webp.webp")
	require.NoError(t, err)
	require.Equal(t, 300, p.Width)
	require.Equal(t, 200, p.Height)
	require.Equal(t, FormatWebP, p.Format)
}

func TestParsePath_GrayAlias(t *testing.T) {
	p, err := ParsePath("w_100,gray_true")
	require.NoError(t, err)
	require.True(t, p.Grayscale)
}

func TestParsePath_Malformed(t *testing.T) {
	_, err := ParsePath("w300")
	require.Error(t, err)
}

func TestHash_StableAcrossAliasAndOrder(t *testing.T) {
	a, err := ParseQuery(url.Values{"w": {"300"}, "h": {"200"}, "f": {"webp"}})
	require.NoError(t, err)

	b, err := ParseQuery(url.Values{"format": {"webp"}, "height": {"200"}, "width": {"300"}})
	require.NoError(t, err)

	c, err := ParsePath("f_webp,h_200,w_300")
	require.NoError(t, err)

	require.Equal(t, a.Hash(), b.Hash())
	require.Equal(t, a.Hash(), c.Hash())
	require.Len(t, a.Hash(), 8)
}

func TestHash_DistinguishesParams(t *testing.T) {
	a := Params{Width: 300}
	b := Params{Width: 301}
	require.NotEqual(t, a.Hash(), b.Hash())
}

func TestBestFormat(t *testing.T) {
	require.Equal(t, FormatAVIF, BestFormat("image/avif,image/webp,*/*"))
	require.Equal(t, FormatWebP, BestFormat("image/webp,*/*"))
	require.Equal(t, OutputFormat(""), BestFormat("image/jpeg"))
}

func TestIsZero(t *testing.T) {
	require.True(t, Params{}.IsZero())
	require.False(t, Params{Grayscale: true}.IsZero())
}
