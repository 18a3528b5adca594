package csvio

import (
	"bytes"
	"strings"
	"testing"
	"time"
	"unicode/utf16"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

const sampleCSV = `timestamp,open,high,low,close,volume_quote,volume_base
1714554000,100,105,99,104,5000000,50
1714554060,104,106,103,105,4000000,38
`

func TestReadBars_UTF8WithHeader(t *testing.T) {
	bars, err := ReadBars(strings.NewReader(sampleCSV))
	require.NoError(t, err)
	require.Len(t, bars, 2)

	assert.Equal(t, time.Unix(1714554000, 0).UTC(), bars[0].Timestamp)
	assert.Equal(t, 100.0, bars[0].Open)
	assert.Equal(t, 104.0, bars[0].Close)
	assert.Equal(t, 5000000.0, bars[0].VolumeQuote)
	assert.Equal(t, 38.0, bars[1].VolumeBase)
}

func TestReadBars_UTF16LittleEndianBOM(t *testing.T) {
	var buf bytes.Buffer
	buf.Write([]byte{0xFF, 0xFE})
	for _, u := range utf16.Encode([]rune(sampleCSV)) {
		buf.WriteByte(byte(u))
		buf.WriteByte(byte(u >> 8))
	}

	bars, err := ReadBars(&buf)
	require.NoError(t, err)
	require.Len(t, bars, 2)
	assert.Equal(t, 104.0, bars[0].Close)
}

func TestReadBars_UTF8BOMPrefixStripped(t *testing.T) {
	bars, err := ReadBars(strings.NewReader("\uFEFF1714554000,100,105,99,104\n"))
	require.NoError(t, err)
	require.Len(t, bars, 1)
	assert.Equal(t, time.Unix(1714554000, 0).UTC(), bars[0].Timestamp)
}

func TestReadBars_SortsAndParsesVariants(t *testing.T) {
	in := "2024-05-01T09:01:00Z,2,2,2,2\n" +
		"1714554000000,1,1,1,1\n" // unix ms for 09:00:00
	bars, err := ReadBars(strings.NewReader(in))
	require.NoError(t, err)
	require.Len(t, bars, 2)
	assert.Equal(t, 1.0, bars[0].Close)
	assert.Equal(t, 2.0, bars[1].Close)
	assert.True(t, bars[0].Timestamp.Before(bars[1].Timestamp))
}

func TestReadBars_MissingVolumeColumnsDefaultToZero(t *testing.T) {
	bars, err := ReadBars(strings.NewReader("1714554000,1,2,0.5,1.5\n"))
	require.NoError(t, err)
	require.Len(t, bars, 1)
	assert.Zero(t, bars[0].VolumeQuote)
	assert.Zero(t, bars[0].VolumeBase)
}

func TestReadBars_BadNumberErrors(t *testing.T) {
	_, err := ReadBars(strings.NewReader("1714554000,oops,2,0.5,1.5\n"))
	require.Error(t, err)
	assert.Contains(t, err.Error(), "unparseable number")
}

func TestReadBars_ShortRowsSkipped(t *testing.T) {
	in := "1714554000,1,2,0.5,1.5\nnotes\n1714554060,2,3,1,2\n"
	bars, err := ReadBars(strings.NewReader(in))
	require.NoError(t, err)
	assert.Len(t, bars, 2)
}
