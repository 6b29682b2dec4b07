package barcode

import (
	"errors"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestParseDerivesKeys(t *testing.T) {
	t.Parallel()

	p := NewParser("ORG")
	id, err := p.Parse("ORG-AA-0001-01A-01-DX1.UUID123.svs")
	require.NoError(t, err)

	assert.Equal(t, "AA-0001", id.GroupKey)
	assert.Equal(t, "UUID123", id.ItemKey)
	assert.Equal(t, "ORG-AA-0001-01A-01-DX1", id.Barcode)
	assert.Equal(t, "AA", id.TSS)
	assert.Equal(t, "0001", id.Participant)
	assert.Equal(t, "01", id.Sample)
	assert.Equal(t, "A", id.Vial)
	assert.Equal(t, "01", id.Portion)
	assert.Equal(t, "DX", id.Slide)
	assert.Equal(t, "1", id.SlideOrder)
	assert.Equal(t, "Diagnostic", id.SlideType)
}

func TestParseDefaultPrefix(t *testing.T) {
	t.Parallel()

	id, err := NewParser("").Parse("TCGA-02-0001-01C-01-TS1.0e3b4a5d-1f2a.svs")
	require.NoError(t, err)
	assert.Equal(t, "02-0001", id.GroupKey)
	assert.Equal(t, "Frozen", id.SlideType)
	assert.Equal(t, "0e3b4a5d-1f2a", id.ItemKey)
}

func TestParseIsDeterministic(t *testing.T) {
	t.Parallel()

	p := NewParser("ORG")
	inputs := []string{
		"ORG-AA-0001-01A-01-DX1.UUID123.svs",
		"ORG-BB-9999-11B-02-ZZ4.abc.svs",
		"ORG-CC-1-1-1-D.x.svs",
	}
	for _, in := range inputs {
		first, err1 := p.Parse(in)
		second, err2 := p.Parse(in)
		require.NoError(t, err1)
		require.NoError(t, err2)
		assert.Equal(t, first, second, in)
	}
}

func TestParseRejections(t *testing.T) {
	t.Parallel()

	p := NewParser("ORG")
	testCases := []struct {
		name  string
		input string
		want  error
	}{
		{"wrong prefix", "NOTAPREFIX-AA-0001-01A-01-DX1.uuid.svs", ErrUnexpectedPrefix},
		{"wrong prefix short barcode", "NOTAPREFIX-AA.uuid.svs", ErrUnexpectedPrefix},
		{"two parts", "A.B", ErrMalformedBasename},
		{"four parts", "ORG-AA-0001-01A-01-DX1.uuid.extra.svs", ErrMalformedBasename},
		{"no dots", "ORG-AA-0001-01A-01-DX1", ErrMalformedBasename},
		{"too few fields", "ORG-AA-0001-01A.uuid.svs", ErrTooFewFields},
	}

	for _, tc := range testCases {
		t.Run(tc.name, func(t *testing.T) {
			_, err := p.Parse(tc.input)
			require.Error(t, err)
			assert.ErrorIs(t, err, tc.want)

			var perr *ParseError
			require.True(t, errors.As(err, &perr))
			assert.Equal(t, tc.input, perr.Basename)
			assert.Contains(t, err.Error(), tc.input)
		})
	}
}

func TestTooFewFieldsIsMalformed(t *testing.T) {
	t.Parallel()

	_, err := NewParser("ORG").Parse("ORG-AA.uuid.svs")
	assert.ErrorIs(t, err, ErrMalformedBasename)
}

func TestPrefixCheckedBeforeFieldCount(t *testing.T) {
	t.Parallel()

	_, err := NewParser("ORG").Parse("NOTAPREFIX-AA.uuid.svs")
	require.ErrorIs(t, err, ErrUnexpectedPrefix)
	assert.NotErrorIs(t, err, ErrTooFewFields)
}

func TestParseShortTokensDegrade(t *testing.T) {
	t.Parallel()

	id, err := NewParser("ORG").Parse("ORG-AA-0001-1-0-D.item.svs")
	require.NoError(t, err)
	assert.Equal(t, "1", id.Sample)
	assert.Empty(t, id.Vial)
	assert.Equal(t, "0", id.Portion)
	assert.Equal(t, "D", id.Slide)
	assert.Empty(t, id.SlideOrder)
	assert.Equal(t, UnknownSlideType, id.SlideType)
}

func TestSlideTypeFallback(t *testing.T) {
	t.Parallel()

	assert.Equal(t, "Unknown", SlideTypeLabel("ZZ"))
	assert.Equal(t, "Unknown", SlideTypeLabel(""))
	assert.Equal(t, "Diagnostic", SlideTypeLabel("DX"))

	id, err := NewParser("ORG").Parse("ORG-AA-0001-01A-01-ZZ1.UUID.svs")
	require.NoError(t, err)
	assert.Equal(t, "Unknown", id.SlideType)
}

func TestParseURLAndMetadata(t *testing.T) {
	t.Parallel()

	url := "https://example.org/tissue_images/sub/ORG-AA-0001-01A-01-DX1.UUID123.svs"
	id, err := NewParser("ORG").ParseURL(url)
	require.NoError(t, err)
	assert.Equal(t, "ORG-AA-0001-01A-01-DX1.UUID123.svs", id.Basename)

	md := id.Metadata(url)
	assert.Equal(t, url, md["OriginalUrl"])
	assert.Equal(t, "ORG-AA-0001-01A-01-DX1", md["FullBarcode"])
	assert.Equal(t, "Diagnostic", md["SlideType"])
	assert.Len(t, md, 10)
}

func TestBasename(t *testing.T) {
	t.Parallel()

	assert.Equal(t, "a.svs", Basename("http://h/x/y/a.svs"))
	assert.Equal(t, "a.svs", Basename("a.svs"))
	assert.Equal(t, "", Basename("http://h/x/"))
}

func FuzzParse(f *testing.F) {
	for _, seed := range []string{"ORG-AA-0001-01A-01-DX1.UUID123.svs", "A.B", "", "...", "ORG-----.x.y"} {
		f.Add(seed)
	}
	p := NewParser("ORG")
	f.Fuzz(func(t *testing.T, in string) {
		id, err := p.Parse(in)
		if err != nil {
			var perr *ParseError
			if !errors.As(err, &perr) || perr.Basename != in {
				t.Fatalf("Parse(%q) returned untyped error %v", in, err)
			}
			return
		}
		if id.Basename != in {
			t.Fatalf("Parse(%q) lost basename: %+v", in, id)
		}
	})
}
