package request

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func raw(params map[string]string) Raw {
	return NewRaw(params, nil)
}

func TestRefine_Valid(t *testing.T) {
	r := NewRaw(
		map[string]string{"sourceKey": "photos/cat.jpg", "w": "200", "h": "100", "q": "70", "type": "jpg", "meta": "false"},
		map[string]string{"If-None-Match": `"abc"`, "Accept": "image/webp", "X-Cache-Key": "/img/photos/cat.jpg", "Cookie": "ignored"},
	)

	p, h, err := Refine(r)
	require.NoError(t, err)

	assert.Equal(t, "photos/cat.jpg", p.SourceKey)
	assert.Equal(t, 200, p.Width)
	require.NotNil(t, p.Height)
	assert.Equal(t, 100, *p.Height)
	require.NotNil(t, p.Quality)
	assert.Equal(t, 70, *p.Quality)
	assert.Equal(t, FormatJPEG, p.Format)
	assert.False(t, p.MetadataOnly)

	assert.Equal(t, Headers{IfNoneMatch: `"abc"`, Accept: "image/webp", CacheKey: "/img/photos/cat.jpg"}, h)
}

func TestRefine_OptionalFieldsAbsent(t *testing.T) {
	p, h, err := Refine(raw(map[string]string{"sourceKey": "a.png", "w": "0"}))
	require.NoError(t, err)

	assert.Equal(t, 0, p.Width)
	assert.Nil(t, p.Height)
	assert.Nil(t, p.Quality)
	assert.Equal(t, Format(""), p.Format)
	assert.False(t, p.MetadataOnly)
	assert.Equal(t, Headers{}, h)
}

func TestRefine_URIAlias(t *testing.T) {
	p, _, err := Refine(raw(map[string]string{"uri": "/a/b.png", "w": "10"}))
	require.NoError(t, err)
	assert.Equal(t, "a/b.png", p.SourceKey)
}

func TestRefine_PathForm(t *testing.T) {
	r := raw(map[string]string{"w": "10"}).WithPath("/img/dir/pic.webp")
	p, _, err := Refine(r)
	require.NoError(t, err)
	assert.Equal(t, "dir/pic.webp", p.SourceKey)

	// An explicit key wins over the path.
	r = raw(map[string]string{"sourceKey": "x.png", "w": "10"}).WithPath("/img/y.png")
	p, _, err = Refine(r)
	require.NoError(t, err)
	assert.Equal(t, "x.png", p.SourceKey)
}

func TestRefine_MetaCoercion(t *testing.T) {
	tests := []struct {
		value string
		want  bool
	}{
		{"true", true},
		{"1", true},
		{"TRUE", true},
		{"false", false},
		{"0", false},
	}
	for _, tt := range tests {
		t.Run(tt.value, func(t *testing.T) {
			p, _, err := Refine(raw(map[string]string{"sourceKey": "a", "w": "1", "meta": tt.value}))
			require.NoError(t, err)
			assert.Equal(t, tt.want, p.MetadataOnly)
		})
	}
}

func TestRefine_Invalid(t *testing.T) {
	tests := []struct {
		name   string
		params map[string]string
		fields []string
	}{
		{"missing everything", map[string]string{}, []string{"sourceKey", "w"}},
		{"negative width", map[string]string{"sourceKey": "a", "w": "-1"}, []string{"w"}},
		{"non-numeric width", map[string]string{"sourceKey": "a", "w": "abc"}, []string{"w"}},
		{"fractional width", map[string]string{"sourceKey": "a", "w": "1.5"}, []string{"w"}},
		{"negative height", map[string]string{"sourceKey": "a", "w": "1", "h": "-4"}, []string{"h"}},
		{"width above limit", map[string]string{"sourceKey": "a", "w": "16385"}, []string{"w"}},
		{"height overflows int", map[string]string{"sourceKey": "a", "w": "1", "h": "9223372036854775807"}, []string{"h"}},
		{"quality above range", map[string]string{"sourceKey": "a", "w": "1", "q": "101"}, []string{"q"}},
		{"quality below range", map[string]string{"sourceKey": "a", "w": "1", "q": "-1"}, []string{"q"}},
		{"unknown type", map[string]string{"sourceKey": "a", "w": "1", "type": "gif"}, []string{"type"}},
		{"bad meta", map[string]string{"sourceKey": "a", "w": "1", "meta": "maybe"}, []string{"meta"}},
		{"all at once", map[string]string{"w": "x", "h": "y", "q": "500", "type": "bmp", "meta": "?"}, []string{"sourceKey", "w", "h", "q", "type", "meta"}},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, _, err := Refine(raw(tt.params))
			require.Error(t, err)

			var verr *ValidationError
			require.ErrorAs(t, err, &verr)
			assert.Equal(t, tt.fields, verr.Fields())
		})
	}
}

func TestValidationError_Message(t *testing.T) {
	_, _, err := Refine(raw(map[string]string{"w": "-3"}))
	require.Error(t, err)
	assert.Equal(t, "sourceKey: is required; w: must be greater than or equal to 0", err.Error())
}

func TestRefine_QualityBounds(t *testing.T) {
	for _, q := range []string{"0", "100"} {
		p, _, err := Refine(raw(map[string]string{"sourceKey": "a", "w": "1", "q": q}))
		require.NoError(t, err, q)
		require.NotNil(t, p.Quality)
	}
}

func TestRefine_DimensionLimit(t *testing.T) {
	p, _, err := Refine(raw(map[string]string{"sourceKey": "a", "w": "16384", "h": "16384"}))
	require.NoError(t, err)
	assert.Equal(t, MaxDimension, p.Width)
	require.NotNil(t, p.Height)
	assert.Equal(t, MaxDimension, *p.Height)

	_, _, err = Refine(raw(map[string]string{"sourceKey": "a", "w": "1", "h": "9223372036854775807"}))
	require.Error(t, err)
	assert.Equal(t, "h: must be less than or equal to 16384", err.Error())
}
