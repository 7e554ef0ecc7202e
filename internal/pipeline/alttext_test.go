package pipeline

import (
	"strings"
	"testing"

	"github.com/leanovate/gopter"
	"github.com/leanovate/gopter/gen"
	"github.com/leanovate/gopter/prop"
	"github.com/stretchr/testify/assert"
)

func TestAltText(t *testing.T) {
	tests := []struct {
		name string
		want string
	}{
		{"2023-12-25_IMG_0001.jpg", "Image of 0001"},
		{"x.jpg", "Image of X"},
		{"DSC_sunset-over-the_bay.JPEG", "Sunset Over The Bay"},
		{"20231225_beach party.png", "Beach Party"},
		{"Screenshot_my.desk.png", "My Desk"},
		{"photo_CAT.webp", "Image of Cat"},
		{"001_mountains.tiff", "Mountains"},
		{"__.jpg", "Uploaded JPG image: __.jpg"},
		{"a_b.gif", "Image of A B"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.want, AltText(tt.name))
		})
	}
}

func TestAltText_Truncates(t *testing.T) {
	long := strings.Repeat("word ", 40) + ".jpg"
	got := AltText(long)
	assert.Len(t, got, maxLabelLength)
	assert.True(t, strings.HasSuffix(got, "..."))
}

func TestTitle(t *testing.T) {
	assert.Equal(t, "IMG_0001", Title("IMG_0001.jpg", false))
	assert.Equal(t, "Image of 0001", Title("IMG_0001.jpg", true))
}

// Property: labels are never empty, never longer than the maximum, and
// contain no characters outside letters, digits, spaces and the ellipsis
func TestAltText_Bounds(t *testing.T) {
	properties := gopter.NewProperties(nil)

	properties.Property("label length within bounds", prop.ForAll(
		func(stem, ext string) bool {
			label := AltText(stem + "." + ext)
			return len(label) >= minLabelLength && len(label) <= maxLabelLength
		},
		gen.AlphaString(),
		gen.OneConstOf("jpg", "jpeg", "png", "gif"),
	))

	properties.Property("label is title cased", prop.ForAll(
		func(words []string) bool {
			label := AltText(strings.Join(words, "-") + ".png")
			for _, w := range strings.Fields(label) {
				c := w[0]
				if c >= 'a' && c <= 'z' {
					return false
				}
			}
			return true
		},
		gen.SliceOfN(4, gen.AlphaString().SuchThat(func(s string) bool { return len(s) > 0 })),
	))

	properties.TestingRun(t)
}
