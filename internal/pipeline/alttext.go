package pipeline

import (
	"fmt"
	"path"
	"regexp"
	"strings"
)

const (
	minLabelLength = 5
	maxLabelLength = 125
)

var (
	trailingExt = regexp.MustCompile(`\.[^.\s]{3,4}$`)

	// Applied in order, each across the whole name
	namePatterns = []*regexp.Regexp{
		regexp.MustCompile(`\d{4}-\d{2}-\d{2}_`),
		regexp.MustCompile(`\d{8}_`),
		regexp.MustCompile(`\d+_`),
		regexp.MustCompile(`^DSC_`),
		regexp.MustCompile(`^IMG_`),
		regexp.MustCompile(`^PIC_`),
		regexp.MustCompile(`^Screenshot_`),
		regexp.MustCompile(`^photo_`),
		regexp.MustCompile(`^image_`),
	}

	nonAlnum   = regexp.MustCompile(`[^a-zA-Z0-9\s]`)
	whitespace = regexp.MustCompile(`\s+`)
)

// AltText derives a human readable label from a file name.
//
//	2023-12-25_IMG_0001.jpg  ->  Image of 0001
//	x.jpg                    ->  Image of X
func AltText(fileName string) string {
	stem := trailingExt.ReplaceAllString(fileName, "")

	label := stem
	for _, p := range namePatterns {
		label = p.ReplaceAllString(label, "")
	}
	label = strings.NewReplacer("-", " ", "_", " ", ".", " ").Replace(label)
	label = nonAlnum.ReplaceAllString(label, "")
	label = strings.TrimSpace(whitespace.ReplaceAllString(label, " "))

	if len(label) < 2 {
		label = strings.NewReplacer("-", " ", "_", " ").Replace(stem)
		label = strings.TrimSpace(nonAlnum.ReplaceAllString(label, ""))
	}

	if label == "" {
		ext := strings.ToUpper(strings.TrimPrefix(path.Ext(fileName), "."))
		return fmt.Sprintf("Uploaded %s image: %s", ext, fileName)
	}

	label = titleCase(strings.ToLower(label))

	if len(label) < minLabelLength {
		label = "Image of " + label
	}
	if len(label) > maxLabelLength {
		label = label[:maxLabelLength-3] + "..."
	}
	return label
}

// titleCase upper-cases the first letter after each whitespace character
func titleCase(s string) string {
	b := []byte(s)
	start := true
	for i, c := range b {
		switch c {
		case ' ', '\t', '\n', '\r', '\f', '\v':
			start = true
			continue
		}
		if start && c >= 'a' && c <= 'z' {
			b[i] = c - 'a' + 'A'
		}
		start = false
	}
	return string(b)
}

// Title returns the display title stored with an asset
func Title(fileName string, derive bool) string {
	if derive {
		return AltText(fileName)
	}
	return strings.TrimSuffix(fileName, path.Ext(fileName))
}
