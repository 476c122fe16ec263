// Package imaging re-encodes user supplied images before they are
// embedded in documents. Oversized pictures are scaled down and
// re-encoded as JPEG; anything that cannot be decoded passes through
// untouched.
package imaging

import (
	"bytes"
	"image"
	_ "image/gif"
	"image/jpeg"
	_ "image/png"

	"golang.org/x/image/draw"
)

// Compress scales img down to at most maxWidth pixels wide, keeping the
// aspect ratio, and re-encodes it as JPEG at the given quality. The
// input is returned unchanged when it cannot be decoded or re-encoded.
func Compress(data []byte, maxWidth, quality int) []byte {
	src, _, err := image.Decode(bytes.NewReader(data))
	if err != nil {
		return data
	}

	bounds := src.Bounds()
	width := bounds.Dx()
	height := bounds.Dy()
	if width > maxWidth {
		height = height * maxWidth / width
		width = maxWidth
	}
	if height < 1 {
		height = 1
	}

	dst := image.NewRGBA(image.Rect(0, 0, width, height))
	draw.CatmullRom.Scale(dst, dst.Bounds(), src, bounds, draw.Over, nil)

	var buf bytes.Buffer
	if err := jpeg.Encode(&buf, dst, &jpeg.Options{Quality: quality}); err != nil {
		return data
	}
	return buf.Bytes()
}
