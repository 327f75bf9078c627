// Package imaging downscales photos before transfer. Resized output keeps the
// original's EXIF block so the platform still sees capture time and GPS tags.
package imaging

import (
	"bytes"
	"encoding/binary"
	"fmt"
	"image"
	"image/jpeg"
	_ "image/png"

	"golang.org/x/image/draw"
)

// DefaultQuality is the JPEG encode quality used when none is configured.
const DefaultQuality = 85

// Resizer scales images down to fit inside a bounding box.
type Resizer struct{}

// NewResizer returns a resizer.
func NewResizer() *Resizer {
	return &Resizer{}
}

// Resize scales the image to fit within maxWidth x maxHeight, preserving
// aspect ratio. Images already inside the box pass through untouched,
// original bytes and metadata intact. Output is JPEG; the source EXIF block
// is carried over when present.
func (r *Resizer) Resize(data []byte, maxWidth, maxHeight, quality int) ([]byte, error) {
	if maxWidth <= 0 || maxHeight <= 0 {
		return nil, fmt.Errorf("invalid bounding box %dx%d", maxWidth, maxHeight)
	}
	if quality <= 0 || quality > 100 {
		quality = DefaultQuality
	}

	src, _, err := image.Decode(bytes.NewReader(data))
	if err != nil {
		return nil, fmt.Errorf("decode: %w", err)
	}

	bounds := src.Bounds()
	width, height := bounds.Dx(), bounds.Dy()
	if width <= maxWidth && height <= maxHeight {
		return data, nil
	}

	scale := min(float64(maxWidth)/float64(width), float64(maxHeight)/float64(height))
	dstW := int(float64(width) * scale)
	dstH := int(float64(height) * scale)
	if dstW < 1 {
		dstW = 1
	}
	if dstH < 1 {
		dstH = 1
	}

	dst := image.NewRGBA(image.Rect(0, 0, dstW, dstH))
	draw.CatmullRom.Scale(dst, dst.Bounds(), src, bounds, draw.Over, nil)

	var out bytes.Buffer
	if err := jpeg.Encode(&out, dst, &jpeg.Options{Quality: quality}); err != nil {
		return nil, fmt.Errorf("encode: %w", err)
	}

	if segment := exifSegment(data); segment != nil {
		return spliceSegment(out.Bytes(), segment), nil
	}
	return out.Bytes(), nil
}

// exifSegment returns the source's APP1 EXIF segment, marker and length
// included, or nil when the source is not a JPEG or carries no EXIF.
func exifSegment(data []byte) []byte {
	if len(data) < 4 || data[0] != 0xFF || data[1] != 0xD8 {
		return nil
	}
	offset := 2
	for offset+4 <= len(data) {
		if data[offset] != 0xFF {
			return nil
		}
		marker := data[offset+1]
		if marker == 0xDA { // start of scan, no more metadata
			return nil
		}
		length := int(binary.BigEndian.Uint16(data[offset+2 : offset+4]))
		end := offset + 2 + length
		if length < 2 || end > len(data) {
			return nil
		}
		if marker == 0xE1 && length >= 8 && bytes.HasPrefix(data[offset+4:end], []byte("Exif\x00\x00")) {
			return data[offset:end]
		}
		offset = end
	}
	return nil
}

// spliceSegment inserts the segment right after the JPEG SOI marker.
func spliceSegment(encoded, segment []byte) []byte {
	out := make([]byte, 0, len(encoded)+len(segment))
	out = append(out, encoded[:2]...)
	out = append(out, segment...)
	out = append(out, encoded[2:]...)
	return out
}
