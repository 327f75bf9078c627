// Package exif extracts validated GPS coordinates from image metadata.
//
// GPS angle tags arrive in several shapes in the wild: rational
// degree/minute/second triplets (the standard encoding), raw numeric
// triplets, or a single pre-converted decimal value. Extraction runs an
// ordered list of parser strategies and takes the first that succeeds.
// Malformed or absent metadata never fails a batch; it degrades to "no
// location".
package exif

import (
	"io"
	"os"

	"github.com/rs/zerolog/log"
	"github.com/rwcarlsen/goexif/exif"
	"github.com/rwcarlsen/goexif/tiff"

	"github.com/tilovlandlinja/upload-imagegrid/internal/geo"
)

// Extractor reads GPS coordinates out of image files.
type Extractor struct{}

// NewExtractor returns a GPS extractor.
func NewExtractor() *Extractor {
	return &Extractor{}
}

// Extract returns the image's GPS position, or nil when the file carries no
// usable location. All metadata parse failures degrade to nil.
func (e *Extractor) Extract(path string) (*geo.Point, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, err
	}
	defer f.Close()
	return e.ExtractReader(f)
}

// ExtractReader is Extract over an already-open stream.
func (e *Extractor) ExtractReader(r io.Reader) (*geo.Point, error) {
	x, err := exif.Decode(r)
	if err != nil {
		// No metadata, or metadata we cannot parse. Both mean "no GPS".
		log.Debug().Err(err).Msg("no parsable metadata")
		return nil, nil
	}

	lat, ok := coordinate(x, exif.GPSLatitude, exif.GPSLatitudeRef, "S")
	if !ok {
		return nil, nil
	}
	lon, ok := coordinate(x, exif.GPSLongitude, exif.GPSLongitudeRef, "W")
	if !ok {
		return nil, nil
	}

	p := geo.Point{Latitude: lat, Longitude: lon}
	if !p.Valid() {
		log.Debug().Float64("lat", lat).Float64("lon", lon).Msg("rejected invalid GPS coordinate")
		return nil, nil
	}
	return &p, nil
}

// coordinate resolves one GPS angle: parse the value tag through the strategy
// table, then apply the hemisphere reference. negativeRef is "S" for latitude
// and "W" for longitude; a missing reference tag defaults to the positive
// hemisphere, matching common camera behavior.
func coordinate(x *exif.Exif, valField, refField exif.FieldName, negativeRef string) (float64, bool) {
	tag, err := x.Get(valField)
	if err != nil {
		return 0, false
	}

	value, ok := parseAngle(tag)
	if !ok {
		log.Debug().Str("tag", string(valField)).Msg("unrecognized GPS angle encoding")
		return 0, false
	}

	ref := ""
	if refTag, err := x.Get(refField); err == nil {
		ref, _ = refTag.StringVal()
	}
	if ref == negativeRef {
		value = -value
	}
	return value, true
}

// angleParser attempts one encoding of a GPS angle tag.
type angleParser struct {
	name  string
	parse func(*tiff.Tag) (float64, bool)
}

// angleParsers is tried in priority order: the standard rational encoding
// first, raw numeric variants as fallbacks.
var angleParsers = []angleParser{
	{name: "rational-dms", parse: rationalDMS},
	{name: "numeric-dms", parse: numericDMS},
	{name: "decimal", parse: decimalAngle},
}

func parseAngle(tag *tiff.Tag) (float64, bool) {
	for _, p := range angleParsers {
		if v, ok := p.parse(tag); ok {
			return v, true
		}
	}
	return 0, false
}

// rationalDMS handles the standard encoding: three numerator/denominator
// pairs for degrees, minutes and seconds.
func rationalDMS(tag *tiff.Tag) (float64, bool) {
	if tag.Count < 3 {
		return 0, false
	}
	var parts [3]float64
	for i := 0; i < 3; i++ {
		num, den, err := tag.Rat2(i)
		if err != nil || den == 0 {
			return 0, false
		}
		parts[i] = float64(num) / float64(den)
	}
	return decimalFromDMS(parts[0], parts[1], parts[2]), true
}

// numericDMS handles raw numeric triplets (integer or floating tags).
func numericDMS(tag *tiff.Tag) (float64, bool) {
	if tag.Count < 3 {
		return 0, false
	}
	var parts [3]float64
	for i := 0; i < 3; i++ {
		if v, err := tag.Float(i); err == nil {
			parts[i] = v
			continue
		}
		v, err := tag.Int(i)
		if err != nil {
			return 0, false
		}
		parts[i] = float64(v)
	}
	return decimalFromDMS(parts[0], parts[1], parts[2]), true
}

// decimalAngle handles single-value tags already expressed in decimal
// degrees.
func decimalAngle(tag *tiff.Tag) (float64, bool) {
	if tag.Count != 1 {
		return 0, false
	}
	if v, err := tag.Float(0); err == nil {
		return v, true
	}
	if num, den, err := tag.Rat2(0); err == nil && den != 0 {
		return float64(num) / float64(den), true
	}
	if v, err := tag.Int(0); err == nil {
		return float64(v), true
	}
	return 0, false
}

// decimalFromDMS converts degrees, minutes, seconds to decimal degrees.
func decimalFromDMS(deg, min, sec float64) float64 {
	return deg + min/60 + sec/3600
}
