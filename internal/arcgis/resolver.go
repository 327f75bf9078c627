package arcgis

import (
	"context"
	"fmt"
	"strconv"
	"strings"

	"github.com/rs/zerolog/log"

	"github.com/tilovlandlinja/upload-imagegrid/internal/geo"
	"github.com/tilovlandlinja/upload-imagegrid/internal/reconcile"
)

// Resolver resolves photos to assets against the feature service. Resolution
// order: exact identifier, then operational marking, then nearest by
// position. An identifier or marking miss falls through to the next strategy
// rather than failing the file.
type Resolver struct {
	client      *Client
	transformer *geo.Transformer
}

// NewResolver creates an asset resolver over the feature service client.
func NewResolver(client *Client, transformer *geo.Transformer) *Resolver {
	return &Resolver{client: client, transformer: transformer}
}

// Resolve implements the reconciler's resolution port.
func (r *Resolver) Resolve(ctx context.Context, req reconcile.ResolveRequest) (*reconcile.Asset, error) {
	if req.AssetID != "" {
		feature, err := r.client.QueryByID(ctx, req.AssetID)
		if err != nil {
			return nil, err
		}
		if asset := r.asset(feature, 0); asset != nil {
			return asset, nil
		}
		log.Debug().Str("id", req.AssetID).Msg("no feature for identifier, trying next strategy")
	}

	if req.Marking != "" {
		feature, err := r.client.QuerySubstationByMarking(ctx, req.Marking)
		if err != nil {
			return nil, err
		}
		if asset := r.asset(feature, 0); asset != nil {
			return asset, nil
		}
		log.Debug().Str("marking", req.Marking).Msg("no feature for marking, trying next strategy")
	}

	if req.Location != nil {
		return r.FindNearest(ctx, *req.Location, req.RadiusMeters)
	}
	return nil, nil
}

// FindNearest projects the position and returns the closest feature within
// radiusMeters, or nil when the radius holds nothing. Equal distances resolve
// to the first feature in service response order.
func (r *Resolver) FindNearest(ctx context.Context, location geo.Point, radiusMeters float64) (*reconcile.Asset, error) {
	if radiusMeters <= 0 {
		radiusMeters = reconcile.DefaultRadiusMeters
	}

	projected, err := r.transformer.ToProjected(location)
	if err != nil {
		// An unprojectable position cannot match anything; this is
		// "no data", not a service failure.
		log.Debug().Err(err).Msg("position outside projection domain")
		return nil, nil
	}

	features, err := r.client.QueryWithinRadius(ctx, projected, radiusMeters)
	if err != nil {
		return nil, err
	}
	if len(features) == 0 {
		return nil, nil
	}

	var nearest *Feature
	minDistance := 0.0
	for i := range features {
		f := &features[i]
		if f.Geometry == nil {
			continue
		}
		candidate := geo.ProjectedPoint{Easting: f.Geometry.X, Northing: f.Geometry.Y}
		distance := projected.DistanceTo(candidate)
		if nearest == nil || distance < minDistance {
			nearest = f
			minDistance = distance
		}
	}
	if nearest == nil {
		return nil, nil
	}
	return r.asset(nearest, minDistance), nil
}

// asset converts a feature to the reconciler's asset type. A nil feature or
// one without usable attribute data yields nil.
func (r *Resolver) asset(f *Feature, distance float64) *reconcile.Asset {
	attrs := ExtractAttributes(f)
	if len(attrs) == 0 {
		return nil
	}

	asset := &reconcile.Asset{
		ID:           attrString(attrs, "id"),
		Marking:      attrString(attrs, "driftsmerking"),
		LineID:       attrString(attrs, "linjenummer"),
		LineName:     attrString(attrs, "omraadenavn"),
		FacilityType: attrString(attrs, "mastetype", "anleggstype"),
		Historic:     attrBool(attrs, "erhistorisk"),
		Attributes:   attrs,
		Distance:     distance,
	}

	if f.Geometry != nil {
		p := geo.ProjectedPoint{Easting: f.Geometry.X, Northing: f.Geometry.Y}
		if location, err := r.transformer.ToGeodetic(p); err == nil {
			asset.Location = &location
		}
	}
	return asset
}

// ExtractAttributes cleans a feature's attribute map: keys lowercased,
// null-valued fields dropped. A feature without geometry has no usable asset
// data and yields an empty map.
func ExtractAttributes(f *Feature) map[string]any {
	if f == nil || f.Geometry == nil {
		return map[string]any{}
	}
	attrs := make(map[string]any, len(f.Attributes))
	for k, v := range f.Attributes {
		if v == nil {
			continue
		}
		attrs[strings.ToLower(k)] = v
	}
	return attrs
}

// attrString returns the first present key rendered as a string. Numeric
// identifiers arrive as JSON numbers and are rendered without a fraction.
func attrString(attrs map[string]any, keys ...string) string {
	for _, key := range keys {
		v, ok := attrs[key]
		if !ok {
			continue
		}
		switch t := v.(type) {
		case string:
			return t
		case float64:
			return strconv.FormatFloat(t, 'f', -1, 64)
		case int:
			return strconv.Itoa(t)
		case bool:
			return strconv.FormatBool(t)
		default:
			return fmt.Sprintf("%v", t)
		}
	}
	return ""
}

func attrBool(attrs map[string]any, key string) bool {
	v, ok := attrs[key]
	if !ok {
		return false
	}
	switch t := v.(type) {
	case bool:
		return t
	case float64:
		return t != 0
	case string:
		s := strings.ToLower(strings.TrimSpace(t))
		return s == "1" || s == "true" || s == "j" || s == "ja"
	}
	return false
}
