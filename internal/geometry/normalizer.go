// Package geometry turns caller-supplied WKT into validated, bounded,
// size-limited geometry ready for storage. All coordinates are image
// pixel coordinates; the image rectangle is [0,width] x [0,height].
package geometry

import (
	"fmt"

	"github.com/twpayne/go-geos"
)

// Normalizer repairs, clips and simplifies annotation geometry.
type Normalizer struct {
	// MinArea is the minimal bounding-box area (px^2) below which a
	// polygon is considered noise rather than an annotation.
	MinArea float64
}

func NewNormalizer(minArea float64) *Normalizer {
	return &Normalizer{MinArea: minArea}
}

// Parse reads a WKT geometry description.
func Parse(text string) (*geos.Geom, error) {
	geom, err := geos.NewGeomFromWKT(text)
	if err != nil {
		return nil, fmt.Errorf("%w: %s", ErrInvalidSyntax, text)
	}
	return geom, nil
}

// ToCanonicalText is the deterministic serialization used for persistence
// and equality comparisons. It round-trips with Parse.
func ToCanonicalText(geom *geos.Geom) string {
	geom.Normalize()
	return geom.ToWKT()
}

// Validate repairs an invalid geometry if possible and rejects empty,
// degenerate and unsupported shapes.
func (n *Normalizer) Validate(geom *geos.Geom) (*geos.Geom, error) {
	result := geom
	if !result.IsValid() {
		// Self-intersection and similar defects. Buffer(0) fixes most
		// of them; MakeValid is the fallback for the rest.
		repaired := result.Buffer(0, 8)
		if repaired == nil || repaired.IsEmpty() || !repaired.IsValid() {
			repaired = result.MakeValid()
		}
		if repaired == nil {
			return nil, fmt.Errorf("%w: %s", ErrUnsupportedType, result.Type())
		}
		result = repaired
	}

	if result.IsEmpty() {
		return nil, fmt.Errorf("%w: %s", ErrEmptyGeometry, result.ToWKT())
	}

	switch result.TypeID() {
	case geos.TypeIDPoint, geos.TypeIDLineString:
	case geos.TypeIDPolygon, geos.TypeIDMultiPolygon:
		if n.MinArea > 0 && envelopeArea(result) < n.MinArea {
			return nil, fmt.Errorf("%w: bounding box area below %g", ErrGeometryTooSmall, n.MinArea)
		}
	default:
		return nil, fmt.Errorf("%w: %s", ErrUnsupportedType, result.Type())
	}
	return result, nil
}

// ClipToBounds intersects the geometry with the image rectangle; any
// portion outside is discarded. Boundary coordinates are kept inclusive.
func ClipToBounds(geom *geos.Geom, imageWidth, imageHeight float64) (*geos.Geom, error) {
	box, err := Parse(BoundsWKT(imageWidth, imageHeight))
	if err != nil {
		return nil, err
	}
	clipped := geom.Intersection(box)
	if clipped == nil || clipped.IsEmpty() {
		return nil, fmt.Errorf("%w: image is %gx%g", ErrOutsideBounds, imageWidth, imageHeight)
	}
	return clipped, nil
}

// BoundsWKT is the image rectangle [0,width] x [0,height] as WKT.
func BoundsWKT(width, height float64) string {
	return fmt.Sprintf("POLYGON ((0 0, 0 %g, %g %g, %g 0, 0 0))", height, width, height, width)
}

// Simplify reduces the vertex count to at most maxPoints by applying
// topology-preserving simplification with an increasing tolerance. A
// maxPoints of zero disables simplification regardless of size.
func Simplify(geom *geos.Geom, maxPoints int) *geos.Geom {
	if maxPoints <= 0 || geom.NumCoordinates() <= maxPoints {
		return geom
	}

	result := geom
	tolerance := 0.25
	// Cap the loop; each pass grows the tolerance geometrically so the
	// vertex count converges long before this in practice.
	for i := 0; i < 1000; i++ {
		simplified := result.TopologyPreserveSimplify(tolerance)
		if simplified != nil && !simplified.IsEmpty() {
			result = simplified
		}
		if result.NumCoordinates() <= maxPoints {
			return result
		}
		tolerance *= 1.5
	}

	// Degenerate budget for a polygonal shape: fall back to its envelope.
	switch result.TypeID() {
	case geos.TypeIDPolygon, geos.TypeIDMultiPolygon:
		if envelope := result.Envelope(); envelope != nil {
			return envelope
		}
	}
	return result
}

// Normalize runs the full pipeline: parse, repair/validate, clip to the
// image bounds, simplify to the point budget, serialize canonically. Any
// failure aborts before the caller performs persistent writes.
func (n *Normalizer) Normalize(text string, imageWidth, imageHeight float64, maxPoints int) (string, error) {
	geom, err := Parse(text)
	if err != nil {
		return "", err
	}
	geom, err = n.Validate(geom)
	if err != nil {
		return "", err
	}
	geom, err = ClipToBounds(geom, imageWidth, imageHeight)
	if err != nil {
		return "", err
	}
	// Clipping can collapse a polygon below the noise threshold.
	geom, err = n.Validate(geom)
	if err != nil {
		return "", err
	}
	geom = Simplify(geom, maxPoints)
	return ToCanonicalText(geom), nil
}

func envelopeArea(geom *geos.Geom) float64 {
	envelope := geom.Envelope()
	if envelope == nil {
		return 0
	}
	return envelope.Area()
}
