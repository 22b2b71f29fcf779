package geometry

import "errors"

var (
	ErrInvalidSyntax    = errors.New("geometry: invalid wkt syntax")
	ErrEmptyGeometry    = errors.New("geometry: empty geometry")
	ErrGeometryTooSmall = errors.New("geometry: geometry too small")
	ErrUnsupportedType  = errors.New("geometry: unsupported geometry type")
	ErrOutsideBounds    = errors.New("geometry: geometry outside image bounds")
)
