package geometry

import (
	"errors"
	"fmt"
	"strings"
	"testing"
)

func TestParseRejectsMalformedWKT(t *testing.T) {
	cases := []string{
		"",
		"POLYGON",
		"POLYGON ((0 0, 10 0, 10 10))",
		"CIRCLE (5 5, 3)",
	}
	for _, text := range cases {
		t.Run(text, func(t *testing.T) {
			if _, err := Parse(text); !errors.Is(err, ErrInvalidSyntax) {
				t.Fatalf("Parse(%q) err = %v, want ErrInvalidSyntax", text, err)
			}
		})
	}
}

func TestValidateSupportedTypes(t *testing.T) {
	n := NewNormalizer(1)
	cases := []struct {
		name string
		wkt  string
		err  error
	}{
		{name: "point", wkt: "POINT (10 10)"},
		{name: "line", wkt: "LINESTRING (0 0, 100 100)"},
		{name: "polygon", wkt: "POLYGON ((0 0, 0 100, 100 100, 100 0, 0 0))"},
		{name: "multipolygon", wkt: "MULTIPOLYGON (((0 0, 0 10, 10 10, 10 0, 0 0)), ((20 20, 20 30, 30 30, 30 20, 20 20)))"},
		{name: "multilinestring", wkt: "MULTILINESTRING ((0 0, 1 1), (2 2, 3 3))", err: ErrUnsupportedType},
		{name: "collection", wkt: "GEOMETRYCOLLECTION (POINT (1 1))", err: ErrUnsupportedType},
		{name: "empty", wkt: "POLYGON EMPTY", err: ErrEmptyGeometry},
		{name: "too small", wkt: "POLYGON ((0 0, 0 0.5, 0.5 0.5, 0.5 0, 0 0))", err: ErrGeometryTooSmall},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			geom, err := Parse(tc.wkt)
			if err != nil {
				t.Fatalf("Parse: %v", err)
			}
			_, err = n.Validate(geom)
			if tc.err == nil && err != nil {
				t.Fatalf("Validate(%q) = %v, want nil", tc.wkt, err)
			}
			if tc.err != nil && !errors.Is(err, tc.err) {
				t.Fatalf("Validate(%q) = %v, want %v", tc.wkt, err, tc.err)
			}
		})
	}
}

func TestValidateRepairsSelfIntersection(t *testing.T) {
	// Bowtie: crosses itself at (5,5).
	geom, err := Parse("POLYGON ((0 0, 10 10, 10 0, 0 10, 0 0))")
	if err != nil {
		t.Fatalf("Parse: %v", err)
	}
	repaired, err := NewNormalizer(1).Validate(geom)
	if err != nil {
		t.Fatalf("Validate: %v", err)
	}
	if !repaired.IsValid() {
		t.Fatal("repaired geometry is still invalid")
	}
	if repaired.IsEmpty() {
		t.Fatal("repaired geometry is empty")
	}
}

func TestClipToBounds(t *testing.T) {
	t.Run("keeps inside portion", func(t *testing.T) {
		geom, _ := Parse("POLYGON ((-50 -50, -50 50, 50 50, 50 -50, -50 -50))")
		clipped, err := ClipToBounds(geom, 100, 100)
		if err != nil {
			t.Fatalf("ClipToBounds: %v", err)
		}
		want, _ := Parse("POLYGON ((0 0, 0 50, 50 50, 50 0, 0 0))")
		if !clipped.Equals(want) {
			t.Fatalf("clipped = %s, want %s", clipped.ToWKT(), want.ToWKT())
		}
	})

	t.Run("fully outside fails", func(t *testing.T) {
		geom, _ := Parse("POLYGON ((200 200, 200 300, 300 300, 300 200, 200 200))")
		if _, err := ClipToBounds(geom, 100, 100); !errors.Is(err, ErrOutsideBounds) {
			t.Fatalf("err = %v, want ErrOutsideBounds", err)
		}
	})

	t.Run("boundary point is inclusive", func(t *testing.T) {
		geom, _ := Parse("POINT (100 100)")
		clipped, err := ClipToBounds(geom, 100, 100)
		if err != nil {
			t.Fatalf("ClipToBounds: %v", err)
		}
		if clipped.IsEmpty() {
			t.Fatal("boundary point was clipped away")
		}
	})
}

func TestSimplifyRespectsBudget(t *testing.T) {
	// A many-vertex staircase polygon.
	var sb strings.Builder
	sb.WriteString("POLYGON ((0 0")
	for i := 1; i <= 200; i++ {
		fmt.Fprintf(&sb, ", %d %d, %d %d", i-1, i, i, i)
	}
	sb.WriteString(", 200 0, 0 0))")
	geom, err := Parse(sb.String())
	if err != nil {
		t.Fatalf("Parse: %v", err)
	}

	const maxPoints = 50
	if geom.NumCoordinates() <= maxPoints {
		t.Fatalf("fixture too small: %d points", geom.NumCoordinates())
	}
	simplified := Simplify(geom, maxPoints)
	if got := simplified.NumCoordinates(); got > maxPoints {
		t.Fatalf("simplified to %d points, budget %d", got, maxPoints)
	}
	if simplified.TypeID() != geom.TypeID() {
		t.Fatalf("simplify changed type: %s -> %s", geom.Type(), simplified.Type())
	}
	if !simplified.IsValid() {
		t.Fatal("simplified polygon is invalid")
	}
}

func TestSimplifyZeroBudgetLeavesGeometryAlone(t *testing.T) {
	geom, _ := Parse("POLYGON ((0 0, 0 10, 10 10, 10 0, 0 0))")
	if got := Simplify(geom, 0); got.NumCoordinates() != geom.NumCoordinates() {
		t.Fatalf("Simplify with zero budget changed the geometry")
	}
}

func TestCanonicalTextRoundTrip(t *testing.T) {
	cases := []string{
		"POINT (10 10)",
		"LINESTRING (0 0, 50 50, 100 0)",
		"POLYGON ((0 0, 0 100, 100 100, 100 0, 0 0))",
	}
	for _, text := range cases {
		t.Run(text, func(t *testing.T) {
			geom, err := Parse(text)
			if err != nil {
				t.Fatalf("Parse: %v", err)
			}
			canonical := ToCanonicalText(geom)
			reparsed, err := Parse(canonical)
			if err != nil {
				t.Fatalf("Parse(canonical): %v", err)
			}
			if !reparsed.Equals(geom) {
				t.Fatalf("round trip changed geometry: %s -> %s", text, canonical)
			}
			if again := ToCanonicalText(reparsed); again != canonical {
				t.Fatalf("canonical text not stable: %q vs %q", canonical, again)
			}
		})
	}
}

func TestNormalizePipeline(t *testing.T) {
	n := NewNormalizer(1)

	t.Run("clips and serializes", func(t *testing.T) {
		got, err := n.Normalize("POLYGON ((-10 -10, -10 50, 50 50, 50 -10, -10 -10))", 100, 100, 0)
		if err != nil {
			t.Fatalf("Normalize: %v", err)
		}
		wantGeom, _ := Parse("POLYGON ((0 0, 0 50, 50 50, 50 0, 0 0))")
		gotGeom, err := Parse(got)
		if err != nil {
			t.Fatalf("Parse(result): %v", err)
		}
		if !gotGeom.Equals(wantGeom) {
			t.Fatalf("Normalize = %s, want equivalent of %s", got, wantGeom.ToWKT())
		}
	})

	t.Run("outside bounds fails", func(t *testing.T) {
		_, err := n.Normalize("POINT (500 500)", 100, 100, 0)
		if !errors.Is(err, ErrOutsideBounds) {
			t.Fatalf("err = %v, want ErrOutsideBounds", err)
		}
	})

	t.Run("syntax error fails", func(t *testing.T) {
		_, err := n.Normalize("POLY((", 100, 100, 0)
		if !errors.Is(err, ErrInvalidSyntax) {
			t.Fatalf("err = %v, want ErrInvalidSyntax", err)
		}
	})
}
