package exec

import (
	"fmt"
	"math"
	"strings"

	"go.themisdb.dev/internal/codec"
	"go.themisdb.dev/internal/errs"
	"go.themisdb.dev/internal/index/spatial"
)

// builtinFunc evaluates one AQL function call given its already-reduced
// argument values.
type builtinFunc func(args []any) (any, error)

// functionRegistry covers every scalar built-in the executor resolves
// without consulting storage: array/string reducers (LENGTH, ABS,
// CONCAT, SUM, COUNT, AVG), the ST_* geometry predicates spec.md §4.9
// names (grounded on internal/index/spatial's MBR/Distance/Union, the
// same primitives SpatialScan uses for its two-phase MBR-then-exact
// test), and the ranking accessors (BM25, SIMILARITY, PROXIMITY,
// FULLTEXT) that read the _score a FulltextScan/VectorKnn row carries.
// Index-backed row SOURCES (FULLTEXT/WITHIN_RADIUS/VECTOR_SEARCH used
// in FOR position) are resolved by the planner into FulltextScan/
// SpatialScan/VectorKnn nodes before execution ever reaches eval; an
// occurrence of one of those names left in an expression is always the
// scoring accessor, not the source form.
var functionRegistry = map[string]builtinFunc{
	"LENGTH": func(args []any) (any, error) {
		if len(args) != 1 {
			return nil, errs.New(errs.SchemaViolation, "LENGTH takes exactly one argument")
		}
		switch v := args[0].(type) {
		case []any:
			return int64(len(v)), nil
		case string:
			return int64(len(v)), nil
		case map[string]any:
			return int64(len(v)), nil
		case nil:
			return int64(0), nil
		}
		return nil, errs.New(errs.SchemaViolation, "LENGTH requires an array, string, or object")
	},
	"ABS": func(args []any) (any, error) {
		f, ok := asFloat(first(args))
		if !ok {
			return nil, errs.New(errs.SchemaViolation, "ABS requires a numeric argument")
		}
		return math.Abs(f), nil
	},
	"CONCAT": func(args []any) (any, error) {
		out := ""
		for _, a := range args {
			s, ok := a.(string)
			if !ok {
				return nil, errs.New(errs.SchemaViolation, "CONCAT requires string arguments")
			}
			out += s
		}
		return out, nil
	},
	"SUM": func(args []any) (any, error) {
		arr, ok := first(args).([]any)
		if !ok {
			return nil, errs.New(errs.SchemaViolation, "SUM requires an array argument")
		}
		var total float64
		for _, v := range arr {
			f, ok := asFloat(v)
			if !ok {
				return nil, errs.New(errs.SchemaViolation, "SUM requires numeric elements")
			}
			total += f
		}
		return total, nil
	},
	"AVG": func(args []any) (any, error) {
		arr, ok := first(args).([]any)
		if !ok {
			return nil, errs.New(errs.SchemaViolation, "AVG requires an array argument")
		}
		if len(arr) == 0 {
			return nil, nil
		}
		var total float64
		for _, v := range arr {
			f, ok := asFloat(v)
			if !ok {
				return nil, errs.New(errs.SchemaViolation, "AVG requires numeric elements")
			}
			total += f
		}
		return total / float64(len(arr)), nil
	},
	"COUNT": func(args []any) (any, error) {
		arr, ok := first(args).([]any)
		if !ok {
			return nil, errs.New(errs.SchemaViolation, "COUNT requires an array argument")
		}
		return int64(len(arr)), nil
	},
	"ST_POINT": func(args []any) (any, error) {
		lon, ok1 := asFloat(arg(args, 0))
		lat, ok2 := asFloat(arg(args, 1))
		if !ok1 || !ok2 {
			return nil, errs.New(errs.SchemaViolation, "ST_Point requires two numeric arguments")
		}
		return codec.GeoJSON{Type: "Point", Coordinates: []float64{lon, lat}}, nil
	},
	"ST_BUFFER": func(args []any) (any, error) {
		g, ok := asGeo(arg(args, 0))
		d, okd := asFloat(arg(args, 1))
		if !ok || !okd {
			return nil, errs.New(errs.SchemaViolation, "ST_Buffer requires a geometry and a numeric radius")
		}
		m := spatial.MBROf(g)
		ring := [][2]float64{
			{m.MinX - d, m.MinY - d}, {m.MaxX + d, m.MinY - d},
			{m.MaxX + d, m.MaxY + d}, {m.MinX - d, m.MaxY + d},
			{m.MinX - d, m.MinY - d},
		}
		return codec.GeoJSON{Type: "Polygon", Rings: [][][2]float64{ring}}, nil
	},
	"ST_DISTANCE": func(args []any) (any, error) {
		a, ok1 := asGeo(arg(args, 0))
		b, ok2 := asGeo(arg(args, 1))
		if !ok1 || !ok2 {
			return nil, errs.New(errs.SchemaViolation, "ST_Distance requires two geometries")
		}
		ax, ay, okA := centerOf(a)
		bx, by, okB := centerOf(b)
		if !okA || !okB {
			return nil, errs.New(errs.SchemaViolation, "ST_Distance requires point or bounded geometries")
		}
		return spatial.Distance(ax, ay, bx, by), nil
	},
	"ST_WITHIN": func(args []any) (any, error) {
		a, ok1 := asGeo(arg(args, 0))
		b, ok2 := asGeo(arg(args, 1))
		if !ok1 || !ok2 {
			return nil, errs.New(errs.SchemaViolation, "ST_Within requires two geometries")
		}
		return spatial.MBROf(b).Contains(spatial.MBROf(a)), nil
	},
	"ST_DWITHIN": func(args []any) (any, error) {
		a, ok1 := asGeo(arg(args, 0))
		b, ok2 := asGeo(arg(args, 1))
		d, okd := asFloat(arg(args, 2))
		if !ok1 || !ok2 || !okd {
			return nil, errs.New(errs.SchemaViolation, "ST_DWithin requires two geometries and a numeric distance")
		}
		ax, ay, okA := centerOf(a)
		bx, by, okB := centerOf(b)
		if !okA || !okB {
			return nil, errs.New(errs.SchemaViolation, "ST_DWithin requires point or bounded geometries")
		}
		return spatial.Distance(ax, ay, bx, by) <= d, nil
	},
	"ST_ASTEXT": func(args []any) (any, error) {
		g, ok := asGeo(arg(args, 0))
		if !ok {
			return nil, errs.New(errs.SchemaViolation, "ST_AsText requires a geometry")
		}
		return geoToWKT(g), nil
	},
	"ST_UNION": func(args []any) (any, error) {
		a, ok1 := asGeo(arg(args, 0))
		b, ok2 := asGeo(arg(args, 1))
		if !ok1 || !ok2 {
			return nil, errs.New(errs.SchemaViolation, "ST_Union requires two geometries")
		}
		m := spatial.Union(spatial.MBROf(a), spatial.MBROf(b))
		ring := [][2]float64{
			{m.MinX, m.MinY}, {m.MaxX, m.MinY}, {m.MaxX, m.MaxY}, {m.MinX, m.MaxY}, {m.MinX, m.MinY},
		}
		return codec.GeoJSON{Type: "Polygon", Rings: [][][2]float64{ring}}, nil
	},
	"BM25":       scoreAccessor,
	"SIMILARITY": scoreAccessor,
	"PROXIMITY":  scoreAccessor,
	// FULLTEXT(doc) only reports whether doc carries a "_score", i.e. was
	// produced by a preceding FulltextScan or VectorKnn row; it never
	// attaches or returns the ranking score itself — callers that need
	// the score call BM25(doc) explicitly.
	"FULLTEXT": func(args []any) (any, error) {
		doc, ok := first(args).(map[string]any)
		if !ok {
			return nil, errs.New(errs.SchemaViolation, "FULLTEXT requires a document argument")
		}
		_, matched := doc["_score"]
		return matched, nil
	},
}

// scoreAccessor reads the "_score" field a FulltextScan/VectorKnn row
// carries on its bound document, so `RETURN BM25(doc)` and friends can
// surface the ranking score without re-running the index lookup.
func scoreAccessor(args []any) (any, error) {
	doc, ok := first(args).(map[string]any)
	if !ok {
		return nil, errs.New(errs.SchemaViolation, "score functions require a document argument")
	}
	score, ok := doc["_score"]
	if !ok {
		return nil, errs.New(errs.SchemaViolation, "document has no ranking score bound")
	}
	return score, nil
}

func first(args []any) any {
	if len(args) == 0 {
		return nil
	}
	return args[0]
}

func arg(args []any, i int) any {
	if i >= len(args) {
		return nil
	}
	return args[i]
}

func asGeo(v any) (codec.GeoJSON, bool) {
	g, ok := v.(codec.GeoJSON)
	return g, ok
}

// centerOf returns a representative point for a or b's geometry: the
// point itself for a Point, the MBR center for anything bounded.
func centerOf(g codec.GeoJSON) (x, y float64, ok bool) {
	if g.Type == "Point" && len(g.Coordinates) >= 2 {
		return g.Coordinates[0], g.Coordinates[1], true
	}
	m := spatial.MBROf(g)
	if math.IsInf(m.MinX, 0) {
		return 0, 0, false
	}
	return (m.MinX + m.MaxX) / 2, (m.MinY + m.MaxY) / 2, true
}

func geoToWKT(g codec.GeoJSON) string {
	switch g.Type {
	case "Point":
		if len(g.Coordinates) < 2 {
			return "POINT EMPTY"
		}
		return fmt.Sprintf("POINT(%g %g)", g.Coordinates[0], g.Coordinates[1])
	case "Polygon":
		var rings []string
		for _, ring := range g.Rings {
			var pts []string
			for _, pt := range ring {
				pts = append(pts, fmt.Sprintf("%g %g", pt[0], pt[1]))
			}
			rings = append(rings, "("+strings.Join(pts, ", ")+")")
		}
		return "POLYGON(" + strings.Join(rings, ", ") + ")"
	}
	return strings.ToUpper(g.Type) + " EMPTY"
}
