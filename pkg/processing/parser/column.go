package parser

import "strings"

// ResolutionSource tags how a column was mapped to its field so that
// downstream logging can distinguish confidence without re-deriving it.
type ResolutionSource int

const (
	Unresolved ResolutionSource = iota
	FromTypeCode
	FromLegacyMap
	FromHeuristic
)

func (s ResolutionSource) String() string {
	switch s {
	case FromTypeCode:
		return "typeCode"
	case FromLegacyMap:
		return "legacyMap"
	case FromHeuristic:
		return "heuristic"
	default:
		return "unresolved"
	}
}

// ColumnMap is the resolved column index -> field mapping for one session.
type ColumnMap struct {
	Fields  map[int]Field
	Sources map[int]ResolutionSource
}

func newColumnMap() *ColumnMap {
	return &ColumnMap{
		Fields:  make(map[int]Field),
		Sources: make(map[int]ResolutionSource),
	}
}

// Weakest returns the lowest-confidence source used by any resolved column.
// Tier 1 absence signals a feed the system has not seen before.
func (c *ColumnMap) Weakest() ResolutionSource {
	ret := Unresolved
	for _, s := range c.Sources {
		if ret == Unresolved || s > ret {
			ret = s
		}
	}
	return ret
}

// resolveColumn applies the three tier priority: explicit type code,
// operator legacy map, header heuristics.
func resolveColumn(idx int, typeCode, header string, legacy map[int]string) (
	Field, ResolutionSource,
) {
	if typeCode != "" {
		if f, ok := fieldByTypeCode[typeCode]; ok {
			return f, FromTypeCode
		}
	}
	if name, ok := legacy[idx]; ok {
		if f, ok := fieldByName[name]; ok {
			return f, FromLegacyMap
		}
	}
	if f := fieldFromHeader(header); f != FieldUnknown {
		return f, FromHeuristic
	}
	return FieldUnknown, Unresolved
}

// header fragments seen across deployments; french terms are common on
// karting feeds
var headerHints = []struct {
	fragment string
	field    Field
}{
	{"s1", FieldSector},
	{"s2", FieldSector},
	{"s3", FieldSector},
	{"sect", FieldSector},
	{"pos", FieldPosition},
	{"rank", FieldPosition},
	{"clt", FieldPosition},
	{"kart", FieldKartNo},
	{"no.", FieldKartNo},
	{"num", FieldKartNo},
	{"team", FieldName},
	{"equipe", FieldName},
	{"pilote", FieldName},
	{"driver", FieldName},
	{"name", FieldName},
	{"last", FieldLastLap},
	{"dernier", FieldLastLap},
	{"best", FieldBestLap},
	{"meilleur", FieldBestLap},
	{"ecart", FieldGap},
	{"gap", FieldGap},
	{"inter", FieldInterval},
	{"pit", FieldPits},
	{"stop", FieldPits},
	{"arret", FieldPits},
	{"tour", FieldTotalLaps},
	{"lap", FieldTotalLaps},
	{"temps", FieldRuntime},
	{"track", FieldRuntime},
	{"time", FieldRuntime},
	{"stat", FieldStatus},
	{"etat", FieldStatus},
}

func fieldFromHeader(header string) Field {
	h := strings.ToLower(strings.TrimSpace(header))
	if h == "" {
		return FieldUnknown
	}
	for _, hint := range headerHints {
		if strings.Contains(h, hint.fragment) {
			return hint.field
		}
	}
	return FieldUnknown
}
