package parser

// Field identifies the semantic meaning of a grid column resp. cell update.
type Field int

const (
	FieldUnknown Field = iota
	FieldPosition
	FieldKartNo
	FieldName
	FieldLastLap
	FieldBestLap
	FieldGap
	FieldInterval
	FieldRuntime
	FieldPits
	FieldTotalLaps
	FieldStatus
	FieldSector // recognized but discarded
)

//nolint:gocyclo // plain mapping
func (f Field) String() string {
	switch f {
	case FieldPosition:
		return "position"
	case FieldKartNo:
		return "kartNo"
	case FieldName:
		return "name"
	case FieldLastLap:
		return "lastLap"
	case FieldBestLap:
		return "bestLap"
	case FieldGap:
		return "gap"
	case FieldInterval:
		return "interval"
	case FieldRuntime:
		return "runtime"
	case FieldPits:
		return "pits"
	case FieldTotalLaps:
		return "totalLaps"
	case FieldStatus:
		return "status"
	case FieldSector:
		return "sector"
	default:
		return "unknown"
	}
}

// type codes as they appear on the wire (tier 1, authoritative)
var fieldByTypeCode = map[string]Field{
	"rk":  FieldPosition,
	"no":  FieldKartNo,
	"dr":  FieldName,
	"llp": FieldLastLap,
	"blp": FieldBestLap,
	"gap": FieldGap,
	"int": FieldInterval,
	"otr": FieldRuntime,
	"pit": FieldPits,
	"tlp": FieldTotalLaps,
	"sta": FieldStatus,
	"s1":  FieldSector,
	"s2":  FieldSector,
	"s3":  FieldSector,
}

// names used by the operator supplied legacy column maps (tier 2)
var fieldByName = map[string]Field{
	"position":  FieldPosition,
	"kartNo":    FieldKartNo,
	"name":      FieldName,
	"lastLap":   FieldLastLap,
	"bestLap":   FieldBestLap,
	"gap":       FieldGap,
	"interval":  FieldInterval,
	"runtime":   FieldRuntime,
	"pits":      FieldPits,
	"totalLaps": FieldTotalLaps,
	"status":    FieldStatus,
	"sector":    FieldSector,
}

// FieldUpdate is one semantic cell update addressed to a team row.
// Value keeps the wire representation; typed interpretation happens in the
// state store (exception: pit values, see translatePitValue).
type FieldUpdate struct {
	RowKey string
	Field  Field
	Value  string
}
