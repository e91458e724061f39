package parser

import (
	"errors"
	"fmt"
	"regexp"
	"strings"

	"github.com/kartware/kartlive/log"
)

var (
	ErrMalformedGrid   = errors.New("malformed grid payload")
	ErrMalformedCell   = errors.New("malformed cell update")
	ErrUnknownRow      = errors.New("cell addressed to unknown row")
	ErrUnknownTypeCode = errors.New("unknown type code")
)

// every inbound cell is self-describing: the address carries the instruction
var cellRegex = regexp.MustCompile(`^r(\d+)c(\d+)\|([^|]*)\|(.*)$`)

// pit values arrive either as a stop count or as a cumulative clock MM:SS
var pitClockRegex = regexp.MustCompile(`^\d{1,3}:\d{2}$`)

// Grid is the parsed initial full-grid payload.
type Grid struct {
	SessionID   string
	Flag        string
	SessionText string
	Columns     *ColumnMap
	RowKeys     map[int]string    // row index -> stable row key
	Names       map[string]string // row key -> team name
	Updates     []FieldUpdate     // initial cell values in payload order
}

// Parser translates raw feed messages into semantic field updates. The
// column map and row keys of the current session are resolved once per grid
// payload and cached until the next one arrives.
type Parser struct {
	l       *log.Logger
	legacy  map[int]string
	columns *ColumnMap
	rowKeys map[int]string
}

type Option func(*Parser)

// WithLegacyColumns installs the operator supplied column index map used as
// tier 2 resolution when the feed carries no type codes.
func WithLegacyColumns(legacy map[int]string) Option {
	return func(p *Parser) {
		p.legacy = legacy
	}
}

func WithLogger(l *log.Logger) Option {
	return func(p *Parser) {
		p.l = l
	}
}

func New(opts ...Option) *Parser {
	ret := &Parser{
		l:      log.Default().Named("parser"),
		legacy: map[int]string{},
	}
	for _, opt := range opts {
		opt(ret)
	}
	return ret
}

// IsCellUpdate reports whether the line is a single cell delta.
func IsCellUpdate(line string) bool {
	return cellRegex.MatchString(line)
}

// ParseSnapshot parses a full grid payload (the lines between grid| and end)
// and caches the resolved column map and row keys for subsequent deltas.
//
//nolint:funlen,gocognit // linear walk over the payload
func (p *Parser) ParseSnapshot(lines []string) (*Grid, error) {
	if len(lines) == 0 || !strings.HasPrefix(lines[0], "grid|") {
		return nil, fmt.Errorf("%w: missing grid header", ErrMalformedGrid)
	}
	head := strings.Split(lines[0], "|")
	grid := &Grid{
		Columns: newColumnMap(),
		RowKeys: make(map[int]string),
		Names:   make(map[string]string),
		Updates: make([]FieldUpdate, 0),
	}
	if len(head) > 1 {
		grid.SessionID = head[1]
	}
	if len(head) > 2 {
		grid.Flag = head[2]
	}
	if len(head) > 3 {
		grid.SessionText = head[3]
	}

	// first pass: columns and rows have to be known before cells resolve
	for _, line := range lines[1:] {
		switch {
		case strings.HasPrefix(line, "col|"):
			var idx int
			parts := strings.SplitN(line, "|", 4)
			if len(parts) < 4 {
				return nil, fmt.Errorf("%w: column line %q", ErrMalformedGrid, line)
			}
			if _, err := fmt.Sscanf(parts[1], "%d", &idx); err != nil {
				return nil, fmt.Errorf("%w: column index %q", ErrMalformedGrid, parts[1])
			}
			field, source := resolveColumn(idx, parts[2], parts[3], p.legacy)
			grid.Columns.Fields[idx] = field
			grid.Columns.Sources[idx] = source
			if source == FromLegacyMap || source == FromHeuristic {
				p.l.Info("column resolved without type code",
					log.Int("column", idx),
					log.String("header", parts[3]),
					log.String("field", field.String()),
					log.String("source", source.String()))
			}
		case strings.HasPrefix(line, "row|"):
			var idx int
			parts := strings.SplitN(line, "|", 4)
			if len(parts) < 3 {
				return nil, fmt.Errorf("%w: row line %q", ErrMalformedGrid, line)
			}
			if _, err := fmt.Sscanf(parts[1], "%d", &idx); err != nil {
				return nil, fmt.Errorf("%w: row index %q", ErrMalformedGrid, parts[1])
			}
			grid.RowKeys[idx] = parts[2]
			if len(parts) > 3 {
				grid.Names[parts[2]] = parts[3]
			}
		}
	}

	p.columns = grid.Columns
	p.rowKeys = grid.RowKeys

	// second pass: initial cell values
	for _, line := range lines[1:] {
		if !IsCellUpdate(line) {
			continue
		}
		upd, err := p.ParseUpdate(line)
		if err != nil {
			// one malformed cell must not drop the whole payload
			p.l.Warn("dropping cell from grid payload",
				log.String("line", line), log.ErrorField(err))
			continue
		}
		if upd != nil {
			grid.Updates = append(grid.Updates, *upd)
		}
	}
	return grid, nil
}

// ParseUpdate parses one cell delta of the form r{row}c{col}|{type}|{value}.
// Sector cells yield (nil, nil). Addressing errors and unknown type codes
// are returned for the caller to log and drop.
func (p *Parser) ParseUpdate(line string) (*FieldUpdate, error) {
	m := cellRegex.FindStringSubmatch(line)
	if m == nil {
		return nil, fmt.Errorf("%w: %q", ErrMalformedCell, line)
	}
	var row, col int
	fmt.Sscanf(m[1], "%d", &row) //nolint:errcheck // regex guarantees digits
	fmt.Sscanf(m[2], "%d", &col) //nolint:errcheck // regex guarantees digits
	typeCode, value := m[3], m[4]

	rowKey, ok := p.rowKeys[row]
	if !ok {
		return nil, fmt.Errorf("%w: r%d", ErrUnknownRow, row)
	}

	// the cell's own type code wins; the session column map is the fallback
	// for cells sent without one
	field := FieldUnknown
	if typeCode != "" {
		field = fieldByTypeCode[typeCode]
	}
	if field == FieldUnknown && p.columns != nil {
		field = p.columns.Fields[col]
	}
	switch field {
	case FieldUnknown:
		return nil, fmt.Errorf("%w: %q (c%d)", ErrUnknownTypeCode, typeCode, col)
	case FieldSector:
		return nil, nil
	case FieldPits:
		value = translatePitValue(value)
	}
	return &FieldUpdate{RowKey: rowKey, Field: field, Value: value}, nil
}

// translatePitValue disambiguates the two shapes a pit cell can have by
// format, not by column identity: a clock value means cumulative pit time
// (stop count unknown, store 0), a plain integer is a stop count.
func translatePitValue(value string) string {
	if pitClockRegex.MatchString(value) {
		return "0"
	}
	return value
}
