package export

import (
	"fmt"
	"reflect"
	"sort"
	"strconv"
	"strings"
	"time"

	"github.com/xkilldash9x/helix-cli/api/schemas"
)

// kind is a neo4j-admin property type.
type kind int

const (
	kindUnsupported kind = iota
	kindBoolean
	kindLong
	kindDouble
	kindString
	kindDateTime
)

var kindNames = map[kind]string{
	kindBoolean:  "boolean",
	kindLong:     "long",
	kindDouble:   "double",
	kindString:   "string",
	kindDateTime: "datetime",
}

type fieldType struct {
	kind  kind
	array bool
}

func (t fieldType) String() string {
	s := kindNames[t.kind]
	if t.array {
		s += "[]"
	}
	return s
}

// merge reports whether two observations agree. Any difference, long against
// double included, is a conflict.
func (t fieldType) merge(o fieldType) (fieldType, bool) {
	return t, t == o
}

// dropped holds top-level fields that never reach the import files.
var dropped = map[string]struct{}{
	schemas.FieldID:      {},
	schemas.FieldClass:   {},
	schemas.FieldCreated: {},
	schemas.FieldUpdated: {},
}

// flatDoc is a document whose nested objects are folded into dotted keys.
type flatDoc map[string]any

func flatten(d schemas.Document) flatDoc {
	out := flatDoc{}
	for k, v := range d {
		if _, skip := dropped[k]; skip {
			continue
		}
		flattenInto(out, k, v)
	}
	return out
}

func flattenInto(out flatDoc, key string, v any) {
	var nested map[string]any
	switch t := v.(type) {
	case map[string]any:
		nested = t
	case schemas.Document:
		nested = t
	default:
		out[key] = v
		return
	}
	for k, inner := range nested {
		flattenInto(out, key+"."+k, inner)
	}
}

func (d flatDoc) endpoints() (start, end string) {
	start, _ = d[schemas.FieldSourceDomainID].(string)
	if start == "" {
		start, _ = d[schemas.FieldMemberOne].(string)
	}
	end, _ = d[schemas.FieldTargetDomainID].(string)
	if end == "" {
		end, _ = d[schemas.FieldMemberTwo].(string)
	}
	return start, end
}

// scalarKind classifies one value. ok is false for values that carry no type
// information (nil and the empty string).
func scalarKind(v any) (k kind, ok bool) {
	switch t := v.(type) {
	case nil:
		return 0, false
	case string:
		return kindString, t != ""
	case bool:
		return kindBoolean, true
	case int, int8, int16, int32, int64, uint, uint8, uint16, uint32, uint64:
		return kindLong, true
	case float32, float64:
		return kindDouble, true
	case time.Time:
		return kindDateTime, true
	default:
		return kindUnsupported, true
	}
}

func inferType(v any) (fieldType, bool) {
	if v == nil {
		return fieldType{}, false
	}
	if _, isString := v.(string); !isString {
		rv := reflect.ValueOf(v)
		if rv.Kind() == reflect.Slice || rv.Kind() == reflect.Array {
			var (
				elem  fieldType
				found bool
			)
			for i := range rv.Len() {
				k, ok := scalarKind(rv.Index(i).Interface())
				if !ok {
					continue
				}
				t := fieldType{kind: k, array: true}
				if !found {
					elem, found = t, true
					continue
				}
				merged, ok := elem.merge(t)
				if !ok {
					return fieldType{kind: kindUnsupported, array: true}, true
				}
				elem = merged
			}
			return elem, found
		}
	}
	k, ok := scalarKind(v)
	return fieldType{kind: k}, ok
}

type inference struct {
	docs  int
	types map[string]fieldType
	mixed map[string]struct{}
	seen  map[string]struct{}
}

func newInference() *inference {
	return &inference{types: map[string]fieldType{}, mixed: map[string]struct{}{}, seen: map[string]struct{}{}}
}

func (in *inference) observe(d flatDoc) {
	in.docs++
	for k, v := range d {
		in.seen[k] = struct{}{}
		if _, bad := in.mixed[k]; bad {
			continue
		}
		t, ok := inferType(v)
		if !ok {
			continue
		}
		if t.kind == kindUnsupported {
			in.conflict(k)
			continue
		}
		prev, known := in.types[k]
		if !known {
			in.types[k] = t
			continue
		}
		merged, ok := prev.merge(t)
		if !ok {
			in.conflict(k)
			continue
		}
		in.types[k] = merged
	}
}

func (in *inference) conflict(field string) {
	in.mixed[field] = struct{}{}
	delete(in.types, field)
}

// mixedFields lists the attribute columns that will be dropped.
func (in *inference) mixedFields(roles map[string]role) []string {
	var out []string
	for _, k := range sortedKeys(in.mixed) {
		if _, special := roles[k]; !special {
			out = append(out, k)
		}
	}
	return out
}

// role is what a field means to neo4j-admin beyond being a property.
type role int

const (
	roleID role = iota + 1
	roleStart
	roleEnd
	roleLabel
	roleType
)

var (
	nodeRoles = map[string]role{
		schemas.FieldPrimaryDomainID: roleID,
		schemas.FieldType:            roleLabel,
	}
	edgeRoles = map[string]role{
		schemas.FieldSourceDomainID: roleStart,
		schemas.FieldMemberOne:      roleStart,
		schemas.FieldTargetDomainID: roleEnd,
		schemas.FieldMemberTwo:      roleEnd,
		schemas.FieldType:           roleType,
	}
)

type column struct {
	field  string
	header string
	typ    fieldType
}

// columns orders the header: identifiers, sorted properties, the type property
// and finally the label or relationship type.
func (in *inference) columns(roles map[string]role) []column {
	var ids, attrs, tail []column
	for _, k := range sortedKeys(in.seen) {
		r, special := roles[k]
		if !special {
			t, ok := in.types[k]
			if !ok {
				continue
			}
			attrs = append(attrs, column{field: k, header: k + ":" + t.String(), typ: t})
			continue
		}
		str := fieldType{kind: kindString}
		switch r {
		case roleID:
			ids = append(ids, column{field: k, header: k + ":ID", typ: str})
		case roleStart:
			ids = append(ids, column{field: k, header: k + ":START_ID", typ: str})
		case roleEnd:
			ids = append(ids, column{field: k, header: k + ":END_ID", typ: str})
		case roleLabel:
			attrs = append(attrs, column{field: k, header: k + ":string", typ: str})
			tail = append(tail, column{field: k, header: ":LABEL", typ: str})
		case roleType:
			attrs = append(attrs, column{field: k, header: k + ":string", typ: str})
			tail = append(tail, column{field: k, header: ":TYPE", typ: str})
		}
	}
	sort.SliceStable(ids, func(i, j int) bool { return roles[ids[i].field] < roles[ids[j].field] })
	// The type property sorts after the other properties.
	sort.SliceStable(attrs, func(i, j int) bool {
		return attrs[i].field != schemas.FieldType && attrs[j].field == schemas.FieldType
	})

	out := append(ids, attrs...)
	return append(out, tail...)
}

func formatValue(v any, t fieldType, delim string) string {
	if v == nil {
		return ""
	}
	if t.array {
		rv := reflect.ValueOf(v)
		if rv.Kind() != reflect.Slice && rv.Kind() != reflect.Array {
			return formatScalar(v)
		}
		parts := make([]string, 0, rv.Len())
		for i := range rv.Len() {
			s := formatScalar(rv.Index(i).Interface())
			if s != "" {
				parts = append(parts, s)
			}
		}
		return strings.Join(parts, delim)
	}
	return formatScalar(v)
}

func formatScalar(v any) string {
	switch t := v.(type) {
	case nil:
		return ""
	case string:
		return t
	case bool:
		return strconv.FormatBool(t)
	case time.Time:
		return t.UTC().Format(time.RFC3339Nano)
	case float32:
		return strconv.FormatFloat(float64(t), 'g', -1, 32)
	case float64:
		return strconv.FormatFloat(t, 'g', -1, 64)
	}
	rv := reflect.ValueOf(v)
	switch {
	case rv.CanInt():
		return strconv.FormatInt(rv.Int(), 10)
	case rv.CanUint():
		return strconv.FormatUint(rv.Uint(), 10)
	}
	return fmt.Sprint(v)
}
