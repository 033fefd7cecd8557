package codec

import (
	"fmt"
	"sort"

	"github.com/tangramdev/tangram/pkg/object"
	"github.com/tangramdev/tangram/pkg/tgerror"
)

// tgerror.Error field ids for its Value encoding.
const (
	fieldErrorCode        uint64 = 0
	fieldErrorMessage     uint64 = 1
	fieldErrorLocation    uint64 = 2
	fieldErrorStack       uint64 = 3
	fieldErrorSource      uint64 = 4
	fieldErrorSourceID    uint64 = 5
	fieldErrorValues      uint64 = 6
	fieldErrorDiagnostics uint64 = 7
)

const (
	fieldDiagnosticSeverity uint64 = 0
	fieldDiagnosticMessage  uint64 = 1
	fieldDiagnosticLocation uint64 = 2
)

func diagnosticToValue(d tgerror.Diagnostic) object.Value {
	fields := []object.FieldValue{
		{ID: fieldDiagnosticSeverity, Value: strValue(d.Severity)},
		{ID: fieldDiagnosticMessage, Value: strValue(d.Message)},
	}
	if d.Location != "" {
		fields = append(fields, object.FieldValue{ID: fieldDiagnosticLocation, Value: strValue(d.Location)})
	}
	return object.Value{Struct: fields}
}

func valueToDiagnostic(v object.Value) tgerror.Diagnostic {
	var d tgerror.Diagnostic
	for _, f := range v.Struct {
		switch f.ID {
		case fieldDiagnosticSeverity:
			if f.Value.String != nil {
				d.Severity = *f.Value.String
			}
		case fieldDiagnosticMessage:
			if f.Value.String != nil {
				d.Message = *f.Value.String
			}
		case fieldDiagnosticLocation:
			if f.Value.String != nil {
				d.Location = *f.Value.String
			}
		}
	}
	return d
}

// ErrorToValue converts a structured Error into its canonical Value
// encoding, recursing into an inline Source chain.
func ErrorToValue(e *tgerror.Error) object.Value {
	if e == nil {
		return object.Value{Null: true}
	}
	fields := []object.FieldValue{
		{ID: fieldErrorMessage, Value: strValue(e.Message)},
	}
	if e.Code != "" {
		fields = append(fields, object.FieldValue{ID: fieldErrorCode, Value: strValue(string(e.Code))})
	}
	if e.Location != "" {
		fields = append(fields, object.FieldValue{ID: fieldErrorLocation, Value: strValue(e.Location)})
	}
	if len(e.Stack) > 0 {
		frames := make([]object.Value, len(e.Stack))
		for i, s := range e.Stack {
			frames[i] = strValue(s)
		}
		fields = append(fields, object.FieldValue{ID: fieldErrorStack, Value: object.Value{Array: frames}})
	}
	if e.Source != nil {
		fields = append(fields, object.FieldValue{ID: fieldErrorSource, Value: ErrorToValue(e.Source)})
	}
	if e.SourceID != "" {
		fields = append(fields, object.FieldValue{ID: fieldErrorSourceID, Value: strValue(e.SourceID)})
	}
	if len(e.Values) > 0 {
		// emit in key order so the encoding stays canonical
		keys := make([]string, 0, len(e.Values))
		for k := range e.Values {
			keys = append(keys, k)
		}
		sort.Strings(keys)
		entries := make([]object.MapEntry, 0, len(keys))
		for _, k := range keys {
			entries = append(entries, object.MapEntry{Key: strValue(k), Value: strValue(e.Values[k])})
		}
		fields = append(fields, object.FieldValue{ID: fieldErrorValues, Value: object.Value{Map: entries}})
	}
	if len(e.Diagnostics) > 0 {
		diags := make([]object.Value, len(e.Diagnostics))
		for i, d := range e.Diagnostics {
			diags[i] = diagnosticToValue(d)
		}
		fields = append(fields, object.FieldValue{ID: fieldErrorDiagnostics, Value: object.Value{Array: diags}})
	}
	return object.Value{Struct: fields}
}

// ValueToError parses a Value produced by ErrorToValue.
func ValueToError(v object.Value) (*tgerror.Error, error) {
	if v.Null {
		return nil, nil
	}
	if v.Struct == nil {
		return nil, fmt.Errorf("%w: error value is not a struct", tgerror.ErrInvalid)
	}
	e := &tgerror.Error{}
	for _, f := range v.Struct {
		switch f.ID {
		case fieldErrorCode:
			if f.Value.String != nil {
				e.Code = tgerror.Code(*f.Value.String)
			}
		case fieldErrorMessage:
			if f.Value.String != nil {
				e.Message = *f.Value.String
			}
		case fieldErrorLocation:
			if f.Value.String != nil {
				e.Location = *f.Value.String
			}
		case fieldErrorStack:
			for _, sv := range f.Value.Array {
				if sv.String != nil {
					e.Stack = append(e.Stack, *sv.String)
				}
			}
		case fieldErrorSource:
			src, err := ValueToError(f.Value)
			if err != nil {
				return nil, err
			}
			e.Source = src
		case fieldErrorSourceID:
			if f.Value.String != nil {
				e.SourceID = *f.Value.String
			}
		case fieldErrorValues:
			if len(f.Value.Map) > 0 {
				e.Values = make(map[string]string, len(f.Value.Map))
				for _, entry := range f.Value.Map {
					if entry.Key.String != nil && entry.Value.String != nil {
						e.Values[*entry.Key.String] = *entry.Value.String
					}
				}
			}
		case fieldErrorDiagnostics:
			for _, dv := range f.Value.Array {
				e.Diagnostics = append(e.Diagnostics, valueToDiagnostic(dv))
			}
		}
	}
	return e, nil
}

// HashError canonically encodes e and returns its content-addressed id,
// used when a process's Error field points at a stored error object
// rather than propagating it inline.
func HashError(e *tgerror.Error) (object.ID, []byte, error) {
	data, err := EncodeBinary(ErrorToValue(e))
	if err != nil {
		return "", nil, fmt.Errorf("encode error: %w", err)
	}
	return object.NewID(object.KindError, data), data, nil
}
