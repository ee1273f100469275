package mssql

import (
	"fmt"
	"reflect"
	"time"

	"github.com/shopspring/decimal"

	"github.com/tdsgo/mssql/internal/errs"
)

// assign copies src (one of the concrete types DecodeValue produces)
// into *dest, following the same conversion rules database/sql's
// convertAssign uses: an exact type match, an assignment through
// reflection for compatible underlying kinds, or a *interface{}
// catch-all.
func assign(dest, src interface{}) error {
	switch d := dest.(type) {
	case *interface{}:
		*d = src
		return nil
	case *[]byte:
		if src == nil {
			*d = nil
			return nil
		}
		b, ok := src.([]byte)
		if !ok {
			return typeMismatch(dest, src)
		}
		*d = b
		return nil
	case *string:
		if src == nil {
			return typeMismatch(dest, src)
		}
		s, ok := src.(string)
		if !ok {
			return typeMismatch(dest, src)
		}
		*d = s
		return nil
	case *bool:
		b, ok := src.(bool)
		if !ok {
			return typeMismatch(dest, src)
		}
		*d = b
		return nil
	case *int64:
		v, ok := toInt64Value(src)
		if !ok {
			return typeMismatch(dest, src)
		}
		*d = v
		return nil
	case *int32:
		v, ok := toInt64Value(src)
		if !ok {
			return typeMismatch(dest, src)
		}
		*d = int32(v)
		return nil
	case *int:
		v, ok := toInt64Value(src)
		if !ok {
			return typeMismatch(dest, src)
		}
		*d = int(v)
		return nil
	case *float64:
		v, ok := toFloat64Value(src)
		if !ok {
			return typeMismatch(dest, src)
		}
		*d = v
		return nil
	case *float32:
		v, ok := toFloat64Value(src)
		if !ok {
			return typeMismatch(dest, src)
		}
		*d = float32(v)
		return nil
	case *time.Time:
		t, ok := src.(time.Time)
		if !ok {
			return typeMismatch(dest, src)
		}
		*d = t
		return nil
	case *decimal.Decimal:
		v, ok := src.(decimal.Decimal)
		if !ok {
			return typeMismatch(dest, src)
		}
		*d = v
		return nil
	}

	if src == nil {
		return errs.New(errs.KindConversion, "cannot assign NULL into non-pointer-to-interface destination").
			WithField("dest_type", fmt.Sprintf("%T", dest))
	}

	dv := reflect.ValueOf(dest)
	if dv.Kind() != reflect.Ptr || dv.IsNil() {
		return errs.New(errs.KindInvalidArgument, "Scan destination must be a non-nil pointer")
	}
	sv := reflect.ValueOf(src)
	if !sv.Type().AssignableTo(dv.Elem().Type()) {
		return typeMismatch(dest, src)
	}
	dv.Elem().Set(sv)
	return nil
}

func toInt64Value(src interface{}) (int64, bool) {
	switch v := src.(type) {
	case int64:
		return v, true
	case int32:
		return int64(v), true
	case int16:
		return int64(v), true
	case byte:
		return int64(v), true
	case bool:
		if v {
			return 1, true
		}
		return 0, true
	default:
		return 0, false
	}
}

func toFloat64Value(src interface{}) (float64, bool) {
	switch v := src.(type) {
	case float64:
		return v, true
	case float32:
		return float64(v), true
	case decimal.Decimal:
		f, _ := v.Float64()
		return f, true
	default:
		return 0, false
	}
}

func typeMismatch(dest, src interface{}) error {
	return errs.New(errs.KindConversion, "cannot scan value into destination type").
		WithField("dest_type", fmt.Sprintf("%T", dest)).
		WithField("src_type", fmt.Sprintf("%T", src))
}
