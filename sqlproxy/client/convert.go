package client

import (
	"database/sql"
	"fmt"
	"strconv"
	"time"
)

// convertAssign stores a wire value (nil, int64, float64, bool, string or
// []byte) into dest.
func convertAssign(dest, src any) error {
	if scanner, ok := dest.(sql.Scanner); ok {
		return scanner.Scan(src)
	}

	switch d := dest.(type) {
	case *any:
		*d = src
		return nil
	case *string:
		switch s := src.(type) {
		case string:
			*d = s
		case []byte:
			*d = string(s)
		case int64:
			*d = strconv.FormatInt(s, 10)
		case float64:
			*d = strconv.FormatFloat(s, 'g', -1, 64)
		case bool:
			*d = strconv.FormatBool(s)
		default:
			return errNilInto(src, dest)
		}
		return nil
	case *[]byte:
		switch s := src.(type) {
		case []byte:
			*d = append([]byte(nil), s...)
		case string:
			*d = []byte(s)
		case nil:
			*d = nil
		default:
			*d = []byte(fmt.Sprint(s))
		}
		return nil
	case *int64:
		n, err := asInt(src)
		*d = n
		return err
	case *int:
		n, err := asInt(src)
		*d = int(n)
		return err
	case *int32:
		n, err := asInt(src)
		*d = int32(n)
		return err
	case *float64:
		switch s := src.(type) {
		case float64:
			*d = s
		case int64:
			*d = float64(s)
		case string:
			f, err := strconv.ParseFloat(s, 64)
			if err != nil {
				return err
			}
			*d = f
		default:
			return errNilInto(src, dest)
		}
		return nil
	case *bool:
		switch s := src.(type) {
		case bool:
			*d = s
		case int64:
			*d = s != 0
		case string:
			b, err := strconv.ParseBool(s)
			if err != nil {
				return err
			}
			*d = b
		default:
			return errNilInto(src, dest)
		}
		return nil
	case *time.Time:
		s, ok := src.(string)
		if !ok {
			return errNilInto(src, dest)
		}
		for _, layout := range timeLayouts {
			if t, err := time.Parse(layout, s); err == nil {
				*d = t
				return nil
			}
		}
		return fmt.Errorf("cannot parse %q as a time", s)
	}
	return fmt.Errorf("unsupported Scan, storing %T into type %T", src, dest)
}

// timeLayouts are the formats SQLite and go-sqlite3 write timestamps in.
var timeLayouts = []string{
	time.RFC3339Nano,
	"2006-01-02 15:04:05.999999999-07:00",
	"2006-01-02 15:04:05.999999999",
	"2006-01-02 15:04:05",
	"2006-01-02",
}

func asInt(src any) (int64, error) {
	switch s := src.(type) {
	case int64:
		return s, nil
	case float64:
		return int64(s), nil
	case bool:
		if s {
			return 1, nil
		}
		return 0, nil
	case string:
		return strconv.ParseInt(s, 10, 64)
	case []byte:
		return strconv.ParseInt(string(s), 10, 64)
	}
	return 0, fmt.Errorf("converting %T to an integer is unsupported", src)
}

func errNilInto(src, dest any) error {
	if src == nil {
		return fmt.Errorf("converting NULL to %T is unsupported", dest)
	}
	return fmt.Errorf("converting %T to %T is unsupported", src, dest)
}
