package eval

import (
	"crypto/md5"
	"encoding/hex"
	"fmt"
	"math"
	"strconv"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"
)

const dateLayout = "2006-01-02"

// universalDateLayouts are tried in order by universal_parse_date. Order
// matters: ISO first, then common bank-export variants.
var universalDateLayouts = []string{
	"2006-01-02",
	"2006-01-02T15:04:05",
	"02.01.2006",
	"02/01/2006",
	"01/02/2006",
	"2006/01/02",
	"20060102",
	"02-Jan-2006",
	"2 Jan 2006",
	"Jan 2, 2006",
}

func argAt(args []any, i int, fn string) (any, error) {
	if i >= len(args) {
		return nil, fmt.Errorf("%s: missing argument %d", fn, i+1)
	}
	return args[i], nil
}

func argString(args []any, i int, fn string) (string, error) {
	v, err := argAt(args, i, fn)
	if err != nil {
		return "", err
	}
	s, ok := v.(string)
	if !ok {
		return "", fmt.Errorf("%s: argument %d must be a string, got %T", fn, i+1, v)
	}
	return s, nil
}

func argInt(args []any, i int, fn string) (int, error) {
	v, err := argAt(args, i, fn)
	if err != nil {
		return 0, err
	}
	f, err := toFloat(v)
	if err != nil {
		return 0, fmt.Errorf("%s: argument %d: %w", fn, i+1, err)
	}
	return int(f), nil
}

func argFloat(args []any, i int, fn string) (float64, error) {
	v, err := argAt(args, i, fn)
	if err != nil {
		return 0, err
	}
	f, err := toFloat(v)
	if err != nil {
		return 0, fmt.Errorf("%s: argument %d: %w", fn, i+1, err)
	}
	return f, nil
}

func argMap(args []any, i int, fn string) (map[string]any, error) {
	v, err := argAt(args, i, fn)
	if err != nil {
		return nil, err
	}
	m, ok := v.(map[string]any)
	if !ok {
		return nil, fmt.Errorf("%s: argument %d must be a map, got %T", fn, i+1, v)
	}
	return m, nil
}

func argTime(args []any, i int, fn string) (time.Time, error) {
	v, err := argAt(args, i, fn)
	if err != nil {
		return time.Time{}, err
	}
	switch t := v.(type) {
	case time.Time:
		return t, nil
	case string:
		parsed, perr := time.Parse(dateLayout, t)
		if perr != nil {
			return time.Time{}, fmt.Errorf("%s: argument %d: %w", fn, i+1, perr)
		}
		return parsed, nil
	default:
		return time.Time{}, fmt.Errorf("%s: argument %d must be a date, got %T", fn, i+1, v)
	}
}

func toFloat(v any) (float64, error) {
	switch n := v.(type) {
	case float64:
		return n, nil
	case float32:
		return float64(n), nil
	case int:
		return float64(n), nil
	case int64:
		return float64(n), nil
	case bool:
		if n {
			return 1, nil
		}
		return 0, nil
	case string:
		f, err := strconv.ParseFloat(strings.TrimSpace(n), 64)
		if err != nil {
			return 0, fmt.Errorf("cannot convert %q to number", n)
		}
		return f, nil
	case nil:
		return 0, fmt.Errorf("cannot convert nil to number")
	default:
		return 0, fmt.Errorf("cannot convert %T to number", v)
	}
}

func fnStr(args ...any) (any, error) {
	v, err := argAt(args, 0, "str")
	if err != nil {
		return nil, err
	}
	switch t := v.(type) {
	case nil:
		return "", nil
	case string:
		return t, nil
	case time.Time:
		return t.Format(dateLayout), nil
	case float64:
		return strconv.FormatFloat(t, 'f', -1, 64), nil
	case bool:
		if t {
			return "True", nil
		}
		return "False", nil
	default:
		return fmt.Sprintf("%v", t), nil
	}
}

func fnInt(args ...any) (any, error) {
	f, err := argFloat(args, 0, "int")
	if err != nil {
		return nil, err
	}
	return math.Trunc(f), nil
}

func fnFloat(args ...any) (any, error) {
	return argFloat(args, 0, "float")
}

func fnBool(args ...any) (any, error) {
	v, err := argAt(args, 0, "bool")
	if err != nil {
		return nil, err
	}
	return truthy(v), nil
}

func truthy(v any) bool {
	switch t := v.(type) {
	case nil:
		return false
	case bool:
		return t
	case string:
		return t != ""
	case float64:
		return t != 0
	case int:
		return t != 0
	case []any:
		return len(t) > 0
	case map[string]any:
		return len(t) > 0
	default:
		return true
	}
}

func fnRound(args ...any) (any, error) {
	f, err := argFloat(args, 0, "round")
	if err != nil {
		return nil, err
	}
	digits := 0
	if len(args) > 1 {
		digits, err = argInt(args, 1, "round")
		if err != nil {
			return nil, err
		}
	}
	shift := math.Pow(10, float64(digits))
	return math.Round(f*shift) / shift, nil
}

func fnTrunc(args ...any) (any, error) {
	f, err := argFloat(args, 0, "trunc")
	if err != nil {
		return nil, err
	}
	return math.Trunc(f), nil
}

func fnAbs(args ...any) (any, error) {
	f, err := argFloat(args, 0, "abs")
	if err != nil {
		return nil, err
	}
	return math.Abs(f), nil
}

func fnIsClose(args ...any) (any, error) {
	a, err := argFloat(args, 0, "isclose")
	if err != nil {
		return nil, err
	}
	b, err := argFloat(args, 1, "isclose")
	if err != nil {
		return nil, err
	}
	tolerance := 1e-9
	if len(args) > 2 {
		tolerance, err = argFloat(args, 2, "isclose")
		if err != nil {
			return nil, err
		}
	}
	return math.Abs(a-b) <= tolerance*math.Max(math.Abs(a), math.Abs(b)), nil
}

func fnMin(args ...any) (any, error) {
	if len(args) == 0 {
		return nil, fmt.Errorf("min: no arguments")
	}
	best, err := argFloat(args, 0, "min")
	if err != nil {
		return nil, err
	}
	for i := 1; i < len(args); i++ {
		f, err := argFloat(args, i, "min")
		if err != nil {
			return nil, err
		}
		if f < best {
			best = f
		}
	}
	return best, nil
}

func fnMax(args ...any) (any, error) {
	if len(args) == 0 {
		return nil, fmt.Errorf("max: no arguments")
	}
	best, err := argFloat(args, 0, "max")
	if err != nil {
		return nil, err
	}
	for i := 1; i < len(args); i++ {
		f, err := argFloat(args, i, "max")
		if err != nil {
			return nil, err
		}
		if f > best {
			best = f
		}
	}
	return best, nil
}

func fnLen(args ...any) (any, error) {
	v, err := argAt(args, 0, "len")
	if err != nil {
		return nil, err
	}
	switch t := v.(type) {
	case string:
		return float64(len(t)), nil
	case []any:
		return float64(len(t)), nil
	case map[string]any:
		return float64(len(t)), nil
	case nil:
		return float64(0), nil
	default:
		return nil, fmt.Errorf("len: unsupported type %T", v)
	}
}

func fnIff(args ...any) (any, error) {
	cond, err := argAt(args, 0, "iff")
	if err != nil {
		return nil, err
	}
	if truthy(cond) {
		return argAt(args, 1, "iff")
	}
	return argAt(args, 2, "iff")
}

func fnUpper(args ...any) (any, error) {
	s, err := argString(args, 0, "upper")
	if err != nil {
		return nil, err
	}
	return strings.ToUpper(s), nil
}

func fnLower(args ...any) (any, error) {
	s, err := argString(args, 0, "lower")
	if err != nil {
		return nil, err
	}
	return strings.ToLower(s), nil
}

func fnContains(args ...any) (any, error) {
	s, err := argString(args, 0, "contains")
	if err != nil {
		return nil, err
	}
	sub, err := argString(args, 1, "contains")
	if err != nil {
		return nil, err
	}
	return strings.Contains(s, sub), nil
}

func fnReplace(args ...any) (any, error) {
	s, err := argString(args, 0, "replace")
	if err != nil {
		return nil, err
	}
	old, err := argString(args, 1, "replace")
	if err != nil {
		return nil, err
	}
	repl, err := argString(args, 2, "replace")
	if err != nil {
		return nil, err
	}
	return strings.ReplaceAll(s, old, repl), nil
}

func fnSubstr(args ...any) (any, error) {
	s, err := argString(args, 0, "substr")
	if err != nil {
		return nil, err
	}
	start, err := argInt(args, 1, "substr")
	if err != nil {
		return nil, err
	}
	end := len(s)
	if len(args) > 2 {
		end, err = argInt(args, 2, "substr")
		if err != nil {
			return nil, err
		}
	}
	if start < 0 {
		start = 0
	}
	if end > len(s) {
		end = len(s)
	}
	if start >= end {
		return "", nil
	}
	return s[start:end], nil
}

func fnStrip(args ...any) (any, error) {
	s, err := argString(args, 0, "strip")
	if err != nil {
		return nil, err
	}
	return strings.TrimSpace(s), nil
}

func fnSplit(args ...any) (any, error) {
	s, err := argString(args, 0, "split")
	if err != nil {
		return nil, err
	}
	sep := ","
	if len(args) > 1 {
		sep, err = argString(args, 1, "split")
		if err != nil {
			return nil, err
		}
	}
	parts := strings.Split(s, sep)
	out := make([]any, len(parts))
	for i, p := range parts {
		out[i] = p
	}
	return out, nil
}

func fnJoin(args ...any) (any, error) {
	v, err := argAt(args, 0, "join")
	if err != nil {
		return nil, err
	}
	list, ok := v.([]any)
	if !ok {
		return nil, fmt.Errorf("join: argument 1 must be a list, got %T", v)
	}
	sep := ","
	if len(args) > 1 {
		sep, err = argString(args, 1, "join")
		if err != nil {
			return nil, err
		}
	}
	parts := make([]string, len(list))
	for i, item := range list {
		s, serr := fnStr(item)
		if serr != nil {
			return nil, serr
		}
		parts[i] = s.(string)
	}
	return strings.Join(parts, sep), nil
}

func fnMD5(args ...any) (any, error) {
	s, err := argString(args, 0, "md5")
	if err != nil {
		return nil, err
	}
	sum := md5.Sum([]byte(s))
	return hex.EncodeToString(sum[:]), nil
}

func fnUUID(args ...any) (any, error) {
	return uuid.New().String(), nil
}

// simple_group derives a stable group key from a display name. Used by
// schemes to bucket rows without authoring a classifier first.
func fnSimpleGroup(args ...any) (any, error) {
	s, err := argString(args, 0, "simple_group")
	if err != nil {
		return nil, err
	}
	s = strings.ToLower(strings.TrimSpace(s))
	s = strings.Join(strings.Fields(s), "_")
	return s, nil
}

func fnNow(args ...any) (any, error) {
	return time.Now().UTC().Truncate(24 * time.Hour), nil
}

func fnDate(args ...any) (any, error) {
	y, err := argInt(args, 0, "date")
	if err != nil {
		return nil, err
	}
	m, err := argInt(args, 1, "date")
	if err != nil {
		return nil, err
	}
	d, err := argInt(args, 2, "date")
	if err != nil {
		return nil, err
	}
	return time.Date(y, time.Month(m), d, 0, 0, 0, 0, time.UTC), nil
}

func fnParseDate(args ...any) (any, error) {
	s, err := argString(args, 0, "parse_date")
	if err != nil {
		return nil, err
	}
	layout := dateLayout
	if len(args) > 1 {
		layout, err = argString(args, 1, "parse_date")
		if err != nil {
			return nil, err
		}
	}
	t, err := time.Parse(layout, strings.TrimSpace(s))
	if err != nil {
		return nil, fmt.Errorf("parse_date: %w", err)
	}
	return t, nil
}

func fnUniversalParseDate(args ...any) (any, error) {
	s, err := argString(args, 0, "universal_parse_date")
	if err != nil {
		return nil, err
	}
	s = strings.TrimSpace(s)
	for _, layout := range universalDateLayouts {
		if t, perr := time.Parse(layout, s); perr == nil {
			return t, nil
		}
	}
	return nil, fmt.Errorf("universal_parse_date: unrecognized date %q", s)
}

func fnFormatDate(args ...any) (any, error) {
	t, err := argTime(args, 0, "format_date")
	if err != nil {
		return nil, err
	}
	layout := dateLayout
	if len(args) > 1 {
		layout, err = argString(args, 1, "format_date")
		if err != nil {
			return nil, err
		}
	}
	return t.Format(layout), nil
}

func fnAddDays(args ...any) (any, error) {
	t, err := argTime(args, 0, "add_days")
	if err != nil {
		return nil, err
	}
	n, err := argInt(args, 1, "add_days")
	if err != nil {
		return nil, err
	}
	return t.AddDate(0, 0, n), nil
}

func fnAddWeeks(args ...any) (any, error) {
	t, err := argTime(args, 0, "add_weeks")
	if err != nil {
		return nil, err
	}
	n, err := argInt(args, 1, "add_weeks")
	if err != nil {
		return nil, err
	}
	return t.AddDate(0, 0, 7*n), nil
}

func fnDaysDiff(args ...any) (any, error) {
	a, err := argTime(args, 0, "days_diff")
	if err != nil {
		return nil, err
	}
	b, err := argTime(args, 1, "days_diff")
	if err != nil {
		return nil, err
	}
	return math.Round(a.Sub(b).Hours() / 24), nil
}

func fnFormatNumber(args ...any) (any, error) {
	f, err := argFloat(args, 0, "format_number")
	if err != nil {
		return nil, err
	}
	digits := int32(2)
	if len(args) > 1 {
		n, derr := argInt(args, 1, "format_number")
		if derr != nil {
			return nil, derr
		}
		digits = int32(n)
	}
	return decimal.NewFromFloat(f).StringFixed(digits), nil
}

func fnParseNumber(args ...any) (any, error) {
	s, err := argString(args, 0, "parse_number")
	if err != nil {
		return nil, err
	}
	s = strings.TrimSpace(s)
	s = strings.ReplaceAll(s, " ", "")
	s = strings.ReplaceAll(s, ",", "")
	d, err := decimal.NewFromString(s)
	if err != nil {
		return nil, fmt.Errorf("parse_number: cannot parse %q", s)
	}
	f, _ := d.Float64()
	return f, nil
}
