package sqlundo

import (
	"errors"
	"fmt"
	"reflect"
	"strings"
	"unicode"

	"github.com/jinzhu/inflection"
)

// TableNamer provides a custom object type for a model.
type TableNamer interface {
	TableName() string
}

var tableNamerType = reflect.TypeOf((*TableNamer)(nil)).Elem()

// ObjectTypeOf derives an object type from a string, a TableNamer, or a struct type
// (snake_case, pluralized: Widget -> widgets, APIKey -> api_keys).
func ObjectTypeOf(target any) (string, error) {
	switch v := target.(type) {
	case nil:
		return "", errors.New("sqlundo: nil object type target")
	case string:
		name := strings.TrimSpace(v)
		if name == "" {
			return "", errors.New("sqlundo: empty object type")
		}
		return name, nil
	}

	val := reflect.ValueOf(target)
	typ := val.Type()

	if typ.Kind() == reflect.Pointer {
		if val.IsNil() {
			return "", fmt.Errorf("sqlundo: nil pointer target %T", target)
		}
		if namer, ok := val.Interface().(TableNamer); ok {
			return tableName(namer, target)
		}
		typ = typ.Elem()
		val = val.Elem()
	}

	if namer, ok := val.Interface().(TableNamer); ok {
		return tableName(namer, target)
	}

	if typ.Kind() == reflect.Struct {
		if reflect.PointerTo(typ).Implements(tableNamerType) {
			if namer, ok := reflect.New(typ).Interface().(TableNamer); ok {
				return tableName(namer, target)
			}
		}
		if typ.Name() == "" {
			return "", fmt.Errorf("sqlundo: cannot derive object type for anonymous struct of type %v", typ)
		}
		return inflection.Plural(toSnakeCase(typ.Name())), nil
	}

	return "", fmt.Errorf("sqlundo: unsupported object type target %T", target)
}

func tableName(namer TableNamer, target any) (string, error) {
	name := strings.TrimSpace(namer.TableName())
	if name == "" {
		return "", fmt.Errorf("sqlundo: TableName returned empty string. %T", target)
	}
	return name, nil
}

func toSnakeCase(s string) string {
	runes := []rune(s)
	var b strings.Builder
	for i, r := range runes {
		if unicode.IsUpper(r) {
			if i > 0 && (unicode.IsLower(runes[i-1]) || (i+1 < len(runes) && unicode.IsLower(runes[i+1]))) {
				b.WriteByte('_')
			}
			b.WriteRune(unicode.ToLower(r))
		} else {
			b.WriteRune(r)
		}
	}
	return b.String()
}
