package omitnilpointers

import "reflect"

// OmitNilPointers returns a copy of fields without nil values. Non-nil
// pointers are replaced by the values they point to.
func OmitNilPointers(fields map[string]any) map[string]any {
	res := make(map[string]any, len(fields))
	for key, value := range fields {
		if value == nil {
			continue
		}

		v := reflect.ValueOf(value)
		if v.Kind() != reflect.Pointer {
			res[key] = value
			continue
		}

		if v.IsNil() {
			continue
		}
		res[key] = v.Elem().Interface()
	}

	return res
}
