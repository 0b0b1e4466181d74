package filters

import "github.com/harborpdf/docmodel/object"

// ExtractFilters reads Filter and DecodeParms entries from a stream dictionary.
func ExtractFilters(dict object.Dictionary) ([]string, []object.Dictionary) {
	var names []string
	var params []object.Dictionary

	filterObj, ok := dict.Get(object.NameObj{Val: "Filter"})
	if !ok {
		return names, params
	}

	switch f := filterObj.(type) {
	case object.Name:
		names = append(names, f.Value())
	case *object.ArrayObj:
		for _, item := range f.Items {
			if n, ok := item.(object.Name); ok {
				names = append(names, n.Value())
			}
		}
	}

	if len(names) > 0 {
		if pObj, ok := dict.Get(object.NameObj{Val: "DecodeParms"}); ok {
			switch p := pObj.(type) {
			case object.Dictionary:
				params = append(params, p)
			case *object.ArrayObj:
				// Preserve positional correspondence with names: a non-
				// Dictionary entry (commonly a null placeholder for a
				// filter with no parameters) still occupies its slot.
				for _, item := range p.Items {
					d, _ := item.(object.Dictionary)
					params = append(params, d)
				}
			}
		}
	}

	return names, params
}
