package barcode

// UnknownSlideType is the label for slide codes outside the known table.
const UnknownSlideType = "Unknown"

var slideTypes = map[string]string{
	"DX": "Diagnostic",
	"TS": "Frozen",
}

// SlideTypeLabel maps a two-character slide code to its label. It never fails.
func SlideTypeLabel(code string) string {
	if label, ok := slideTypes[code]; ok {
		return label
	}
	return UnknownSlideType
}
