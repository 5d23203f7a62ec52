package audio

import "strings"

// ParseLabel splits a model label of the form "Scientific name_Common name".
// Labels without a separator are treated as a bare scientific name.
func ParseLabel(label string) (scientific, common string) {
	label = strings.TrimSpace(label)
	if i := strings.Index(label, "_"); i >= 0 {
		return strings.TrimSpace(label[:i]), strings.TrimSpace(label[i+1:])
	}
	return label, ""
}
