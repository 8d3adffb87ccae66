package track

// FilterByWindow trims an ordered fix sequence to an optional timing window.
// A fix survives iff it is at or after the start bound and at or before the
// finish bound; both bounds are inclusive and either may be nil. With neither
// bound set the input is returned unchanged. Order is preserved and no
// deduplication happens here.
func FilterByWindow(fixes []Fix, window Window) []Fix {
	if window.IsUnbounded() {
		return fixes
	}
	trimmed := make([]Fix, 0, len(fixes))
	for _, fix := range fixes {
		if window.Start != nil && fix.Epoch < *window.Start {
			continue
		}
		if window.Finish != nil && fix.Epoch > *window.Finish {
			continue
		}
		trimmed = append(trimmed, fix)
	}
	return trimmed
}
