package track

import "testing"

func windowFixes(epochs ...int64) []Fix {
	fixes := make([]Fix, 0, len(epochs))
	for _, epoch := range epochs {
		fixes = append(fixes, Fix{Epoch: epoch, Lat: 45.1, Lon: -73.0})
	}
	return fixes
}

func TestFilterByWindowUnboundedIsIdentity(t *testing.T) {
	fixes := windowFixes(10, 20, 30)
	trimmed := FilterByWindow(fixes, Window{})
	if len(trimmed) != 3 {
		t.Fatalf("expected identity, got %d fixes", len(trimmed))
	}
	for i := range fixes {
		if trimmed[i].Epoch != fixes[i].Epoch {
			t.Fatalf("order changed at %d", i)
		}
	}
}

func TestFilterByWindowBoundsAreInclusive(t *testing.T) {
	fixes := windowFixes(10, 20, 30, 40)
	trimmed := FilterByWindow(fixes, Window{Start: epochPtr(20), Finish: epochPtr(30)})
	if len(trimmed) != 2 {
		t.Fatalf("expected 2 fixes, got %d", len(trimmed))
	}
	if trimmed[0].Epoch != 20 || trimmed[1].Epoch != 30 {
		t.Fatalf("boundary fixes should be included: %+v", trimmed)
	}
}

func TestFilterByWindowOneSidedBounds(t *testing.T) {
	fixes := windowFixes(10, 20, 30)

	onlyStart := FilterByWindow(fixes, Window{Start: epochPtr(20)})
	if len(onlyStart) != 2 || onlyStart[0].Epoch != 20 {
		t.Fatalf("unexpected start-only trim: %+v", onlyStart)
	}

	onlyFinish := FilterByWindow(fixes, Window{Finish: epochPtr(20)})
	if len(onlyFinish) != 2 || onlyFinish[1].Epoch != 20 {
		t.Fatalf("unexpected finish-only trim: %+v", onlyFinish)
	}
}

func TestFilterByWindowInvertedRangeIsEmpty(t *testing.T) {
	fixes := windowFixes(10, 20, 30)
	trimmed := FilterByWindow(fixes, Window{Start: epochPtr(30), Finish: epochPtr(10)})
	if len(trimmed) != 0 {
		t.Fatalf("expected empty result for inverted window, got %d", len(trimmed))
	}
}
