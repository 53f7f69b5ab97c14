package protocol

import (
	"sort"
	"strings"

	"github.com/KevinKickass/OpenLaserCore/internal/faults"
)

var dialects = map[string]func() Dialect{
	"grbl":        NewGrbl,
	"grbl-legacy": NewGrblLegacy,
	"fluidnc":     NewFluidNC,
	"smoothie":    NewSmoothie,
	"marlin":      NewMarlin,
}

// Lookup selects a dialect by name. Version-qualified names such as
// "grbl-0.9" or "grbl1.1h" and the long "smoothieware" are accepted.
func Lookup(name string) (Dialect, error) {
	s := strings.ToLower(strings.TrimSpace(name))

	if ctor, ok := dialects[s]; ok {
		return ctor(), nil
	}

	// Versionsspezifische Aliase
	switch {
	case strings.HasPrefix(s, "grbl") && strings.Contains(s, "0.9"):
		return NewGrblLegacy(), nil
	case strings.HasPrefix(s, "grbl"):
		return NewGrbl(), nil
	case strings.HasPrefix(s, "smoothie"):
		return NewSmoothie(), nil
	case strings.HasPrefix(s, "fluid"):
		return NewFluidNC(), nil
	case strings.HasPrefix(s, "marlin"):
		return NewMarlin(), nil
	}
	return nil, faults.InvalidParameter("unknown dialect %q (known: %s)", name, strings.Join(Names(), ", "))
}

// Names lists the canonical dialect names.
func Names() []string {
	names := make([]string, 0, len(dialects))
	for n := range dialects {
		names = append(names, n)
	}
	sort.Strings(names)
	return names
}
