package taxonomy

import (
	"strings"
	"unicode"
)

// IndustryGeneral is the fallback extension for unknown industry types.
const IndustryGeneral = "general"

// Extension adds industry-specific secondary categories and prompt
// context on top of the base taxonomy.
type Extension struct {
	Key     string
	Label   string
	Context string

	// Secondary maps a primary category to extra secondaries.
	Secondary map[string][]categoryDef

	aliases []string
}

var extensions = []Extension{
	{
		Key:     "pools_spas",
		Label:   "Pools & Spas",
		Context: "The business sells, installs and services swimming pools, hot tubs and spas.",
		aliases: []string{"pool", "pools", "spa", "spas", "hot tub", "hottub", "swim"},
		Secondary: map[string][]categoryDef{
			CategorySupport: {
				{Name: "Parts And Chemicals", Description: "Orders or questions about pool/spa parts, filters and water chemicals.",
					Keywords: []string{"chlorine", "filter", "chemicals", "ph", "cover", "pump"}},
			},
			CategorySales: {
				{Name: "Hot Tub Sales", Description: "Interest in buying a new hot tub or spa.", Keywords: []string{"hot tub", "spa model", "showroom"}},
			},
		},
	},
	{
		Key:     "hvac",
		Label:   "HVAC",
		Context: "The business installs and services heating, ventilation and air-conditioning systems.",
		aliases: []string{"hvac", "heating", "cooling", "furnace", "air conditioning"},
		Secondary: map[string][]categoryDef{
			CategorySupport: {
				{Name: "Parts And Supplies", Description: "Orders or questions about filters, thermostats and replacement parts.",
					Keywords: []string{"filter", "thermostat", "part", "replacement"}},
				{Name: "Maintenance Plans", Description: "Seasonal tune-ups and maintenance agreements.", Keywords: []string{"tune-up", "maintenance plan"}},
			},
		},
	},
	{
		Key:     "electrical",
		Label:   "Electrical",
		Context: "The business provides residential and commercial electrical services.",
		aliases: []string{"electric", "electrical", "electrician"},
		Secondary: map[string][]categoryDef{
			CategorySupport: {
				{Name: "Parts And Supplies", Description: "Fixtures, breakers and wiring supplies.", Keywords: []string{"breaker", "panel", "fixture"}},
				{Name: "Permits And Inspections", Description: "Permit applications and inspection scheduling.", Keywords: []string{"permit", "inspection"}},
			},
		},
	},
	{
		Key:     "plumbing",
		Label:   "Plumbing",
		Context: "The business provides plumbing installation and repair.",
		aliases: []string{"plumb", "plumbing", "plumber", "drain"},
		Secondary: map[string][]categoryDef{
			CategorySupport: {
				{Name: "Parts And Supplies", Description: "Fittings, fixtures and water heater parts.", Keywords: []string{"fitting", "water heater", "valve"}},
			},
		},
	},
	{
		Key:     "landscaping",
		Label:   "Landscaping",
		Context: "The business provides landscaping, lawn care and snow removal.",
		aliases: []string{"landscap", "lawn", "garden", "snow removal"},
		Secondary: map[string][]categoryDef{
			CategorySupport: {
				{Name: "Seasonal Services", Description: "Spring cleanup, fall cleanup and snow contracts.", Keywords: []string{"cleanup", "snow", "seasonal"}},
			},
		},
	},
	{
		Key:     IndustryGeneral,
		Label:   "General Services",
		Context: "The business is a service company.",
		Secondary: map[string][]categoryDef{
			CategorySupport: {
				{Name: "Parts And Supplies", Description: "Orders or questions about parts, materials and supplies."},
			},
		},
	},
}

// Industries returns the keys of every known extension, including the
// general fallback.
func Industries() []string {
	keys := make([]string, 0, len(extensions))
	for _, e := range extensions {
		keys = append(keys, e.Key)
	}
	return keys
}

// ResolveIndustry maps a free-form industry type ("Pools & Spas",
// "HVAC contractor") to an extension. The boolean reports whether a
// specific extension matched; when false the general fallback is
// returned. An empty name resolves to nothing.
func ResolveIndustry(name string) (Extension, bool) {
	norm := normalizeIndustry(name)
	if norm == "" {
		return Extension{}, false
	}
	for _, e := range extensions {
		if e.Key == norm || normalizeIndustry(e.Label) == norm {
			return e, true
		}
	}
	for _, e := range extensions {
		for _, alias := range e.aliases {
			if containsWord(norm, alias) {
				return e, true
			}
		}
	}
	return generalExtension(), false
}

func generalExtension() Extension {
	return extensions[len(extensions)-1]
}

// normalizeIndustry lowercases and collapses punctuation to spaces.
func normalizeIndustry(s string) string {
	var b strings.Builder
	for _, r := range strings.ToLower(s) {
		switch {
		case unicode.IsLetter(r) || unicode.IsDigit(r):
			b.WriteRune(r)
		case r == '_':
			b.WriteRune('_')
		default:
			b.WriteRune(' ')
		}
	}
	return strings.Join(strings.Fields(b.String()), " ")
}

// containsWord reports whether any word of s starts with prefix, or s
// contains the multi-word prefix.
func containsWord(s, prefix string) bool {
	if strings.Contains(prefix, " ") {
		return strings.Contains(s, prefix)
	}
	for _, w := range strings.FieldsFunc(s, func(r rune) bool { return r == ' ' || r == '_' }) {
		if strings.HasPrefix(w, prefix) {
			return true
		}
	}
	return false
}
