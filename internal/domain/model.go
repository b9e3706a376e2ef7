package domain

// ModelVariant describes one upstream model configuration. Quota eligibility
// is an explicit flag here rather than inferred from the key; a variant with
// Metered=false ("relaxed") bypasses the ledger entirely.
type ModelVariant struct {
	Key     string
	Metered bool
	// RelaxedKey names the unmetered variant the orchestrator substitutes
	// when the metered quota is exhausted. Empty means no fallback exists.
	RelaxedKey string
}

// ModelCatalog resolves model keys to their variant definitions.
type ModelCatalog struct {
	variants map[string]ModelVariant
}

// NewModelCatalog builds a catalog from variant definitions.
func NewModelCatalog(variants []ModelVariant) *ModelCatalog {
	m := make(map[string]ModelVariant, len(variants))
	for _, v := range variants {
		m[v.Key] = v
	}
	return &ModelCatalog{variants: m}
}

// DefaultModelCatalog covers the provider's current clip models. The fast
// tier is metered with a relaxed fallback; the relaxed tier runs unmetered.
func DefaultModelCatalog() *ModelCatalog {
	return NewModelCatalog([]ModelVariant{
		{Key: "clip-fast", Metered: true, RelaxedKey: "clip-relaxed"},
		{Key: "clip-relaxed", Metered: false},
		{Key: "clip-quality", Metered: true, RelaxedKey: "clip-relaxed"},
	})
}

// Lookup returns the variant for key.
func (c *ModelCatalog) Lookup(key string) (ModelVariant, bool) {
	v, ok := c.variants[key]
	return v, ok
}

// Fallback returns the unmetered variant for key, if one is defined.
func (c *ModelCatalog) Fallback(key string) (ModelVariant, bool) {
	v, ok := c.variants[key]
	if !ok || v.RelaxedKey == "" {
		return ModelVariant{}, false
	}
	relaxed, ok := c.variants[v.RelaxedKey]
	if !ok || relaxed.Metered {
		return ModelVariant{}, false
	}
	return relaxed, true
}
