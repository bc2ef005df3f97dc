package sbom

import "sort"

// Document is the in-memory set of Components plus request-level metadata,
// described in spec.md §4.4. The zero value is an empty, usable Document.
type Document struct {
	ToolName    string
	ToolVersion string

	components map[Key]*Component
}

// New creates an empty Document.
func New(toolName, toolVersion string) *Document {
	return &Document{
		ToolName:    toolName,
		ToolVersion: toolVersion,
		components:  make(map[Key]*Component),
	}
}

// Add inserts c, merging with an existing component under the same key.
// Merge is idempotent: adding the same component twice has no additional
// effect beyond the first Add.
func (d *Document) Add(c Component) {
	if d.components == nil {
		d.components = make(map[Key]*Component)
	}
	key := c.KeyOf()
	existing, ok := d.components[key]
	if !ok {
		cp := c
		d.components[key] = &cp
		return
	}
	mergeInto(existing, c)
}

func mergeInto(dst *Component, src Component) {
	for key, set := range src.PropSets {
		for v := range set {
			dst.AddProperty(key, v)
		}
	}
	for _, ref := range src.ExternalRefs {
		if !containsRef(dst.ExternalRefs, ref) {
			dst.ExternalRefs = append(dst.ExternalRefs, ref)
		}
	}
}

func containsRef(refs []ExternalRef, ref ExternalRef) bool {
	for _, r := range refs {
		if r == ref {
			return true
		}
	}
	return false
}

// Merge unions other into d. Merge is commutative and associative: the
// result of merging any partition of a component set, in any order, is the
// same Document (law in spec.md §8.3).
func (d *Document) Merge(other *Document) {
	for _, c := range other.Components() {
		d.Add(c)
	}
}

// Components returns all components, sorted by purl then name then version
// (the deterministic ordering spec.md §4.4 requires).
func (d *Document) Components() []Component {
	out := make([]Component, 0, len(d.components))
	for _, c := range d.components {
		out = append(out, *c)
	}
	sort.Slice(out, func(i, j int) bool {
		a, b := out[i], out[j]
		if a.Purl != b.Purl {
			return a.Purl < b.Purl
		}
		if a.Name != b.Name {
			return a.Name < b.Name
		}
		return a.Version < b.Version
	})
	return out
}

// Len returns the number of distinct components.
func (d *Document) Len() int { return len(d.components) }
