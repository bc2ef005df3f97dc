// Package sbom implements the SBOM Model: an in-memory, deduplicated set
// of Components plus request-level metadata, with deterministic CycloneDX
// and SPDX emission. Grounded on the teacher's pkg/cache key-hashing style
// for stable ordering and on github.com/package-url/packageurl-go (used by
// google-osv-scanner in the retrieval pack) for canonical purl encoding.
package sbom

import (
	"fmt"
	"sort"

	"github.com/package-url/packageurl-go"
)

// Type is the CycloneDX/SPDX component classification.
type Type string

const (
	TypeLibrary   Type = "library"
	TypeFile      Type = "file"
	TypeContainer Type = "container"
)

// Well-known property keys, per spec.md §4.4.
const (
	PropFoundBy           = "cachi2:found_by"
	PropMissingHashInFile = "cachi2:missing_hash:in_file"
	PropNpmDevelopment    = "cdx:npm:package:development"
	PropNpmBundled        = "cdx:npm:package:bundled"
	PropNpmOptional       = "cdx:npm:package:optional"
	PropNpmPeer           = "cdx:npm:package:peer"
)

// ExternalRef is a CycloneDX externalReferences entry.
type ExternalRef struct {
	Type string
	URL  string
}

// Component is the SBOM unit described in spec.md §3.
type Component struct {
	Name         string
	Version      string // optional for some kinds
	Purl         string // canonical encoding
	Type         Type
	PropSets     map[string]map[string]struct{}
	ExternalRefs []ExternalRef
}

// Key is the uniqueness key from spec.md §3: (name, version, purl).
type Key struct {
	Name, Version, Purl string
}

// KeyOf returns c's uniqueness key.
func (c Component) KeyOf() Key { return Key{c.Name, c.Version, c.Purl} }

// AddProperty adds value to the named property's set (properties can carry
// multiple values, e.g. multiple cachi2:found_by entries when merged).
func (c *Component) AddProperty(key, value string) {
	if c.PropSets == nil {
		c.PropSets = make(map[string]map[string]struct{})
	}
	if c.PropSets[key] == nil {
		c.PropSets[key] = make(map[string]struct{})
	}
	c.PropSets[key][value] = struct{}{}
}

// HasProperty reports whether key=value is present.
func (c *Component) HasProperty(key, value string) bool {
	if c.PropSets == nil {
		return false
	}
	_, ok := c.PropSets[key][value]
	return ok
}

// sortedProperties returns (key, value) pairs in deterministic order.
func (c *Component) sortedProperties() []propertyPair {
	var out []propertyPair
	keys := make([]string, 0, len(c.PropSets))
	for k := range c.PropSets {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	for _, k := range keys {
		vals := make([]string, 0, len(c.PropSets[k]))
		for v := range c.PropSets[k] {
			vals = append(vals, v)
		}
		sort.Strings(vals)
		for _, v := range vals {
			out = append(out, propertyPair{k, v})
		}
	}
	return out
}

type propertyPair struct{ Key, Value string }

// NormalizePurl parses and re-serializes a purl string to its canonical
// encoding, satisfying the idempotence law in spec.md §8.2: parsing then
// re-serializing a valid purl must yield the identical string.
func NormalizePurl(raw string) (string, error) {
	p, err := packageurl.FromString(raw)
	if err != nil {
		return "", fmt.Errorf("invalid purl %q: %w", raw, err)
	}
	return p.ToString(), nil
}

// NewPurl builds a canonical purl string for the given coordinates.
func NewPurl(purlType, namespace, name, version string, qualifiers map[string]string, subpath string) string {
	var quals packageurl.Qualifiers
	keys := make([]string, 0, len(qualifiers))
	for k := range qualifiers {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	for _, k := range keys {
		quals = append(quals, packageurl.Qualifier{Key: k, Value: qualifiers[k]})
	}
	p := packageurl.NewPackageURL(purlType, namespace, name, version, quals, subpath)
	return p.ToString()
}
