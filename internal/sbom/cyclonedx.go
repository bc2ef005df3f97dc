package sbom

import (
	"encoding/json"
	"fmt"
)

const cycloneDXSpecVersion = "1.4"

type cdxDocument struct {
	BOMFormat   string         `json:"bomFormat"`
	SpecVersion string         `json:"specVersion"`
	Version     int            `json:"version"`
	Metadata    cdxMetadata    `json:"metadata"`
	Components  []cdxComponent `json:"components"`
}

type cdxMetadata struct {
	Tools []cdxTool `json:"tools"`
}

type cdxTool struct {
	Name    string `json:"name"`
	Version string `json:"version"`
}

type cdxComponent struct {
	Type               string         `json:"type"`
	Name               string         `json:"name"`
	Version            string         `json:"version,omitempty"`
	Purl               string         `json:"purl,omitempty"`
	Properties         []cdxProperty  `json:"properties,omitempty"`
	ExternalReferences []cdxExternRef `json:"externalReferences,omitempty"`
}

type cdxProperty struct {
	Name  string `json:"name"`
	Value string `json:"value"`
}

type cdxExternRef struct {
	Type string `json:"type"`
	URL  string `json:"url"`
}

// ToCycloneDX renders d as a CycloneDX 1.4 JSON document (spec.md §4.4).
// Component order is deterministic: Components() sorts by purl, name,
// version, so two calls over an equivalent Document produce byte-identical
// output.
func (d *Document) ToCycloneDX() ([]byte, error) {
	doc := cdxDocument{
		BOMFormat:   "CycloneDX",
		SpecVersion: cycloneDXSpecVersion,
		Version:     1,
		Metadata: cdxMetadata{
			Tools: []cdxTool{{Name: d.ToolName, Version: d.ToolVersion}},
		},
	}
	for _, c := range d.Components() {
		doc.Components = append(doc.Components, cdxComponentFrom(c))
	}
	out, err := json.MarshalIndent(doc, "", "  ")
	if err != nil {
		return nil, fmt.Errorf("marshaling cyclonedx document: %w", err)
	}
	return out, nil
}

func cdxComponentFrom(c Component) cdxComponent {
	out := cdxComponent{
		Type:    string(c.Type),
		Name:    c.Name,
		Version: c.Version,
		Purl:    c.Purl,
	}
	for _, pair := range c.sortedProperties() {
		out.Properties = append(out.Properties, cdxProperty{Name: pair.Key, Value: pair.Value})
	}
	for _, ref := range c.ExternalRefs {
		out.ExternalReferences = append(out.ExternalReferences, cdxExternRef{Type: ref.Type, URL: ref.URL})
	}
	return out
}
