package sbom

import (
	"encoding/json"
	"fmt"
	"strings"
)

const spdxVersion = "SPDX-2.3"

type spdxDocument struct {
	SPDXVersion       string         `json:"spdxVersion"`
	DataLicense       string         `json:"dataLicense"`
	SPDXID            string         `json:"SPDXID"`
	Name              string         `json:"name"`
	DocumentNamespace string         `json:"documentNamespace"`
	CreationInfo      spdxCreateInfo `json:"creationInfo"`
	Packages          []spdxPackage  `json:"packages"`
}

type spdxCreateInfo struct {
	Creators []string `json:"creators"`
}

type spdxPackage struct {
	SPDXID           string            `json:"SPDXID"`
	Name             string            `json:"name"`
	VersionInfo      string            `json:"versionInfo,omitempty"`
	DownloadLocation string            `json:"downloadLocation"`
	ExternalRefs     []spdxExternalRef `json:"externalRefs,omitempty"`
	Comment          string            `json:"comment,omitempty"`
}

type spdxExternalRef struct {
	ReferenceCategory string `json:"referenceCategory"`
	ReferenceType     string `json:"referenceType"`
	ReferenceLocator  string `json:"referenceLocator"`
}

// ToSPDX renders d as an SPDX 2.3 JSON document (spec.md §4.4). Component
// ordering follows Components(), matching ToCycloneDX.
func (d *Document) ToSPDX(namespace string) ([]byte, error) {
	doc := spdxDocument{
		SPDXVersion:       spdxVersion,
		DataLicense:       "CC0-1.0",
		SPDXID:            "SPDXRef-DOCUMENT",
		Name:              d.ToolName,
		DocumentNamespace: namespace,
		CreationInfo: spdxCreateInfo{
			Creators: []string{fmt.Sprintf("Tool: %s-%s", d.ToolName, d.ToolVersion)},
		},
	}
	for i, c := range d.Components() {
		doc.Packages = append(doc.Packages, spdxPackageFrom(i, c))
	}
	out, err := json.MarshalIndent(doc, "", "  ")
	if err != nil {
		return nil, fmt.Errorf("marshaling spdx document: %w", err)
	}
	return out, nil
}

func spdxPackageFrom(index int, c Component) spdxPackage {
	pkg := spdxPackage{
		SPDXID:           fmt.Sprintf("SPDXRef-Package-%d-%s", index, spdxSanitize(c.Name)),
		Name:             c.Name,
		VersionInfo:      c.Version,
		DownloadLocation: "NOASSERTION",
	}
	if c.Purl != "" {
		pkg.ExternalRefs = append(pkg.ExternalRefs, spdxExternalRef{
			ReferenceCategory: "PACKAGE-MANAGER",
			ReferenceType:     "purl",
			ReferenceLocator:  c.Purl,
		})
	}
	var comments []string
	for _, pair := range c.sortedProperties() {
		comments = append(comments, pair.Key+"="+pair.Value)
	}
	if len(comments) > 0 {
		pkg.Comment = strings.Join(comments, "; ")
	}
	return pkg
}

func spdxSanitize(name string) string {
	var b strings.Builder
	for _, r := range name {
		switch {
		case r >= 'a' && r <= 'z', r >= 'A' && r <= 'Z', r >= '0' && r <= '9', r == '-', r == '.':
			b.WriteRune(r)
		default:
			b.WriteRune('-')
		}
	}
	return b.String()
}
