package sbom

import (
	"encoding/json"
	"testing"
)

func TestNormalizePurlIsIdempotent(t *testing.T) {
	raw := "pkg:golang/github.com/spf13/cobra@v1.10.1"
	once, err := NormalizePurl(raw)
	if err != nil {
		t.Fatalf("NormalizePurl: %v", err)
	}
	twice, err := NormalizePurl(once)
	if err != nil {
		t.Fatalf("NormalizePurl (second pass): %v", err)
	}
	if once != twice {
		t.Fatalf("purl normalization is not idempotent: %q != %q", once, twice)
	}
}

func TestNewPurlSortsQualifiers(t *testing.T) {
	a := NewPurl("npm", "", "left-pad", "1.3.0", map[string]string{"b": "2", "a": "1"}, "")
	b := NewPurl("npm", "", "left-pad", "1.3.0", map[string]string{"a": "1", "b": "2"}, "")
	if a != b {
		t.Fatalf("qualifier order should not affect canonical purl: %q != %q", a, b)
	}
}

func TestAddPropertyUnionsValues(t *testing.T) {
	var c Component
	c.AddProperty(PropFoundBy, "cachi2:pip")
	c.AddProperty(PropFoundBy, "cachi2:pip")
	c.AddProperty(PropFoundBy, "cachi2:npm")

	if !c.HasProperty(PropFoundBy, "cachi2:pip") || !c.HasProperty(PropFoundBy, "cachi2:npm") {
		t.Fatal("expected both found_by values to be present")
	}
	if got := len(c.PropSets[PropFoundBy]); got != 2 {
		t.Fatalf("expected 2 distinct values, got %d", got)
	}
}

func TestMergeIsCommutative(t *testing.T) {
	a := Component{Name: "requests", Version: "2.31.0", Purl: "pkg:pypi/requests@2.31.0", Type: TypeLibrary}
	a.AddProperty(PropFoundBy, "cachi2:pip")

	b := Component{Name: "requests", Version: "2.31.0", Purl: "pkg:pypi/requests@2.31.0", Type: TypeLibrary}
	b.AddProperty(PropMissingHashInFile, "requirements.txt")

	d1 := New("cachi2", "1.0.0")
	d1.Add(a)
	d1.Add(b)

	d2 := New("cachi2", "1.0.0")
	d2.Add(b)
	d2.Add(a)

	out1, err := d1.ToCycloneDX()
	if err != nil {
		t.Fatal(err)
	}
	out2, err := d2.ToCycloneDX()
	if err != nil {
		t.Fatal(err)
	}
	if string(out1) != string(out2) {
		t.Fatalf("merge order changed output:\n%s\nvs\n%s", out1, out2)
	}
	if d1.Len() != 1 {
		t.Fatalf("expected components with the same key to merge into one, got %d", d1.Len())
	}
}

func TestDocumentMergeUnionsAcrossDocuments(t *testing.T) {
	a := Component{Name: "left-pad", Version: "1.3.0", Purl: "pkg:npm/left-pad@1.3.0", Type: TypeLibrary}
	b := Component{Name: "right-pad", Version: "1.0.0", Purl: "pkg:npm/right-pad@1.0.0", Type: TypeLibrary}

	d1 := New("cachi2", "1.0.0")
	d1.Add(a)
	d2 := New("cachi2", "1.0.0")
	d2.Add(b)

	d1.Merge(d2)
	if d1.Len() != 2 {
		t.Fatalf("expected 2 components after merge, got %d", d1.Len())
	}
}

func TestComponentsAreSortedDeterministically(t *testing.T) {
	d := New("cachi2", "1.0.0")
	d.Add(Component{Name: "zeta", Version: "1.0.0", Purl: "pkg:pypi/zeta@1.0.0", Type: TypeLibrary})
	d.Add(Component{Name: "alpha", Version: "1.0.0", Purl: "pkg:pypi/alpha@1.0.0", Type: TypeLibrary})
	d.Add(Component{Name: "mid", Version: "1.0.0", Purl: "pkg:pypi/mid@1.0.0", Type: TypeLibrary})

	comps := d.Components()
	for i := 1; i < len(comps); i++ {
		if comps[i-1].Purl > comps[i].Purl {
			t.Fatalf("components not sorted by purl: %v", comps)
		}
	}
}

func TestToCycloneDXRoundTripsJSON(t *testing.T) {
	d := New("cachi2", "1.0.0")
	d.Add(Component{Name: "click", Version: "8.1.7", Purl: "pkg:pypi/click@8.1.7", Type: TypeLibrary})

	out, err := d.ToCycloneDX()
	if err != nil {
		t.Fatal(err)
	}
	var decoded map[string]any
	if err := json.Unmarshal(out, &decoded); err != nil {
		t.Fatalf("output is not valid JSON: %v", err)
	}
	if decoded["bomFormat"] != "CycloneDX" {
		t.Fatalf("unexpected bomFormat: %v", decoded["bomFormat"])
	}
	if decoded["specVersion"] != "1.4" {
		t.Fatalf("unexpected specVersion: %v", decoded["specVersion"])
	}
}

func TestToSPDXRoundTripsJSON(t *testing.T) {
	d := New("cachi2", "1.0.0")
	d.Add(Component{Name: "click", Version: "8.1.7", Purl: "pkg:pypi/click@8.1.7", Type: TypeLibrary})

	out, err := d.ToSPDX("https://cachi2.example/spdx/doc-1")
	if err != nil {
		t.Fatal(err)
	}
	var decoded map[string]any
	if err := json.Unmarshal(out, &decoded); err != nil {
		t.Fatalf("output is not valid JSON: %v", err)
	}
	if decoded["spdxVersion"] != spdxVersion {
		t.Fatalf("unexpected spdxVersion: %v", decoded["spdxVersion"])
	}
	packages, ok := decoded["packages"].([]any)
	if !ok || len(packages) != 1 {
		t.Fatalf("expected 1 package, got %v", decoded["packages"])
	}
}
