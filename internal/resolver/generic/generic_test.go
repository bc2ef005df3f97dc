package generic

import (
	"testing"

	"github.com/cachi2-project/cachi2/internal/fetchutil"
	"github.com/cachi2-project/cachi2/internal/sbom"
)

func TestResolveArtifactURLPlain(t *testing.T) {
	a := artifact{DownloadURL: "https://example.com/foo-1.0.tar.gz", Checksum: "sha256:abc"}
	url, filename, err := resolveArtifactURL(a)
	if err != nil {
		t.Fatal(err)
	}
	if url != a.DownloadURL || filename != "foo-1.0.tar.gz" {
		t.Fatalf("got url=%q filename=%q", url, filename)
	}
}

func TestResolveArtifactURLExplicitFilename(t *testing.T) {
	a := artifact{DownloadURL: "https://example.com/dl?id=1", Filename: "foo-1.0.tar.gz"}
	_, filename, err := resolveArtifactURL(a)
	if err != nil {
		t.Fatal(err)
	}
	if filename != "foo-1.0.tar.gz" {
		t.Fatalf("got %q", filename)
	}
}

func TestMavenURLSynthesizesLayout(t *testing.T) {
	attrs := map[string]string{
		"repository_url": "https://repo.maven.apache.org/maven2",
		"group_id":        "org.apache.commons",
		"artifact_id":     "commons-lang3",
		"version":         "3.12.0",
	}
	url, filename, err := mavenURL(attrs)
	if err != nil {
		t.Fatal(err)
	}
	wantURL := "https://repo.maven.apache.org/maven2/org/apache/commons/commons-lang3/3.12.0/commons-lang3-3.12.0.jar"
	if url != wantURL {
		t.Fatalf("got %q, want %q", url, wantURL)
	}
	if filename != "commons-lang3-3.12.0.jar" {
		t.Fatalf("got %q", filename)
	}
}

func TestMavenURLRequiresAttributes(t *testing.T) {
	if _, _, err := mavenURL(map[string]string{"group_id": "g"}); err == nil {
		t.Fatal("expected missing attributes to error")
	}
}

func TestParseChecksumSplitsAlgAndHex(t *testing.T) {
	c, err := parseChecksum("sha256:deadbeef")
	if err != nil {
		t.Fatal(err)
	}
	if c.Algorithm != "sha256" || c.Value != "deadbeef" {
		t.Fatalf("got %+v", c)
	}
}

func TestParseChecksumRejectsMalformed(t *testing.T) {
	if _, err := parseChecksum("deadbeef"); err == nil {
		t.Fatal("expected malformed checksum to error")
	}
}

func TestBuildComponentStampsFoundBy(t *testing.T) {
	a := artifact{DownloadURL: "https://example.com/foo-1.0.tar.gz"}
	checksum := fetchutil.Checksum{Algorithm: "sha256", Value: "deadbeef"}
	c := buildComponent(a, "foo-1.0.tar.gz", a.DownloadURL, checksum)
	if !c.HasProperty(sbom.PropFoundBy, "cachi2:generic") {
		t.Fatalf("component missing cachi2:found_by=cachi2:generic: %+v", c)
	}
}
