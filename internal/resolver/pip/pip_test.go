package pip

import (
	"errors"
	"os"
	"path/filepath"
	"strings"
	"testing"

	"github.com/cachi2-project/cachi2/internal/cherr"
)

func TestParseRequirementLinePinned(t *testing.T) {
	req, err := parseRequirementLine("Requests==2.31.0")
	if err != nil {
		t.Fatal(err)
	}
	if req.name != "requests" || req.version != "2.31.0" {
		t.Fatalf("unexpected requirement: %+v", req)
	}
}

func TestParseRequirementLineVCS(t *testing.T) {
	line := "osbs-client @ git+https://github.com/containerbuildsystem/osbs-client@8d7d7fadff38c8367796e6ac0b3516b65483db24"
	req, err := parseRequirementLine(line)
	if err != nil {
		t.Fatal(err)
	}
	if req.vcs != "git" || req.vcsRef != "8d7d7fadff38c8367796e6ac0b3516b65483db24" {
		t.Fatalf("unexpected requirement: %+v", req)
	}
}

func TestParseRequirementLineDirectURL(t *testing.T) {
	line := "foo @ https://example.com/foo.tar.gz#sha256=abc123"
	req, err := parseRequirementLine(line)
	if err != nil {
		t.Fatal(err)
	}
	if req.url != "https://example.com/foo.tar.gz" || req.fragment != "sha256=abc123" {
		t.Fatalf("unexpected requirement: %+v", req)
	}
}

func TestParseRequirementLineRejectsConflictingHashes(t *testing.T) {
	fragHash := strings.Repeat("a", 64)
	line := "foo @ https://example.com/foo.tar.gz#sha256=" + fragHash + " --hash=sha256:deadbeef"
	_, err := parseRequirementLine(line)
	if err == nil {
		t.Fatal("expected conflicting hash declarations to be rejected")
	}
	var cerr *cherr.Error
	if !errors.As(err, &cerr) || cerr.Code != cherr.LockfileError {
		t.Fatalf("expected a LockfileError, got %v", err)
	}
	if !strings.Contains(cerr.Message, fragHash) || !strings.Contains(cerr.Message, "sha256:deadbeef") {
		t.Fatalf("error message %q does not name both conflicting hashes", cerr.Message)
	}
}

func TestParseRequirementLineRejectsRange(t *testing.T) {
	if _, err := parseRequirementLine("requests>=2.0"); err == nil {
		t.Fatal("expected range operator to be rejected")
	}
}

func TestParseRequirementsFileRejectsIndexURL(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "requirements.txt")
	if err := os.WriteFile(path, []byte("--index-url https://example.com/simple\nrequests==2.31.0\n"), 0o644); err != nil {
		t.Fatal(err)
	}
	if _, err := parseRequirementsFile(path); err == nil {
		t.Fatal("expected --index-url to be rejected")
	}
}

func TestParseRequirementsFileRejectsEditable(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "requirements.txt")
	if err := os.WriteFile(path, []byte("-e git+https://example.com/foo@main\n"), 0o644); err != nil {
		t.Fatal(err)
	}
	if _, err := parseRequirementsFile(path); err == nil {
		t.Fatal("expected editable install to be rejected")
	}
}

func TestCanonicalNameNormalizesPEP503(t *testing.T) {
	if canonicalName("Flask_SQLAlchemy") != "flask-sqlalchemy" {
		t.Fatalf("got %q", canonicalName("Flask_SQLAlchemy"))
	}
}

func TestVersionFromFilename(t *testing.T) {
	if v := versionFromFilename("requests-2.31.0.tar.gz"); v != "2.31.0" {
		t.Fatalf("got %q", v)
	}
}
