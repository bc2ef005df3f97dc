package rpm

import "testing"

func TestParseNVRAParsesRegularRPM(t *testing.T) {
	name, version, release, arch := parseNVRA("bash-5.1.8-6.el9.x86_64.rpm", false)
	if arch != "x86_64" {
		t.Fatalf("got arch %q", arch)
	}
	if release != "6.el9" {
		t.Fatalf("got release %q", release)
	}
	if version != "5.1.8" {
		t.Fatalf("got version %q", version)
	}
	if name != "bash" {
		t.Fatalf("got name %q", name)
	}
}

func TestParseNVRAForcesSrcArchOnSource(t *testing.T) {
	_, _, _, arch := parseNVRA("bash-5.1.8-6.el9.src.rpm", true)
	if arch != "src" {
		t.Fatalf("got arch %q", arch)
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

func TestFallbackRepoidDistinguishesSource(t *testing.T) {
	if fallbackRepoid(0, false) == fallbackRepoid(0, true) {
		t.Fatal("expected source repoid to differ from package repoid")
	}
}
