package yarnberry

import "testing"

func TestParseLocatorAcceptsNpmScheme(t *testing.T) {
	name, version, ok := parseLocator("lodash@npm:4.17.21")
	if !ok || name != "lodash" || version != "4.17.21" {
		t.Fatalf("got name=%q version=%q ok=%v", name, version, ok)
	}
}

func TestParseLocatorAcceptsWorkspace(t *testing.T) {
	name, _, ok := parseLocator("my-pkg@workspace:packages/my-pkg")
	if !ok || name != "my-pkg" {
		t.Fatalf("got name=%q ok=%v", name, ok)
	}
}

func TestParseLocatorRejectsExec(t *testing.T) {
	if _, _, ok := parseLocator("foo@exec:./build.js"); ok {
		t.Fatal("expected exec: locator to be rejected")
	}
}

func TestParseLocatorRejectsGit(t *testing.T) {
	if _, _, ok := parseLocator("foo@git:https://example.com/foo.git"); ok {
		t.Fatal("expected git: locator to be rejected")
	}
	if _, _, ok := parseLocator("foo@github:foo/bar"); ok {
		t.Fatal("expected github: locator to be rejected")
	}
}

func TestParseYarnInfoDecodesNDJSON(t *testing.T) {
	output := []byte(`{"value":"lodash@npm:4.17.21","children":{"Version":"4.17.21","Cache":{"Path":"./.yarn/cache/lodash-npm-4.17.21.zip","Checksum":"abc123"}}}
{"value":"foo@exec:./build.js","children":{}}
`)
	components, err := parseYarnInfo(output)
	if err != nil {
		t.Fatal(err)
	}
	if len(components) != 1 {
		t.Fatalf("expected 1 component, got %d", len(components))
	}
	if components[0].Name != "lodash" {
		t.Fatalf("got %q", components[0].Name)
	}
}

func TestBerryNamespaceSplitsScoped(t *testing.T) {
	if berryNamespace("@babel/core") != "@babel" {
		t.Fatalf("got %q", berryNamespace("@babel/core"))
	}
	if berryNamespace("lodash") != "" {
		t.Fatalf("got %q", berryNamespace("lodash"))
	}
}
