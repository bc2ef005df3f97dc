package cli

import (
	"encoding/json"

	"github.com/cachi2-project/cachi2/internal/cherr"
	"github.com/cachi2-project/cachi2/internal/reqmodel"
)

// packageInput is the flexible per-package JSON shape: {type, path,
// requirements_files, lockfile}.
type packageInput struct {
	Type              string   `json:"type"`
	Path              string   `json:"path"`
	RequirementsFiles []string `json:"requirements_files"`
	Lockfile          string   `json:"lockfile"`
}

// requestInput is the {packages, flags} JSON shape.
type requestInput struct {
	Packages []packageInput `json:"packages"`
	Flags    []string       `json:"flags"`
}

// parseInput accepts the four JSON shapes fetch-deps takes on its
// positional argument: a bare package-kind string, a single package
// object, an array of package objects, or {packages, flags}.
func parseInput(raw []byte) ([]reqmodel.Package, reqmodel.Flags, error) {
	var asString string
	if err := json.Unmarshal(raw, &asString); err == nil {
		pkg, err := toPackage(packageInput{Type: asString, Path: "."})
		return []reqmodel.Package{pkg}, reqmodel.Flags{}, err
	}

	var asObject packageInput
	if err := json.Unmarshal(raw, &asObject); err == nil && asObject.Type != "" {
		pkg, err := toPackage(asObject)
		return []reqmodel.Package{pkg}, reqmodel.Flags{}, err
	}

	var asArray []packageInput
	if err := json.Unmarshal(raw, &asArray); err == nil && len(asArray) > 0 {
		packages := make([]reqmodel.Package, 0, len(asArray))
		for _, p := range asArray {
			pkg, err := toPackage(p)
			if err != nil {
				return nil, reqmodel.Flags{}, err
			}
			packages = append(packages, pkg)
		}
		return packages, reqmodel.Flags{}, nil
	}

	var asRequest requestInput
	if err := json.Unmarshal(raw, &asRequest); err == nil && len(asRequest.Packages) > 0 {
		packages := make([]reqmodel.Package, 0, len(asRequest.Packages))
		for _, p := range asRequest.Packages {
			pkg, err := toPackage(p)
			if err != nil {
				return nil, reqmodel.Flags{}, err
			}
			packages = append(packages, pkg)
		}
		return packages, toFlags(asRequest.Flags), nil
	}

	return nil, reqmodel.Flags{}, cherr.New(cherr.InputError, "unrecognized package input JSON")
}

func toPackage(p packageInput) (reqmodel.Package, error) {
	path := p.Path
	if path == "" {
		path = "."
	}
	kind, err := parseKind(p.Type)
	if err != nil {
		return reqmodel.Package{}, err
	}
	return reqmodel.Package{
		Kind:              kind,
		Path:              path,
		RequirementsFiles: p.RequirementsFiles,
		Lockfile:          p.Lockfile,
	}, nil
}

func parseKind(s string) (reqmodel.Kind, error) {
	switch reqmodel.Kind(s) {
	case reqmodel.KindGomod, reqmodel.KindPip, reqmodel.KindNpm, reqmodel.KindYarn,
		reqmodel.KindYarnBerry, reqmodel.KindCargo, reqmodel.KindBundler,
		reqmodel.KindGeneric, reqmodel.KindRpm:
		return reqmodel.Kind(s), nil
	default:
		return "", cherr.New(cherr.InputError, "unknown package type %q", s)
	}
}

func toFlags(names []string) reqmodel.Flags {
	var f reqmodel.Flags
	for _, name := range names {
		switch name {
		case "cgo-disable":
			f.CGODisable = true
		case "force-gomod-tidy":
			f.ForceGomodTidy = true
		case "gomod-vendor-check":
			f.GomodVendorCheck = true
		case "dev-package-managers":
			f.DevPackageManagers = true
		case "allow-binary":
			f.AllowBinary = true
		}
	}
	return f
}
