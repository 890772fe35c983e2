// Package config parses the collaborator-facing configuration surface:
// volume specification strings and the engine's YAML configuration file
// (spec.md §6, §4.10).
package config

import (
	"strconv"
	"strings"

	"github.com/cuemby/strata/pkg/kverrors"
)

// OpenMode controls what Engine.OpenVolume does when the target file
// does or doesn't already exist.
type OpenMode int

const (
	// OpenOrCreate opens the volume if it exists, otherwise creates it.
	// This is the default when no create/createOnly/readOnly term is
	// present in the spec string.
	OpenOrCreate OpenMode = iota
	// CreateOnly fails if the volume file already exists.
	CreateOnly
	// ReadOnly fails if the volume file does not already exist, and
	// rejects any attempt to write to it.
	ReadOnly
)

// validPageSizes are the only page sizes the page format supports
// (spec.md §6).
var validPageSizes = map[int]bool{
	1024:  true,
	2048:  true,
	4096:  true,
	8192:  true,
	16384: true,
}

// VolumeSpec is the parsed form of one comma-separated volume
// specification string (spec.md §6):
//
//	<path>[,name:<n>][,pageSize:{1024|2048|4096|8192|16384}]
//	     [,initialPages|initialSize:N][,extensionPages|extensionSize:N]
//	     [,maximumPages|maximumSize:N][,create|createOnly|readOnly]
type VolumeSpec struct {
	Path     string
	Name     string
	PageSize int

	InitialPages   int
	ExtensionPages int
	MaximumPages   int

	Mode OpenMode
}

// defaults applied when a spec string omits a term. The page size and
// initial page count match seed scenario S1's numbers; the maximum page
// count default (1<<20) is far larger than S1's.
const (
	defaultPageSize       = 4096
	defaultInitialPages   = 16
	defaultExtensionPages = 16
	defaultMaximumPages   = 1 << 20
)

// ParseVolumeSpec parses one volume specification string. The first
// comma-separated field is always the path; every field after it is a
// bare keyword (create, createOnly, readOnly) or a key:value pair.
func ParseVolumeSpec(s string) (VolumeSpec, error) {
	fields := strings.Split(s, ",")
	if len(fields) == 0 || strings.TrimSpace(fields[0]) == "" {
		return VolumeSpec{}, kverrors.New(kverrors.InvalidSpec, "config.ParseVolumeSpec", "empty volume spec")
	}

	spec := VolumeSpec{
		Path:           fields[0],
		PageSize:       defaultPageSize,
		InitialPages:   defaultInitialPages,
		ExtensionPages: defaultExtensionPages,
		MaximumPages:   defaultMaximumPages,
		Mode:           OpenOrCreate,
	}

	var sawCreate, sawCreateOnly, sawReadOnly bool

	for _, raw := range fields[1:] {
		term := strings.TrimSpace(raw)
		if term == "" {
			continue
		}
		key, value, hasValue := strings.Cut(term, ":")
		switch {
		case !hasValue && key == "create":
			sawCreate = true
			spec.Mode = OpenOrCreate
		case !hasValue && key == "createOnly":
			sawCreateOnly = true
			spec.Mode = CreateOnly
		case !hasValue && key == "readOnly":
			sawReadOnly = true
			spec.Mode = ReadOnly
		case key == "name":
			spec.Name = value
		case key == "pageSize":
			n, err := parseIntTerm(key, value)
			if err != nil {
				return VolumeSpec{}, err
			}
			if !validPageSizes[n] {
				return VolumeSpec{}, kverrors.New(kverrors.InvalidSpec, "config.ParseVolumeSpec", "pageSize %d is not one of 1024, 2048, 4096, 8192, 16384", n)
			}
			spec.PageSize = n
		case key == "initialPages" || key == "initialSize":
			n, err := parseIntTerm(key, value)
			if err != nil {
				return VolumeSpec{}, err
			}
			spec.InitialPages = n
		case key == "extensionPages" || key == "extensionSize":
			n, err := parseIntTerm(key, value)
			if err != nil {
				return VolumeSpec{}, err
			}
			spec.ExtensionPages = n
		case key == "maximumPages" || key == "maximumSize":
			n, err := parseIntTerm(key, value)
			if err != nil {
				return VolumeSpec{}, err
			}
			spec.MaximumPages = n
		default:
			return VolumeSpec{}, kverrors.New(kverrors.InvalidSpec, "config.ParseVolumeSpec", "unrecognized term %q", term)
		}
	}

	if sawCreate && sawReadOnly {
		return VolumeSpec{}, kverrors.New(kverrors.InvalidSpec, "config.ParseVolumeSpec", "create and readOnly are mutually exclusive")
	}
	if sawCreateOnly && sawReadOnly {
		return VolumeSpec{}, kverrors.New(kverrors.InvalidSpec, "config.ParseVolumeSpec", "createOnly and readOnly are mutually exclusive")
	}
	if sawCreate && sawCreateOnly {
		return VolumeSpec{}, kverrors.New(kverrors.InvalidSpec, "config.ParseVolumeSpec", "create and createOnly are mutually exclusive")
	}
	if spec.Name == "" {
		spec.Name = deriveName(spec.Path)
	}
	if spec.InitialPages <= 0 {
		return VolumeSpec{}, kverrors.New(kverrors.InvalidSpec, "config.ParseVolumeSpec", "initialPages must be positive, got %d", spec.InitialPages)
	}
	if spec.MaximumPages < spec.InitialPages {
		return VolumeSpec{}, kverrors.New(kverrors.InvalidSpec, "config.ParseVolumeSpec", "maximumPages %d is less than initialPages %d", spec.MaximumPages, spec.InitialPages)
	}
	return spec, nil
}

func parseIntTerm(key, value string) (int, error) {
	n, err := strconv.Atoi(value)
	if err != nil {
		return 0, kverrors.New(kverrors.InvalidSpec, "config.ParseVolumeSpec", "%s must be an integer, got %q", key, value)
	}
	return n, nil
}

// deriveName falls back to the file's base name when a spec string
// doesn't carry an explicit name: term.
func deriveName(path string) string {
	p := strings.TrimRight(path, "/")
	if i := strings.LastIndex(p, "/"); i >= 0 {
		p = p[i+1:]
	}
	return strings.TrimSuffix(p, ".strata")
}
