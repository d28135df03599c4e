package capability

import (
	"fmt"
	"regexp"
	"strings"

	"github.com/Masterminds/semver/v3"
)

var segmentPattern = regexp.MustCompile(`^[a-z][a-z0-9_-]*$`)

// ID is a parsed capability identifier: a dotted name such as
// commerce.checkout with an optional @semver suffix.
type ID struct {
	Name    string
	Version *semver.Version
}

// ParseID parses and canonicalizes a capability id.
func ParseID(raw string) (ID, error) {
	raw = strings.ToLower(strings.TrimSpace(raw))
	if raw == "" {
		return ID{}, fmt.Errorf("capability id is required")
	}
	name, version, versioned := strings.Cut(raw, "@")
	segments := strings.Split(name, ".")
	if len(segments) < 2 {
		return ID{}, fmt.Errorf("capability id %q must have the form domain.action", raw)
	}
	for _, seg := range segments {
		if !segmentPattern.MatchString(seg) {
			return ID{}, fmt.Errorf("capability id %q has invalid segment %q", raw, seg)
		}
	}
	id := ID{Name: name}
	if versioned {
		v, err := semver.NewVersion(version)
		if err != nil {
			return ID{}, fmt.Errorf("capability id %q has invalid version: %w", raw, err)
		}
		id.Version = v
	}
	return id, nil
}

// String renders the canonical form.
func (id ID) String() string {
	if id.Version == nil {
		return id.Name
	}
	return id.Name + "@" + id.Version.String()
}

// Versioned reports whether the id carries a version.
func (id ID) Versioned() bool { return id.Version != nil }

// Domain returns the first segment of the name.
func (id ID) Domain() string {
	domain, _, _ := strings.Cut(id.Name, ".")
	return domain
}

// newer reports whether id sorts after other among versions of one name.
// An unversioned id is older than any versioned one.
func (id ID) newer(other ID) bool {
	switch {
	case other.Version == nil:
		return id.Version != nil
	case id.Version == nil:
		return false
	default:
		return id.Version.GreaterThan(other.Version)
	}
}
