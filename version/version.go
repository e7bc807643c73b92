// Package version exposes the broker's own build version, parsed as
// semver so clients and the management UI can compare it against their
// own compatibility expectations.
package version

import (
	"github.com/Masterminds/semver/v3"
)

type Version string

// Current is the version of the broker binary being built.
const Current Version = "v0.1.0"

// Semver parses v. It panics on a malformed constant, which is the point:
// Current must always be valid.
func (v Version) Semver() *semver.Version {
	return semver.MustParse(string(v))
}

var _ = Current.Semver()
