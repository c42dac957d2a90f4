package protocol

import (
	"fmt"
	"sort"
	"strconv"
	"strings"
)

// Version is a protocol revision number. Versions are totally ordered by
// their numeric value.
type Version int32

// Supported protocol versions.
const (
	V1_8    Version = 47
	V1_12_2 Version = 340
	V1_20_1 Version = 763
	V1_20_2 Version = 764
	V1_20_5 Version = 766
	V1_21   Version = 767
)

// UnknownVersion is used before a side has announced its version.
const UnknownVersion Version = -1

var versionNames = map[Version]string{
	V1_8:    "1.8",
	V1_12_2: "1.12.2",
	V1_20_1: "1.20.1",
	V1_20_2: "1.20.2",
	V1_20_5: "1.20.5",
	V1_21:   "1.21",
}

var supportedVersions = func() []Version {
	vs := make([]Version, 0, len(versionNames))
	for v := range versionNames {
		vs = append(vs, v)
	}
	sort.Slice(vs, func(i, j int) bool { return vs[i] < vs[j] })
	return vs
}()

// Versions returns every supported version in ascending order.
func Versions() []Version {
	out := make([]Version, len(supportedVersions))
	copy(out, supportedVersions)
	return out
}

// IsSupported reports whether v is a known version.
func (v Version) IsSupported() bool {
	_, ok := versionNames[v]
	return ok
}

// Name returns the release name for v, or an empty string.
func (v Version) Name() string {
	return versionNames[v]
}

func (v Version) String() string {
	if name, ok := versionNames[v]; ok {
		return fmt.Sprintf("%s (%d)", name, int32(v))
	}
	return strconv.Itoa(int(v))
}

// AtLeast reports whether v is o or newer.
func (v Version) AtLeast(o Version) bool {
	return v >= o
}

// InRange reports whether v lies in [from, until]. An until of 0 means the
// range is open-ended.
func (v Version) InRange(from, until Version) bool {
	return v >= from && (until == 0 || v <= until)
}

// ParseVersion accepts either a protocol number ("763") or a release name
// ("1.20.1").
func ParseVersion(s string) (Version, error) {
	s = strings.TrimSpace(s)
	if n, err := strconv.Atoi(s); err == nil {
		v := Version(n)
		if !v.IsSupported() {
			return UnknownVersion, fmt.Errorf("unsupported protocol version: %d", n)
		}
		return v, nil
	}
	for v, name := range versionNames {
		if name == s {
			return v, nil
		}
	}
	return UnknownVersion, fmt.Errorf("unknown protocol version: %q", s)
}

// Path returns the chain of adjacent supported versions from -> to, both
// included. The chain descends when from is newer than to. Unsupported
// endpoints yield nil.
func Path(from, to Version) []Version {
	return PathWithin(supportedVersions, from, to)
}

// PathWithin is Path over an explicit ascending version list.
func PathWithin(versions []Version, from, to Version) []Version {
	fi, ti := -1, -1
	for i, v := range versions {
		if v == from {
			fi = i
		}
		if v == to {
			ti = i
		}
	}
	if fi < 0 || ti < 0 {
		return nil
	}
	path := make([]Version, 0, abs(ti-fi)+1)
	step := 1
	if ti < fi {
		step = -1
	}
	for i := fi; ; i += step {
		path = append(path, versions[i])
		if i == ti {
			break
		}
	}
	return path
}

// Adjacent reports whether a and b are neighbours in the supported list.
func Adjacent(a, b Version) bool {
	return len(Path(a, b)) == 2
}

func abs(n int) int {
	if n < 0 {
		return -n
	}
	return n
}
