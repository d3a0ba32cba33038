package ledger

import (
	"fmt"
	"strconv"
	"strings"
)

// Version is the major.minor.patch number of a build.
type Version struct {
	Major, Minor, Patch int
}

// ParseVersion reads a "major.minor.patch" string.
func ParseVersion(s string) (Version, error) {
	parts := strings.Split(strings.TrimSpace(s), ".")
	if len(parts) != 3 {
		return Version{}, fmt.Errorf("version %q is not major.minor.patch", s)
	}
	var nums [3]int
	for i, p := range parts {
		n, err := strconv.Atoi(p)
		if err != nil || n < 0 {
			return Version{}, fmt.Errorf("version %q has an invalid component %q", s, p)
		}
		nums[i] = n
	}
	return Version{Major: nums[0], Minor: nums[1], Patch: nums[2]}, nil
}

// IncrementPatch returns the next patch release.
func (v Version) IncrementPatch() Version {
	v.Patch++
	return v
}

func (v Version) String() string {
	return fmt.Sprintf("%d.%d.%d", v.Major, v.Minor, v.Patch)
}
