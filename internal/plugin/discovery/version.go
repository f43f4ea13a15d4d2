package discovery

import (
	"fmt"
	"strings"

	"golang.org/x/mod/semver"
)

// satisfies reports whether version meets req. req is a comma separated list
// of constraints: "=1.2.0", ">=1.0", "<2", "^1.4", "~1.4.2", "*" or a bare version
// (treated as "=").
func satisfies(version, req string) (bool, error) {
	req = strings.TrimSpace(req)
	if req == "" || req == "*" {
		return true, nil
	}
	v := canonical(version)
	if !semver.IsValid(v) {
		return false, fmt.Errorf("invalid version %q", version)
	}

	for _, part := range strings.Split(req, ",") {
		part = strings.TrimSpace(part)
		if part == "" || part == "*" {
			continue
		}
		op, rest := splitOp(part)
		want := canonical(rest)
		if !semver.IsValid(want) {
			return false, fmt.Errorf("invalid version requirement %q", part)
		}
		cmp := semver.Compare(v, want)

		var ok bool
		switch op {
		case "=", "==":
			ok = cmp == 0
		case "!=":
			ok = cmp != 0
		case ">":
			ok = cmp > 0
		case ">=":
			ok = cmp >= 0
		case "<":
			ok = cmp < 0
		case "<=":
			ok = cmp <= 0
		case "^":
			ok = cmp >= 0 && semver.Major(v) == semver.Major(want)
		case "~":
			ok = cmp >= 0 && semver.MajorMinor(v) == semver.MajorMinor(want)
		}
		if !ok {
			return false, nil
		}
	}
	return true, nil
}

func splitOp(s string) (string, string) {
	for _, op := range []string{">=", "<=", "==", "!=", ">", "<", "=", "^", "~"} {
		if strings.HasPrefix(s, op) {
			return op, strings.TrimSpace(s[len(op):])
		}
	}
	return "=", s
}

// canonical prefixes "v" and fills in missing minor/patch parts.
func canonical(v string) string {
	v = strings.TrimSpace(v)
	if !strings.HasPrefix(v, "v") {
		v = "v" + v
	}
	return semver.Canonical(v)
}
