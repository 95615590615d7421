package store

import (
	"fmt"
	"strconv"
	"strings"
)

// Satisfies reports whether worker resources meet req: each declared
// field must be <= the worker's available value (or present, for GPU
// count and packages).
func Satisfies(req *ResourceRequest, resources WorkerResources, workerPackages []string) bool {
	if req == nil {
		return true
	}
	if req.CPU > 0 && req.CPU > resources.CPU {
		return false
	}
	if req.Memory > 0 && req.Memory > resources.Memory {
		return false
	}
	if req.Disk > 0 && req.Disk > resources.Disk {
		return false
	}
	if req.GPU > 0 && resources.GPU <= 0 {
		return false
	}
	for _, want := range req.Packages {
		if !packagePresent(want, workerPackages) {
			return false
		}
	}
	return true
}

func packagePresent(requirement string, available []string) bool {
	name, op, version, err := parsePackageRequirement(requirement)
	if err != nil {
		return false
	}
	for _, pkg := range available {
		haveName, haveVersion, ok := splitPackage(pkg)
		if !ok || haveName != name {
			continue
		}
		if op == "" {
			return true
		}
		cmp := compareVersions(haveVersion, version)
		switch op {
		case "==":
			if cmp == 0 {
				return true
			}
		case ">=":
			if cmp >= 0 {
				return true
			}
		}
	}
	return false
}

// parsePackageRequirement parses "name[op version]", e.g. "numpy==1.2" or
// "requests>=2.0" or a bare "curl" with no version constraint.
func parsePackageRequirement(req string) (name, op, version string, err error) {
	for _, candidate := range []string{"==", ">="} {
		if idx := strings.Index(req, candidate); idx >= 0 {
			return strings.TrimSpace(req[:idx]), candidate, strings.TrimSpace(req[idx+len(candidate):]), nil
		}
	}
	return strings.TrimSpace(req), "", "", nil
}

func splitPackage(pkg string) (name, version string, ok bool) {
	for _, candidate := range []string{"==", ">=", "@"} {
		if idx := strings.Index(pkg, candidate); idx >= 0 {
			return strings.TrimSpace(pkg[:idx]), strings.TrimSpace(pkg[idx+len(candidate):]), true
		}
	}
	return strings.TrimSpace(pkg), "", true
}

// compareVersions compares dot-separated version tokens numerically when
// possible, lexicographically otherwise.
func compareVersions(a, b string) int {
	as := strings.Split(a, ".")
	bs := strings.Split(b, ".")
	for i := 0; i < len(as) || i < len(bs); i++ {
		var at, bt string
		if i < len(as) {
			at = as[i]
		}
		if i < len(bs) {
			bt = bs[i]
		}
		if c := compareToken(at, bt); c != 0 {
			return c
		}
	}
	return 0
}

func compareToken(a, b string) int {
	an, aerr := strconv.Atoi(a)
	bn, berr := strconv.Atoi(b)
	if aerr == nil && berr == nil {
		switch {
		case an < bn:
			return -1
		case an > bn:
			return 1
		default:
			return 0
		}
	}
	return strings.Compare(a, b)
}

// ParseMemory parses a byte quantity with optional K/M/G/T/P binary
// suffixes.
func ParseMemory(s string) (int64, error) {
	s = strings.TrimSpace(s)
	if s == "" {
		return 0, nil
	}
	suffixes := map[byte]int64{
		'K': 1 << 10, 'M': 1 << 20, 'G': 1 << 30, 'T': 1 << 40, 'P': 1 << 50,
	}
	upper := strings.ToUpper(s)
	upper = strings.TrimSuffix(upper, "B")
	upper = strings.TrimSuffix(upper, "I") // tolerate "Ki", "MiB", ...
	if upper == "" {
		return 0, fmt.Errorf("parsing memory quantity %q: no digits", s)
	}
	last := upper[len(upper)-1]
	if mult, ok := suffixes[last]; ok {
		numPart := strings.TrimSuffix(upper, string(last))
		n, err := strconv.ParseFloat(numPart, 64)
		if err != nil {
			return 0, fmt.Errorf("parsing memory quantity %q: %w", s, err)
		}
		return int64(n * float64(mult)), nil
	}
	n, err := strconv.ParseInt(s, 10, 64)
	if err != nil {
		return 0, fmt.Errorf("parsing memory quantity %q: %w", s, err)
	}
	return n, nil
}
