// Package cpus enumerates the CPUs the kernel currently has online.
// Callers use the list to decide how many perf channels to open.
package cpus

import (
	"fmt"
	"os"
	"strconv"
	"strings"
)

const onlinePath = "/sys/devices/system/cpu/online"

// Online returns the identifiers of all online CPUs in ascending order.
func Online() ([]int, error) {
	data, err := os.ReadFile(onlinePath)
	if err != nil {
		return nil, fmt.Errorf("read %s: %w", onlinePath, err)
	}
	return parseList(strings.TrimSpace(string(data)))
}

// parseList expands a kernel CPU list ("0", "0-4", "0-2,5-6") into ids.
func parseList(s string) ([]int, error) {
	if s == "" {
		return nil, fmt.Errorf("empty cpu list")
	}

	var ids []int
	for _, group := range strings.Split(s, ",") {
		lo, hi, isRange := strings.Cut(group, "-")

		start, err := strconv.Atoi(lo)
		if err != nil {
			return nil, fmt.Errorf("parse cpu list %q: %w", s, err)
		}

		end := start
		if isRange {
			end, err = strconv.Atoi(hi)
			if err != nil {
				return nil, fmt.Errorf("parse cpu list %q: %w", s, err)
			}
		}

		if end < start {
			return nil, fmt.Errorf("invalid cpu range %q", group)
		}

		for id := start; id <= end; id++ {
			ids = append(ids, id)
		}
	}

	return ids, nil
}
