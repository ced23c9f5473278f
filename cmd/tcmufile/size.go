package main

import (
	"fmt"
	"regexp"
	"strings"

	units "github.com/docker/go-units"
)

var (
	isValidSizeDecimal = regexp.MustCompile(`^(\d+(\.\d+)*) ?([kKmMgGtTpP])?[bB]?$`)
	isValidSizeBinary  = regexp.MustCompile(`^(\d+(\.\d+)*) ?([kKmMgGtTpP][iI])?$`)
)

// parseSize accepts decimal sizes such as "42mb" and binary ones such as
// "42Mi".
func parseSize(size string) (int64, error) {
	switch {
	case isValidSizeDecimal.MatchString(size):
		return units.FromHumanSize(size)
	case isValidSizeBinary.MatchString(size):
		return units.RAMInBytes(strings.TrimSuffix(size, "i"))
	}
	return 0, fmt.Errorf("invalid size %q, use standard notations such as m/mi/M/Mi or g/gi/G/Gi", size)
}
