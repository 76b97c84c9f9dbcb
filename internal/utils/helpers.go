package utils

// SliceToSet converts a slice of any comparable type to a set represented by a map[T]struct{}.
func SliceToSet[T comparable](slice []T) map[T]struct{} {
	set := make(map[T]struct{}, len(slice))
	for _, item := range slice {
		set[item] = struct{}{}
	}
	return set
}

// Duplicates returns every value that occurs more than once, in first-repeat order.
func Duplicates[T comparable](slice []T) []T {
	seen := make(map[T]struct{}, len(slice))
	reported := make(map[T]struct{})
	var dups []T
	for _, item := range slice {
		if _, ok := seen[item]; !ok {
			seen[item] = struct{}{}
			continue
		}
		if _, ok := reported[item]; !ok {
			reported[item] = struct{}{}
			dups = append(dups, item)
		}
	}
	return dups
}
