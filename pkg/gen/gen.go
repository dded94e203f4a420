package gen

// Tiny generic helpers shared by the rest of the codebase.

type Ordered interface {
	~int | ~int8 | ~int16 | ~int32 | ~int64 | ~uint | ~uint8 | ~uint16 | ~uint32 | ~uint64 | ~float32 | ~float64 | ~string
}

func Clamp[T Ordered](v, min, max T) T {
	if v < min {
		return min
	}
	if v > max {
		return max
	}
	return v
}

// Remove element i from the slice, by swapping the last element into its
// place. Order is not preserved.
func DeleteFromSliceUnordered[T any](slice []T, i int) []T {
	slice[i] = slice[len(slice)-1]
	return slice[:len(slice)-1]
}

// CopySlice returns a copy of the slice
func CopySlice[T any](slice []T) []T {
	c := make([]T, len(slice))
	copy(c, slice)
	return c
}
