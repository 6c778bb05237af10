package utils

import "fmt"

// ShardSegments splits a hex digest into depth directory names of width
// characters each: ShardSegments("a3f9b2...", 2, 2) = ["a3", "f9"].
// The digest itself is not included.
func ShardSegments(digest string, depth, width int) ([]string, error) {
	if depth <= 0 || width <= 0 {
		return nil, fmt.Errorf("invalid shard layout %dx%d", depth, width)
	}
	if len(digest) < depth*width || !IsHexString(digest) {
		return nil, fmt.Errorf("invalid digest %q", digest)
	}

	result := make([]string, 0, depth)
	for i := 0; i < depth; i++ {
		result = append(result, digest[i*width:(i+1)*width])
	}
	return result, nil
}
