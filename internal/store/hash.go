package store

import (
	"crypto/sha256"
	"fmt"
	"strconv"
)

// ContentHash is the hex sha256 of a file's bytes, compared against the file
// record to decide whether a file must be re-extracted.
func ContentHash(content []byte) string {
	return fmt.Sprintf("%x", sha256.Sum256(content))
}

// EdgeDigest hashes an ordered edge list. Two graphs with the same edges and
// confidences have the same digest regardless of the order writes happened.
func EdgeDigest(edges []*Edge) string {
	h := sha256.New()
	for _, e := range edges {
		fmt.Fprintf(h, "%s\x00%s\x00%s\x00%s\n", e.FromURI, e.ToURI, e.Kind,
			strconv.FormatFloat(e.Confidence, 'g', -1, 64))
	}
	return fmt.Sprintf("%x", h.Sum(nil))
}
