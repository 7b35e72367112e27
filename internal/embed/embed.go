// Package embed produces symbol embeddings through an OpenAI-compatible
// endpoint, with a badger-backed cache in front of it.
package embed

import (
	"context"
	"errors"
	"fmt"
	"math"
	"strings"

	"github.com/been-there-done-that/coderev/internal/store"
)

// ErrUnavailable wraps every provider failure. Callers treat it as "no vector
// for now", never as fatal.
var ErrUnavailable = errors.New("embedding unavailable")

// Provider turns text into a vector.
type Provider interface {
	Embed(ctx context.Context, text string) ([]float32, error)
	Model() string
}

const contextChars = 500

// BuildText renders the text embedded for a symbol.
func BuildText(sym *store.Symbol) string {
	content := sym.Content
	if r := []rune(content); len(r) > contextChars {
		content = string(r[:contextChars])
	}
	var b strings.Builder
	fmt.Fprintf(&b, "Symbol: %s\n", sym.Name)
	fmt.Fprintf(&b, "Kind: %s\n", sym.Kind)
	fmt.Fprintf(&b, "Signature: %s\n", sym.Signature)
	fmt.Fprintf(&b, "Doc: %s\n", sym.Doc)
	fmt.Fprintf(&b, "Context: %s", content)
	return b.String()
}

// Cosine returns the cosine similarity of a and b, or 0 when the lengths
// differ or either vector is zero.
func Cosine(a, b []float32) float64 {
	if len(a) != len(b) || len(a) == 0 {
		return 0
	}
	var dot, na, nb float64
	for i := range a {
		x, y := float64(a[i]), float64(b[i])
		dot += x * y
		na += x * x
		nb += y * y
	}
	if na == 0 || nb == 0 {
		return 0
	}
	return dot / (math.Sqrt(na) * math.Sqrt(nb))
}
