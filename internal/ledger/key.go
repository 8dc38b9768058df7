package ledger

import (
	"fmt"
	"strings"

	"github.com/mining-wb/MM-TrustBench/internal/hash"
	"github.com/mining-wb/MM-TrustBench/pkg/types"
)

// Key derives the identity of an item. An explicit id wins; otherwise the
// (image reference, question) pair is the identity. Both forms are encoded
// as canonical JSON so the key is stable across runs and platforms.
func Key(item types.QuestionItem) (string, error) {
	if id := strings.TrimSpace(item.ID); id != "" {
		b, err := hash.CanonicalJSON(id)
		if err != nil {
			return "", fmt.Errorf("identity key: %w", err)
		}
		return "id:" + string(b), nil
	}
	b, err := hash.CanonicalJSON([]string{item.ImageReference(), item.Question})
	if err != nil {
		return "", fmt.Errorf("identity key: %w", err)
	}
	return "pair:" + string(b), nil
}
