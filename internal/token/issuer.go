// Package token issues day-scoped display tokens. Every issuer backs the
// sequence with an atomic increment keyed by day, so concurrent callers for
// the same day never receive the same number.
package token

import (
	"context"
	"fmt"
	"strings"
	"sync"
	"sync/atomic"
)

const sequencePad = 4

type Issuer interface {
	// Issue returns the next token for day, a YYYY-MM-DD key.
	Issue(ctx context.Context, day string) (string, error)
}

// Format renders "MMDD-NNNN". Tokens of one day sort in issuance order up to
// sequence 9999; later tokens stay unique but grow a fifth digit and no
// longer sort as plain strings.
func Format(day string, seq int64) string {
	prefix := strings.ReplaceAll(day, "-", "")
	if len(prefix) == 8 {
		prefix = prefix[4:]
	}
	return fmt.Sprintf("%s-%0*d", prefix, sequencePad, seq)
}

type MemoryIssuer struct {
	counters sync.Map
}

func NewMemoryIssuer() *MemoryIssuer {
	return &MemoryIssuer{}
}

func (m *MemoryIssuer) Issue(ctx context.Context, day string) (string, error) {
	if err := ctx.Err(); err != nil {
		return "", err
	}
	value, _ := m.counters.LoadOrStore(day, new(atomic.Int64))
	seq := value.(*atomic.Int64).Add(1)
	return Format(day, seq), nil
}
