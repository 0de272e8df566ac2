package memledger

import (
	"crypto/sha256"
	"fmt"

	"github.com/krew-solutions/ledger-driver-go/ledgerdriver/session"
)

// Hasher chains SHA-256 digests: the transaction id seeds the chain and each
// statement folds its own hash into it.
type Hasher struct{}

func NewHasher() *Hasher {
	return &Hasher{}
}

func (h *Hasher) Begin(txID string) session.Digest {
	return &digest{sum: sha256.Sum256([]byte(txID))}
}

type digest struct {
	sum [sha256.Size]byte
}

func (d *digest) Update(statement string, params []any) error {
	stmt := sha256.New()
	stmt.Write([]byte(statement))
	for _, p := range params {
		fmt.Fprintf(stmt, "\x00%v", p)
	}
	chain := sha256.New()
	chain.Write(d.sum[:])
	chain.Write(stmt.Sum(nil))
	copy(d.sum[:], chain.Sum(nil))
	return nil
}

func (d *digest) Sum() []byte {
	out := make([]byte, len(d.sum))
	copy(out, d.sum[:])
	return out
}
