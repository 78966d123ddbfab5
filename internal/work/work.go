// Package work computes record digests and scores them by leading zero bits.
package work

import (
	"encoding/hex"
	"fmt"
	"math/bits"
	"strconv"

	"github.com/btcsuite/btcd/chaincfg/chainhash"

	"github.com/bardlex/gocm/internal/nonce"
	"github.com/bardlex/gocm/internal/record"
	"github.com/bardlex/gocm/pkg/errors"
)

// MaxWork is the score of an all-zero digest.
const MaxWork = chainhash.HashSize * 8

// Digest returns the single SHA-256 of buf.
func Digest(buf []byte) chainhash.Hash {
	return chainhash.HashH(buf)
}

// Score counts the leading zero bits of a digest, most significant byte first.
func Score(digest []byte) int {
	work := 0
	for _, b := range digest {
		if b != 0 {
			return work + bits.LeadingZeros8(b)
		}
		work += 8
	}
	return work
}

// MeetsTarget reports whether the digest carries at least targetWork bits.
func MeetsTarget(digest []byte, targetWork int) bool {
	return Score(digest) >= targetWork
}

// Target is the difficulty carried in a record's nonce tag.
type Target struct {
	Hex   string
	Bytes []byte
	Work  int
}

// ParseTarget decodes a hex target. Work defaults to the target's own leading
// zero bits; callers may override it with an explicit bit count.
func ParseTarget(targetHex string) (Target, error) {
	if targetHex == "" {
		return Target{}, errors.New(errors.ErrorTypeValidation, "parse_target", "target cannot be empty")
	}
	if len(targetHex) > chainhash.HashSize*2 {
		return Target{}, errors.New(errors.ErrorTypeValidation, "parse_target",
			fmt.Sprintf("target too long: maximum %d hex characters, got %d", chainhash.HashSize*2, len(targetHex)))
	}

	b, err := hex.DecodeString(targetHex)
	if err != nil {
		return Target{}, errors.Wrap(err, errors.ErrorTypeValidation, "parse_target", "target is not valid hex")
	}

	return Target{Hex: targetHex, Bytes: b, Work: Score(b)}, nil
}

// Resolve picks the effective target work: an explicit positive value wins.
func (t Target) Resolve(targetWork int) int {
	if targetWork > 0 {
		return targetWork
	}
	return t.Work
}

// Verification is the outcome of checking a finished record.
type Verification struct {
	ID         string `json:"id"`
	Nonce      uint64 `json:"nonce"`
	Work       int    `json:"work"`
	TargetWork int    `json:"target_work"`
	Valid      bool   `json:"valid"`
}

// Verify recomputes the digest of a finished record and checks it against
// the target declared in its nonce tag. When the tag carries a fourth element
// it is read as an explicit target work.
func Verify(r record.Record) (*Verification, error) {
	tmpl, err := record.NewTemplate(r)
	if err != nil {
		return nil, err
	}

	n, err := nonce.ParseHex(string(tmpl.Buffer[tmpl.NonceStart:tmpl.NonceEnd]))
	if err != nil {
		return nil, err
	}

	targetHex, ok := r.TargetHex()
	if !ok {
		return nil, errors.Wrap(errors.ErrMalformedRecord, errors.ErrorTypeRecord, "verify", "nonce tag has no target")
	}
	target, err := ParseTarget(targetHex)
	if err != nil {
		return nil, err
	}

	explicit := 0
	for _, tag := range r.Tags {
		if len(tag) < 2 || tag[0] != "nonce" {
			continue
		}
		if len(tag) >= 4 {
			if v, err := strconv.Atoi(tag[3]); err == nil {
				explicit = v
			}
		}
		break
	}

	digest := Digest(tmpl.Buffer)
	score := Score(digest[:])
	targetWork := target.Resolve(explicit)

	return &Verification{
		ID:         hex.EncodeToString(digest[:]),
		Nonce:      n,
		Work:       score,
		TargetWork: targetWork,
		Valid:      score >= targetWork,
	}, nil
}
