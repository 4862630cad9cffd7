// Copyright (c) 2025 Jeremy Hahn
// Copyright (c) 2025 Automate The Things, LLC
//
// This file is part of go-keyescrow.
//
// go-keyescrow is dual-licensed:
//
// 1. GNU Affero General Public License v3.0 (AGPL-3.0)
//    See LICENSE file or visit https://www.gnu.org/licenses/agpl-3.0.html
//
// 2. Commercial License
//    Contact licensing@automatethethings.com for commercial licensing options.

// Package commitment builds the public commit-reveal record for an item.
//
// The real item is hidden among L-1 decoys. Its position (realIndex) is
// drawn from crypto/rand and sealed together with the item and a digest of
// all L public lines. Publicly every line looks equally plausible; only the
// ciphertext says which one is real.
//
// The commit hash is Keccak-256(iv || ciphertext), matching the bytes32
// value stored by the ledger contract. Because the sealed payload carries
// the lines digest, changing any decoy, the item or realIndex produces a
// different ciphertext and therefore a different commit hash.
package commitment

import (
	"bytes"
	"crypto/rand"
	"fmt"
	"io"
	"math/big"

	"github.com/jeremyhahn/go-keyescrow/pkg/crypto/aead"
)

// DefaultLines is the total number of public lines (1 real + 9 decoys).
const DefaultLines = 10

// MaxItemLength bounds the size of a single line.
const MaxItemLength = 4096

// payloadAAD binds ciphertexts to this payload format.
var payloadAAD = []byte("go-keyescrow commitment v1")

// Encrypter seals a payload. *aead.Cipher implements it.
type Encrypter interface {
	Encrypt(plaintext, aad []byte) (*aead.Sealed, error)
}

// Decrypter opens a payload. *aead.Cipher implements it.
type Decrypter interface {
	Decrypt(sealed *aead.Sealed, aad []byte) ([]byte, error)
}

// DecoySource supplies plausible decoy lines for an item.
type DecoySource interface {
	Decoys(item string, n int) ([]string, error)
}

// DecoyList is a fixed set of decoys.
type DecoyList []string

// Decoys returns the list when it has exactly n entries.
func (d DecoyList) Decoys(_ string, n int) ([]string, error) {
	if len(d) != n {
		return nil, fmt.Errorf("%w: need %d decoys, got %d", ErrInvalidDecoys, n, len(d))
	}
	out := make([]string, n)
	copy(out, d)
	return out, nil
}

// Commitment is the owner's full view of a commitment, including the
// secret real index. Use Record for anything leaving the owner.
type Commitment struct {
	RealIndex  int
	Item       string
	Lines      []string
	IV         []byte
	Ciphertext []byte
	Hash       Hash
}

// Record is the public commitment handed to the ledger. It never carries
// the real index.
type Record struct {
	Hash       Hash     `json:"commit_hash"`
	Ciphertext []byte   `json:"ciphertext"`
	IV         []byte   `json:"iv"`
	Lines      []string `json:"lines"`
}

// Record returns the publishable view of the commitment.
func (c *Commitment) Record() *Record {
	lines := make([]string, len(c.Lines))
	copy(lines, c.Lines)
	return &Record{
		Hash:       c.Hash,
		Ciphertext: append([]byte(nil), c.Ciphertext...),
		IV:         append([]byte(nil), c.IV...),
		Lines:      lines,
	}
}

// Decoys returns the public lines other than the real one.
func (c *Commitment) Decoys() []string {
	out := make([]string, 0, len(c.Lines)-1)
	for i, l := range c.Lines {
		if i != c.RealIndex {
			out = append(out, l)
		}
	}
	return out
}

// Verify checks that the record hash matches its iv and ciphertext.
func (r *Record) Verify() error {
	if CommitHash(r.IV, r.Ciphertext) != r.Hash {
		return ErrHashMismatch
	}
	return nil
}

// Builder assembles commitments.
type Builder struct {
	lines int
	rand  io.Reader
}

// Option configures a Builder.
type Option func(*Builder)

// WithLines sets the total number of public lines.
func WithLines(n int) Option {
	return func(b *Builder) { b.lines = n }
}

// WithRand sets the source used to draw the real index. Defaults to crypto/rand.
func WithRand(r io.Reader) Option {
	return func(b *Builder) { b.rand = r }
}

// NewBuilder creates a Builder with DefaultLines lines.
func NewBuilder(opts ...Option) (*Builder, error) {
	b := &Builder{lines: DefaultLines, rand: rand.Reader}
	for _, opt := range opts {
		opt(b)
	}
	if b.lines < 2 {
		return nil, fmt.Errorf("%w: need at least 2 lines, got %d", ErrInvalidLines, b.lines)
	}
	return b, nil
}

// Lines returns the number of public lines L.
func (b *Builder) Lines() int {
	return b.lines
}

// Build hides item among decoys from source and seals the payload with enc.
//
// Steps: draw realIndex uniformly in [0, L), place the item text at that
// position among the decoys, seal {realIndex, item, digest(lines)} and
// compute the commit hash over iv || ciphertext.
func (b *Builder) Build(enc Encrypter, item string, source DecoySource) (*Commitment, error) {
	if err := validateLine(item); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrInvalidItem, err)
	}
	decoys, err := source.Decoys(item, b.lines-1)
	if err != nil {
		return nil, err
	}
	if err := b.validateDecoys(item, decoys); err != nil {
		return nil, err
	}

	idx, err := rand.Int(b.rand, big.NewInt(int64(b.lines)))
	if err != nil {
		return nil, fmt.Errorf("failed to draw real index: %w", err)
	}
	realIndex := int(idx.Int64())

	lines := make([]string, 0, b.lines)
	lines = append(lines, decoys[:realIndex]...)
	lines = append(lines, item)
	lines = append(lines, decoys[realIndex:]...)

	digest, err := LinesDigest(lines)
	if err != nil {
		return nil, err
	}
	payload := &Payload{RealIndex: realIndex, Item: item, LinesDigest: digest}
	plaintext, err := payload.Marshal()
	if err != nil {
		return nil, fmt.Errorf("failed to encode payload: %w", err)
	}

	sealed, err := enc.Encrypt(plaintext, payloadAAD)
	if err != nil {
		return nil, fmt.Errorf("failed to encrypt payload: %w", err)
	}

	return &Commitment{
		RealIndex:  realIndex,
		Item:       item,
		Lines:      lines,
		IV:         sealed.IV,
		Ciphertext: sealed.Ciphertext,
		Hash:       CommitHash(sealed.IV, sealed.Ciphertext),
	}, nil
}

func (b *Builder) validateDecoys(item string, decoys []string) error {
	if len(decoys) != b.lines-1 {
		return fmt.Errorf("%w: need %d decoys, got %d", ErrInvalidDecoys, b.lines-1, len(decoys))
	}
	seen := make(map[string]struct{}, len(decoys))
	for i, d := range decoys {
		if err := validateLine(d); err != nil {
			return fmt.Errorf("%w: decoy %d: %v", ErrInvalidDecoys, i, err)
		}
		if d == item {
			return fmt.Errorf("%w: decoy %d equals the real item", ErrInvalidDecoys, i)
		}
		if _, dup := seen[d]; dup {
			return fmt.Errorf("%w: decoy %d is a duplicate", ErrInvalidDecoys, i)
		}
		seen[d] = struct{}{}
	}
	return nil
}

func validateLine(s string) error {
	if s == "" {
		return fmt.Errorf("line is empty")
	}
	if len(s) > MaxItemLength {
		return fmt.Errorf("line exceeds %d bytes", MaxItemLength)
	}
	return nil
}

// Open verifies a public record and decrypts its payload with dec. The
// payload must name a line that exists in the record and carry the digest
// of exactly the record's lines.
func Open(record *Record, dec Decrypter) (*Payload, error) {
	if err := record.Verify(); err != nil {
		return nil, err
	}

	plaintext, err := dec.Decrypt(&aead.Sealed{Ciphertext: record.Ciphertext, IV: record.IV}, payloadAAD)
	if err != nil {
		return nil, err
	}
	payload, err := UnmarshalPayload(plaintext)
	if err != nil {
		return nil, err
	}

	if payload.RealIndex < 0 || payload.RealIndex >= len(record.Lines) {
		return nil, fmt.Errorf("%w: real index %d outside %d lines",
			ErrPayloadMismatch, payload.RealIndex, len(record.Lines))
	}
	if record.Lines[payload.RealIndex] != payload.Item {
		return nil, fmt.Errorf("%w: line %d does not match the sealed item",
			ErrPayloadMismatch, payload.RealIndex)
	}
	digest, err := LinesDigest(record.Lines)
	if err != nil {
		return nil, err
	}
	if !bytes.Equal(digest, payload.LinesDigest) {
		return nil, fmt.Errorf("%w: public lines were altered", ErrPayloadMismatch)
	}
	return payload, nil
}
