// Package record builds and canonically serializes the records that the miner
// searches over, and locates the fixed-width nonce field inside the
// serialized bytes.
package record

import (
	"bytes"
	"encoding/json"
	"fmt"
	"strings"
	"sync"

	"github.com/bardlex/gocm/internal/nonce"
	"github.com/bardlex/gocm/pkg/errors"
)

// KindConstruct is the kind identifier of a mined construct.
const KindConstruct = 332

// nonceLiteral opens the nonce tag in every serialized record. Quotes inside
// string values are escaped, so it can only match a tag whose first element
// is "nonce".
const nonceLiteral = `["nonce","`

// bufferPool holds encode buffers; serialization runs once per run but also on
// every Verify call from consumers.
var bufferPool = sync.Pool{
	New: func() any {
		return bytes.NewBuffer(make([]byte, 0, 512))
	},
}

// Record is the tuple being mined. Only the nonce tag value changes once the
// record is built.
type Record struct {
	Pubkey    string     `json:"pubkey"`
	CreatedAt int64      `json:"created_at"`
	Kind      int        `json:"kind"`
	Tags      [][]string `json:"tags"`
	Content   string     `json:"content"`
}

// NewConstruct returns a construct record with a zeroed fixed-width nonce
// placeholder and the given target.
func NewConstruct(pubkey string, createdAt int64, targetHex string) Record {
	return Record{
		Pubkey:    pubkey,
		CreatedAt: createdAt,
		Kind:      KindConstruct,
		Tags:      [][]string{{"nonce", strings.Repeat("0", nonce.HexWidth), targetHex}},
		Content:   "",
	}
}

// nonceTag returns the index of the nonce tag, or -1.
func (r Record) nonceTag() int {
	for i, tag := range r.Tags {
		if len(tag) >= 2 && tag[0] == "nonce" {
			return i
		}
	}
	return -1
}

// Nonce returns the nonce tag value.
func (r Record) Nonce() (string, bool) {
	i := r.nonceTag()
	if i < 0 {
		return "", false
	}
	return r.Tags[i][1], true
}

// TargetHex returns the target carried by the nonce tag, if any.
func (r Record) TargetHex() (string, bool) {
	i := r.nonceTag()
	if i < 0 || len(r.Tags[i]) < 3 {
		return "", false
	}
	return r.Tags[i][2], true
}

// WithNonce returns a deep copy of r with the nonce tag value replaced.
func (r Record) WithNonce(value string) (Record, error) {
	i := r.nonceTag()
	if i < 0 {
		return Record{}, errors.Wrap(errors.ErrMalformedRecord, errors.ErrorTypeRecord, "with_nonce", "nonce tag missing")
	}

	out := r
	out.Tags = make([][]string, len(r.Tags))
	for j, tag := range r.Tags {
		out.Tags[j] = append([]string(nil), tag...)
	}
	out.Tags[i][1] = value
	return out, nil
}

// Serialize encodes r as [0,pubkey,created_at,kind,tags,content]. Output is
// deterministic and carries no trailing newline or HTML escaping.
func Serialize(r Record) ([]byte, error) {
	tags := r.Tags
	if tags == nil {
		tags = [][]string{}
	}

	buf := bufferPool.Get().(*bytes.Buffer)
	buf.Reset()
	defer bufferPool.Put(buf)

	enc := json.NewEncoder(buf)
	enc.SetEscapeHTML(false)
	if err := enc.Encode([]any{0, r.Pubkey, r.CreatedAt, r.Kind, tags, r.Content}); err != nil {
		return nil, errors.Wrap(err, errors.ErrorTypeRecord, "serialize", "failed to encode record")
	}

	out := bytes.TrimSuffix(buf.Bytes(), []byte("\n"))
	return append([]byte(nil), out...), nil
}

// NonceBounds returns the half-open byte range of the nonce value inside a
// serialized record.
func NonceBounds(serialized []byte) (int, int, error) {
	i := bytes.Index(serialized, []byte(nonceLiteral))
	if i < 0 {
		return 0, 0, errors.Wrap(errors.ErrMalformedRecord, errors.ErrorTypeRecord, "nonce_bounds", "nonce tag not found")
	}
	start := i + len(nonceLiteral)

	n := bytes.IndexByte(serialized[start:], '"')
	if n < 0 {
		return 0, 0, errors.Wrap(errors.ErrMalformedRecord, errors.ErrorTypeRecord, "nonce_bounds", "nonce value is unterminated")
	}
	return start, start + n, nil
}

// Template is a serialized record plus the location of its nonce field.
// It is read-only once built; workers copy Buffer before mutating it.
type Template struct {
	Buffer     []byte
	NonceStart int
	NonceEnd   int
}

// NewTemplate serializes r and checks that its nonce field is exactly
// nonce.HexWidth characters wide.
func NewTemplate(r Record) (*Template, error) {
	buf, err := Serialize(r)
	if err != nil {
		return nil, err
	}

	start, end, err := NonceBounds(buf)
	if err != nil {
		return nil, err
	}
	if end-start != nonce.HexWidth {
		return nil, errors.Wrap(errors.ErrMalformedRecord, errors.ErrorTypeRecord, "new_template",
			fmt.Sprintf("nonce field is %d characters, want %d", end-start, nonce.HexWidth)).
			WithContext("nonce_start", start)
	}
	if value, _ := r.Nonce(); string(buf[start:end]) != value {
		return nil, errors.Wrap(errors.ErrMalformedRecord, errors.ErrorTypeRecord, "new_template",
			"nonce field does not hold the nonce tag value").
			WithContext("nonce_start", start)
	}

	return &Template{Buffer: buf, NonceStart: start, NonceEnd: end}, nil
}

// Clone returns a private mutable copy of the template bytes.
func (t *Template) Clone() []byte {
	return append([]byte(nil), t.Buffer...)
}
