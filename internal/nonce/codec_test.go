package nonce

import (
	"bytes"
	"errors"
	"math/rand"
	"testing"

	gocmErrors "github.com/bardlex/gocm/pkg/errors"
)

func trim(b []byte) []byte {
	i := 0
	for i < len(b)-1 && b[i] == 0 {
		i++
	}
	if len(b) == 0 {
		return []byte{0}
	}
	return b[i:]
}

func TestBufferToNumber(t *testing.T) {
	tests := []struct {
		name    string
		buf     []byte
		want    uint64
		wantErr error
	}{
		{"empty", []byte{}, 0, nil},
		{"zero", []byte{0}, 0, nil},
		{"one byte", []byte{0xab}, 0xab, nil},
		{"padded", []byte{0, 0, 0, 0, 1, 0}, 256, nil},
		{"max", []byte{0xff, 0xff, 0xff, 0xff, 0xff, 0xff}, Max, nil},
		{"too large", make([]byte, 7), 0, gocmErrors.ErrBufferTooLarge},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got, err := BufferToNumber(tt.buf)
			if !errors.Is(err, tt.wantErr) {
				t.Fatalf("BufferToNumber() error = %v, want %v", err, tt.wantErr)
			}
			if got != tt.want {
				t.Errorf("BufferToNumber() = %d, want %d", got, tt.want)
			}
		})
	}
}

func TestNumberToBuffer(t *testing.T) {
	tests := []struct {
		name    string
		n       uint64
		want    []byte
		wantErr error
	}{
		{"zero", 0, []byte{0}, nil},
		{"small", 0x10, []byte{0x10}, nil},
		{"two bytes", 0x0102, []byte{0x01, 0x02}, nil},
		{"max", Max, []byte{0xff, 0xff, 0xff, 0xff, 0xff, 0xff}, nil},
		{"out of range", Max + 1, nil, gocmErrors.ErrNonceOutOfRange},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got, err := NumberToBuffer(tt.n)
			if !errors.Is(err, tt.wantErr) {
				t.Fatalf("NumberToBuffer() error = %v, want %v", err, tt.wantErr)
			}
			if !bytes.Equal(got, tt.want) {
				t.Errorf("NumberToBuffer() = %x, want %x", got, tt.want)
			}
		})
	}
}

func TestCodecRoundTrip(t *testing.T) {
	rng := rand.New(rand.NewSource(1))

	for range 2000 {
		n := rng.Uint64() & Max
		buf, err := NumberToBuffer(n)
		if err != nil {
			t.Fatalf("NumberToBuffer(%d) error = %v", n, err)
		}
		back, err := BufferToNumber(buf)
		if err != nil || back != n {
			t.Fatalf("BufferToNumber(NumberToBuffer(%d)) = %d, %v", n, back, err)
		}

		raw := make([]byte, rng.Intn(Width+1))
		rng.Read(raw)
		v, err := BufferToNumber(raw)
		if err != nil {
			t.Fatalf("BufferToNumber(%x) error = %v", raw, err)
		}
		again, _ := NumberToBuffer(v)
		if !bytes.Equal(again, trim(raw)) {
			t.Fatalf("NumberToBuffer(BufferToNumber(%x)) = %x, want %x", raw, again, trim(raw))
		}
	}
}

func TestHexForms(t *testing.T) {
	fixed, err := FixedHex(0x0a0b)
	if err != nil {
		t.Fatal(err)
	}
	if fixed != "000000000a0b" || len(fixed) != HexWidth {
		t.Errorf("FixedHex() = %q", fixed)
	}

	trimmed, err := TrimmedHex(0x0a0b)
	if err != nil {
		t.Fatal(err)
	}
	if trimmed != "0a0b" {
		t.Errorf("TrimmedHex() = %q, want 0a0b", trimmed)
	}

	for _, s := range []string{fixed, trimmed} {
		n, err := ParseHex(s)
		if err != nil || n != 0x0a0b {
			t.Errorf("ParseHex(%q) = %d, %v", s, n, err)
		}
	}

	if _, err := FixedHex(Max + 1); !errors.Is(err, gocmErrors.ErrNonceOutOfRange) {
		t.Errorf("FixedHex(Max+1) error = %v", err)
	}
	if _, err := ParseHex("zz"); err == nil {
		t.Error("ParseHex(zz) expected error")
	}

	var f Fixed
	PutFixed(&f, Max)
	if f.Number() != Max || f.Hex() != "ffffffffffff" {
		t.Errorf("Fixed(Max) = %s / %d", f.Hex(), f.Number())
	}
}

func TestIncrementInPlace(t *testing.T) {
	tests := []struct {
		name     string
		buf      []byte
		start    int
		end      int
		want     []byte
		overflow bool
	}{
		{"simple", []byte{0, 0, 1}, 0, 3, []byte{0, 0, 2}, false},
		{"carry", []byte{0, 0xff, 0xff}, 0, 3, []byte{1, 0, 0}, false},
		{"sub range", []byte{9, 0, 0xff, 9}, 1, 3, []byte{9, 1, 0, 9}, false},
		{"overflow", []byte{0xff, 0xff}, 0, 2, []byte{0, 0}, true},
		{"overflow leaves outside untouched", []byte{7, 0xff, 7}, 1, 2, []byte{7, 0, 7}, true},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			err := IncrementInPlace(tt.buf, tt.start, tt.end)
			if tt.overflow != errors.Is(err, gocmErrors.ErrNonceOverflow) {
				t.Fatalf("IncrementInPlace() error = %v, overflow want %v", err, tt.overflow)
			}
			if !bytes.Equal(tt.buf, tt.want) {
				t.Errorf("IncrementInPlace() = %x, want %x", tt.buf, tt.want)
			}
		})
	}
}

// A 2-byte surrogate of the 6-byte cycle: 2^16 increments from zero visit
// every value once and come back to zero exactly once, via overflow.
func TestIncrementInPlace_FullCycle(t *testing.T) {
	buf := []byte{0, 0}
	seen := make([]bool, 1<<16)
	seen[0] = true
	overflows := 0

	for i := 1; i <= 1<<16; i++ {
		err := IncrementInPlace(buf, 0, 2)
		v := int(buf[0])<<8 | int(buf[1])

		if err != nil {
			if !errors.Is(err, gocmErrors.ErrNonceOverflow) {
				t.Fatalf("unexpected error %v", err)
			}
			overflows++
			if i != 1<<16 || v != 0 {
				t.Fatalf("overflow at step %d with value %d", i, v)
			}
			continue
		}

		if v != i {
			t.Fatalf("step %d produced %d", i, v)
		}
		if seen[v] {
			t.Fatalf("value %d visited twice", v)
		}
		seen[v] = true
	}

	if overflows != 1 {
		t.Errorf("overflows = %d, want 1", overflows)
	}
	for v, ok := range seen {
		if !ok {
			t.Fatalf("value %d never visited", v)
		}
	}
}
