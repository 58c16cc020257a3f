package rtp

import (
	"math/rand"
	"testing"

	"github.com/stretchr/testify/assert"
)

func sequenceBases() []uint16 {
	bases := []uint16{0, 1, 100, 32767, 32768, 32769, 65534, 65535}
	rng := rand.New(rand.NewSource(7))
	for i := 0; i < 8; i++ {
		bases = append(bases, uint16(rng.Intn(65536)))
	}
	return bases
}

func TestIsBefore_Trichotomy(t *testing.T) {
	for _, a := range sequenceBases() {
		for d := 1; d < 65536; d++ {
			if d == halfSpace {
				continue
			}
			b := a + uint16(d)
			forward := IsBefore(a, b)
			backward := IsBefore(b, a)
			if forward == backward {
				t.Fatalf("a=%d b=%d: IsBefore(a,b)=%v IsBefore(b,a)=%v", a, b, forward, backward)
			}
		}
	}
}

func TestIsBefore_Antisymmetric(t *testing.T) {
	for _, a := range sequenceBases() {
		for d := 0; d < 65536; d++ {
			b := a + uint16(d)
			if IsBefore(a, b) && IsBefore(b, a) {
				t.Fatalf("both IsBefore(%d,%d) and IsBefore(%d,%d)", a, b, b, a)
			}
		}
	}
}

func TestIsBefore_Cases(t *testing.T) {
	tests := []struct {
		name string
		a, b uint16
		want bool
	}{
		{"simple", 1, 2, true},
		{"reverse", 2, 1, false},
		{"equal", 5, 5, false},
		{"wraparound", 65535, 0, true},
		{"wraparound reverse", 0, 65535, false},
		{"wide wrap", 65000, 100, true},
		{"largest forward step", 0, 32767, true},
		{"midpoint forward", 0, 32768, false},
		{"midpoint backward", 32768, 0, false},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.want, IsBefore(tt.a, tt.b))
		})
	}
}

func TestDistance(t *testing.T) {
	assert.Equal(t, uint16(1), Distance(65535, 0))
	assert.Equal(t, uint16(10), Distance(100, 110))
	assert.Equal(t, uint16(65535), Distance(1, 0))
}
