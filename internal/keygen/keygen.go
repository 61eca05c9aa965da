// Package keygen computes the rotating shared key. Two generators with the
// same secrets and roughly synchronized clocks produce the same key within
// the same window, with no network round-trip involved.
package keygen

import (
	"encoding/hex"
	"strconv"
	"time"

	"golang.org/x/crypto/blake2b"
)

const (
	// noiseBucket is the clock resolution the shared noise is derived from.
	// Generators whose clocks disagree by less than this still agree on the
	// noise most of the time.
	noiseBucket = 10 * time.Second

	noiseScale  = 137
	noiseOffset = 89
	noiseMod    = 10_000
)

// Generator derives time-windowed keys from a base secret and a pepper.
// It holds no mutable state; every call recomputes from the clock.
type Generator struct {
	base   []byte
	pepper []byte
	window time.Duration
}

func New(baseSecret, pepper string, window time.Duration) *Generator {
	return &Generator{
		base:   []byte(baseSecret),
		pepper: []byte(pepper),
		window: window,
	}
}

// sharedNoise maps a coarse time bucket through a fixed linear transform and
// reduces it modulo a small range. The transform must stay bit-for-bit
// identical on every generator; producer and verifier have to agree on it.
func sharedNoise(nowMs int64) int64 {
	bucket := nowMs / noiseBucket.Milliseconds()
	return (bucket*noiseScale + noiseOffset) % noiseMod
}

// WindowAt returns the key window index for the given instant.
func (g *Generator) WindowAt(now time.Time) int64 {
	nowMs := now.UnixMilli()
	return (nowMs + sharedNoise(nowMs)) / g.window.Milliseconds()
}

// KeyAt computes the display-formatted key for the given instant.
func (g *Generator) KeyAt(now time.Time) string {
	salt := blake2b.Sum256([]byte(strconv.FormatInt(g.WindowAt(now), 10)))
	timeSalt := hex.EncodeToString(salt[:])

	mixed := mixSecrets(g.base, g.pepper)

	material := make([]byte, 0, len(mixed)+1+len(timeSalt))
	material = append(material, mixed...)
	material = append(material, ':')
	material = append(material, timeSalt...)

	digest := blake2b.Sum256(material)
	return "::" + hex.EncodeToString(digest[:]) + "::"
}

// Key computes the current key.
func (g *Generator) Key() string {
	return g.KeyAt(time.Now())
}

// mixSecrets XORs two byte strings, cycling the shorter one over the length
// of the longer.
func mixSecrets(a, b []byte) []byte {
	if len(a) == 0 {
		return append([]byte(nil), b...)
	}
	if len(b) == 0 {
		return append([]byte(nil), a...)
	}

	long, short := a, b
	if len(b) > len(a) {
		long, short = b, a
	}

	mixed := make([]byte, len(long))
	for i := range long {
		mixed[i] = long[i] ^ short[i%len(short)]
	}
	return mixed
}
