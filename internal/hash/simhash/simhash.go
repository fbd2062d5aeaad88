// Package simhash implements 64-bit simhash fingerprints and a banded index
// that answers "is any stored hash within distance < threshold" without a full scan.
package simhash

import (
	"crypto/md5" //nolint:gosec // token hashing, not a security boundary
	"encoding/binary"
	"math/bits"
	"strings"
)

// Bits is the fingerprint width.
const Bits = 64

// Compute returns the simhash of text. Tokens are lowercased whitespace-separated words;
// each contributes the low 64 bits of its MD5 digest.
func Compute(text string) uint64 {
	tokens := strings.Fields(strings.ToLower(text))
	if len(tokens) == 0 {
		return 0
	}
	var weights [Bits]int
	for _, tok := range tokens {
		sum := md5.Sum([]byte(tok)) //nolint:gosec // see import
		h := binary.BigEndian.Uint64(sum[8:])
		for i := 0; i < Bits; i++ {
			if h&(1<<uint(i)) != 0 {
				weights[i]++
			} else {
				weights[i]--
			}
		}
	}
	var fp uint64
	for i, w := range weights {
		if w > 0 {
			fp |= 1 << uint(i)
		}
	}
	return fp
}

// Distance is the Hamming distance between two fingerprints.
func Distance(a, b uint64) int {
	return bits.OnesCount64(a ^ b)
}

type band struct {
	shift uint
	mask  uint64
}

// Index stores fingerprints split into threshold bands. Two hashes closer than
// threshold differ in fewer than threshold bits, so at least one band is equal
// and the candidate is found by exact bucket lookup.
type Index struct {
	threshold int
	bands     []band
	buckets   []map[uint64][]uint64
	size      int
}

// NewIndex builds an index that reports near-duplicates at distance < threshold.
func NewIndex(threshold int) *Index {
	if threshold < 1 {
		threshold = 1
	}
	if threshold > Bits {
		threshold = Bits
	}
	ix := &Index{
		threshold: threshold,
		bands:     make([]band, threshold),
		buckets:   make([]map[uint64][]uint64, threshold),
	}
	width := Bits / threshold
	extra := Bits % threshold
	var shift uint
	for i := 0; i < threshold; i++ {
		w := width
		if i < extra {
			w++
		}
		var mask uint64
		if w == Bits {
			mask = ^uint64(0)
		} else {
			mask = (uint64(1) << uint(w)) - 1
		}
		ix.bands[i] = band{shift: shift, mask: mask}
		ix.buckets[i] = make(map[uint64][]uint64)
		shift += uint(w)
	}
	return ix
}

// Threshold returns the configured distance bound.
func (ix *Index) Threshold() int { return ix.threshold }

// Len reports how many fingerprints were added.
func (ix *Index) Len() int { return ix.size }

// Add stores h.
func (ix *Index) Add(h uint64) {
	for i, b := range ix.bands {
		key := (h >> b.shift) & b.mask
		ix.buckets[i][key] = append(ix.buckets[i][key], h)
	}
	ix.size++
}

// Remove deletes one stored copy of h and reports whether it was present.
func (ix *Index) Remove(h uint64) bool {
	removed := false
	for i, b := range ix.bands {
		key := (h >> b.shift) & b.mask
		bucket := ix.buckets[i][key]
		for j, cand := range bucket {
			if cand != h {
				continue
			}
			bucket = append(bucket[:j], bucket[j+1:]...)
			if len(bucket) == 0 {
				delete(ix.buckets[i], key)
			} else {
				ix.buckets[i][key] = bucket
			}
			removed = true
			break
		}
	}
	if removed {
		ix.size--
	}
	return removed
}

// Nearest returns the closest stored fingerprint with distance < threshold.
func (ix *Index) Nearest(h uint64) (uint64, int, bool) {
	best, bestDist, found := uint64(0), Bits+1, false
	for i, b := range ix.bands {
		key := (h >> b.shift) & b.mask
		for _, cand := range ix.buckets[i][key] {
			d := Distance(h, cand)
			if d < ix.threshold && d < bestDist {
				best, bestDist, found = cand, d, true
			}
		}
	}
	return best, bestDist, found
}
