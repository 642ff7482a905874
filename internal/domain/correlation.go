package domain

import (
	"sort"
	"time"
)

// CorrelationMatrix is a read-only snapshot of pairwise asset correlations
type CorrelationMatrix struct {
	AsOf  time.Time          `json:"as_of"`
	pairs map[string]float64 // key: a|b with a < b
}

// NewCorrelationMatrix builds a matrix from pair coefficients. Keys of the
// input are ordered pairs; both orders map to the same entry.
func NewCorrelationMatrix(asOf time.Time, pairs map[[2]string]float64) *CorrelationMatrix {
	m := &CorrelationMatrix{AsOf: asOf, pairs: make(map[string]float64, len(pairs))}
	for k, v := range pairs {
		m.pairs[pairKey(k[0], k[1])] = clampCorrelation(v)
	}
	return m
}

// Get returns the correlation of a and b. Self correlation is 1.
func (m *CorrelationMatrix) Get(a, b string) (float64, bool) {
	if a == b {
		return 1, true
	}
	if m == nil {
		return 0, false
	}
	v, ok := m.pairs[pairKey(a, b)]
	return v, ok
}

// Age returns how old the matrix is at now
func (m *CorrelationMatrix) Age(now time.Time) time.Duration {
	if m == nil {
		return time.Duration(1<<63 - 1)
	}
	return now.Sub(m.AsOf)
}

// Pairs returns the stored pairs in deterministic order
func (m *CorrelationMatrix) Pairs() []CorrelationPair {
	if m == nil {
		return nil
	}
	out := make([]CorrelationPair, 0, len(m.pairs))
	for k, v := range m.pairs {
		a, b := splitPairKey(k)
		out = append(out, CorrelationPair{A: a, B: b, Coefficient: v})
	}
	sort.Slice(out, func(i, j int) bool {
		if out[i].A != out[j].A {
			return out[i].A < out[j].A
		}
		return out[i].B < out[j].B
	})
	return out
}

// CorrelationPair is one entry of a matrix
type CorrelationPair struct {
	A           string  `json:"a"`
	B           string  `json:"b"`
	Coefficient float64 `json:"coefficient"`
}

func pairKey(a, b string) string {
	if b < a {
		a, b = b, a
	}
	return a + "|" + b
}

func splitPairKey(k string) (string, string) {
	for i := 0; i < len(k); i++ {
		if k[i] == '|' {
			return k[:i], k[i+1:]
		}
	}
	return k, ""
}

func clampCorrelation(v float64) float64 {
	switch {
	case v > 1:
		return 1
	case v < -1:
		return -1
	case v != v: // NaN
		return 0
	}
	return v
}
