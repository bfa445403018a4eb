// Package selection draws one member from an activity-ranked list.
//
// Selection pressure depends only on rank, never on raw message counts: the
// most active member is index 0 and λ controls how strongly low indices are
// favored.
package selection

import (
	"errors"
	"fmt"
	"math"

	"duoshe/internal/randx"
)

// ErrInvalidLambda is returned by New for λ <= 0, NaN or ±Inf.
var ErrInvalidLambda = errors.New("lambda must be a finite positive number")

// Selector maps an exponential sample onto a rank index.
//
// A sample x ~ Exp(λ) is wrapped into [0, 1) (x - floor(x)); by
// memorylessness the result follows the exponential truncated to [0, 1),
// which is then scaled onto the N ranks. For N >= 2,
//
//	P(index 0) = (1 - e^(-λ/N)) / (1 - e^(-λ))
//
// strictly increases with λ and tends to 1/N as λ approaches 0.
type Selector struct {
	lambda float64
	rand   randx.Source
}

// New returns a Selector. src must be safe for concurrent use if the
// selector is shared between goroutines.
func New(lambda float64, src randx.Source) (*Selector, error) {
	if math.IsNaN(lambda) || math.IsInf(lambda, 0) || lambda <= 0 {
		return nil, fmt.Errorf("%w: %v", ErrInvalidLambda, lambda)
	}
	if src == nil {
		return nil, errors.New("random source is required")
	}
	return &Selector{lambda: lambda, rand: src}, nil
}

// Lambda returns the concentration parameter.
func (s *Selector) Lambda() float64 { return s.lambda }

// Pick returns the chosen candidate and its index. ok is false only when
// ranked is empty.
func (s *Selector) Pick(ranked []string) (userID string, index int, ok bool) {
	n := len(ranked)
	if n == 0 {
		return "", -1, false
	}
	if n == 1 {
		return ranked[0], 0, true
	}
	i := indexFor(s.rand.ExpFloat64()/s.lambda, n)
	return ranked[i], i, true
}

func indexFor(x float64, n int) int {
	u := x - math.Floor(x)
	i := int(u * float64(n))
	if i >= n {
		i = n - 1
	}
	if i < 0 {
		i = 0
	}
	return i
}

// Probabilities returns the exact probability of each index for a list of
// length n under concentration lambda.
func Probabilities(n int, lambda float64) []float64 {
	if n <= 0 {
		return nil
	}
	p := make([]float64, n)
	if n == 1 {
		p[0] = 1
		return p
	}
	// -expm1(-x) = 1 - e^(-x) without cancellation for small λ.
	total := -math.Expm1(-lambda)
	// e^(-λk/n) - e^(-λ(k+1)/n) = e^(-λk/n) * (1 - e^(-λ/n)).
	step := -math.Expm1(-lambda / float64(n))
	for k := 0; k < n; k++ {
		p[k] = math.Exp(-lambda*float64(k)/float64(n)) * step / total
	}
	return p
}
