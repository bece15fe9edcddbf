package tree

// Policy combines the values of a branch's children into the branch's own value.
type Policy interface {
	Combine(b *Branch, values []float64) float64
}

// PolicyFunc adapts a function to Policy.
type PolicyFunc func(b *Branch, values []float64) float64

// Combine calls f.
func (f PolicyFunc) Combine(b *Branch, values []float64) float64 { return f(b, values) }

// Average is the mean of the children's values.
var Average Policy = PolicyFunc(func(_ *Branch, values []float64) float64 {
	if len(values) == 0 {
		return 0
	}
	return sum(values) / float64(len(values))
})

// Sum adds up the children's values.
var Sum Policy = PolicyFunc(func(_ *Branch, values []float64) float64 {
	return sum(values)
})

// Weighted averages the children's values using weight(child) as coefficients.
// When every weight is zero the result is zero.
func Weighted(weight func(child *Branch) float64) Policy {
	return PolicyFunc(func(b *Branch, values []float64) float64 {
		var total, weights float64
		for i, c := range b.Children {
			w := weight(c)
			total += values[i] * w
			weights += w
		}
		if weights == 0 {
			return 0
		}
		return total / weights
	})
}

func sum(values []float64) float64 {
	var s float64
	for _, v := range values {
		s += v
	}
	return s
}

// Aggregate computes Value for every branch, children before parents.
// Leaves take their own progress (0 when absent); inner branches apply policy
// to their children's values.
func Aggregate(roots []*Branch, policy Policy) {
	for _, r := range roots {
		aggregate(r, policy)
	}
}

func aggregate(b *Branch, policy Policy) float64 {
	var v float64
	if len(b.Children) == 0 {
		if b.Node.Progress != nil {
			v = *b.Node.Progress
		}
	} else {
		values := make([]float64, len(b.Children))
		for i, c := range b.Children {
			values[i] = aggregate(c, policy)
		}
		v = policy.Combine(b, values)
	}
	b.Value = &v
	return v
}

// GlobalProgress averages the aggregated values of the roots. Roots that were
// not aggregated count as zero.
func GlobalProgress(roots []*Branch) float64 {
	if len(roots) == 0 {
		return 0
	}
	var total float64
	for _, r := range roots {
		if r.Value != nil {
			total += *r.Value
		}
	}
	return total / float64(len(roots))
}
