package ml

import (
	"errors"
	"fmt"
	"math"
	"math/rand"
	"sort"
	"time"
)

var (
	// ErrNotFitted is returned by Predict on a forest that has no trees.
	ErrNotFitted = errors.New("isolation forest not fitted")

	// ErrFeatureMismatch is returned when a point's dimensionality differs from the training data.
	ErrFeatureMismatch = errors.New("feature dimension mismatch")

	// ErrNonFinite is returned when a feature is NaN or infinite.
	ErrNonFinite = errors.New("non-finite feature value")
)

// IsolationTree represents a single tree in the Isolation Forest
type IsolationTree struct {
	splitFeature int
	splitValue   float64
	left         *IsolationTree
	right        *IsolationTree
	size         int
	isLeaf       bool

	// lo and hi bound the sample that reached this node. A query outside
	// the box is isolated at this depth.
	lo []float64
	hi []float64
}

// IsolationForest implements the Isolation Forest algorithm for anomaly detection
type IsolationForest struct {
	trees         []*IsolationTree
	numTrees      int
	subSampleSize int
	maxDepth      int
	contamination float64
	seed          int64
	rng           *rand.Rand

	// set by Fit
	sampleSize  int
	numFeatures int
	threshold   float64
}

// DataPoint represents a multi-dimensional data point
type DataPoint struct {
	Features  []float64
	Label     string    // Optional label for debugging
	Timestamp time.Time // Optional timestamp for time-series use
	Value     float64   // Optional scalar value for time-series use
}

// AnomalyResult contains the anomaly score and details
type AnomalyResult struct {
	Score       float64 // 0.0 to 1.0, higher = more anomalous
	IsAnomaly   bool
	PathLength  float64
	Threshold   float64
	Explanation string
}

// Option configures an IsolationForest.
type Option func(*IsolationForest)

// WithSeed fixes the random source so repeated fits on the same data build the same trees.
func WithSeed(seed int64) Option {
	return func(f *IsolationForest) {
		f.seed = seed
	}
}

// WithContamination sets the expected share of anomalies in the training data.
// The decision threshold is placed at the (1 - contamination) quantile of the
// training scores. A value outside (0, 1) keeps the fixed 0.6 score threshold.
func WithContamination(c float64) Option {
	return func(f *IsolationForest) {
		f.contamination = c
	}
}

// defaultThreshold is used when no contamination is configured.
const defaultThreshold = 0.6

// NewIsolationForest creates a new Isolation Forest with specified parameters.
// A maxDepth <= 0 uses ceil(log2(sample size)) at fit time.
func NewIsolationForest(numTrees, subSampleSize, maxDepth int, opts ...Option) *IsolationForest {
	f := &IsolationForest{
		trees:         make([]*IsolationTree, 0, numTrees),
		numTrees:      numTrees,
		subSampleSize: subSampleSize,
		maxDepth:      maxDepth,
		seed:          time.Now().UnixNano(),
		threshold:     defaultThreshold,
	}
	for _, opt := range opts {
		opt(f)
	}
	f.rng = rand.New(rand.NewSource(f.seed))
	return f
}

// NumTrees returns the configured ensemble size.
func (f *IsolationForest) NumTrees() int { return f.numTrees }

// Contamination returns the configured contamination fraction.
func (f *IsolationForest) Contamination() float64 { return f.contamination }

// Threshold returns the fitted decision threshold on the anomaly score.
func (f *IsolationForest) Threshold() float64 { return f.threshold }

// Fitted reports whether the forest has been trained.
func (f *IsolationForest) Fitted() bool { return len(f.trees) > 0 }

// normalizeDataPoints ensures every DataPoint has a populated Features slice.
// If Features is empty but Value is set, we use [Value] as a 1-D feature vector.
func normalizeDataPoints(data []DataPoint) []DataPoint {
	normalized := make([]DataPoint, len(data))
	for i, dp := range data {
		if len(dp.Features) == 0 {
			dp.Features = []float64{dp.Value}
		}
		normalized[i] = dp
	}
	return normalized
}

func checkFinite(features []float64) error {
	for i, v := range features {
		if math.IsNaN(v) || math.IsInf(v, 0) {
			return fmt.Errorf("%w: feature %d is %v", ErrNonFinite, i, v)
		}
	}
	return nil
}

// Fit trains the Isolation Forest on the given data. Refitting discards the
// previous trees and restarts the random source from the seed.
func (f *IsolationForest) Fit(data []DataPoint) error {
	if len(data) == 0 {
		return nil
	}

	// Ensure all data points have features populated
	data = normalizeDataPoints(data)

	numFeatures := len(data[0].Features)
	for i, dp := range data {
		if len(dp.Features) != numFeatures {
			return fmt.Errorf("%w: point %d has %d features, expected %d",
				ErrFeatureMismatch, i, len(dp.Features), numFeatures)
		}
		if err := checkFinite(dp.Features); err != nil {
			return fmt.Errorf("point %d: %w", i, err)
		}
	}

	f.rng = rand.New(rand.NewSource(f.seed))
	f.trees = make([]*IsolationTree, 0, f.numTrees)
	f.numFeatures = numFeatures
	f.sampleSize = f.subSampleSize
	if f.sampleSize <= 0 || f.sampleSize > len(data) {
		f.sampleSize = len(data)
	}

	depthLimit := f.maxDepth
	if depthLimit <= 0 {
		depthLimit = int(math.Ceil(math.Log2(math.Max(float64(f.sampleSize), 2))))
	}

	// Build multiple isolation trees
	for i := 0; i < f.numTrees; i++ {
		sample := f.sampleData(data)
		f.trees = append(f.trees, f.buildTree(sample, 0, depthLimit))
	}

	f.threshold = f.calibrate(data)
	return nil
}

// calibrate places the decision threshold at the (1 - contamination) quantile
// of the training scores.
func (f *IsolationForest) calibrate(data []DataPoint) float64 {
	if f.contamination <= 0 || f.contamination >= 1 {
		return defaultThreshold
	}

	scores := make([]float64, len(data))
	for i, dp := range data {
		scores[i], _ = f.score(dp.Features)
	}
	sort.Float64s(scores)

	idx := int(float64(len(scores)) * (1.0 - f.contamination))
	if idx >= len(scores) {
		idx = len(scores) - 1
	}
	return scores[idx]
}

// Predict calculates the anomaly score for a single data point
func (f *IsolationForest) Predict(point DataPoint) (AnomalyResult, error) {
	if len(point.Features) == 0 {
		point.Features = []float64{point.Value}
	}
	if len(f.trees) == 0 {
		return AnomalyResult{}, ErrNotFitted
	}
	if len(point.Features) != f.numFeatures {
		return AnomalyResult{}, fmt.Errorf("%w: got %d features, model has %d",
			ErrFeatureMismatch, len(point.Features), f.numFeatures)
	}
	if err := checkFinite(point.Features); err != nil {
		return AnomalyResult{}, err
	}

	score, avgPathLength := f.score(point.Features)

	return AnomalyResult{
		Score:       score,
		IsAnomaly:   score > f.threshold,
		PathLength:  avgPathLength,
		Threshold:   f.threshold,
		Explanation: f.explainScore(score),
	}, nil
}

// score returns 2^(-E[h(x)] / c(n)) where c(n) is the average path length
// of an unsuccessful search in a BST over the sample size.
func (f *IsolationForest) score(features []float64) (float64, float64) {
	totalPathLength := 0.0
	for _, tree := range f.trees {
		totalPathLength += f.pathLength(tree, features, 0)
	}
	avgPathLength := totalPathLength / float64(len(f.trees))

	c := f.averagePathLength(f.sampleSize)
	if c == 0 {
		c = 1
	}
	return math.Pow(2, -avgPathLength/c), avgPathLength
}

// sampleData randomly samples a subset of data
func (f *IsolationForest) sampleData(data []DataPoint) []DataPoint {
	sampleSize := f.sampleSize
	if sampleSize > len(data) {
		sampleSize = len(data)
	}

	// Fisher-Yates shuffle and take first sampleSize elements
	shuffled := make([]DataPoint, len(data))
	copy(shuffled, data)

	for i := len(shuffled) - 1; i > 0; i-- {
		j := f.rng.Intn(i + 1)
		shuffled[i], shuffled[j] = shuffled[j], shuffled[i]
	}

	return shuffled[:sampleSize]
}

// buildTree recursively builds an isolation tree
func (f *IsolationForest) buildTree(data []DataPoint, depth, depthLimit int) *IsolationTree {
	lo, hi := f.bounds(data)

	// Terminal conditions
	if len(data) <= 1 || depth >= depthLimit || f.allIdentical(data) {
		return &IsolationTree{
			size:   len(data),
			isLeaf: true,
			lo:     lo,
			hi:     hi,
		}
	}

	// Pick a feature that actually varies, then a split value inside its range
	numFeatures := len(data[0].Features)
	splitFeature := f.rng.Intn(numFeatures)
	for attempts := 0; lo[splitFeature] == hi[splitFeature] && attempts < numFeatures; attempts++ {
		splitFeature = (splitFeature + 1) % numFeatures
	}
	splitValue := lo[splitFeature] + f.rng.Float64()*(hi[splitFeature]-lo[splitFeature])

	left, right := f.splitData(data, splitFeature, splitValue)

	// If split didn't partition the data, make it a leaf
	if len(left) == 0 || len(right) == 0 {
		return &IsolationTree{
			size:   len(data),
			isLeaf: true,
			lo:     lo,
			hi:     hi,
		}
	}

	return &IsolationTree{
		splitFeature: splitFeature,
		splitValue:   splitValue,
		left:         f.buildTree(left, depth+1, depthLimit),
		right:        f.buildTree(right, depth+1, depthLimit),
		size:         len(data),
		isLeaf:       false,
		lo:           lo,
		hi:           hi,
	}
}

// pathLength calculates the path length for a point in a tree
func (f *IsolationForest) pathLength(tree *IsolationTree, features []float64, currentDepth int) float64 {
	if !tree.contains(features) {
		return float64(currentDepth)
	}
	if tree.isLeaf {
		// Add average path length for remaining points in leaf
		return float64(currentDepth) + f.averagePathLength(tree.size)
	}

	if features[tree.splitFeature] < tree.splitValue {
		return f.pathLength(tree.left, features, currentDepth+1)
	}
	return f.pathLength(tree.right, features, currentDepth+1)
}

// averagePathLength calculates the average path length of unsuccessful search in BST
// This is the expected path length for a balanced binary tree
func (f *IsolationForest) averagePathLength(n int) float64 {
	if n <= 1 {
		return 0
	}
	if n == 2 {
		return 1
	}

	// c(n) = 2H(n-1) - (2(n-1)/n)
	harmonicNumber := f.harmonicNumber(n - 1)
	return 2*harmonicNumber - (2 * float64(n-1) / float64(n))
}

// harmonicNumber approximates H(n) ≈ ln(n) + γ
func (f *IsolationForest) harmonicNumber(n int) float64 {
	return math.Log(float64(n)) + 0.5772156649
}

// allIdentical checks if all data points are identical
func (f *IsolationForest) allIdentical(data []DataPoint) bool {
	if len(data) <= 1 {
		return true
	}

	first := data[0].Features
	for i := 1; i < len(data); i++ {
		for j := range first {
			if math.Abs(data[i].Features[j]-first[j]) > 1e-10 {
				return false
			}
		}
	}
	return true
}

// bounds returns the per-feature min and max of data.
func (f *IsolationForest) bounds(data []DataPoint) ([]float64, []float64) {
	if len(data) == 0 {
		return nil, nil
	}
	lo := make([]float64, len(data[0].Features))
	hi := make([]float64, len(data[0].Features))
	copy(lo, data[0].Features)
	copy(hi, data[0].Features)

	for _, point := range data[1:] {
		for j, val := range point.Features {
			if val < lo[j] {
				lo[j] = val
			}
			if val > hi[j] {
				hi[j] = val
			}
		}
	}
	return lo, hi
}

// contains reports whether features fall inside the node's bounding box.
func (t *IsolationTree) contains(features []float64) bool {
	for j := range t.lo {
		if features[j] < t.lo[j]-1e-10 || features[j] > t.hi[j]+1e-10 {
			return false
		}
	}
	return true
}

// splitData splits data based on feature and split value
func (f *IsolationForest) splitData(data []DataPoint, feature int, splitValue float64) ([]DataPoint, []DataPoint) {
	left := make([]DataPoint, 0)
	right := make([]DataPoint, 0)

	for _, point := range data {
		if point.Features[feature] < splitValue {
			left = append(left, point)
		} else {
			right = append(right, point)
		}
	}

	return left, right
}

// explainScore provides a human-readable explanation of the anomaly score
func (f *IsolationForest) explainScore(score float64) string {
	switch {
	case score > f.threshold && score > 0.7:
		return "Strong anomaly - significantly different from normal patterns"
	case score > f.threshold:
		return "Likely anomaly - deviates from normal behavior"
	case score > 0.5:
		return "Borderline - slightly unusual but within normal variation"
	default:
		return "Normal - consistent with expected patterns"
	}
}
