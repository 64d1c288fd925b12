package ml

import (
	"errors"
	"fmt"
	"math"
	"math/rand"

	"google.golang.org/protobuf/encoding/protowire"
)

// Wire field numbers. Forest message:
//
//	1 num_trees  2 sub_sample_size  3 max_depth  4 contamination (fixed64)
//	5 seed       6 sample_size      7 num_features  8 threshold (fixed64)
//	9 tree (bytes, repeated)
//
// Tree message: 1 node (bytes, repeated, preorder). Node message:
//
//	1 is_leaf  2 split_feature  3 split_value (fixed64)  4 size
//	5 lo (packed fixed64)  6 hi (packed fixed64)
const (
	fieldNumTrees      protowire.Number = 1
	fieldSubSampleSize protowire.Number = 2
	fieldMaxDepth      protowire.Number = 3
	fieldContamination protowire.Number = 4
	fieldSeed          protowire.Number = 5
	fieldSampleSize    protowire.Number = 6
	fieldNumFeatures   protowire.Number = 7
	fieldThreshold     protowire.Number = 8
	fieldTree          protowire.Number = 9

	fieldNode = protowire.Number(1)

	fieldNodeLeaf         protowire.Number = 1
	fieldNodeSplitFeature protowire.Number = 2
	fieldNodeSplitValue   protowire.Number = 3
	fieldNodeSize         protowire.Number = 4
	fieldNodeLo           protowire.Number = 5
	fieldNodeHi           protowire.Number = 6
)

var errMalformed = errors.New("malformed isolation forest encoding")

// MarshalBinary encodes the fitted forest in protobuf wire format.
func (f *IsolationForest) MarshalBinary() ([]byte, error) {
	if len(f.trees) == 0 {
		return nil, ErrNotFitted
	}

	var b []byte
	b = appendVarint(b, fieldNumTrees, uint64(f.numTrees))
	b = appendVarint(b, fieldSubSampleSize, uint64(f.subSampleSize))
	b = appendVarint(b, fieldMaxDepth, uint64(f.maxDepth))
	b = appendFloat(b, fieldContamination, f.contamination)
	b = appendVarint(b, fieldSeed, protowire.EncodeZigZag(f.seed))
	b = appendVarint(b, fieldSampleSize, uint64(f.sampleSize))
	b = appendVarint(b, fieldNumFeatures, uint64(f.numFeatures))
	b = appendFloat(b, fieldThreshold, f.threshold)

	for _, tree := range f.trees {
		var tb []byte
		tb = appendTree(tb, tree)
		b = protowire.AppendTag(b, fieldTree, protowire.BytesType)
		b = protowire.AppendBytes(b, tb)
	}
	return b, nil
}

// UnmarshalBinary restores a forest produced by MarshalBinary.
func (f *IsolationForest) UnmarshalBinary(b []byte) error {
	var out IsolationForest
	for len(b) > 0 {
		num, typ, n := protowire.ConsumeTag(b)
		if n < 0 {
			return fmt.Errorf("%w: %v", errMalformed, protowire.ParseError(n))
		}
		b = b[n:]

		switch {
		case typ == protowire.VarintType && num != fieldTree:
			v, n := protowire.ConsumeVarint(b)
			if n < 0 {
				return fmt.Errorf("%w: %v", errMalformed, protowire.ParseError(n))
			}
			b = b[n:]
			switch num {
			case fieldNumTrees:
				out.numTrees = int(v)
			case fieldSubSampleSize:
				out.subSampleSize = int(v)
			case fieldMaxDepth:
				out.maxDepth = int(v)
			case fieldSeed:
				out.seed = protowire.DecodeZigZag(v)
			case fieldSampleSize:
				out.sampleSize = int(v)
			case fieldNumFeatures:
				out.numFeatures = int(v)
			}
		case typ == protowire.Fixed64Type:
			v, n := protowire.ConsumeFixed64(b)
			if n < 0 {
				return fmt.Errorf("%w: %v", errMalformed, protowire.ParseError(n))
			}
			b = b[n:]
			switch num {
			case fieldContamination:
				out.contamination = math.Float64frombits(v)
			case fieldThreshold:
				out.threshold = math.Float64frombits(v)
			}
		case num == fieldTree && typ == protowire.BytesType:
			tb, n := protowire.ConsumeBytes(b)
			if n < 0 {
				return fmt.Errorf("%w: %v", errMalformed, protowire.ParseError(n))
			}
			b = b[n:]
			tree, err := decodeTree(tb)
			if err != nil {
				return err
			}
			out.trees = append(out.trees, tree)
		default:
			n := protowire.ConsumeFieldValue(num, typ, b)
			if n < 0 {
				return fmt.Errorf("%w: %v", errMalformed, protowire.ParseError(n))
			}
			b = b[n:]
		}
	}

	if len(out.trees) == 0 || out.numFeatures == 0 {
		return fmt.Errorf("%w: no trees", errMalformed)
	}
	for i, tree := range out.trees {
		if err := checkTree(tree, out.numFeatures); err != nil {
			return fmt.Errorf("tree %d: %w", i, err)
		}
	}
	out.rng = rand.New(rand.NewSource(out.seed))
	*f = out
	return nil
}

func appendVarint(b []byte, num protowire.Number, v uint64) []byte {
	b = protowire.AppendTag(b, num, protowire.VarintType)
	return protowire.AppendVarint(b, v)
}

func appendFloat(b []byte, num protowire.Number, v float64) []byte {
	b = protowire.AppendTag(b, num, protowire.Fixed64Type)
	return protowire.AppendFixed64(b, math.Float64bits(v))
}

func appendPacked(b []byte, num protowire.Number, vs []float64) []byte {
	packed := make([]byte, 0, 8*len(vs))
	for _, v := range vs {
		packed = protowire.AppendFixed64(packed, math.Float64bits(v))
	}
	b = protowire.AppendTag(b, num, protowire.BytesType)
	return protowire.AppendBytes(b, packed)
}

func consumePacked(b []byte) ([]float64, error) {
	out := make([]float64, 0, len(b)/8)
	for len(b) > 0 {
		v, n := protowire.ConsumeFixed64(b)
		if n < 0 {
			return nil, fmt.Errorf("%w: %v", errMalformed, protowire.ParseError(n))
		}
		b = b[n:]
		out = append(out, math.Float64frombits(v))
	}
	return out, nil
}

// appendTree writes nodes in preorder.
func appendTree(b []byte, t *IsolationTree) []byte {
	var nb []byte
	leaf := uint64(0)
	if t.isLeaf {
		leaf = 1
	}
	nb = appendVarint(nb, fieldNodeLeaf, leaf)
	nb = appendVarint(nb, fieldNodeSize, uint64(t.size))
	if !t.isLeaf {
		nb = appendVarint(nb, fieldNodeSplitFeature, uint64(t.splitFeature))
		nb = appendFloat(nb, fieldNodeSplitValue, t.splitValue)
	}
	nb = appendPacked(nb, fieldNodeLo, t.lo)
	nb = appendPacked(nb, fieldNodeHi, t.hi)

	b = protowire.AppendTag(b, fieldNode, protowire.BytesType)
	b = protowire.AppendBytes(b, nb)

	if !t.isLeaf {
		b = appendTree(b, t.left)
		b = appendTree(b, t.right)
	}
	return b
}

func decodeTree(b []byte) (*IsolationTree, error) {
	var nodes []*IsolationTree
	for len(b) > 0 {
		num, typ, n := protowire.ConsumeTag(b)
		if n < 0 {
			return nil, fmt.Errorf("%w: %v", errMalformed, protowire.ParseError(n))
		}
		b = b[n:]
		if num != fieldNode || typ != protowire.BytesType {
			n = protowire.ConsumeFieldValue(num, typ, b)
			if n < 0 {
				return nil, fmt.Errorf("%w: %v", errMalformed, protowire.ParseError(n))
			}
			b = b[n:]
			continue
		}
		nb, n := protowire.ConsumeBytes(b)
		if n < 0 {
			return nil, fmt.Errorf("%w: %v", errMalformed, protowire.ParseError(n))
		}
		b = b[n:]
		node, err := decodeNode(nb)
		if err != nil {
			return nil, err
		}
		nodes = append(nodes, node)
	}

	pos := 0
	root, err := link(nodes, &pos)
	if err != nil {
		return nil, err
	}
	if pos != len(nodes) {
		return nil, fmt.Errorf("%w: %d trailing nodes", errMalformed, len(nodes)-pos)
	}
	return root, nil
}

// link rebuilds the tree from its preorder node list.
func link(nodes []*IsolationTree, pos *int) (*IsolationTree, error) {
	if *pos >= len(nodes) {
		return nil, fmt.Errorf("%w: truncated tree", errMalformed)
	}
	node := nodes[*pos]
	*pos++
	if node.isLeaf {
		return node, nil
	}
	var err error
	if node.left, err = link(nodes, pos); err != nil {
		return nil, err
	}
	if node.right, err = link(nodes, pos); err != nil {
		return nil, err
	}
	return node, nil
}

// checkTree rejects nodes whose split feature or bounds do not fit the
// forest's feature count, since scoring indexes by them.
func checkTree(t *IsolationTree, numFeatures int) error {
	if len(t.lo) != numFeatures || len(t.hi) != numFeatures {
		return fmt.Errorf("%w: node bounds have %d/%d features, want %d",
			errMalformed, len(t.lo), len(t.hi), numFeatures)
	}
	if t.isLeaf {
		return nil
	}
	if t.splitFeature < 0 || t.splitFeature >= numFeatures {
		return fmt.Errorf("%w: split feature %d out of range", errMalformed, t.splitFeature)
	}
	if err := checkTree(t.left, numFeatures); err != nil {
		return err
	}
	return checkTree(t.right, numFeatures)
}

func decodeNode(b []byte) (*IsolationTree, error) {
	node := &IsolationTree{}
	for len(b) > 0 {
		num, typ, n := protowire.ConsumeTag(b)
		if n < 0 {
			return nil, fmt.Errorf("%w: %v", errMalformed, protowire.ParseError(n))
		}
		b = b[n:]

		switch {
		case typ == protowire.VarintType:
			v, n := protowire.ConsumeVarint(b)
			if n < 0 {
				return nil, fmt.Errorf("%w: %v", errMalformed, protowire.ParseError(n))
			}
			b = b[n:]
			switch num {
			case fieldNodeLeaf:
				node.isLeaf = v == 1
			case fieldNodeSplitFeature:
				node.splitFeature = int(v)
			case fieldNodeSize:
				node.size = int(v)
			}
		case num == fieldNodeSplitValue && typ == protowire.Fixed64Type:
			v, n := protowire.ConsumeFixed64(b)
			if n < 0 {
				return nil, fmt.Errorf("%w: %v", errMalformed, protowire.ParseError(n))
			}
			b = b[n:]
			node.splitValue = math.Float64frombits(v)
		case (num == fieldNodeLo || num == fieldNodeHi) && typ == protowire.BytesType:
			packed, n := protowire.ConsumeBytes(b)
			if n < 0 {
				return nil, fmt.Errorf("%w: %v", errMalformed, protowire.ParseError(n))
			}
			b = b[n:]
			vs, err := consumePacked(packed)
			if err != nil {
				return nil, err
			}
			if num == fieldNodeLo {
				node.lo = vs
			} else {
				node.hi = vs
			}
		default:
			n := protowire.ConsumeFieldValue(num, typ, b)
			if n < 0 {
				return nil, fmt.Errorf("%w: %v", errMalformed, protowire.ParseError(n))
			}
			b = b[n:]
		}
	}
	return node, nil
}
