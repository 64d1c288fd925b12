package anomaly

import (
	"bytes"
	"errors"
	"fmt"
	"math"
	"time"

	"github.com/golang/snappy"
	"google.golang.org/protobuf/encoding/protowire"

	"github.com/kubilitics/kubilitics-anomaly/internal/analytics/ml"
)

// Blob layout: 3-byte magic, 1-byte schema version, snappy-compressed
// protobuf-wire payload.
//
// Payload fields:
//
//	1 service  2 metric  3 trained_at (unix nanos, zigzag)  4 samples
//	5 baseline values (packed fixed64)  6 forest (bytes)
var blobMagic = []byte("KAM")

const (
	blobVersion = 1

	fieldService   protowire.Number = 1
	fieldMetric    protowire.Number = 2
	fieldTrainedAt protowire.Number = 3
	fieldSamples   protowire.Number = 4
	fieldBaseline  protowire.Number = 5
	fieldForest    protowire.Number = 6
)

var errMalformedBlob = errors.New("malformed model blob")

// encodeEntry serializes a model together with its baseline.
func encodeEntry(m *PairModel, b *StatBaseline) ([]byte, error) {
	forest, err := m.forest.MarshalBinary()
	if err != nil {
		return nil, err
	}

	var p []byte
	p = protowire.AppendTag(p, fieldService, protowire.BytesType)
	p = protowire.AppendString(p, m.pair.Service)
	p = protowire.AppendTag(p, fieldMetric, protowire.BytesType)
	p = protowire.AppendString(p, m.pair.Metric)
	p = protowire.AppendTag(p, fieldTrainedAt, protowire.VarintType)
	p = protowire.AppendVarint(p, protowire.EncodeZigZag(m.trainedAt.UnixNano()))
	p = protowire.AppendTag(p, fieldSamples, protowire.VarintType)
	p = protowire.AppendVarint(p, uint64(m.samples))

	values := make([]byte, 0, 8*b.Count())
	for _, v := range b.values {
		values = protowire.AppendFixed64(values, math.Float64bits(v))
	}
	p = protowire.AppendTag(p, fieldBaseline, protowire.BytesType)
	p = protowire.AppendBytes(p, values)

	p = protowire.AppendTag(p, fieldForest, protowire.BytesType)
	p = protowire.AppendBytes(p, forest)

	out := make([]byte, 0, len(blobMagic)+1+snappy.MaxEncodedLen(len(p)))
	out = append(out, blobMagic...)
	out = append(out, blobVersion)
	return append(out, snappy.Encode(nil, p)...), nil
}

// decodeEntry reverses encodeEntry.
func decodeEntry(blob []byte) (*PairModel, *StatBaseline, error) {
	if len(blob) < len(blobMagic)+1 || !bytes.Equal(blob[:len(blobMagic)], blobMagic) {
		return nil, nil, errMalformedBlob
	}
	if v := blob[len(blobMagic)]; v != blobVersion {
		return nil, nil, fmt.Errorf("%w: schema version %d, supported %d", ErrIncompatibleModel, v, blobVersion)
	}

	p, err := snappy.Decode(nil, blob[len(blobMagic)+1:])
	if err != nil {
		return nil, nil, fmt.Errorf("%w: %v", errMalformedBlob, err)
	}

	m := &PairModel{}
	var values []float64
	var forestSeen bool
	for len(p) > 0 {
		num, typ, n := protowire.ConsumeTag(p)
		if n < 0 {
			return nil, nil, fmt.Errorf("%w: %v", errMalformedBlob, protowire.ParseError(n))
		}
		p = p[n:]

		switch {
		case typ == protowire.VarintType:
			v, n := protowire.ConsumeVarint(p)
			if n < 0 {
				return nil, nil, fmt.Errorf("%w: %v", errMalformedBlob, protowire.ParseError(n))
			}
			p = p[n:]
			switch num {
			case fieldTrainedAt:
				m.trainedAt = time.Unix(0, protowire.DecodeZigZag(v)).UTC()
			case fieldSamples:
				m.samples = int(v)
			}
		case typ == protowire.BytesType:
			raw, n := protowire.ConsumeBytes(p)
			if n < 0 {
				return nil, nil, fmt.Errorf("%w: %v", errMalformedBlob, protowire.ParseError(n))
			}
			p = p[n:]
			switch num {
			case fieldService:
				m.pair.Service = string(raw)
			case fieldMetric:
				m.pair.Metric = string(raw)
			case fieldBaseline:
				for len(raw) > 0 {
					v, n := protowire.ConsumeFixed64(raw)
					if n < 0 {
						return nil, nil, fmt.Errorf("%w: %v", errMalformedBlob, protowire.ParseError(n))
					}
					raw = raw[n:]
					values = append(values, math.Float64frombits(v))
				}
			case fieldForest:
				m.forest = &ml.IsolationForest{}
				if err := m.forest.UnmarshalBinary(raw); err != nil {
					return nil, nil, fmt.Errorf("%w: %v", errMalformedBlob, err)
				}
				forestSeen = true
			}
		default:
			n := protowire.ConsumeFieldValue(num, typ, p)
			if n < 0 {
				return nil, nil, fmt.Errorf("%w: %v", errMalformedBlob, protowire.ParseError(n))
			}
			p = p[n:]
		}
	}

	if !forestSeen {
		return nil, nil, fmt.Errorf("%w: missing forest", errMalformedBlob)
	}
	return m, NewStatBaseline(values), nil
}
