package stats

import (
	"bytes"

	tdigest "github.com/caio/go-tdigest/v4"
)

const digestCompression = 100

// Digest wraps a t-digest for one quantity of interest (runtimes, waits).
// The serialized centroid list is what bucket rows persist.
type Digest struct {
	td *tdigest.TDigest
}

// NewDigest returns an empty digest.
func NewDigest() *Digest {
	td, _ := tdigest.New(tdigest.Compression(digestCompression))
	return &Digest{td: td}
}

// Add records one observation.
func (d *Digest) Add(value float64) {
	_ = d.td.Add(value)
}

// Count returns the number of observations.
func (d *Digest) Count() uint64 {
	return d.td.Count()
}

// Quantile estimates the q-quantile (0..1). Returns 0 on an empty digest.
func (d *Digest) Quantile(q float64) float64 {
	if d == nil || d.td.Count() == 0 {
		return 0
	}
	return d.td.Quantile(q)
}

// Serialize returns the compact centroid encoding, nil when empty.
func (d *Digest) Serialize() []byte {
	if d == nil || d.td.Count() == 0 {
		return nil
	}
	data, err := d.td.AsBytes()
	if err != nil {
		return nil
	}
	return data
}

// DeserializeDigest rebuilds a digest from its serialized form. A nil or
// empty payload yields an empty digest.
func DeserializeDigest(data []byte) *Digest {
	if len(data) == 0 {
		return NewDigest()
	}
	td, err := tdigest.FromBytes(bytes.NewReader(data), tdigest.Compression(digestCompression))
	if err != nil {
		return NewDigest()
	}
	return &Digest{td: td}
}
