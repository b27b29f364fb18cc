package archive

import (
	"bytes"
	"fmt"

	"github.com/fxamacker/cbor/v2"
)

// Delta is a decoded delta blob: instructions for rebuilding a file's
// content at one snapshot from its content at the previous snapshot.
type Delta struct {
	BaseSize int64     `cbor:"1,keyasint"`
	Size     int64     `cbor:"2,keyasint"`
	Ops      []DeltaOp `cbor:"3,keyasint"`
}

// DeltaOp is one instruction: copy Len bytes from the base at Off, or
// insert the literal Data.
type DeltaOp struct {
	Copy bool   `cbor:"1,keyasint"`
	Off  int64  `cbor:"2,keyasint,omitempty"`
	Len  int64  `cbor:"3,keyasint,omitempty"`
	Data []byte `cbor:"4,keyasint,omitempty"`
}

// deltaEncMode uses Core Deterministic Encoding so identical deltas always
// produce identical blobs (and therefore identical digests).
var (
	deltaEncMode cbor.EncMode
	deltaDecMode cbor.DecMode
)

func init() {
	var err error
	deltaEncMode, err = cbor.CoreDetEncOptions().EncMode()
	if err != nil {
		panic("archive: cbor encoder initialization failed: " + err.Error())
	}
	deltaDecMode, err = cbor.DecOptions{}.DecMode()
	if err != nil {
		panic("archive: cbor decoder initialization failed: " + err.Error())
	}
}

// EncodeDelta serializes a delta blob.
func EncodeDelta(d *Delta) ([]byte, error) {
	return deltaEncMode.Marshal(d)
}

// DecodeDelta parses and sanity-checks a delta blob.
func DecodeDelta(data []byte) (*Delta, error) {
	var d Delta
	if err := deltaDecMode.Unmarshal(data, &d); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrBadDelta, err)
	}
	if d.BaseSize < 0 || d.Size < 0 {
		return nil, fmt.Errorf("%w: negative size", ErrBadDelta)
	}
	var total int64
	for i, op := range d.Ops {
		if op.Copy {
			if op.Off < 0 || op.Len < 0 || op.Off+op.Len > d.BaseSize {
				return nil, fmt.Errorf("%w: op %d copies [%d,%d) beyond base size %d",
					ErrBadDelta, i, op.Off, op.Off+op.Len, d.BaseSize)
			}
			total += op.Len
		} else {
			total += int64(len(op.Data))
		}
	}
	if total != d.Size {
		return nil, fmt.Errorf("%w: ops produce %d bytes, header says %d", ErrBadDelta, total, d.Size)
	}
	return &d, nil
}

// ApplyDelta rebuilds the target content from the base content and a delta.
func ApplyDelta(base []byte, d *Delta) ([]byte, error) {
	if int64(len(base)) != d.BaseSize {
		return nil, fmt.Errorf("%w: base is %d bytes, delta expects %d", ErrBadDelta, len(base), d.BaseSize)
	}
	out := make([]byte, 0, d.Size)
	for _, op := range d.Ops {
		if op.Copy {
			out = append(out, base[op.Off:op.Off+op.Len]...)
		} else {
			out = append(out, op.Data...)
		}
	}
	return out, nil
}

// ComputeDelta builds a delta from base to target using a common
// prefix/suffix split. It is not a minimal diff, but it keeps unchanged
// heads and tails of a file as cheap copy ops, which is what backup data
// overwhelmingly looks like.
func ComputeDelta(base, target []byte) *Delta {
	prefix := 0
	for prefix < len(base) && prefix < len(target) && base[prefix] == target[prefix] {
		prefix++
	}
	suffix := 0
	for suffix < len(base)-prefix && suffix < len(target)-prefix &&
		base[len(base)-1-suffix] == target[len(target)-1-suffix] {
		suffix++
	}

	d := &Delta{BaseSize: int64(len(base)), Size: int64(len(target))}
	if prefix > 0 {
		d.Ops = append(d.Ops, DeltaOp{Copy: true, Off: 0, Len: int64(prefix)})
	}
	if mid := target[prefix : len(target)-suffix]; len(mid) > 0 {
		d.Ops = append(d.Ops, DeltaOp{Data: bytes.Clone(mid)})
	}
	if suffix > 0 {
		d.Ops = append(d.Ops, DeltaOp{Copy: true, Off: int64(len(base) - suffix), Len: int64(suffix)})
	}
	return d
}
