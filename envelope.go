package revtree

import (
	"fmt"
	"math"

	"google.golang.org/protobuf/encoding/protowire"
)

// Envelope is an axis-aligned bounding box. An envelope whose MinX is
// greater than its MaxX is null (covers nothing).
type Envelope struct {
	MinX, MaxX, MinY, MaxY float64
}

// NullEnvelope returns the empty envelope.
func NullEnvelope() Envelope {
	return Envelope{MinX: 0, MaxX: -1, MinY: 0, MaxY: -1}
}

// NewEnvelope returns the envelope spanning the two corners.
func NewEnvelope(x1, x2, y1, y2 float64) Envelope {
	return Envelope{
		MinX: math.Min(x1, x2),
		MaxX: math.Max(x1, x2),
		MinY: math.Min(y1, y2),
		MaxY: math.Max(y1, y2),
	}
}

func (e Envelope) IsNull() bool {
	return e.MinX > e.MaxX
}

// hasNaN reports whether any coordinate is NaN. Such envelopes are neither
// null nor encodable.
func (e Envelope) hasNaN() bool {
	return math.IsNaN(e.MinX) || math.IsNaN(e.MaxX) || math.IsNaN(e.MinY) || math.IsNaN(e.MaxY)
}

// ExpandToInclude returns the smallest envelope covering e and o.
func (e Envelope) ExpandToInclude(o Envelope) Envelope {
	if o.IsNull() {
		return e
	}
	if e.IsNull() {
		return o
	}
	return Envelope{
		MinX: math.Min(e.MinX, o.MinX),
		MaxX: math.Max(e.MaxX, o.MaxX),
		MinY: math.Min(e.MinY, o.MinY),
		MaxY: math.Max(e.MaxY, o.MaxY),
	}
}

func (e Envelope) Intersects(o Envelope) bool {
	if e.IsNull() || o.IsNull() {
		return false
	}
	return o.MinX <= e.MaxX && o.MaxX >= e.MinX && o.MinY <= e.MaxY && o.MaxY >= e.MinY
}

func (e Envelope) Contains(o Envelope) bool {
	if e.IsNull() || o.IsNull() {
		return false
	}
	return o.MinX >= e.MinX && o.MaxX <= e.MaxX && o.MinY >= e.MinY && o.MaxY <= e.MaxY
}

func (e Envelope) String() string {
	if e.IsNull() {
		return "Env[null]"
	}
	return fmt.Sprintf("Env[%g : %g, %g : %g]", e.MinX, e.MaxX, e.MinY, e.MaxY)
}

// Float32Bounds rounds e outwards to the nearest float32 values, so the
// result always contains e and is encodable. Negative zero becomes zero, so
// equal envelopes encode identically.
func Float32Bounds(e Envelope) Envelope {
	if e.IsNull() {
		return NullEnvelope()
	}
	return Envelope{
		MinX: float64(roundDown32(e.MinX)),
		MaxX: float64(roundUp32(e.MaxX)),
		MinY: float64(roundDown32(e.MinY)),
		MaxY: float64(roundUp32(e.MaxY)),
	}
}

func roundDown32(v float64) float32 {
	f := float32(v)
	if float64(f) > v {
		f = math.Nextafter32(f, float32(math.Inf(-1)))
	}
	if f == 0 {
		f = 0
	}
	return f
}

func roundUp32(v float64) float32 {
	f := float32(v)
	if float64(f) < v {
		f = math.Nextafter32(f, float32(math.Inf(1)))
	}
	if f == 0 {
		f = 0
	}
	return f
}

func isFloat32(v float64) bool {
	return float64(float32(v)) == v
}

// appendEnvelope writes four zigzag varints: the raw float32 bits of the
// minimums and the offsets to the maximums, which keeps small boxes small.
func appendEnvelope(buf []byte, e Envelope) ([]byte, error) {
	if e.IsNull() {
		for _, v := range [4]int64{1, -1, 1, -1} {
			buf = protowire.AppendVarint(buf, protowire.EncodeZigZag(v))
		}
		return buf, nil
	}
	if !isFloat32(e.MinX) || !isFloat32(e.MaxX) || !isFloat32(e.MinY) || !isFloat32(e.MaxY) {
		return nil, fmt.Errorf("encode %v: %w", e, ErrBoundsPrecision)
	}
	x0, x1 := bits32(e.MinX), bits32(e.MaxX)
	y0, y1 := bits32(e.MinY), bits32(e.MaxY)
	for _, v := range [4]int64{x0, x1 - x0, y0, y1 - y0} {
		buf = protowire.AppendVarint(buf, protowire.EncodeZigZag(v))
	}
	return buf, nil
}

// bits32 is the signed float32 bit pattern of v, with negative zero
// written as zero.
func bits32(v float64) int64 {
	if v == 0 {
		return 0
	}
	return int64(int32(math.Float32bits(float32(v))))
}

func consumeEnvelope(buf []byte) (Envelope, []byte, error) {
	var raw [4]int64
	for i := range raw {
		v, n := protowire.ConsumeVarint(buf)
		if n < 0 {
			return Envelope{}, nil, fmt.Errorf("envelope: %w", protowire.ParseError(n))
		}
		raw[i] = protowire.DecodeZigZag(v)
		buf = buf[n:]
	}
	minX := math.Float32frombits(uint32(int32(raw[0])))
	maxX := math.Float32frombits(uint32(int32(raw[0] + raw[1])))
	minY := math.Float32frombits(uint32(int32(raw[2])))
	maxY := math.Float32frombits(uint32(int32(raw[2] + raw[3])))
	if minX > maxX {
		return NullEnvelope(), buf, nil
	}
	return Envelope{
		MinX: float64(minX),
		MaxX: float64(maxX),
		MinY: float64(minY),
		MaxY: float64(maxY),
	}, buf, nil
}
