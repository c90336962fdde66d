// Package progress turns the heterogeneous progress callbacks of a media
// transfer into a single (received, total) view.
package progress

import "fmt"

// Kind tags the shape of a Signal.
type Kind uint8

const (
	// KindRatio carries a fraction in [0,1] without a reliable total.
	KindRatio Kind = iota + 1
	// KindCumulative carries bytes received so far with a known total.
	KindCumulative
	// KindChunk carries the size of one delivered chunk, no total.
	KindChunk
)

func (k Kind) String() string {
	switch k {
	case KindRatio:
		return "ratio"
	case KindCumulative:
		return "cumulative"
	case KindChunk:
		return "chunk"
	default:
		return fmt.Sprintf("kind(%d)", uint8(k))
	}
}

// Signal is one progress observation reported by a transport.
type Signal struct {
	Kind  Kind
	Ratio float64
	Bytes int64
	Total int64
}

func Ratio(f float64) Signal { return Signal{Kind: KindRatio, Ratio: f} }

func Cumulative(received, total int64) Signal {
	return Signal{Kind: KindCumulative, Bytes: received, Total: total}
}

func Chunk(n int64) Signal { return Signal{Kind: KindChunk, Bytes: n} }

// Update is the normalized progress state.
type Update struct {
	Received int64 `json:"received"`
	Total    int64 `json:"total"`
}

// Percent returns 0..100, or -1 when the total is unknown.
func (u Update) Percent() float64 {
	if u.Total <= 0 {
		return -1
	}
	p := float64(u.Received) * 100 / float64(u.Total)
	return min(max(p, 0), 100)
}
