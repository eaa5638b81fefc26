// Package mock provides an in-memory mock implementation of [audio.Decoder]
// for use in unit tests.
//
// The mock is safe for concurrent use. It records every call so that tests
// can assert on call counts and arguments, and it exposes exported fields
// that the test can set to control return values.
package mock

import (
	"sync"

	"github.com/MrWong99/pendant/pkg/audio"
)

// Decoder is a mock implementation of [audio.Decoder]. By default Decode
// returns its input unchanged.
type Decoder struct {
	mu sync.Mutex

	// OutFormat is returned by [Decoder.Format].
	OutFormat audio.Format

	// DecodeFunc, when set, replaces the default passthrough.
	DecodeFunc func(data []byte) ([]byte, error)

	// DecodeErr is returned by Decode when DecodeFunc is nil and the call
	// index is listed in FailCalls (or FailCalls is empty).
	DecodeErr error

	// FailCalls lists zero-based call indices that return DecodeErr.
	FailCalls []int

	// DecodeCalls records the arguments of every Decode call.
	DecodeCalls [][]byte
}

var _ audio.Decoder = (*Decoder)(nil)

// Decode implements [audio.Decoder].
func (d *Decoder) Decode(data []byte) ([]byte, error) {
	d.mu.Lock()
	idx := len(d.DecodeCalls)
	d.DecodeCalls = append(d.DecodeCalls, data)
	fn, err, fail := d.DecodeFunc, d.DecodeErr, d.FailCalls
	d.mu.Unlock()

	if fn != nil {
		return fn(data)
	}
	if err != nil {
		if len(fail) == 0 {
			return nil, err
		}
		for _, i := range fail {
			if i == idx {
				return nil, err
			}
		}
	}
	return data, nil
}

// Format implements [audio.Decoder].
func (d *Decoder) Format() audio.Format {
	d.mu.Lock()
	defer d.mu.Unlock()
	if d.OutFormat.SampleRate == 0 {
		return audio.Format{SampleRate: 16000, Channels: 1}
	}
	return d.OutFormat
}

// CallCount returns the number of Decode calls so far.
func (d *Decoder) CallCount() int {
	d.mu.Lock()
	defer d.mu.Unlock()
	return len(d.DecodeCalls)
}
