// Package remote evaluates positions on another process over a websocket.
//
// Every exchange is one binary message each way. A request is
//
//	uint32 id | uint32 n | n * convert.FloatSize float32
//
// and a response is
//
//	uint32 id | uint32 n | n * (float32 value | convert.PolicySize float32)
//
// or, on failure, id | 0xFFFFFFFF | UTF-8 error text. All numbers are little
// endian.
package remote

import (
	"encoding/binary"
	"errors"
	"fmt"
	"math"

	"github.com/brensch/gozero/executor/convert"
	"github.com/brensch/gozero/executor/inference"
)

const (
	headerSize  = 8
	errorMarker = math.MaxUint32
	resultSize  = 1 + convert.PolicySize
)

// ErrRemote wraps failures reported by the server.
var ErrRemote = errors.New("remote: evaluation failed")

func encodeRequest(id uint32, batch [][]float32) ([]byte, error) {
	buf := make([]byte, headerSize+len(batch)*convert.FloatSize*4)
	binary.LittleEndian.PutUint32(buf[0:], id)
	binary.LittleEndian.PutUint32(buf[4:], uint32(len(batch)))
	off := headerSize
	for i, f := range batch {
		if len(f) != convert.FloatSize {
			return nil, fmt.Errorf("input %d has %d floats, want %d", i, len(f), convert.FloatSize)
		}
		for _, v := range f {
			binary.LittleEndian.PutUint32(buf[off:], math.Float32bits(v))
			off += 4
		}
	}
	return buf, nil
}

func decodeRequest(msg []byte) (uint32, [][]float32, error) {
	if len(msg) < headerSize {
		return 0, nil, fmt.Errorf("short request: %d bytes", len(msg))
	}
	id := binary.LittleEndian.Uint32(msg[0:])
	n := int(binary.LittleEndian.Uint32(msg[4:]))
	if want := headerSize + n*convert.FloatSize*4; len(msg) != want {
		return id, nil, fmt.Errorf("request of %d inputs has %d bytes, want %d", n, len(msg), want)
	}
	flat := make([]float32, n*convert.FloatSize)
	for i := range flat {
		flat[i] = math.Float32frombits(binary.LittleEndian.Uint32(msg[headerSize+4*i:]))
	}
	batch := make([][]float32, n)
	for i := range batch {
		batch[i] = flat[i*convert.FloatSize : (i+1)*convert.FloatSize]
	}
	return id, batch, nil
}

func encodeResponse(id uint32, results []inference.Result) []byte {
	buf := make([]byte, headerSize+len(results)*resultSize*4)
	binary.LittleEndian.PutUint32(buf[0:], id)
	binary.LittleEndian.PutUint32(buf[4:], uint32(len(results)))
	off := headerSize
	for _, r := range results {
		binary.LittleEndian.PutUint32(buf[off:], math.Float32bits(r.Value))
		off += 4
		for i := 0; i < convert.PolicySize; i++ {
			var p float32
			if i < len(r.Policy) {
				p = r.Policy[i]
			}
			binary.LittleEndian.PutUint32(buf[off:], math.Float32bits(p))
			off += 4
		}
	}
	return buf
}

func encodeError(id uint32, err error) []byte {
	text := err.Error()
	buf := make([]byte, headerSize+len(text))
	binary.LittleEndian.PutUint32(buf[0:], id)
	binary.LittleEndian.PutUint32(buf[4:], errorMarker)
	copy(buf[headerSize:], text)
	return buf
}

func decodeResponse(msg []byte) (uint32, []inference.Result, error) {
	if len(msg) < headerSize {
		return 0, nil, fmt.Errorf("short response: %d bytes", len(msg))
	}
	id := binary.LittleEndian.Uint32(msg[0:])
	n := binary.LittleEndian.Uint32(msg[4:])
	if n == errorMarker {
		return id, nil, fmt.Errorf("%w: %s", ErrRemote, msg[headerSize:])
	}
	if want := headerSize + int(n)*resultSize*4; len(msg) != want {
		return id, nil, fmt.Errorf("response of %d results has %d bytes, want %d", n, len(msg), want)
	}
	out := make([]inference.Result, n)
	off := headerSize
	read := func() float32 {
		v := math.Float32frombits(binary.LittleEndian.Uint32(msg[off:]))
		off += 4
		return v
	}
	for i := range out {
		out[i].Value = read()
		out[i].Policy = make([]float32, convert.PolicySize)
		for j := range out[i].Policy {
			out[i].Policy[j] = read()
		}
	}
	return id, out, nil
}
