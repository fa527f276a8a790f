package router

import (
	"context"
	"errors"
	"io"

	"github.com/tidwall/sjson"

	"github.com/wrale/qwen-device-proxy/internal/credentials"
)

const chunkSize = 4096

// Chunk is one piece of a relayed stream. A chunk with Err set is the last one
// and its Data is an OpenAI-style error event.
type Chunk struct {
	Data []byte
	Err  error
}

type openStream struct {
	accountID string
	body      io.ReadCloser
	first     []byte
	firstErr  error
}

// Stream opens a streaming call. Failures up to and including the first body
// read take part in failover and come back as the error. After that the
// channel carries raw upstream bytes and closes when the stream ends; a
// mid-stream failure produces one final error chunk.
func (d *Dispatcher) Stream(ctx context.Context, req Request) (<-chan Chunk, error) {
	s, err := dispatch(ctx, d, func(ctx context.Context, a attempt) (*openStream, error) {
		resp, err := d.client.Open(ctx, a, req.Path, req.Body)
		if err != nil {
			return nil, err
		}

		buf := make([]byte, chunkSize)
		var n int
		for n == 0 && err == nil {
			n, err = resp.Body.Read(buf)
		}
		if n == 0 && err != nil && !errors.Is(err, io.EOF) {
			resp.Body.Close()
			return nil, &TransportError{Err: err}
		}
		return &openStream{accountID: a.accountID, body: resp.Body, first: buf[:n], firstErr: err}, nil
	})
	if err != nil {
		return nil, err
	}

	out := make(chan Chunk)
	go d.relay(ctx, s, out)
	return out, nil
}

func (d *Dispatcher) relay(ctx context.Context, s *openStream, out chan<- Chunk) {
	defer close(out)
	defer s.body.Close()

	emit := func(c Chunk) bool {
		select {
		case <-ctx.Done():
			return false
		case out <- c:
			return true
		}
	}

	if len(s.first) > 0 && !emit(Chunk{Data: s.first}) {
		return
	}

	err := s.firstErr
	for err == nil {
		buf := make([]byte, chunkSize)
		var n int
		n, err = s.body.Read(buf)
		if n > 0 && !emit(Chunk{Data: buf[:n]}) {
			return
		}
	}

	if errors.Is(err, io.EOF) || ctx.Err() != nil {
		return
	}

	d.logger.WithField("account_id", credentials.Label(s.accountID)).Errorf("stream interrupted: %v", err)
	emit(Chunk{Data: ErrorEvent(err), Err: err})
}

// ErrorEvent renders err as a server-sent event carrying an OpenAI-style error object
func ErrorEvent(err error) []byte {
	payload, _ := sjson.SetBytes([]byte(`{}`), "error.message", err.Error())
	payload, _ = sjson.SetBytes(payload, "error.type", "streaming_error")
	out := make([]byte, 0, len(payload)+8)
	out = append(out, "data: "...)
	out = append(out, payload...)
	return append(out, '\n', '\n')
}
