package streaming

import (
	"context"
	"errors"
	"io"
	"time"
)

const (
	// DefaultFirstChunkTimeout bounds the wait for the first upstream
	// event; a stall here means the credential should rotate.
	DefaultFirstChunkTimeout = 15 * time.Second

	// DefaultMaxDuration caps a whole stream.
	DefaultMaxDuration = 300 * time.Second
)

// ErrFirstChunkTimeout reports that the upstream never produced a first
// event in time.
var ErrFirstChunkTimeout = errors.New("stream: no first chunk before deadline")

// ErrStreamTimeout reports that the stream ran past its duration cap.
var ErrStreamTimeout = errors.New("stream: duration cap exceeded")

// Options tunes the stream watchdogs; zero values take the defaults.
type Options struct {
	FirstChunkTimeout time.Duration
	MaxDuration       time.Duration
}

func (o Options) firstChunk() time.Duration {
	if o.FirstChunkTimeout > 0 {
		return o.FirstChunkTimeout
	}
	return DefaultFirstChunkTimeout
}

func (o Options) maxDuration() time.Duration {
	if o.MaxDuration > 0 {
		return o.MaxDuration
	}
	return DefaultMaxDuration
}

// Event is one upstream SSE payload or a terminal error.
type Event struct {
	Data []byte
	Err  error
}

// Stream reads SSE payloads from body into a channel, enforcing the
// first-chunk timeout and the whole-stream cap. The channel closes after
// a terminal Event; io.EOF is swallowed as clean termination. Cancelling
// ctx stops the stream, but the caller owns closing body, which is also
// what unblocks the reader goroutine.
func Stream(ctx context.Context, body io.Reader, opts Options) <-chan Event {
	out := make(chan Event)
	raw := make(chan Event)

	go func() {
		defer close(raw)
		scanner := NewScanner(body)
		for {
			payload, err := scanner.Next()
			if err != nil {
				if !errors.Is(err, io.EOF) {
					raw <- Event{Err: err}
				}
				return
			}
			select {
			case raw <- Event{Data: payload}:
			case <-ctx.Done():
				return
			}
		}
	}()

	go func() {
		defer close(out)
		firstChunk := time.NewTimer(opts.firstChunk())
		defer firstChunk.Stop()
		cap := time.NewTimer(opts.maxDuration())
		defer cap.Stop()

		// Every send races ctx so a consumer that stopped reading cannot
		// strand this goroutine on a full channel.
		send := func(event Event) bool {
			select {
			case out <- event:
				return true
			case <-ctx.Done():
				return false
			}
		}

		first := true
		for {
			select {
			case event, ok := <-raw:
				if !ok {
					return
				}
				if first {
					first = false
					firstChunk.Stop()
				}
				if !send(event) || event.Err != nil {
					return
				}
			case <-firstChunk.C:
				if first {
					send(Event{Err: ErrFirstChunkTimeout})
					return
				}
			case <-cap.C:
				send(Event{Err: ErrStreamTimeout})
				return
			case <-ctx.Done():
				// Best effort; the consumer may already be gone.
				select {
				case out <- Event{Err: ctx.Err()}:
				default:
				}
				return
			}
		}
	}()

	return out
}

// Collect drains a stream into its events; the auto-stream conversion
// path for clients that asked for a plain JSON response. On watchdog or
// upstream error the events read so far come back with the error.
func Collect(ctx context.Context, body io.Reader, opts Options) ([][]byte, error) {
	var events [][]byte
	for event := range Stream(ctx, body, opts) {
		if event.Err != nil {
			return events, event.Err
		}
		events = append(events, event.Data)
	}
	return events, nil
}
