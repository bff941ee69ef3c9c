// Package stream defines the canonical incremental-text unit emitted to the
// HTTP boundary and the machinery that converts provider-native chunk shapes
// into it.
package stream

import (
	"context"
	"io"
)

// Chunk is one increment of model output. Delta carries only the new text
// since the prior chunk; empty deltas are never emitted by a normalized
// stream.
type Chunk struct {
	Delta string
}

// Reader is a pull-based, forward-only, single-pass sequence of canonical
// chunks. Next returns io.EOF exactly once, after the final chunk; callers
// must Close when abandoning a stream early so the underlying connection is
// released.
type Reader interface {
	Next(ctx context.Context) (Chunk, error)
	Close() error
}

// NativeChunk is the union of the provider wire shapes the gateway
// understands: a direct text field (primary provider) or a nested
// choices[0].delta.content field (OpenAI-style secondary provider).
// Heartbeat and metadata chunks populate neither.
type NativeChunk struct {
	Text    string         `json:"text,omitempty"`
	Choices []NativeChoice `json:"choices,omitempty"`
}

// NativeChoice mirrors the OpenAI-style streaming choice object.
type NativeChoice struct {
	Delta NativeDelta `json:"delta"`
}

// NativeDelta carries the incremental content of an OpenAI-style chunk.
type NativeDelta struct {
	Content string `json:"content"`
}

// NativeReader is a provider-native chunk sequence prior to normalization.
type NativeReader interface {
	Next(ctx context.Context) (NativeChunk, error)
	Close() error
}

// Canonical maps one provider-native chunk to at most one canonical chunk.
// Detection order: direct text field first, then the nested delta shape.
// Chunks carrying neither are dropped.
func Canonical(n NativeChunk) (Chunk, bool) {
	if n.Text != "" {
		return Chunk{Delta: n.Text}, true
	}
	if len(n.Choices) > 0 && n.Choices[0].Delta.Content != "" {
		return Chunk{Delta: n.Choices[0].Delta.Content}, true
	}
	return Chunk{}, false
}

type normalized struct {
	src NativeReader
}

// Normalize wraps a provider-native sequence so that every chunk pulled from
// it is canonical. Empty and metadata-only native chunks are skipped without
// surfacing to the caller.
func Normalize(src NativeReader) Reader {
	return &normalized{src: src}
}

func (n *normalized) Next(ctx context.Context) (Chunk, error) {
	for {
		native, err := n.src.Next(ctx)
		if err != nil {
			return Chunk{}, err
		}
		if chunk, ok := Canonical(native); ok {
			return chunk, nil
		}
	}
}

func (n *normalized) Close() error {
	return n.src.Close()
}

type textStream struct {
	text string
	done bool
}

// FromText returns a stream that yields the given text as a single chunk.
// It is how degraded answers and error messages ride the streaming path.
func FromText(text string) Reader {
	return &textStream{text: text}
}

func (t *textStream) Next(ctx context.Context) (Chunk, error) {
	if err := ctx.Err(); err != nil {
		return Chunk{}, err
	}
	if t.done {
		return Chunk{}, io.EOF
	}
	t.done = true
	return Chunk{Delta: t.text}, nil
}

func (t *textStream) Close() error {
	t.done = true
	return nil
}

type chunkSlice struct {
	chunks []Chunk
	pos    int
}

// FromChunks returns a bounded stream over a fixed chunk slice.
func FromChunks(chunks ...Chunk) Reader {
	return &chunkSlice{chunks: chunks}
}

func (c *chunkSlice) Next(ctx context.Context) (Chunk, error) {
	if err := ctx.Err(); err != nil {
		return Chunk{}, err
	}
	if c.pos >= len(c.chunks) {
		return Chunk{}, io.EOF
	}
	chunk := c.chunks[c.pos]
	c.pos++
	return chunk, nil
}

func (c *chunkSlice) Close() error {
	c.pos = len(c.chunks)
	return nil
}
