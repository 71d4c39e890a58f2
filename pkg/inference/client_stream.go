package inference

import (
	"bufio"
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strings"
	"sync"
)

// Stream opens a streaming chat completion. Tokens are read from the
// server-sent event body one event at a time as Recv is called.
func (c *Client) Stream(ctx context.Context, req *ChatRequest) (Stream, error) {
	body, err := json.Marshal(c.buildChatPayload(req))
	if err != nil {
		return nil, WrapError(c.name, fmt.Errorf("marshal payload: %w", err))
	}

	httpReq, err := http.NewRequestWithContext(ctx, http.MethodPost, c.baseURL+"/chat/completions", bytes.NewReader(body))
	if err != nil {
		return nil, WrapError(c.name, fmt.Errorf("create request: %w", err))
	}
	httpReq.Header.Set("Content-Type", "application/json")
	httpReq.Header.Set("Accept", "text/event-stream")
	c.authorize(httpReq)

	resp, err := c.doWithRetry(ctx, httpReq, body)
	if err != nil {
		return nil, err
	}

	return &clientStream{
		provider: c.name,
		reader:   bufio.NewReader(resp.Body),
		body:     resp.Body,
	}, nil
}

// clientStream implements Stream for SSE responses.
type clientStream struct {
	provider string
	reader   *bufio.Reader
	body     io.ReadCloser

	mu     sync.Mutex
	closed bool
	done   bool
}

// Recv returns the next stream chunk.
func (s *clientStream) Recv() (*StreamChunk, error) {
	s.mu.Lock()
	closed, done := s.closed, s.done
	s.mu.Unlock()
	if closed {
		return nil, ErrStreamClosed
	}
	if done {
		return &StreamChunk{Done: true}, nil
	}

	for {
		line, err := s.reader.ReadString('\n')
		if err == io.EOF && strings.TrimSpace(line) == "" {
			// Only [DONE] or a finish_reason completes a reply.
			return nil, WrapError(s.provider, fmt.Errorf("read stream: %w", io.ErrUnexpectedEOF))
		}
		if err != nil && err != io.EOF {
			if s.isClosed() {
				return nil, ErrStreamClosed
			}
			return nil, WrapError(s.provider, fmt.Errorf("read stream: %w", err))
		}

		line = strings.TrimSpace(line)
		data, ok := strings.CutPrefix(line, "data:")
		if !ok {
			continue
		}
		data = strings.TrimSpace(data)
		if data == "[DONE]" {
			s.finish()
			return &StreamChunk{Done: true}, nil
		}

		var event streamEvent
		if err := json.Unmarshal([]byte(data), &event); err != nil {
			// Skip malformed events
			continue
		}
		if event.Error != nil {
			return nil, &APIError{Message: event.Error.Message, Code: event.Error.Code, Provider: s.provider}
		}
		if len(event.Choices) == 0 {
			continue
		}

		choice := event.Choices[0]
		chunk := &StreamChunk{
			Delta:        choice.Delta.Content,
			FinishReason: choice.FinishReason,
			Done:         choice.FinishReason != "",
		}
		if chunk.Done {
			s.finish()
		}
		return chunk, nil
	}
}

func (s *clientStream) finish() {
	s.mu.Lock()
	s.done = true
	s.mu.Unlock()
}

func (s *clientStream) isClosed() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.closed
}

// Close stops the stream. Safe to call more than once.
func (s *clientStream) Close() error {
	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return nil
	}
	s.closed = true
	s.mu.Unlock()
	return s.body.Close()
}

// streamEvent is the SSE event format.
type streamEvent struct {
	Choices []struct {
		Delta struct {
			Content string `json:"content"`
			Role    string `json:"role"`
		} `json:"delta"`
		FinishReason string `json:"finish_reason"`
	} `json:"choices"`
	Error *struct {
		Message string `json:"message"`
		Code    string `json:"code"`
	} `json:"error"`
}
