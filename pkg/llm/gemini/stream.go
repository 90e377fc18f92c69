package gemini

import (
	"bufio"
	"encoding/json"
	"fmt"
	"io"
)

// streamChunk mirrors an OpenAI chat.completion.chunk frame.
type streamChunk struct {
	ID      string              `json:"id"`
	Object  string              `json:"object"`
	Model   string              `json:"model"`
	Choices []streamChunkChoice `json:"choices"`
}

type streamChunkChoice struct {
	Index        int             `json:"index"`
	Delta        streamChunkDelta `json:"delta"`
	FinishReason *string         `json:"finish_reason"`
}

type streamChunkDelta struct {
	Content string `json:"content"`
}

// TranslateStream reads a Gemini SSE stream (alt=sse) from src and writes
// an OpenAI-shaped chat.completion.chunk SSE stream to dst, one chunk per
// Gemini "data:" line. It is a line-buffered state machine: split on '\n',
// keep the tail across reads, and on a parse failure skip the line
// silently rather than aborting the stream. nowMs seeds every chunk's id.
func TranslateStream(dst io.Writer, src io.Reader, model string, nowMs int64) error {
	scanner := bufio.NewScanner(src)
	scanner.Buffer(make([]byte, 0, 64*1024), 1<<20)

	id := fmt.Sprintf("chatcmpl-%d", nowMs)

	for scanner.Scan() {
		line := scanner.Text()
		if line == "" {
			continue
		}
		data, ok := cutPrefix(line, "data: ")
		if !ok {
			continue
		}
		if data == "[DONE]" {
			break
		}

		var resp geminiResponse
		if err := json.Unmarshal([]byte(data), &resp); err != nil {
			continue
		}

		chunk := streamChunk{ID: id, Object: "chat.completion.chunk", Model: model}
		for i, c := range resp.Candidates {
			var finish *string
			if c.FinishReason != "" {
				f := finishReason(c.FinishReason)
				finish = &f
			}
			chunk.Choices = append(chunk.Choices, streamChunkChoice{
				Index:        i,
				Delta:        streamChunkDelta{Content: candidateText(c)},
				FinishReason: finish,
			})
		}

		payload, err := json.Marshal(chunk)
		if err != nil {
			continue
		}
		if _, err := fmt.Fprintf(dst, "data: %s\n\n", payload); err != nil {
			return fmt.Errorf("writing translated chunk: %w", err)
		}
	}
	if err := scanner.Err(); err != nil {
		return fmt.Errorf("reading upstream stream: %w", err)
	}

	if _, err := fmt.Fprint(dst, "data: [DONE]\n\n"); err != nil {
		return fmt.Errorf("writing terminal frame: %w", err)
	}
	return nil
}

func cutPrefix(s, prefix string) (string, bool) {
	if len(s) < len(prefix) || s[:len(prefix)] != prefix {
		return "", false
	}
	return s[len(prefix):], true
}
