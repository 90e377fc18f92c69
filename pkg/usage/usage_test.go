package usage

import (
	"context"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/stretchr/testify/require"

	"github.com/hearthgate/gateway/pkg/limiter"
	"github.com/hearthgate/gateway/pkg/model"
	"github.com/hearthgate/gateway/pkg/repository"
)

func TestRecorder_FlushesOnClose(t *testing.T) {
	repo := repository.NewMemory()
	counters := limiter.NewMemory()
	r := New(repo, counters, nil)

	ctx, cancel := context.WithCancel(context.Background())
	r.Start(ctx)

	appID := uuid.New()
	appIDStr := appID.String()
	r.Record(Entry{
		Log:          model.RequestLog{AppID: &appID, ResourceID: "llm:groq", Action: "chat.completions", Decision: model.DecisionAllowed},
		AppID:        &appIDStr,
		ResourceID:   "llm:groq",
		Model:        "llama-3.1-8b-instant",
		InputTokens:  10,
		OutputTokens: 5,
		TotalTokens:  15,
	})

	cancel()
	r.Close(context.Background())

	logs := repo.Logs()
	require.Len(t, logs, 1)
	require.Equal(t, "llm:groq", logs[0].ResourceID)

	key := limiter.TokenUsageKey(appIDStr, "llm:groq", "llama-3.1-8b-instant", time.Now().UTC())
	in, out, total := counters.TokenUsage(key)
	require.Equal(t, 10, in)
	require.Equal(t, 5, out)
	require.Equal(t, 15, total)
}

func TestRecorder_DropsUnderOverflowWithoutBlocking(t *testing.T) {
	repo := repository.NewMemory()
	counters := limiter.NewMemory()
	r := New(repo, counters, nil)
	// No Start(): queue fills up, Record must never block.

	for i := 0; i < bufferSize+10; i++ {
		r.Record(Entry{Log: model.RequestLog{ResourceID: "llm:groq"}, ResourceID: "llm:groq"})
	}
}
