package generation

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/cloudwego/eino/components/model"
	"github.com/cloudwego/eino/schema"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

const validItinerary = `{
  "title": "Two days in Lisbon",
  "summary": "Tiles, trams and pastries.",
  "days": [
    {"day": 1, "theme": "Alfama", "activities": [{"time": "09:00", "name": "Sao Jorge Castle"}]},
    {"day": 2, "theme": "Belem", "activities": [{"time": "10:00", "name": "Jeronimos Monastery"}]}
  ],
  "tips": ["Buy a Viva Viagem card."]
}`

// scriptedModel returns its replies in order, then repeats the last one.
type scriptedModel struct {
	mu       sync.Mutex
	replies  []string
	errs     []error
	calls    int
	messages [][]*schema.Message
}

func (m *scriptedModel) Generate(_ context.Context, input []*schema.Message, _ ...model.Option) (*schema.Message, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	i := m.calls
	m.calls++
	m.messages = append(m.messages, input)
	if i < len(m.errs) && m.errs[i] != nil {
		return nil, m.errs[i]
	}
	if len(m.replies) == 0 {
		return &schema.Message{Role: schema.Assistant}, nil
	}
	if i >= len(m.replies) {
		i = len(m.replies) - 1
	}
	return &schema.Message{Role: schema.Assistant, Content: m.replies[i]}, nil
}

func (m *scriptedModel) callCount() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.calls
}

func testConfig() Config {
	return Config{
		MaxRepairAttempts: 2,
		ModelRetries:      2,
		ModelRetryDelay:   time.Millisecond,
		CallTimeout:       time.Second,
		CacheSize:         8,
	}
}

func quietLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

func sampleItinerary() map[string]any {
	return map[string]any{
		"title": "Sample Lisbon",
		"days": []any{
			map[string]any{"day": float64(1), "activities": []any{
				map[string]any{"time": "morning", "name": "LX Factory"},
			}},
		},
	}
}

func TestEngine_ValidFirstAttempt(t *testing.T) {
	m := &scriptedModel{replies: []string{validItinerary}}
	e := NewEngine(m, testConfig(), WithLogger(quietLogger()))

	res, err := e.GenerateGuaranteedJSON(context.Background(), Request{Prompt: "lisbon", DurationDays: 2})
	require.NoError(t, err)
	assert.Equal(t, OutcomeValid, res.Outcome)
	assert.Equal(t, 1, res.Attempts)
	assert.Equal(t, "Two days in Lisbon", res.Itinerary.Title)
	assert.Empty(t, ValidateItinerary(res.Itinerary))

	snap := e.Metrics()
	assert.Equal(t, uint64(1), snap.Requests)
	assert.Equal(t, uint64(1), snap.Successes)
	assert.Equal(t, uint64(0), snap.Repairs)
}

func TestEngine_DeterministicRepair(t *testing.T) {
	messy := "Sure! Here is your plan:\n```json\n" + `{
  // generated
  "name": "Lisbon",
  "days": [{"day": "Day 1", "items": [{"title": "Tram 28",},],},],
}` + "\n```"
	m := &scriptedModel{replies: []string{messy}}
	e := NewEngine(m, testConfig(), WithLogger(quietLogger()))

	res, err := e.GenerateGuaranteedJSON(context.Background(), Request{Prompt: "lisbon"})
	require.NoError(t, err)
	assert.Equal(t, OutcomeRepaired, res.Outcome)
	assert.Equal(t, 1, m.callCount())
	require.Len(t, res.Itinerary.Days, 1)
	assert.Equal(t, "Tram 28", res.Itinerary.Days[0].Activities[0].Name)
	assert.Equal(t, "morning", res.Itinerary.Days[0].Activities[0].Time)
	assert.Equal(t, uint64(1), e.Metrics().Repairs)
}

func TestEngine_RepromptsWithFeedback(t *testing.T) {
	m := &scriptedModel{replies: []string{`{"title": "x", "days": []}`, validItinerary}}
	e := NewEngine(m, testConfig(), WithLogger(quietLogger()))

	res, err := e.GenerateGuaranteedJSON(context.Background(), Request{Prompt: "lisbon"})
	require.NoError(t, err)
	assert.Equal(t, OutcomeReprompted, res.Outcome)
	assert.Equal(t, 2, res.Attempts)

	require.Len(t, m.messages, 2)
	second := m.messages[1]
	last := second[len(second)-1]
	assert.Equal(t, schema.User, last.Role)
	assert.Contains(t, last.Content, "days: must contain at least one day")
	assert.Equal(t, schema.Assistant, second[len(second)-2].Role)
	assert.Equal(t, uint64(1), e.Metrics().Reprompts)
}

func TestEngine_FallbackAfterExhaustingRepairs(t *testing.T) {
	m := &scriptedModel{replies: []string{"I cannot help with that."}}
	e := NewEngine(m, testConfig(), WithLogger(quietLogger()))

	res, err := e.GenerateGuaranteedJSON(context.Background(), Request{
		Prompt:          "lisbon",
		SampleItinerary: sampleItinerary(),
		DurationDays:    3,
	})
	require.NoError(t, err)
	assert.Equal(t, OutcomeFallback, res.Outcome)
	assert.Equal(t, 3, m.callCount())
	assert.Equal(t, "Sample Lisbon", res.Itinerary.Title)
	assert.Len(t, res.Itinerary.Days, 3)
	assert.Empty(t, ValidateItinerary(res.Itinerary))
	assert.Equal(t, uint64(1), e.Metrics().Fallbacks)
}

func TestEngine_FatalModelErrorFallsBackWithoutRetry(t *testing.T) {
	m := &scriptedModel{errs: []error{errors.New("401 Unauthorized: invalid api key")}}
	e := NewEngine(m, testConfig(), WithLogger(quietLogger()))

	res, err := e.GenerateGuaranteedJSON(context.Background(), Request{Prompt: "porto", DurationDays: 2})
	require.NoError(t, err)
	assert.Equal(t, OutcomeFallback, res.Outcome)
	assert.Equal(t, 1, m.callCount())
	assert.Len(t, res.Itinerary.Days, 2)
	assert.Equal(t, uint64(1), e.Metrics().ModelErrors)

	h := e.HealthCheck(context.Background())
	assert.Equal(t, StatusDegraded, h.Status)
	assert.Contains(t, h.LastError, "invalid api key")
}

func TestEngine_TransientModelErrorRetried(t *testing.T) {
	m := &scriptedModel{
		errs:    []error{errors.New("503 service unavailable")},
		replies: []string{"", validItinerary},
	}
	e := NewEngine(m, testConfig(), WithLogger(quietLogger()))

	res, err := e.GenerateGuaranteedJSON(context.Background(), Request{Prompt: "lisbon"})
	require.NoError(t, err)
	assert.Equal(t, OutcomeValid, res.Outcome)
	assert.Equal(t, 2, m.callCount())
}

func TestEngine_OutputAlwaysValid(t *testing.T) {
	garbage := []string{
		"",
		"null",
		"[]",
		`{"title": 5}`,
		`{"title": "t", "days": [{"day": 0, "activities": []}]}`,
		`{"title": "t", "days": [{"day": 1, "activities": [{"time": 9}]}]}`,
		"{\"title\": \"unterminated",
		strings.Repeat("{", 50),
	}
	samples := []map[string]any{nil, {}, sampleItinerary(), {"days": "nope"}}

	for i, reply := range garbage {
		for j, sample := range samples {
			t.Run(fmt.Sprintf("reply%d_sample%d", i, j), func(t *testing.T) {
				m := &scriptedModel{replies: []string{reply}}
				e := NewEngine(m, testConfig(), WithLogger(quietLogger()))
				res, err := e.GenerateGuaranteedJSON(context.Background(), Request{
					Prompt:          "somewhere",
					SampleItinerary: sample,
					DurationDays:    j,
				})
				require.NoError(t, err)
				assert.Empty(t, ValidateItinerary(res.Itinerary))
			})
		}
	}
}

func TestEngine_CancelledContextReturnsError(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	m := &scriptedModel{errs: []error{context.Canceled}}
	e := NewEngine(m, testConfig(), WithLogger(quietLogger()))

	_, err := e.GenerateGuaranteedJSON(ctx, Request{Prompt: "x"})
	assert.ErrorIs(t, err, context.Canceled)
}

func TestEngine_CachesByCorrelationID(t *testing.T) {
	m := &scriptedModel{replies: []string{validItinerary}}
	e := NewEngine(m, testConfig(), WithLogger(quietLogger()))
	req := Request{Prompt: "lisbon", CorrelationID: "session-1"}

	first, err := e.GenerateGuaranteedJSON(context.Background(), req)
	require.NoError(t, err)
	second, err := e.GenerateGuaranteedJSON(context.Background(), req)
	require.NoError(t, err)

	assert.Equal(t, 1, m.callCount())
	assert.False(t, first.Cached)
	assert.True(t, second.Cached)
	assert.Equal(t, first.Itinerary, second.Itinerary)

	second.Itinerary.Title = "mutated"
	third, _ := e.GenerateGuaranteedJSON(context.Background(), req)
	assert.Equal(t, "Two days in Lisbon", third.Itinerary.Title)
	assert.Equal(t, uint64(2), e.Metrics().CacheHits)
}

func TestEngine_ResetMetrics(t *testing.T) {
	m := &scriptedModel{replies: []string{validItinerary}}
	e := NewEngine(m, testConfig(), WithLogger(quietLogger()))
	_, _ = e.GenerateGuaranteedJSON(context.Background(), Request{Prompt: "a"})
	require.Equal(t, uint64(1), e.Metrics().Requests)

	e.ResetMetrics()
	snap := e.Metrics()
	assert.Zero(t, snap.Requests)
	assert.Zero(t, snap.Successes)
	assert.Zero(t, snap.AvgLatencyMs)
}

func TestEngine_ConcurrentMetrics(t *testing.T) {
	m := &scriptedModel{replies: []string{validItinerary}}
	e := NewEngine(m, testConfig(), WithLogger(quietLogger()))

	var wg sync.WaitGroup
	for i := 0; i < 20; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			_, _ = e.GenerateGuaranteedJSON(context.Background(), Request{Prompt: "p"})
		}()
	}
	wg.Wait()

	snap := e.Metrics()
	assert.Equal(t, uint64(20), snap.Requests)
	assert.Equal(t, uint64(20), snap.Successes)
	assert.Equal(t, uint64(20), snap.Completed)
}

type fakePinger struct{ err error }

func (p fakePinger) Ping(context.Context) error { return p.err }

func TestEngine_HealthCheck(t *testing.T) {
	m := &scriptedModel{replies: []string{validItinerary}}

	healthy := NewEngine(m, testConfig(), WithLogger(quietLogger()), WithPinger(fakePinger{}))
	h := healthy.HealthCheck(context.Background())
	assert.Equal(t, StatusHealthy, h.Status)
	require.NotNil(t, h.ModelReachable)
	assert.True(t, *h.ModelReachable)

	down := NewEngine(m, testConfig(), WithLogger(quietLogger()), WithPinger(fakePinger{err: errors.New("dial tcp: refused")}))
	h = down.HealthCheck(context.Background())
	assert.Equal(t, StatusUnhealthy, h.Status)
	assert.False(t, *h.ModelReachable)
	assert.False(t, h.Healthy())
}
