package metrics

import (
	"sync"
	"time"
)

// Latency holds one turn's timings, measured from the final transcript
// that triggered it.
type Latency struct {
	TranscriptTime time.Time
	FirstTokenTime time.Time
	FirstAudioTime time.Time
	DoneTime       time.Time

	FirstToken time.Duration
	FirstAudio time.Duration
	Total      time.Duration

	Tokens      int
	AudioChunks int
}

// TurnTimer collects latency for the current turn of one session. It is
// safe for concurrent use.
type TurnTimer struct {
	mu      sync.Mutex
	current Latency
	history []Latency
	limit   int
}

// NewTurnTimer keeps up to limit finished turns for averaging.
func NewTurnTimer(limit int) *TurnTimer {
	if limit <= 0 {
		limit = 100
	}
	return &TurnTimer{limit: limit, history: make([]Latency, 0, limit)}
}

// MarkTranscript starts a new turn.
func (t *TurnTimer) MarkTranscript() {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.current = Latency{TranscriptTime: time.Now()}
}

// MarkToken records a generated token; the first one sets FirstToken.
func (t *TurnTimer) MarkToken() {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.current.Tokens++
	if t.current.FirstTokenTime.IsZero() {
		t.current.FirstTokenTime = time.Now()
		t.current.FirstToken = since(t.current.TranscriptTime, t.current.FirstTokenTime)
	}
}

// MarkAudio records a delivered audio chunk; the first one sets FirstAudio.
func (t *TurnTimer) MarkAudio() {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.current.AudioChunks++
	if t.current.FirstAudioTime.IsZero() {
		t.current.FirstAudioTime = time.Now()
		t.current.FirstAudio = since(t.current.TranscriptTime, t.current.FirstAudioTime)
	}
}

// MarkDone closes the turn, archives it and returns its timings.
func (t *TurnTimer) MarkDone() Latency {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.current.DoneTime = time.Now()
	t.current.Total = since(t.current.TranscriptTime, t.current.DoneTime)

	t.history = append(t.history, t.current)
	if len(t.history) > t.limit {
		t.history = t.history[1:]
	}
	return t.current
}

// Current returns the in-progress turn.
func (t *TurnTimer) Current() Latency {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.current
}

// Average returns mean latencies over archived turns.
func (t *TurnTimer) Average() Latency {
	t.mu.Lock()
	defer t.mu.Unlock()

	if len(t.history) == 0 {
		return Latency{}
	}
	var avg Latency
	for _, h := range t.history {
		avg.FirstToken += h.FirstToken
		avg.FirstAudio += h.FirstAudio
		avg.Total += h.Total
	}
	n := time.Duration(len(t.history))
	avg.FirstToken /= n
	avg.FirstAudio /= n
	avg.Total /= n
	return avg
}

// Turns returns the number of archived turns.
func (t *TurnTimer) Turns() int {
	t.mu.Lock()
	defer t.mu.Unlock()
	return len(t.history)
}

// String formats the latencies for logs.
func (l Latency) String() string {
	return formatDuration(l.FirstToken) + " LLM | " +
		formatDuration(l.FirstAudio) + " TTS | " +
		formatDuration(l.Total) + " TOTAL"
}

func since(start, end time.Time) time.Duration {
	if start.IsZero() {
		return 0
	}
	return end.Sub(start)
}

func formatDuration(d time.Duration) string {
	if d == 0 {
		return "---ms"
	}
	return d.Round(time.Millisecond).String()
}
