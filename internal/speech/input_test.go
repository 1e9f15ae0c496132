package speech_test

import (
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/darshan-pr/AI-partners-sub000/internal/speech"
	"github.com/darshan-pr/AI-partners-sub000/internal/speech/speechtest"
)

type utteranceLog struct {
	mu   sync.Mutex
	utts []speech.Utterance
	errs []error
}

func (l *utteranceLog) onUtterance(u speech.Utterance) {
	l.mu.Lock()
	l.utts = append(l.utts, u)
	l.mu.Unlock()
}

func (l *utteranceLog) onError(err error) {
	l.mu.Lock()
	l.errs = append(l.errs, err)
	l.mu.Unlock()
}

func (l *utteranceLog) utterances() []speech.Utterance {
	l.mu.Lock()
	defer l.mu.Unlock()
	return append([]speech.Utterance(nil), l.utts...)
}

func (l *utteranceLog) failures() []error {
	l.mu.Lock()
	defer l.mu.Unlock()
	return append([]error(nil), l.errs...)
}

func testInputConfig() speech.InputConfig {
	return speech.InputConfig{Language: "en-US", StartTimeout: 200 * time.Millisecond, MaxRestarts: 2}
}

func TestInputDeliversUtterances(t *testing.T) {
	rec := speechtest.NewRecognizer()
	in := speech.NewInputChannel(rec, testInputConfig(), speech.SourceListening, zerolog.Nop())

	var log utteranceLog
	in.Start(log.onUtterance, log.onError)
	require.True(t, rec.WaitInstances(1, time.Second))
	assert.True(t, in.Active())

	r := rec.Last()
	assert.True(t, r.Options.Interim)
	assert.True(t, r.Options.Continuous)
	assert.Equal(t, "en-US", r.Options.Language)

	r.Emit("what is", 0, false)
	r.Emit("   ", 0, false)
	r.Emit("what is osmosis", 0.92, true)

	require.Eventually(t, func() bool { return len(log.utterances()) == 2 }, time.Second, time.Millisecond)
	utts := log.utterances()
	assert.Equal(t, "what is", utts[0].Text)
	assert.False(t, utts[0].Final)
	assert.Equal(t, "what is osmosis", utts[1].Text)
	assert.True(t, utts[1].Final)
	assert.Equal(t, speech.SourceListening, utts[1].Source)
	assert.InDelta(t, 0.92, utts[1].Confidence, 1e-9)
	assert.NotEmpty(t, utts[1].ID)

	in.Stop()
	assert.False(t, in.Active())
	in.Wait()
	assert.True(t, r.Stopped())
}

func TestInputStopDropsLateResults(t *testing.T) {
	rec := speechtest.NewRecognizer()
	in := speech.NewInputChannel(rec, testInputConfig(), speech.SourceListening, zerolog.Nop())

	var log utteranceLog
	in.Start(log.onUtterance, log.onError)
	require.True(t, rec.WaitInstances(1, time.Second))

	in.Stop()
	rec.Last().Emit("too late", 1, true)
	time.Sleep(10 * time.Millisecond)
	assert.Empty(t, log.utterances())
	assert.Empty(t, log.failures())
}

func TestInputRestartSupersedes(t *testing.T) {
	rec := speechtest.NewRecognizer()
	in := speech.NewInputChannel(rec, testInputConfig(), speech.SourceListening, zerolog.Nop())

	var first, second utteranceLog
	g1 := in.Start(first.onUtterance, first.onError)
	require.True(t, rec.WaitInstances(1, time.Second))
	old := rec.Last()

	g2 := in.Start(second.onUtterance, second.onError)
	assert.Greater(t, g2, g1)
	require.True(t, rec.WaitInstances(2, time.Second))

	assert.False(t, old.Emit("stale", 1, true), "old instance is stopped")
	rec.Last().Emit("fresh", 1, true)

	require.Eventually(t, func() bool { return len(second.utterances()) == 1 }, time.Second, time.Millisecond)
	assert.Empty(t, first.utterances())
	in.Stop()
}

func TestInputRecognitionError(t *testing.T) {
	rec := speechtest.NewRecognizer()
	in := speech.NewInputChannel(rec, testInputConfig(), speech.SourceListening, zerolog.Nop())

	var log utteranceLog
	in.Start(log.onUtterance, log.onError)
	require.True(t, rec.WaitInstances(1, time.Second))

	rec.Last().Fail(errors.New("network"))
	require.Eventually(t, func() bool { return len(log.failures()) == 1 }, time.Second, time.Millisecond)
	assert.ErrorIs(t, log.failures()[0], speech.ErrRecognitionFailed)
	assert.False(t, in.Active())
}

func TestInputAutoRestart(t *testing.T) {
	rec := speechtest.NewRecognizer()
	in := speech.NewInputChannel(rec, testInputConfig(), speech.SourceListening, zerolog.Nop())

	var log utteranceLog
	in.Start(log.onUtterance, log.onError)

	for i := 1; i <= 3; i++ {
		require.True(t, rec.WaitInstances(i, time.Second))
		rec.Last().End()
	}

	require.Eventually(t, func() bool { return len(log.failures()) == 1 }, time.Second, time.Millisecond)
	assert.ErrorIs(t, log.failures()[0], speech.ErrRecognitionEnded)
	assert.Len(t, rec.Instances(), 3)
	assert.False(t, in.Active())
}

func TestInputRestartCounterResetsOnSpeech(t *testing.T) {
	rec := speechtest.NewRecognizer()
	in := speech.NewInputChannel(rec, testInputConfig(), speech.SourceListening, zerolog.Nop())

	var log utteranceLog
	in.Start(log.onUtterance, log.onError)

	for i := 1; i <= 5; i++ {
		require.True(t, rec.WaitInstances(i, time.Second))
		r := rec.Last()
		r.Emit("still here", 0, false)
		require.Eventually(t, func() bool { return len(log.utterances()) == i }, time.Second, time.Millisecond)
		r.End()
	}
	require.True(t, rec.WaitInstances(6, time.Second))
	assert.Empty(t, log.failures())
	in.Stop()
}

func TestInputStartFailures(t *testing.T) {
	t.Run("engine refuses", func(t *testing.T) {
		rec := speechtest.NewRecognizer()
		rec.StartErr = speech.ErrPermissionDenied
		in := speech.NewInputChannel(rec, testInputConfig(), speech.SourceListening, zerolog.Nop())

		var log utteranceLog
		in.Start(log.onUtterance, log.onError)
		require.Eventually(t, func() bool { return len(log.failures()) == 1 }, time.Second, time.Millisecond)
		assert.ErrorIs(t, log.failures()[0], speech.ErrPermissionDenied)
	})

	t.Run("start timeout", func(t *testing.T) {
		rec := speechtest.NewRecognizer()
		rec.StartDelay = time.Second
		cfg := testInputConfig()
		cfg.StartTimeout = 20 * time.Millisecond
		in := speech.NewInputChannel(rec, cfg, speech.SourceListening, zerolog.Nop())

		var log utteranceLog
		in.Start(log.onUtterance, log.onError)
		require.Eventually(t, func() bool { return len(log.failures()) == 1 }, time.Second, time.Millisecond)
		assert.ErrorIs(t, log.failures()[0], speech.ErrStartTimeout)
		in.Stop()
	})

	t.Run("no recognizer", func(t *testing.T) {
		in := speech.NewInputChannel(nil, testInputConfig(), speech.SourceListening, zerolog.Nop())

		var log utteranceLog
		in.Start(log.onUtterance, log.onError)
		require.Eventually(t, func() bool { return len(log.failures()) == 1 }, time.Second, time.Millisecond)
		assert.ErrorIs(t, log.failures()[0], speech.ErrUnsupported)
	})
}
