package main

import (
	"context"
	"errors"
	"io"
	"os"
	"sync"

	"github.com/darshan-pr/AI-partners-sub000/internal/audio"
	"github.com/darshan-pr/AI-partners-sub000/internal/speech"
)

// micChunkBytes is one level reading: 16ms of 16 kHz mono 16-bit audio.
const micChunkBytes = 512

var errMicBusy = errors.New("microphone already in use")

// pcmMicrophone is a microphone fed raw little-endian PCM, for example
//
//	arecord -q -f S16_LE -r 16000 -c 1 | studyvoice run --mic-pcm -
//
// Every chunk copied in replaces the level with the chunk's RMS.
type pcmMicrophone struct {
	level *audio.PCMLevelSource

	mu   sync.Mutex
	held bool
}

func newPCMMicrophone(bitDepth int) *pcmMicrophone {
	return &pcmMicrophone{level: audio.NewPCMLevelSource(bitDepth)}
}

// Feed copies PCM from r until it ends, then drops the level to silence.
func (m *pcmMicrophone) Feed(r io.Reader) error {
	defer m.level.Set(0)

	// Hide any WriterTo so the copy goes through our fixed-size buffer.
	_, err := io.CopyBuffer(m.level, struct{ io.Reader }{r}, make([]byte, micChunkBytes))
	return err
}

// Level reports the latest chunk's level whether or not the mic is held, so
// the console meter keeps moving between turns.
func (m *pcmMicrophone) Level() float64 {
	return m.level.Level()
}

func (m *pcmMicrophone) Acquire(ctx context.Context) (speech.MicStream, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.held {
		return nil, errMicBusy
	}
	m.held = true
	return &pcmMicStream{mic: m}, nil
}

type pcmMicStream struct {
	mic  *pcmMicrophone
	once sync.Once
}

func (s *pcmMicStream) Level() float64 {
	return s.mic.level.Level()
}

func (s *pcmMicStream) Release() {
	s.once.Do(func() {
		s.mic.mu.Lock()
		s.mic.held = false
		s.mic.mu.Unlock()
	})
}

// openPCMSource opens the --mic-pcm argument; "-" is stdin.
func openPCMSource(path string) (io.ReadCloser, error) {
	if path == "-" {
		return io.NopCloser(os.Stdin), nil
	}
	return os.Open(path)
}
