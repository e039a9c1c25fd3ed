// Package voice converts between speech and text for the voice chat
// endpoint, using the OpenAI audio API.
package voice

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"path/filepath"
	"strings"
	"time"

	"github.com/sashabaranov/go-openai"
)

// MaxAudioBytes bounds an uploaded recording.
const MaxAudioBytes = 25 << 20

// ErrEmptyAudio is returned for a recording with no bytes.
var ErrEmptyAudio = errors.New("voice: empty audio")

// ErrNoSpeech is returned when a recording transcribes to nothing.
var ErrNoSpeech = errors.New("voice: no speech recognized")

// Config selects the speech models.
type Config struct {
	STTModel string // default whisper-1
	TTSModel string // default tts-1
	Voice    string // default alloy
}

// Service transcribes recordings and synthesizes replies.
type Service struct {
	api    *openai.Client
	cfg    Config
	logger *slog.Logger
}

// New creates a Service on an existing go-openai client.
func New(api *openai.Client, cfg Config, logger *slog.Logger) *Service {
	if cfg.STTModel == "" {
		cfg.STTModel = openai.Whisper1
	}
	if cfg.TTSModel == "" {
		cfg.TTSModel = string(openai.TTSModel1)
	}
	if cfg.Voice == "" {
		cfg.Voice = string(openai.VoiceAlloy)
	}
	return &Service{api: api, cfg: cfg, logger: logger}
}

// Transcribe returns the text spoken in audio. filename carries the
// container format (e.g. "speech.webm") and defaults to audio.wav.
func (s *Service) Transcribe(ctx context.Context, filename string, audio []byte) (string, error) {
	if len(audio) == 0 {
		return "", ErrEmptyAudio
	}
	if len(audio) > MaxAudioBytes {
		return "", fmt.Errorf("voice: recording is %d bytes, limit is %d", len(audio), MaxAudioBytes)
	}
	if filename == "" {
		filename = "audio.wav"
	}

	start := time.Now()
	resp, err := s.api.CreateTranscription(ctx, openai.AudioRequest{
		Model:    s.cfg.STTModel,
		FilePath: filepath.Base(filename),
		Reader:   bytes.NewReader(audio),
		Format:   openai.AudioResponseFormatJSON,
	})
	if err != nil {
		return "", fmt.Errorf("transcribe: %w", err)
	}

	text := strings.TrimSpace(resp.Text)
	s.logger.Debug("audio transcribed",
		"model", s.cfg.STTModel, "bytes", len(audio), "chars", len(text), "elapsed", time.Since(start))
	if text == "" {
		return "", ErrNoSpeech
	}
	return text, nil
}

// Synthesize renders text as MP3 audio.
func (s *Service) Synthesize(ctx context.Context, text string) ([]byte, error) {
	text = strings.TrimSpace(text)
	if text == "" {
		return nil, errors.New("voice: nothing to synthesize")
	}

	start := time.Now()
	resp, err := s.api.CreateSpeech(ctx, openai.CreateSpeechRequest{
		Model:          openai.SpeechModel(s.cfg.TTSModel),
		Input:          text,
		Voice:          openai.SpeechVoice(s.cfg.Voice),
		ResponseFormat: openai.SpeechResponseFormatMp3,
	})
	if err != nil {
		return nil, fmt.Errorf("synthesize: %w", err)
	}
	defer resp.Close()

	audio, err := io.ReadAll(io.LimitReader(resp, MaxAudioBytes))
	if err != nil {
		return nil, fmt.Errorf("read speech: %w", err)
	}
	s.logger.Debug("speech synthesized",
		"model", s.cfg.TTSModel, "voice", s.cfg.Voice, "chars", len(text), "bytes", len(audio), "elapsed", time.Since(start))
	return audio, nil
}
