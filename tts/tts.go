// Package tts synthesizes chat messages to MP3 files with Google Cloud
// Text-to-Speech. Files are named <message id>.mp3 inside one directory that
// is emptied whenever the message store resets.
package tts

import (
	"context"
	"encoding/base64"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"regexp"
	"strings"

	"google.golang.org/api/option"
	texttospeech "google.golang.org/api/texttospeech/v1"

	"github.com/onnwee/chat-magnifier/telemetry"
)

const (
	// MaxChars is the longest text sent for synthesis; longer text is cut.
	MaxChars   = 3000
	sampleRate = 24000
	fileExt    = ".mp3"
)

var (
	ErrNoVoice    = errors.New("tts: no voice configured")
	ErrEmptyText  = errors.New("tts: nothing to say")
	ErrInvalidID  = errors.New("tts: invalid message id")
	ErrEmptyAudio = errors.New("tts: empty audio content")
)

var (
	emojiCode = regexp.MustCompile(`:[a-zA-Z0-9-]+:`)
	validID   = regexp.MustCompile(`^[A-Za-z0-9_-]{1,128}$`)
)

// Options configures a Service.
type Options struct {
	APIKey      string
	MaleVoice   string
	FemaleVoice string
	Language    string
	Dir         string
}

type Service struct {
	api  *texttospeech.Service
	opts Options
}

// New builds a Service. Extra client options are appended after the API key
// (tests use them to point at a fake endpoint).
func New(ctx context.Context, opts Options, clientOpts ...option.ClientOption) (*Service, error) {
	if opts.MaleVoice == "" && opts.FemaleVoice == "" {
		return nil, ErrNoVoice
	}
	if opts.Language == "" {
		opts.Language = "en-US"
	}
	if err := os.MkdirAll(opts.Dir, 0o755); err != nil {
		return nil, fmt.Errorf("create audio dir: %w", err)
	}
	co := []option.ClientOption{}
	if opts.APIKey != "" {
		co = append(co, option.WithAPIKey(opts.APIKey))
	}
	api, err := texttospeech.NewService(ctx, append(co, clientOpts...)...)
	if err != nil {
		return nil, fmt.Errorf("texttospeech client: %w", err)
	}
	return &Service{api: api, opts: opts}, nil
}

// Dir returns the audio directory.
func (s *Service) Dir() string { return s.opts.Dir }

// Voice picks the voice for a message. With a single configured voice that
// voice is always used.
func (s *Service) Voice(isMale bool) string {
	m, f := s.opts.MaleVoice, s.opts.FemaleVoice
	switch {
	case m != "" && f == "":
		return m
	case f != "" && m == "":
		return f
	case isMale:
		return m
	default:
		return f
	}
}

// CleanText strips emoji codes and cuts the result to MaxChars characters.
func CleanText(text string) string {
	out := strings.TrimSpace(emojiCode.ReplaceAllString(text, ""))
	if r := []rune(out); len(r) > MaxChars {
		out = string(r[:MaxChars])
	}
	return out
}

// Path returns the file path for id.
func (s *Service) Path(id string) (string, error) {
	if !validID.MatchString(id) {
		return "", ErrInvalidID
	}
	return filepath.Join(s.opts.Dir, id+fileExt), nil
}

// Exists reports whether audio for id has been generated.
func (s *Service) Exists(id string) bool {
	if s == nil {
		return false
	}
	p, err := s.Path(id)
	if err != nil {
		return false
	}
	_, err = os.Stat(p)
	return err == nil
}

// Generate synthesizes text and writes <dir>/<id>.mp3.
func (s *Service) Generate(ctx context.Context, id, text string, isMale bool) (err error) {
	ctx, span := telemetry.StartSpan(ctx, "tts", "generate")
	defer span.End()
	defer func() {
		telemetry.IncAudio(err == nil)
		if err != nil {
			telemetry.RecordError(span, err)
		}
	}()

	path, err := s.Path(id)
	if err != nil {
		return err
	}
	voice := s.Voice(isMale)
	if voice == "" {
		return ErrNoVoice
	}
	clean := CleanText(text)
	if clean == "" {
		return ErrEmptyText
	}
	logger := telemetry.LoggerWithCorr(ctx).With(slog.String("component", "tts"), slog.String("id", id))
	logger.Debug("synthesizing", slog.String("voice", voice), slog.Int("chars", len([]rune(clean))))

	resp, err := s.api.Text.Synthesize(&texttospeech.SynthesizeSpeechRequest{
		Input: &texttospeech.SynthesisInput{Text: clean},
		Voice: &texttospeech.VoiceSelectionParams{LanguageCode: s.opts.Language, Name: voice},
		AudioConfig: &texttospeech.AudioConfig{
			AudioEncoding:   "MP3",
			SampleRateHertz: sampleRate,
		},
	}).Context(ctx).Do()
	if err != nil {
		return fmt.Errorf("synthesize: %w", err)
	}
	audio, err := base64.StdEncoding.DecodeString(resp.AudioContent)
	if err != nil {
		return fmt.Errorf("decode audio: %w", err)
	}
	if len(audio) == 0 {
		return ErrEmptyAudio
	}
	if err := writeAtomic(path, audio); err != nil {
		return err
	}
	logger.Info("audio generated", slog.Int("bytes", len(audio)))
	return nil
}

func writeAtomic(path string, data []byte) error {
	tmp, err := os.CreateTemp(filepath.Dir(path), ".audio-*")
	if err != nil {
		return err
	}
	name := tmp.Name()
	if _, err := tmp.Write(data); err != nil {
		_ = tmp.Close()
		_ = os.Remove(name)
		return err
	}
	if err := tmp.Close(); err != nil {
		_ = os.Remove(name)
		return err
	}
	if err := os.Rename(name, path); err != nil {
		_ = os.Remove(name)
		return err
	}
	return nil
}

// ClearFiles deletes every generated file and returns how many were removed.
func (s *Service) ClearFiles() (int, error) {
	entries, err := os.ReadDir(s.opts.Dir)
	if err != nil {
		if errors.Is(err, os.ErrNotExist) {
			return 0, nil
		}
		return 0, err
	}
	n := 0
	var errs []error
	for _, e := range entries {
		if e.IsDir() || filepath.Ext(e.Name()) != fileExt {
			continue
		}
		if err := os.Remove(filepath.Join(s.opts.Dir, e.Name())); err != nil {
			errs = append(errs, err)
			continue
		}
		n++
	}
	return n, errors.Join(errs...)
}

// Clear is a chat.ResetHook that empties the audio directory.
func (s *Service) Clear(ctx context.Context) {
	if s == nil {
		return
	}
	n, err := s.ClearFiles()
	logger := telemetry.LoggerWithCorr(ctx).With(slog.String("component", "tts"))
	if err != nil {
		logger.Warn("clear audio files", slog.Any("err", err))
	}
	if n > 0 {
		logger.Info("audio files cleared", slog.Int("count", n))
	}
}
