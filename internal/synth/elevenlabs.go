package synth

import (
	"context"
	"encoding/base64"
	"encoding/json"
	"fmt"
	"net/http"
	"net/url"
	"strings"

	"github.com/gorilla/websocket"

	"github.com/voxloop/voxloop/internal/reliability"
)

// ElevenLabsConfig configures the streaming synthesis collaborator.
type ElevenLabsConfig struct {
	APIKey     string
	WSBaseURL  string
	VoiceID    string
	ModelID    string
	SampleRate int
}

// ElevenLabsSynthesizer opens one stream-input websocket per sentence and
// forwards decoded PCM chunks as they arrive. A failure on one sentence
// never blocks the next call.
type ElevenLabsSynthesizer struct {
	cfg ElevenLabsConfig
}

func NewElevenLabsSynthesizer(cfg ElevenLabsConfig) *ElevenLabsSynthesizer {
	if strings.TrimSpace(cfg.ModelID) == "" {
		cfg.ModelID = "eleven_flash_v2_5"
	}
	if cfg.SampleRate <= 0 {
		cfg.SampleRate = 16000
	}
	return &ElevenLabsSynthesizer{cfg: cfg}
}

func (s *ElevenLabsSynthesizer) Synthesize(ctx context.Context, text string) (<-chan []byte, <-chan error) {
	chunks := make(chan []byte, 64)
	errs := make(chan error, 1)

	go func() {
		defer close(chunks)
		defer close(errs)
		if err := s.stream(ctx, text, chunks); err != nil {
			errs <- err
		}
	}()

	return chunks, errs
}

func (s *ElevenLabsSynthesizer) stream(ctx context.Context, text string, chunks chan<- []byte) error {
	u, err := url.Parse(strings.TrimRight(s.cfg.WSBaseURL, "/") +
		"/v1/text-to-speech/" + url.PathEscape(s.cfg.VoiceID) + "/stream-input")
	if err != nil {
		return fmt.Errorf("%w: %v", ErrSynthesisFailed, err)
	}
	q := u.Query()
	q.Set("model_id", s.cfg.ModelID)
	q.Set("output_format", fmt.Sprintf("pcm_%d", s.cfg.SampleRate))
	q.Set("auto_mode", "true")
	u.RawQuery = q.Encode()

	headers := http.Header{}
	headers.Set("xi-api-key", s.cfg.APIKey)

	conn, _, err := websocket.DefaultDialer.DialContext(ctx, u.String(), headers)
	if err != nil {
		return fmt.Errorf("%w: dial tts websocket: %v", ErrSynthesisFailed, err)
	}
	defer conn.Close()

	// Abort the read loop when the sentence is cancelled mid-flight.
	readDone := make(chan struct{})
	defer close(readDone)
	go func() {
		select {
		case <-ctx.Done():
			_ = conn.Close()
		case <-readDone:
		}
	}()

	// Prime, send the sentence, then close input as documented for
	// stream-input flows.
	if err := conn.WriteJSON(map[string]any{"text": " "}); err != nil {
		return fmt.Errorf("%w: prime stream: %v", ErrSynthesisFailed, err)
	}
	if err := conn.WriteJSON(map[string]any{"text": text + " ", "try_trigger_generation": true}); err != nil {
		return fmt.Errorf("%w: send text: %v", ErrSynthesisFailed, err)
	}
	if err := conn.WriteJSON(map[string]any{"text": ""}); err != nil {
		return fmt.Errorf("%w: close input: %v", ErrSynthesisFailed, err)
	}

	for {
		_, data, err := conn.ReadMessage()
		if err != nil {
			if ctx.Err() != nil {
				return ctx.Err()
			}
			return fmt.Errorf("%w: read: %v", ErrSynthesisFailed, err)
		}
		var raw map[string]any
		if err := json.Unmarshal(data, &raw); err != nil {
			continue
		}

		if audio, _ := raw["audio"].(string); audio != "" {
			pcm, err := base64.StdEncoding.DecodeString(audio)
			if err != nil {
				continue
			}
			select {
			case chunks <- pcm:
			case <-ctx.Done():
				return ctx.Err()
			}
		}
		if errMsg, _ := raw["error"].(string); errMsg != "" {
			code, _ := raw["message_type"].(string)
			if reliability.IsRetryableSynthCode(code) {
				return fmt.Errorf("%w: %s (retryable): %s", ErrSynthesisFailed, code, errMsg)
			}
			return fmt.Errorf("%w: %s: %s", ErrSynthesisFailed, code, errMsg)
		}
		if final, _ := raw["isFinal"].(bool); final {
			return nil
		}
		if final, _ := raw["is_final"].(bool); final {
			return nil
		}
	}
}
