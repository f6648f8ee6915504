package main

import (
	"bytes"
	"context"
	"encoding/json"
	"flag"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"os"
	"strings"
	"sync"
	"time"

	"github.com/gorilla/websocket"

	"github.com/voxloop/voxloop/internal/audio"
	"github.com/voxloop/voxloop/internal/playback"
	"github.com/voxloop/voxloop/internal/protocol"
)

type options struct {
	baseURL     string
	turns       int
	turnTimeout time.Duration
	texts       []string
	bargeAfter  time.Duration
	sampleRate  int
	minChunks   int
	maxWait     time.Duration
	wavOut      string
	verbose     bool
}

type createSessionResponse struct {
	SessionID string `json:"session_id"`
}

var defaultUtterances = []string{
	"Reply in two sentences: what is the current status?",
	"Reply in two sentences: what should we do next?",
	"Reply in two sentences: summarize the last answer?",
}

func main() {
	cfg, err := parseFlags()
	if err != nil {
		fmt.Fprintf(os.Stderr, "voxprobe: %v\n", err)
		os.Exit(2)
	}
	if err := run(cfg); err != nil {
		fmt.Fprintf(os.Stderr, "voxprobe: %v\n", err)
		os.Exit(1)
	}
}

func parseFlags() (options, error) {
	var cfg options
	var textsRaw string
	var turnTimeoutMS, bargeAfterMS, maxWaitMS int

	flag.StringVar(&cfg.baseURL, "base-url", "http://127.0.0.1:8080", "voxloop base URL")
	flag.IntVar(&cfg.turns, "turns", 3, "number of turns to replay")
	flag.IntVar(&turnTimeoutMS, "turn-timeout-ms", 15000, "timeout waiting for turn_complete per turn in milliseconds")
	flag.IntVar(&bargeAfterMS, "barge-after-ms", 0, "send a barge-in interim this long after first audio (0 disables)")
	flag.IntVar(&cfg.sampleRate, "sample-rate", 16000, "PCM sample rate of received audio")
	flag.IntVar(&cfg.minChunks, "jitter-min-chunks", 3, "jitter buffer depth before playback starts")
	flag.IntVar(&maxWaitMS, "jitter-max-wait-ms", 250, "jitter buffer wait cap in milliseconds")
	flag.StringVar(&cfg.wavOut, "wav-out", "", "write received audio of the last turn to this WAV file")
	flag.StringVar(&textsRaw, "texts", "", "utterances separated by '|' (optional)")
	flag.BoolVar(&cfg.verbose, "verbose", true, "print replay progress")
	flag.Parse()

	cfg.baseURL = strings.TrimRight(strings.TrimSpace(cfg.baseURL), "/")
	if cfg.baseURL == "" {
		return options{}, fmt.Errorf("base-url is required")
	}
	if cfg.turns <= 0 {
		return options{}, fmt.Errorf("turns must be > 0")
	}
	if turnTimeoutMS < 1000 {
		turnTimeoutMS = 1000
	}
	cfg.turnTimeout = time.Duration(turnTimeoutMS) * time.Millisecond
	cfg.bargeAfter = time.Duration(bargeAfterMS) * time.Millisecond
	cfg.maxWait = time.Duration(maxWaitMS) * time.Millisecond

	if strings.TrimSpace(textsRaw) == "" {
		cfg.texts = append([]string(nil), defaultUtterances...)
	} else {
		for _, part := range strings.Split(textsRaw, "|") {
			if t := strings.TrimSpace(part); t != "" {
				cfg.texts = append(cfg.texts, t)
			}
		}
		if len(cfg.texts) == 0 {
			return options{}, fmt.Errorf("texts produced no non-empty utterances")
		}
	}
	return cfg, nil
}

// collectSink accumulates scheduled PCM so the probe can report playback
// timing and optionally dump the audio to a WAV file.
type collectSink struct {
	mu  sync.Mutex
	pcm bytes.Buffer
}

func (s *collectSink) PlayAt(_ time.Time, pcm []byte) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	_, _ = s.pcm.Write(pcm)
	return nil
}

func (s *collectSink) Stop() {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.pcm.Reset()
}

func (s *collectSink) bytes() []byte {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]byte(nil), s.pcm.Bytes()...)
}

type turnSignal struct {
	reason     string
	firstAudio time.Duration
}

func run(cfg options) error {
	ctx, cancel := context.WithTimeout(context.Background(), 8*time.Minute)
	defer cancel()

	httpClient := &http.Client{Timeout: 45 * time.Second}
	sessionID, err := createSession(ctx, httpClient, cfg.baseURL)
	if err != nil {
		return fmt.Errorf("create session: %w", err)
	}
	defer func() {
		_ = endSession(context.Background(), httpClient, cfg.baseURL, sessionID)
	}()

	if cfg.verbose {
		fmt.Printf("voxprobe: session=%s turns=%d\n", sessionID, cfg.turns)
	}

	wsURL, err := wsURLForSession(cfg.baseURL, sessionID)
	if err != nil {
		return fmt.Errorf("build ws URL: %w", err)
	}
	conn, res, err := websocket.DefaultDialer.DialContext(ctx, wsURL, nil)
	if err != nil {
		return fmt.Errorf("open websocket: %w", err)
	}
	if res != nil {
		res.Body.Close()
	}
	defer conn.Close()

	sink := &collectSink{}
	sched := playback.NewScheduler(playback.Config{
		SampleRate:      cfg.sampleRate,
		MinBufferChunks: cfg.minChunks,
		MaxBufferWait:   cfg.maxWait,
	}, sink)

	turnDone := make(chan turnSignal, 8)
	firstAudioCh := make(chan struct{}, 8)
	readErr := make(chan error, 1)
	go readLoop(conn, sched, turnDone, firstAudioCh, readErr, cfg.verbose)

	// gorilla allows one concurrent writer; the barge-in goroutine shares the
	// connection with the turn loop.
	var writeMu sync.Mutex
	writeJSON := func(v any) error {
		payload, err := json.Marshal(v)
		if err != nil {
			return err
		}
		writeMu.Lock()
		defer writeMu.Unlock()
		return conn.WriteMessage(websocket.TextMessage, payload)
	}

	for i := 0; i < cfg.turns; i++ {
		text := cfg.texts[i%len(cfg.texts)]
		if cfg.verbose {
			fmt.Printf("voxprobe: turn %d/%d text=%q\n", i+1, cfg.turns, text)
		}
		sink.Stop()
		sched.Flush()

		if err := writeJSON(protocol.Transcript{Type: protocol.TypeTranscript, Text: text}); err != nil {
			return fmt.Errorf("turn %d send transcript: %w", i+1, err)
		}

		if cfg.bargeAfter > 0 {
			go func() {
				select {
				case <-firstAudioCh:
				case <-time.After(cfg.turnTimeout):
					return
				}
				time.Sleep(cfg.bargeAfter)
				_ = writeJSON(protocol.InterimTranscript{
					Type: protocol.TypeInterimTranscript,
					Text: "hold on a second please",
				})
			}()
		}

		select {
		case sig := <-turnDone:
			if cfg.verbose {
				fmt.Printf("voxprobe: turn %d complete reason=%s first_audio=%s buffered_pcm=%dB\n",
					i+1, sig.reason, sig.firstAudio, len(sink.bytes()))
			}
		case err := <-readErr:
			return fmt.Errorf("ws read: %w", err)
		case <-time.After(cfg.turnTimeout):
			return fmt.Errorf("turn %d: timed out waiting for turn_complete", i+1)
		}
	}

	if cfg.wavOut != "" {
		pcm := sink.bytes()
		if err := audio.WriteWAVPCM16LEFile(cfg.wavOut, pcm, cfg.sampleRate); err != nil {
			return fmt.Errorf("write wav: %w", err)
		}
		if cfg.verbose {
			fmt.Printf("voxprobe: wrote %d PCM bytes to %s\n", len(pcm), cfg.wavOut)
		}
	}

	_ = writeJSON(protocol.Close{Type: protocol.TypeClose})
	if cfg.verbose {
		fmt.Println("voxprobe: replay completed")
	}
	return nil
}

func readLoop(
	conn *websocket.Conn,
	sched *playback.Scheduler,
	turnDone chan<- turnSignal,
	firstAudioCh chan<- struct{},
	readErr chan<- error,
	verbose bool,
) {
	var turnStartedAt time.Time
	var firstAudio time.Duration
	sawAudio := false

	for {
		msgType, data, err := conn.ReadMessage()
		if err != nil {
			readErr <- err
			return
		}
		if msgType == websocket.BinaryMessage {
			if !sawAudio {
				sawAudio = true
				if !turnStartedAt.IsZero() {
					firstAudio = time.Since(turnStartedAt)
				}
				select {
				case firstAudioCh <- struct{}{}:
				default:
				}
			}
			sched.Enqueue(data)
			continue
		}

		var env struct {
			Type   protocol.MessageType `json:"type"`
			Reason string               `json:"reason"`
			Code   string               `json:"code"`
		}
		if err := json.Unmarshal(data, &env); err != nil {
			continue
		}
		switch env.Type {
		case protocol.TypeTurnStarted:
			turnStartedAt = time.Now()
			sawAudio = false
			firstAudio = 0
		case protocol.TypeTurnComplete:
			if env.Reason != "complete" {
				// Cancelled turn: drop everything not yet played.
				sched.Flush()
			}
			turnDone <- turnSignal{reason: env.Reason, firstAudio: firstAudio}
		case protocol.TypeErrorEvent:
			turnDone <- turnSignal{reason: "error:" + env.Code}
		case protocol.TypeListening:
			// informational
		default:
			if verbose {
				fmt.Printf("voxprobe: event %s\n", env.Type)
			}
		}
	}
}

func createSession(ctx context.Context, client *http.Client, baseURL string) (string, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, baseURL+"/v1/session", nil)
	if err != nil {
		return "", err
	}
	res, err := client.Do(req)
	if err != nil {
		return "", err
	}
	defer res.Body.Close()
	body, err := io.ReadAll(io.LimitReader(res.Body, 1<<20))
	if err != nil {
		return "", err
	}
	if res.StatusCode != http.StatusCreated {
		return "", fmt.Errorf("HTTP %d: %s", res.StatusCode, strings.TrimSpace(string(body)))
	}

	var out createSessionResponse
	if err := json.Unmarshal(body, &out); err != nil {
		return "", err
	}
	if strings.TrimSpace(out.SessionID) == "" {
		return "", fmt.Errorf("missing session_id in response")
	}
	return out.SessionID, nil
}

func endSession(ctx context.Context, client *http.Client, baseURL, sessionID string) error {
	sessionID = strings.TrimSpace(sessionID)
	if sessionID == "" {
		return nil
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, baseURL+"/v1/session/"+url.PathEscape(sessionID)+"/end", nil)
	if err != nil {
		return err
	}
	res, err := client.Do(req)
	if err != nil {
		return err
	}
	defer res.Body.Close()
	_, _ = io.Copy(io.Discard, io.LimitReader(res.Body, 1<<20))
	return nil
}

func wsURLForSession(baseURL, sessionID string) (string, error) {
	u, err := url.Parse(baseURL)
	if err != nil {
		return "", err
	}
	switch u.Scheme {
	case "http":
		u.Scheme = "ws"
	case "https":
		u.Scheme = "wss"
	default:
		return "", fmt.Errorf("unsupported scheme %q", u.Scheme)
	}
	u.Path = strings.TrimRight(u.Path, "/") + "/v1/session/ws"
	q := u.Query()
	q.Set("session_id", sessionID)
	u.RawQuery = q.Encode()
	return u.String(), nil
}
