package main

import (
	"bytes"
	"context"
	"encoding/base64"
	"encoding/json"
	"flag"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"os"
	"strings"
	"time"

	"github.com/gorilla/websocket"

	"github.com/ent0n29/realtime-gateway/internal/audio"
	"github.com/ent0n29/realtime-gateway/internal/observability"
	"github.com/ent0n29/realtime-gateway/internal/realtime"
)

const (
	stageFirstEvent   = "first_event"
	stageFirstAudio   = "first_audio"
	stageResponseDone = "response_done"
)

type options struct {
	baseURL        string
	model          string
	voice          string
	prompt         string
	turns          int
	chunkMS        int
	realtime       float64
	audioFile      string
	saveAudio      string
	interTurnDelay time.Duration
	turnTimeout    time.Duration
	texts          []string
	checkIssuer    bool
	verbose        bool
}

type serverEvent struct {
	Type  string `json:"type"`
	Delta string `json:"delta,omitempty"`
	Error *struct {
		Code    string `json:"code"`
		Message string `json:"message"`
	} `json:"error,omitempty"`
}

type turnResult struct {
	firstEvent time.Duration
	firstAudio time.Duration
	done       time.Duration
}

var defaultUtterances = []string{
	"Reply in three words: which doctors are available?",
	"Reply in three words: earliest appointment Monday?",
	"Reply in three words: clinic opening hours?",
}

func main() {
	cfg, err := parseFlags()
	if err != nil {
		fmt.Fprintf(os.Stderr, "perfrelay: %v\n", err)
		os.Exit(2)
	}
	if err := run(cfg); err != nil {
		fmt.Fprintf(os.Stderr, "perfrelay: %v\n", err)
		os.Exit(1)
	}
}

func parseFlags() (options, error) {
	var cfg options
	var textsRaw string
	var interTurnMS int
	var turnTimeoutMS int

	flag.StringVar(&cfg.baseURL, "base-url", "http://127.0.0.1:8000", "gateway base URL")
	flag.StringVar(&cfg.model, "model", realtime.DefaultModel, "realtime model requested in the session descriptor")
	flag.StringVar(&cfg.voice, "voice", "", "optional voice")
	flag.StringVar(&cfg.prompt, "prompt", "", "optional system prompt")
	flag.IntVar(&cfg.turns, "turns", 5, "number of turns to replay")
	flag.IntVar(&cfg.chunkMS, "chunk-ms", 40, "audio chunk size in milliseconds")
	flag.Float64Var(&cfg.realtime, "realtime", 2.0, "chunk pacing multiplier (1.0=realtime, 2.0=2x)")
	flag.StringVar(&cfg.audioFile, "audio-file", "", "PCM16 WAV replayed as the user turn instead of text")
	flag.StringVar(&cfg.saveAudio, "save-audio", "", "write the assistant audio of the last turn to this WAV path")
	flag.IntVar(&interTurnMS, "inter-turn-ms", 200, "delay between turns in milliseconds")
	flag.IntVar(&turnTimeoutMS, "turn-timeout-ms", 20000, "timeout waiting for response.done per turn in milliseconds")
	flag.StringVar(&textsRaw, "texts", "", "utterances separated by '|' (optional)")
	flag.BoolVar(&cfg.checkIssuer, "check-issuer", true, "mint a credential through POST /sessions before replaying")
	flag.BoolVar(&cfg.verbose, "verbose", true, "print replay progress")
	flag.Parse()

	cfg.baseURL = strings.TrimRight(strings.TrimSpace(cfg.baseURL), "/")
	if cfg.baseURL == "" {
		return options{}, fmt.Errorf("base-url is required")
	}
	if strings.TrimSpace(cfg.model) == "" {
		return options{}, fmt.Errorf("model is required")
	}
	if cfg.turns <= 0 {
		return options{}, fmt.Errorf("turns must be > 0")
	}
	if cfg.chunkMS < 10 || cfg.chunkMS > 2000 {
		return options{}, fmt.Errorf("chunk-ms must be in [10,2000]")
	}
	if cfg.realtime <= 0 {
		return options{}, fmt.Errorf("realtime must be > 0")
	}
	if interTurnMS < 0 {
		interTurnMS = 0
	}
	if turnTimeoutMS < 1000 {
		turnTimeoutMS = 1000
	}
	cfg.interTurnDelay = time.Duration(interTurnMS) * time.Millisecond
	cfg.turnTimeout = time.Duration(turnTimeoutMS) * time.Millisecond
	cfg.texts = splitTexts(textsRaw)
	if len(cfg.texts) == 0 {
		cfg.texts = append([]string(nil), defaultUtterances...)
	}
	return cfg, nil
}

func splitTexts(raw string) []string {
	var out []string
	for _, part := range strings.Split(raw, "|") {
		if t := strings.TrimSpace(part); t != "" {
			out = append(out, t)
		}
	}
	return out
}

func run(cfg options) error {
	ctx, cancel := context.WithTimeout(context.Background(), 8*time.Minute)
	defer cancel()

	if cfg.checkIssuer {
		start := time.Now()
		if err := createSession(ctx, &http.Client{Timeout: 30 * time.Second}, cfg); err != nil {
			return fmt.Errorf("create session: %w", err)
		}
		if cfg.verbose {
			fmt.Printf("perfrelay: credential issued in %s\n", time.Since(start).Round(time.Millisecond))
		}
	}

	var pcm []byte
	if cfg.audioFile != "" {
		data, err := os.ReadFile(cfg.audioFile)
		if err != nil {
			return fmt.Errorf("read audio file: %w", err)
		}
		var sampleRate int
		pcm, sampleRate, err = audio.DecodeWAVPCM16(data)
		if err != nil {
			return fmt.Errorf("decode audio file: %w", err)
		}
		if sampleRate != audio.RealtimeSampleRate {
			fmt.Fprintf(os.Stderr, "perfrelay: %s is %dHz, provider expects %dHz\n", cfg.audioFile, sampleRate, audio.RealtimeSampleRate)
		}
	}

	target, err := proxyURL(cfg.baseURL)
	if err != nil {
		return fmt.Errorf("build ws URL: %w", err)
	}
	conn, _, err := websocket.DefaultDialer.DialContext(ctx, target, nil)
	if err != nil {
		return fmt.Errorf("open websocket: %w", err)
	}
	defer conn.Close()

	if err := conn.WriteJSON(realtime.Descriptor{Model: cfg.model, Voice: cfg.voice, SystemPrompt: cfg.prompt}); err != nil {
		return fmt.Errorf("send descriptor: %w", err)
	}

	eventsCh := make(chan serverEvent, 256)
	readErrCh := make(chan error, 1)
	go readLoop(conn, eventsCh, readErrCh, cfg.verbose)

	window := observability.NewLatencyWindow(cfg.turns)
	var lastAudio []byte
	for i := 0; i < cfg.turns; i++ {
		text := cfg.texts[i%len(cfg.texts)]
		if cfg.verbose {
			fmt.Printf("perfrelay: turn %d/%d\n", i+1, cfg.turns)
		}
		if pcm != nil {
			err = sendAudioTurn(conn, pcm, cfg.chunkMS, cfg.realtime)
		} else {
			err = sendTextTurn(conn, text)
		}
		if err != nil {
			return fmt.Errorf("turn %d send: %w", i+1, err)
		}
		sent := time.Now()
		res, audioOut, err := awaitResponse(eventsCh, readErrCh, sent, cfg.turnTimeout)
		if err != nil {
			return fmt.Errorf("turn %d await response.done: %w", i+1, err)
		}
		lastAudio = audioOut
		window.Observe(stageFirstEvent, ms(res.firstEvent))
		if res.firstAudio > 0 {
			window.Observe(stageFirstAudio, ms(res.firstAudio))
		}
		window.Observe(stageResponseDone, ms(res.done))
		if cfg.interTurnDelay > 0 && i < cfg.turns-1 {
			time.Sleep(cfg.interTurnDelay)
		}
	}

	if cfg.saveAudio != "" && len(lastAudio) > 0 {
		if err := audio.WriteWAVPCM16LEFile(cfg.saveAudio, lastAudio, audio.RealtimeSampleRate); err != nil {
			return fmt.Errorf("save audio: %w", err)
		}
	}
	return printSummary(os.Stdout, window.Snapshot())
}

func ms(d time.Duration) float64 {
	return float64(d) / float64(time.Millisecond)
}

func createSession(ctx context.Context, client *http.Client, cfg options) error {
	body, err := json.Marshal(realtime.Descriptor{Model: cfg.model, Voice: cfg.voice})
	if err != nil {
		return err
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, cfg.baseURL+"/sessions", bytes.NewReader(body))
	if err != nil {
		return err
	}
	req.Header.Set("Content-Type", "application/json")
	resp, err := client.Do(req)
	if err != nil {
		return err
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		raw, _ := io.ReadAll(io.LimitReader(resp.Body, 4096))
		return fmt.Errorf("status %d: %s", resp.StatusCode, strings.TrimSpace(string(raw)))
	}
	var out struct {
		ClientSecret struct {
			Value string `json:"value"`
		} `json:"client_secret"`
	}
	if err := json.NewDecoder(resp.Body).Decode(&out); err != nil {
		return err
	}
	if out.ClientSecret.Value == "" {
		return fmt.Errorf("response carried no client secret")
	}
	return nil
}

func proxyURL(baseURL string) (string, error) {
	u, err := url.Parse(baseURL)
	if err != nil {
		return "", err
	}
	switch u.Scheme {
	case "http":
		u.Scheme = "ws"
	case "https":
		u.Scheme = "wss"
	case "ws", "wss":
	default:
		return "", fmt.Errorf("unsupported scheme %q", u.Scheme)
	}
	u.Path = strings.TrimRight(u.Path, "/") + "/proxy"
	return u.String(), nil
}

func readLoop(conn *websocket.Conn, out chan<- serverEvent, readErrCh chan<- error, verbose bool) {
	for {
		_, data, err := conn.ReadMessage()
		if err != nil {
			select {
			case readErrCh <- err:
			default:
			}
			return
		}
		var ev serverEvent
		if err := json.Unmarshal(data, &ev); err != nil {
			continue
		}
		if ev.Type == realtime.EventError && verbose && ev.Error != nil {
			fmt.Fprintf(os.Stderr, "perfrelay: error code=%s message=%s\n", ev.Error.Code, ev.Error.Message)
		}
		out <- ev
	}
}

func sendTextTurn(conn *websocket.Conn, text string) error {
	return conn.WriteJSON(map[string]any{
		"type": realtime.EventConversationItemCreate,
		"item": map[string]any{
			"type":    realtime.ItemMessage,
			"role":    "user",
			"content": []map[string]string{{"type": "input_text", "text": text}},
		},
	})
}

func sendAudioTurn(conn *websocket.Conn, pcm []byte, chunkMS int, pace float64) error {
	for _, chunk := range audio.ChunkPCM16(pcm, audio.RealtimeSampleRate, chunkMS) {
		msg := map[string]string{
			"type":  realtime.EventInputAudioBufferAppend,
			"audio": base64.StdEncoding.EncodeToString(chunk),
		}
		if err := conn.WriteJSON(msg); err != nil {
			return err
		}
		d := time.Duration(float64(time.Duration(len(chunk))*time.Second/time.Duration(audio.RealtimeSampleRate*2)) / pace)
		if d <= 0 {
			d = 10 * time.Millisecond
		}
		time.Sleep(d)
	}
	return conn.WriteJSON(map[string]string{"type": realtime.EventInputAudioBufferCommit})
}

// awaitResponse consumes events until response.done, collecting assistant audio.
func awaitResponse(events <-chan serverEvent, readErrCh <-chan error, sent time.Time, timeout time.Duration) (turnResult, []byte, error) {
	timer := time.NewTimer(timeout)
	defer timer.Stop()

	var (
		res turnResult
		pcm []byte
	)
	for {
		select {
		case ev := <-events:
			if res.firstEvent == 0 {
				res.firstEvent = time.Since(sent)
			}
			switch ev.Type {
			case realtime.EventResponseAudioDelta:
				if res.firstAudio == 0 {
					res.firstAudio = time.Since(sent)
				}
				if chunk, err := base64.StdEncoding.DecodeString(ev.Delta); err == nil {
					pcm = append(pcm, chunk...)
				}
			case realtime.EventResponseDone:
				res.done = time.Since(sent)
				return res, pcm, nil
			}
		case err := <-readErrCh:
			return res, nil, err
		case <-timer.C:
			return res, nil, fmt.Errorf("timeout after %s", timeout)
		}
	}
}

func printSummary(w io.Writer, snap observability.LatencySnapshot) error {
	for _, st := range snap.Stages {
		if _, err := fmt.Fprintf(w, "%-14s samples=%-3d p50=%7.1fms p95=%7.1fms avg=%7.1fms\n",
			st.Stage, st.Samples, st.P50MS, st.P95MS, st.AvgMS); err != nil {
			return err
		}
	}
	return nil
}
