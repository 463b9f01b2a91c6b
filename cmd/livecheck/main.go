package main

import (
	"context"
	"encoding/base64"
	"encoding/json"
	"errors"
	"flag"
	"fmt"
	"io"
	"os"
	"slices"
	"strings"
	"time"

	"github.com/gorilla/websocket"

	"github.com/ent0n29/livebridge/internal/audio"
	"github.com/ent0n29/livebridge/internal/protocol"
)

type options struct {
	url         string
	chatMode    string
	voice       string
	texts       []string
	audioPath   string
	chunkMS     int
	realtime    float64
	turnTimeout time.Duration
	settle      time.Duration
	outPath     string
	verbose     bool
}

type envelope struct {
	Type      protocol.MessageType `json:"type"`
	SessionID string               `json:"session_id"`
	Data      json.RawMessage      `json:"data"`
}

type turnInput struct {
	label string
	text  string
	pcm   []byte
	rate  int
}

type turnResult struct {
	Label         string
	FirstResponse time.Duration
	FirstKind     protocol.MessageType
	Text          string
	AudioBytes    int
}

type report struct {
	SessionID  string
	Turns      []turnResult
	Audio      []byte
	SampleRate int
}

var defaultTexts = []string{
	"Reply in three words: how are you?",
	"Reply in three words: what is latency?",
}

func main() {
	opts, err := parseFlags(os.Args[1:])
	if err != nil {
		fmt.Fprintf(os.Stderr, "livecheck: %v\n", err)
		os.Exit(2)
	}
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Minute)
	defer cancel()

	rep, err := run(ctx, opts, os.Stdout)
	if err != nil {
		fmt.Fprintf(os.Stderr, "livecheck: %v\n", err)
		os.Exit(1)
	}
	printSummary(os.Stdout, rep)
}

func parseFlags(args []string) (options, error) {
	fs := flag.NewFlagSet("livecheck", flag.ContinueOnError)
	var opts options
	var textsRaw string
	fs.StringVar(&opts.url, "url", "ws://127.0.0.1:8080/v1/live/ws", "live websocket endpoint")
	fs.StringVar(&opts.chatMode, "mode", "voice", "chat mode sent in connect (voice|screen|camera)")
	fs.StringVar(&opts.voice, "voice", "", "prebuilt voice name (server default when empty)")
	fs.StringVar(&textsRaw, "texts", "", "text turns separated by '|'")
	fs.StringVar(&opts.audioPath, "audio", "", "optional WAV file sent as a final audio turn")
	fs.IntVar(&opts.chunkMS, "chunk-ms", 40, "audio chunk size in milliseconds")
	fs.Float64Var(&opts.realtime, "realtime", 1.0, "audio pacing multiplier (1.0=realtime)")
	fs.DurationVar(&opts.turnTimeout, "turn-timeout", 15*time.Second, "max wait for the first response of a turn")
	fs.DurationVar(&opts.settle, "settle", 1500*time.Millisecond, "quiet period that ends a turn")
	fs.StringVar(&opts.outPath, "out", "", "write received audio to this WAV file")
	fs.BoolVar(&opts.verbose, "verbose", false, "print every received message")
	if err := fs.Parse(args); err != nil {
		return options{}, err
	}

	opts.url = strings.TrimSpace(opts.url)
	if !strings.HasPrefix(opts.url, "ws://") && !strings.HasPrefix(opts.url, "wss://") {
		return options{}, fmt.Errorf("url must start with ws:// or wss://")
	}
	if opts.chunkMS < 10 || opts.chunkMS > 2000 {
		return options{}, fmt.Errorf("chunk-ms must be in [10,2000]")
	}
	if opts.realtime <= 0 {
		return options{}, fmt.Errorf("realtime must be > 0")
	}
	if opts.turnTimeout < time.Second {
		opts.turnTimeout = time.Second
	}
	if opts.settle <= 0 {
		return options{}, fmt.Errorf("settle must be > 0")
	}
	for _, part := range strings.Split(textsRaw, "|") {
		if t := strings.TrimSpace(part); t != "" {
			opts.texts = append(opts.texts, t)
		}
	}
	if len(opts.texts) == 0 && opts.audioPath == "" {
		opts.texts = append([]string(nil), defaultTexts...)
	}
	return opts, nil
}

func loadTurns(opts options) ([]turnInput, error) {
	turns := make([]turnInput, 0, len(opts.texts)+1)
	for _, text := range opts.texts {
		turns = append(turns, turnInput{label: text, text: text})
	}
	if opts.audioPath != "" {
		data, err := os.ReadFile(opts.audioPath)
		if err != nil {
			return nil, fmt.Errorf("read audio: %w", err)
		}
		pcm, rate, err := audio.DecodeWAV(data)
		if err != nil {
			return nil, fmt.Errorf("decode %s: %w", opts.audioPath, err)
		}
		turns = append(turns, turnInput{
			label: fmt.Sprintf("audio %s (%s)", opts.audioPath, audio.Duration(len(pcm), rate)),
			pcm:   pcm,
			rate:  rate,
		})
	}
	return turns, nil
}

func run(ctx context.Context, opts options, out io.Writer) (report, error) {
	turns, err := loadTurns(opts)
	if err != nil {
		return report{}, err
	}

	conn, _, err := websocket.DefaultDialer.DialContext(ctx, opts.url, nil)
	if err != nil {
		return report{}, fmt.Errorf("open websocket: %w", err)
	}
	defer conn.Close()

	inbox := make(chan envelope, 1024)
	readErr := make(chan error, 1)
	go readLoop(conn, inbox, readErr)

	connect := map[string]any{"type": protocol.TypeConnect, "data": map[string]any{
		"chat_mode":  opts.chatMode,
		"voice_name": opts.voice,
	}}
	if err := conn.WriteJSON(connect); err != nil {
		return report{}, fmt.Errorf("send connect: %w", err)
	}
	start, err := await(ctx, inbox, readErr, opts.turnTimeout, protocol.TypeSessionStart)
	if err != nil {
		return report{}, fmt.Errorf("await session_start: %w", err)
	}
	rep := report{SessionID: start.SessionID}
	fmt.Fprintf(out, "livecheck: session=%s turns=%d\n", rep.SessionID, len(turns))

	for i, turn := range turns {
		began := time.Now()
		if err := sendTurn(conn, turn, opts); err != nil {
			return rep, fmt.Errorf("turn %d send: %w", i+1, err)
		}
		res, err := collectTurn(ctx, inbox, readErr, opts, began, &rep, out)
		if err != nil {
			return rep, fmt.Errorf("turn %d: %w", i+1, err)
		}
		res.Label = turn.label
		rep.Turns = append(rep.Turns, res)
	}

	_ = conn.WriteJSON(map[string]any{"type": protocol.TypeDisconnect})
	if _, err := await(ctx, inbox, readErr, 3*time.Second, protocol.TypeSessionEnd); err != nil && opts.verbose {
		fmt.Fprintf(out, "livecheck: no session_end: %v\n", err)
	}

	if opts.outPath != "" && len(rep.Audio) > 0 {
		if err := audio.WriteWAVFile(opts.outPath, rep.Audio, rep.SampleRate); err != nil {
			return rep, fmt.Errorf("write %s: %w", opts.outPath, err)
		}
		fmt.Fprintf(out, "livecheck: wrote %s (%s)\n", opts.outPath, audio.Duration(len(rep.Audio), rep.SampleRate))
	}
	return rep, nil
}

func readLoop(conn *websocket.Conn, inbox chan<- envelope, readErr chan<- error) {
	defer close(inbox)
	for {
		var env envelope
		if err := conn.ReadJSON(&env); err != nil {
			readErr <- err
			return
		}
		inbox <- env
	}
}

func await(ctx context.Context, inbox <-chan envelope, readErr <-chan error, timeout time.Duration, want protocol.MessageType) (envelope, error) {
	timer := time.NewTimer(timeout)
	defer timer.Stop()
	for {
		select {
		case env, ok := <-inbox:
			if !ok {
				return envelope{}, <-readErr
			}
			if env.Type == want {
				return env, nil
			}
			if env.Type == protocol.TypeError {
				return envelope{}, errorFrom(env)
			}
		case <-timer.C:
			return envelope{}, fmt.Errorf("timeout after %s", timeout)
		case <-ctx.Done():
			return envelope{}, ctx.Err()
		}
	}
}

func sendTurn(conn *websocket.Conn, turn turnInput, opts options) error {
	if turn.pcm == nil {
		return conn.WriteJSON(map[string]any{"type": protocol.TypeTextMessage, "data": map[string]any{"text": turn.text}})
	}
	for _, chunk := range audio.Chunk(turn.pcm, turn.rate, opts.chunkMS) {
		msg := map[string]any{"type": protocol.TypeAudioData, "data": map[string]any{
			"audio":       base64.StdEncoding.EncodeToString(chunk),
			"sample_rate": turn.rate,
		}}
		if err := conn.WriteJSON(msg); err != nil {
			return err
		}
		time.Sleep(time.Duration(float64(audio.Duration(len(chunk), turn.rate)) / opts.realtime))
	}
	return nil
}

// collectTurn waits for the first response, then reads until the stream has
// been quiet for opts.settle.
func collectTurn(ctx context.Context, inbox <-chan envelope, readErr <-chan error, opts options, began time.Time, rep *report, out io.Writer) (turnResult, error) {
	var res turnResult
	timer := time.NewTimer(opts.turnTimeout)
	defer timer.Stop()

	for {
		select {
		case env, ok := <-inbox:
			if !ok {
				return res, <-readErr
			}
			if opts.verbose {
				fmt.Fprintf(out, "livecheck: <- %s %s\n", env.Type, truncate(string(env.Data), 120))
			}
			switch env.Type {
			case protocol.TypeError:
				return res, errorFrom(env)
			case protocol.TypeSessionEnd:
				return res, errors.New("session ended by server")
			case protocol.TypeTextResponse, protocol.TypeOutputTranscription:
				var d protocol.TextData
				_ = json.Unmarshal(env.Data, &d)
				res.Text += d.Text
			case protocol.TypeAudioData:
				var d protocol.AudioOutData
				if err := json.Unmarshal(env.Data, &d); err != nil {
					return res, fmt.Errorf("decode audio_data: %w", err)
				}
				pcm, err := base64.StdEncoding.DecodeString(d.Audio)
				if err != nil {
					return res, fmt.Errorf("decode audio: %w", err)
				}
				res.AudioBytes += len(pcm)
				rep.Audio = append(rep.Audio, pcm...)
				rep.SampleRate = d.SampleRate
			default:
				continue
			}
			if res.FirstKind == "" {
				res.FirstKind = env.Type
				res.FirstResponse = time.Since(began)
			}
			timer.Reset(opts.settle)
		case <-timer.C:
			if res.FirstKind == "" {
				return res, fmt.Errorf("no response within %s", opts.turnTimeout)
			}
			return res, nil
		case <-ctx.Done():
			return res, ctx.Err()
		}
	}
}

func errorFrom(env envelope) error {
	var d protocol.ErrorData
	_ = json.Unmarshal(env.Data, &d)
	return fmt.Errorf("server error %s: %s", d.Code, d.Error)
}

func printSummary(out io.Writer, rep report) {
	latencies := make([]time.Duration, 0, len(rep.Turns))
	for i, t := range rep.Turns {
		fmt.Fprintf(out, "turn %d: first=%s via %s audio_bytes=%d text=%q input=%q\n",
			i+1, t.FirstResponse.Round(time.Millisecond), t.FirstKind, t.AudioBytes, truncate(t.Text, 60), truncate(t.Label, 40))
		latencies = append(latencies, t.FirstResponse)
	}
	if len(latencies) == 0 {
		return
	}
	slices.Sort(latencies)
	fmt.Fprintf(out, "first response: p50=%s max=%s over %d turns\n",
		latencies[len(latencies)/2].Round(time.Millisecond),
		latencies[len(latencies)-1].Round(time.Millisecond),
		len(latencies))
}

func truncate(s string, n int) string {
	if len(s) <= n {
		return s
	}
	return s[:n] + "..."
}
