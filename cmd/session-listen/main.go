// Command session-listen is a terminal client for the live session endpoint.
// It streams a guided session over the websocket, plays the audio through
// ffplay, prints captions as they arrive, and maps stdin commands onto the
// session protocol (pause / resume / end).
package main

import (
	"bufio"
	"encoding/json"
	"flag"
	"fmt"
	"net/http"
	"net/url"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/gorilla/websocket"

	"github.com/tskjelde-bit/wellness-app-sub000/internal/dotenv"
	"github.com/tskjelde-bit/wellness-app-sub000/pkg/gateway/live/protocol"
	"github.com/tskjelde-bit/wellness-app-sub000/pkg/playback"
)

type options struct {
	gateway    string
	apiKey     string
	prompt     string
	length     int
	resume     string
	ffplayPath string
	noSpeaker  bool
	volume     int
	debug      bool
}

func main() {
	os.Exit(runMain())
}

func runMain() int {
	_ = dotenv.LoadFile(".env")

	var opt options
	flag.StringVar(&opt.gateway, "gateway", "", "Gateway base URL (http(s)://host:port or ws(s)://...); required")
	flag.StringVar(&opt.apiKey, "api-key", strings.TrimSpace(os.Getenv("WELLNESS_API_KEY")), "Gateway API key (also reads WELLNESS_API_KEY)")
	flag.StringVar(&opt.prompt, "prompt", "", "Session focus, e.g. \"sleep\" or \"stress before a talk\"")
	flag.IntVar(&opt.length, "length", 0, "Session length in minutes (10, 15, 20, 30; 0 uses the server default)")
	flag.StringVar(&opt.resume, "resume", "", "Resume a checkpointed session id instead of starting fresh")
	flag.StringVar(&opt.ffplayPath, "ffplay-path", "ffplay", "Path to ffplay executable")
	flag.BoolVar(&opt.noSpeaker, "no-speaker", false, "Do not spawn ffplay; captions only")
	flag.IntVar(&opt.volume, "volume", 80, "ffplay startup volume, 0-100")
	flag.BoolVar(&opt.debug, "debug", false, "Log every received frame type")
	flag.Parse()

	if strings.TrimSpace(opt.gateway) == "" {
		fmt.Fprintln(os.Stderr, "session-listen: --gateway is required")
		return 2
	}

	if err := run(opt); err != nil {
		fmt.Fprintln(os.Stderr, "session-listen:", err)
		return 1
	}
	return 0
}

func run(opt options) error {
	wsURL, err := liveURL(opt.gateway)
	if err != nil {
		return err
	}

	header := http.Header{}
	if opt.apiKey != "" {
		header.Set("Authorization", "Bearer "+opt.apiKey)
	}

	conn, resp, err := websocket.DefaultDialer.Dial(wsURL, header)
	if err != nil {
		if resp != nil {
			return fmt.Errorf("dial %s: %w (status %d)", wsURL, err, resp.StatusCode)
		}
		return fmt.Errorf("dial %s: %w", wsURL, err)
	}
	defer conn.Close()

	var sink playback.Sink
	if opt.noSpeaker {
		sink = nullSink{}
	} else {
		speaker, err := newFFPlaySink(opt.ffplayPath, playback.DefaultSampleRate, opt.volume)
		if err != nil {
			return fmt.Errorf("start speaker: %w", err)
		}
		sink = speaker
	}

	queue, err := playback.New(playback.Config{Sink: sink})
	if err != nil {
		return fmt.Errorf("build playback queue: %w", err)
	}
	defer queue.Stop()

	start := protocol.ClientStartSession{
		Type:            "start_session",
		Prompt:          opt.prompt,
		SessionLength:   opt.length,
		ResumeSessionID: opt.resume,
	}
	if err := conn.WriteJSON(start); err != nil {
		return fmt.Errorf("send start_session: %w", err)
	}

	done := make(chan error, 1)
	go readLoop(conn, queue, opt.debug, done)
	go commandLoop(conn, queue)

	err = <-done
	// Give the tail of the audio a moment to drain before tearing down.
	time.Sleep(200 * time.Millisecond)
	return err
}

// liveURL turns a base gateway URL into the websocket endpoint URL.
func liveURL(base string) (string, error) {
	u, err := url.Parse(strings.TrimSpace(base))
	if err != nil {
		return "", fmt.Errorf("parse gateway url: %w", err)
	}
	switch u.Scheme {
	case "http":
		u.Scheme = "ws"
	case "https":
		u.Scheme = "wss"
	case "ws", "wss":
	default:
		return "", fmt.Errorf("unsupported gateway scheme %q", u.Scheme)
	}
	u.Path = strings.TrimRight(u.Path, "/") + "/v1/live"
	return u.String(), nil
}

func readLoop(conn *websocket.Conn, queue *playback.Queue, debug bool, done chan<- error) {
	caption := ""
	for {
		msgType, data, err := conn.ReadMessage()
		if err != nil {
			if websocket.IsCloseError(err, websocket.CloseNormalClosure, websocket.CloseGoingAway) {
				done <- nil
				return
			}
			done <- fmt.Errorf("read: %w", err)
			return
		}

		if msgType == websocket.BinaryMessage {
			if err := queue.Enqueue(data, caption); err != nil {
				done <- err
				return
			}
			continue
		}

		var envelope struct {
			Type string `json:"type"`
		}
		if err := json.Unmarshal(data, &envelope); err != nil {
			continue
		}
		if debug {
			fmt.Fprintf(os.Stderr, "[frame] %s\n", envelope.Type)
		}

		switch envelope.Type {
		case "session_start":
			var msg protocol.ServerSessionStart
			if json.Unmarshal(data, &msg) == nil {
				fmt.Printf("session %s\n\n", msg.SessionID)
			}
		case "text":
			var msg protocol.ServerText
			if json.Unmarshal(data, &msg) == nil {
				caption = msg.Data
				fmt.Printf("  %s\n", msg.Data)
			}
		case "phase_start":
			var msg protocol.ServerPhaseStart
			if json.Unmarshal(data, &msg) == nil {
				fmt.Printf("\n-- %s --\n", msg.Phase)
			}
		case "phase_transition":
			// The next phase_start prints the heading.
		case "sentence_end":
		case "error":
			var msg protocol.ServerError
			if json.Unmarshal(data, &msg) == nil {
				fmt.Fprintf(os.Stderr, "server error: %s\n", msg.Message)
			}
		case "session_end":
			fmt.Println("\nsession complete")
			done <- nil
			return
		}
	}
}

// commandLoop maps stdin lines onto protocol frames and local playback state.
func commandLoop(conn *websocket.Conn, queue *playback.Queue) {
	scanner := bufio.NewScanner(os.Stdin)
	for scanner.Scan() {
		fields := strings.Fields(strings.ToLower(scanner.Text()))
		if len(fields) == 0 {
			continue
		}
		switch fields[0] {
		case "pause", "p":
			queue.Pause()
			_ = conn.WriteJSON(protocol.ClientPause{Type: "pause"})
		case "resume", "r":
			queue.Resume()
			_ = conn.WriteJSON(protocol.ClientResume{Type: "resume"})
		case "end", "q", "quit":
			_ = conn.WriteJSON(protocol.ClientEnd{Type: "end"})
			return
		case "voice":
			if level, ok := parseLevel(fields); ok {
				queue.SetVoiceGain(level)
			}
		case "ambient":
			if level, ok := parseLevel(fields); ok {
				queue.SetAmbientGain(level)
			}
		default:
			fmt.Fprintln(os.Stderr, "commands: pause, resume, end, voice <0..1>, ambient <0..1>")
		}
	}
}

func parseLevel(fields []string) (float64, bool) {
	if len(fields) < 2 {
		return 0, false
	}
	level, err := strconv.ParseFloat(fields[1], 64)
	if err != nil || level < 0 || level > 2 {
		return 0, false
	}
	return level, true
}
