package gemini_test

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/coder/websocket"

	"github.com/MrWong99/bloomzen/pkg/audio"
	"github.com/MrWong99/bloomzen/pkg/provider/s2s"
	"github.com/MrWong99/bloomzen/pkg/provider/s2s/gemini"
)

// ── Helpers ───────────────────────────────────────────────────────────────────

// wsURL converts an httptest server HTTP URL to a WebSocket URL.
func wsURL(srv *httptest.Server) string {
	return "ws" + strings.TrimPrefix(srv.URL, "http")
}

// startGeminiServer launches a test WebSocket server. The handler function
// receives the accepted *websocket.Conn. The server is automatically closed
// when the test finishes.
func startGeminiServer(t *testing.T, handler func(conn *websocket.Conn, r *http.Request)) *httptest.Server {
	t.Helper()
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		conn, err := websocket.Accept(w, r, &websocket.AcceptOptions{
			InsecureSkipVerify: true,
		})
		if err != nil {
			return
		}
		defer conn.Close(websocket.StatusNormalClosure, "done")
		handler(conn, r)
	}))
	t.Cleanup(srv.Close)
	return srv
}

// readJSON reads one WebSocket frame and decodes it into v.
func readJSON(t *testing.T, conn *websocket.Conn, v any) {
	t.Helper()
	ctx, cancel := context.WithTimeout(context.Background(), 3*time.Second)
	defer cancel()
	_, data, err := conn.Read(ctx)
	if err != nil {
		t.Errorf("readJSON: %v", err)
		return
	}
	if err := json.Unmarshal(data, v); err != nil {
		t.Errorf("readJSON unmarshal: %v", err)
	}
}

// writeJSON marshals v and sends it as a text frame.
func writeJSON(t *testing.T, conn *websocket.Conn, v any) {
	t.Helper()
	ctx, cancel := context.WithTimeout(context.Background(), 3*time.Second)
	defer cancel()
	data, _ := json.Marshal(v)
	if err := conn.Write(ctx, websocket.MessageText, data); err != nil {
		t.Logf("writeJSON: %v (may be expected on close)", err)
	}
}

// acceptSetup consumes the setup message and acknowledges it.
func acceptSetup(t *testing.T, conn *websocket.Conn) map[string]any {
	t.Helper()
	var msg map[string]any
	readJSON(t, conn, &msg)
	writeJSON(t, conn, map[string]any{"setupComplete": map[string]any{}})
	return msg
}

// newProvider creates a Provider pointing at the given test server.
func newProvider(srv *httptest.Server) *gemini.Provider {
	return gemini.New("test-api-key", gemini.WithBaseURL(wsURL(srv)))
}

// nextEvent waits for one event from h.
func nextEvent(t *testing.T, h s2s.SessionHandle) (s2s.Event, bool) {
	t.Helper()
	select {
	case ev, ok := <-h.Events():
		return ev, ok
	case <-time.After(3 * time.Second):
		t.Fatal("timeout waiting for event")
		return s2s.Event{}, false
	}
}

// drainUntilTerminal reads events until a terminal one and checks the channel
// is closed afterwards.
func drainUntilTerminal(t *testing.T, h s2s.SessionHandle) s2s.Event {
	t.Helper()
	for {
		ev, ok := nextEvent(t, h)
		if !ok {
			t.Fatal("channel closed without a terminal event")
		}
		if ev.Type.Terminal() {
			if _, ok := nextEvent(t, h); ok {
				t.Error("channel not closed after terminal event")
			}
			return ev
		}
	}
}

// ── Setup ─────────────────────────────────────────────────────────────────────

func TestConnect_SendsSetup(t *testing.T) {
	t.Parallel()

	setupCh := make(chan map[string]any, 1)
	keyCh := make(chan string, 1)
	srv := startGeminiServer(t, func(conn *websocket.Conn, r *http.Request) {
		keyCh <- r.URL.Query().Get("key")
		setupCh <- acceptSetup(t, conn)
		<-conn.CloseRead(context.Background()).Done()
	})

	handle, err := newProvider(srv).Connect(context.Background(), s2s.SessionConfig{
		Voice:        "Kore",
		Instructions: "Speak very calmly.",
		Transcribe:   true,
	})
	if err != nil {
		t.Fatalf("Connect: %v", err)
	}
	defer handle.Close()

	if got := <-keyCh; got != "test-api-key" {
		t.Errorf("key = %q", got)
	}

	setup := (<-setupCh)["setup"].(map[string]any)
	if got, want := setup["model"], "models/"+gemini.DefaultModel; got != want {
		t.Errorf("model = %v, want %v", got, want)
	}
	gen := setup["generationConfig"].(map[string]any)
	if mods := gen["responseModalities"].([]any); len(mods) != 1 || mods[0] != "AUDIO" {
		t.Errorf("responseModalities = %v, want [AUDIO]", mods)
	}
	voice := gen["speechConfig"].(map[string]any)["voiceConfig"].(map[string]any)["prebuiltVoiceConfig"].(map[string]any)["voiceName"]
	if voice != "Kore" {
		t.Errorf("voiceName = %v, want Kore", voice)
	}
	parts := setup["systemInstruction"].(map[string]any)["parts"].([]any)
	if text := parts[0].(map[string]any)["text"]; text != "Speak very calmly." {
		t.Errorf("system instruction = %v", text)
	}
	if _, ok := setup["inputAudioTranscription"]; !ok {
		t.Error("inputAudioTranscription missing")
	}
	if _, ok := setup["outputAudioTranscription"]; !ok {
		t.Error("outputAudioTranscription missing")
	}
}

func TestConnect_ModelOverrides(t *testing.T) {
	t.Parallel()

	tests := []struct {
		name string
		opts []gemini.Option
		cfg  s2s.SessionConfig
		want string
	}{
		{name: "provider option", opts: []gemini.Option{gemini.WithModel("custom-model")}, want: "models/custom-model"},
		{name: "session config wins", opts: []gemini.Option{gemini.WithModel("custom-model")}, cfg: s2s.SessionConfig{Model: "models/other"}, want: "models/other"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			t.Parallel()
			modelCh := make(chan any, 1)
			srv := startGeminiServer(t, func(conn *websocket.Conn, _ *http.Request) {
				modelCh <- acceptSetup(t, conn)["setup"].(map[string]any)["model"]
				<-conn.CloseRead(context.Background()).Done()
			})
			opts := append([]gemini.Option{gemini.WithBaseURL(wsURL(srv))}, tt.opts...)
			handle, err := gemini.New("key", opts...).Connect(context.Background(), tt.cfg)
			if err != nil {
				t.Fatalf("Connect: %v", err)
			}
			defer handle.Close()
			if got := <-modelCh; got != tt.want {
				t.Errorf("model = %v, want %v", got, tt.want)
			}
		})
	}
}

func TestConnect_WaitsForSetupComplete(t *testing.T) {
	t.Parallel()

	const delay = 100 * time.Millisecond
	srv := startGeminiServer(t, func(conn *websocket.Conn, _ *http.Request) {
		var setup map[string]any
		readJSON(t, conn, &setup)
		time.Sleep(delay)
		writeJSON(t, conn, map[string]any{"setupComplete": map[string]any{}})
		<-conn.CloseRead(context.Background()).Done()
	})

	start := time.Now()
	handle, err := newProvider(srv).Connect(context.Background(), s2s.SessionConfig{})
	if err != nil {
		t.Fatalf("Connect: %v", err)
	}
	defer handle.Close()
	if elapsed := time.Since(start); elapsed < delay {
		t.Errorf("Connect returned after %v, before setupComplete", elapsed)
	}

	ev, _ := nextEvent(t, handle)
	if ev.Type != s2s.EventOpen {
		t.Errorf("first event = %s, want open", ev.Type)
	}
}

func TestConnect_SetupRejected(t *testing.T) {
	t.Parallel()

	srv := startGeminiServer(t, func(conn *websocket.Conn, _ *http.Request) {
		var setup map[string]any
		readJSON(t, conn, &setup)
		writeJSON(t, conn, map[string]any{
			"error": map[string]any{"code": 403, "message": "API key not valid", "status": "PERMISSION_DENIED"},
		})
	})

	_, err := newProvider(srv).Connect(context.Background(), s2s.SessionConfig{})
	if err == nil {
		t.Fatal("expected error")
	}
	if !strings.Contains(err.Error(), "API key not valid") {
		t.Errorf("err = %v, want server message", err)
	}
}

func TestConnect_Timeout(t *testing.T) {
	t.Parallel()

	srv := startGeminiServer(t, func(conn *websocket.Conn, _ *http.Request) {
		<-conn.CloseRead(context.Background()).Done()
	})

	ctx, cancel := context.WithTimeout(context.Background(), 100*time.Millisecond)
	defer cancel()
	if _, err := newProvider(srv).Connect(ctx, s2s.SessionConfig{}); err == nil {
		t.Fatal("expected error when setupComplete never arrives")
	}
}

func TestConnect_DialFailure(t *testing.T) {
	t.Parallel()
	p := gemini.New("key", gemini.WithBaseURL("ws://127.0.0.1:1"))
	if _, err := p.Connect(context.Background(), s2s.SessionConfig{}); err == nil {
		t.Fatal("expected dial error")
	}
}

// ── Audio in / events out ─────────────────────────────────────────────────────

func TestSendAudio_WireFormat(t *testing.T) {
	t.Parallel()

	got := make(chan map[string]any, 1)
	srv := startGeminiServer(t, func(conn *websocket.Conn, _ *http.Request) {
		acceptSetup(t, conn)
		var msg map[string]any
		readJSON(t, conn, &msg)
		got <- msg
		<-conn.CloseRead(context.Background()).Done()
	})

	handle, err := newProvider(srv).Connect(context.Background(), s2s.SessionConfig{})
	if err != nil {
		t.Fatalf("Connect: %v", err)
	}
	defer handle.Close()

	chunk := audio.EncodeChunk(audio.AudioFrame{Data: []byte{1, 0, 2, 0}, SampleRate: 16000, Channels: 1})
	if err := handle.SendAudio(chunk); err != nil {
		t.Fatalf("SendAudio: %v", err)
	}

	select {
	case msg := <-got:
		chunks := msg["realtimeInput"].(map[string]any)["mediaChunks"].([]any)
		c := chunks[0].(map[string]any)
		if c["mimeType"] != "audio/pcm;rate=16000" {
			t.Errorf("mimeType = %v", c["mimeType"])
		}
		if c["data"] != chunk.Data {
			t.Errorf("data = %v, want %v", c["data"], chunk.Data)
		}
	case <-time.After(3 * time.Second):
		t.Fatal("timeout waiting for realtimeInput")
	}
}

func TestEvents_ServerContent(t *testing.T) {
	t.Parallel()

	srv := startGeminiServer(t, func(conn *websocket.Conn, _ *http.Request) {
		acceptSetup(t, conn)
		writeJSON(t, conn, map[string]any{
			"serverContent": map[string]any{
				"modelTurn": map[string]any{"parts": []any{
					map[string]any{"inlineData": map[string]any{"mimeType": "audio/pcm;rate=24000", "data": "AAA="}},
					map[string]any{"inlineData": map[string]any{"mimeType": "audio/pcm;rate=24000", "data": "AQA="}},
				}},
				"interrupted": true,
			},
		})
		writeJSON(t, conn, map[string]any{
			"serverContent": map[string]any{
				"inputTranscription":  map[string]any{"text": "I feel anxious"},
				"outputTranscription": map[string]any{"text": "Let's breathe"},
				"turnComplete":        true,
			},
		})
		// Empty content produces no event.
		writeJSON(t, conn, map[string]any{"serverContent": map[string]any{}})
		conn.Close(websocket.StatusNormalClosure, "bye")
	})

	handle, err := newProvider(srv).Connect(context.Background(), s2s.SessionConfig{})
	if err != nil {
		t.Fatalf("Connect: %v", err)
	}
	defer handle.Close()

	if ev, _ := nextEvent(t, handle); ev.Type != s2s.EventOpen {
		t.Fatalf("first event = %s, want open", ev.Type)
	}

	ev, _ := nextEvent(t, handle)
	if ev.Type != s2s.EventMessage {
		t.Fatalf("event = %s, want message", ev.Type)
	}
	m := ev.Message
	if len(m.Audio) != 2 || m.Audio[0].Data != "AAA=" || m.Audio[1].Data != "AQA=" {
		t.Errorf("audio = %+v", m.Audio)
	}
	if !m.Interrupted {
		t.Error("Interrupted = false")
	}

	ev, _ = nextEvent(t, handle)
	if ev.Type != s2s.EventMessage {
		t.Fatalf("event = %s, want message", ev.Type)
	}
	if ev.Message.InputTranscript != "I feel anxious" || ev.Message.OutputTranscript != "Let's breathe" || !ev.Message.TurnComplete {
		t.Errorf("message = %+v", ev.Message)
	}

	term := drainUntilTerminal(t, handle)
	if term.Type != s2s.EventClose {
		t.Errorf("terminal = %s (%v), want close", term.Type, term.Err)
	}
}

func TestEvents_TerminalErrors(t *testing.T) {
	t.Parallel()

	tests := []struct {
		name   string
		server func(t *testing.T, conn *websocket.Conn)
	}{
		{
			name: "server error frame",
			server: func(t *testing.T, conn *websocket.Conn) {
				writeJSON(t, conn, map[string]any{"error": map[string]any{"code": 500, "message": "internal"}})
				<-conn.CloseRead(context.Background()).Done()
			},
		},
		{
			name: "go away",
			server: func(t *testing.T, conn *websocket.Conn) {
				writeJSON(t, conn, map[string]any{"goAway": map[string]any{"timeLeft": "5s"}})
				<-conn.CloseRead(context.Background()).Done()
			},
		},
		{
			name: "abnormal close",
			server: func(t *testing.T, conn *websocket.Conn) {
				conn.Close(websocket.StatusInternalError, "boom")
			},
		},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			t.Parallel()
			srv := startGeminiServer(t, func(conn *websocket.Conn, _ *http.Request) {
				acceptSetup(t, conn)
				tt.server(t, conn)
			})
			handle, err := newProvider(srv).Connect(context.Background(), s2s.SessionConfig{})
			if err != nil {
				t.Fatalf("Connect: %v", err)
			}
			defer handle.Close()

			term := drainUntilTerminal(t, handle)
			if term.Type != s2s.EventError || term.Err == nil {
				t.Fatalf("terminal = %s (%v), want error", term.Type, term.Err)
			}
			if err := handle.SendAudio(audio.EncodedChunk{Data: "AAA="}); !errors.Is(err, s2s.ErrSessionClosed) {
				t.Errorf("SendAudio after error: %v, want ErrSessionClosed", err)
			}
		})
	}
}

func TestClose_Idempotent(t *testing.T) {
	t.Parallel()

	srv := startGeminiServer(t, func(conn *websocket.Conn, _ *http.Request) {
		acceptSetup(t, conn)
		<-conn.CloseRead(context.Background()).Done()
	})
	handle, err := newProvider(srv).Connect(context.Background(), s2s.SessionConfig{})
	if err != nil {
		t.Fatalf("Connect: %v", err)
	}

	for i := range 3 {
		if err := handle.Close(); err != nil {
			t.Fatalf("Close #%d: %v", i+1, err)
		}
	}
	if err := handle.SendAudio(audio.EncodedChunk{Data: "AAA="}); !errors.Is(err, s2s.ErrSessionClosed) {
		t.Errorf("SendAudio after Close: %v, want ErrSessionClosed", err)
	}

	// The stream still terminates and closes.
	for {
		select {
		case ev, ok := <-handle.Events():
			if !ok {
				return
			}
			if ev.Type == s2s.EventError {
				t.Errorf("unexpected error event after local close: %v", ev.Err)
			}
		case <-time.After(3 * time.Second):
			t.Fatal("event channel not closed after Close")
		}
	}
}

func TestCapabilities(t *testing.T) {
	t.Parallel()
	caps := gemini.New("key").Capabilities()
	if caps.MaxSessionDuration != 15*time.Minute {
		t.Errorf("MaxSessionDuration = %v", caps.MaxSessionDuration)
	}
	if caps.InputFormat != audio.CaptureFormat || caps.OutputFormat != audio.PlaybackFormat {
		t.Errorf("formats = %s / %s", caps.InputFormat, caps.OutputFormat)
	}
	found := false
	for _, v := range caps.Voices {
		if v.ID == "Kore" {
			found = true
		}
	}
	if !found {
		t.Error("Kore not among voices")
	}
}
