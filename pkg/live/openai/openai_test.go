package openai_test

import (
	"context"
	"encoding/base64"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/coder/websocket"

	"github.com/daygrid/daygrid/pkg/live"
	"github.com/daygrid/daygrid/pkg/live/openai"
)

func wsURL(srv *httptest.Server) string {
	return "ws" + strings.TrimPrefix(srv.URL, "http")
}

// startRealtimeServer launches a test WebSocket server that plays the OpenAI
// Realtime side of the conversation. It sends session.created immediately
// after the connection is accepted, then hands control to handler.
func startRealtimeServer(t *testing.T, handler func(conn *websocket.Conn)) *httptest.Server {
	t.Helper()
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		conn, err := websocket.Accept(w, r, &websocket.AcceptOptions{
			InsecureSkipVerify: true,
		})
		if err != nil {
			return
		}
		defer conn.Close(websocket.StatusNormalClosure, "done")
		writeJSON(t, conn, map[string]any{"type": "session.created"})
		handler(conn)
	}))
	t.Cleanup(srv.Close)
	return srv
}

func readJSON(t *testing.T, conn *websocket.Conn, v any) {
	t.Helper()
	ctx, cancel := context.WithTimeout(context.Background(), 3*time.Second)
	defer cancel()
	_, data, err := conn.Read(ctx)
	if err != nil {
		t.Fatalf("readJSON: %v", err)
	}
	if err := json.Unmarshal(data, v); err != nil {
		t.Fatalf("readJSON unmarshal: %v", err)
	}
}

func writeJSON(t *testing.T, conn *websocket.Conn, v any) {
	t.Helper()
	ctx, cancel := context.WithTimeout(context.Background(), 3*time.Second)
	defer cancel()
	data, _ := json.Marshal(v)
	if err := conn.Write(ctx, websocket.MessageText, data); err != nil {
		t.Logf("writeJSON: %v (may be expected on close)", err)
	}
}

func connect(t *testing.T, srv *httptest.Server, cfg live.SessionConfig) live.SessionHandle {
	t.Helper()
	ctx, cancel := context.WithTimeout(context.Background(), 3*time.Second)
	defer cancel()
	p := openai.New("test-api-key", openai.WithBaseURL(wsURL(srv)))
	sess, err := p.Connect(ctx, cfg)
	if err != nil {
		t.Fatalf("Connect: %v", err)
	}
	t.Cleanup(func() { _ = sess.Close() })
	return sess
}

func waitEvent(t *testing.T, sess live.SessionHandle, kind live.EventKind) {
	t.Helper()
	deadline := time.After(3 * time.Second)
	for {
		select {
		case evt, ok := <-sess.Events():
			if !ok {
				t.Fatalf("event channel closed while waiting for %v", kind)
			}
			if evt.Kind == kind {
				return
			}
		case <-deadline:
			t.Fatalf("timed out waiting for event %v", kind)
		}
	}
}

func TestConnect_SendsSessionUpdate(t *testing.T) {
	t.Parallel()

	updateCh := make(chan map[string]any, 1)
	srv := startRealtimeServer(t, func(conn *websocket.Conn) {
		var msg struct {
			Type    string         `json:"type"`
			Session map[string]any `json:"session"`
		}
		readJSON(t, conn, &msg)
		if msg.Type != "session.update" {
			t.Errorf("first client message: got %q, want session.update", msg.Type)
		}
		updateCh <- msg.Session
		<-conn.CloseRead(context.Background()).Done()
	})

	sess := connect(t, srv, live.SessionConfig{
		Voice:        "alloy",
		Instructions: "You schedule things.",
		Tools: []live.ToolDeclaration{
			{Name: "createItem", Description: "Create an item."},
		},
	})
	waitEvent(t, sess, live.EventSetupComplete)

	session := <-updateCh
	if session["voice"] != "alloy" {
		t.Errorf("voice: got %v", session["voice"])
	}
	if session["instructions"] != "You schedule things." {
		t.Errorf("instructions: got %v", session["instructions"])
	}
	tools, ok := session["tools"].([]any)
	if !ok || len(tools) != 1 {
		t.Fatalf("tools: got %v", session["tools"])
	}
	tool := tools[0].(map[string]any)
	if tool["type"] != "function" || tool["name"] != "createItem" {
		t.Errorf("tool declaration: got %v", tool)
	}
}

func TestSendAudio_AppendsToInputBuffer(t *testing.T) {
	t.Parallel()

	audioCh := make(chan string, 1)
	srv := startRealtimeServer(t, func(conn *websocket.Conn) {
		var update map[string]any
		readJSON(t, conn, &update)

		var msg struct {
			Type  string `json:"type"`
			Audio string `json:"audio"`
		}
		readJSON(t, conn, &msg)
		if msg.Type != "input_audio_buffer.append" {
			t.Errorf("got message type %q", msg.Type)
		}
		audioCh <- msg.Audio
		<-conn.CloseRead(context.Background()).Done()
	})

	sess := connect(t, srv, live.SessionConfig{})
	waitEvent(t, sess, live.EventSetupComplete)

	pcm := []byte{1, 0, 2, 0}
	if err := sess.SendAudio(pcm); err != nil {
		t.Fatalf("SendAudio: %v", err)
	}
	if decoded, _ := base64.StdEncoding.DecodeString(<-audioCh); string(decoded) != string(pcm) {
		t.Error("audio payload corrupted in transit")
	}
}

func TestReceive_AudioSpeechAndTurnEvents(t *testing.T) {
	t.Parallel()

	pcm := []byte{10, 0, 20, 0}
	srv := startRealtimeServer(t, func(conn *websocket.Conn) {
		var update map[string]any
		readJSON(t, conn, &update)
		writeJSON(t, conn, map[string]any{"type": "input_audio_buffer.speech_started"})
		writeJSON(t, conn, map[string]any{"type": "input_audio_buffer.speech_stopped"})
		writeJSON(t, conn, map[string]any{
			"type":  "response.audio.delta",
			"delta": base64.StdEncoding.EncodeToString(pcm),
		})
		writeJSON(t, conn, map[string]any{"type": "response.done"})
		<-conn.CloseRead(context.Background()).Done()
	})

	sess := connect(t, srv, live.SessionConfig{})
	waitEvent(t, sess, live.EventSpeechStarted)
	waitEvent(t, sess, live.EventSpeechStopped)

	select {
	case chunk := <-sess.Audio():
		if string(chunk) != string(pcm) {
			t.Error("audio chunk corrupted")
		}
	case <-time.After(3 * time.Second):
		t.Fatal("no audio received")
	}
	waitEvent(t, sess, live.EventTurnComplete)
}

func TestReceive_FunctionCallForwardedRaw(t *testing.T) {
	t.Parallel()

	srv := startRealtimeServer(t, func(conn *websocket.Conn) {
		var update map[string]any
		readJSON(t, conn, &update)
		writeJSON(t, conn, map[string]any{
			"type":      "response.function_call_arguments.done",
			"call_id":   "call_7",
			"name":      "searchItems",
			"arguments": `{"query":"dentist"}`,
		})
		<-conn.CloseRead(context.Background()).Done()
	})

	sess := connect(t, srv, live.SessionConfig{})

	select {
	case raw := <-sess.ToolCalls():
		var payload struct {
			CallID    string `json:"call_id"`
			Name      string `json:"name"`
			Arguments string `json:"arguments"`
		}
		if err := json.Unmarshal(raw, &payload); err != nil {
			t.Fatalf("raw payload unmarshal: %v", err)
		}
		if payload.Name != "searchItems" || payload.CallID != "call_7" {
			t.Errorf("unexpected payload: %s", raw)
		}
	case <-time.After(3 * time.Second):
		t.Fatal("no tool call received")
	}
}

func TestSendToolResults_OutputItemThenNudge(t *testing.T) {
	t.Parallel()

	type received struct {
		itemType string
		callID   string
		output   string
		nudge    string
	}
	gotCh := make(chan received, 1)
	srv := startRealtimeServer(t, func(conn *websocket.Conn) {
		var update map[string]any
		readJSON(t, conn, &update)

		var item struct {
			Type string `json:"type"`
			Item struct {
				Type   string `json:"type"`
				CallID string `json:"call_id"`
				Output string `json:"output"`
			} `json:"item"`
		}
		readJSON(t, conn, &item)
		var nudge struct {
			Type string `json:"type"`
		}
		readJSON(t, conn, &nudge)
		gotCh <- received{item.Item.Type, item.Item.CallID, item.Item.Output, nudge.Type}
		<-conn.CloseRead(context.Background()).Done()
	})

	sess := connect(t, srv, live.SessionConfig{})
	waitEvent(t, sess, live.EventSetupComplete)

	err := sess.SendToolResults([]live.ToolResult{
		{ID: "call_7", Name: "searchItems", Response: map[string]any{"success": true}},
	})
	if err != nil {
		t.Fatalf("SendToolResults: %v", err)
	}

	got := <-gotCh
	if got.itemType != "function_call_output" || got.callID != "call_7" {
		t.Errorf("output item: got %+v", got)
	}
	var output map[string]any
	if err := json.Unmarshal([]byte(got.output), &output); err != nil {
		t.Fatalf("output payload: %v", err)
	}
	if output["success"] != true {
		t.Errorf("output body: got %v", output)
	}
	if got.nudge != "response.create" {
		t.Errorf("expected response.create after tool output, got %q", got.nudge)
	}
}

func TestReceive_TranscriptRoles(t *testing.T) {
	t.Parallel()

	srv := startRealtimeServer(t, func(conn *websocket.Conn) {
		var update map[string]any
		readJSON(t, conn, &update)
		writeJSON(t, conn, map[string]any{
			"type":  "response.audio_transcript.delta",
			"delta": "Sure, ",
		})
		writeJSON(t, conn, map[string]any{
			"type":       "conversation.item.input_audio_transcription.completed",
			"transcript": "add a dentist appointment",
		})
		<-conn.CloseRead(context.Background()).Done()
	})

	sess := connect(t, srv, live.SessionConfig{})

	seen := map[live.Role]string{}
	deadline := time.After(3 * time.Second)
	for len(seen) < 2 {
		select {
		case tr := <-sess.Transcripts():
			seen[tr.Role] = tr.Text
		case <-deadline:
			t.Fatalf("timed out; transcripts so far: %v", seen)
		}
	}
	if seen[live.RoleAssistant] != "Sure, " {
		t.Errorf("assistant transcript: got %q", seen[live.RoleAssistant])
	}
	if seen[live.RoleUser] != "add a dentist appointment" {
		t.Errorf("user transcript: got %q", seen[live.RoleUser])
	}
}

func TestClose_Idempotent(t *testing.T) {
	t.Parallel()

	srv := startRealtimeServer(t, func(conn *websocket.Conn) {
		<-conn.CloseRead(context.Background()).Done()
	})

	sess := connect(t, srv, live.SessionConfig{})
	if err := sess.Close(); err != nil {
		t.Fatalf("first Close: %v", err)
	}
	if err := sess.Close(); err != nil {
		t.Fatalf("second Close: %v", err)
	}
	if err := sess.SendAudio([]byte{0, 0}); err == nil {
		t.Error("SendAudio after Close should fail")
	}
}
