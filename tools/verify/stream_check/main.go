// Command stream_check dials a running relay end to end: it verifies
// that unauthenticated dials are rejected, pairs a device with a
// one-time pairing token, subscribes to a session, submits a prompt,
// and confirms that events arrive in strictly increasing seq order.
package main

import (
	"bytes"
	"context"
	"encoding/json"
	"flag"
	"fmt"
	"net/http"
	"os"
	"strings"
	"time"

	"github.com/coder/websocket"
	"github.com/coder/websocket/wsjson"
)

type command struct {
	Type         string `json:"type"`
	RequestID    string `json:"requestId,omitempty"`
	SessionID    string `json:"sessionId,omitempty"`
	SinceSeq     int64  `json:"sinceSeq,omitempty"`
	Message      string `json:"message,omitempty"`
	ClientTurnID string `json:"clientTurnId,omitempty"`
}

type frame struct {
	Type      string          `json:"type"`
	RequestID string          `json:"requestId,omitempty"`
	SessionID string          `json:"sessionId,omitempty"`
	Result    json.RawMessage `json:"result,omitempty"`
	Code      int             `json:"code,omitempty"`
	Message   string          `json:"message,omitempty"`
	Event     json.RawMessage `json:"event,omitempty"`
	LatestSeq int64           `json:"latestSeq,omitempty"`
}

func fail(format string, args ...any) {
	fmt.Fprintf(os.Stderr, format+"\n", args...)
	os.Exit(1)
}

func main() {
	base := flag.String("url", "http://127.0.0.1:18790", "relay base URL")
	pairingToken := flag.String("pairing-token", "", "one-time pairing token from 'clawlink pair new'")
	session := flag.String("session", "stream-check", "session id to exercise")
	timeout := flag.Duration("timeout", 10*time.Second, "overall timeout")
	flag.Parse()

	if strings.TrimSpace(*pairingToken) == "" {
		fmt.Fprintln(os.Stderr, "pairing-token is required")
		os.Exit(2)
	}

	ctx, cancel := context.WithTimeout(context.Background(), *timeout)
	defer cancel()

	wsURL := "ws" + strings.TrimPrefix(*base, "http") + "/stream"

	_, unauthResp, unauthErr := websocket.Dial(ctx, wsURL, nil)
	if unauthErr == nil {
		fail("expected missing-auth dial to fail but it succeeded")
	}
	if unauthResp == nil || unauthResp.StatusCode != http.StatusUnauthorized {
		fail("expected 401 for missing auth, got response=%v err=%v", unauthResp, unauthErr)
	}
	fmt.Printf("AUTH_CHECK missing token rejected status=%d\n", unauthResp.StatusCode)

	deviceToken := pair(ctx, *base, *pairingToken)
	fmt.Println("PAIR_CHECK device paired")

	conn, _, err := websocket.Dial(ctx, wsURL, &websocket.DialOptions{
		HTTPHeader: http.Header{"Authorization": []string{"Bearer " + deviceToken}},
	})
	if err != nil {
		fail("authorized dial failed: %v", err)
	}
	defer conn.Close(websocket.StatusNormalClosure, "done")

	var hello frame
	if err := wsjson.Read(ctx, conn, &hello); err != nil {
		fail("read hello: %v", err)
	}
	if hello.Type != "stream_connected" {
		fail("expected stream_connected hello, got %q", hello.Type)
	}
	fmt.Println("HANDSHAKE_CHECK stream_connected received")

	send := func(cmd command) {
		if err := wsjson.Write(ctx, conn, cmd); err != nil {
			fail("write %s: %v", cmd.Type, err)
		}
	}

	send(command{Type: "subscribe", RequestID: "sc-sub", SessionID: *session})
	send(command{Type: "prompt", RequestID: "sc-prompt", SessionID: *session,
		Message: "stream check ping", ClientTurnID: "sc-turn-1"})

	var (
		lastSeq   int64
		gotAck    bool
		gotStart  bool
		gotEnd    bool
		eventSeen int
	)
	for !gotEnd {
		var fr frame
		if err := wsjson.Read(ctx, conn, &fr); err != nil {
			fail("read frame: %v", err)
		}
		switch fr.Type {
		case "rpc_error":
			fail("rpc_error code=%d message=%s", fr.Code, fr.Message)
		case "rpc_result":
			continue
		case "desync":
			fail("unexpected desync at latestSeq=%d", fr.LatestSeq)
		case "event":
			var ev struct {
				Seq  int64  `json:"seq"`
				Type string `json:"type"`
			}
			if err := json.Unmarshal(fr.Event, &ev); err != nil {
				fail("decode event: %v", err)
			}
			if ev.Seq <= lastSeq {
				fail("seq went backwards: %d after %d", ev.Seq, lastSeq)
			}
			lastSeq = ev.Seq
			eventSeen++
			switch ev.Type {
			case "turn_ack":
				gotAck = true
			case "agent_start":
				gotStart = true
			case "agent_end":
				gotEnd = true
			}
		}
	}
	if !gotAck || !gotStart {
		fail("incomplete turn: ack=%v start=%v", gotAck, gotStart)
	}
	fmt.Printf("STREAM_CHECK %d events, seq monotonic through %d\n", eventSeen, lastSeq)
	fmt.Println("OK")
}

func pair(ctx context.Context, base, pairingToken string) string {
	body, _ := json.Marshal(map[string]string{
		"pairingToken": pairingToken,
		"deviceName":   "stream-check",
	})
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, base+"/pair", bytes.NewReader(body))
	if err != nil {
		fail("build pair request: %v", err)
	}
	req.Header.Set("Content-Type", "application/json")
	resp, err := http.DefaultClient.Do(req)
	if err != nil {
		fail("pair request: %v", err)
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		fail("pair status=%d", resp.StatusCode)
	}
	var out struct {
		DeviceToken string `json:"deviceToken"`
	}
	if err := json.NewDecoder(resp.Body).Decode(&out); err != nil {
		fail("decode pair response: %v", err)
	}
	if out.DeviceToken == "" {
		fail("pair response missing deviceToken")
	}
	return out.DeviceToken
}
