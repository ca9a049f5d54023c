package main

import (
	"bytes"
	"encoding/json"
	"flag"
	"fmt"
	"log"
	"net/http"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/gorilla/websocket"
)

// Every virtual user registers and logs in from this machine, so start the
// server with AUTH_ATTEMPTS well above 4*pairs or logins will get 429s.
var (
	baseURL  = flag.String("url", "http://localhost:3000", "server base URL")
	pairs    = flag.Int("pairs", 50, "number of user pairs") // ⚠️ Start small. Database might choke on 1000 immediately.
	msgCount = flag.Int("msgs", 10, "room messages per user")
	// The server mutes a connection after 3 sends inside 5 seconds.
	sendEvery = flag.Duration("every", 2*time.Second, "delay between sends per user")
)

type AuthResponse struct {
	Token    string `json:"access_token"`
	ID       int    `json:"id"`
	Username string `json:"username"`
}

type envelope struct {
	Type string          `json:"type"`
	Data json.RawMessage `json:"data"`
}

var (
	sent     atomic.Int64
	received atomic.Int64
	rejected atomic.Int64
)

func main() {
	flag.Parse()
	log.Printf("🔥 STARTING STRESS TEST: %d Users, %d Messages each...", *pairs*2, *msgCount)
	start := time.Now()
	var wg sync.WaitGroup

	// We will create pairs: User 0 talks to User 1, User 2 talks to User 3...
	for i := 0; i < *pairs; i++ {
		wg.Add(1)
		go func(pairID int) {
			defer wg.Done()
			runPair(pairID)
		}(i)
	}

	wg.Wait()
	log.Printf("✅ LOAD TEST COMPLETE in %s: sent=%d received=%d rejected=%d",
		time.Since(start).Round(time.Millisecond), sent.Load(), received.Load(), rejected.Load())
}

func runPair(pairID int) {
	// 1. Define Users (e.g., u_0_a, u_0_b)
	userA := fmt.Sprintf("u_%d_a", pairID)
	userB := fmt.Sprintf("u_%d_b", pairID)
	pass := "password123"

	// 2. Register & Login
	a, ok := authenticate(userA, pass)
	if !ok {
		return
	}
	b, ok := authenticate(userB, pass)
	if !ok {
		return
	}

	// 3. Both sides share a room; each also DMs the other once.
	roomID := pairID%4 + 1

	var wsWg sync.WaitGroup
	wsWg.Add(2)
	go chat(&wsWg, a, roomID, b.ID)
	go chat(&wsWg, b, roomID, a.ID)
	wsWg.Wait()
}

// authenticate registers (ignores error if exists) and logs in
func authenticate(username, password string) (AuthResponse, bool) {
	creds := map[string]string{"username": username, "password": password}

	// Register (Ignore error, might already exist)
	if resp, err := postJSON("/api/auth/register", creds); err == nil {
		resp.Body.Close()
	}

	resp, err := postJSON("/api/auth/login", creds)
	if err != nil {
		log.Printf("❌ Login Failed [%s]: %v", username, err)
		return AuthResponse{}, false
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		log.Printf("❌ Login Failed [%s]: %s", username, resp.Status)
		return AuthResponse{}, false
	}

	var data AuthResponse
	if err := json.NewDecoder(resp.Body).Decode(&data); err != nil {
		log.Printf("❌ Login Failed [%s]: %v", username, err)
		return AuthResponse{}, false
	}
	return data, true
}

func chat(wg *sync.WaitGroup, me AuthResponse, roomID, peerID int) {
	defer wg.Done()

	// Connect WS
	wsURL := "ws" + strings.TrimPrefix(*baseURL, "http") + "/ws?token=" + me.Token
	conn, _, err := websocket.DefaultDialer.Dial(wsURL, nil)
	if err != nil {
		log.Printf("❌ WS Connect Fail [%s]: %v", me.Username, err)
		return
	}
	defer conn.Close()

	done := make(chan struct{})
	go func() {
		defer close(done)
		readLoop(conn, me.Username)
	}()

	send := func(eventType string, data any) error {
		raw, _ := json.Marshal(data)
		return conn.WriteJSON(envelope{Type: eventType, Data: raw})
	}

	if err := send("join", map[string]int{"roomId": roomID}); err != nil {
		log.Printf("❌ Join Fail [%s]: %v", me.Username, err)
		return
	}

	for i := 0; i < *msgCount; i++ {
		var err error
		if i == 0 {
			err = send("sendDirectMessage", map[string]any{
				"toUserId": peerID,
				"text":     fmt.Sprintf("LoadTest DM from %s", me.Username),
			})
		} else {
			send("typing", map[string]int{"roomId": roomID})
			err = send("sendRoomMessage", map[string]any{
				"roomId": roomID,
				"text":   fmt.Sprintf("LoadTest Msg %d from %s", i, me.Username),
			})
		}
		if err != nil {
			log.Printf("❌ Send Fail [%s]: %v", me.Username, err)
			break
		}
		sent.Add(1)
		time.Sleep(*sendEvery)
	}
	log.Printf("✅ %s finished sending %d msgs", me.Username, *msgCount)

	// Give in-flight deliveries a moment, then hang up.
	time.Sleep(time.Second)
	conn.WriteControl(websocket.CloseMessage, websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""), time.Now().Add(time.Second))
	<-done
}

func readLoop(conn *websocket.Conn, username string) {
	for {
		_, frame, err := conn.ReadMessage()
		if err != nil {
			return
		}
		for _, line := range bytes.Split(frame, []byte{'\n'}) {
			var ev envelope
			if json.Unmarshal(line, &ev) != nil {
				continue
			}
			switch ev.Type {
			case "roomMessage", "directMessage":
				received.Add(1)
			case "sendRejected":
				rejected.Add(1)
				log.Printf("⚠️ %s rejected: %s", username, ev.Data)
			}
		}
	}
}

func postJSON(endpoint string, data any) (*http.Response, error) {
	jsonData, _ := json.Marshal(data)
	return http.Post(*baseURL+endpoint, "application/json", bytes.NewBuffer(jsonData))
}
