// vaultcheck is the pre-flight diagnostic for a running hub: it walks the
// HTTP edges and the signaling path end to end against a live instance.
package main

import (
	"bytes"
	"encoding/base64"
	"encoding/json"
	"flag"
	"fmt"
	"net/http"
	"os"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/gorilla/websocket"

	"github.com/jrennie99-glitch/CALLVAULT-sub000/internal/envelope"
	"github.com/jrennie99-glitch/CALLVAULT-sub000/internal/identity"
)

type component struct {
	Name string
	Test func(target string) error
}

func main() {
	target := flag.String("target", "http://localhost:8080", "hub base URL")
	flag.Parse()

	fmt.Println("\033[96mCallVault Hub - Pre-Flight Diagnostic\033[0m")
	fmt.Println("---------------------------------------------------------")

	components := []component{
		{"Health endpoint", checkHealth},
		{"ICE config", checkICE},
		{"Token minting", checkTokenMint},
		{"Signaling register", checkSignaling},
		{"Metrics endpoint", checkMetrics},
	}

	failed := 0
	for _, c := range components {
		fmt.Printf("Checking %-25s ", c.Name+"...")
		if err := c.Test(*target); err != nil {
			failed++
			fmt.Println("\033[31m[FAIL]\033[0m")
			fmt.Printf("  >> Error: %v\n", err)
		} else {
			fmt.Println("\033[32m[OK]\033[0m")
		}
	}

	fmt.Println("---------------------------------------------------------")
	if failed > 0 {
		fmt.Printf("\033[31mStatus: %d check(s) failed.\033[0m\n", failed)
		os.Exit(1)
	}
	fmt.Println("\033[96mStatus: hub ready for traffic.\033[0m")
}

var httpClient = &http.Client{Timeout: 5 * time.Second}

func checkHealth(target string) error {
	var body struct {
		Status string `json:"status"`
	}
	if err := getJSON(target+"/api/health", &body); err != nil {
		return err
	}
	if body.Status != "ok" {
		return fmt.Errorf("unexpected status %q", body.Status)
	}
	return nil
}

func checkICE(target string) error {
	var body struct {
		Mode       string `json:"mode"`
		IceServers []any  `json:"iceServers"`
	}
	if err := getJSON(target+"/api/ice", &body); err != nil {
		return err
	}
	if body.Mode != "off" && len(body.IceServers) == 0 {
		return fmt.Errorf("mode %q but no ICE servers", body.Mode)
	}
	return nil
}

func checkTokenMint(target string) error {
	kp, err := identity.GenerateKeypair()
	if err != nil {
		return err
	}
	payload, _ := json.Marshal(map[string]string{"address": kp.Address})
	resp, err := httpClient.Post(target+"/api/call-session-token", "application/json", bytes.NewReader(payload))
	if err != nil {
		return err
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		return fmt.Errorf("status %d", resp.StatusCode)
	}
	var body struct {
		Token string `json:"token"`
		Nonce string `json:"nonce"`
	}
	if err := json.NewDecoder(resp.Body).Decode(&body); err != nil {
		return err
	}
	if body.Token == "" || body.Nonce == "" {
		return fmt.Errorf("empty token or nonce")
	}
	return nil
}

// checkSignaling registers a throwaway identity over /ws and expects the
// success ack, proving the verify path end to end.
func checkSignaling(target string) error {
	wsURL := strings.Replace(target, "http", "ws", 1) + "/ws"
	ws, _, err := websocket.DefaultDialer.Dial(wsURL, nil)
	if err != nil {
		return err
	}
	defer ws.Close()

	kp, err := identity.GenerateKeypair()
	if err != nil {
		return err
	}
	env := &envelope.Envelope{
		Type:        envelope.TypeRegister,
		FromPubkey:  base64.StdEncoding.EncodeToString(kp.Public),
		FromAddress: kp.Address,
		Nonce:       uuid.NewString(),
		Timestamp:   time.Now().UnixMilli(),
	}
	signed, err := envelope.SignedBytes(env)
	if err != nil {
		return err
	}
	sig, err := kp.Sign(json.RawMessage(signed))
	if err != nil {
		return err
	}
	env.Signature = base64.StdEncoding.EncodeToString(sig)

	if err := ws.WriteJSON(env); err != nil {
		return err
	}
	ws.SetReadDeadline(time.Now().Add(5 * time.Second))
	var ev struct {
		Type    string          `json:"type"`
		Payload json.RawMessage `json:"payload"`
	}
	if err := ws.ReadJSON(&ev); err != nil {
		return err
	}
	if ev.Type != "success" {
		return fmt.Errorf("expected success, got %s: %s", ev.Type, ev.Payload)
	}
	return nil
}

func checkMetrics(target string) error {
	resp, err := httpClient.Get(target + "/metrics")
	if err != nil {
		return err
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		return fmt.Errorf("status %d", resp.StatusCode)
	}
	return nil
}

func getJSON(url string, v any) error {
	resp, err := httpClient.Get(url)
	if err != nil {
		return err
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		return fmt.Errorf("status %d", resp.StatusCode)
	}
	return json.NewDecoder(resp.Body).Decode(v)
}
