// lasercore-console follows the live console of a running lasercore
// service in the terminal.
package main

import (
	"bytes"
	"encoding/json"
	"flag"
	"fmt"
	"log"
	"net/http"
	"net/url"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/fatih/color"
	"github.com/gorilla/websocket"
	"github.com/joho/godotenv"

	"github.com/KevinKickass/OpenLaserCore/internal/console"
)

func main() {
	server := flag.String("server", "http://localhost:8080", "lasercore base URL")
	severity := flag.String("severity", "", "comma separated severities to show (default all)")
	showStatus := flag.Bool("status", false, "also print state transitions and connection changes")
	noColor := flag.Bool("no-color", false, "disable colored output")
	flag.Parse()

	_ = godotenv.Load()
	if *noColor {
		color.NoColor = true
	}

	filter, err := parseSeverities(*severity)
	if err != nil {
		log.Fatalf("Invalid -severity: %v", err)
	}

	base, err := url.Parse(*server)
	if err != nil {
		log.Fatalf("Invalid -server: %v", err)
	}

	var access string
	if token := os.Getenv("OLC_OPERATOR_TOKEN"); token != "" {
		access, err = exchange(base, token)
		if err != nil {
			log.Fatalf("Authentication failed: %v", err)
		}
	}

	p := newPrinter(os.Stdout, filter, *showStatus)
	interrupt := make(chan os.Signal, 1)
	signal.Notify(interrupt, syscall.SIGINT, syscall.SIGTERM)

	for {
		err := follow(base, access, p, interrupt)
		if err == nil {
			return
		}
		color.New(color.FgHiBlack).Fprintf(os.Stderr, "connection lost: %v, retrying in 2s\n", err)
		select {
		case <-interrupt:
			return
		case <-time.After(2 * time.Second):
		}
	}
}

func exchange(base *url.URL, token string) (string, error) {
	body, _ := json.Marshal(map[string]string{"token": token})
	resp, err := http.Post(base.JoinPath("/api/v1/auth/token").String(), "application/json", bytes.NewReader(body))
	if err != nil {
		return "", err
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		return "", fmt.Errorf("server answered %s", resp.Status)
	}
	var out struct {
		AccessToken string `json:"access_token"`
	}
	if err := json.NewDecoder(resp.Body).Decode(&out); err != nil {
		return "", err
	}
	return out.AccessToken, nil
}

// follow streams until the connection drops (error) or the user
// interrupts (nil).
func follow(base *url.URL, access string, p *printer, interrupt <-chan os.Signal) error {
	wsURL := *base.JoinPath("/api/v1/ws/live")
	switch wsURL.Scheme {
	case "https":
		wsURL.Scheme = "wss"
	default:
		wsURL.Scheme = "ws"
	}

	conn, _, err := websocket.DefaultDialer.Dial(wsURL.String(), nil)
	if err != nil {
		return err
	}
	defer conn.Close()

	if access != "" {
		if err := conn.WriteJSON(map[string]string{"type": "auth", "token": access}); err != nil {
			return err
		}
	}

	errc := make(chan error, 1)
	go func() {
		for {
			_, data, err := conn.ReadMessage()
			if err != nil {
				errc <- err
				return
			}
			// Der Server fasst mehrere Nachrichten pro Frame zusammen
			for _, line := range bytes.Split(data, []byte{'\n'}) {
				if len(bytes.TrimSpace(line)) > 0 {
					p.handle(line)
				}
			}
		}
	}()

	select {
	case err := <-errc:
		return err
	case <-interrupt:
		_ = conn.WriteMessage(websocket.CloseMessage,
			websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""))
		return nil
	}
}

func parseSeverities(raw string) (map[console.Severity]bool, error) {
	if strings.TrimSpace(raw) == "" {
		return nil, nil
	}
	out := make(map[console.Severity]bool)
	for _, part := range strings.Split(raw, ",") {
		sev, err := console.ParseSeverity(part)
		if err != nil {
			return nil, err
		}
		out[sev] = true
	}
	return out, nil
}
