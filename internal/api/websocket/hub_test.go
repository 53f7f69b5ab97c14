package websocket

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/gorilla/websocket"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap/zaptest"

	"github.com/KevinKickass/OpenLaserCore/internal/auth"
	"github.com/KevinKickass/OpenLaserCore/internal/config"
	"github.com/KevinKickass/OpenLaserCore/internal/events"
	"github.com/KevinKickass/OpenLaserCore/internal/status"
)

type fixedStatus struct{}

func (fixedStatus) GetStatus() any { return map[string]string{"dialect": "grbl"} }

func startHub(t *testing.T, svc *auth.Service) (*Hub, string) {
	t.Helper()
	hub := NewHub(zaptest.NewLogger(t), svc)
	hub.SetStatusProvider(fixedStatus{})
	go hub.Run()
	t.Cleanup(hub.Stop)

	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		ServeWs(hub, w, r)
	}))
	t.Cleanup(srv.Close)
	return hub, "ws" + strings.TrimPrefix(srv.URL, "http")
}

// readMessages splits coalesced frames into messages.
func readMessages(t *testing.T, conn *websocket.Conn) []Message {
	t.Helper()
	conn.SetReadDeadline(time.Now().Add(2 * time.Second))
	_, data, err := conn.ReadMessage()
	require.NoError(t, err)

	var out []Message
	for _, line := range strings.Split(string(data), "\n") {
		var m Message
		require.NoError(t, json.Unmarshal([]byte(line), &m))
		out = append(out, m)
	}
	return out
}

func TestHub_SnapshotAndBroadcast(t *testing.T) {
	hub, url := startHub(t, nil)

	conn, _, err := websocket.DefaultDialer.Dial(url, nil)
	require.NoError(t, err)
	defer conn.Close()

	msgs := readMessages(t, conn)
	require.NotEmpty(t, msgs)
	assert.Equal(t, MessageTypeSnapshot, msgs[0].Type)
	require.Eventually(t, func() bool { return hub.GetClientCount() == 1 }, time.Second, 10*time.Millisecond)

	hub.Publish(events.MachineStatus, status.MachineStatus{State: status.StateRun})

	var got Message
	for got.Type == "" {
		for _, m := range readMessages(t, conn) {
			if m.Type == MessageTypeMachineStatus {
				got = m
			}
		}
	}
	data, _ := json.Marshal(got.Data)
	assert.Contains(t, string(data), `"state":"Run"`)
}

func TestHub_RequiresAuth(t *testing.T) {
	t.Setenv("OLC_WS_SECRET", "0123456789abcdef0123456789abcdef")
	svc := auth.NewService(config.AuthConfig{Enabled: true, JWTSecretEnv: "OLC_WS_SECRET"}, zaptest.NewLogger(t))
	hub, url := startHub(t, svc)

	conn, _, err := websocket.DefaultDialer.Dial(url, nil)
	require.NoError(t, err)
	defer conn.Close()

	require.NoError(t, conn.WriteJSON(map[string]string{"type": "auth", "token": "bogus"}))

	conn.SetReadDeadline(time.Now().Add(2 * time.Second))
	var reply map[string]any
	require.NoError(t, conn.ReadJSON(&reply))
	assert.Equal(t, "auth_failed", reply["type"])
	assert.Equal(t, 0, hub.GetClientCount())
}

func TestHub_BroadcastNeverBlocks(t *testing.T) {
	hub := NewHub(zaptest.NewLogger(t), nil)
	ctx, cancel := context.WithTimeout(context.Background(), time.Second)
	defer cancel()

	done := make(chan struct{})
	go func() {
		for i := 0; i < 1000; i++ {
			hub.Publish(events.ConnectionState, events.Connection{Phase: "CONNECTED"})
		}
		close(done)
	}()

	select {
	case <-done:
	case <-ctx.Done():
		t.Fatal("Broadcast blocked without a running hub")
	}
}
