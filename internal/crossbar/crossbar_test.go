package crossbar

import (
	"bufio"
	"bytes"
	"context"
	"encoding/json"
	"io"
	"net/http"
	"os"
	"strconv"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/gorilla/websocket"
	"github.com/phayes/freeport"
	"github.com/practable/rtmonitor/internal/bus"
	"github.com/practable/rtmonitor/internal/reconws"
	"github.com/practable/rtmonitor/internal/rtmonitor"
	"github.com/practable/rtmonitor/internal/rttoken"
	"github.com/sirupsen/logrus"
	log "github.com/sirupsen/logrus"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

const (
	secret = "somesecret"
	origin = "https://a.example.com"
)

type reply struct {
	MsgType     string          `json:"msg_type"`
	RequestID   string          `json:"request_id"`
	Comment     string          `json:"comment"`
	RequestData json.RawMessage `json:"request_data"`
}

func receive(t *testing.T, r *reconws.ReconWs, timeout time.Duration) (reply, bool) {
	select {
	case msg := <-r.In:
		var rep reply
		require.NoError(t, json.Unmarshal(msg.Data, &rep))
		return rep, true
	case <-time.After(timeout):
		return reply{}, false
	}
}

func write(t *testing.T, r *reconws.ReconWs, v interface{}) {
	b, err := json.Marshal(v)
	require.NoError(t, err)
	select {
	case r.Out <- reconws.WsMessage{Data: b, Type: websocket.TextMessage}:
	case <-time.After(time.Second):
		t.Fatal("could not send")
	}
}

func TestCrossbar(t *testing.T) {

	// Setup logging

	debug := false
	if debug {
		log.SetLevel(log.TraceLevel)
		log.SetFormatter(&logrus.TextFormatter{FullTimestamp: true, DisableColors: true})
		defer log.SetOutput(os.Stdout)

	} else {
		var ignore bytes.Buffer
		logignore := bufio.NewWriter(&ignore)
		log.SetOutput(logignore)
	}

	closed := make(chan struct{})
	var wg sync.WaitGroup

	port, err := freeport.GetFreePort()
	require.NoError(t, err)

	hub := bus.New()
	go hub.Run(closed)

	engine, err := rtmonitor.New(rtmonitor.Config{
		Monitors: []rtmonitor.MonitorConfig{{
			Address:      "vehicles",
			URI:          "vehicles",
			RecordsArray: "request_data",
			RecordIndex:  "vehicle_id",
		}},
		Decoder:    rttoken.NewJWTDecoder(secret),
		PurgeEvery: time.Minute,
		MaxAge:     time.Hour,
	})
	require.NoError(t, err)

	go func() {
		assert.NoError(t, engine.Run(closed, hub))
	}()

	config := NewDefaultConfig().
		WithListen(port).
		WithEngine(engine).
		WithPublisher(hub)
	config.Version = "test"

	wg.Add(1)
	go Crossbar(*config, closed, &wg)

	base := "http://127.0.0.1:" + strconv.Itoa(port)

	require.Eventually(t, func() bool {
		resp, err := http.Get(base + "/status")
		if err != nil {
			return false
		}
		resp.Body.Close()
		return resp.StatusCode == http.StatusOK
	}, 5*time.Second, 50*time.Millisecond)

	// connect a client

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	r := reconws.New().WithOrigin(origin)
	go r.Reconnect(ctx, "ws://127.0.0.1:"+strconv.Itoa(port)+"/vehicles")

	now := time.Now()
	token, err := rttoken.Sign(rttoken.NewClaims([]string{`https://a\.example\.com`}, 0, now.Add(-time.Second), now.Add(time.Hour)), secret)
	require.NoError(t, err)

	write(t, r, map[string]interface{}{"msg_type": "rt_ping"})
	rep, ok := receive(t, r, time.Second)
	require.True(t, ok)
	assert.Equal(t, "rt_pong", rep.MsgType)

	write(t, r, map[string]interface{}{
		"msg_type":    "rt_connect",
		"client_data": map[string]string{"rt_token": token, "rt_client_id": "e2e", "rt_client_name": "crossbar test"},
	})
	rep, ok = receive(t, r, time.Second)
	require.True(t, ok)
	require.Equal(t, "rt_connect_ok", rep.MsgType, rep.Comment)

	write(t, r, map[string]interface{}{
		"msg_type":   "rt_subscribe",
		"request_id": "a",
		"filters":    []map[string]string{{"test": "=", "key": "vehicle_id", "value": "A"}},
	})

	// publish until the engine's bus subscription is in place

	envelope := `{"request_data":[{"vehicle_id":"A","lat":52.2,"lng":0.1},{"vehicle_id":"B","lat":0,"lng":0}]}`

	var got reply

	for i := 0; i < 50; i++ {
		resp, err := http.Post(base+"/publish/vehicles", "application/json", strings.NewReader(envelope))
		require.NoError(t, err)
		resp.Body.Close()
		require.Equal(t, http.StatusAccepted, resp.StatusCode)

		if got, ok = receive(t, r, 100*time.Millisecond); ok {
			break
		}
	}

	require.True(t, ok, "no push received")
	assert.Equal(t, "rt_data", got.MsgType)
	assert.Equal(t, "a", got.RequestID)
	assert.JSONEq(t, `[{"vehicle_id":"A","lat":52.2,"lng":0.1}]`, string(got.RequestData))

	// bad publish
	resp, err := http.Post(base+"/publish/vehicles", "application/json", strings.NewReader(`{"request_data":`))
	require.NoError(t, err)
	resp.Body.Close()
	assert.Equal(t, http.StatusBadRequest, resp.StatusCode)

	// status lists the client
	resp, err = http.Get(base + "/status")
	require.NoError(t, err)
	var status Status
	require.NoError(t, json.NewDecoder(resp.Body).Decode(&status))
	resp.Body.Close()

	assert.Equal(t, "test", status.Version)
	require.Len(t, status.Monitors, 1)
	require.Len(t, status.Monitors[0].Clients, 1)
	assert.Equal(t, "e2e", status.Monitors[0].Clients[0].ClientID)
	assert.Equal(t, "a", status.Monitors[0].Clients[0].Subscriptions[0].RequestID)

	// metrics
	resp, err = http.Get(base + "/metrics")
	require.NoError(t, err)
	body, err := io.ReadAll(resp.Body)
	require.NoError(t, err)
	resp.Body.Close()
	assert.Contains(t, string(body), "rtmonitor_envelopes_total")
	assert.Contains(t, string(body), `rtmonitor_clients{monitor="/vehicles"} 1`)

	// unknown path is not upgraded
	resp, err = http.Get(base + "/elsewhere")
	require.NoError(t, err)
	resp.Body.Close()
	assert.Equal(t, http.StatusNotFound, resp.StatusCode)

	// closing the client removes it from the engine
	cancel()

	m, ok := engine.Monitors.Get("/vehicles")
	require.True(t, ok)

	assert.Eventually(t, func() bool {
		m.Lock()
		defer m.Unlock()
		return m.Clients().Len() == 0
	}, 2*time.Second, 20*time.Millisecond)

	close(closed)
	wg.Wait()
}
