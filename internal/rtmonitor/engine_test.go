package rtmonitor

import (
	"encoding/json"
	"sync"
	"testing"
	"time"

	"github.com/practable/rtmonitor/internal/bus"
	"github.com/practable/rtmonitor/internal/rttoken"
	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

const (
	testSecret = "somesecret"
	testOrigin = "https://a.example.com"
)

var testOrigins = []string{`https://a\.example\.com`}

type clock struct {
	sync.Mutex
	t time.Time
}

func (c *clock) Now() time.Time {
	c.Lock()
	defer c.Unlock()
	return c.t
}

func (c *clock) Set(t time.Time) {
	c.Lock()
	defer c.Unlock()
	c.t = t
}

func newClock() *clock {
	return &clock{t: time.Unix(1673952000, 0)}
}

func newEngine(t *testing.T, clk *clock, mutate func(*Config)) *Engine {
	config := Config{
		Monitors: []MonitorConfig{vehicles(), {Address: "zones", URI: "zones"}},
		Decoder:  rttoken.NewJWTDecoder(testSecret),
		MaxAge:   time.Minute,
		Now:      clk.Now,
	}
	if mutate != nil {
		mutate(&config)
	}
	e, err := New(config)
	require.NoError(t, err)
	return e
}

func makeToken(t *testing.T, clk *clock, uses int, lifetime time.Duration) string {
	now := clk.Now()
	s, err := rttoken.Sign(rttoken.NewClaims(testOrigins, uses, now.Add(-time.Second), now.Add(lifetime)), testSecret)
	require.NoError(t, err)
	return s
}

func send(t *testing.T, e *Engine, conn Conn, v interface{}) {
	b, err := json.Marshal(v)
	require.NoError(t, err)
	e.HandleMessage(conn, b)
}

func connectMsg(token string, extra map[string]interface{}) map[string]interface{} {
	cd := map[string]interface{}{
		"rt_token":       token,
		"rt_client_id":   "test-client",
		"rt_client_name": "tester",
		"rt_client_url":  "https://a.example.com/map",
	}
	for k, v := range extra {
		cd[k] = v
	}
	return map[string]interface{}{"msg_type": MsgConnect, "client_data": cd}
}

// admit connects a new client on path and checks it was accepted
func admit(t *testing.T, e *Engine, clk *clock, path string) *fakeConn {
	conn := newFakeConn(path, testOrigin)
	send(t, e, conn, connectMsg(makeToken(t, clk, 0, time.Hour), nil))
	msgs := conn.take(t)
	require.Len(t, msgs, 1)
	require.Equal(t, MsgConnectOK, msgs[0].MsgType, msgs[0].Comment)
	return conn
}

func subscribe(t *testing.T, e *Engine, conn Conn, requestID string, filters string) {
	send(t, e, conn, map[string]interface{}{
		"msg_type":   MsgSubscribe,
		"request_id": requestID,
		"filters":    json.RawMessage(filters),
	})
}

func publish(t *testing.T, e *Engine, address, envelope string) {
	m, ok := e.Monitors.GetByAddress(address)
	require.True(t, ok)
	m.Handle([]byte(envelope))
}

const twoVehicles = `{"request_data":[{"vehicle_id":"A","lat":52.2,"lng":0.1},{"vehicle_id":"B","lat":0,"lng":0}]}`

func TestNew(t *testing.T) {

	_, err := New(Config{Monitors: []MonitorConfig{vehicles()}})
	assert.Error(t, err, "no decoder")

	_, err = New(Config{Decoder: rttoken.NewJWTDecoder(testSecret)})
	assert.Error(t, err, "no monitors")

	_, err = New(Config{Decoder: rttoken.NewJWTDecoder(testSecret), Monitors: []MonitorConfig{vehicles(), vehicles()}})
	assert.Error(t, err, "duplicate monitor")

	_, err = New(Config{Decoder: rttoken.NewJWTDecoder(testSecret), Monitors: []MonitorConfig{{URI: "x"}}})
	assert.Error(t, err, "no address")

	e := newEngine(t, newClock(), nil)
	assert.Equal(t, 2, e.Monitors.Len())
}

func TestEndToEnd(t *testing.T) {

	clk := newClock()
	e := newEngine(t, clk, nil)

	onlyA := admit(t, e, clk, "/vehicles")
	everything := admit(t, e, clk, "/vehicles")

	subscribe(t, e, onlyA, "a", `[{"test":"=","key":"vehicle_id","value":"A"}]`)
	subscribe(t, e, everything, "all", `[]`)

	assert.Equal(t, 0, onlyA.count())
	assert.Equal(t, 0, everything.count())

	publish(t, e, "vehicles", twoVehicles)

	msgs := onlyA.take(t)
	require.Len(t, msgs, 1)
	assert.Equal(t, MsgData, msgs[0].MsgType)
	assert.Equal(t, "a", msgs[0].RequestID)
	assert.JSONEq(t, `[{"vehicle_id":"A","lat":52.2,"lng":0.1}]`, string(msgs[0].RequestData))

	msgs = everything.take(t)
	require.Len(t, msgs, 1)
	assert.Equal(t, "all", msgs[0].RequestID)
	assert.JSONEq(t, `[{"vehicle_id":"A","lat":52.2,"lng":0.1},{"vehicle_id":"B","lat":0,"lng":0}]`, string(msgs[0].RequestData))

	m, _ := e.Monitors.Get("/vehicles")
	c, ok := m.Clients().Get(onlyA.ID())
	require.True(t, ok)
	s, ok := c.Subscription("a")
	require.True(t, ok)
	assert.Equal(t, 1, s.Delivered)
	assert.True(t, s.KeyIsRecordIndex)

	c, _ = m.Clients().Get(everything.ID())
	s, _ = c.Subscription("all")
	assert.Equal(t, 2, s.Delivered)
	assert.False(t, s.KeyIsRecordIndex)
}

func TestNoMatchSilence(t *testing.T) {

	clk := newClock()
	e := newEngine(t, clk, nil)

	conn := admit(t, e, clk, "/vehicles")
	subscribe(t, e, conn, "c", `[{"key":"vehicle_id","value":"C"}]`)

	publish(t, e, "vehicles", twoVehicles)
	publish(t, e, "vehicles", `{"request_data":[]}`)
	publish(t, e, "vehicles", `{"something_else":true}`)

	assert.Equal(t, 0, conn.count())
}

func TestSubscriptionIsolation(t *testing.T) {

	clk := newClock()
	e := newEngine(t, clk, nil)

	conn := admit(t, e, clk, "/vehicles")

	subscribe(t, e, conn, "a", `[{"key":"vehicle_id","value":"A"}]`)
	subscribe(t, e, conn, "c", `[{"key":"vehicle_id","value":"C"}]`)
	subscribe(t, e, conn, "box", `[{"test":"inside","lat_key":"lat","lng_key":"lng","points":[{"lat":-1,"lng":-1},{"lat":-1,"lng":1},{"lat":1,"lng":1},{"lat":1,"lng":-1}]}]`)

	publish(t, e, "vehicles", twoVehicles)

	byID := map[string]received{}
	for _, m := range conn.take(t) {
		_, dup := byID[m.RequestID]
		assert.False(t, dup, "duplicate delivery for "+m.RequestID)
		byID[m.RequestID] = m
	}

	require.Len(t, byID, 2)
	assert.JSONEq(t, `[{"vehicle_id":"A","lat":52.2,"lng":0.1}]`, string(byID["a"].RequestData))
	assert.JSONEq(t, `[{"vehicle_id":"B","lat":0,"lng":0}]`, string(byID["box"].RequestData))

	// overwriting a subscription replaces its filters
	subscribe(t, e, conn, "c", `[{"key":"vehicle_id","value":"B"}]`)
	send(t, e, conn, map[string]interface{}{"msg_type": MsgUnsubscribe, "request_id": "box"})
	send(t, e, conn, map[string]interface{}{"msg_type": MsgUnsubscribe, "request_id": "a"})
	assert.Equal(t, 0, conn.count())

	publish(t, e, "vehicles", twoVehicles)

	msgs := conn.take(t)
	require.Len(t, msgs, 1)
	assert.Equal(t, "c", msgs[0].RequestID)
	assert.JSONEq(t, `[{"vehicle_id":"B","lat":0,"lng":0}]`, string(msgs[0].RequestData))
}

func TestWholeEnvelopeMode(t *testing.T) {

	clk := newClock()
	e := newEngine(t, clk, nil)

	conn := admit(t, e, clk, "/zones")
	subscribe(t, e, conn, "entered", `[{"key":"event","value":"enter"}]`)

	publish(t, e, "zones", `{"event":"exit","zone":"depot"}`)
	assert.Equal(t, 0, conn.count())

	publish(t, e, "zones", `{"event":"enter","zone":"depot"}`)

	msgs := conn.take(t)
	require.Len(t, msgs, 1)
	assert.Equal(t, MsgData, msgs[0].MsgType)
	assert.Equal(t, "entered", msgs[0].RequestID)
	assert.JSONEq(t, `{"event":"enter","zone":"depot"}`, string(msgs[0].RequestData))
}

func TestPullRequest(t *testing.T) {

	clk := newClock()
	e := newEngine(t, clk, nil)

	conn := admit(t, e, clk, "/vehicles")

	// nothing received yet, so there is no envelope to echo
	send(t, e, conn, map[string]interface{}{"msg_type": MsgRequest, "request_id": "r0"})
	assert.Equal(t, 0, conn.count())

	// records can be requested before any envelope, and are empty
	send(t, e, conn, map[string]interface{}{"msg_type": MsgRequest, "request_id": "r0", "options": []string{OptionLatestMsg, OptionLatestRecords}})
	msgs := conn.take(t)
	require.Len(t, msgs, 1)
	assert.Equal(t, []string{OptionLatestRecords}, msgs[0].Options)
	assert.JSONEq(t, `[]`, string(msgs[0].RequestData))

	latest := `{"request_data":[{"vehicle_id":"A","lat":53,"lng":1}]}`

	publish(t, e, "vehicles", twoVehicles)
	publish(t, e, "vehicles", latest)

	// the default option echoes the latest envelope byte for byte
	send(t, e, conn, map[string]interface{}{"msg_type": MsgRequest, "request_id": "r"})
	raw := conn.takeRaw()
	require.Len(t, raw, 1)
	assert.Equal(t, latest, string(raw[0]))

	send(t, e, conn, map[string]interface{}{
		"msg_type":   MsgRequest,
		"request_id": "r1",
		"filters":    json.RawMessage(`[{"key":"vehicle_id","value":"A"}]`),
		"options":    []string{OptionLatestRecords, OptionPreviousMsg, OptionPreviousRecords, OptionLatestMsg},
	})

	raw = conn.takeRaw()
	require.Len(t, raw, 4)

	// envelopes are not filtered or wrapped
	assert.Equal(t, twoVehicles, string(raw[0]))
	assert.Equal(t, latest, string(raw[1]))

	var previousRecords, latestRecords received
	require.NoError(t, json.Unmarshal(raw[2], &previousRecords))
	require.NoError(t, json.Unmarshal(raw[3], &latestRecords))

	assert.Equal(t, MsgData, previousRecords.MsgType)
	assert.Equal(t, "r1", previousRecords.RequestID)
	assert.Equal(t, []string{OptionPreviousRecords}, previousRecords.Options)
	assert.JSONEq(t, `[{"vehicle_id":"A","lat":52.2,"lng":0.1}]`, string(previousRecords.RequestData))

	assert.Equal(t, MsgData, latestRecords.MsgType)
	assert.Equal(t, "r1", latestRecords.RequestID)
	assert.Equal(t, []string{OptionLatestRecords}, latestRecords.Options)
	assert.JSONEq(t, `[{"vehicle_id":"A","lat":53,"lng":1}]`, string(latestRecords.RequestData))

	// unfiltered latest records, ordered by key
	send(t, e, conn, map[string]interface{}{"msg_type": MsgRequest, "request_id": "r2", "options": []string{OptionLatestRecords}})
	msgs = conn.take(t)
	require.Len(t, msgs, 1)
	assert.JSONEq(t, `[{"vehicle_id":"A","lat":53,"lng":1},{"vehicle_id":"B","lat":0,"lng":0}]`, string(msgs[0].RequestData))

	// malformed options or filters produce one rt_nok and nothing else
	for _, bad := range []map[string]interface{}{
		{"msg_type": MsgRequest, "request_id": "r3", "options": "latest_msg"},
		{"msg_type": MsgRequest, "request_id": "r3", "options": []string{"latest_msg", "everything"}},
		{"msg_type": MsgRequest, "request_id": "r3", "filters": json.RawMessage(`{"key":"a"}`)},
	} {
		send(t, e, conn, bad)
		msgs = conn.take(t)
		require.Len(t, msgs, 1)
		assert.Equal(t, MsgNok, msgs[0].MsgType)
		assert.Equal(t, "r3", msgs[0].RequestID)
	}

	send(t, e, conn, map[string]interface{}{"msg_type": MsgRequest})
	msgs = conn.take(t)
	require.Len(t, msgs, 1)
	assert.Equal(t, MsgNok, msgs[0].MsgType)
}

func TestMalformedMessages(t *testing.T) {

	clk := newClock()
	e := newEngine(t, clk, nil)

	conn := newFakeConn("/vehicles", testOrigin)

	// ping needs no admission
	send(t, e, conn, map[string]interface{}{"msg_type": MsgPing})
	msgs := conn.take(t)
	require.Len(t, msgs, 1)
	assert.Equal(t, MsgPong, msgs[0].MsgType)

	for _, mt := range []string{MsgSubscribe, MsgUnsubscribe, MsgRequest} {
		send(t, e, conn, map[string]interface{}{"msg_type": mt, "request_id": "x"})
		msgs = conn.take(t)
		require.Len(t, msgs, 1, mt)
		assert.Equal(t, MsgNok, msgs[0].MsgType)
		assert.Equal(t, "x", msgs[0].RequestID)
		assert.Equal(t, "not connected", msgs[0].Comment)
	}

	conn = admit(t, e, clk, "/vehicles")

	e.HandleMessage(conn, []byte(`{"msg_type":`))
	msgs = conn.take(t)
	require.Len(t, msgs, 1)
	assert.Equal(t, MsgNok, msgs[0].MsgType)
	assert.Equal(t, "", msgs[0].RequestID)

	e.HandleMessage(conn, []byte(`{"msg_type":"rt_subscribe","request_id":42}`))
	msgs = conn.take(t)
	require.Len(t, msgs, 1)
	assert.Equal(t, MsgNok, msgs[0].MsgType)
	assert.Equal(t, "", msgs[0].RequestID)

	e.HandleMessage(conn, []byte(`{"msg_type":"rt_subscribe","request_id":"s","filters":7}`))
	msgs = conn.take(t)
	require.Len(t, msgs, 1)
	assert.Equal(t, MsgNok, msgs[0].MsgType)
	assert.Equal(t, "s", msgs[0].RequestID)

	subscribe(t, e, conn, "", `[]`)
	msgs = conn.take(t)
	require.Len(t, msgs, 1)
	assert.Equal(t, MsgNok, msgs[0].MsgType)

	subscribe(t, e, conn, "bad", `[{"test":"near","key":"x","value":"y"}]`)
	msgs = conn.take(t)
	require.Len(t, msgs, 1)
	assert.Equal(t, MsgNok, msgs[0].MsgType)
	assert.Equal(t, "bad", msgs[0].RequestID)

	send(t, e, conn, map[string]interface{}{"msg_type": MsgUnsubscribe, "request_id": "never"})
	msgs = conn.take(t)
	require.Len(t, msgs, 1)
	assert.Equal(t, MsgNok, msgs[0].MsgType)
	assert.Equal(t, "never", msgs[0].RequestID)

	// unknown types are ignored
	send(t, e, conn, map[string]interface{}{"msg_type": "rt_dance"})
	assert.Equal(t, 0, conn.count())

	// the connection survives all of the above
	subscribe(t, e, conn, "all", `[]`)
	publish(t, e, "vehicles", twoVehicles)
	assert.Equal(t, 1, conn.count())

	// a monitor nobody configured
	stray := newFakeConn("/nowhere", testOrigin)
	send(t, e, stray, map[string]interface{}{"msg_type": MsgSubscribe, "request_id": "x"})
	msgs = stray.take(t)
	require.Len(t, msgs, 1)
	assert.Equal(t, MsgNok, msgs[0].MsgType)

	assert.Equal(t, 5.0, testutil.ToFloat64(e.metrics.rejected.WithLabelValues(MsgSubscribe)))
	assert.Equal(t, 2.0, testutil.ToFloat64(e.metrics.rejected.WithLabelValues("malformed")))
	assert.Equal(t, 2.0, testutil.ToFloat64(e.metrics.rejected.WithLabelValues(MsgUnsubscribe)))
}

func TestAdmission(t *testing.T) {

	clk := newClock()
	e := newEngine(t, clk, nil)

	reject := func(conn *fakeConn, msg map[string]interface{}) {
		send(t, e, conn, msg)
		msgs := conn.take(t)
		require.Len(t, msgs, 1)
		assert.Equal(t, MsgNok, msgs[0].MsgType)
		m, _ := e.Monitors.Get(conn.Path())
		_, ok := m.Clients().Get(conn.ID())
		assert.False(t, ok)
		assert.False(t, conn.isClosed())
	}

	// expired
	expired := makeToken(t, clk, 0, -time.Second)
	reject(newFakeConn("/vehicles", testOrigin), connectMsg(expired, nil))

	// wrong origin, and no origin
	tok := makeToken(t, clk, 0, time.Hour)
	reject(newFakeConn("/vehicles", "https://b.example.com"), connectMsg(tok, nil))
	reject(newFakeConn("/vehicles", ""), connectMsg(tok, nil))

	// bad signature, short token, no token, no client_data
	other, err := rttoken.Sign(rttoken.NewClaims(testOrigins, 0, clk.Now(), clk.Now().Add(time.Hour)), "othersecret")
	require.NoError(t, err)
	reject(newFakeConn("/vehicles", testOrigin), connectMsg(other, nil))
	reject(newFakeConn("/vehicles", testOrigin), connectMsg("short", nil))
	reject(newFakeConn("/vehicles", testOrigin), connectMsg("", nil))
	reject(newFakeConn("/vehicles", testOrigin), map[string]interface{}{"msg_type": MsgConnect})
	reject(newFakeConn("/vehicles", testOrigin), map[string]interface{}{"msg_type": MsgConnect, "client_data": []int{1}})

	// accepted
	conn := newFakeConn("/vehicles", testOrigin)
	send(t, e, conn, connectMsg(tok, map[string]interface{}{"layout": "wide", "zoom": 3}))
	msgs := conn.take(t)
	require.Len(t, msgs, 1)
	assert.Equal(t, MsgConnectOK, msgs[0].MsgType)

	m, _ := e.Monitors.Get("/vehicles")
	c, ok := m.Clients().Get(conn.ID())
	require.True(t, ok)
	assert.Equal(t, "test-client", c.Data.ClientID)
	assert.Equal(t, "tester", c.Data.ClientName)
	assert.Equal(t, "wide", c.Data.Fields["layout"])
	assert.NotContains(t, c.Data.Fields, "rt_token")
	assert.NotContains(t, c.Data.Fields, "zoom")
	assert.Equal(t, "fake/1.0", c.UserAgent)
	assert.Equal(t, tok[len(tok)-rttoken.HashLength:], c.Token.Hash)

	// a second connect is refused and the client stays
	send(t, e, conn, connectMsg(tok, nil))
	msgs = conn.take(t)
	require.Len(t, msgs, 1)
	assert.Equal(t, MsgNok, msgs[0].MsgType)
	assert.Equal(t, "already connected", msgs[0].Comment)
	_, ok = m.Clients().Get(conn.ID())
	assert.True(t, ok)

	// admission is not re-checked once the token expires
	subscribe(t, e, conn, "all", `[]`)
	clk.Set(clk.Now().Add(2 * time.Hour))
	publish(t, e, "vehicles", twoVehicles)
	assert.Equal(t, 1, conn.count())
}

func TestUsesLimit(t *testing.T) {

	clk := newClock()
	e := newEngine(t, clk, nil)

	tok := makeToken(t, clk, 1, time.Hour)

	first := newFakeConn("/vehicles", testOrigin)
	send(t, e, first, connectMsg(tok, nil))
	msgs := first.take(t)
	require.Len(t, msgs, 1)
	assert.Equal(t, MsgConnectOK, msgs[0].MsgType)

	second := newFakeConn("/zones", testOrigin)
	send(t, e, second, connectMsg(tok, nil))
	msgs = second.take(t)
	require.Len(t, msgs, 1)
	assert.Equal(t, MsgNok, msgs[0].MsgType)

	e.HandleClose(first)
	assert.True(t, first.isClosed())
	assert.Equal(t, 0, e.Uses().Live(tok[len(tok)-rttoken.HashLength:]))

	send(t, e, second, connectMsg(tok, nil))
	msgs = second.take(t)
	require.Len(t, msgs, 1)
	assert.Equal(t, MsgConnectOK, msgs[0].MsgType)

	// messages on a closed connection go nowhere
	e.HandleClose(first)
	subscribe(t, e, first, "late", `[]`)
	assert.Equal(t, 0, first.count())
}

func TestPurge(t *testing.T) {

	clk := newClock()
	start := clk.Now()

	e := newEngine(t, clk, func(c *Config) {
		c.PurgeRules = []PurgeRule{{Field: "rt_client_name", Value: "kiosk", MaxAge: 10 * time.Second}}
	})

	ordinary := admit(t, e, clk, "/vehicles")

	kiosk := newFakeConn("/zones", testOrigin)
	send(t, e, kiosk, connectMsg(makeToken(t, clk, 0, time.Hour), map[string]interface{}{"rt_client_name": "kiosk"}))
	require.Len(t, kiosk.take(t), 1)

	clk.Set(start.Add(10 * time.Second))
	assert.Equal(t, 0, e.Purge())

	clk.Set(start.Add(11 * time.Second))
	assert.Equal(t, 1, e.Purge())
	assert.True(t, kiosk.isClosed())
	assert.False(t, ordinary.isClosed())

	clk.Set(start.Add(59 * time.Second))
	assert.Equal(t, 0, e.Purge())
	assert.False(t, ordinary.isClosed())

	clk.Set(start.Add(61 * time.Second))
	assert.Equal(t, 1, e.Purge())
	assert.True(t, ordinary.isClosed())

	m, _ := e.Monitors.Get("/vehicles")
	assert.Equal(t, 0, m.Clients().Len())

	assert.Equal(t, 2.0, testutil.ToFloat64(e.metrics.removed.WithLabelValues(ReasonPurged)))
	assert.Equal(t, 0.0, testutil.ToFloat64(e.metrics.clients.WithLabelValues("/vehicles")))
}

func TestSlowAndDeadConnections(t *testing.T) {

	clk := newClock()
	e := newEngine(t, clk, nil)

	slow := admit(t, e, clk, "/vehicles")
	dead := admit(t, e, clk, "/vehicles")
	subscribe(t, e, slow, "all", `[]`)
	subscribe(t, e, dead, "all", `[]`)

	slow.Lock()
	slow.full = true
	slow.Unlock()

	dead.Lock()
	dead.gone = true
	dead.Unlock()

	publish(t, e, "vehicles", twoVehicles)

	m, _ := e.Monitors.Get("/vehicles")

	c, ok := m.Clients().Get(slow.ID())
	require.True(t, ok, "a full buffer drops the message but keeps the client")
	assert.Equal(t, uint64(1), c.Stats.Tx.Dropped)

	_, ok = m.Clients().Get(dead.ID())
	assert.False(t, ok, "a dead connection removes the client")
	assert.True(t, dead.isClosed())

	assert.Equal(t, 1.0, testutil.ToFloat64(e.metrics.dropped.WithLabelValues("/vehicles")))
	assert.Equal(t, 1.0, testutil.ToFloat64(e.metrics.removed.WithLabelValues(ReasonGone)))
}

func TestReport(t *testing.T) {

	clk := newClock()
	e := newEngine(t, clk, nil)

	conn := admit(t, e, clk, "/vehicles")
	subscribe(t, e, conn, "a", `[{"key":"vehicle_id","value":"A"}]`)
	publish(t, e, "vehicles", twoVehicles)

	clk.Set(clk.Now().Add(5 * time.Second))

	r := e.Report()
	require.Len(t, r, 2)

	v := r[0]
	assert.Equal(t, "/vehicles", v.URI)
	assert.Equal(t, "vehicles", v.Address)
	assert.Equal(t, "request_data", v.RecordsArray)
	assert.Equal(t, "vehicle_id", v.RecordIndex)
	assert.Equal(t, 1, v.Received)
	assert.Equal(t, 2, v.Keys)
	assert.Equal(t, "5s", v.LastReceived)

	require.Len(t, v.Clients, 1)
	c := v.Clients[0]
	assert.Equal(t, conn.ID(), c.ID)
	assert.Equal(t, "test-client", c.ClientID)
	assert.Equal(t, "tester", c.ClientName)
	assert.Equal(t, "5s", c.Age)
	require.Len(t, c.Subscriptions, 1)
	assert.Equal(t, 1, c.Subscriptions[0].Delivered)
	assert.Equal(t, uint64(2), c.Stats.Tx.Bytes.Count)

	assert.Equal(t, "/zones", r[1].URI)
	assert.Equal(t, "never", r[1].LastReceived)
	assert.Empty(t, r[1].Clients)
}

func TestRun(t *testing.T) {

	clk := newClock()
	e := newEngine(t, clk, func(c *Config) {
		c.PurgeEvery = 10 * time.Millisecond
	})

	closed := make(chan struct{})
	hub := bus.New()
	go hub.Run(closed)

	done := make(chan struct{})
	go func() {
		assert.NoError(t, e.Run(closed, hub))
		close(done)
	}()

	conn := admit(t, e, clk, "/vehicles")
	subscribe(t, e, conn, "all", `[]`)

	// subscription to the hub happens asynchronously, so keep publishing
	assert.Eventually(t, func() bool {
		assert.NoError(t, hub.Publish("vehicles", []byte(twoVehicles)))
		return conn.count() > 0
	}, time.Second, 10*time.Millisecond)

	// envelopes reach the monitor for their address, and no other
	assert.Greater(t, testutil.ToFloat64(e.metrics.envelopes.WithLabelValues("/vehicles")), 0.0)
	assert.Equal(t, 0.0, testutil.ToFloat64(e.metrics.envelopes.WithLabelValues("/zones")))

	clk.Set(clk.Now().Add(2 * time.Minute))

	assert.Eventually(t, conn.isClosed, time.Second, 10*time.Millisecond)

	close(closed)

	select {
	case <-done:
	case <-time.After(time.Second):
		t.Fatal("engine did not stop")
	}
}
