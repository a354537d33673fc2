/*
   reconws is websocket client that automatically reconnects
   Copyright (C) 2019 Timothy Drysdale <timothy.d.drysdale@gmail.com>

   This program is free software: you can redistribute it and/or modify
   it under the terms of the GNU Affero General Public License as
   published by the Free Software Foundation, either version 3 of the
   License, or (at your option) any later version.

   This program is distributed in the hope that it will be useful,
   but WITHOUT ANY WARRANTY; without even the implied warranty of
   MERCHANTABILITY or FITNESS FOR A PARTICULAR PURPOSE.  See the
   GNU Affero General Public License for more details.

   You should have received a copy of the GNU Affero General Public License
   along with this program.  If not, see <https://www.gnu.org/licenses/>.
*/

package reconws

import (
	"context"
	"errors"
	"net/http"
	"net/url"
	"time"

	"github.com/google/uuid"
	"github.com/gorilla/websocket"
	"github.com/jpillora/backoff"
	log "github.com/sirupsen/logrus"
)

// WsMessage represents a websocket message
type WsMessage struct {
	Data []byte
	Type int
}

// ReconWs is a websocket client that redials whenever its connection drops,
// until its context is cancelled
type ReconWs struct {
	// Connected is closed on each successful dial, then replaced
	Connected chan struct{}

	ConnectedAt time.Time

	// ForwardIncoming sends received messages to In; otherwise they are discarded
	ForwardIncoming bool

	// Header is sent with every dial, e.g. to set Origin
	Header http.Header

	// Greeting is written, in order, at the start of every connection
	Greeting []WsMessage

	In    chan WsMessage
	Out   chan WsMessage
	Retry RetryConfig
	ID    string
}

// RetryConfig represents the parameters for when to retry to connect
type RetryConfig struct {
	Factor float64
	Jitter bool
	Min    time.Duration
	Max    time.Duration
}

// New returns a pointer to a new reconnecting websocket client ReconWs
func New() *ReconWs {
	return &ReconWs{
		Connected:       make(chan struct{}),
		In:              make(chan WsMessage),
		Out:             make(chan WsMessage),
		ForwardIncoming: true,
		Header:          http.Header{},
		Retry: RetryConfig{
			Factor: 2,
			Min:    1 * time.Second,
			Max:    10 * time.Second,
			Jitter: false,
		},
		ID: uuid.New().String()[0:6],
	}
}

// WithOrigin sets the Origin header presented when dialling
func (r *ReconWs) WithOrigin(origin string) *ReconWs {
	r.Header.Set("Origin", origin)
	return r
}

// Reconnect dials urlStr, and redials with backoff each time the connection ends.
// Run it in its own goroutine and cancel ctx to stop it.
func (r *ReconWs) Reconnect(ctx context.Context, urlStr string) {

	lf := log.Fields{"id": r.ID, "url": urlStr}

	boff := &backoff.Backoff{
		Min:    r.Retry.Min,
		Max:    r.Retry.Max,
		Factor: r.Retry.Factor,
		Jitter: r.Retry.Jitter,
	}

	for {

		select {
		case <-ctx.Done():
			return
		default:
		}

		dialCtx, cancel := context.WithCancel(ctx)
		err := r.Dial(dialCtx, urlStr)
		cancel()

		if err == nil {
			boff.Reset()
			log.WithFields(lf).Trace("reconws: connection ended, redialling")
			continue
		}

		d := boff.Duration()

		log.WithFields(lf).WithFields(log.Fields{"error": err, "wait": d.String()}).Debug("reconws: dial failed")

		select {
		case <-ctx.Done():
			return
		case <-time.After(d):
		}
	}
}

// Dial the websocket server once. It returns immediately if the dial fails,
// otherwise it handles traffic until the connection ends or ctx is cancelled.
func (r *ReconWs) Dial(ctx context.Context, urlStr string) error {

	lf := log.Fields{"id": r.ID, "url": urlStr}

	if urlStr == "" {
		return errors.New("can't dial an empty url")
	}

	u, err := url.Parse(urlStr)

	if err != nil {
		return err
	}

	if u.Scheme != "ws" && u.Scheme != "wss" {
		return errors.New("url needs to start with ws or wss")
	}

	if u.User != nil {
		return errors.New("url can't contain user name and password")
	}

	c, _, err := websocket.DefaultDialer.DialContext(ctx, urlStr, r.Header)

	if err != nil {
		return err
	}

	r.ConnectedAt = time.Now()
	close(r.Connected)
	defer func() {
		r.Connected = make(chan struct{})
	}()

	log.WithFields(lf).Debug("reconws: connected")

	for _, msg := range r.Greeting {
		if err := c.WriteMessage(msg.Type, msg.Data); err != nil {
			log.WithFields(lf).WithField("error", err).Info("reconws: greeting failed, closing")
			c.Close()
			return nil
		}
	}

	readClosed := make(chan struct{})

	go func() {
		defer close(readClosed)
		for {
			mt, data, err := c.ReadMessage()

			// an error is expected here when the writer closes the conn on exit
			if err != nil {
				log.WithFields(lf).WithField("error", err).Debug("reconws: read ended")
				return
			}

			if !r.ForwardIncoming {
				continue
			}

			select {
			case r.In <- WsMessage{Data: data, Type: mt}:
			case <-ctx.Done():
				return
			}
		}
	}()

	for {
		select {

		case <-readClosed:
			c.Close()
			return nil

		case msg := <-r.Out:
			if err := c.WriteMessage(msg.Type, msg.Data); err != nil {
				log.WithFields(lf).WithField("error", err).Info("reconws: write failed, closing")
				c.Close()
				return nil
			}

		case <-ctx.Done():
			err := c.WriteMessage(websocket.CloseMessage, websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""))
			if err != nil {
				log.WithFields(lf).WithField("error", err).Debug("reconws: could not send close message")
			}
			c.Close()
			return nil
		}
	}
}
