package bus

import (
	"fmt"
	"time"

	mqtt "github.com/eclipse/paho.mqtt.golang"
	log "github.com/sirupsen/logrus"
)

// MQTT is a bus backed by an MQTT broker; addresses are topics
type MQTT struct {
	client mqtt.Client
	qos    byte
}

// DialMQTT connects to the broker at url, e.g. tcp://localhost:1883
func DialMQTT(url, name string) (*MQTT, error) {

	opts := mqtt.NewClientOptions().
		AddBroker(url).
		SetClientID(name).
		SetAutoReconnect(true).
		SetConnectRetry(true).
		SetConnectRetryInterval(2 * time.Second).
		SetConnectionLostHandler(func(_ mqtt.Client, err error) {
			log.WithFields(log.Fields{"url": url, "error": err}).Warn("mqtt connection lost")
		})

	client := mqtt.NewClient(opts)

	token := client.Connect()
	if !token.WaitTimeout(10 * time.Second) {
		return nil, fmt.Errorf("connecting to mqtt at %s: timeout", url)
	}
	if err := token.Error(); err != nil {
		return nil, fmt.Errorf("connecting to mqtt at %s: %w", url, err)
	}

	return &MQTT{client: client}, nil
}

// Subscribe forwards messages on topic address to ch
func (m *MQTT) Subscribe(address string, ch chan<- Envelope) error {

	token := m.client.Subscribe(address, m.qos, func(_ mqtt.Client, msg mqtt.Message) {
		deliver(ch, Envelope{Address: address, Data: msg.Payload(), Received: time.Now()})
	})

	token.Wait()

	if err := token.Error(); err != nil {
		return fmt.Errorf("subscribing to %s: %w", address, err)
	}

	return nil
}

// Publish sends data on topic address
func (m *MQTT) Publish(address string, data []byte) error {
	token := m.client.Publish(address, m.qos, false, data)
	token.Wait()
	return token.Error()
}

// Close disconnects from the broker
func (m *MQTT) Close() error {
	m.client.Disconnect(250)
	return nil
}
