// Package rosbridge speaks the rosbridge v2 JSON protocol over a websocket.
package rosbridge

import (
	"context"
	"encoding/json"
	"errors"
	"net/url"
	"strings"
)

// Protocol operations used by the GCS.
const (
	OpSubscribe   = "subscribe"
	OpUnsubscribe = "unsubscribe"
	OpAdvertise   = "advertise"
	OpUnadvertise = "unadvertise"
	OpPublish     = "publish"
	OpStatus      = "status"
)

// StringType is the generic string message used to carry JSON bodies.
const StringType = "std_msgs/msg/String"

// Message is one protocol frame. Unused fields are omitted.
type Message struct {
	Op    string          `json:"op"`
	ID    string          `json:"id,omitempty"`
	Topic string          `json:"topic,omitempty"`
	Type  string          `json:"type,omitempty"`
	Msg   json.RawMessage `json:"msg,omitempty"`
	Level string          `json:"level,omitempty"`
}

// StringMsg is the body of a std_msgs/String message.
type StringMsg struct {
	Data string `json:"data"`
}

// Handler receives the msg field of each publish on a subscribed topic.
type Handler func(msg json.RawMessage)

var (
	ErrClosed        = errors.New("rosbridge: connection closed")
	ErrNotAdvertised = errors.New("rosbridge: topic not advertised")
)

// Transport is a live bridge connection.
type Transport interface {
	Subscribe(topic, msgType string, h Handler) error
	Unsubscribe(topic string) error
	Advertise(topic, msgType string) error
	Unadvertise(topic string) error
	Publish(topic string, msg any) error
	Close() error
	// Done is closed when the connection ends for any reason.
	Done() <-chan struct{}
	// Err returns the error that ended the connection, nil after Close.
	Err() error
}

// Dialer opens a Transport.
type Dialer func(ctx context.Context, url string) (Transport, error)

// UpgradeScheme rewrites ws:// to wss:// when secure is set, so a GCS
// served over TLS never opens a plaintext bridge connection.
func UpgradeScheme(raw string, secure bool) string {
	if !secure {
		return raw
	}
	if strings.HasPrefix(raw, "ws://") {
		return "wss://" + strings.TrimPrefix(raw, "ws://")
	}
	return raw
}

// ValidateURL checks that raw is a ws or wss URL with a host.
func ValidateURL(raw string) error {
	u, err := url.Parse(raw)
	if err != nil {
		return err
	}
	if u.Scheme != "ws" && u.Scheme != "wss" {
		return errors.New("rosbridge: url scheme must be ws or wss")
	}
	if u.Host == "" {
		return errors.New("rosbridge: url has no host")
	}
	return nil
}
