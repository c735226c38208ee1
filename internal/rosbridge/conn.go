package rosbridge

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"net/http"
	"sync"
	"sync/atomic"
	"time"

	"github.com/gorilla/websocket"
)

const (
	writeWait    = 10 * time.Second
	pongWait     = 60 * time.Second
	pingInterval = 54 * time.Second
	maxFrameSize = 4 << 20
)

// Conn is a rosbridge client connection on a gorilla websocket.
type Conn struct {
	ws  *websocket.Conn
	log *slog.Logger

	writeMu sync.Mutex

	mu         sync.RWMutex
	handlers   map[string]Handler
	advertised map[string]string

	seq  atomic.Uint64
	done chan struct{}
	once sync.Once
	err  error
	errM sync.Mutex
}

// Dial opens a connection to a rosbridge server.
func Dial(ctx context.Context, rawURL string, header http.Header, log *slog.Logger) (*Conn, error) {
	if err := ValidateURL(rawURL); err != nil {
		return nil, err
	}
	d := websocket.Dialer{HandshakeTimeout: 10 * time.Second, Proxy: http.ProxyFromEnvironment}
	ws, _, err := d.DialContext(ctx, rawURL, header)
	if err != nil {
		return nil, fmt.Errorf("rosbridge: dial %s: %w", rawURL, err)
	}
	return newConn(ws, log), nil
}

// NewDialer returns a Dialer that uses Dial with the given header and logger.
func NewDialer(header http.Header, log *slog.Logger) Dialer {
	return func(ctx context.Context, rawURL string) (Transport, error) {
		c, err := Dial(ctx, rawURL, header, log)
		if err != nil {
			return nil, err
		}
		return c, nil
	}
}

func newConn(ws *websocket.Conn, log *slog.Logger) *Conn {
	if log == nil {
		log = slog.Default()
	}
	c := &Conn{
		ws:         ws,
		log:        log,
		handlers:   make(map[string]Handler),
		advertised: make(map[string]string),
		done:       make(chan struct{}),
	}
	go c.readLoop()
	go c.pingLoop()
	return c
}

func (c *Conn) nextID(op, topic string) string {
	return fmt.Sprintf("%s:%s:%d", op, topic, c.seq.Add(1))
}

func (c *Conn) send(m Message) error {
	select {
	case <-c.done:
		return ErrClosed
	default:
	}
	b, err := json.Marshal(m)
	if err != nil {
		return err
	}
	c.writeMu.Lock()
	defer c.writeMu.Unlock()
	c.ws.SetWriteDeadline(time.Now().Add(writeWait))
	if err := c.ws.WriteMessage(websocket.TextMessage, b); err != nil {
		c.fail(err)
		return err
	}
	return nil
}

// Subscribe registers h for topic and asks the server to start sending it.
func (c *Conn) Subscribe(topic, msgType string, h Handler) error {
	c.mu.Lock()
	c.handlers[topic] = h
	c.mu.Unlock()
	return c.send(Message{Op: OpSubscribe, ID: c.nextID(OpSubscribe, topic), Topic: topic, Type: msgType})
}

// Unsubscribe stops delivery for topic.
func (c *Conn) Unsubscribe(topic string) error {
	c.mu.Lock()
	_, ok := c.handlers[topic]
	delete(c.handlers, topic)
	c.mu.Unlock()
	if !ok {
		return nil
	}
	return c.send(Message{Op: OpUnsubscribe, ID: c.nextID(OpUnsubscribe, topic), Topic: topic})
}

// Advertise announces that this client publishes on topic.
func (c *Conn) Advertise(topic, msgType string) error {
	if err := c.send(Message{Op: OpAdvertise, ID: c.nextID(OpAdvertise, topic), Topic: topic, Type: msgType}); err != nil {
		return err
	}
	c.mu.Lock()
	c.advertised[topic] = msgType
	c.mu.Unlock()
	return nil
}

// Unadvertise withdraws a previous Advertise.
func (c *Conn) Unadvertise(topic string) error {
	c.mu.Lock()
	_, ok := c.advertised[topic]
	delete(c.advertised, topic)
	c.mu.Unlock()
	if !ok {
		return nil
	}
	return c.send(Message{Op: OpUnadvertise, ID: c.nextID(OpUnadvertise, topic), Topic: topic})
}

// Publish sends msg on an advertised topic.
func (c *Conn) Publish(topic string, msg any) error {
	c.mu.RLock()
	_, ok := c.advertised[topic]
	c.mu.RUnlock()
	if !ok {
		return ErrNotAdvertised
	}
	body, err := json.Marshal(msg)
	if err != nil {
		return err
	}
	return c.send(Message{Op: OpPublish, Topic: topic, Msg: body})
}

// Close sends a close frame and tears the connection down.
func (c *Conn) Close() error {
	c.writeMu.Lock()
	_ = c.ws.WriteControl(websocket.CloseMessage,
		websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""), time.Now().Add(time.Second))
	c.writeMu.Unlock()
	c.fail(nil)
	return nil
}

func (c *Conn) Done() <-chan struct{} { return c.done }

func (c *Conn) Err() error {
	c.errM.Lock()
	defer c.errM.Unlock()
	return c.err
}

func (c *Conn) fail(err error) {
	c.once.Do(func() {
		c.errM.Lock()
		c.err = err
		c.errM.Unlock()
		close(c.done)
		c.ws.Close()
	})
}

func (c *Conn) readLoop() {
	c.ws.SetReadLimit(maxFrameSize)
	c.ws.SetReadDeadline(time.Now().Add(pongWait))
	c.ws.SetPongHandler(func(string) error { c.ws.SetReadDeadline(time.Now().Add(pongWait)); return nil })
	for {
		_, data, err := c.ws.ReadMessage()
		if err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseGoingAway, websocket.CloseNormalClosure) {
				c.log.Warn("rosbridge read failed", "err", err)
			}
			c.fail(err)
			return
		}
		c.ws.SetReadDeadline(time.Now().Add(pongWait))
		var m Message
		if err := json.Unmarshal(data, &m); err != nil {
			c.log.Warn("rosbridge frame is not JSON", "err", err)
			continue
		}
		switch m.Op {
		case OpPublish:
			c.mu.RLock()
			h := c.handlers[m.Topic]
			c.mu.RUnlock()
			if h != nil {
				h(m.Msg)
			}
		case OpStatus:
			c.log.Info("rosbridge status", "level", m.Level, "msg", string(m.Msg))
		}
	}
}

func (c *Conn) pingLoop() {
	ticker := time.NewTicker(pingInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ticker.C:
			c.writeMu.Lock()
			err := c.ws.WriteControl(websocket.PingMessage, nil, time.Now().Add(writeWait))
			c.writeMu.Unlock()
			if err != nil {
				c.fail(err)
				return
			}
		case <-c.done:
			return
		}
	}
}
