package bridgesim

import (
	"context"
	"encoding/json"
	"errors"
	"log/slog"
	"net/http"
	"sync"
	"time"

	"github.com/gorilla/websocket"

	"droneops-gcs/internal/command"
	"droneops-gcs/internal/link"
	"droneops-gcs/internal/rosbridge"
	"droneops-gcs/internal/schedule"
	"droneops-gcs/internal/telemetry"
)

// Options configures a Server.
type Options struct {
	Drones    int
	Tick      time.Duration
	CenterLat float64
	CenterLon float64
	Seed      int64
	Topics    link.Topics
	Clock     schedule.Clock
	Logger    *slog.Logger
}

// Server is a rosbridge endpoint backed by a Fleet.
type Server struct {
	fleet  *Fleet
	tick   time.Duration
	topics link.Topics
	clock  schedule.Clock
	log    *slog.Logger
	up     websocket.Upgrader

	mu      sync.Mutex
	clients map[*client]struct{}
}

type client struct {
	ws     *websocket.Conn
	wmu    sync.Mutex
	mu     sync.Mutex
	topics map[string]bool
}

func (c *client) send(m rosbridge.Message) error {
	c.wmu.Lock()
	defer c.wmu.Unlock()
	c.ws.SetWriteDeadline(time.Now().Add(5 * time.Second))
	return c.ws.WriteJSON(m)
}

func (c *client) subscribed(topic string) bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.topics[topic]
}

func NewServer(opts Options) *Server {
	if opts.Drones <= 0 {
		opts.Drones = 4
	}
	if opts.Tick <= 0 {
		opts.Tick = time.Second
	}
	if opts.Topics == (link.Topics{}) {
		opts.Topics = link.DefaultTopics()
	}
	if opts.Clock == nil {
		opts.Clock = schedule.Real{}
	}
	if opts.Logger == nil {
		opts.Logger = slog.Default()
	}
	if opts.Seed == 0 {
		opts.Seed = time.Now().UnixNano()
	}
	return &Server{
		fleet:   NewFleet(opts.Drones, opts.CenterLat, opts.CenterLon, opts.Seed),
		tick:    opts.Tick,
		topics:  opts.Topics,
		clock:   opts.Clock,
		log:     opts.Logger.With("component", "bridgesim"),
		up:      websocket.Upgrader{CheckOrigin: func(*http.Request) bool { return true }},
		clients: make(map[*client]struct{}),
	}
}

// Fleet exposes the simulated fleet.
func (s *Server) Fleet() *Fleet { return s.fleet }

// Clients returns the number of connected clients.
func (s *Server) Clients() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.clients)
}

// Start begins publishing status frames every tick. The returned timer
// stops the loop.
func (s *Server) Start() schedule.Timer {
	return s.clock.Every(s.tick, s.Tick)
}

// Tick advances the fleet once and publishes the resulting frames.
func (s *Server) Tick() {
	if ms, ok := s.fleet.CompleteEmergency(); ok {
		s.publishMission(ms)
	}
	s.fleet.Step(s.tick)
	frame := s.fleet.Frame(s.clock.Now())
	body, err := json.Marshal(frame)
	if err != nil {
		s.log.Error("encode status", "err", err)
		return
	}
	s.broadcast(rosbridge.Message{Op: rosbridge.OpPublish, Topic: s.topics.Status, Msg: body})
}

func (s *Server) publishMission(ms telemetry.MissionStatus) {
	body, err := telemetry.EncodeMissionStatus(ms)
	if err != nil {
		s.log.Error("encode mission", "err", err)
		return
	}
	s.log.Info("mission status", "mission", ms.MissionID, "state", ms.State.String())
	s.broadcast(rosbridge.Message{Op: rosbridge.OpPublish, Topic: s.topics.Mission, Msg: body})
}

func (s *Server) broadcast(m rosbridge.Message) {
	s.mu.Lock()
	targets := make([]*client, 0, len(s.clients))
	for c := range s.clients {
		if c.subscribed(m.Topic) {
			targets = append(targets, c)
		}
	}
	s.mu.Unlock()
	for _, c := range targets {
		if err := c.send(m); err != nil {
			s.log.Debug("drop client", "err", err)
			c.ws.Close()
		}
	}
}

// ServeHTTP upgrades the request and serves one rosbridge client.
func (s *Server) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	ws, err := s.up.Upgrade(w, r, nil)
	if err != nil {
		s.log.Warn("upgrade failed", "err", err)
		return
	}
	c := &client{ws: ws, topics: make(map[string]bool)}
	s.mu.Lock()
	s.clients[c] = struct{}{}
	s.mu.Unlock()
	s.log.Info("client connected", "remote", r.RemoteAddr)
	defer func() {
		s.mu.Lock()
		delete(s.clients, c)
		s.mu.Unlock()
		ws.Close()
		s.log.Info("client disconnected", "remote", r.RemoteAddr)
	}()
	for {
		var m rosbridge.Message
		if err := ws.ReadJSON(&m); err != nil {
			return
		}
		s.handle(c, m)
	}
}

func (s *Server) handle(c *client, m rosbridge.Message) {
	switch m.Op {
	case rosbridge.OpSubscribe:
		c.mu.Lock()
		c.topics[m.Topic] = true
		c.mu.Unlock()
		if m.Topic == s.topics.Mission {
			if ms := s.fleet.Mission(); ms != nil {
				if body, err := telemetry.EncodeMissionStatus(*ms); err == nil {
					c.send(rosbridge.Message{Op: rosbridge.OpPublish, Topic: m.Topic, Msg: body})
				}
			}
		}
	case rosbridge.OpUnsubscribe:
		c.mu.Lock()
		delete(c.topics, m.Topic)
		c.mu.Unlock()
	case rosbridge.OpAdvertise, rosbridge.OpUnadvertise:
	case rosbridge.OpPublish:
		if err := s.handlePublish(m); err != nil {
			s.log.Warn("command rejected", "topic", m.Topic, "err", err)
			c.send(rosbridge.Message{Op: rosbridge.OpStatus, Level: "error", ID: m.ID, Msg: statusText(err)})
		}
	default:
		s.log.Debug("ignoring op", "op", m.Op)
	}
}

func statusText(err error) json.RawMessage {
	b, _ := json.Marshal(err.Error())
	return b
}

func (s *Server) handlePublish(m rosbridge.Message) error {
	var str rosbridge.StringMsg
	if err := json.Unmarshal(m.Msg, &str); err != nil {
		return err
	}
	data := []byte(str.Data)
	switch m.Topic {
	case s.topics.MissionPlan:
		var plan command.MissionPlan
		if err := json.Unmarshal(data, &plan); err != nil {
			return err
		}
		ms, err := s.fleet.LoadPlan(plan)
		if err != nil {
			return err
		}
		s.publishMission(ms)
	case s.topics.MissionCommand:
		var cmd command.MissionCommand
		if err := json.Unmarshal(data, &cmd); err != nil {
			return err
		}
		ms, err := s.fleet.ApplyMission(cmd)
		if err != nil {
			return err
		}
		s.publishMission(ms)
	case s.topics.Gyro:
		var cmd command.GyroCommand
		if err := json.Unmarshal(data, &cmd); err != nil {
			return err
		}
		return s.fleet.ApplyGyro(cmd)
	default:
		return errors.New("unknown topic " + m.Topic)
	}
	return nil
}

// ListenAndServe serves the bridge on addr and ticks until ctx is done.
func (s *Server) ListenAndServe(ctx context.Context, addr string) error {
	srv := &http.Server{Addr: addr, Handler: s, ReadHeaderTimeout: 5 * time.Second}
	ticker := s.Start()
	defer ticker.Stop()
	go func() {
		<-ctx.Done()
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
		defer cancel()
		srv.Shutdown(shutdownCtx)
		s.mu.Lock()
		for c := range s.clients {
			c.ws.Close()
		}
		s.mu.Unlock()
	}()
	s.log.Info("bridge simulator listening", "addr", addr, "drones", len(s.fleet.drones))
	if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
		return err
	}
	return nil
}
