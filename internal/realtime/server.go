package realtime

import (
	"context"
	"encoding/json"
	"errors"
	"log"
	"net/http"
	"sync"
	"time"

	"audio-recorder/internal/capture"
	"audio-recorder/internal/device"
	"audio-recorder/internal/protocol"
	"audio-recorder/internal/recorder"

	"github.com/gorilla/websocket"
)

const (
	pingInterval  = 30 * time.Second
	readDeadline  = 60 * time.Second
	writeDeadline = 10 * time.Second
	sendBufSize   = 256
)

var upgrader = websocket.Upgrader{
	CheckOrigin: func(r *http.Request) bool {
		return true // Allow localhost origins for dev.
	},
}

// DeviceLister reports the currently known capture devices.
type DeviceLister interface {
	Devices() []device.Device
}

// Server exposes the recorder to WebSocket and REST clients and forwards
// session events to every connected client.
type Server struct {
	rec       *recorder.Recorder
	devices   DeviceLister
	clients   map[*client]bool
	clientsMu sync.RWMutex
	staticDir string

	// subscriptions maps each client to its session subscription ID.
	subscriptions   map[*client]string
	subscriptionsMu sync.Mutex
}

type client struct {
	conn      *websocket.Conn
	send      chan []byte
	server    *Server
	forwarded chan struct{} // closed when the event forwarder exits
}

// New creates a new realtime server. devices may be nil.
func New(rec *recorder.Recorder, devices DeviceLister, staticDir string) *Server {
	return &Server{
		rec:           rec,
		devices:       devices,
		clients:       make(map[*client]bool),
		staticDir:     staticDir,
		subscriptions: make(map[*client]string),
	}
}

// Handler returns an http.Handler with all routes configured.
func (s *Server) Handler() http.Handler {
	mux := http.NewServeMux()

	// WebSocket endpoint.
	mux.HandleFunc("/ws", s.handleWebSocket)

	// REST API endpoints.
	mux.HandleFunc("GET /recording", s.handleGetRecording)
	mux.HandleFunc("POST /recording/start", s.handleStart)
	mux.HandleFunc("POST /recording/stop", s.handleStop)
	mux.HandleFunc("POST /recording/toggle", s.handleToggle)
	mux.HandleFunc("POST /recording/cancel", s.handleCancel)
	mux.HandleFunc("GET /devices", s.handleListDevices)

	// Static file serving.
	if s.staticDir != "" {
		fileServer := http.FileServer(http.Dir(s.staticDir))
		mux.Handle("/", fileServer)
	}

	return corsMiddleware(mux)
}

func corsMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Access-Control-Allow-Origin", "*")
		w.Header().Set("Access-Control-Allow-Methods", "GET, POST, OPTIONS")
		w.Header().Set("Access-Control-Allow-Headers", "Content-Type")

		if r.Method == http.MethodOptions {
			w.WriteHeader(http.StatusOK)
			return
		}

		next.ServeHTTP(w, r)
	})
}

// handleWebSocket upgrades an HTTP connection to WebSocket.
func (s *Server) handleWebSocket(w http.ResponseWriter, r *http.Request) {
	conn, err := upgrader.Upgrade(w, r, nil)
	if err != nil {
		log.Printf("websocket upgrade error: %v", err)
		return
	}

	c := &client{
		conn:      conn,
		send:      make(chan []byte, sendBufSize),
		server:    s,
		forwarded: make(chan struct{}),
	}

	s.clientsMu.Lock()
	s.clients[c] = true
	s.clientsMu.Unlock()

	// Replay the current attempt, then the current state, then follow live events.
	s.subscribeClient(c)

	go c.writePump()
	go c.readPump()
}

// readPump reads messages from the WebSocket connection.
func (c *client) readPump() {
	defer func() {
		c.server.removeClient(c)
		c.conn.Close()
	}()

	c.conn.SetReadDeadline(time.Now().Add(readDeadline))
	c.conn.SetPongHandler(func(string) error {
		c.conn.SetReadDeadline(time.Now().Add(readDeadline))
		return nil
	})

	for {
		_, message, err := c.conn.ReadMessage()
		if err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseGoingAway, websocket.CloseNormalClosure) {
				log.Printf("websocket read error: %v", err)
			}
			return
		}

		c.server.handleMessage(c, message)
	}
}

// writePump writes messages to the WebSocket connection.
func (c *client) writePump() {
	ticker := time.NewTicker(pingInterval)
	defer func() {
		ticker.Stop()
		c.conn.Close()
	}()

	for {
		select {
		case message, ok := <-c.send:
			c.conn.SetWriteDeadline(time.Now().Add(writeDeadline))
			if !ok {
				c.conn.WriteMessage(websocket.CloseMessage, []byte{})
				return
			}

			if err := c.conn.WriteMessage(websocket.TextMessage, message); err != nil {
				return
			}

		case <-ticker.C:
			c.conn.SetWriteDeadline(time.Now().Add(writeDeadline))
			if err := c.conn.WriteMessage(websocket.PingMessage, nil); err != nil {
				return
			}
		}
	}
}

// removeClient cleans up a disconnected client.
func (s *Server) removeClient(c *client) {
	s.clientsMu.Lock()
	delete(s.clients, c)
	s.clientsMu.Unlock()

	s.subscriptionsMu.Lock()
	subID, ok := s.subscriptions[c]
	delete(s.subscriptions, c)
	s.subscriptionsMu.Unlock()

	// Unsubscribing closes the event channel and ends the forwarder; wait
	// for it so nothing writes to c.send after it is closed.
	if ok {
		s.rec.Unsubscribe(subID)
		<-c.forwarded
	}

	close(c.send)
}

// handleMessage processes a validated client message.
func (s *Server) handleMessage(c *client, raw []byte) {
	msg, err := protocol.ValidateClientMessage(raw)
	if err != nil {
		s.sendError(c, protocol.ErrInvalidMessage, err.Error())
		return
	}

	switch msg.Type {
	case protocol.TypeRecordingStart:
		s.rec.StartRecording(context.Background())
		s.broadcastSnapshot()
	case protocol.TypeRecordingStop:
		var payload protocol.RecordingStopPayload
		json.Unmarshal(msg.Payload, &payload)
		s.rec.RequestStop(payload.ShouldSave())
	case protocol.TypeRecordingCancel:
		s.rec.Cancel()
	case protocol.TypeRecordingTogglePause:
		s.rec.TogglePauseResume()
	case protocol.TypeDevicesRequest:
		s.sendDevices(c)
	}
}

func (s *Server) sendDevices(c *client) {
	msg, err := protocol.NewMessage(protocol.TypeDevicesUpdate, protocol.DevicesUpdatePayload{
		Devices: s.listDevices(),
	})
	if err != nil {
		return
	}
	s.sendTo(c, msg)
}

func (s *Server) listDevices() []device.Device {
	if s.devices == nil {
		return []device.Device{}
	}
	return s.devices.Devices()
}

// subscribeClient attaches a client to the recorder's event stream.
func (s *Server) subscribeClient(c *client) {
	subID, ch, history, err := s.rec.Subscribe()
	if err != nil {
		log.Printf("subscribe client: %v", err)
		close(c.forwarded)
		return
	}

	s.subscriptionsMu.Lock()
	s.subscriptions[c] = subID
	s.subscriptionsMu.Unlock()

	// Only the attempt in progress is replayed; the snapshot follows.
	snap := s.rec.Snapshot()
	if snap.AttemptID != "" {
		for _, event := range history {
			if event.AttemptID == snap.AttemptID {
				s.sendEvent(c, event)
			}
		}
	}
	s.sendTo(c, stateMessage(protocol.TypeRecordingUpdate, snap))

	// Forward new events.
	go func() {
		defer close(c.forwarded)
		for event := range ch {
			s.sendEvent(c, event)
		}
	}()
}

// sendEvent converts a session event into a client message. Artifact and
// acquisition failures are announced through the recorder callbacks, so
// only saved recordings are reported.
func (s *Server) sendEvent(c *client, event capture.Event) {
	switch event.Type {
	case capture.EventState, capture.EventAborted:
		s.sendTo(c, stateMessage(protocol.TypeRecordingUpdate, snapshotOf(event)))
	case capture.EventTick:
		s.sendTo(c, stateMessage(protocol.TypeRecordingTick, snapshotOf(event)))
	case capture.EventDeviceError:
		msg, _ := protocol.NewErrorMessage(protocol.ErrDeviceError, event.Err.Error())
		s.sendTo(c, msg)
	}
}

func snapshotOf(event capture.Event) capture.Snapshot {
	snap := capture.Snapshot{State: event.State, Elapsed: event.Elapsed}
	if event.State != capture.StateIdle {
		snap.AttemptID = event.AttemptID
	}
	return snap
}

func stateMessage(msgType string, snap capture.Snapshot) *protocol.Message {
	msg, _ := protocol.NewMessage(msgType, protocol.RecordingStatePayload{
		AttemptID: snap.AttemptID,
		State:     string(snap.State),
		Elapsed:   snap.Elapsed,
		Time:      snap.Formatted(),
		Acquiring: snap.Acquiring,
	})
	return msg
}

func (s *Server) sendTo(c *client, msg *protocol.Message) {
	if msg == nil {
		return
	}
	data, err := json.Marshal(msg)
	if err != nil {
		return
	}
	select {
	case c.send <- data:
	default:
	}
}

func (s *Server) sendError(c *client, code, message string) {
	msg, _ := protocol.NewErrorMessage(code, message)
	s.sendTo(c, msg)
}

// broadcastSnapshot sends the current recorder state to all clients.
func (s *Server) broadcastSnapshot() {
	s.broadcast(stateMessage(protocol.TypeRecordingUpdate, s.rec.Snapshot()))
}

// broadcast sends a message to all connected clients.
func (s *Server) broadcast(msg *protocol.Message) {
	if msg == nil {
		return
	}
	data, err := json.Marshal(msg)
	if err != nil {
		return
	}

	s.clientsMu.RLock()
	defer s.clientsMu.RUnlock()

	for c := range s.clients {
		select {
		case c.send <- data:
		default:
			// Client buffer full, skip.
		}
	}
}

// OnRecordingComplete is the recorder's completion callback. It announces
// the saved recording without sending its audio.
func (s *Server) OnRecordingComplete(a capture.Artifact) {
	msg, _ := protocol.NewMessage(protocol.TypeRecordingCompleted, protocol.RecordingCompletedPayload{
		Size:     a.Size(),
		MIMEType: a.MIMEType,
	})
	s.broadcast(msg)
}

// OnAcquireFailed is the recorder's rejection callback.
func (s *Server) OnAcquireFailed(err error) {
	msg, _ := protocol.NewMessage(protocol.TypeRecordingAcquireFailed, protocol.ErrorPayload{
		Code:    acquireErrorCode(err),
		Message: err.Error(),
	})
	s.broadcast(msg)
}

// OnDevicesUpdate is the device watcher callback.
func (s *Server) OnDevicesUpdate(devices []device.Device) {
	msg, _ := protocol.NewMessage(protocol.TypeDevicesUpdate, protocol.DevicesUpdatePayload{
		Devices: devices,
	})
	s.broadcast(msg)
}

func acquireErrorCode(err error) string {
	switch {
	case errors.Is(err, capture.ErrAcquisitionDenied):
		return protocol.ErrAcquisitionDenied
	case errors.Is(err, capture.ErrDeviceNotFound):
		return protocol.ErrDeviceNotFound
	case errors.Is(err, capture.ErrOverconstrained):
		return protocol.ErrOverconstrained
	default:
		return protocol.ErrAcquisitionFailed
	}
}
