package handlers

import (
	"net/http"
	"time"

	"github.com/gorilla/mux"
	"github.com/gorilla/websocket"

	"github.com/jake-scott/devicehub/internal/pkg/events"
	"github.com/jake-scott/devicehub/internal/pkg/logging"
)

const (
	writeWait  = 10 * time.Second
	pongWait   = 60 * time.Second
	pingPeriod = pongWait * 9 / 10
)

// Source is where the stream takes its events from; hub.Hub satisfies it
type Source interface {
	Subscribe() (<-chan events.Event, func())
}

// EventStream pushes device updates to websocket clients as JSON messages,
// one per event
type EventStream struct {
	source   Source
	upgrader websocket.Upgrader
}

func NewEventStream(source Source, allowedOrigins []string) *EventStream {
	s := &EventStream{
		source: source,
		upgrader: websocket.Upgrader{
			ReadBufferSize:  1024,
			WriteBufferSize: 1024,
		},
	}
	if len(allowedOrigins) > 0 {
		s.upgrader.CheckOrigin = originChecker(allowedOrigins)
	}
	return s
}

func originChecker(allowed []string) func(r *http.Request) bool {
	return func(r *http.Request) bool {
		origin := r.Header.Get("Origin")
		if origin == "" {
			return true
		}
		for _, a := range allowed {
			if a == "*" || a == origin {
				return true
			}
		}
		return false
	}
}

func (s *EventStream) Register(r *mux.Router) {
	r.Handle("/events", s).Methods(http.MethodGet)
}

func (s *EventStream) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	if _, err := principal(r); err != nil {
		sendError(w, r, err)
		return
	}

	conn, err := s.upgrader.Upgrade(w, r, nil)
	if err != nil {
		// Upgrade has already replied
		logging.Logger(r.Context()).WithError(err).Info("websocket upgrade failed")
		return
	}
	defer conn.Close()

	log := logging.Component(r.Context(), "events").WithField("remote", r.RemoteAddr)
	log.Info("event stream opened")

	ch, cancel := s.source.Subscribe()
	defer cancel()

	// the reader only handles control frames and notices the client leaving
	closed := make(chan struct{})
	go func() {
		defer close(closed)
		conn.SetReadLimit(512)
		_ = conn.SetReadDeadline(time.Now().Add(pongWait))
		conn.SetPongHandler(func(string) error {
			return conn.SetReadDeadline(time.Now().Add(pongWait))
		})
		for {
			if _, _, err := conn.ReadMessage(); err != nil {
				return
			}
		}
	}()

	ticker := time.NewTicker(pingPeriod)
	defer ticker.Stop()

	for {
		select {
		case ev, ok := <-ch:
			if !ok {
				_ = conn.WriteControl(websocket.CloseMessage,
					websocket.FormatCloseMessage(websocket.CloseGoingAway, "shutting down"),
					time.Now().Add(writeWait))
				return
			}
			_ = conn.SetWriteDeadline(time.Now().Add(writeWait))
			if err := conn.WriteJSON(ev); err != nil {
				log.WithError(err).Info("event stream write failed")
				return
			}

		case <-ticker.C:
			if err := conn.WriteControl(websocket.PingMessage, nil, time.Now().Add(writeWait)); err != nil {
				return
			}

		case <-closed:
			log.Info("event stream closed by client")
			return

		case <-r.Context().Done():
			return
		}
	}
}
