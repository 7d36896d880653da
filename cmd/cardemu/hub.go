package main

import (
	"html/template"
	"net/http"
	"sync"
	"time"

	"github.com/gorilla/websocket"
	"github.com/hexdigest/cardemu/dispatch"
	"github.com/pkg/errors"
)

const writeTimeout = time.Second

type logger interface {
	Printf(format string, args ...interface{})
}

//hub pushes dispatcher events to every connected websocket as JSON
type hub struct {
	upgrader websocket.Upgrader // use default options
	log      logger

	mu      sync.Mutex
	sockets []*websocket.Conn
}

func newHub(lg logger) *hub {
	return &hub{log: lg}
}

//ServeHTTP upgrades http connection to websocket connection
//and registers connection in the pool
func (h *hub) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	socket, err := h.upgrader.Upgrade(w, r, nil)
	if err != nil {
		h.log.Printf("failed to create websocket connection: %v\n", err)
		return
	}

	h.log.Printf("adding socket to the pool: %s\n", socket.RemoteAddr())

	h.mu.Lock()
	h.sockets = append(h.sockets, socket)
	h.mu.Unlock()

	go h.readLoop(socket)
}

//readLoop discards whatever the browser sends, it is needed to process
//control frames and to notice the socket is closed
func (h *hub) readLoop(socket *websocket.Conn) {
	for {
		if _, _, err := socket.NextReader(); err != nil {
			h.remove(socket, err)
			return
		}
	}
}

//remove closes the socket unless it's already gone from the pool
func (h *hub) remove(socket *websocket.Conn, reason error) {
	h.mu.Lock()
	defer h.mu.Unlock()

	for i, s := range h.sockets {
		if s != socket {
			continue
		}

		h.log.Printf("removing socket from the pool: %s: %v\n", s.RemoteAddr(), reason)
		s.Close()
		h.sockets = append(h.sockets[:i], h.sockets[i+1:]...)
		return
	}
}

//run broadcasts events until the chan is closed
func (h *hub) run(events <-chan dispatch.Event) {
	for e := range events {
		h.broadcast(e)
	}

	h.mu.Lock()
	defer h.mu.Unlock()

	for _, s := range h.sockets {
		s.Close()
	}
	h.sockets = nil
}

func (h *hub) broadcast(message interface{}) {
	h.mu.Lock()
	defer h.mu.Unlock()

	alive := h.sockets[:0]
	for _, s := range h.sockets {
		if err := sendMessage(s, message); err != nil {
			h.log.Printf("removing socket from the pool: %s: %v\n", s.RemoteAddr(), err)
			s.Close()
			continue
		}

		alive = append(alive, s)
	}

	h.sockets = alive
}

func (h *hub) len() int {
	h.mu.Lock()
	defer h.mu.Unlock()

	return len(h.sockets)
}

func sendMessage(ws *websocket.Conn, message interface{}) error {
	ws.SetWriteDeadline(time.Now().Add(writeTimeout))

	if err := ws.WriteJSON(message); err != nil {
		return errors.Wrapf(err, "failed to write message to socket %s", ws.RemoteAddr())
	}

	return nil
}

func rootHandler(w http.ResponseWriter, r *http.Request) {
	rootTemplate.Execute(w, nil)
}

var rootTemplate = template.Must(template.New("").Parse(`
<!DOCTYPE html>
<html lang="en">
	<head>
		<style>
			body { font-family: monospace; margin: 1em; }
			.command { color: #06c; }
			.response { color: #080; }
			.error { color: #c00; }
			.state { color: #888; }
		</style>
	</head>
	<body>
		<div id="log"></div>
	</body>

	<script type="text/javascript">
		var ws = new WebSocket('ws://' + window.location.host + '/ws')
		ws.onmessage = function(m) {
			var e = JSON.parse(m.data)
			var line = document.createElement('div')
			line.className = e.kind
			line.textContent = '[' + e.session.substring(0, 8) + '] ' + e.kind + ': ' + (e.hex || '') + ' ' + (e.text || '')
			document.getElementById('log').prepend(line)
		};
	</script>
</html>`))
