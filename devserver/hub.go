package devserver

import (
	"sync"
	"time"

	"github.com/gorilla/websocket"
	log "github.com/sirupsen/logrus"

	"github.com/nkitajim/task-collabo/domain"
)

const (
	writeWait  = 10 * time.Second
	sendBuffer = 64
)

type peer struct {
	conn *websocket.Conn
	send chan []byte
	once sync.Once
}

func (p *peer) close() {
	p.once.Do(func() { close(p.send) })
}

// hub fans broadcasts out to the sockets subscribed to each board.
type hub struct {
	mu     sync.Mutex
	peers  map[domain.ID]map[*peer]struct{}
	logger *log.Logger
}

func newHub(logger *log.Logger) *hub {
	return &hub{peers: map[domain.ID]map[*peer]struct{}{}, logger: logger}
}

func (h *hub) join(boardID domain.ID, conn *websocket.Conn) *peer {
	p := &peer{conn: conn, send: make(chan []byte, sendBuffer)}
	h.mu.Lock()
	if h.peers[boardID] == nil {
		h.peers[boardID] = map[*peer]struct{}{}
	}
	h.peers[boardID][p] = struct{}{}
	h.mu.Unlock()
	go h.writer(boardID, p)
	return p
}

func (h *hub) leave(boardID domain.ID, p *peer) {
	h.mu.Lock()
	if set := h.peers[boardID]; set != nil {
		delete(set, p)
		if len(set) == 0 {
			delete(h.peers, boardID)
		}
	}
	h.mu.Unlock()
	p.close()
}

// broadcast queues msg for every peer of the board. Peers that cannot keep
// up are disconnected; they resynchronise on reconnect.
func (h *hub) broadcast(boardID domain.ID, msg []byte) {
	h.mu.Lock()
	var slow []*peer
	for p := range h.peers[boardID] {
		select {
		case p.send <- msg:
		default:
			slow = append(slow, p)
		}
	}
	h.mu.Unlock()
	for _, p := range slow {
		h.logger.WithField("board_id", string(boardID)).Warn("dropping slow subscriber")
		h.leave(boardID, p)
	}
}

// disconnect closes every socket of the board.
func (h *hub) disconnect(boardID domain.ID) {
	h.mu.Lock()
	peers := make([]*peer, 0, len(h.peers[boardID]))
	for p := range h.peers[boardID] {
		peers = append(peers, p)
	}
	h.mu.Unlock()
	for _, p := range peers {
		h.leave(boardID, p)
	}
}

func (h *hub) count(boardID domain.ID) int {
	h.mu.Lock()
	defer h.mu.Unlock()
	return len(h.peers[boardID])
}

func (h *hub) writer(boardID domain.ID, p *peer) {
	defer p.conn.Close()
	for msg := range p.send {
		_ = p.conn.SetWriteDeadline(time.Now().Add(writeWait))
		if err := p.conn.WriteMessage(websocket.TextMessage, msg); err != nil {
			h.logger.WithError(err).WithField("board_id", string(boardID)).Debug("write to subscriber failed")
			h.leave(boardID, p)
			return
		}
	}
	_ = p.conn.WriteControl(websocket.CloseMessage,
		websocket.FormatCloseMessage(websocket.CloseGoingAway, ""), time.Now().Add(writeWait))
}
