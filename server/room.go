package server

import "sync"

// room is the set of local clients attached to one session.
type room struct {
	mu      sync.RWMutex
	clients map[*Client]bool
}

func newRoom() *room {
	return &room{clients: make(map[*Client]bool)}
}

func (r *room) add(c *Client) {
	r.mu.Lock()
	r.clients[c] = true
	r.mu.Unlock()
}

// remove detaches c and reports whether the room is now empty.
func (r *room) remove(c *Client) bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	delete(r.clients, c)
	return len(r.clients) == 0
}

// send delivers ev to every client except its sender.
func (r *room) send(ev Event) {
	data := Encode(ev)
	r.mu.RLock()
	defer r.mu.RUnlock()
	for c := range r.clients {
		if c.ID != ev.Sender {
			c.enqueue(data)
		}
	}
}

func (r *room) clientInfos() []ClientInfo {
	r.mu.RLock()
	defer r.mu.RUnlock()
	infos := make([]ClientInfo, 0, len(r.clients))
	for c := range r.clients {
		infos = append(infos, c.Info())
	}
	return infos
}
