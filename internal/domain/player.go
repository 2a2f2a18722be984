package domain

import (
	"fmt"
	"strings"
)

const (
	defaultNameIDLen = 6
	MaxPlayerNameLen = 36
)

type PlayerID string

// Player represents a client's participation in a game room.
// Ready is advisory and not read by any lifecycle transition.
type Player struct {
	ID    PlayerID `json:"id"`
	Name  string   `json:"name"`
	Team  *int     `json:"team"`
	Ready bool     `json:"ready"`
}

// NewPlayer avoids raw literals in rooms and keeps the default name rule in one place.
func NewPlayer(id PlayerID, opts RoomOptions) *Player {
	name, _ := opts.String("name")
	name = clampName(strings.TrimSpace(name))
	if name == "" {
		short := []rune(string(id))
		if len(short) > defaultNameIDLen {
			short = short[:defaultNameIDLen]
		}
		name = fmt.Sprintf("Player %s", string(short))
	}
	return &Player{ID: id, Name: name}
}

// clampName cuts name to MaxPlayerNameLen runes.
func clampName(name string) string {
	r := []rune(name)
	if len(r) > MaxPlayerNameLen {
		return string(r[:MaxPlayerNameLen])
	}
	return name
}

// Roster keeps players in join order.
type Roster struct {
	byID  map[PlayerID]*Player
	order []PlayerID
}

func NewRoster() *Roster {
	return &Roster{byID: make(map[PlayerID]*Player)}
}

// Add inserts p, replacing any player with the same id in place.
func (r *Roster) Add(p *Player) {
	if _, ok := r.byID[p.ID]; !ok {
		r.order = append(r.order, p.ID)
	}
	r.byID[p.ID] = p
}

// Remove reports whether a player was removed.
func (r *Roster) Remove(id PlayerID) bool {
	if _, ok := r.byID[id]; !ok {
		return false
	}
	delete(r.byID, id)
	for i, pid := range r.order {
		if pid == id {
			r.order = append(r.order[:i], r.order[i+1:]...)
			break
		}
	}
	return true
}

func (r *Roster) Get(id PlayerID) (*Player, bool) {
	p, ok := r.byID[id]
	return p, ok
}

func (r *Roster) Len() int { return len(r.order) }

func (r *Roster) Clear() {
	r.byID = make(map[PlayerID]*Player)
	r.order = nil
}

// Snapshot copies the players in join order.
func (r *Roster) Snapshot() []Player {
	out := make([]Player, 0, len(r.order))
	for _, id := range r.order {
		p := *r.byID[id]
		if p.Team != nil {
			team := *p.Team
			p.Team = &team
		}
		out = append(out, p)
	}
	return out
}
