package main

import (
	cryptorand "crypto/rand"
	"encoding/hex"
	"fmt"
	"time"
)

const tokenLength = 32

// Player ties an auth token to a dog inside a session. The dog is
// addressed by id, never by pointer: retirement invalidates the handle.
type Player struct {
	Token   string
	Session *GameSession
	DogID   DogID
}

// Players is the process-wide registry of live players. All methods must
// run on the API strand.
type Players struct {
	byToken map[string]*Player
	list    []*Player
}

func newPlayers() *Players {
	return &Players{byToken: make(map[string]*Player)}
}

// mintToken draws 16 random bytes and hex-encodes them. Tokens are bearer
// credentials, so the source is crypto/rand.
func mintToken() string {
	buf := make([]byte, tokenLength/2)
	if _, err := cryptorand.Read(buf); err != nil {
		return fmt.Sprintf("%032x", time.Now().UnixNano())
	}
	return hex.EncodeToString(buf)
}

func validToken(token string) bool {
	if len(token) != tokenLength {
		return false
	}
	for _, c := range token {
		switch {
		case c >= '0' && c <= '9':
		case c >= 'a' && c <= 'f':
		case c >= 'A' && c <= 'F':
		default:
			return false
		}
	}
	return true
}

// add registers a new player for the dog and returns it with its freshly
// minted token. Mint collisions are redrawn.
func (ps *Players) add(session *GameSession, dogID DogID) (*Player, string) {
	token := mintToken()
	for ps.byToken[token] != nil {
		token = mintToken()
	}
	p := &Player{Token: token, Session: session, DogID: dogID}
	ps.byToken[token] = p
	ps.list = append(ps.list, p)
	return p, token
}

// addWithToken registers a player under a known token. Only the snapshot
// restore path uses it.
func (ps *Players) addWithToken(token string, session *GameSession, dogID DogID) error {
	if !validToken(token) {
		return fmt.Errorf("malformed token %q", token)
	}
	if ps.byToken[token] != nil {
		return fmt.Errorf("duplicate token %q", token)
	}
	p := &Player{Token: token, Session: session, DogID: dogID}
	ps.byToken[token] = p
	ps.list = append(ps.list, p)
	return nil
}

func (ps *Players) findByToken(token string) *Player { return ps.byToken[token] }

func (ps *Players) count() int { return len(ps.list) }

// RetiredPlayer is what retirement leaves behind for the leaderboard.
type RetiredPlayer struct {
	Name     string
	Score    int
	PlayTime time.Duration
}

// retireIdle removes every player whose dog has been idle for at least
// threshold, dropping the dog from its session, and reports the final
// standing of each. The survivors keep their relative order.
func (ps *Players) retireIdle(threshold time.Duration) []RetiredPlayer {
	var retired []RetiredPlayer
	kept := ps.list[:0]
	for _, p := range ps.list {
		dog := p.Session.dog(p.DogID)
		if dog == nil {
			delete(ps.byToken, p.Token)
			continue
		}
		if dog.IdleTime >= threshold {
			retired = append(retired, RetiredPlayer{
				Name:     dog.Name,
				Score:    dog.Score,
				PlayTime: dog.PlayTime,
			})
			p.Session.removeDog(p.DogID)
			delete(ps.byToken, p.Token)
			continue
		}
		kept = append(kept, p)
	}
	ps.list = kept
	return retired
}
