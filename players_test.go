package main

import (
	"testing"
	"time"
)

func TestMintTokenShape(t *testing.T) {
	seen := make(map[string]bool)
	for i := 0; i < 200; i++ {
		token := mintToken()
		if !validToken(token) {
			t.Fatalf("minted token %q is not 32 hex chars", token)
		}
		if seen[token] {
			t.Fatalf("token %q minted twice", token)
		}
		seen[token] = true
	}
}

func TestValidToken(t *testing.T) {
	cases := []struct {
		token string
		want  bool
	}{
		{"0123456789abcdef0123456789abcdef", true},
		{"0123456789ABCDEF0123456789ABCDEF", true},
		{"0123456789abcdef0123456789abcde", false},
		{"0123456789abcdef0123456789abcdef0", false},
		{"0123456789abcdeg0123456789abcdef", false},
		{"", false},
	}
	for _, tc := range cases {
		if got := validToken(tc.token); got != tc.want {
			t.Fatalf("validToken(%q) = %v, want %v", tc.token, got, tc.want)
		}
	}
}

func TestPlayersAddAndFind(t *testing.T) {
	s := newSession(horizontalTown(), testRNG())
	ps := newPlayers()

	a := s.createDog("A", false)
	b := s.createDog("B", false)
	pa, ta := ps.add(s, a.ID)
	pb, tb := ps.add(s, b.ID)

	if ta == tb {
		t.Fatalf("two players share a token")
	}
	if ps.findByToken(ta) != pa || ps.findByToken(tb) != pb {
		t.Fatalf("token lookup broken")
	}
	if ps.findByToken("0123456789abcdef0123456789abcdef") != nil {
		t.Fatalf("unknown token should not resolve")
	}
	if ps.count() != 2 {
		t.Fatalf("count = %d, want 2", ps.count())
	}
}

func TestPlayersAddWithToken(t *testing.T) {
	s := newSession(horizontalTown(), testRNG())
	ps := newPlayers()
	dog := s.createDog("A", false)

	const token = "0123456789abcdef0123456789abcdef"
	if err := ps.addWithToken(token, s, dog.ID); err != nil {
		t.Fatalf("addWithToken: %v", err)
	}
	if ps.findByToken(token) == nil {
		t.Fatalf("restored token should resolve")
	}
	if err := ps.addWithToken(token, s, dog.ID); err == nil {
		t.Fatalf("duplicate token must be rejected")
	}
	if err := ps.addWithToken("not-a-token", s, dog.ID); err == nil {
		t.Fatalf("malformed token must be rejected")
	}
}

func TestRetireIdleRemovesPlayerAndDog(t *testing.T) {
	s := newSession(horizontalTown(), testRNG())
	ps := newPlayers()

	idler := s.createDog("Idler", false)
	idler.Score = 7
	idler.PlayTime = 90 * time.Second
	idler.IdleTime = time.Minute
	_, idleToken := ps.add(s, idler.ID)

	active := s.createDog("Active", false)
	active.IdleTime = 59 * time.Second
	activePlayer, _ := ps.add(s, active.ID)

	retired := ps.retireIdle(time.Minute)

	if len(retired) != 1 {
		t.Fatalf("want one retiree, got %+v", retired)
	}
	got := retired[0]
	if got.Name != "Idler" || got.Score != 7 || got.PlayTime != 90*time.Second {
		t.Fatalf("retiree standing wrong: %+v", got)
	}
	if ps.findByToken(idleToken) != nil {
		t.Fatalf("retired token should stop resolving")
	}
	if s.dog(idler.ID) != nil {
		t.Fatalf("retired dog should leave the session")
	}
	if ps.count() != 1 || ps.list[0] != activePlayer {
		t.Fatalf("survivor should keep playing: %+v", ps.list)
	}
	if s.dog(active.ID) == nil {
		t.Fatalf("survivor's dog should stay in the session")
	}
}

func TestRetireIdleExactThreshold(t *testing.T) {
	s := newSession(horizontalTown(), testRNG())
	ps := newPlayers()
	dog := s.createDog("Edge", false)
	dog.IdleTime = time.Minute
	ps.add(s, dog.ID)

	if got := ps.retireIdle(time.Minute); len(got) != 1 {
		t.Fatalf("idle time equal to the threshold should retire, got %+v", got)
	}
}
