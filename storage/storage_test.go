package storage

import (
	"testing"

	"github.com/marzneshin/marznode/model"
)

func TestRegisterAndListInbounds(t *testing.T) {
	s := NewMemory()
	s.RegisterInbound(model.Inbound{Tag: "vless-tcp", Protocol: model.ProtocolVLess})
	s.RegisterInbound(model.Inbound{Tag: "trojan-tcp", Protocol: model.ProtocolTrojan})

	all := s.ListInbounds()
	if len(all) != 2 {
		t.Fatalf("expected 2 inbounds, got %d", len(all))
	}

	filtered := s.ListInbounds("vless-tcp", "unknown-tag")
	if len(filtered) != 1 || filtered[0].Tag != "vless-tcp" {
		t.Fatalf("unexpected filtered result: %+v", filtered)
	}
}

func TestRemoveInboundDropsEdges(t *testing.T) {
	s := NewMemory()
	s.RegisterInbound(model.Inbound{Tag: "vless-tcp"})
	s.UpdateUserInbounds(model.User{ID: 1, Username: "alice"}, []model.Inbound{{Tag: "vless-tcp"}})

	s.RemoveInbound("vless-tcp")

	if users := s.ListInboundUsers("vless-tcp"); len(users) != 0 {
		t.Fatalf("expected no users after inbound removal, got %d", len(users))
	}
	u, ok := s.GetUser(1)
	if !ok {
		t.Fatalf("user should still exist")
	}
	if len(u.Inbounds) != 0 {
		t.Fatalf("expected user's edge to be dropped, got %+v", u.Inbounds)
	}
}

func TestUpdateUserInboundsReplacesSetAtomically(t *testing.T) {
	s := NewMemory()
	s.RegisterInbound(model.Inbound{Tag: "A"})
	s.RegisterInbound(model.Inbound{Tag: "B"})
	s.RegisterInbound(model.Inbound{Tag: "C"})

	user := model.User{ID: 7, Username: "alice"}
	s.UpdateUserInbounds(user, []model.Inbound{{Tag: "A"}, {Tag: "B"}})

	if users := s.ListInboundUsers("A"); len(users) != 1 {
		t.Fatalf("expected alice on A")
	}

	// Diff to {B, C}
	s.UpdateUserInbounds(user, []model.Inbound{{Tag: "B"}, {Tag: "C"}})

	if users := s.ListInboundUsers("A"); len(users) != 0 {
		t.Fatalf("expected alice removed from A, got %d", len(users))
	}
	if users := s.ListInboundUsers("C"); len(users) != 1 {
		t.Fatalf("expected alice added to C")
	}
	if users := s.ListInboundUsers("B"); len(users) != 1 {
		t.Fatalf("expected alice to remain on B (untouched)")
	}
}

func TestRemoveUserDropsAllEdges(t *testing.T) {
	s := NewMemory()
	s.RegisterInbound(model.Inbound{Tag: "A"})
	user := model.User{ID: 1, Username: "bob"}
	s.UpdateUserInbounds(user, []model.Inbound{{Tag: "A"}})

	s.RemoveUser(1)

	if _, ok := s.GetUser(1); ok {
		t.Fatalf("user should be gone")
	}
	if users := s.ListInboundUsers("A"); len(users) != 0 {
		t.Fatalf("expected edge dropped after user removal")
	}
}

func TestFlushUsersClearsAllButKeepsInbounds(t *testing.T) {
	s := NewMemory()
	s.RegisterInbound(model.Inbound{Tag: "A"})
	s.UpdateUserInbounds(model.User{ID: 1, Username: "a"}, []model.Inbound{{Tag: "A"}})
	s.UpdateUserInbounds(model.User{ID: 2, Username: "b"}, []model.Inbound{{Tag: "A"}})

	s.FlushUsers()

	if users := s.ListUsers(); len(users) != 0 {
		t.Fatalf("expected 0 users after flush, got %d", len(users))
	}
	if inbounds := s.ListInbounds(); len(inbounds) != 1 {
		t.Fatalf("flush should not remove inbounds")
	}
}

func TestListUsersReturnsIndependentCopies(t *testing.T) {
	s := NewMemory()
	s.RegisterInbound(model.Inbound{Tag: "A"})
	s.UpdateUserInbounds(model.User{ID: 1, Username: "a"}, []model.Inbound{{Tag: "A"}})

	u, _ := s.GetUser(1)
	delete(u.Inbounds, "A")

	u2, _ := s.GetUser(1)
	if len(u2.Inbounds) != 1 {
		t.Fatalf("mutating a returned copy should not affect storage state")
	}
}
