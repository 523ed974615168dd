package registry

import (
	"testing"

	"github.com/TamakiIroha3/Online-Theatre-With-Chat-Room/internal/domain"
)

func TestAdmitDeduplicatesNicknames(t *testing.T) {
	r := New("host", domain.RoleSender)

	got, err := r.Admit("c1", "Saber", domain.RoleReceiver, nil, "p1")
	if err != nil {
		t.Fatalf("admit: %v", err)
	}
	if got != "Saber" {
		t.Errorf("first Saber should keep the name, got %q", got)
	}

	got, _ = r.Admit("c2", "Saber", domain.RoleReceiver, nil, "p2")
	if got != "Saber_2" {
		t.Errorf("expected Saber_2, got %q", got)
	}

	got, _ = r.Admit("c3", "Saber", domain.RoleReceiver, nil, "p3")
	if got != "Saber_3" {
		t.Errorf("expected Saber_3, got %q", got)
	}

	// The host nickname is reserved from the start.
	got, _ = r.Admit("c4", "host", domain.RoleReceiver, nil, "p4")
	if got != "host_2" {
		t.Errorf("expected host_2, got %q", got)
	}
}

func TestAdmitRejectsDuplicateID(t *testing.T) {
	r := New("host", domain.RoleSender)

	if _, err := r.Admit("c1", "a", domain.RoleReceiver, nil, "p1"); err != nil {
		t.Fatalf("admit: %v", err)
	}
	if _, err := r.Admit("c1", "b", domain.RoleReceiver, nil, "p2"); err == nil {
		t.Fatal("expected error for duplicate client id")
	}
}

func TestRemoveFreesNickname(t *testing.T) {
	r := New("host", domain.RoleSender)

	r.Admit("c1", "Saber", domain.RoleReceiver, nil, "p1")
	e := r.Remove("c1")
	if e == nil || e.Nickname != "Saber" {
		t.Fatalf("expected removed entry for Saber, got %+v", e)
	}
	if r.Remove("c1") != nil {
		t.Error("second remove should return nil")
	}

	got, _ := r.Admit("c2", "Saber", domain.RoleReceiver, nil, "p2")
	if got != "Saber" {
		t.Errorf("nickname should be free again, got %q", got)
	}
}

func TestMembersRoster(t *testing.T) {
	r := New("host", domain.RoleSender)

	r.Admit("c1", "alice", domain.RoleReceiver, nil, "p1")
	r.Admit("c2", "bob", domain.RoleReceiver, nil, "p2")

	members := r.Members()
	if len(members) != 3 {
		t.Fatalf("expected 3 members, got %d", len(members))
	}
	if members[0].Nickname != "host" || members[0].Role != domain.RoleSender {
		t.Errorf("host must lead the roster, got %+v", members[0])
	}
	if members[1].Nickname != "alice" || members[2].Nickname != "bob" {
		t.Errorf("guests should follow in admission order, got %+v", members[1:])
	}

	if r.Len() != 2 {
		t.Errorf("Len counts guests only, got %d", r.Len())
	}
}
