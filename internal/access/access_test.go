package access

import (
	"testing"

	"atelier/internal/store"
)

func user(id, role string) store.User {
	return store.User{ID: id, Username: id, Role: role}
}

func roleGrant(role string) store.VisibilityGrant {
	return store.VisibilityGrant{ProjectKey: "p", Role: role}
}

func userGrant(role, userID string) store.VisibilityGrant {
	return store.VisibilityGrant{ProjectKey: "p", Role: role, UserID: &userID}
}

func TestCanReadNoGrantsIsPublic(t *testing.T) {
	for _, role := range []string{"viewer", "user", "admin"} {
		if !CanRead(user("u1", role), nil) {
			t.Errorf("role %s: expected read access to ungated project", role)
		}
	}
}

func TestCanReadIndividualGrantOverridesRoleRules(t *testing.T) {
	grants := []store.VisibilityGrant{roleGrant("admin"), userGrant("viewer", "v1")}
	if !CanRead(user("v1", "viewer"), grants) {
		t.Error("individually named viewer should read admin-gated project")
	}
	if CanRead(user("v2", "viewer"), grants) {
		t.Error("unnamed viewer should not read admin-gated project")
	}
}

func TestCanReadRoleHierarchy(t *testing.T) {
	tests := []struct {
		name      string
		grantRole string
		userRole  string
		want      bool
	}{
		{"viewer grant readable by viewer", "viewer", "viewer", true},
		{"viewer grant readable by user", "viewer", "user", true},
		{"user grant not readable by viewer", "user", "viewer", false},
		{"user grant readable by user", "user", "user", true},
		{"admin grant not readable by user", "admin", "user", false},
		{"admin grant readable by admin", "admin", "admin", true},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got := CanRead(user("u1", tt.userRole), []store.VisibilityGrant{roleGrant(tt.grantRole)})
			if got != tt.want {
				t.Errorf("CanRead() = %v, want %v", got, tt.want)
			}
		})
	}
}

func TestCanReadAdminSeesEverything(t *testing.T) {
	grants := []store.VisibilityGrant{userGrant("user", "someone-else")}
	if !CanRead(user("a1", "admin"), grants) {
		t.Error("admin should read a project gated to another individual")
	}
}

func TestEditCapableViewerNeverEdits(t *testing.T) {
	if EditCapable(user("v1", "viewer"), nil) {
		t.Error("viewer should not be edit-capable even without grants")
	}
	grants := []store.VisibilityGrant{userGrant("viewer", "v1")}
	if EditCapable(user("v1", "viewer"), grants) {
		t.Error("viewer should not be edit-capable even when individually named")
	}
}

func TestEditCapableAdminAlways(t *testing.T) {
	grants := []store.VisibilityGrant{roleGrant("admin")}
	if !EditCapable(user("a1", "admin"), grants) {
		t.Error("admin should always be edit-capable")
	}
}

func TestEditCapableUserNoGrants(t *testing.T) {
	if !EditCapable(user("u1", "user"), nil) {
		t.Error("user should be edit-capable on ungated project")
	}
}

func TestEditCapableAdminLockout(t *testing.T) {
	grants := []store.VisibilityGrant{roleGrant("admin"), roleGrant("user")}
	if EditCapable(user("u1", "user"), grants) {
		t.Error("admin grant should lock out user role despite user grant")
	}
}

func TestEditCapableIndividualGrantBeatsLockout(t *testing.T) {
	grants := []store.VisibilityGrant{roleGrant("admin"), userGrant("user", "u1")}
	if !EditCapable(user("u1", "user"), grants) {
		t.Error("individually named user should edit despite admin lockout")
	}
}

func TestEditCapableRoleGrant(t *testing.T) {
	for _, grantRole := range []string{"user", "viewer"} {
		if !EditCapable(user("u1", "user"), []store.VisibilityGrant{roleGrant(grantRole)}) {
			t.Errorf("user should be edit-capable under %s role grant", grantRole)
		}
	}
}

func TestEditCapableIndividualGrantsForOthersDeny(t *testing.T) {
	grants := []store.VisibilityGrant{userGrant("user", "someone-else")}
	if EditCapable(user("u1", "user"), grants) {
		t.Error("user should not be edit-capable when only others are named")
	}
}

func TestReadAndEditAsymmetry(t *testing.T) {
	// A user-role grant admits user-role readers and editors, but an
	// admin grant stacked on top blocks editing while an individual
	// read grant still reads.
	grants := []store.VisibilityGrant{roleGrant("admin")}
	u := user("u1", "user")
	if CanRead(u, grants) {
		t.Error("user should not read admin-gated project")
	}
	if EditCapable(u, grants) {
		t.Error("user should not edit admin-gated project")
	}
}
