package auth

import "testing"

func TestPrincipal_FieldsMatchSpecContract(t *testing.T) {
	p := Principal{Subject: "user-123", TenantID: "T1", Role: "engineer", Permissions: []string{"alerts:ack"}}
	if p.Subject != "user-123" || p.TenantID != "T1" || p.Role != "engineer" {
		t.Fatalf("unexpected principal: %+v", p)
	}
	if len(p.Permissions) != 1 || p.Permissions[0] != "alerts:ack" {
		t.Fatalf("unexpected permissions: %+v", p.Permissions)
	}
}
