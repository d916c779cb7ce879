package auth

import (
	"strings"
	"testing"
	"time"

	"cargoport/internal/models"
)

func TestPolicyAdminBypassesScoping(t *testing.T) {
	policy := Policy{}
	space := models.Space{GUID: "space-1", OrganizationGUID: "org-1"}
	org := models.Organization{GUID: "org-1", Status: models.OrganizationStatusSuspended}
	actor := Actor{GUID: "admin", Admin: true}
	if !policy.Can(actor, ActionDelete, space, org) {
		t.Fatalf("expected admin to be allowed regardless of org status")
	}
}

func TestPolicyRequiresSpaceMembership(t *testing.T) {
	policy := Policy{}
	space := models.Space{GUID: "space-1", OrganizationGUID: "org-1"}
	org := models.Organization{GUID: "org-1", Status: models.OrganizationStatusActive}
	outsider := Actor{GUID: "user-1", SpaceGUIDs: []string{"space-2"}}
	if policy.Can(outsider, ActionCreate, space, org) {
		t.Fatalf("expected non-member to be denied")
	}
	member := Actor{GUID: "user-2", SpaceGUIDs: []string{"space-1"}}
	if !policy.Can(member, ActionCreate, space, org) {
		t.Fatalf("expected member of active org to be allowed")
	}
}

func TestPolicyDeniesSuspendedOrganization(t *testing.T) {
	policy := Policy{}
	space := models.Space{GUID: "space-1", OrganizationGUID: "org-1"}
	org := models.Organization{GUID: "org-1", Status: models.OrganizationStatusSuspended}
	member := Actor{GUID: "user-1", SpaceGUIDs: []string{"space-1"}}
	for _, action := range []Action{ActionCreate, ActionRead, ActionDelete} {
		if policy.Can(member, action, space, org) {
			t.Fatalf("expected %s to be denied in suspended org", action)
		}
	}
}

func TestTokenCodecRoundTrip(t *testing.T) {
	codec, err := NewTokenCodec("test-secret", time.Hour)
	if err != nil {
		t.Fatalf("NewTokenCodec returned error: %v", err)
	}
	actor := Actor{GUID: "user-1", Name: "casey", SpaceGUIDs: []string{"space-1", "space-2"}}
	raw, err := codec.Mint(actor, time.Now())
	if err != nil {
		t.Fatalf("Mint returned error: %v", err)
	}
	got, err := codec.Verify(raw)
	if err != nil {
		t.Fatalf("Verify returned error: %v", err)
	}
	if got.GUID != actor.GUID || got.Name != actor.Name || got.Admin {
		t.Fatalf("unexpected actor from token: %+v", got)
	}
	if len(got.SpaceGUIDs) != 2 || got.SpaceGUIDs[0] != "space-1" {
		t.Fatalf("unexpected space guids: %v", got.SpaceGUIDs)
	}
}

func TestTokenCodecRejectsWrongSecret(t *testing.T) {
	minter, err := NewTokenCodec("secret-a", time.Hour)
	if err != nil {
		t.Fatalf("NewTokenCodec returned error: %v", err)
	}
	verifier, err := NewTokenCodec("secret-b", time.Hour)
	if err != nil {
		t.Fatalf("NewTokenCodec returned error: %v", err)
	}
	raw, err := minter.Mint(Actor{GUID: "user-1"}, time.Now())
	if err != nil {
		t.Fatalf("Mint returned error: %v", err)
	}
	if _, err := verifier.Verify(raw); err == nil {
		t.Fatalf("expected verification failure for mismatched secret")
	}
}

func TestTokenCodecRejectsExpiredToken(t *testing.T) {
	codec, err := NewTokenCodec("secret", time.Minute)
	if err != nil {
		t.Fatalf("NewTokenCodec returned error: %v", err)
	}
	raw, err := codec.Mint(Actor{GUID: "user-1"}, time.Now().Add(-time.Hour))
	if err != nil {
		t.Fatalf("Mint returned error: %v", err)
	}
	if _, err := codec.Verify(raw); err == nil {
		t.Fatalf("expected verification failure for expired token")
	}
}

func TestBulkCredentialMatch(t *testing.T) {
	cred, err := NewBulkCredential("bulk_api", "s3cret")
	if err != nil {
		t.Fatalf("NewBulkCredential returned error: %v", err)
	}
	if err := cred.Match("bulk_api", "s3cret"); err != nil {
		t.Fatalf("expected matching credentials to succeed: %v", err)
	}
	if err := cred.Match("bulk_api", "wrong"); err == nil {
		t.Fatalf("expected mismatched secret to fail")
	}
	if err := cred.Match("other", "s3cret"); err == nil {
		t.Fatalf("expected mismatched user to fail")
	}
}

func TestBulkCredentialHashFormat(t *testing.T) {
	hash, err := hashBulkSecret("s3cret")
	if err != nil {
		t.Fatalf("hashBulkSecret returned error: %v", err)
	}
	parts := strings.Split(hash, "$")
	if len(parts) != 5 || parts[0] != "pbkdf2" || parts[1] != "sha256" {
		t.Fatalf("unexpected hash format: %s", hash)
	}
}
