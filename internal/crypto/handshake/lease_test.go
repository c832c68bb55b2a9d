package handshake

import (
	"testing"
	"time"
)

func TestIssueLease_FieldsPopulated(t *testing.T) {
	l, err := IssueLease("sess-1", "etag-abc", 4096, time.Minute)
	if err != nil {
		t.Fatalf("IssueLease: %v", err)
	}
	if l.SessionID != "sess-1" || l.ETag != "etag-abc" || l.Size != 4096 {
		t.Fatalf("unexpected lease fields: %+v", l)
	}
	if l.ResumeToken == "" {
		t.Fatal("expected a non-empty resume token")
	}
	if !l.LeaseExp.After(l.LeaseIssuedAt) {
		t.Fatal("expected LeaseExp to be after LeaseIssuedAt")
	}
}

func TestIssueLease_DefaultTTL(t *testing.T) {
	l, err := IssueLease("s", "e", 0, 0)
	if err != nil {
		t.Fatalf("IssueLease: %v", err)
	}
	got := l.LeaseExp.Sub(l.LeaseIssuedAt)
	if got != DefaultLeaseTTL {
		t.Fatalf("expected default TTL %v, got %v", DefaultLeaseTTL, got)
	}
}

func TestExpired(t *testing.T) {
	l, _ := IssueLease("s", "e", 0, time.Minute)
	if l.Expired(l.LeaseIssuedAt) {
		t.Error("freshly issued lease should not be expired")
	}
	if !l.Expired(l.LeaseExp.Add(time.Second)) {
		t.Error("lease should be expired once past LeaseExp")
	}
}

func TestRenewalInstant_PrecedesExpiry(t *testing.T) {
	// a 5-minute lease matches the default-lead scenario documented for
	// lease renewal: 10% of 5 minutes is below the 60s minimum, so the
	// minimum wins.
	l, _ := IssueLease("s", "e", 0, 5*time.Minute)
	renew := l.RenewalInstant()
	if !renew.Before(l.LeaseExp) {
		t.Fatalf("renewal instant %v should precede expiry %v", renew, l.LeaseExp)
	}
	// lead is minRenewalLead shifted by at most ±15% jitter, so it stays above half of it
	if l.LeaseExp.Sub(renew) < minRenewalLead/2 {
		t.Errorf("renewal lead too small: %v", l.LeaseExp.Sub(renew))
	}
}

func TestRenew_KeepsResumeToken(t *testing.T) {
	l, _ := IssueLease("s", "e", 0, time.Minute)
	token := l.ResumeToken
	oldExp := l.LeaseExp
	l.Renew(2 * time.Minute)
	if l.ResumeToken != token {
		t.Error("Renew must preserve the resume token")
	}
	if !l.LeaseExp.After(oldExp) {
		t.Error("Renew should push the expiry forward")
	}
}
