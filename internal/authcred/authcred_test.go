package authcred

import "testing"

func TestHashVerifyRoundTrip(t *testing.T) {
	hash, err := Hash("correct-horse-battery-staple")
	if err != nil {
		t.Fatal(err)
	}
	if !Verify(hash, "correct-horse-battery-staple") {
		t.Fatalf("expected correct password to verify")
	}
	if Verify(hash, "wrong-password") {
		t.Fatalf("expected wrong password to fail verification")
	}
}

func TestHashIsSalted(t *testing.T) {
	h1, _ := Hash("same-password")
	h2, _ := Hash("same-password")
	if h1 == h2 {
		t.Fatalf("expected two hashes of the same password to differ (salted)")
	}
}
