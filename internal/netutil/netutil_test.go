package netutil

import "testing"

func TestAdvertisedExplicit(t *testing.T) {
	ip, err := Advertised("10.11.12.13")
	if err != nil {
		t.Fatalf("advertised: %v", err)
	}
	if ip.String() != "10.11.12.13" {
		t.Fatalf("expected explicit ip back, got %s", ip)
	}
}

func TestAdvertisedInvalid(t *testing.T) {
	if _, err := Advertised("not-an-ip"); err == nil {
		t.Fatal("expected error for invalid ip")
	}
}

func TestAdvertisedDiscovers(t *testing.T) {
	ip, err := Advertised("")
	if err != nil {
		t.Skipf("no routable interface in this environment: %v", err)
	}
	if ip.IsLoopback() {
		t.Fatalf("discovered ip must not be loopback, got %s", ip)
	}
}
