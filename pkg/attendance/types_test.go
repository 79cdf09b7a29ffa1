package attendance

import (
	"testing"
	"time"
)

func TestPunchTypeFromCode(t *testing.T) {
	cases := map[int]PunchType{
		0: PunchCheckIn,
		1: PunchCheckOut,
		2: PunchBreakOut,
		3: PunchBreakIn,
		4: PunchOvertimeIn,
		5: PunchOvertimeOut,
	}
	for code, want := range cases {
		got, ok := PunchTypeFromCode(code)
		if !ok || got != want {
			t.Fatalf("code %d: got %q ok=%v, want %q", code, got, ok, want)
		}
	}
	got, ok := PunchTypeFromCode(9)
	if ok || got != PunchUnrecognized {
		t.Fatalf("unknown punch code should map to unrecognized, got %q ok=%v", got, ok)
	}
}

func TestVerifyMethodFromCode(t *testing.T) {
	cases := map[int]VerifyMethod{
		0:  VerifyPassword,
		1:  VerifyFingerprint,
		3:  VerifyCard,
		4:  VerifyCard,
		15: VerifyFace,
		25: VerifyPalm,
	}
	for code, want := range cases {
		got, ok := VerifyMethodFromCode(code)
		if !ok || got != want {
			t.Fatalf("code %d: got %q ok=%v, want %q", code, got, ok, want)
		}
	}
	if got, ok := VerifyMethodFromCode(200); ok || got != VerifyUnrecognized {
		t.Fatalf("unknown verify code should map to unrecognized, got %q", got)
	}
}

func TestDeviceHelpers(t *testing.T) {
	d := Device{Host: " 10.0.0.5 ", Password: "1234"}
	if got := d.Address(); got != "10.0.0.5:4370" {
		t.Fatalf("expected default port address, got %s", got)
	}
	if d.CommKey() != 1234 {
		t.Fatalf("expected comm key 1234, got %d", d.CommKey())
	}
	if (Device{Password: "secret"}).CommKey() != 0 {
		t.Fatalf("non numeric password should give comm key 0")
	}
	if (Device{Timezone: "Nowhere/Invalid"}).Location() != time.Local {
		t.Fatalf("invalid timezone should fall back to local")
	}
	if loc := (Device{Timezone: "UTC"}).Location(); loc.String() != "UTC" {
		t.Fatalf("expected UTC location, got %s", loc)
	}
}

func TestUserDisplayName(t *testing.T) {
	if got := (User{UserID: "42"}).DisplayName(); got != "User_42" {
		t.Fatalf("expected fallback name, got %s", got)
	}
	if got := (User{UserID: "42", Name: "Ann"}).DisplayName(); got != "Ann" {
		t.Fatalf("expected Ann, got %s", got)
	}
}
