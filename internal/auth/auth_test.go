package auth

import (
	"testing"
	"time"
)

func TestMintAndVerify(t *testing.T) {
	m := NewMinter("secreto", time.Hour)

	token, err := m.Mint(7, "Alicia", true)
	if err != nil {
		t.Fatalf("mint: %v", err)
	}

	claims, userID, err := m.Verify(token)
	if err != nil {
		t.Fatalf("verify: %v", err)
	}
	if userID != 7 {
		t.Errorf("userID = %d, want 7", userID)
	}
	if claims.Name != "Alicia" {
		t.Errorf("name = %q, want %q", claims.Name, "Alicia")
	}
	if !claims.IsOwner {
		t.Errorf("IsOwner = false, want true")
	}
}

func TestVerifyRejectsWrongSecret(t *testing.T) {
	token, err := NewMinter("uno", time.Hour).Mint(1, "Alicia", false)
	if err != nil {
		t.Fatalf("mint: %v", err)
	}
	if _, _, err := NewMinter("dos", time.Hour).Verify(token); err != ErrInvalidToken {
		t.Errorf("err = %v, want ErrInvalidToken", err)
	}
}

func TestVerifyRejectsGarbage(t *testing.T) {
	m := NewMinter("secreto", time.Hour)
	for _, token := range []string{"", "no-es-un-token", "a.b.c"} {
		if _, _, err := m.Verify(token); err != ErrInvalidToken {
			t.Errorf("Verify(%q) err = %v, want ErrInvalidToken", token, err)
		}
	}
}

func TestVerifyRejectsExpired(t *testing.T) {
	m := NewMinter("secreto", time.Nanosecond)
	token, err := m.Mint(1, "Alicia", false)
	if err != nil {
		t.Fatalf("mint: %v", err)
	}
	time.Sleep(10 * time.Millisecond)
	if _, _, err := m.Verify(token); err != ErrInvalidToken {
		t.Errorf("err = %v, want ErrInvalidToken", err)
	}
}

func TestNewMinterDefaultTTL(t *testing.T) {
	m := NewMinter("secreto", 0)
	if m.ttl != DefaultTTL {
		t.Errorf("ttl = %v, want %v", m.ttl, DefaultTTL)
	}
}

func TestPasswordHashing(t *testing.T) {
	hash, err := HashPassword("contraseña")
	if err != nil {
		t.Fatalf("hash: %v", err)
	}
	if hash == "contraseña" {
		t.Errorf("hash equals the plaintext")
	}
	if !CheckPassword(hash, "contraseña") {
		t.Errorf("CheckPassword rejected the right password")
	}
	if CheckPassword(hash, "otra") {
		t.Errorf("CheckPassword accepted the wrong password")
	}
}
