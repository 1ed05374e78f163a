package util

import (
	"bytes"
	"testing"
)

func TestAES(t *testing.T) {
	key, _ := NewAESKey()
	plainText := []byte("hello world")
	aad := []byte("context")

	t.Run("EncryptDecryptWithAAD", func(t *testing.T) {
		cipherText, err := EncryptAESWithAAD(plainText, key, aad)
		if err != nil {
			t.Fatalf("EncryptAESWithAAD failed: %v", err)
		}

		decrypted, err := DecryptAESWithAAD(cipherText, key, aad)
		if err != nil {
			t.Fatalf("DecryptAESWithAAD failed: %v", err)
		}

		if !bytes.Equal(plainText, decrypted) {
			t.Errorf("expected %s, got %s", plainText, decrypted)
		}
	})

	t.Run("FreshNonce", func(t *testing.T) {
		c1, _ := EncryptAESWithAAD(plainText, key, aad)
		c2, _ := EncryptAESWithAAD(plainText, key, aad)
		if bytes.Equal(c1, c2) {
			t.Error("two encryptions of the same plaintext should differ")
		}
	})

	t.Run("TamperAAD", func(t *testing.T) {
		cipherText, _ := EncryptAESWithAAD(plainText, key, aad)
		_, err := DecryptAESWithAAD(cipherText, key, []byte("wrong context"))
		if err == nil {
			t.Error("expected error with wrong AAD, got nil")
		}
	})

	t.Run("TamperCipherText", func(t *testing.T) {
		cipherText, _ := EncryptAESWithAAD(plainText, key, aad)
		cipherText[len(cipherText)-1] ^= 0xFF
		_, err := DecryptAESWithAAD(cipherText, key, aad)
		if err == nil {
			t.Error("expected error with tampered ciphertext, got nil")
		}
	})

	t.Run("ShortCipherText", func(t *testing.T) {
		if _, err := DecryptAESWithAAD([]byte("short"), key, aad); err == nil {
			t.Error("expected error for ciphertext shorter than nonce")
		}
	})

	t.Run("RejectBadKeySize", func(t *testing.T) {
		_, err := EncryptAESWithAAD(plainText, []byte("too short"), aad)
		if err == nil {
			t.Error("expected error with wrong key size, got nil")
		}
	})
}

func TestArgon2id(t *testing.T) {
	params, err := Argon2idProfile(KDFProfileInteractive)
	if err != nil {
		t.Fatalf("Argon2idProfile failed: %v", err)
	}
	passphrase := "correct horse battery staple"
	salt := []byte("random salt")

	key, err := DeriveArgon2idKey(passphrase, salt, params)
	if err != nil {
		t.Fatalf("DeriveArgon2idKey failed: %v", err)
	}

	if len(key) != 32 {
		t.Errorf("expected key length 32, got %d", len(key))
	}

	again, err := DeriveArgon2idKey(passphrase, salt, params)
	if err != nil {
		t.Fatalf("DeriveArgon2idKey failed: %v", err)
	}
	if !bytes.Equal(key, again) {
		t.Error("expected the same passphrase and salt to derive the same key")
	}

	other, _ := DeriveArgon2idKey("wrong passphrase", salt, params)
	if bytes.Equal(key, other) {
		t.Error("expected a different passphrase to derive a different key")
	}
}

func TestHKDF(t *testing.T) {
	seed := []byte("seed")
	salt := []byte("salt")
	info := []byte("info")

	key1, err := HKDF(seed, salt, info)
	if err != nil {
		t.Fatalf("HKDF failed: %v", err)
	}
	if len(key1) != 32 {
		t.Errorf("expected key length 32, got %d", len(key1))
	}

	key2, _ := HKDF(seed, salt, info)
	if !bytes.Equal(key1, key2) {
		t.Error("HKDF should be deterministic")
	}

	key3, _ := HKDF(seed, salt, []byte("different info"))
	if bytes.Equal(key1, key3) {
		t.Error("HKDF should produce different output with different info")
	}
}

func TestBytes(t *testing.T) {
	b := []byte{0x01, 0x02, 0x03}
	WipeBytes(b)
	if !bytes.Equal(b, []byte{0, 0, 0}) {
		t.Errorf("WipeBytes left %v", b)
	}
}

func TestEncoding(t *testing.T) {
	if got := HexEncode([]byte{0x00, 0xab, 0xff}); got != "00abff" {
		t.Errorf("HexEncode = %q, want 00abff", got)
	}

	if Normalize("caf\u00e9") != Normalize("cafe\u0301") {
		t.Error("composed and decomposed forms should normalize identically")
	}

	for in, want := range map[string]string{
		"UPPERCASE": "uppercase",
		"MiXeD":     "mixed",
		"ÄÖÜ":       "äöü",
		"already":   "already",
	} {
		if got := FoldLower(in); got != want {
			t.Errorf("FoldLower(%q) = %q, want %q", in, got, want)
		}
	}
}

func TestRandomBytes(t *testing.T) {
	b1, err := RandomBytes(32)
	if err != nil {
		t.Fatalf("RandomBytes failed: %v", err)
	}
	b2, err := RandomBytes(32)
	if err != nil {
		t.Fatalf("RandomBytes failed: %v", err)
	}
	if len(b1) != 32 {
		t.Errorf("expected 32 bytes, got %d", len(b1))
	}
	if bytes.Equal(b1, b2) {
		t.Error("RandomBytes should produce different outputs")
	}
}

func TestDefaultArgon2idParams_MeetsOWASPMinimums(t *testing.T) {
	p := DefaultArgon2idParams()
	if p.Time < 3 {
		t.Errorf("default Time=%d is below OWASP recommended minimum of 3", p.Time)
	}
	if p.MemoryKiB < 64*1024 {
		t.Errorf("default MemoryKiB=%d is below OWASP recommended minimum of %d (64 MiB)", p.MemoryKiB, 64*1024)
	}
	if p.Parallelism < 1 {
		t.Errorf("default Parallelism=%d must be at least 1", p.Parallelism)
	}
	if p.KeyLen != 32 {
		t.Errorf("default KeyLen=%d must be 32", p.KeyLen)
	}
}

func TestArgon2idProfile_AllProfiles(t *testing.T) {
	profiles := []struct {
		name      string
		minTime   uint32
		minMemKiB uint32
	}{
		{KDFProfileInteractive, 2, 19 * 1024},
		{KDFProfileModerate, 3, 64 * 1024},
		{KDFProfileSensitive, 4, 128 * 1024},
	}

	for _, tc := range profiles {
		t.Run(tc.name, func(t *testing.T) {
			p, err := Argon2idProfile(tc.name)
			if err != nil {
				t.Fatalf("Argon2idProfile(%q) failed: %v", tc.name, err)
			}
			if p.Time < tc.minTime {
				t.Errorf("profile %q: Time=%d, want at least %d", tc.name, p.Time, tc.minTime)
			}
			if p.MemoryKiB < tc.minMemKiB {
				t.Errorf("profile %q: MemoryKiB=%d, want at least %d", tc.name, p.MemoryKiB, tc.minMemKiB)
			}
			if p.Parallelism < 1 {
				t.Errorf("profile %q: Parallelism must be at least 1", tc.name)
			}
			if p.KeyLen != 32 {
				t.Errorf("profile %q: KeyLen=%d, want 32", tc.name, p.KeyLen)
			}
			// Every profile must pass validation.
			if err := ValidateArgon2idParams(p); err != nil {
				t.Errorf("profile %q failed validation: %v", tc.name, err)
			}
		})
	}
}

func TestArgon2idProfile_UnknownReturnsError(t *testing.T) {
	_, err := Argon2idProfile("nonexistent")
	if err == nil {
		t.Fatal("expected error for unknown profile")
	}
}

func TestArgon2idProfile_Ordering(t *testing.T) {
	inter, _ := Argon2idProfile(KDFProfileInteractive)
	mod, _ := Argon2idProfile(KDFProfileModerate)
	sens, _ := Argon2idProfile(KDFProfileSensitive)

	// Profiles should be ordered by cost: interactive < moderate < sensitive.
	if inter.Time > mod.Time || inter.MemoryKiB > mod.MemoryKiB {
		t.Error("interactive profile should have lower or equal cost than moderate")
	}
	if mod.Time > sens.Time || mod.MemoryKiB > sens.MemoryKiB {
		t.Error("moderate profile should have lower or equal cost than sensitive")
	}
}

func TestValidateArgon2idParams(t *testing.T) {
	t.Run("ValidParams", func(t *testing.T) {
		p := DefaultArgon2idParams()
		if err := ValidateArgon2idParams(p); err != nil {
			t.Errorf("default params should be valid: %v", err)
		}
	})

	t.Run("KeyLenNot32", func(t *testing.T) {
		p := DefaultArgon2idParams()
		p.KeyLen = 16
		if err := ValidateArgon2idParams(p); err == nil {
			t.Error("expected error for KeyLen != 32")
		}
	})

	t.Run("TimeTooLow", func(t *testing.T) {
		p := DefaultArgon2idParams()
		p.Time = 0
		if err := ValidateArgon2idParams(p); err == nil {
			t.Error("expected error for Time=0")
		}
	})

	t.Run("MemoryTooLow", func(t *testing.T) {
		p := DefaultArgon2idParams()
		p.MemoryKiB = 1024 // 1 MiB, below the 19 MiB minimum
		if err := ValidateArgon2idParams(p); err == nil {
			t.Error("expected error for MemoryKiB=1024")
		}
	})

	t.Run("ParallelismTooLow", func(t *testing.T) {
		p := DefaultArgon2idParams()
		p.Parallelism = 0
		if err := ValidateArgon2idParams(p); err == nil {
			t.Error("expected error for Parallelism=0")
		}
	})

	t.Run("MinimumAcceptableParams", func(t *testing.T) {
		p := Argon2idParams{
			Time:        MinArgon2Time,
			MemoryKiB:   MinArgon2MemoryKiB,
			Parallelism: MinArgon2Parallel,
			KeyLen:      32,
		}
		if err := ValidateArgon2idParams(p); err != nil {
			t.Errorf("minimum acceptable params should be valid: %v", err)
		}
	})
}
