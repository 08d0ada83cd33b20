package crypto

import "testing"

func fastArgon2Params() Argon2Parameters {
	params := DefaultArgon2Params()
	params.Memory = 8 * 1024
	params.Threads = 1
	params.Time = 1
	return params
}

func TestArgon2idRoundTrip(t *testing.T) {
	encoded, err := HashPasswordArgon2id("correct horse", fastArgon2Params())
	if err != nil {
		t.Fatalf("hash: %v", err)
	}
	if !IsArgon2idHash(encoded) {
		t.Fatalf("expected PHC prefix, got %q", encoded)
	}

	ok, err := VerifyPasswordArgon2id(encoded, "correct horse")
	if err != nil || !ok {
		t.Fatalf("expected verification to succeed, ok=%v err=%v", ok, err)
	}

	ok, err = VerifyPasswordArgon2id(encoded, "battery staple")
	if err != nil || ok {
		t.Fatalf("expected verification to fail, ok=%v err=%v", ok, err)
	}
}

func TestArgon2idSaltsDiffer(t *testing.T) {
	a, err := HashPasswordArgon2id("pw", fastArgon2Params())
	if err != nil {
		t.Fatalf("hash a: %v", err)
	}
	b, err := HashPasswordArgon2id("pw", fastArgon2Params())
	if err != nil {
		t.Fatalf("hash b: %v", err)
	}
	if a == b {
		t.Fatal("expected distinct encodings for distinct salts")
	}
}

func TestVerifyArgon2idRejectsGarbage(t *testing.T) {
	if _, err := VerifyPasswordArgon2id("$2a$10$bcrypt", "pw"); err != ErrInvalidArgon2Hash {
		t.Fatalf("expected ErrInvalidArgon2Hash, got %v", err)
	}
}

func TestArgon2ParametersValidate(t *testing.T) {
	params := DefaultArgon2Params()
	params.Time = 0
	if err := params.Validate(); err == nil {
		t.Fatal("expected time cost validation error")
	}

	params = DefaultArgon2Params()
	params.SaltLength = 8
	if err := params.Validate(); err == nil {
		t.Fatal("expected salt length validation error")
	}
}
