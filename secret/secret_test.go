package secret

import (
	"bytes"
	"testing"

	"aia/topic"
)

func key128(fill byte) Key {
	m := make([]byte, 16)
	for i := range m {
		m[i] = fill
	}
	return Key{Algorithm: AESGCM128, Material: m}
}

func key256(fill byte) Key {
	m := make([]byte, 32)
	for i := range m {
		m[i] = fill
	}
	return Key{Algorithm: AESGCM256, Material: m}
}

func TestNoKeyFailsClosed(t *testing.T) {
	m := NewManager()
	if _, err := m.Decrypt(topic.Directive, 1, []byte("ct"), [16]byte{}); err != ErrNoKey {
		t.Fatalf("Decrypt with no key: err = %v, want ErrNoKey", err)
	}
	if _, _, err := m.Encrypt(topic.Directive, 1, []byte("pt")); err != ErrNoKey {
		t.Fatalf("Encrypt with no key: err = %v, want ErrNoKey", err)
	}
}

func TestEncryptDecryptRoundTrip(t *testing.T) {
	m := NewManager()
	m.InstallKey(key128(0x42))

	plaintext := []byte(`{"directives":[]}`)
	ct, tag, err := m.Encrypt(topic.Directive, 7, plaintext)
	if err != nil {
		t.Fatalf("Encrypt: %v", err)
	}

	got, err := m.Decrypt(topic.Directive, 7, ct, tag)
	if err != nil {
		t.Fatalf("Decrypt: %v", err)
	}
	if !bytes.Equal(got, plaintext) {
		t.Fatalf("Decrypt() = %q, want %q", got, plaintext)
	}
}

func TestRoundTripFailsWhenPerturbed(t *testing.T) {
	m := NewManager()
	m.InstallKey(key256(0x7))

	ct, tag, err := m.Encrypt(topic.Speaker, 3, []byte("pcmpcmpcm"))
	if err != nil {
		t.Fatalf("Encrypt: %v", err)
	}

	t.Run("wrong topic", func(t *testing.T) {
		if _, err := m.Decrypt(topic.Directive, 3, ct, tag); err != ErrAuthFail {
			t.Fatalf("err = %v, want ErrAuthFail", err)
		}
	})
	t.Run("wrong seq", func(t *testing.T) {
		if _, err := m.Decrypt(topic.Speaker, 4, ct, tag); err != ErrAuthFail {
			t.Fatalf("err = %v, want ErrAuthFail", err)
		}
	})
	t.Run("tampered ciphertext", func(t *testing.T) {
		bad := append([]byte{}, ct...)
		bad[0] ^= 0xFF
		if _, err := m.Decrypt(topic.Speaker, 3, bad, tag); err != ErrAuthFail {
			t.Fatalf("err = %v, want ErrAuthFail", err)
		}
	})
	t.Run("tampered tag", func(t *testing.T) {
		badTag := tag
		badTag[0] ^= 0xFF
		if _, err := m.Decrypt(topic.Speaker, 3, ct, badTag); err != ErrAuthFail {
			t.Fatalf("err = %v, want ErrAuthFail", err)
		}
	})
}

func TestRotationUsesPreviousKeyBelowBoundary(t *testing.T) {
	m := NewManager()
	oldKey := key128(0x11)
	m.InstallKey(oldKey)

	ctOld, tagOld, err := m.Encrypt(topic.Directive, 5, []byte("old-epoch"))
	if err != nil {
		t.Fatalf("Encrypt with old key: %v", err)
	}

	newKey := key128(0x22)
	if err := m.Rotate(newKey, map[topic.Topic]uint32{topic.Directive: 10}); err != nil {
		t.Fatalf("Rotate: %v", err)
	}

	// seq=5 < boundary(10): still decryptable with the retained previous key.
	got, err := m.Decrypt(topic.Directive, 5, ctOld, tagOld)
	if err != nil {
		t.Fatalf("Decrypt below boundary after rotation: %v", err)
	}
	if string(got) != "old-epoch" {
		t.Fatalf("got %q, want %q", got, "old-epoch")
	}

	// New messages at/after the boundary must be encrypted+decrypted with
	// the new key, since Encrypt always uses m.current.
	ctNew, tagNew, err := m.Encrypt(topic.Directive, 10, []byte("new-epoch"))
	if err != nil {
		t.Fatalf("Encrypt after rotate: %v", err)
	}
	got, err = m.Decrypt(topic.Directive, 10, ctNew, tagNew)
	if err != nil {
		t.Fatalf("Decrypt at boundary: %v", err)
	}
	if string(got) != "new-epoch" {
		t.Fatalf("got %q, want %q", got, "new-epoch")
	}
}

func TestRotationDropsOldKeyAfterAllTopicsCross(t *testing.T) {
	m := NewManager()
	m.InstallKey(key128(0xAA))

	ctA, tagA, _ := m.Encrypt(topic.Directive, 1, []byte("a"))
	_ = ctA
	_ = tagA

	newKey := key128(0xBB)
	if err := m.Rotate(newKey, map[topic.Topic]uint32{topic.Directive: 3, topic.Speaker: 3}); err != nil {
		t.Fatalf("Rotate: %v", err)
	}

	// Cross Directive's boundary.
	ctDir, tagDir, _ := m.Encrypt(topic.Directive, 3, []byte("dir-new"))
	if _, err := m.Decrypt(topic.Directive, 3, ctDir, tagDir); err != nil {
		t.Fatalf("Decrypt Directive at boundary: %v", err)
	}

	// Speaker hasn't crossed yet: previous key must still be resident and
	// usable for a pre-boundary Speaker message encrypted under the old key
	// before rotation. Simulate that by re-deriving what the old key would
	// have produced (we only installed one "old" key above via InstallKey).
	m2 := NewManager()
	m2.InstallKey(key128(0xAA))
	ctOldSpeaker, tagOldSpeaker, _ := m2.Encrypt(topic.Speaker, 2, []byte("spk-old"))

	// Re-run the same rotation sequence against m2 so its previous key is
	// the one that actually produced ctOldSpeaker.
	if err := m2.Rotate(newKey, map[topic.Topic]uint32{topic.Directive: 3, topic.Speaker: 3}); err != nil {
		t.Fatalf("Rotate m2: %v", err)
	}
	if _, err := m2.Decrypt(topic.Speaker, 2, ctOldSpeaker, tagOldSpeaker); err != nil {
		t.Fatalf("Decrypt pre-boundary Speaker with retained previous key: %v", err)
	}

	// Now cross Speaker's boundary too: both topics have crossed, so the
	// previous key is dropped. A subsequent attempt to decrypt with it must
	// fail with ErrAuthFail (current key rejects it), not silently succeed.
	ctSpkNew, tagSpkNew, _ := m2.Encrypt(topic.Speaker, 3, []byte("spk-new"))
	if _, err := m2.Decrypt(topic.Speaker, 3, ctSpkNew, tagSpkNew); err != nil {
		t.Fatalf("Decrypt Speaker at boundary: %v", err)
	}
	if _, err := m2.Decrypt(topic.Speaker, 2, ctOldSpeaker, tagOldSpeaker); err != ErrAuthFail {
		t.Fatalf("Decrypt with dropped previous key: err = %v, want ErrAuthFail", err)
	}
}

func TestDeriveKeyBothAlgorithms(t *testing.T) {
	devPriv, devPub, err := GenerateKeypair()
	if err != nil {
		t.Fatalf("GenerateKeypair (device): %v", err)
	}
	cloudPriv, cloudPub, err := GenerateKeypair()
	if err != nil {
		t.Fatalf("GenerateKeypair (cloud): %v", err)
	}

	for _, algo := range []DerivationAlgorithm{ECDHCurve25519_16BSHA256, ECDHCurve25519_32B} {
		deviceKey, err := DeriveKey(algo, devPriv, cloudPub)
		if err != nil {
			t.Fatalf("DeriveKey (device side): %v", err)
		}
		cloudKey, err := DeriveKey(algo, cloudPriv, devPub)
		if err != nil {
			t.Fatalf("DeriveKey (cloud side): %v", err)
		}
		if !bytes.Equal(deviceKey.Material, cloudKey.Material) {
			t.Fatalf("algo %v: derived keys differ between sides", algo)
		}

		wantBits := 128
		if algo == ECDHCurve25519_32B {
			wantBits = 256
		}
		if deviceKey.Algorithm.KeyBits() != wantBits {
			t.Fatalf("algo %v: KeyBits() = %d, want %d", algo, deviceKey.Algorithm.KeyBits(), wantBits)
		}
	}
}
