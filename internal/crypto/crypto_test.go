package crypto

import (
	"encoding/hex"
	"testing"
	"time"

	ethcrypto "github.com/ethereum/go-ethereum/crypto"

	"github.com/davencooke/predmarket/internal/domain"
)

func TestQuestionKey(t *testing.T) {
	a := QuestionKey("will it rain tomorrow")
	b := QuestionKey("will it rain tomorrow")
	c := QuestionKey("will it rain today")
	if a != b {
		t.Error("identical phrases produced different keys")
	}
	if a == c {
		t.Error("distinct phrases produced the same key")
	}
}

func TestResolutionSignRecover(t *testing.T) {
	pk, err := ethcrypto.GenerateKey()
	if err != nil {
		t.Fatalf("GenerateKey: %v", err)
	}
	raw := ethcrypto.FromECDSA(pk)

	signer, err := NewResolutionSigner("0x" + hex.EncodeToString(raw))
	if err != nil {
		t.Fatalf("NewResolutionSigner: %v", err)
	}

	key := QuestionKey("eth above 10k by december")
	sig, err := signer.Sign(key, domain.OutcomeYes)
	if err != nil {
		t.Fatalf("Sign: %v", err)
	}

	got, err := RecoverResolver(key, domain.OutcomeYes, sig)
	if err != nil {
		t.Fatalf("RecoverResolver: %v", err)
	}
	if got != signer.Address() {
		t.Fatalf("recovered %s, want %s", got, signer.Address())
	}

	t.Run("tampered outcome recovers a different identity", func(t *testing.T) {
		got, err := RecoverResolver(key, domain.OutcomeNo, sig)
		if err != nil {
			t.Fatalf("RecoverResolver: %v", err)
		}
		if got == signer.Address() {
			t.Fatal("signature for Yes verified against No")
		}
	})

	t.Run("tampered key recovers a different identity", func(t *testing.T) {
		got, err := RecoverResolver(QuestionKey("another question"), domain.OutcomeYes, sig)
		if err != nil {
			t.Fatalf("RecoverResolver: %v", err)
		}
		if got == signer.Address() {
			t.Fatal("signature verified against the wrong question")
		}
	})

	t.Run("malformed signature rejected", func(t *testing.T) {
		if _, err := RecoverResolver(key, domain.OutcomeYes, "0xdeadbeef"); err == nil {
			t.Fatal("short signature accepted")
		}
	})
}

func TestEncryptDecryptKey(t *testing.T) {
	const keyHex = "4c0883a69102937d6231471b5dbb6204fe5129617082792ae468d01a3f362318"

	blob, err := EncryptKey(keyHex, "hunter2")
	if err != nil {
		t.Fatalf("EncryptKey: %v", err)
	}
	got, err := DecryptKey(blob, "hunter2")
	if err != nil {
		t.Fatalf("DecryptKey: %v", err)
	}
	if got != keyHex {
		t.Fatalf("round trip = %s, want %s", got, keyHex)
	}

	if _, err := DecryptKey(blob, "wrong"); err == nil {
		t.Fatal("wrong password accepted")
	}
	if _, err := EncryptKey(keyHex, ""); err == nil {
		t.Fatal("empty password accepted")
	}
	if _, err := EncryptKey("abcd", "pw"); err == nil {
		t.Fatal("short key accepted")
	}
}

func TestHMACVerify(t *testing.T) {
	auth := &HMACAuth{Key: "k-123", Secret: "s3cret"}
	now := time.Unix(1_700_000_000, 0)

	headers := auth.HeadersAt("POST", "/v1/questions", `{"phrase":"x"}`, now.Unix())

	if err := auth.Verify("POST", "/v1/questions", `{"phrase":"x"}`,
		headers[HeaderTimestamp], headers[HeaderSignature], now); err != nil {
		t.Fatalf("Verify: %v", err)
	}

	t.Run("wrong path", func(t *testing.T) {
		err := auth.Verify("POST", "/v1/other", `{"phrase":"x"}`,
			headers[HeaderTimestamp], headers[HeaderSignature], now)
		if err == nil {
			t.Fatal("signature accepted for a different path")
		}
	})

	t.Run("stale timestamp", func(t *testing.T) {
		err := auth.Verify("POST", "/v1/questions", `{"phrase":"x"}`,
			headers[HeaderTimestamp], headers[HeaderSignature], now.Add(time.Minute))
		if err == nil {
			t.Fatal("stale request accepted")
		}
	})
}
