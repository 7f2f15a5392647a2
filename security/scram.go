package security

import (
	"bytes"
	"crypto/hmac"
	"crypto/rand"
	"crypto/sha256"
	"encoding/base64"
	"strings"

	"golang.org/x/crypto/scrypt"
)

// SCRAM constants. Iterations here parameterize scrypt's N (CPU/memory
// cost) rather than a PBKDF2 round count — ScramIterCount is kept as the
// stored field name for on-disk/wire compatibility with existing
// ScramCredentials records, but it is interpreted as log2(N).
const (
	ScramIterCount = 14 // scrypt N = 2^14
	ScramSaltLen   = 16
	scryptR        = 8
	scryptP        = 1
	scryptKeyLen   = 32
)

// GenerateSalt creates a random salt.
func GenerateSalt() (string, error) {
	b := make([]byte, ScramSaltLen)
	if _, err := rand.Read(b); err != nil {
		return "", err
	}
	return base64.StdEncoding.EncodeToString(b), nil
}

// ScramCredentials holds the stored auth data for one user: StoredKey =
// H(ClientKey), ServerKey = HMAC(SaltedPassword, "Server Key"),
// SaltedPassword = scrypt(password, salt), ClientKey = HMAC(SaltedPassword,
// "Client Key").
type ScramCredentials struct {
	Salt       string
	StoredKey  string // base64
	ServerKey  string // base64
	Iterations int    // log2(N) passed to scrypt
}

func saltedPassword(password, saltB64 string, iterations int) ([]byte, error) {
	saltBytes, err := base64.StdEncoding.DecodeString(saltB64)
	if err != nil {
		return nil, err
	}
	n := 1 << uint(iterations)
	return scrypt.Key([]byte(password), saltBytes, n, scryptR, scryptP, scryptKeyLen)
}

// GenerateCredentials computes the SCRAM secrets for a password, deriving
// the salted password via scrypt instead of a hand-rolled PBKDF2 loop.
func GenerateCredentials(password, salt string, iterations int) (ScramCredentials, error) {
	sp, err := saltedPassword(password, salt, iterations)
	if err != nil {
		return ScramCredentials{}, err
	}
	clientKey := computeHMAC(sp, []byte("Client Key"))
	storedKey := computeHash(clientKey)
	serverKey := computeHMAC(sp, []byte("Server Key"))

	return ScramCredentials{
		Salt:       salt,
		StoredKey:  base64.StdEncoding.EncodeToString(storedKey),
		ServerKey:  base64.StdEncoding.EncodeToString(serverKey),
		Iterations: iterations,
	}, nil
}

// VerifyClientProof verifies the proof sent by the client against the
// server's stored key, using the standard SCRAM client-signature relation:
// ClientSignature = HMAC(StoredKey, AuthMessage), ClientKey = ClientProof
// XOR ClientSignature, and StoredKey must equal H(ClientKey).
func VerifyClientProof(storedKeyB64, authMessage, clientProofB64 string) bool {
	storedKey, err := base64.StdEncoding.DecodeString(storedKeyB64)
	if err != nil {
		return false
	}
	clientProof, err := base64.StdEncoding.DecodeString(clientProofB64)
	if err != nil {
		return false
	}

	clientSignature := computeHMAC(storedKey, []byte(authMessage))
	clientKey := xorBytes(clientProof, clientSignature)
	recoveredStoredKey := computeHash(clientKey)

	return bytes.Equal(storedKey, recoveredStoredKey)
}

// ComputeClientProof generates the proof the client sends to the server:
// ClientProof = ClientKey XOR HMAC(StoredKey, AuthMessage).
func ComputeClientProof(password, salt string, iterations int, authMessage string) (string, error) {
	sp, err := saltedPassword(password, salt, iterations)
	if err != nil {
		return "", err
	}
	clientKey := computeHMAC(sp, []byte("Client Key"))
	storedKey := computeHash(clientKey)
	clientSignature := computeHMAC(storedKey, []byte(authMessage))
	clientProof := xorBytes(clientKey, clientSignature)

	return base64.StdEncoding.EncodeToString(clientProof), nil
}

func computeHMAC(key, data []byte) []byte {
	mac := hmac.New(sha256.New, key)
	mac.Write(data)
	return mac.Sum(nil)
}

func computeHash(data []byte) []byte {
	h := sha256.New()
	h.Write(data)
	return h.Sum(nil)
}

func xorBytes(a, b []byte) []byte {
	n := len(a)
	if len(b) < n {
		n = len(b)
	}
	res := make([]byte, n)
	for i := 0; i < n; i++ {
		res[i] = a[i] ^ b[i]
	}
	return res
}

// ParseSCRAMMessage parses a minimal SCRAM client-first-message of the
// form "n=user,r=nonce" into its comma-separated key=value attributes.
func ParseSCRAMMessage(msg string) map[string]string {
	parts := strings.Split(msg, ",")
	res := make(map[string]string, len(parts))
	for _, part := range parts {
		if len(part) > 2 && part[1] == '=' {
			res[string(part[0])] = part[2:]
		}
	}
	return res
}
