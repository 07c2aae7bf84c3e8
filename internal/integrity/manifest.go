package integrity

import (
	"crypto/hmac"
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"time"

	"github.com/Orius-AI/Orius-Node/internal/models"
)

// Manifest is the minimal projection of a task covered by the dispatch
// signature: enough for a node to prove it received exactly this manifest,
// and for the server to reject after-the-fact task-substitution claims.
type Manifest struct {
	TaskID    string
	Type      models.TaskType
	InputHash string
	ExpiresAt time.Time
}

// SignManifest computes a keyed HMAC-SHA256 over the manifest projection and
// returns it hex-encoded.
func SignManifest(m Manifest, secret []byte) string {
	mac := hmac.New(sha256.New, secret)
	fmt.Fprintf(mac, "%s\n%s\n%s\n%d", m.TaskID, m.Type, m.InputHash, m.ExpiresAt.UTC().Unix())
	return hex.EncodeToString(mac.Sum(nil))
}

// VerifyManifest checks a signature against the manifest using a
// constant-time comparison.
func VerifyManifest(m Manifest, secret []byte, signature string) bool {
	expected := SignManifest(m, secret)
	got, err := hex.DecodeString(signature)
	if err != nil {
		return false
	}
	want, err := hex.DecodeString(expected)
	if err != nil {
		return false
	}
	return hmac.Equal(got, want)
}
