// Package signing produces and validates the tamper-evident envelopes that
// carry tasks out to the worker fleet and results back from it. Task
// envelopes are HS256 JWTs (optionally sealed with XChaCha20-Poly1305);
// result messages carry a detached HMAC-SHA256 signature.
package signing

import (
	"crypto/hmac"
	"crypto/rand"
	"crypto/sha256"
	"encoding/base64"
	"encoding/hex"
	"encoding/json"
	"errors"
	"fmt"
	"regexp"
	"strings"
	"time"

	"lotpilot/internal/models"

	"github.com/golang-jwt/jwt"
	"github.com/google/uuid"
	"golang.org/x/crypto/chacha20poly1305"
)

const (
	// TaskIDPrefix is the id convention every dispatched task follows.
	TaskIDPrefix = "task_"

	encPrefix = "enc.v1."
)

var (
	ErrBadSignature = errors.New("signature verification failed")
	ErrBadEnvelope  = errors.New("malformed envelope")

	taskIDRe = regexp.MustCompile(`^task_[0-9a-f]{8}-[0-9a-f]{4}-[0-9a-f]{4}-[0-9a-f]{4}-[0-9a-f]{12}$`)
	tenantRe = regexp.MustCompile(`^acct_[A-Za-z0-9_]{1,64}$`)
)

// GenerateTaskID returns a fresh task id in the task_<uuid> convention.
func GenerateTaskID() string {
	return TaskIDPrefix + uuid.NewString()
}

// ValidateTaskID rejects ids that do not match the task_<uuid> convention.
func ValidateTaskID(id string) error {
	if !taskIDRe.MatchString(id) {
		return fmt.Errorf("invalid task id format")
	}
	return nil
}

// ValidateTenantID rejects tenant ids outside the acct_<alnum> convention.
func ValidateTenantID(id string) error {
	if !tenantRe.MatchString(id) {
		return fmt.Errorf("invalid tenant id format")
	}
	return nil
}

// ValidatePayload rejects payloads that are empty or not serializable.
func ValidatePayload(payload map[string]interface{}) error {
	if len(payload) == 0 {
		return fmt.Errorf("payload must not be empty")
	}
	if _, err := json.Marshal(payload); err != nil {
		return fmt.Errorf("payload is not serializable")
	}
	return nil
}

// Codec signs and opens task envelopes and result messages with a shared
// secret. An optional 32-byte encryption key additionally seals the task
// envelope body.
type Codec struct {
	secret []byte
	encKey []byte
}

// NewCodec creates a Codec. secret must be non-empty; encryptionKeyHex is
// optional and, when set, must decode to 32 bytes.
func NewCodec(secret, encryptionKeyHex string) (*Codec, error) {
	if secret == "" {
		return nil, fmt.Errorf("signing secret must not be empty")
	}
	c := &Codec{secret: []byte(secret)}
	if encryptionKeyHex != "" {
		key, err := hex.DecodeString(encryptionKeyHex)
		if err != nil || len(key) != chacha20poly1305.KeySize {
			return nil, fmt.Errorf("encryption key must be %d bytes of hex", chacha20poly1305.KeySize)
		}
		c.encKey = key
	}
	return c, nil
}

// SignTask serializes the task into a signed envelope and returns it along
// with the replay-protection nonce embedded in the claims.
func (c *Codec) SignTask(task *models.WorkerTask) (string, string, error) {
	taskJSON, err := json.Marshal(task)
	if err != nil {
		return "", "", fmt.Errorf("serialize task: %w", err)
	}
	var taskMap map[string]interface{}
	if err := json.Unmarshal(taskJSON, &taskMap); err != nil {
		return "", "", fmt.Errorf("serialize task: %w", err)
	}

	nonce := uuid.NewString()
	claims := jwt.MapClaims{
		"task":  taskMap,
		"nonce": nonce,
		"iat":   time.Now().Unix(),
	}
	token := jwt.NewWithClaims(jwt.SigningMethodHS256, claims)
	signed, err := token.SignedString(c.secret)
	if err != nil {
		return "", "", fmt.Errorf("sign task envelope: %w", err)
	}

	if c.encKey == nil {
		return signed, nonce, nil
	}
	sealed, err := c.seal([]byte(signed))
	if err != nil {
		return "", "", err
	}
	return sealed, nonce, nil
}

// OpenTask verifies (and, if sealed, decrypts) an envelope and returns the
// embedded task and nonce. Any verification failure yields ErrBadSignature
// or ErrBadEnvelope without detail about the signing material.
func (c *Codec) OpenTask(envelope string) (*models.WorkerTask, string, error) {
	raw := envelope
	if strings.HasPrefix(envelope, encPrefix) {
		if c.encKey == nil {
			return nil, "", ErrBadEnvelope
		}
		opened, err := c.open(strings.TrimPrefix(envelope, encPrefix))
		if err != nil {
			return nil, "", ErrBadEnvelope
		}
		raw = string(opened)
	}

	token, err := jwt.Parse(raw, func(token *jwt.Token) (interface{}, error) {
		if _, ok := token.Method.(*jwt.SigningMethodHMAC); !ok {
			return nil, ErrBadSignature
		}
		return c.secret, nil
	})
	if err != nil || !token.Valid {
		return nil, "", ErrBadSignature
	}

	claims, ok := token.Claims.(jwt.MapClaims)
	if !ok {
		return nil, "", ErrBadEnvelope
	}
	nonce, _ := claims["nonce"].(string)
	taskMap, ok := claims["task"].(map[string]interface{})
	if !ok || nonce == "" {
		return nil, "", ErrBadEnvelope
	}

	taskJSON, err := json.Marshal(taskMap)
	if err != nil {
		return nil, "", ErrBadEnvelope
	}
	var task models.WorkerTask
	if err := json.Unmarshal(taskJSON, &task); err != nil {
		return nil, "", ErrBadEnvelope
	}
	return &task, nonce, nil
}

// SignResult computes the detached signature a worker attaches to a result.
func (c *Codec) SignResult(r *models.TaskResult) string {
	mac := hmac.New(sha256.New, c.secret)
	mac.Write([]byte(resultCanonical(r)))
	return hex.EncodeToString(mac.Sum(nil))
}

// VerifyResult checks a result's detached signature.
func (c *Codec) VerifyResult(r *models.TaskResult) error {
	if r.Signature == "" {
		return ErrBadSignature
	}
	got, err := hex.DecodeString(r.Signature)
	if err != nil {
		return ErrBadSignature
	}
	mac := hmac.New(sha256.New, c.secret)
	mac.Write([]byte(resultCanonical(r)))
	if !hmac.Equal(got, mac.Sum(nil)) {
		return ErrBadSignature
	}
	return nil
}

// resultCanonical builds the byte string covered by the result signature.
// CompletedAt participates so a captured signature cannot be replayed onto
// a later result for the same task.
func resultCanonical(r *models.TaskResult) string {
	completed := ""
	if r.CompletedAt != nil {
		completed = r.CompletedAt.UTC().Format(time.RFC3339Nano)
	}
	return r.TaskID + "|" + string(r.Status) + "|" + r.WorkerID + "|" + completed
}

func (c *Codec) seal(plaintext []byte) (string, error) {
	aead, err := chacha20poly1305.NewX(c.encKey)
	if err != nil {
		return "", fmt.Errorf("init envelope cipher: %w", err)
	}
	nonce := make([]byte, aead.NonceSize())
	if _, err := rand.Read(nonce); err != nil {
		return "", fmt.Errorf("generate cipher nonce: %w", err)
	}
	ct := aead.Seal(nonce, nonce, plaintext, nil)
	return encPrefix + base64.RawURLEncoding.EncodeToString(ct), nil
}

func (c *Codec) open(encoded string) ([]byte, error) {
	ct, err := base64.RawURLEncoding.DecodeString(encoded)
	if err != nil {
		return nil, ErrBadEnvelope
	}
	aead, err := chacha20poly1305.NewX(c.encKey)
	if err != nil {
		return nil, ErrBadEnvelope
	}
	if len(ct) < aead.NonceSize() {
		return nil, ErrBadEnvelope
	}
	nonce, body := ct[:aead.NonceSize()], ct[aead.NonceSize():]
	pt, err := aead.Open(nil, nonce, body, nil)
	if err != nil {
		return nil, ErrBadEnvelope
	}
	return pt, nil
}
