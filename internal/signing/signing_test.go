package signing

import (
	"strings"
	"testing"
	"time"

	"lotpilot/internal/models"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

const testKeyHex = "000102030405060708090a0b0c0d0e0f101112131415161718191a1b1c1d1e1f"

func TestGenerateTaskID(t *testing.T) {
	id := GenerateTaskID()
	assert.True(t, strings.HasPrefix(id, "task_"))
	assert.NoError(t, ValidateTaskID(id))
}

func TestValidateTaskID(t *testing.T) {
	assert.Error(t, ValidateTaskID("task_not-a-uuid"))
	assert.Error(t, ValidateTaskID("job_550e8400-e29b-41d4-a716-446655440000"))
	assert.NoError(t, ValidateTaskID("task_550e8400-e29b-41d4-a716-446655440000"))
}

func TestValidateTenantID(t *testing.T) {
	assert.NoError(t, ValidateTenantID("acct_dealer_42"))
	assert.Error(t, ValidateTenantID("dealer_42"))
	assert.Error(t, ValidateTenantID("acct_"))
	assert.Error(t, ValidateTenantID("acct_"+strings.Repeat("x", 65)))
	assert.Error(t, ValidateTenantID("acct_has space"))
}

func TestValidatePayload(t *testing.T) {
	assert.Error(t, ValidatePayload(nil))
	assert.Error(t, ValidatePayload(map[string]interface{}{}))
	assert.NoError(t, ValidatePayload(map[string]interface{}{"vin": "1HGBH41JXMN109186"}))
	assert.Error(t, ValidatePayload(map[string]interface{}{"bad": make(chan int)}))
}

func sampleTask() *models.WorkerTask {
	return &models.WorkerTask{
		ID:        GenerateTaskID(),
		Type:      models.TaskTypePostVehicle,
		TenantID:  "acct_dealer_42",
		Payload:   map[string]interface{}{"vin": "1HGBH41JXMN109186", "price": 18500},
		Priority:  models.PriorityHigh,
		CreatedAt: time.Now().UTC().Truncate(time.Second),
	}
}

func TestSignAndOpenTask(t *testing.T) {
	codec, err := NewCodec("test-secret", "")
	require.NoError(t, err)

	task := sampleTask()
	envelope, nonce, err := codec.SignTask(task)
	require.NoError(t, err)
	assert.NotEmpty(t, nonce)
	// A plain envelope is a compact JWT.
	assert.Equal(t, 3, len(strings.Split(envelope, ".")))

	opened, openedNonce, err := codec.OpenTask(envelope)
	require.NoError(t, err)
	assert.Equal(t, nonce, openedNonce)
	assert.Equal(t, task.ID, opened.ID)
	assert.Equal(t, task.Type, opened.Type)
	assert.Equal(t, task.TenantID, opened.TenantID)
	assert.Equal(t, "1HGBH41JXMN109186", opened.Payload["vin"])
}

func TestOpenTaskRejectsTampering(t *testing.T) {
	codec, err := NewCodec("test-secret", "")
	require.NoError(t, err)

	envelope, _, err := codec.SignTask(sampleTask())
	require.NoError(t, err)

	// Flip a byte in the payload segment.
	parts := strings.Split(envelope, ".")
	body := []byte(parts[1])
	if body[0] == 'A' {
		body[0] = 'B'
	} else {
		body[0] = 'A'
	}
	tampered := parts[0] + "." + string(body) + "." + parts[2]

	_, _, err = codec.OpenTask(tampered)
	assert.ErrorIs(t, err, ErrBadSignature)
}

func TestOpenTaskRejectsWrongSecret(t *testing.T) {
	signer, err := NewCodec("secret-a", "")
	require.NoError(t, err)
	verifier, err := NewCodec("secret-b", "")
	require.NoError(t, err)

	envelope, _, err := signer.SignTask(sampleTask())
	require.NoError(t, err)

	_, _, err = verifier.OpenTask(envelope)
	assert.ErrorIs(t, err, ErrBadSignature)
}

func TestSealedEnvelopeRoundTrip(t *testing.T) {
	codec, err := NewCodec("test-secret", testKeyHex)
	require.NoError(t, err)

	task := sampleTask()
	envelope, nonce, err := codec.SignTask(task)
	require.NoError(t, err)
	assert.True(t, strings.HasPrefix(envelope, "enc.v1."))

	opened, openedNonce, err := codec.OpenTask(envelope)
	require.NoError(t, err)
	assert.Equal(t, nonce, openedNonce)
	assert.Equal(t, task.ID, opened.ID)
}

func TestSealedEnvelopeWithoutKey(t *testing.T) {
	sealing, err := NewCodec("test-secret", testKeyHex)
	require.NoError(t, err)
	plain, err := NewCodec("test-secret", "")
	require.NoError(t, err)

	envelope, _, err := sealing.SignTask(sampleTask())
	require.NoError(t, err)

	_, _, err = plain.OpenTask(envelope)
	assert.ErrorIs(t, err, ErrBadEnvelope)
}

func TestNewCodecValidation(t *testing.T) {
	_, err := NewCodec("", "")
	assert.Error(t, err)

	_, err = NewCodec("secret", "abcd")
	assert.Error(t, err)

	_, err = NewCodec("secret", "zz0102030405060708090a0b0c0d0e0f101112131415161718191a1b1c1d1e1f")
	assert.Error(t, err)
}

func TestResultSignature(t *testing.T) {
	codec, err := NewCodec("test-secret", "")
	require.NoError(t, err)

	done := time.Now().UTC()
	result := &models.TaskResult{
		TaskID:      "task_550e8400-e29b-41d4-a716-446655440000",
		Status:      models.TaskStatusCompleted,
		WorkerID:    "worker-7",
		CompletedAt: &done,
		Data:        map[string]interface{}{"listingUrl": "https://example.com/l/99"},
	}
	result.Signature = codec.SignResult(result)
	assert.NoError(t, codec.VerifyResult(result))

	// Any covered field invalidates the signature.
	forged := *result
	forged.Status = models.TaskStatusFailed
	assert.ErrorIs(t, codec.VerifyResult(&forged), ErrBadSignature)

	forged = *result
	forged.WorkerID = "worker-8"
	assert.ErrorIs(t, codec.VerifyResult(&forged), ErrBadSignature)

	forged = *result
	forged.Signature = ""
	assert.ErrorIs(t, codec.VerifyResult(&forged), ErrBadSignature)

	forged = *result
	forged.Signature = "not-hex"
	assert.ErrorIs(t, codec.VerifyResult(&forged), ErrBadSignature)
}
