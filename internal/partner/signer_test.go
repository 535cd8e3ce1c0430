package partner

import (
	"crypto/md5"
	"encoding/hex"
	"testing"

	"github.com/stretchr/testify/assert"
)

func md5hex(s string) string {
	sum := md5.Sum([]byte(s))
	return hex.EncodeToString(sum[:])
}

func TestSignCanonicalOrder(t *testing.T) {
	payload := map[string]interface{}{
		"device_id":    "VM001",
		"amount":       21.99,
		"out_trade_no": "KSK260823000001",
	}

	// Values concatenated in lexicographic key order, then system id and
	// secret appended.
	expected := md5hex("21.99VM001KSK260823000001" + "sys-1" + "s3cret")
	assert.Equal(t, expected, Sign(payload, "sys-1", "s3cret"))
}

func TestSignSkipsNullValues(t *testing.T) {
	withNil := map[string]interface{}{
		"account":  "kiosk",
		"shell_id": nil,
	}
	without := map[string]interface{}{
		"account": "kiosk",
	}
	assert.Equal(t, Sign(without, "sys", "sec"), Sign(withNil, "sys", "sec"))
}

func TestSignFloatFormatting(t *testing.T) {
	// 21.99, never 21.990000
	sig := Sign(map[string]interface{}{"amount": 21.99}, "sys", "sec")
	assert.Equal(t, md5hex("21.99syssec"), sig)

	// Whole amounts drop the fraction entirely.
	sig = Sign(map[string]interface{}{"amount": 25.0}, "sys", "sec")
	assert.Equal(t, md5hex("25syssec"), sig)
}

func TestSignMixedScalarTypes(t *testing.T) {
	payload := map[string]interface{}{
		"a": int64(42),
		"b": true,
		"c": "x",
	}
	assert.Equal(t, md5hex("42truexsyssec"), Sign(payload, "sys", "sec"))
}

func TestSignSecretChangesSignature(t *testing.T) {
	payload := map[string]interface{}{"account": "kiosk"}
	assert.NotEqual(t,
		Sign(payload, "sys", "secret-a"),
		Sign(payload, "sys", "secret-b"))
}
