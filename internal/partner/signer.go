package partner

import (
	"crypto/md5"
	"encoding/hex"
	"sort"
	"strconv"
	"strings"
)

// Sign builds the canonical request signature the partner verifies on every
// call: payload keys sorted lexicographically, the string form of each
// non-null value concatenated in that order, then the system id and shared
// secret appended, hashed with MD5. The partner re-computes this bit-for-bit;
// any deviation is rejected as an authentication error.
func Sign(payload map[string]interface{}, systemID, secret string) string {
	keys := make([]string, 0, len(payload))
	for k := range payload {
		keys = append(keys, k)
	}
	sort.Strings(keys)

	var b strings.Builder
	for _, k := range keys {
		v := payload[k]
		if v == nil {
			continue
		}
		b.WriteString(formatScalar(v))
	}
	b.WriteString(systemID)
	b.WriteString(secret)

	sum := md5.Sum([]byte(b.String()))
	return hex.EncodeToString(sum[:])
}

// formatScalar renders a payload value exactly the way the partner does.
// Floats drop trailing zeros (21.99 not 21.990000) to match the partner's
// canonical form.
func formatScalar(v interface{}) string {
	switch t := v.(type) {
	case string:
		return t
	case bool:
		return strconv.FormatBool(t)
	case int:
		return strconv.Itoa(t)
	case int32:
		return strconv.FormatInt(int64(t), 10)
	case int64:
		return strconv.FormatInt(t, 10)
	case float32:
		return strconv.FormatFloat(float64(t), 'f', -1, 32)
	case float64:
		return strconv.FormatFloat(t, 'f', -1, 64)
	default:
		return ""
	}
}
