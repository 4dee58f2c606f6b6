package redeem

import (
	"crypto/hmac"
	"crypto/sha256"
	"encoding/hex"
	"errors"
	"fmt"
	"strings"

	"github.com/gofrs/uuid/v5"
)

// MinSecretLen is the shortest accepted unlock-code secret, in bytes.
const MinSecretLen = 16

// Codes derives unlock codes from entry ids. The same entry always yields the
// same code, so concurrent issuers (redeem path, worker, sweep) agree without coordination.
type Codes struct {
	key []byte
}

// NewCodes returns a deriver keyed by secret.
func NewCodes(secret []byte) (*Codes, error) {
	if len(secret) < MinSecretLen {
		return nil, errors.New("unlock code secret must be at least 16 bytes")
	}
	return &Codes{key: append([]byte(nil), secret...)}, nil
}

// Derive returns the code for entryID in the format ECO-XXXX-XXXX-XXXX.
func (c *Codes) Derive(entryID uuid.UUID) string {
	mac := hmac.New(sha256.New, c.key)
	mac.Write(entryID.Bytes())
	h := strings.ToUpper(hex.EncodeToString(mac.Sum(nil)[:6]))
	return fmt.Sprintf("ECO-%s-%s-%s", h[:4], h[4:8], h[8:12])
}
