package deid

import (
	"crypto/hmac"
	"crypto/sha256"
	"encoding/hex"
	"errors"
	"strings"
)

// Pseudonymizer derives stable, non-reversible patient keys. The same
// patient id with the same salt always yields the same key, so longitudinal
// joins survive de-identification while raw ids never leave the extractor.
type Pseudonymizer struct {
	salt []byte
}

func NewPseudonymizer(salt string) (*Pseudonymizer, error) {
	salt = strings.TrimSpace(salt)
	if salt == "" {
		return nil, errors.New("empty pseudonym salt")
	}
	return &Pseudonymizer{salt: []byte(salt)}, nil
}

// Key returns a 32-hex-char pseudonymous key for a raw patient id.
func (p *Pseudonymizer) Key(patientID string) string {
	mac := hmac.New(sha256.New, p.salt)
	mac.Write([]byte(strings.TrimSpace(patientID)))
	sum := mac.Sum(nil)
	return hex.EncodeToString(sum[:16])
}

// TopCodeAge caps an age so values above the cap collapse into one bucket.
func TopCodeAge(age, cap int) int {
	if cap > 0 && age > cap {
		return cap
	}
	return age
}
