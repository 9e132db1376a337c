package store

import (
	"crypto/hmac"
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"io"
	"time"

	"golang.org/x/crypto/hkdf"
)

const (
	counterKeySalt = "folio/trial-counters"
	counterKeyInfo = "hmac-sha256/v1"
)

// counterSealer signs the aggregate trial counters with a key derived from
// the machine id, so edits to trial.db outside the app are detected.
type counterSealer struct {
	key []byte
}

func newCounterSealer(machineID string) (*counterSealer, error) {
	r := hkdf.New(sha256.New, []byte(machineID), []byte(counterKeySalt), []byte(counterKeyInfo))
	key := make([]byte, sha256.Size)
	if _, err := io.ReadFull(r, key); err != nil {
		return nil, fmt.Errorf("derive counter key: %w", err)
	}
	return &counterSealer{key: key}, nil
}

func (s *counterSealer) seal(used, limit int, installDate time.Time) string {
	mac := hmac.New(sha256.New, s.key)
	fmt.Fprintf(mac, "%d|%d|%s", used, limit, installDate.UTC().Format(time.RFC3339Nano))
	return hex.EncodeToString(mac.Sum(nil))
}

func (s *counterSealer) verify(used, limit int, installDate time.Time, sum string) bool {
	want, err := hex.DecodeString(sum)
	if err != nil {
		return false
	}
	mac := hmac.New(sha256.New, s.key)
	fmt.Fprintf(mac, "%d|%d|%s", used, limit, installDate.UTC().Format(time.RFC3339Nano))
	return hmac.Equal(mac.Sum(nil), want)
}
