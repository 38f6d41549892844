package events

import (
	"crypto/hmac"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"

	"github.com/aetherhq/aether/pkg/models"
)

// DefaultAuditSecret is the development fallback when no key material is
// configured.
const DefaultAuditSecret = "dev_audit_secret_change_me"

// Keyring holds the HMAC key material for event chaining. Exactly one key
// is active; new events are signed with it, verification looks keys up by
// the kid stored on each row.
type Keyring struct {
	Keys      []models.AuditKey
	ActiveKID string
}

// ParseKeyring builds a keyring from configuration. keysJSON is a JSON
// array of {kid, secret, active}; when empty or unparsable, a single key
// "k0" is built from secret (falling back to DefaultAuditSecret).
func ParseKeyring(keysJSON, secret string) *Keyring {
	if keysJSON != "" {
		var arr []models.AuditKey
		if err := json.Unmarshal([]byte(keysJSON), &arr); err == nil {
			keys := make([]models.AuditKey, 0, len(arr))
			for _, k := range arr {
				if k.KID != "" && k.Secret != "" {
					keys = append(keys, k)
				}
			}
			if len(keys) > 0 {
				active := keys[0].KID
				for _, k := range keys {
					if k.Active {
						active = k.KID
						break
					}
				}
				return &Keyring{Keys: keys, ActiveKID: active}
			}
		}
	}
	if secret == "" {
		secret = DefaultAuditSecret
	}
	return &Keyring{
		Keys:      []models.AuditKey{{KID: "k0", Secret: secret, Active: true}},
		ActiveKID: "k0",
	}
}

// Secret returns the secret for a kid, falling back to the active key for
// unknown kids so verification of legacy rows still produces a diagnostic
// mismatch instead of a lookup failure.
func (kr *Keyring) Secret(kid string) string {
	for _, k := range kr.Keys {
		if k.KID == kid {
			return k.Secret
		}
	}
	for _, k := range kr.Keys {
		if k.KID == kr.ActiveKID {
			return k.Secret
		}
	}
	return DefaultAuditSecret
}

// Rotate adds (or replaces) a key and optionally makes it active. Rotation
// never rewrites history: older events keep verifying under their stored kid.
func (kr *Keyring) Rotate(kid, secret string, makeActive bool) {
	for i := range kr.Keys {
		if kr.Keys[i].KID == kid {
			kr.Keys[i].Secret = secret
			kr.Keys[i].Active = makeActive
			if makeActive {
				kr.setActive(kid)
			}
			return
		}
	}
	kr.Keys = append(kr.Keys, models.AuditKey{KID: kid, Secret: secret, Active: makeActive})
	if makeActive {
		kr.setActive(kid)
	}
}

func (kr *Keyring) setActive(kid string) {
	kr.ActiveKID = kid
	for i := range kr.Keys {
		kr.Keys[i].Active = kr.Keys[i].KID == kid
	}
}

// ChainHash computes the hex HMAC-SHA256 link for one event row:
// HMAC(secret, prev_hash + "|" + canonical).
func ChainHash(secret, prevHash, canonical string) string {
	mac := hmac.New(sha256.New, []byte(secret))
	mac.Write([]byte(prevHash))
	mac.Write([]byte("|"))
	mac.Write([]byte(canonical))
	return hex.EncodeToString(mac.Sum(nil))
}
