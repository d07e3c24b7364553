package config

import (
	"crypto/hmac"
	"crypto/sha1"
	"encoding/base64"
	"strconv"
	"strings"
	"time"
)

// turnRESTCredentials derives coturn compatible use-auth-secret credentials:
//
//	username   = <unix expiry>:<prefix>:<connection id>
//	credential = base64(hmac_sha1(secret, username))
func turnRESTCredentials(secret, prefix, connID string, expiry time.Time) (string, string) {
	parts := []string{strconv.FormatInt(expiry.UTC().Unix(), 10)}
	if prefix != "" {
		parts = append(parts, strings.ReplaceAll(prefix, ":", "_"))
	}
	if connID != "" {
		parts = append(parts, strings.ReplaceAll(connID, ":", "_"))
	}
	username := strings.Join(parts, ":")

	mac := hmac.New(sha1.New, []byte(secret))
	_, _ = mac.Write([]byte(username))

	return username, base64.StdEncoding.EncodeToString(mac.Sum(nil))
}
