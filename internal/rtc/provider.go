// Package rtc issues join credentials for video call channels.
package rtc

import (
	"crypto/hmac"
	"crypto/sha256"
	"encoding/base64"
	"fmt"
	"strconv"
	"strings"
	"time"

	"github.com/google/uuid"
)

// Credentials lets a client join a call channel.
type Credentials struct {
	ChannelName string `json:"channelName"`
	Token       string `json:"token"`
	ExpiresAt   int64  `json:"expiresAt"`
}

// Provider allocates a channel and returns join credentials for a user.
type Provider interface {
	JoinCredentials(channel, userID string, ttl time.Duration) (Credentials, error)
}

// HMACProvider builds self-contained signed join tokens of the form
// base64(channel:uid:expiry):base64(signature). The media gateway validates
// them with the shared secret.
type HMACProvider struct {
	secret []byte
	ttl    time.Duration
}

// NewHMACProvider creates a provider with the shared signing secret.
func NewHMACProvider(secret string, defaultTTL time.Duration) (*HMACProvider, error) {
	if strings.TrimSpace(secret) == "" {
		return nil, fmt.Errorf("rtc signing secret is required")
	}
	if defaultTTL <= 0 {
		defaultTTL = time.Hour
	}
	return &HMACProvider{secret: []byte(secret), ttl: defaultTTL}, nil
}

// NewChannelName returns a fresh channel identifier.
func NewChannelName() string {
	return "call_" + uuid.NewString()
}

func (p *HMACProvider) JoinCredentials(channel, userID string, ttl time.Duration) (Credentials, error) {
	if channel == "" || userID == "" {
		return Credentials{}, fmt.Errorf("channel and user id are required")
	}
	if ttl <= 0 {
		ttl = p.ttl
	}
	expiresAt := time.Now().Add(ttl).Unix()

	claims := channel + ":" + userID + ":" + strconv.FormatInt(expiresAt, 10)
	mac := hmac.New(sha256.New, p.secret)
	mac.Write([]byte(claims))

	token := base64.RawURLEncoding.EncodeToString([]byte(claims)) + "." +
		base64.RawURLEncoding.EncodeToString(mac.Sum(nil))

	return Credentials{ChannelName: channel, Token: token, ExpiresAt: expiresAt}, nil
}

// Verify checks a token produced by JoinCredentials and returns the channel
// and user it was issued for.
func (p *HMACProvider) Verify(token string, now time.Time) (channel, userID string, err error) {
	parts := strings.SplitN(token, ".", 2)
	if len(parts) != 2 {
		return "", "", fmt.Errorf("malformed token")
	}
	claimsRaw, err := base64.RawURLEncoding.DecodeString(parts[0])
	if err != nil {
		return "", "", fmt.Errorf("malformed token claims")
	}
	sig, err := base64.RawURLEncoding.DecodeString(parts[1])
	if err != nil {
		return "", "", fmt.Errorf("malformed token signature")
	}

	mac := hmac.New(sha256.New, p.secret)
	mac.Write(claimsRaw)
	if !hmac.Equal(sig, mac.Sum(nil)) {
		return "", "", fmt.Errorf("invalid token signature")
	}

	fields := strings.Split(string(claimsRaw), ":")
	if len(fields) != 3 {
		return "", "", fmt.Errorf("malformed token claims")
	}
	expiresAt, err := strconv.ParseInt(fields[2], 10, 64)
	if err != nil || now.Unix() > expiresAt {
		return "", "", fmt.Errorf("token expired")
	}
	return fields[0], fields[1], nil
}
