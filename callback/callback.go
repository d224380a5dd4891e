// Package callback delivers finished segment transcripts to the owning
// service and authenticates those deliveries.
package callback

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"

	"github.com/golang-jwt/jwt/v5"

	"github.com/bosley/segscribe/paragraph"
)

const (
	DefaultTimeout = 30 * time.Second
	tokenIssuer    = "segscribe"
	tokenTTL       = 5 * time.Minute
	bearerPrefix   = "Bearer "
)

var ErrUnauthorized = errors.New("unauthorized callback")

// Payload is the body of a transcription result callback.
type Payload struct {
	SegmentID    string                `json:"segmentId"`
	SessionID    string                `json:"sessionId"`
	OwnerID      string                `json:"ownerId,omitempty"`
	Paragraphs   []paragraph.Paragraph `json:"paragraphs"`
	Placeholders []int                 `json:"placeholders,omitempty"`
}

type Client struct {
	url        string
	secret     []byte
	httpClient *http.Client
}

// New returns a client posting to url. An empty secret disables signing.
func New(url, secret string) *Client {
	return &Client{
		url:        url,
		secret:     []byte(secret),
		httpClient: &http.Client{Timeout: DefaultTimeout},
	}
}

// Deliver posts the payload. Any non-2xx response is an error.
func (c *Client) Deliver(ctx context.Context, p Payload) error {
	if p.Paragraphs == nil {
		p.Paragraphs = []paragraph.Paragraph{}
	}

	body, err := json.Marshal(p)
	if err != nil {
		return fmt.Errorf("marshal callback payload: %w", err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.url, bytes.NewReader(body))
	if err != nil {
		return err
	}
	req.Header.Set("Content-Type", "application/json")

	if len(c.secret) > 0 {
		token, err := Sign(c.secret, p.SegmentID, time.Now())
		if err != nil {
			return err
		}
		req.Header.Set("Authorization", bearerPrefix+token)
	}

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return fmt.Errorf("deliver callback: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		b, _ := io.ReadAll(io.LimitReader(resp.Body, 4096))
		return fmt.Errorf("callback http %d: %s", resp.StatusCode, strings.TrimSpace(string(b)))
	}
	return nil
}

// Sign issues a short-lived HS256 token whose subject is the segment ID.
func Sign(secret []byte, segmentID string, now time.Time) (string, error) {
	claims := jwt.RegisteredClaims{
		Issuer:    tokenIssuer,
		Subject:   segmentID,
		IssuedAt:  jwt.NewNumericDate(now),
		ExpiresAt: jwt.NewNumericDate(now.Add(tokenTTL)),
	}
	token, err := jwt.NewWithClaims(jwt.SigningMethodHS256, claims).SignedString(secret)
	if err != nil {
		return "", fmt.Errorf("sign callback token: %w", err)
	}
	return token, nil
}

// Verify checks an Authorization header and returns the token's subject.
func Verify(secret, authorization string) (string, error) {
	if !strings.HasPrefix(authorization, bearerPrefix) {
		return "", fmt.Errorf("%w: missing bearer token", ErrUnauthorized)
	}
	tokenStr := strings.TrimSpace(strings.TrimPrefix(authorization, bearerPrefix))
	if tokenStr == "" {
		return "", fmt.Errorf("%w: empty bearer token", ErrUnauthorized)
	}

	claims := &jwt.RegisteredClaims{}
	_, err := jwt.ParseWithClaims(tokenStr, claims, func(token *jwt.Token) (any, error) {
		return []byte(secret), nil
	}, jwt.WithValidMethods([]string{"HS256"}), jwt.WithIssuer(tokenIssuer))
	if err != nil {
		return "", fmt.Errorf("%w: %w", ErrUnauthorized, err)
	}
	return claims.Subject, nil
}
