package recaptcha

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"net/url"
	"strings"
	"time"
)

const (
	DefaultEndpoint = "https://www.google.com/recaptcha/api/siteverify"
	userAgent       = "SocialAgeChecker/1.0"
)

// ErrInvalidToken is returned when Google does not accept the token.
var ErrInvalidToken = errors.New("recaptcha: invalid token")

type Client struct {
	client   *http.Client
	endPoint string
	secret   string
}

type VerifyResponse struct {
	Success     bool     `json:"success"`
	ChallengeTS string   `json:"challenge_ts"`
	Hostname    string   `json:"hostname"`
	ErrorCodes  []string `json:"error-codes"`
}

func NewClient(endpoint string, secret string, timeout time.Duration) *Client {
	if endpoint == "" {
		endpoint = DefaultEndpoint
	}

	return &Client{
		endPoint: endpoint,
		secret:   secret,
		client: &http.Client{
			Timeout: timeout,
		},
	}
}

// Verify checks a widget token. remoteIP is optional.
func (c *Client) Verify(ctx context.Context, token string, remoteIP string) error {
	vr, err := c.SiteVerify(ctx, token, remoteIP)
	if err != nil {
		return err
	}

	if !vr.Success {
		return fmt.Errorf("%w: %s", ErrInvalidToken, strings.Join(vr.ErrorCodes, ", "))
	}

	return nil
}

// SiteVerify returns Google's raw verdict for a token.
func (c *Client) SiteVerify(ctx context.Context, token string, remoteIP string) (*VerifyResponse, error) {
	form := url.Values{}
	form.Set("secret", c.secret)
	form.Set("response", token)
	if remoteIP != "" {
		form.Set("remoteip", remoteIP)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.endPoint, strings.NewReader(form.Encode()))
	if err != nil {
		return nil, err
	}

	req.Header.Add("Content-Type", "application/x-www-form-urlencoded")
	req.Header.Add("Accept", "application/json")
	req.Header.Add("User-Agent", userAgent)

	resp, err := c.client.Do(req)
	if err != nil {
		return nil, err
	}

	vr := VerifyResponse{}
	if err := parseResponse(resp, &vr); err != nil {
		return nil, err
	}

	return &vr, nil
}
