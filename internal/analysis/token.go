package analysis

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"time"

	"golang.org/x/oauth2"
	"google.golang.org/grpc/codes"

	apperrors "github.com/calm-listener/platform/internal/errors"
)

const (
	tokenPath    = "/oauth2/token:generate"
	tokenTimeout = 15 * time.Second
	// expiryDelta refreshes a little before the service would reject us.
	expiryDelta = 30 * time.Second
)

// appTokenSource exchanges application credentials for a bearer token.
type appTokenSource struct {
	baseURL   string
	appID     string
	appSecret string
	client    *http.Client
}

type tokenRequest struct {
	Type      string `json:"type"`
	AppID     string `json:"appId"`
	AppSecret string `json:"appSecret"`
}

type tokenResponse struct {
	AccessToken string `json:"accessToken"`
	ExpiresIn   int64  `json:"expiresIn"`
}

// Token implements oauth2.TokenSource. oauth2 gives us no context here, so
// each refresh gets its own bounded one.
func (s *appTokenSource) Token() (*oauth2.Token, error) {
	ctx, cancel := context.WithTimeout(context.Background(), tokenTimeout)
	defer cancel()
	return s.fetch(ctx)
}

func (s *appTokenSource) fetch(ctx context.Context) (*oauth2.Token, error) {
	body, err := json.Marshal(tokenRequest{Type: "application", AppID: s.appID, AppSecret: s.appSecret})
	if err != nil {
		return nil, apperrors.Wrap(err, apperrors.Internal, "encode token request")
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, s.baseURL+tokenPath, bytes.NewReader(body))
	if err != nil {
		return nil, apperrors.Wrap(err, apperrors.InvalidArgument, "build token request")
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := s.client.Do(req)
	if err != nil {
		return nil, apperrors.Wrap(err, apperrors.RemoteService, "token request").WithGRPCCode(codes.Unavailable)
	}
	defer resp.Body.Close()

	if resp.StatusCode/100 != 2 {
		return nil, apperrors.FromHTTPStatus(apperrors.RemoteService, resp.StatusCode,
			fmt.Sprintf("token request: %s", readSnippet(resp.Body)))
	}
	var tr tokenResponse
	if err := json.NewDecoder(resp.Body).Decode(&tr); err != nil {
		return nil, apperrors.Wrap(err, apperrors.RemoteService, "decode token response")
	}
	if tr.AccessToken == "" {
		return nil, apperrors.New(apperrors.RemoteService, "token response carried no access token")
	}

	tok := &oauth2.Token{AccessToken: tr.AccessToken, TokenType: "Bearer"}
	if tr.ExpiresIn > 0 {
		tok.Expiry = time.Now().Add(time.Duration(tr.ExpiresIn)*time.Second - expiryDelta)
	}
	return tok, nil
}
