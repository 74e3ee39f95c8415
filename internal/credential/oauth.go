package credential

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"readwise-autosave/internal/domain"
	"time"

	"golang.org/x/oauth2"
)

// OAuth2Refresher runs the refresh_token grant against the authorization
// server token endpoint.
type OAuth2Refresher struct {
	config     *oauth2.Config
	httpClient *http.Client
}

func NewOAuth2Refresher(clientID, clientSecret, tokenURL string, httpClient *http.Client) *OAuth2Refresher {
	return &OAuth2Refresher{
		config: &oauth2.Config{
			ClientID:     clientID,
			ClientSecret: clientSecret,
			Endpoint: oauth2.Endpoint{
				TokenURL:  tokenURL,
				AuthStyle: oauth2.AuthStyleInParams,
			},
		},
		httpClient: httpClient,
	}
}

func (r *OAuth2Refresher) Refresh(ctx context.Context, refreshToken string) (*domain.Credential, error) {
	if r.httpClient != nil {
		ctx = context.WithValue(ctx, oauth2.HTTPClient, r.httpClient)
	}

	stale := &oauth2.Token{
		RefreshToken: refreshToken,
		Expiry:       time.Now().Add(-time.Hour), // Force refresh
	}

	tok, err := r.config.TokenSource(ctx, stale).Token()
	if err != nil {
		var retrieveErr *oauth2.RetrieveError
		if errors.As(err, &retrieveErr) && retrieveErr.Response != nil && retrieveErr.Response.StatusCode < 500 {
			return nil, fmt.Errorf("%w: %s", ErrAuthExpired, retrieveErr.ErrorCode)
		}

		return nil, err
	}

	return &domain.Credential{
		AccessToken:  tok.AccessToken,
		RefreshToken: tok.RefreshToken,
		ExpiresAt:    tok.Expiry,
	}, nil
}
