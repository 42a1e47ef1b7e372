package telephony

import (
	"encoding/json"
	"fmt"
	"log/slog"
	"net/http"
	"time"

	"github.com/golang-jwt/jwt/v4"
)

// TokenIssuer mints Twilio voice access tokens for browser clients. The
// token is an HS256 JWT signed with the API secret, with the Twilio
// first-party-auth content type and a voice grant bound to the TwiML app.
type TokenIssuer struct {
	log        *slog.Logger
	accountSID string
	apiKey     string
	apiSecret  string
	appSID     string
	ttl        time.Duration

	now func() time.Time
}

// NewTokenIssuer creates a voice token issuer. Tokens are valid for one hour.
func NewTokenIssuer(log *slog.Logger, accountSID, apiKey, apiSecret, appSID string) *TokenIssuer {
	return &TokenIssuer{
		log:        log,
		accountSID: accountSID,
		apiKey:     apiKey,
		apiSecret:  apiSecret,
		appSID:     appSID,
		ttl:        time.Hour,
		now:        time.Now,
	}
}

type voiceOutgoing struct {
	ApplicationSID string `json:"application_sid"`
}

type voiceGrant struct {
	Outgoing voiceOutgoing `json:"outgoing"`
	Incoming bool          `json:"incoming_allow"`
}

type tokenGrants struct {
	Identity string     `json:"identity"`
	Voice    voiceGrant `json:"voice"`
}

type tokenClaims struct {
	jwt.RegisteredClaims
	Grants tokenGrants `json:"grants"`
}

// Issue mints a signed token for the given client identity.
func (t *TokenIssuer) Issue(identity string) (string, error) {
	now := t.now()
	claims := tokenClaims{
		RegisteredClaims: jwt.RegisteredClaims{
			ID:        fmt.Sprintf("%s-%d", t.apiKey, now.Unix()),
			Issuer:    t.apiKey,
			Subject:   t.accountSID,
			IssuedAt:  jwt.NewNumericDate(now),
			ExpiresAt: jwt.NewNumericDate(now.Add(t.ttl)),
		},
		Grants: tokenGrants{
			Identity: identity,
			Voice: voiceGrant{
				Outgoing: voiceOutgoing{ApplicationSID: t.appSID},
				Incoming: true,
			},
		},
	}

	tok := jwt.NewWithClaims(jwt.SigningMethodHS256, claims)
	tok.Header["cty"] = "twilio-fpa;v=1"

	signed, err := tok.SignedString([]byte(t.apiSecret))
	if err != nil {
		return "", fmt.Errorf("telephony: sign voice token: %w", err)
	}
	return signed, nil
}

// ServeHTTP implements GET /voice-token?identity=.
func (t *TokenIssuer) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	identity := r.URL.Query().Get("identity")
	if identity == "" {
		identity = "browser"
	}

	token, err := t.Issue(identity)
	if err != nil {
		t.log.Error("voice token issue failed", "error", err)
		http.Error(w, "internal error", http.StatusInternalServerError)
		return
	}

	w.Header().Set("Content-Type", "application/json")
	json.NewEncoder(w).Encode(map[string]string{
		"identity": identity,
		"token":    token,
	})
}
