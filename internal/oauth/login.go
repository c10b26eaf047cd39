package oauth

import (
	"context"
	"crypto/rand"
	"crypto/sha256"
	"encoding/base64"
	"encoding/json"
	"fmt"
	"io"
	"net"
	"net/http"
	"net/url"
	"strings"
	"time"
)

const (
	authEndpoint = "https://accounts.google.com/o/oauth2/v2/auth"

	loginScopes = "https://www.googleapis.com/auth/cloud-platform " +
		"https://www.googleapis.com/auth/userinfo.email " +
		"https://www.googleapis.com/auth/userinfo.profile"
)

// Login runs the interactive installed-app OAuth flow with PKCE: it binds a
// loopback listener, prints the consent URL, waits for the redirect, then
// exchanges the code and persists credentials to path with mode 0600.
func Login(ctx context.Context, path string) error {
	verifier, challenge, err := pkcePair()
	if err != nil {
		return err
	}
	state, err := randomToken(16)
	if err != nil {
		return err
	}

	ln, err := net.Listen("tcp", "127.0.0.1:0")
	if err != nil {
		return fmt.Errorf("bind loopback listener: %w", err)
	}
	defer ln.Close()

	redirectURI := fmt.Sprintf("http://localhost:%d/oauth2callback", ln.Addr().(*net.TCPAddr).Port)

	consent := authEndpoint + "?" + url.Values{
		"client_id":             {ClientID},
		"redirect_uri":          {redirectURI},
		"response_type":         {"code"},
		"scope":                 {loginScopes},
		"access_type":           {"offline"},
		"prompt":                {"consent"},
		"state":                 {state},
		"code_challenge":        {challenge},
		"code_challenge_method": {"S256"},
	}.Encode()

	fmt.Println("Open this URL in your browser to sign in:")
	fmt.Println()
	fmt.Println("  " + consent)
	fmt.Println()
	fmt.Println("Waiting for the browser redirect...")

	code, err := waitForCallback(ctx, ln, state)
	if err != nil {
		return err
	}

	creds, err := exchangeCode(ctx, code, verifier, redirectURI)
	if err != nil {
		return err
	}

	if err := SaveCredentials(path, creds); err != nil {
		return fmt.Errorf("save credentials: %w", err)
	}
	fmt.Printf("Credentials saved to %s\n", path)
	return nil
}

func waitForCallback(ctx context.Context, ln net.Listener, wantState string) (string, error) {
	type result struct {
		code string
		err  error
	}
	ch := make(chan result, 1)

	srv := &http.Server{Handler: http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		q := r.URL.Query()
		if errMsg := q.Get("error"); errMsg != "" {
			http.Error(w, "Sign-in failed. You can close this tab.", http.StatusBadRequest)
			ch <- result{err: fmt.Errorf("authorization denied: %s", errMsg)}
			return
		}
		if q.Get("state") != wantState {
			http.Error(w, "State mismatch. You can close this tab.", http.StatusBadRequest)
			ch <- result{err: fmt.Errorf("oauth state mismatch")}
			return
		}
		fmt.Fprintln(w, "Sign-in complete. You can close this tab and return to the terminal.")
		ch <- result{code: q.Get("code")}
	})}

	go srv.Serve(ln)
	defer srv.Close()

	select {
	case <-ctx.Done():
		return "", ctx.Err()
	case r := <-ch:
		return r.code, r.err
	case <-time.After(5 * time.Minute):
		return "", fmt.Errorf("timed out waiting for the browser redirect")
	}
}

func exchangeCode(ctx context.Context, code, verifier, redirectURI string) (*Credentials, error) {
	form := url.Values{
		"grant_type":    {"authorization_code"},
		"code":          {code},
		"client_id":     {ClientID},
		"client_secret": {ClientSecret},
		"redirect_uri":  {redirectURI},
		"code_verifier": {verifier},
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, tokenEndpoint,
		strings.NewReader(form.Encode()))
	if err != nil {
		return nil, err
	}
	req.Header.Set("Content-Type", "application/x-www-form-urlencoded")

	resp, err := http.DefaultClient.Do(req)
	if err != nil {
		return nil, fmt.Errorf("token exchange: %w", err)
	}
	defer resp.Body.Close()

	body, _ := io.ReadAll(io.LimitReader(resp.Body, 1<<20))
	if resp.StatusCode != http.StatusOK {
		return nil, fmt.Errorf("token exchange failed (status %d)", resp.StatusCode)
	}

	var tok tokenResponse
	if err := json.Unmarshal(body, &tok); err != nil {
		return nil, fmt.Errorf("decode token response: %w", err)
	}
	if tok.RefreshToken == "" {
		return nil, fmt.Errorf("no refresh_token granted; remove the app from your Google account and retry")
	}

	return &Credentials{
		AccessToken:  tok.AccessToken,
		RefreshToken: tok.RefreshToken,
		TokenType:    tok.TokenType,
		Scope:        tok.Scope,
		IDToken:      tok.IDToken,
		ExpiryDate:   time.Now().Add(time.Duration(tok.ExpiresIn) * time.Second).UnixMilli(),
	}, nil
}

// pkcePair returns a code verifier and its S256 challenge.
func pkcePair() (verifier, challenge string, err error) {
	verifier, err = randomToken(32)
	if err != nil {
		return "", "", err
	}
	sum := sha256.Sum256([]byte(verifier))
	return verifier, base64.RawURLEncoding.EncodeToString(sum[:]), nil
}

func randomToken(n int) (string, error) {
	buf := make([]byte, n)
	if _, err := rand.Read(buf); err != nil {
		return "", err
	}
	return base64.RawURLEncoding.EncodeToString(buf), nil
}
