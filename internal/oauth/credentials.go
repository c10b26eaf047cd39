package oauth

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"runtime"
	"time"
)

// Credentials is the on-disk OAuth credential set, in the same JSON shape
// the Gemini CLI writes (~/.gemini/oauth_creds.json).
type Credentials struct {
	AccessToken  string `json:"access_token"`
	RefreshToken string `json:"refresh_token"`
	TokenType    string `json:"token_type,omitempty"`
	Scope        string `json:"scope,omitempty"`
	IDToken      string `json:"id_token,omitempty"`
	// ExpiryDate is unix milliseconds.
	ExpiryDate int64 `json:"expiry_date"`
}

// ExpiresIn returns the remaining lifetime of the access token.
func (c *Credentials) ExpiresIn() time.Duration {
	return time.UnixMilli(c.ExpiryDate).Sub(time.Now())
}

// Expired reports whether the token expires within buffer.
func (c *Credentials) Expired(buffer time.Duration) bool {
	return c.AccessToken == "" || c.ExpiresIn() <= buffer
}

// Redacted returns a debug rendering with secret fields masked.
func (c *Credentials) Redacted() string {
	return fmt.Sprintf("Credentials{access_token: ***, refresh_token: ***, expiry: %s}",
		time.UnixMilli(c.ExpiryDate).UTC().Format(time.RFC3339))
}

// LoadCredentials reads and validates the credentials file. On POSIX the
// file mode must be 0600 or 0400.
func LoadCredentials(path string) (*Credentials, error) {
	info, err := os.Stat(path)
	if err != nil {
		return nil, fmt.Errorf("credentials file %s: %w", path, err)
	}
	if runtime.GOOS != "windows" {
		mode := info.Mode().Perm()
		if mode != 0600 && mode != 0400 {
			return nil, fmt.Errorf("credentials file %s has mode %04o; must be 0600 or 0400", path, mode)
		}
	}

	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read credentials %s: %w", path, err)
	}

	var creds Credentials
	if err := json.Unmarshal(data, &creds); err != nil {
		return nil, fmt.Errorf("parse credentials %s: %w", path, err)
	}
	if creds.RefreshToken == "" {
		return nil, fmt.Errorf("credentials file %s has no refresh_token", path)
	}
	return &creds, nil
}

// SaveCredentials writes the credentials atomically: temp file in the same
// directory, 0600, then rename. A failed write never corrupts the original.
func SaveCredentials(path string, creds *Credentials) error {
	data, err := json.MarshalIndent(creds, "", "  ")
	if err != nil {
		return err
	}

	dir := filepath.Dir(path)
	if err := os.MkdirAll(dir, 0700); err != nil {
		return err
	}

	tmp, err := os.CreateTemp(dir, ".oauth_creds-*.json")
	if err != nil {
		return err
	}
	tmpPath := tmp.Name()
	defer os.Remove(tmpPath)

	if err := tmp.Chmod(0600); err != nil {
		tmp.Close()
		return err
	}
	if _, err := tmp.Write(data); err != nil {
		tmp.Close()
		return err
	}
	if err := tmp.Close(); err != nil {
		return err
	}

	return os.Rename(tmpPath, path)
}
