package db

import (
	"context"
	"database/sql"
	"fmt"

	"github.com/onnwee/chat-magnifier/crypto"
	"github.com/onnwee/chat-magnifier/oauth"
)

// TokenStore implements oauth.Store over the oauth_tokens table. Tokens are
// sealed with Box; rows written without a key (encryption_version=0) are still
// read.
type TokenStore struct {
	DB  *sql.DB
	Box *crypto.Box
}

var _ oauth.Store = (*TokenStore)(nil)

func (s *TokenStore) Put(ctx context.Context, provider string, tok oauth.Token) error {
	access, err := s.Box.Seal(tok.AccessToken)
	if err != nil {
		return fmt.Errorf("encrypt access token: %w", err)
	}
	refresh, err := s.Box.Seal(tok.RefreshToken)
	if err != nil {
		return fmt.Errorf("encrypt refresh token: %w", err)
	}
	q := `INSERT INTO oauth_tokens(provider, access_token, refresh_token, expires_at, scope, encryption_version, updated_at)
		  VALUES($1,$2,$3,$4,$5,$6,NOW())
		  ON CONFLICT(provider) DO UPDATE SET
		    access_token=EXCLUDED.access_token,
		    refresh_token=EXCLUDED.refresh_token,
		    expires_at=EXCLUDED.expires_at,
		    scope=EXCLUDED.scope,
		    encryption_version=EXCLUDED.encryption_version,
		    updated_at=NOW()`
	_, err = s.DB.ExecContext(ctx, q, provider, access, refresh, tok.Expiry, tok.Scope, s.Box.Version())
	return err
}

func (s *TokenStore) Get(ctx context.Context, provider string) (oauth.Token, error) {
	var (
		tok     oauth.Token
		version int
		expiry  sql.NullTime
		scope   sql.NullString
	)
	row := s.DB.QueryRowContext(ctx,
		`SELECT COALESCE(access_token,''), COALESCE(refresh_token,''), expires_at, scope, COALESCE(encryption_version, 0)
		 FROM oauth_tokens WHERE provider = $1`, provider)
	err := row.Scan(&tok.AccessToken, &tok.RefreshToken, &expiry, &scope, &version)
	if err == sql.ErrNoRows {
		return oauth.Token{}, nil
	}
	if err != nil {
		return oauth.Token{}, err
	}
	tok.Expiry = expiry.Time
	tok.Scope = scope.String
	if tok.AccessToken, err = s.Box.Open(tok.AccessToken, version); err != nil {
		return oauth.Token{}, fmt.Errorf("decrypt access token: %w", err)
	}
	if tok.RefreshToken, err = s.Box.Open(tok.RefreshToken, version); err != nil {
		return oauth.Token{}, fmt.Errorf("decrypt refresh token: %w", err)
	}
	return tok, nil
}

func (s *TokenStore) Delete(ctx context.Context, provider string) error {
	_, err := s.DB.ExecContext(ctx, `DELETE FROM oauth_tokens WHERE provider=$1`, provider)
	return err
}
