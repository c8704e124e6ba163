package auth

import (
	"crypto/ecdsa"
	"crypto/elliptic"
	"crypto/rand"
	"crypto/x509"
	"encoding/pem"
	"fmt"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/golang-jwt/jwt/v5"
	"github.com/stretchr/testify/require"
)

func generateECKeyPair(t *testing.T) (*ecdsa.PrivateKey, *ecdsa.PublicKey) {
	t.Helper()
	privateKey, err := ecdsa.GenerateKey(elliptic.P256(), rand.Reader)
	require.NoError(t, err)
	return privateKey, &privateKey.PublicKey
}

func createSignedToken(t *testing.T, privateKey *ecdsa.PrivateKey, claims *jwt.RegisteredClaims) string {
	t.Helper()
	token := jwt.NewWithClaims(jwt.SigningMethodES256, claims)
	tokenStr, err := token.SignedString(privateKey)
	require.NoError(t, err)
	return tokenStr
}

func generatePublicKeyPEM(t *testing.T, publicKey *ecdsa.PublicKey) string {
	t.Helper()
	publicKeyDER, err := x509.MarshalPKIXPublicKey(publicKey)
	require.NoError(t, err)

	publicKeyPEM := pem.EncodeToMemory(&pem.Block{
		Type:  "PUBLIC KEY",
		Bytes: publicKeyDER,
	})
	require.NotNil(t, publicKeyPEM)
	return string(publicKeyPEM)
}

func generatePrivateKeyPEM(t *testing.T, privateKey *ecdsa.PrivateKey) string {
	t.Helper()
	der, err := x509.MarshalECPrivateKey(privateKey)
	require.NoError(t, err)
	return string(pem.EncodeToMemory(&pem.Block{Type: "EC PRIVATE KEY", Bytes: der}))
}

func TestNewVerifier(t *testing.T) {
	t.Run("empty public key", func(t *testing.T) {
		v, err := NewVerifier("")
		require.ErrorIs(t, err, ErrMissingPublicKey)
		require.Nil(t, v)
	})

	t.Run("invalid PEM", func(t *testing.T) {
		v, err := NewVerifier("invalid pem")
		require.Error(t, err)
		require.Nil(t, v)
	})

	t.Run("valid public key PEM", func(t *testing.T) {
		_, publicKey := generateECKeyPair(t)
		v, err := NewVerifier(generatePublicKeyPEM(t, publicKey))
		require.NoError(t, err)
		require.NotNil(t, v)
	})
}

func TestIssueToken(t *testing.T) {
	privateKey, publicKey := generateECKeyPair(t)
	signingKeyPEM := generatePrivateKeyPEM(t, privateKey)

	v, err := NewVerifier(generatePublicKeyPEM(t, publicKey))
	require.NoError(t, err)

	t.Run("round trip", func(t *testing.T) {
		tokenStr, err := IssueToken(signingKeyPEM, "release-bot", time.Hour)
		require.NoError(t, err)

		subject, err := v.Verify(tokenStr)
		require.NoError(t, err)
		require.Equal(t, "release-bot", subject)
	})

	t.Run("missing subject", func(t *testing.T) {
		_, err := IssueToken(signingKeyPEM, "", time.Hour)
		require.ErrorIs(t, err, ErrMissingSubject)
	})

	t.Run("non positive ttl", func(t *testing.T) {
		_, err := IssueToken(signingKeyPEM, "release-bot", 0)
		require.Error(t, err)
	})

	t.Run("invalid signing key", func(t *testing.T) {
		_, err := IssueToken("not a key", "release-bot", time.Hour)
		require.Error(t, err)
	})

	t.Run("token from another key", func(t *testing.T) {
		otherKey, _ := generateECKeyPair(t)
		tokenStr, err := IssueToken(generatePrivateKeyPEM(t, otherKey), "release-bot", time.Hour)
		require.NoError(t, err)

		_, err = v.Verify(tokenStr)
		require.ErrorIs(t, err, ErrInvalidToken)
	})
}

func TestVerify(t *testing.T) {
	privateKey, publicKey := generateECKeyPair(t)

	v, err := NewVerifier(generatePublicKeyPEM(t, publicKey))
	require.NoError(t, err)

	now := time.Now()

	tests := []struct {
		name    string
		claims  *jwt.RegisteredClaims
		wantErr error
		want    string
	}{
		{
			name: "valid token",
			claims: &jwt.RegisteredClaims{
				Subject:   "user123",
				Issuer:    Issuer,
				ExpiresAt: jwt.NewNumericDate(now.Add(time.Hour)),
			},
			want: "user123",
		},
		{
			name: "expired token",
			claims: &jwt.RegisteredClaims{
				Subject:   "user123",
				Issuer:    Issuer,
				ExpiresAt: jwt.NewNumericDate(now.Add(-time.Hour)),
			},
			wantErr: ErrInvalidToken,
		},
		{
			name: "token without expiry",
			claims: &jwt.RegisteredClaims{
				Subject: "user456",
				Issuer:  Issuer,
			},
			wantErr: ErrInvalidToken,
		},
		{
			name: "wrong issuer",
			claims: &jwt.RegisteredClaims{
				Subject:   "user123",
				Issuer:    "someone-else",
				ExpiresAt: jwt.NewNumericDate(now.Add(time.Hour)),
			},
			wantErr: ErrInvalidToken,
		},
		{
			name: "missing subject",
			claims: &jwt.RegisteredClaims{
				Issuer:    Issuer,
				ExpiresAt: jwt.NewNumericDate(now.Add(time.Hour)),
			},
			wantErr: ErrMissingSubject,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			subject, err := v.Verify(createSignedToken(t, privateKey, tt.claims))
			if tt.wantErr != nil {
				require.ErrorIs(t, err, tt.wantErr)
				require.Empty(t, subject)
				return
			}
			require.NoError(t, err)
			require.Equal(t, tt.want, subject)
		})
	}

	t.Run("token signed with wrong algorithm", func(t *testing.T) {
		claims := &jwt.RegisteredClaims{
			Subject:   "user123",
			Issuer:    Issuer,
			ExpiresAt: jwt.NewNumericDate(now.Add(time.Hour)),
		}
		// Sign with HS256 instead of ES256
		token := jwt.NewWithClaims(jwt.SigningMethodHS256, claims)
		tokenStr, err := token.SignedString([]byte("secret"))
		require.NoError(t, err)

		_, err = v.Verify(tokenStr)
		require.ErrorIs(t, err, ErrInvalidToken)
	})

	t.Run("malformed token", func(t *testing.T) {
		_, err := v.Verify("invalid.token.string")
		require.ErrorIs(t, err, ErrInvalidToken)
	})
}

func TestMiddleware(t *testing.T) {
	privateKey, publicKey := generateECKeyPair(t)

	v, err := NewVerifier(generatePublicKeyPEM(t, publicKey))
	require.NoError(t, err)

	tokenStr, err := IssueToken(generatePrivateKeyPEM(t, privateKey), "release-bot", time.Hour)
	require.NoError(t, err)

	handler := v.Middleware()(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		_, _ = fmt.Fprint(w, SubjectFromContext(r.Context()))
	}))

	tests := []struct {
		name       string
		header     string
		wantStatus int
		wantBody   string
	}{
		{name: "valid token", header: "Bearer " + tokenStr, wantStatus: http.StatusOK, wantBody: "release-bot"},
		{name: "lower case scheme", header: "bearer " + tokenStr, wantStatus: http.StatusOK, wantBody: "release-bot"},
		{name: "missing header", wantStatus: http.StatusUnauthorized},
		{name: "basic scheme", header: "Basic dXNlcjpwYXNz", wantStatus: http.StatusUnauthorized},
		{name: "invalid token", header: "Bearer invalid.token.here", wantStatus: http.StatusUnauthorized},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			req := httptest.NewRequest(http.MethodPost, "/dispatch", nil)
			if tt.header != "" {
				req.Header.Set("Authorization", tt.header)
			}
			w := httptest.NewRecorder()

			handler.ServeHTTP(w, req)

			require.Equal(t, tt.wantStatus, w.Code)
			if tt.wantBody != "" {
				require.Equal(t, tt.wantBody, w.Body.String())
			}
		})
	}
}

func TestSubjectFromContextEmpty(t *testing.T) {
	req := httptest.NewRequest(http.MethodGet, "/", nil)
	require.Empty(t, SubjectFromContext(req.Context()))
}
