package auth

import (
	"testing"
	"time"

	qt "github.com/frankban/quicktest"
	"github.com/golang-jwt/jwt/v5"
)

func TestGenerateValidate(t *testing.T) {
	c := qt.New(t)

	m := NewJWTManager("s3cret")
	tok, err := m.GenerateToken("ops", time.Hour)
	c.Assert(err, qt.IsNil)

	claims, err := m.ValidateToken(tok)
	c.Assert(err, qt.IsNil)
	c.Assert(claims.Subject, qt.Equals, "ops")
	c.Assert(claims.Operator, qt.IsTrue)
}

func TestValidateRejects(t *testing.T) {
	c := qt.New(t)

	m := NewJWTManager("s3cret")

	expired, err := m.GenerateToken("ops", -time.Minute)
	c.Assert(err, qt.IsNil)
	other, err := NewJWTManager("another").GenerateToken("ops", time.Hour)
	c.Assert(err, qt.IsNil)
	notOperator, err := jwt.NewWithClaims(jwt.SigningMethodHS256, Claims{
		RegisteredClaims: jwt.RegisteredClaims{Issuer: issuer, Subject: "viewer"},
	}).SignedString([]byte("s3cret"))
	c.Assert(err, qt.IsNil)
	none, err := jwt.NewWithClaims(jwt.SigningMethodNone, Claims{Operator: true}).SignedString(jwt.UnsafeAllowNoneSignatureType)
	c.Assert(err, qt.IsNil)

	for name, tok := range map[string]string{
		"expired":      expired,
		"wrong secret": other,
		"not operator": notOperator,
		"unsigned":     none,
		"garbage":      "not.a.token",
	} {
		c.Run(name, func(c *qt.C) {
			_, err := m.ValidateToken(tok)
			c.Assert(err, qt.ErrorIs, ErrInvalidToken)
		})
	}
}
