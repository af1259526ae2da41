// Package authcred hashes and verifies peer account passwords.
package authcred

import "golang.org/x/crypto/bcrypt"

// Hash returns a salted bcrypt hash of password, suitable for storage.
func Hash(password string) (string, error) {
	hash, err := bcrypt.GenerateFromPassword([]byte(password), bcrypt.DefaultCost)
	if err != nil {
		return "", err
	}
	return string(hash), nil
}

// Verify reports whether password matches the given stored hash.
func Verify(hash, password string) bool {
	return bcrypt.CompareHashAndPassword([]byte(hash), []byte(password)) == nil
}
