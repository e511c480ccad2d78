package access

import "golang.org/x/crypto/bcrypt"

// HashPassword returns the salted hash to be stored for a plaintext password.
// The salt and cost parameters are embedded in the hash string.
func HashPassword(password string) (string, error) {
	hash, err := bcrypt.GenerateFromPassword([]byte(password), bcrypt.DefaultCost)
	if err != nil {
		return "", err
	}
	return string(hash), nil
}

// VerifyPassword recomputes the hash of the supplied password with the
// parameters embedded in the stored hash and compares in constant time.
// A mismatch is reported as ErrWrongCredentials.
func VerifyPassword(hash, password string) error {
	if err := bcrypt.CompareHashAndPassword([]byte(hash), []byte(password)); err != nil {
		return ErrWrongCredentials
	}
	return nil
}
