package auth

import "golang.org/x/crypto/bcrypt"

// HashNewSessionNonce generates a random nonce and returns it alongside its
// bcrypt hash, for the legacy session-secret variant (spec.md §9). The
// plaintext nonce is handed to the client once; only the hash is persisted
// on AuthSession.SessionSecretHash, exactly as the teacher hashes passwords
// with bcrypt before storing them.
func HashNewSessionNonce() (nonce string, hash string, err error) {
	nonce, err = newNonce()
	if err != nil {
		return "", "", err
	}
	hashed, err := bcrypt.GenerateFromPassword([]byte(nonce), bcrypt.DefaultCost)
	if err != nil {
		return "", "", err
	}
	return nonce, string(hashed), nil
}

func bcryptCompare(hash, candidate string) bool {
	return bcrypt.CompareHashAndPassword([]byte(hash), []byte(candidate)) == nil
}
