package deviceflow

import "golang.org/x/oauth2"

// ChallengeMethod is the only PKCE method used
const ChallengeMethod = "S256"

// GenerateVerifierChallenge returns a PKCE pair per RFC 7636.
// The verifier is 32 random bytes, base64url without padding; the challenge is
// base64url(sha256(verifier)) without padding.
func GenerateVerifierChallenge() (verifier, challenge string) {
	verifier = oauth2.GenerateVerifier()
	return verifier, oauth2.S256ChallengeFromVerifier(verifier)
}
