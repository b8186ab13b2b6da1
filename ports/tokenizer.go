package ports

import "github.com/layer-3/miauth/core"

// Tokenizer converts pending two-factor challenges to signed tickets and back
type Tokenizer interface {
	ChallengeToToken(challenge *core.Challenge) (string, error)
	TokenToChallenge(token string) (*core.Challenge, error)
}
