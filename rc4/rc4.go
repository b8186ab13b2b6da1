// Package rc4 implements the byte-oriented RC4 stream cipher used by the
// account service to obfuscate request payloads.
//
// It is reproduced bit-exact for wire compatibility only. An Engine is
// stateful: encrypting and decrypting the same message each need a freshly
// constructed Engine with the same key.
package rc4

import (
	"encoding/base64"
	"errors"
	"fmt"
	"strings"
	"unicode/utf8"
)

// warmUpBytes is the number of keystream bytes discarded by WarmUp
const warmUpBytes = 1024

var (
	// ErrInvalidKey is returned when the key is empty
	ErrInvalidKey = errors.New("rc4: key cannot be empty")

	// ErrEmptyInput is returned when there is nothing to encrypt or decrypt
	ErrEmptyInput = errors.New("rc4: data cannot be empty")
)

// Engine holds the permutation and cursors of one keystream
type Engine struct {
	state [256]byte
	x, y  byte
}

// New runs the key scheduling algorithm for key
func New(key []byte) (*Engine, error) {
	if len(key) == 0 {
		return nil, ErrInvalidKey
	}

	e := &Engine{}
	for i := range e.state {
		e.state[i] = byte(i)
	}

	var j byte
	for i := 0; i < 256; i++ {
		j += e.state[i] + key[i%len(key)]
		e.state[i], e.state[j] = e.state[j], e.state[i]
	}

	return e, nil
}

// WarmUp discards the first 1024 keystream bytes. Call it at most once,
// before the first Crypt.
func (e *Engine) WarmUp() *Engine {
	for i := 0; i < warmUpBytes; i++ {
		e.next()
	}
	return e
}

// next advances the generator by one byte
func (e *Engine) next() byte {
	e.x++
	e.y += e.state[e.x]
	e.state[e.x], e.state[e.y] = e.state[e.y], e.state[e.x]
	return e.state[e.state[e.x]+e.state[e.y]]
}

// Crypt XORs data with the next len(data) keystream bytes.
// The input slice is left untouched.
func (e *Engine) Crypt(data []byte) ([]byte, error) {
	if len(data) == 0 {
		return nil, ErrEmptyInput
	}

	out := make([]byte, len(data))
	for i, b := range data {
		out[i] = b ^ e.next()
	}
	return out, nil
}

// Obfuscate encrypts plaintext with a base64 encoded key using a warmed-up
// engine and returns the base64 encoded ciphertext
func Obfuscate(b64Key, plaintext string) (string, error) {
	engine, err := engineFor(b64Key)
	if err != nil {
		return "", err
	}

	out, err := engine.Crypt([]byte(plaintext))
	if err != nil {
		return "", err
	}
	return base64.StdEncoding.EncodeToString(out), nil
}

// Deobfuscate reverses Obfuscate. A wrong key still yields output: the
// cipher carries no integrity check. Invalid UTF-8 is replaced.
func Deobfuscate(b64Key, ciphertext string) (string, error) {
	engine, err := engineFor(b64Key)
	if err != nil {
		return "", err
	}

	data, err := base64.StdEncoding.DecodeString(ciphertext)
	if err != nil {
		return "", fmt.Errorf("failed to decode ciphertext: %w", err)
	}

	out, err := engine.Crypt(data)
	if err != nil {
		return "", err
	}
	if !utf8.Valid(out) {
		return strings.ToValidUTF8(string(out), string(utf8.RuneError)), nil
	}
	return string(out), nil
}

func engineFor(b64Key string) (*Engine, error) {
	key, err := base64.StdEncoding.DecodeString(b64Key)
	if err != nil {
		return nil, fmt.Errorf("failed to decode key: %w", err)
	}

	engine, err := New(key)
	if err != nil {
		return nil, err
	}
	return engine.WarmUp(), nil
}
