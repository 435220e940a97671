package session

import (
	"crypto/cipher"
	"crypto/rand"
	"crypto/sha256"
	"encoding/base64"
	"encoding/json"
	"errors"
	"fmt"
	"io"

	"golang.org/x/crypto/chacha20poly1305"
	"golang.org/x/crypto/hkdf"
)

// ErrDecodeState はstateが改ざんされているか形式が不正であることを表す。
var ErrDecodeState = errors.New("stateを復号できません")

// stateKeyInfo はHKDFで鍵を導出する際の用途ラベル。
const stateKeyInfo = "authgate oauth state v1"

// State はOAuthの往復で引き回す情報。
type State struct {
	IdentityID string `json:"userId"`
	Email      string `json:"email"`
	ReturnPath string `json:"returnUrl"`
	// IssuedAt は発行時刻（Unixミリ秒）。
	IssuedAt int64 `json:"timestamp"`
}

// StateCodec はStateをXChaCha20-Poly1305で暗号化・認証してURLセーフな文字列にする。
// 鍵はシークレットからHKDF-SHA256で導出する。並行利用しても安全。
type StateCodec struct {
	aead cipher.AEAD
}

// NewStateCodec は新しいStateCodecを生成する。secretは空であってはならない。
func NewStateCodec(secret []byte) (*StateCodec, error) {
	if len(secret) == 0 {
		return nil, errors.New("stateのシークレットが空です")
	}

	key := make([]byte, chacha20poly1305.KeySize)
	if _, err := io.ReadFull(hkdf.New(sha256.New, secret, nil, []byte(stateKeyInfo)), key); err != nil {
		return nil, fmt.Errorf("鍵の導出に失敗: %w", err)
	}
	aead, err := chacha20poly1305.NewX(key)
	if err != nil {
		return nil, fmt.Errorf("暗号器の生成に失敗: %w", err)
	}
	return &StateCodec{aead: aead}, nil
}

// Encode はstateを暗号化する。
func (c *StateCodec) Encode(state State) (string, error) {
	plaintext, err := json.Marshal(state)
	if err != nil {
		return "", fmt.Errorf("stateのシリアライズに失敗: %w", err)
	}

	nonce := make([]byte, c.aead.NonceSize(), c.aead.NonceSize()+len(plaintext)+c.aead.Overhead())
	if _, err := rand.Read(nonce); err != nil {
		return "", fmt.Errorf("ナンスの生成に失敗: %w", err)
	}
	sealed := c.aead.Seal(nonce, nonce, plaintext, nil)
	return base64.RawURLEncoding.EncodeToString(sealed), nil
}

// Decode はEncodeで生成した文字列を復号する。
// 形式の誤りや改ざんはすべてErrDecodeStateになる。
func (c *StateCodec) Decode(token string) (State, error) {
	sealed, err := base64.RawURLEncoding.DecodeString(token)
	if err != nil {
		return State{}, fmt.Errorf("%w: %w", ErrDecodeState, err)
	}
	if len(sealed) < c.aead.NonceSize()+c.aead.Overhead() {
		return State{}, fmt.Errorf("%w: 長さが不足しています", ErrDecodeState)
	}

	nonce, ciphertext := sealed[:c.aead.NonceSize()], sealed[c.aead.NonceSize():]
	plaintext, err := c.aead.Open(nil, nonce, ciphertext, nil)
	if err != nil {
		return State{}, fmt.Errorf("%w: %w", ErrDecodeState, err)
	}

	var state State
	if err := json.Unmarshal(plaintext, &state); err != nil {
		return State{}, fmt.Errorf("%w: %w", ErrDecodeState, err)
	}
	return state, nil
}
