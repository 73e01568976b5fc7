// srp.go - golang implementation of SRP-6a
//
// Copyright 2013-2017 Sudhi Herle <sudhi.herle-at-gmail-dot-com>
// License: MIT
//
// Package srp implements the SRP-6a flavour spoken by Apple's Grand Slam
// authentication service (GSA).
//
// In this implementation:
//
//	H  = SHA-256
//	k  = H(N, pad(g))
//	u  = H(pad(A), pad(B))
//	p  = pbkdf2(password, s, iter)   (see PasswordKey)
//	x  = H(s, H(":", p))             (the identity is NOT part of x)
//	K  = H(S)
//	M  = H(H(N) xor H(pad(g)), H(I), s, A, B, K)
//	M' = H(A, M, K)
//
// References:
//
//	[1] http://srp.stanford.edu/design.html
//	[2] RFC 5054
package srp

/* UPDATED TO WORK WITH APPLE'S SRP IMPLEMENTATION by blacktop */

import (
	"crypto"
	CR "crypto/rand"
	"crypto/sha256"
	"crypto/subtle"
	"encoding/hex"
	"fmt"
	"io"
	"math/big"

	"golang.org/x/crypto/pbkdf2"
)

const (
	// ProtocolS2K is the plain pbkdf2 password protocol
	ProtocolS2K = "s2k"
	// ProtocolS2KFO is the pbkdf2 protocol where the password digest is hex encoded first
	ProtocolS2KFO = "s2k_fo"
)

// SRP represents an environment for the client and server to share certain properties;
// notably the hash function and prime-field size.
type SRP struct {
	h  crypto.Hash
	pf *primeField
}

// New creates a new SRP environment using a 'bits' sized prime-field and SHA-256.
func New(bits int) (*SRP, error) {
	return NewWithHash(crypto.SHA256, bits)
}

// NewWithHash creates a new SRP environment using the hash function 'h' and
// 'bits' sized prime-field size.
func NewWithHash(h crypto.Hash, bits int) (*SRP, error) {
	if !h.Available() {
		return nil, fmt.Errorf("srp: hash algorithm %d unavailable", h)
	}
	pf, err := findPrimeField(bits)
	if err != nil {
		return nil, err
	}
	return &SRP{h: h, pf: pf}, nil
}

// PasswordKey derives the password key GSA expects for the negotiated protocol.
func PasswordKey(password string, salt []byte, iter int, protocol string) ([]byte, error) {
	if iter <= 0 {
		return nil, fmt.Errorf("srp: invalid iteration count %d", iter)
	}
	digest := sha256.Sum256([]byte(password))
	var p []byte
	switch protocol {
	case ProtocolS2K:
		p = digest[:]
	case ProtocolS2KFO:
		p = []byte(hex.EncodeToString(digest[:]))
	default:
		return nil, fmt.Errorf("srp: unsupported protocol %q", protocol)
	}
	return pbkdf2.Key(p, salt, iter, sha256.Size, sha256.New), nil
}

// Client represents an SRP client instance
type Client struct {
	s *SRP
	i []byte // H(I)
	a *big.Int
	A *big.Int
	k *big.Int

	xK   []byte
	xM   []byte
	xAMK []byte
}

// NewClient constructs an SRP client instance for identity I with a fresh
// ephemeral secret.
func (s *SRP) NewClient(I []byte) *Client {
	return s.newClient(I, randBigInt(s.pf.n*8))
}

func (s *SRP) newClient(I []byte, a *big.Int) *Client {
	pf := s.pf
	return &Client{
		s: s,
		i: s.hashbyte(I),
		a: a,
		A: big.NewInt(0).Exp(pf.g, a, pf.N),
		k: s.hashint(pf.N.Bytes(), pad(pf.g, pf.n)),
	}
}

// PublicKey returns the client public value A that is sent as "A2k"
func (c *Client) PublicKey() []byte {
	return c.A.Bytes()
}

// Generate validates the server public value b and computes the session key
// from the password key p (see PasswordKey). It returns the client proof M and
// the expected server proof M'.
func (c *Client) Generate(p, salt, b []byte) ([]byte, []byte, error) {
	pf := c.s.pf

	B := big.NewInt(0).SetBytes(b)
	if big.NewInt(0).Mod(B, pf.N).Sign() == 0 {
		return nil, nil, fmt.Errorf("srp: invalid server public key")
	}

	u := c.s.hashint(pad(c.A, pf.n), pad(B, pf.n))
	if u.Sign() == 0 {
		return nil, nil, fmt.Errorf("srp: invalid server public key")
	}

	// S := ((B - kg^x) ^ (a + ux)) % N
	x := c.s.hashint(salt, c.s.hashbyte([]byte(":"), p))
	t0 := big.NewInt(0).Exp(pf.g, x, pf.N)
	t0.Mul(t0, c.k)
	t1 := big.NewInt(0).Sub(B, t0)
	t1.Mod(t1, pf.N)
	t2 := big.NewInt(0).Add(c.a, big.NewInt(0).Mul(u, x))
	S := big.NewInt(0).Exp(t1, t2, pf.N)

	c.xK = c.s.hashbyte(S.Bytes())
	c.xM = c.s.proof(c.i, salt, c.A, B, c.xK)
	c.xAMK = c.s.hashbyte(c.A.Bytes(), c.xM, c.xK)

	return c.xM, c.xAMK, nil
}

// ServerOk takes the server proof M2 and verifies that it is valid.
func (c *Client) ServerOk(proof []byte) bool {
	if c.xAMK == nil {
		return false
	}
	return subtle.ConstantTimeCompare(c.xAMK, proof) == 1
}

// RawKey returns the raw key K computed as part of the protocol
func (c *Client) RawKey() []byte {
	return c.xK
}

// String represents the client parameters as a string value
func (c *Client) String() string {
	pf := c.s.pf
	return fmt.Sprintf("<client> g=%d, N=%x\n I=%x\n A=%x\n K=%x\n",
		pf.g, pf.N, c.i, c.A, c.xK)
}

// Verifier represents password verifier that resides on an SRP server.
type Verifier struct {
	s    *SRP
	i    []byte // hashed identity
	salt []byte
	v    *big.Int
}

// Verifier generates a password verifier for user I and password key p (see PasswordKey).
func (s *SRP) Verifier(I, p, salt []byte) *Verifier {
	x := s.hashint(salt, s.hashbyte([]byte(":"), p))
	return &Verifier{
		s:    s,
		i:    s.hashbyte(I),
		salt: salt,
		v:    big.NewInt(0).Exp(s.pf.g, x, s.pf.N),
	}
}

// Server represents the server side of a single SRP exchange.
type Server struct {
	v *Verifier
	b *big.Int
	B *big.Int
	A *big.Int

	xK   []byte
	xM   []byte
	xAMK []byte
}

// NewServer starts an exchange for the client public value A.
func (v *Verifier) NewServer(A []byte) (*Server, error) {
	return v.newServer(A, randBigInt(v.s.pf.n*8))
}

func (v *Verifier) newServer(A []byte, b *big.Int) (*Server, error) {
	s := v.s
	pf := s.pf

	xA := big.NewInt(0).SetBytes(A)
	if big.NewInt(0).Mod(xA, pf.N).Sign() == 0 {
		return nil, fmt.Errorf("srp: invalid client public key")
	}

	// B = kv + g^b
	k := s.hashint(pf.N.Bytes(), pad(pf.g, pf.n))
	B := big.NewInt(0).Mul(k, v.v)
	B.Add(B, big.NewInt(0).Exp(pf.g, b, pf.N))
	B.Mod(B, pf.N)

	u := s.hashint(pad(xA, pf.n), pad(B, pf.n))
	if u.Sign() == 0 {
		return nil, fmt.Errorf("srp: invalid client public key")
	}

	// S = (A * v^u) ^ b
	t0 := big.NewInt(0).Exp(v.v, u, pf.N)
	t0.Mul(t0, xA)
	S := big.NewInt(0).Exp(t0, b, pf.N)

	sv := &Server{v: v, b: b, B: B, A: xA}
	sv.xK = s.hashbyte(S.Bytes())
	sv.xM = s.proof(v.i, v.salt, xA, B, sv.xK)
	sv.xAMK = s.hashbyte(xA.Bytes(), sv.xM, sv.xK)
	return sv, nil
}

// PublicKey returns the server public value B
func (sv *Server) PublicKey() []byte {
	return sv.B.Bytes()
}

// RawKey returns the raw key K computed as part of the protocol
func (sv *Server) RawKey() []byte {
	return sv.xK
}

// ClientOk verifies the client proof M and returns the server proof M' when it matches.
func (sv *Server) ClientOk(M []byte) ([]byte, bool) {
	if subtle.ConstantTimeCompare(sv.xM, M) != 1 {
		return nil, false
	}
	return sv.xAMK, true
}

// M = H(H(N) xor H(g), H(I), s, A, B, K)
func (s *SRP) proof(ih, salt []byte, A, B *big.Int, K []byte) []byte {
	pf := s.pf
	return s.hashbyte(
		xorBytes(
			s.hashbyte(pf.N.Bytes()),
			s.hashbyte(pad(pf.g, pf.n)),
		),
		ih,
		salt, A.Bytes(), B.Bytes(), K)
}

// hash byte stream and return as bytes
func (s *SRP) hashbyte(a ...[]byte) []byte {
	h := s.h.New()
	for _, z := range a {
		h.Write(z)
	}
	return h.Sum(nil)
}

// hash a number of byte strings and return the resulting hash as
// bigint
func (s *SRP) hashint(a ...[]byte) *big.Int {
	return big.NewInt(0).SetBytes(s.hashbyte(a...))
}

func xorBytes(a, b []byte) []byte {
	if len(a) != len(b) {
		return nil
	}
	result := make([]byte, len(a))
	for i := range a {
		result[i] = a[i] ^ b[i]
	}
	return result
}

// pad x to n bytes if needed
func pad(x *big.Int, n int) []byte {
	b := x.Bytes()
	if len(b) < n {
		p := make([]byte, n)
		copy(p[n-len(b):], b)
		b = p
	}
	return b
}

// Return n bytes of random  bytes. Uses cryptographically strong
// random generator
func randbytes(n int) []byte {
	b := make([]byte, n)
	if _, err := io.ReadFull(CR.Reader, b); err != nil {
		panic("Random source is broken!")
	}
	return b
}

// Generate and return a bigInt 'bits' bits in length
func randBigInt(bits int) *big.Int {
	n := bits / 8
	if (bits % 8) != 0 {
		n += 1
	}
	return big.NewInt(0).SetBytes(randbytes(n))
}
