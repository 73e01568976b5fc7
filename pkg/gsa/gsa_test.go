package gsa

import (
	"bytes"
	"context"
	"crypto/aes"
	"crypto/cipher"
	"crypto/hmac"
	"crypto/rand"
	"errors"
	"io"
	"net/http"
	"net/http/httptest"
	"sync"
	"testing"
	"time"

	"github.com/blacktop/go-plist"
	"github.com/blacktop/sideload/internal/srp"
	"github.com/blacktop/sideload/pkg/anisette"
)

const (
	testAppleID  = "dev@example.com"
	testPassword = "hunter2"
	testCode     = "123456"
	testToken    = "AAAABLwIAAAAAGSomeXcodeToken"
)

type staticIdentity struct{}

func (staticIdentity) Identity(context.Context) (*anisette.Identity, error) {
	return &anisette.Identity{
		DeviceIdentifier: "B0B5B2F2-42A4-4B43-9C3B-5E4C1A7F0D11",
		MachineID:        "machine",
		OneTimePassword:  "otp",
		RoutingInfo:      17106176,
		LocalUserID:      "lu",
		SerialNumber:     "0",
		Description:      "<MacBookPro13,2> <macOS;13.1;22C65> <com.apple.AuthKit/1 (com.apple.dt.Xcode/3594.4.19)>",
		UserAgent:        "akd/1.0",
		Timestamp:        time.Now(),
		Locale:           "en_US",
		TimeZone:         "UTC",
	}, nil
}

type staticCredentials struct{ id, pw string }

func (c staticCredentials) AskCredentials(context.Context) (string, string, error) {
	return c.id, c.pw, nil
}

type codeFunc func(ctx context.Context) (string, error)

func (f codeFunc) AskCode(ctx context.Context) (string, error) { return f(ctx) }

// fakeGSA speaks enough Grand Slam to run a real SRP exchange
type fakeGSA struct {
	*httptest.Server

	t          *testing.T
	require2F  bool
	// nestStatus wraps the validate reply in a "Status" dictionary
	nestStatus bool

	mu            sync.Mutex
	server        *srp.Server
	sessionKey    []byte
	verified      bool
	inits         int
	trustedPushes int
}

func newFakeGSA(t *testing.T) *fakeGSA {
	t.Helper()
	f := &fakeGSA{t: t, sessionKey: bytes.Repeat([]byte{0x42}, 32)}

	mux := http.NewServeMux()
	mux.HandleFunc(lookupPath, func(w http.ResponseWriter, r *http.Request) {
		f.writePlist(w, map[string]any{"urls": map[string]string{
			"gsService": f.URL + "/grandslam/GsService2",
		}})
	})
	mux.HandleFunc("/grandslam/GsService2", f.serveGS)
	mux.HandleFunc(trustedDevicePath, func(w http.ResponseWriter, r *http.Request) {
		if r.Header.Get("X-Apple-Identity-Token") == "" {
			http.Error(w, "missing identity token", http.StatusUnauthorized)
			return
		}
		f.mu.Lock()
		f.trustedPushes++
		f.mu.Unlock()
	})
	mux.HandleFunc(validatePath, func(w http.ResponseWriter, r *http.Request) {
		if r.Header.Get("security-code") != testCode {
			status := map[string]any{"ec": -21669, "em": "Incorrect verification code."}
			if f.nestStatus {
				f.writePlist(w, map[string]any{"Status": status})
				return
			}
			f.writePlist(w, status)
			return
		}
		f.mu.Lock()
		f.verified = true
		f.mu.Unlock()
		f.writePlist(w, map[string]any{"ec": 0, "em": ""})
	})

	f.Server = httptest.NewServer(mux)
	t.Cleanup(f.Close)
	return f
}

func (f *fakeGSA) stats() (inits, trustedPushes int) {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.inits, f.trustedPushes
}

func (f *fakeGSA) writePlist(w http.ResponseWriter, v any) {
	data, err := plist.MarshalIndent(v, plist.XMLFormat, "\t")
	if err != nil {
		f.t.Errorf("failed to marshal plist: %v", err)
		return
	}
	w.Header().Set("Content-Type", plistContentType)
	w.Write(data)
}

func (f *fakeGSA) respond(w http.ResponseWriter, resp map[string]any) {
	f.writePlist(w, map[string]any{"Response": resp})
}

func (f *fakeGSA) serveGS(w http.ResponseWriter, r *http.Request) {
	data, _ := io.ReadAll(r.Body)
	var env struct {
		Request map[string]any `plist:"Request"`
	}
	if err := plist.NewDecoder(bytes.NewReader(data)).Decode(&env); err != nil {
		f.t.Errorf("bad GSA request: %v", err)
		http.Error(w, err.Error(), http.StatusBadRequest)
		return
	}
	req := env.Request

	f.mu.Lock()
	defer f.mu.Unlock()

	salt := []byte("0123456789abcdef")
	switch req["o"] {
	case "init":
		f.inits++
		s, _ := srp.New(2048)
		pk, _ := srp.PasswordKey(testPassword, salt, 1000, srp.ProtocolS2K)
		v := s.Verifier([]byte(req["u"].(string)), pk, salt)
		sv, err := v.NewServer(req["A2k"].([]byte))
		if err != nil {
			f.t.Errorf("NewServer() error = %v", err)
			return
		}
		f.server = sv
		f.respond(w, map[string]any{
			"Status": map[string]any{"ec": 0, "em": "", "hsc": 200},
			"i":      1000,
			"s":      salt,
			"sp":     srp.ProtocolS2K,
			"c":      "cookie",
			"B":      sv.PublicKey(),
		})
	case "complete":
		m2, ok := f.server.ClientOk(req["M1"].([]byte))
		if !ok {
			f.respond(w, map[string]any{
				"Status": map[string]any{"ec": -22406, "em": "Your Apple ID or password was entered incorrectly.", "hsc": 401},
			})
			return
		}
		spd, _ := plist.Marshal(map[string]any{
			"adsid":       "000123-08-abcdef",
			"GsIdmsToken": "idms-token",
			"sk":          f.sessionKey,
			"c":           []byte("session cookie"),
		}, plist.XMLFormat)
		status := map[string]any{"ec": 0, "em": "", "hsc": 200}
		if f.require2F && !f.verified {
			status["hsc"] = 409
			status["au"] = trustedDeviceAuth
		}
		f.respond(w, map[string]any{
			"Status": status,
			"M2":     m2,
			"spd":    encryptCBC(f.t, f.server.RawKey(), spd),
		})
	case "apptokens":
		want := hmacSHA256(f.sessionKey, "apptokens", "000123-08-abcdef", xcodeAppID)
		if !hmac.Equal(want, req["checksum"].([]byte)) {
			f.respond(w, map[string]any{"Status": map[string]any{"ec": -36607, "em": "bad checksum"}})
			return
		}
		tokens, _ := plist.Marshal(map[string]any{"t": map[string]any{
			xcodeAppID: map[string]any{
				"token":    testToken,
				"duration": 31536000,
				"expiry":   time.Now().Add(time.Hour).UnixMilli(),
			},
		}}, plist.XMLFormat)
		f.respond(w, map[string]any{
			"Status": map[string]any{"ec": 0},
			"et":     encryptGCM(f.t, f.sessionKey, tokens),
		})
	default:
		http.Error(w, "unknown operation", http.StatusBadRequest)
	}
}

func encryptCBC(t *testing.T, sessionKey, plaintext []byte) []byte {
	t.Helper()
	block, err := aes.NewCipher(hmacSHA256(sessionKey, "extra data key:"))
	if err != nil {
		t.Fatal(err)
	}
	n := aes.BlockSize - len(plaintext)%aes.BlockSize
	padded := append(append([]byte{}, plaintext...), bytes.Repeat([]byte{byte(n)}, n)...)
	out := make([]byte, len(padded))
	cipher.NewCBCEncrypter(block, hmacSHA256(sessionKey, "extra data iv:")[:aes.BlockSize]).CryptBlocks(out, padded)
	return out
}

func encryptGCM(t *testing.T, key, plaintext []byte) []byte {
	t.Helper()
	block, err := aes.NewCipher(key)
	if err != nil {
		t.Fatal(err)
	}
	gcm, err := cipher.NewGCMWithNonceSize(block, tokenIVSize)
	if err != nil {
		t.Fatal(err)
	}
	version := []byte("XYZ")
	iv := make([]byte, tokenIVSize)
	rand.Read(iv)
	out := append(append([]byte{}, version...), iv...)
	return gcm.Seal(out, iv, plaintext, version)
}

func newTestClient(f *fakeGSA, timeout time.Duration) *Client {
	return NewClient(&Config{URL: f.URL, PromptTimeout: timeout}, staticIdentity{})
}

func TestClient_Login(t *testing.T) {
	f := newFakeGSA(t)
	auth := NewAuthenticator(newTestClient(f, time.Second), staticCredentials{testAppleID, testPassword}, nil)

	s, err := auth.Session(t.Context())
	if err != nil {
		t.Fatalf("Session() error = %v", err)
	}
	if s.AppleID != testAppleID {
		t.Errorf("AppleID = %q, want %q", s.AppleID, testAppleID)
	}
	if adsid, token := s.SessionToken(); adsid != "000123-08-abcdef" || token != testToken {
		t.Errorf("SessionToken() = (%q, %q)", adsid, token)
	}
	if s.URLs["gsService"] == "" {
		t.Error("URL bag not recorded on the session")
	}
	if s.TokenExpiry.IsZero() || s.Expired(time.Now()) {
		t.Errorf("TokenExpiry = %v, want a future time", s.TokenExpiry)
	}

	again, err := auth.Session(t.Context())
	if err != nil {
		t.Fatal(err)
	}
	if again != s {
		t.Error("Session() logged in again instead of using the cache")
	}
	if inits, _ := f.stats(); inits != 1 {
		t.Errorf("SRP init called %d times, want 1", inits)
	}
}

func TestClient_LoginWrongPassword(t *testing.T) {
	f := newFakeGSA(t)
	c := newTestClient(f, time.Second)

	_, err := c.Login(t.Context(), staticCredentials{testAppleID, "wrong"}, nil)
	var aerr *AuthError
	if !errors.As(err, &aerr) {
		t.Fatalf("Login() error = %v, want *AuthError", err)
	}
	if aerr.Code != InvalidPassword {
		t.Errorf("AuthError.Code = %d, want %d", aerr.Code, InvalidPassword)
	}
}

func TestClient_LoginTwoFactor(t *testing.T) {
	f := newFakeGSA(t)
	f.require2F = true
	c := newTestClient(f, time.Second)

	s, err := c.Login(t.Context(), staticCredentials{testAppleID, testPassword}, codeFunc(func(context.Context) (string, error) {
		return testCode, nil
	}))
	if err != nil {
		t.Fatalf("Login() error = %v", err)
	}
	if s.Token != testToken {
		t.Errorf("Token = %q, want %q", s.Token, testToken)
	}
	inits, pushes := f.stats()
	if pushes != 1 {
		t.Errorf("trusted device push sent %d times, want 1", pushes)
	}
	if inits != 2 {
		t.Errorf("SRP init called %d times, want 2 (login + re-login after 2FA)", inits)
	}
}

func TestClient_LoginTwoFactorBadCode(t *testing.T) {
	tests := []struct {
		name   string
		nested bool
	}{
		{"top level status", false},
		{"nested status", true},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			f := newFakeGSA(t)
			f.require2F = true
			f.nestStatus = tt.nested
			c := newTestClient(f, time.Second)

			_, err := c.Login(t.Context(), staticCredentials{testAppleID, testPassword}, codeFunc(func(context.Context) (string, error) {
				return "000000", nil
			}))
			var aerr *AuthError
			if !errors.As(err, &aerr) || aerr.Code != InvalidValidationCode {
				t.Fatalf("Login() error = %v, want InvalidValidationCode", err)
			}
			if inits, _ := f.stats(); inits != 1 {
				t.Errorf("SRP init called %d times, want 1 (no re-login after a rejected code)", inits)
			}
		})
	}
}

func TestClient_LoginTwoFactorTimeout(t *testing.T) {
	f := newFakeGSA(t)
	f.require2F = true
	auth := NewAuthenticator(
		newTestClient(f, 50*time.Millisecond),
		staticCredentials{testAppleID, testPassword},
		codeFunc(func(ctx context.Context) (string, error) {
			// the user never answers
			<-ctx.Done()
			return "", ctx.Err()
		}),
	)

	start := time.Now()
	_, err := auth.Session(t.Context())
	if time.Since(start) > 5*time.Second {
		t.Errorf("2FA prompt was not bounded: took %v", time.Since(start))
	}

	var aerr *AuthError
	if !errors.As(err, &aerr) {
		t.Fatalf("Session() error = %v, want *AuthError", err)
	}
	if aerr.Code != No2FAAttempt {
		t.Errorf("AuthError.Code = %d, want %d", aerr.Code, No2FAAttempt)
	}
	if !errors.Is(err, context.DeadlineExceeded) {
		t.Errorf("Session() error = %v, want it to wrap context.DeadlineExceeded", err)
	}
	if s := auth.Cache.Get(); s != nil {
		t.Errorf("partial session cached after timeout: %+v", s)
	}
}

func TestClient_LoginCredentialTimeout(t *testing.T) {
	f := newFakeGSA(t)
	c := newTestClient(f, 50*time.Millisecond)

	_, err := c.Login(t.Context(), blockingCredentials{}, nil)
	var aerr *AuthError
	if !errors.As(err, &aerr) || aerr.Code != UnableToSignIn {
		t.Fatalf("Login() error = %v, want UnableToSignIn", err)
	}
	if !errors.Is(err, context.DeadlineExceeded) {
		t.Errorf("Login() error = %v, want it to wrap context.DeadlineExceeded", err)
	}
	if inits, _ := f.stats(); inits != 0 {
		t.Errorf("SRP init called %d times, want 0", inits)
	}
}

type blockingCredentials struct{}

func (blockingCredentials) AskCredentials(ctx context.Context) (string, string, error) {
	<-ctx.Done()
	return "", "", ctx.Err()
}

func TestStatus_Err(t *testing.T) {
	tests := []struct {
		name string
		ec   int
		want AuthCode
	}{
		{"mismatched srp", 1, MismatchedSrp},
		{"misformatted token", 2, MisformattedEncryptedToken},
		{"no 2fa attempt", 3, No2FAAttempt},
		{"unsupported step", 4, UnsupportedNextStep},
		{"locked", -20209, AccountLocked},
		{"bad code", -21669, InvalidValidationCode},
		{"bad password", -22406, InvalidPassword},
		{"unable to sign in", -36607, UnableToSignIn},
		{"unknown negative", -12345, UnableToSignIn},
		{"unknown positive", 99, UnableToSignIn},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			err := Status{ErrorCode: tt.ec, ErrorMessage: "boom"}.Err()
			var aerr *AuthError
			if !errors.As(err, &aerr) {
				t.Fatalf("Err() = %v, want *AuthError", err)
			}
			if aerr.Code != tt.want {
				t.Errorf("Code = %d, want %d", aerr.Code, tt.want)
			}
		})
	}
	if err := (Status{}).Err(); err != nil {
		t.Errorf("Err() with ec 0 = %v, want nil", err)
	}
}

func TestAuthError_RawCode(t *testing.T) {
	tests := []struct {
		name string
		err  error
		want string
	}{
		{
			name: "unknown ec kept verbatim",
			err:  Status{ErrorCode: -12345, ErrorMessage: "Your account cannot be used."}.Err(),
			want: "login failed (-12345): Your account cannot be used.",
		},
		{
			name: "known ec",
			err:  Status{ErrorCode: -22406}.Err(),
			want: "login failed (-22406): invalid password",
		},
		{
			name: "local failure",
			err:  &AuthError{Code: MismatchedSrp},
			want: "login failed (1): mismatched SRP",
		},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if got := tt.err.Error(); got != tt.want {
				t.Errorf("Error() = %q, want %q", got, tt.want)
			}
		})
	}

	var aerr *AuthError
	if err := (Status{ErrorCode: 99}).Err(); !errors.As(err, &aerr) || aerr.RawCode != 99 || aerr.Code != UnableToSignIn {
		t.Errorf("Err() = %#v, want RawCode 99 and Code UnableToSignIn", err)
	}
}

func TestSessionCache_Invalidate(t *testing.T) {
	var c SessionCache
	old := &Session{AppleID: "old"}
	fresh := &Session{AppleID: "fresh"}

	c.Set(old)
	c.Set(fresh)
	if c.Invalidate(old) {
		t.Error("Invalidate() cleared a session that was already replaced")
	}
	if c.Get() != fresh {
		t.Error("fresh session lost")
	}
	if !c.Invalidate(fresh) {
		t.Error("Invalidate() did not clear the current session")
	}
	if c.Get() != nil {
		t.Error("cache not empty after Invalidate()")
	}
}

func TestDecryptSPD_BadPadding(t *testing.T) {
	key := bytes.Repeat([]byte{1}, 32)
	if _, err := decryptSPD(key, make([]byte, 15)); err == nil {
		t.Error("decryptSPD() accepted a truncated block")
	}
	garbage := make([]byte, 32)
	if _, err := decryptSPD(key, garbage); err == nil {
		t.Error("decryptSPD() accepted garbage")
	}
}
