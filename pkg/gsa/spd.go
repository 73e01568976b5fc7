package gsa

import (
	"bytes"
	"crypto/aes"
	"crypto/cipher"
	"crypto/hmac"
	"crypto/sha256"
	"fmt"

	"github.com/blacktop/go-plist"
	"github.com/blacktop/sideload/internal/errs"
)

// serverProvidedData is the decrypted "spd" dictionary
type serverProvidedData struct {
	ADSID      string `plist:"adsid"`
	IdmsToken  string `plist:"GsIdmsToken"`
	SessionKey []byte `plist:"sk"`
	Cookie     []byte `plist:"c"`
}

func hmacSHA256(key []byte, parts ...string) []byte {
	mac := hmac.New(sha256.New, key)
	for _, p := range parts {
		mac.Write([]byte(p))
	}
	return mac.Sum(nil)
}

func decryptSPD(sessionKey, data []byte) (*serverProvidedData, error) {
	key := hmacSHA256(sessionKey, "extra data key:")
	iv := hmacSHA256(sessionKey, "extra data iv:")[:aes.BlockSize]

	block, err := aes.NewCipher(key)
	if err != nil {
		return nil, err
	}
	if len(data) == 0 || len(data)%aes.BlockSize != 0 {
		return nil, fmt.Errorf("spd length %d is not a multiple of the block size", len(data))
	}
	out := make([]byte, len(data))
	mode := cipher.NewCBCDecrypter(block, iv)
	mode.CryptBlocks(out, data)

	if out, err = pkcs7Unpad(out); err != nil {
		return nil, err
	}

	var spd serverProvidedData
	if err := plist.NewDecoder(bytes.NewReader(out)).Decode(&spd); err != nil {
		return nil, &errs.ParseError{What: "spd", Err: err}
	}
	switch {
	case spd.ADSID == "":
		return nil, errs.Missing("spd", "adsid")
	case spd.IdmsToken == "":
		return nil, errs.Missing("spd", "GsIdmsToken")
	case len(spd.SessionKey) == 0:
		return nil, errs.Missing("spd", "sk")
	case len(spd.Cookie) == 0:
		return nil, errs.Missing("spd", "c")
	}
	return &spd, nil
}

func pkcs7Unpad(data []byte) ([]byte, error) {
	if len(data) == 0 {
		return nil, fmt.Errorf("empty padded data")
	}
	n := int(data[len(data)-1])
	if n == 0 || n > aes.BlockSize || n > len(data) {
		return nil, fmt.Errorf("invalid padding length %d", n)
	}
	for _, b := range data[len(data)-n:] {
		if int(b) != n {
			return nil, fmt.Errorf("invalid padding")
		}
	}
	return data[:len(data)-n], nil
}
