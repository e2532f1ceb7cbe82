package export

import (
	"crypto/aes"
	"crypto/cipher"
	"crypto/rand"
	"crypto/rsa"
	"crypto/sha256"
	"crypto/x509"
	"encoding/base64"
	"encoding/binary"
	"encoding/json"
	"encoding/pem"
	"errors"
	"fmt"
	"io"
)

// Hybrid envelope parameters. A fresh AES-256 content key encrypts the
// artifact in framed GCM chunks; the content key is wrapped to the
// recipient's RSA public key with OAEP-SHA256.
const (
	encChunkSize = 64 * 1024
	encAlg       = "aes-256-gcm"
	encWrap      = "rsa-oaep-sha256"
)

// encHeader precedes the ciphertext, JSON on a single line.
type encHeader struct {
	Alg        string `json:"alg"`
	Wrap       string `json:"wrap"`
	WrappedKey string `json:"wrappedKey"`
	ChunkSize  int    `json:"chunkSize"`
}

// ErrNotRSAPublicKey reports an unusable recipient key.
var ErrNotRSAPublicKey = errors.New("recipient key is not an RSA public key")

// ValidateRecipientKey checks that pemData parses to a usable RSA
// public key, so bad keys are rejected at job creation rather than
// after the artifact is built.
func ValidateRecipientKey(pemData string) error {
	_, err := parseRecipientKey(pemData)
	return err
}

// parseRecipientKey accepts PKIX ("PUBLIC KEY") or PKCS#1 ("RSA PUBLIC
// KEY") PEM blocks.
func parseRecipientKey(pemData string) (*rsa.PublicKey, error) {
	block, _ := pem.Decode([]byte(pemData))
	if block == nil {
		return nil, errors.New("no PEM block in recipient key")
	}
	switch block.Type {
	case "PUBLIC KEY":
		key, err := x509.ParsePKIXPublicKey(block.Bytes)
		if err != nil {
			return nil, fmt.Errorf("parse recipient key: %w", err)
		}
		rsaKey, ok := key.(*rsa.PublicKey)
		if !ok {
			return nil, ErrNotRSAPublicKey
		}
		return rsaKey, nil
	case "RSA PUBLIC KEY":
		key, err := x509.ParsePKCS1PublicKey(block.Bytes)
		if err != nil {
			return nil, fmt.Errorf("parse recipient key: %w", err)
		}
		return key, nil
	}
	return nil, ErrNotRSAPublicKey
}

// encryptWriter frames plaintext into GCM-sealed chunks. Each frame is a
// 4-byte big-endian ciphertext length, a 12-byte nonce, and the sealed
// bytes. Nonces are the frame counter; the content key is never reused
// across artifacts, so counter nonces are safe.
type encryptWriter struct {
	w       io.Writer
	aead    cipher.AEAD
	buf     []byte
	counter uint64
}

// newEncryptWriter writes the envelope header to w and returns the
// chunking writer. Close must be called to flush the final frame.
func newEncryptWriter(w io.Writer, publicKeyPEM string) (io.WriteCloser, error) {
	recipient, err := parseRecipientKey(publicKeyPEM)
	if err != nil {
		return nil, err
	}

	contentKey := make([]byte, 32)
	if _, err := rand.Read(contentKey); err != nil {
		return nil, err
	}
	wrapped, err := rsa.EncryptOAEP(sha256.New(), rand.Reader, recipient, contentKey, nil)
	if err != nil {
		return nil, fmt.Errorf("wrap content key: %w", err)
	}

	block, err := aes.NewCipher(contentKey)
	if err != nil {
		return nil, err
	}
	aead, err := cipher.NewGCM(block)
	if err != nil {
		return nil, err
	}

	header, err := json.Marshal(encHeader{
		Alg:        encAlg,
		Wrap:       encWrap,
		WrappedKey: base64.StdEncoding.EncodeToString(wrapped),
		ChunkSize:  encChunkSize,
	})
	if err != nil {
		return nil, err
	}
	if _, err := w.Write(append(header, '\n')); err != nil {
		return nil, err
	}

	return &encryptWriter{
		w:    w,
		aead: aead,
		buf:  make([]byte, 0, encChunkSize),
	}, nil
}

func (ew *encryptWriter) Write(p []byte) (int, error) {
	total := len(p)
	for len(p) > 0 {
		room := encChunkSize - len(ew.buf)
		if room > len(p) {
			room = len(p)
		}
		ew.buf = append(ew.buf, p[:room]...)
		p = p[room:]
		if len(ew.buf) == encChunkSize {
			if err := ew.flushFrame(); err != nil {
				return 0, err
			}
		}
	}
	return total, nil
}

// Close seals any buffered tail. An empty final frame is not written.
func (ew *encryptWriter) Close() error {
	if len(ew.buf) == 0 {
		return nil
	}
	return ew.flushFrame()
}

func (ew *encryptWriter) flushFrame() error {
	nonce := make([]byte, ew.aead.NonceSize())
	binary.BigEndian.PutUint64(nonce[len(nonce)-8:], ew.counter)
	ew.counter++

	sealed := ew.aead.Seal(nil, nonce, ew.buf, nil)
	ew.buf = ew.buf[:0]

	var frameLen [4]byte
	binary.BigEndian.PutUint32(frameLen[:], uint32(len(sealed)))
	if _, err := ew.w.Write(frameLen[:]); err != nil {
		return err
	}
	if _, err := ew.w.Write(nonce); err != nil {
		return err
	}
	_, err := ew.w.Write(sealed)
	return err
}

// decryptReader undoes encryptWriter framing given the unwrapped content
// key. Exists for tests and tooling; the service itself never decrypts
// exports.
func decryptReader(r io.Reader, contentKey []byte) (io.Reader, error) {
	block, err := aes.NewCipher(contentKey)
	if err != nil {
		return nil, err
	}
	aead, err := cipher.NewGCM(block)
	if err != nil {
		return nil, err
	}
	return &frameReader{r: r, aead: aead}, nil
}

type frameReader struct {
	r    io.Reader
	aead cipher.AEAD
	rest []byte
	done bool
}

func (fr *frameReader) Read(p []byte) (int, error) {
	for len(fr.rest) == 0 {
		if fr.done {
			return 0, io.EOF
		}
		var frameLen [4]byte
		if _, err := io.ReadFull(fr.r, frameLen[:]); err != nil {
			if errors.Is(err, io.EOF) {
				fr.done = true
				return 0, io.EOF
			}
			return 0, err
		}
		nonce := make([]byte, fr.aead.NonceSize())
		if _, err := io.ReadFull(fr.r, nonce); err != nil {
			return 0, err
		}
		sealed := make([]byte, binary.BigEndian.Uint32(frameLen[:]))
		if _, err := io.ReadFull(fr.r, sealed); err != nil {
			return 0, err
		}
		plain, err := fr.aead.Open(nil, nonce, sealed, nil)
		if err != nil {
			return 0, err
		}
		fr.rest = plain
	}
	n := copy(p, fr.rest)
	fr.rest = fr.rest[n:]
	return n, nil
}
