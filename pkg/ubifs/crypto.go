package ubifs

import (
	"crypto"
	"crypto/aes"
	"crypto/cipher"
	"crypto/rand"
	"crypto/sha1"
	"crypto/sha256"
	"crypto/sha512"
	"crypto/x509"
	"encoding/binary"
	"encoding/hex"
	"encoding/pem"
	"fmt"
	"hash"
	"io/ioutil"

	"go.mozilla.org/pkcs7"
	"golang.org/x/crypto/xts"
)

// EncryptionContextXattr is the xattr under which an inode's fscrypt
// context is stored.
const EncryptionContextXattr = "c"

// Cryptor is the file-contents/name encryption capability. A build
// without one rejects the encryption options at validation time. Each
// Cryptor value represents one inode's fscrypt context; children inherit
// fresh contexts from their parent directory.
type Cryptor interface {
	// Inherit derives a context for a child inode.
	Inherit() (Cryptor, error)

	// Context returns the serialized fscrypt context stored in the
	// inode's encryption xattr.
	Context() []byte

	// EncryptName encrypts and pads a directory entry name or symlink
	// target. The result must not exceed maxLen.
	EncryptName(name []byte, maxLen int) ([]byte, error)

	// EncryptData encrypts a (possibly compressed) data block in place
	// of the plaintext, padding it to the cipher block size. blockNo is
	// the logical block number used as the tweak.
	EncryptData(data []byte, blockNo uint32) ([]byte, error)

	// EncryptSymlink produces the full on-flash symlink blob: a
	// two-byte length header followed by the encrypted target.
	EncryptSymlink(target []byte) ([]byte, error)
}

// fscrypt policy v1 constants.
const (
	fscryptContextV1      = 1
	fscryptModeAES256XTS  = 1
	fscryptModeAES256CTS  = 4
	fscryptKeySize        = 64
	fscryptKeyDescSize    = 8
	fscryptNonceSize      = 16
	fscryptMinNameCipher  = 16
)

// fscryptContext implements Cryptor with AES-256-XTS contents and
// AES-256-CTS filename encryption, the fscrypt v1 scheme.
type fscryptContext struct {
	masterKey [fscryptKeySize]byte
	keyDesc   [fscryptKeyDescSize]byte
	nonce     [fscryptNonceSize]byte
	padding   int

	derived [fscryptKeySize]byte
}

// NewFscryptCryptor loads a 64-byte master key from keyFile and returns
// the root directory's encryption context. keyDesc is an optional hex
// descriptor; padding must be one of 4, 8, 16 or 32.
func NewFscryptCryptor(keyFile, keyDesc string, padding int) (Cryptor, error) {
	switch padding {
	case 4, 8, 16, 32:
	default:
		return nil, optionErrf("invalid filename padding %d", padding)
	}

	raw, err := ioutil.ReadFile(keyFile)
	if err != nil {
		return nil, err
	}
	if len(raw) < fscryptKeySize {
		return nil, optionErrf("key file %q too short, need %d bytes", keyFile, fscryptKeySize)
	}

	fctx := &fscryptContext{padding: padding}
	copy(fctx.masterKey[:], raw)

	if keyDesc != "" {
		desc, err := hex.DecodeString(keyDesc)
		if err != nil || len(desc) != fscryptKeyDescSize {
			return nil, optionErrf("invalid key descriptor %q", keyDesc)
		}
		copy(fctx.keyDesc[:], desc)
	} else {
		// Descriptor convention: double SHA-512 of the master key.
		d1 := sha512.Sum512(fctx.masterKey[:])
		d2 := sha512.Sum512(d1[:])
		copy(fctx.keyDesc[:], d2[:fscryptKeyDescSize])
	}

	_, err = rand.Read(fctx.nonce[:])
	if err != nil {
		return nil, err
	}
	err = fctx.deriveKey()
	if err != nil {
		return nil, err
	}
	return fctx, nil
}

// deriveKey implements the fscrypt v1 KDF: the per-file key is the master
// key encrypted with AES-128-ECB using the nonce as the key.
func (fctx *fscryptContext) deriveKey() error {
	block, err := aes.NewCipher(fctx.nonce[:])
	if err != nil {
		return err
	}
	for off := 0; off < fscryptKeySize; off += aes.BlockSize {
		block.Encrypt(fctx.derived[off:off+aes.BlockSize], fctx.masterKey[off:off+aes.BlockSize])
	}
	return nil
}

func (fctx *fscryptContext) Inherit() (Cryptor, error) {
	child := &fscryptContext{
		masterKey: fctx.masterKey,
		keyDesc:   fctx.keyDesc,
		padding:   fctx.padding,
	}
	_, err := rand.Read(child.nonce[:])
	if err != nil {
		return nil, err
	}
	err = child.deriveKey()
	if err != nil {
		return nil, err
	}
	return child, nil
}

func (fctx *fscryptContext) paddingFlag() uint8 {
	switch fctx.padding {
	case 4:
		return 0
	case 8:
		return 1
	case 16:
		return 2
	default:
		return 3
	}
}

func (fctx *fscryptContext) Context() []byte {
	buf := make([]byte, 4+fscryptKeyDescSize+fscryptNonceSize)
	buf[0] = fscryptContextV1
	buf[1] = fscryptModeAES256XTS
	buf[2] = fscryptModeAES256CTS
	buf[3] = fctx.paddingFlag()
	copy(buf[4:], fctx.keyDesc[:])
	copy(buf[4+fscryptKeyDescSize:], fctx.nonce[:])
	return buf
}

func (fctx *fscryptContext) EncryptName(name []byte, maxLen int) ([]byte, error) {
	padded := alignInt(len(name), fctx.padding)
	if padded < fscryptMinNameCipher {
		padded = fscryptMinNameCipher
	}
	if padded > maxLen {
		padded = maxLen - maxLen%fctx.padding
	}
	if padded < len(name) {
		return nil, fmt.Errorf("%w: name too long (%d bytes)", ErrEncryptionFailed, len(name))
	}
	buf := make([]byte, padded)
	copy(buf, name)
	err := ctsEncrypt(fctx.derived[:32], buf)
	if err != nil {
		return nil, fmt.Errorf("%w: %s", ErrEncryptionFailed, err)
	}
	return buf, nil
}

func (fctx *fscryptContext) EncryptData(data []byte, blockNo uint32) ([]byte, error) {
	padded := alignInt(len(data), CipherBlockSize)
	buf := make([]byte, padded)
	copy(buf, data)
	ciph, err := xts.NewCipher(aes.NewCipher, fctx.derived[:])
	if err != nil {
		return nil, fmt.Errorf("%w: %s", ErrEncryptionFailed, err)
	}
	ciph.Encrypt(buf, buf, uint64(blockNo))
	return buf, nil
}

func (fctx *fscryptContext) EncryptSymlink(target []byte) ([]byte, error) {
	enc, err := fctx.EncryptName(target, MaxInoData)
	if err != nil {
		return nil, err
	}
	blob := make([]byte, 2+len(enc))
	binary.LittleEndian.PutUint16(blob[0:2], uint16(len(enc)))
	copy(blob[2:], enc)
	return blob, nil
}

// ctsEncrypt performs AES-CBC with ciphertext stealing (CS3) and a zero
// IV, in place. The input must hold at least one block. A trailing
// partial block is zero-padded for the CBC pass; the last two ciphertext
// blocks are then swapped and the result truncated to the input length.
func ctsEncrypt(key []byte, buf []byte) error {
	if len(buf) < aes.BlockSize {
		return fmt.Errorf("cts input shorter than one block (%d bytes)", len(buf))
	}
	block, err := aes.NewCipher(key)
	if err != nil {
		return err
	}
	tmp := make([]byte, alignInt(len(buf), aes.BlockSize))
	copy(tmp, buf)
	iv := make([]byte, aes.BlockSize)
	cipher.NewCBCEncrypter(block, iv).CryptBlocks(tmp, tmp)
	if n := len(tmp); n > aes.BlockSize {
		last := tmp[n-aes.BlockSize:]
		prev := tmp[n-2*aes.BlockSize : n-aes.BlockSize]
		for i := 0; i < aes.BlockSize; i++ {
			prev[i], last[i] = last[i], prev[i]
		}
	}
	copy(buf, tmp[:len(buf)])
	return nil
}

// Signer is the image authentication capability: per-node hashing for the
// index and master chains, plus superblock signing.
type Signer interface {
	HashLen() int
	HashAlgo() uint16
	NodeHash(node []byte) []byte
	// MasterHash hashes a master node excluding its common header.
	MasterHash(mst []byte) []byte
	// SignSuperblock produces a detached signature over the prepared
	// superblock node.
	SignSuperblock(sup []byte) ([]byte, error)
}

type pkcs7Signer struct {
	algo    uint16
	newHash func() hash.Hash
	key     crypto.PrivateKey
	cert    *x509.Certificate
}

// NewPKCS7Signer builds a Signer from a hash algorithm name, a PEM
// private key and a PEM certificate.
func NewPKCS7Signer(hashAlgo, keyFile, certFile string) (Signer, error) {
	s := &pkcs7Signer{}
	switch hashAlgo {
	case "sha1":
		s.algo = HashAlgoSHA1
		s.newHash = sha1.New
	case "sha256":
		s.algo = HashAlgoSHA256
		s.newHash = sha256.New
	case "sha512":
		s.algo = HashAlgoSHA512
		s.newHash = sha512.New
	default:
		return nil, optionErrf("unknown hash algorithm %q", hashAlgo)
	}

	key, err := loadPrivateKey(keyFile)
	if err != nil {
		return nil, err
	}
	s.key = key

	cert, err := loadCertificate(certFile)
	if err != nil {
		return nil, err
	}
	s.cert = cert

	return s, nil
}

func (s *pkcs7Signer) HashLen() int {
	return s.newHash().Size()
}

func (s *pkcs7Signer) HashAlgo() uint16 {
	return s.algo
}

func (s *pkcs7Signer) NodeHash(node []byte) []byte {
	h := s.newHash()
	h.Write(node)
	return h.Sum(nil)
}

func (s *pkcs7Signer) MasterHash(mst []byte) []byte {
	h := s.newHash()
	h.Write(mst[ChSz:])
	return h.Sum(nil)
}

func (s *pkcs7Signer) SignSuperblock(sup []byte) ([]byte, error) {
	sd, err := pkcs7.NewSignedData(sup)
	if err != nil {
		return nil, fmt.Errorf("%w: %s", ErrSigningFailed, err)
	}
	err = sd.AddSigner(s.cert, s.key, pkcs7.SignerInfoConfig{})
	if err != nil {
		return nil, fmt.Errorf("%w: %s", ErrSigningFailed, err)
	}
	sd.Detach()
	sig, err := sd.Finish()
	if err != nil {
		return nil, fmt.Errorf("%w: %s", ErrSigningFailed, err)
	}
	return sig, nil
}

func loadPrivateKey(path string) (crypto.PrivateKey, error) {
	raw, err := ioutil.ReadFile(path)
	if err != nil {
		return nil, err
	}
	block, _ := pem.Decode(raw)
	if block == nil {
		return nil, optionErrf("no PEM data in %q", path)
	}
	if key, err := x509.ParsePKCS8PrivateKey(block.Bytes); err == nil {
		return key, nil
	}
	if key, err := x509.ParsePKCS1PrivateKey(block.Bytes); err == nil {
		return key, nil
	}
	if key, err := x509.ParseECPrivateKey(block.Bytes); err == nil {
		return key, nil
	}
	return nil, optionErrf("unsupported private key in %q", path)
}

func loadCertificate(path string) (*x509.Certificate, error) {
	raw, err := ioutil.ReadFile(path)
	if err != nil {
		return nil, err
	}
	block, _ := pem.Decode(raw)
	if block == nil {
		return nil, optionErrf("no PEM data in %q", path)
	}
	return x509.ParseCertificate(block.Bytes)
}
