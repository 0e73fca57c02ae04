package keyvault

import (
	"crypto/aes"
	"crypto/cipher"
	"crypto/rand"
	"io"

	xerrors "OpenCustody-Chain/internal/errors"

	"golang.org/x/crypto/scrypt"
)

// KDFScrypt 是目前唯一支持的密钥派生算法标识。
const KDFScrypt = "scrypt"

// scrypt 参数与盐、随机数长度。修改任一参数都会使已有密文无法解密。
const (
	scryptN      = 1 << 14
	scryptR      = 8
	scryptP      = 1
	derivedLen   = 32
	saltLength   = 16
	nonceLength  = 12
	secretMaxLen = 256
)

// EncryptedSecret 保存一段经过认证加密的密钥材料。
// GCM 认证标签附在 Ciphertext 末尾；验签失败时绝不返回部分明文。
type EncryptedSecret struct {
	KDF        string `json:"kdf"`
	Salt       []byte `json:"salt"`
	Nonce      []byte `json:"nonce"`
	Ciphertext []byte `json:"ciphertext"`
}

// deriveKey 使用 scrypt 从主密钥与盐派生对称密钥。
// 该步骤刻意昂贵，调用方不应在持有锁的情况下执行。
func deriveKey(masterKey string, salt []byte) ([]byte, error) {
	key, err := scrypt.Key([]byte(masterKey), salt, scryptN, scryptR, scryptP, derivedLen)
	if err != nil {
		return nil, xerrors.Wrap(xerrors.CodeDecryptionFailure, err, "派生对称密钥失败")
	}
	return key, nil
}

// sealSecret 使用新鲜的随机盐与随机数封装密钥材料。
// 盐与随机数都来自加密安全随机源，任何复用都会破坏 AEAD 的安全性。
func sealSecret(secret []byte, masterKey string) (EncryptedSecret, error) {
	if len(secret) == 0 || len(secret) > secretMaxLen {
		return EncryptedSecret{}, xerrors.New(xerrors.CodeInvalidArgument, "密钥材料长度非法")
	}

	salt := make([]byte, saltLength)
	if _, err := io.ReadFull(rand.Reader, salt); err != nil {
		return EncryptedSecret{}, xerrors.Wrap(xerrors.CodeDecryptionFailure, err, "生成随机盐失败")
	}
	nonce := make([]byte, nonceLength)
	if _, err := io.ReadFull(rand.Reader, nonce); err != nil {
		return EncryptedSecret{}, xerrors.Wrap(xerrors.CodeDecryptionFailure, err, "生成随机数失败")
	}

	key, err := deriveKey(masterKey, salt)
	if err != nil {
		return EncryptedSecret{}, err
	}
	aead, err := newAEAD(key)
	if err != nil {
		return EncryptedSecret{}, err
	}

	ciphertext := aead.Seal(nil, nonce, secret, []byte(KDFScrypt))
	return EncryptedSecret{
		KDF:        KDFScrypt,
		Salt:       salt,
		Nonce:      nonce,
		Ciphertext: ciphertext,
	}, nil
}

// openSecret 解封密钥材料。认证标签校验失败、KDF 不受支持或记录被破坏时
// 一律返回 DECRYPTION_FAILURE，调用方据此判定为致命的信任问题而非可重试错误。
func openSecret(sealed EncryptedSecret, masterKey string) ([]byte, error) {
	if sealed.KDF != KDFScrypt {
		return nil, xerrors.New(xerrors.CodeDecryptionFailure, "不支持的 KDF: "+sealed.KDF)
	}
	if len(sealed.Salt) != saltLength || len(sealed.Nonce) != nonceLength {
		return nil, xerrors.New(xerrors.CodeDecryptionFailure, "加密记录格式非法")
	}

	key, err := deriveKey(masterKey, sealed.Salt)
	if err != nil {
		return nil, err
	}
	aead, err := newAEAD(key)
	if err != nil {
		return nil, err
	}

	plain, err := aead.Open(nil, sealed.Nonce, sealed.Ciphertext, []byte(KDFScrypt))
	if err != nil {
		return nil, xerrors.Wrap(xerrors.CodeDecryptionFailure, err, "认证标签校验失败")
	}
	return plain, nil
}

func newAEAD(key []byte) (cipher.AEAD, error) {
	block, err := aes.NewCipher(key)
	if err != nil {
		return nil, xerrors.Wrap(xerrors.CodeDecryptionFailure, err, "初始化 AES 失败")
	}
	aead, err := cipher.NewGCM(block)
	if err != nil {
		return nil, xerrors.Wrap(xerrors.CodeDecryptionFailure, err, "初始化 GCM 失败")
	}
	return aead, nil
}

func zero(b []byte) {
	for i := range b {
		b[i] = 0
	}
}
