package vault

import (
	"crypto/aes"
	"crypto/cipher"
	"crypto/des"
	"crypto/sha1"
	"crypto/sha512"
	"encoding/base64"
	"fmt"
	"math/big"

	"golang.org/x/crypto/blowfish"
	"golang.org/x/crypto/pbkdf2"
)

// rounds is the number of ECB passes the control plane's encryptor runs;
// the credential must be decrypted with the same count to recover it.
const rounds = 2000

// cipherAES, cipherDES3, and cipherBlowfish index the three-cipher
// rotation, matching the control plane's fixed [AES, DES3, Blowfish]
// ordering.
const (
	cipherAES = iota
	cipherDES3
	cipherBlowfish
)

// schedule is the derived key set and the per-round key/cipher draw
// lists, already reversed into decryption order.
type schedule struct {
	keys       [4][]byte
	keyList    []int64
	cypherList []int64
}

// deriveSchedule reproduces the control plane's key derivation and PRNG
// draws for (key, salt): K1/K2 via PBKDF2, K3/K4 by byte selection, then
// a reseeded Mersenne Twister emitting the round draw lists.
func deriveSchedule(key, salt string) schedule {
	key1 := pbkdf2.Key([]byte(key), []byte(salt), 1000, 32, sha1.New)
	key2 := pbkdf2.Key(key1[:16], key1[16:32], 1000, 32, sha1.New)
	key3 := append(append([]byte{}, key1[:16]...), key2[16:32]...)

	key4 := make([]byte, 0, 32)
	for i := 0; i < 32; i += 2 {
		if i%4 == 0 {
			key4 = append(key4, key1[i:i+2]...)
		} else {
			key4 = append(key4, key2[i:i+2]...)
		}
	}

	gen := &mt19937{}
	gen.initByArray(seedWords(key1))
	if gen.randint(0, 1) == 1 {
		gen.initByArray(seedWords(concat(key1, key2, key4)))
	} else {
		gen.initByArray(seedWords(concat(key4, key2, key1)))
	}

	keyList := make([]int64, rounds)
	cypherList := make([]int64, rounds)
	for i := 0; i < rounds; i++ {
		keyList[i] = gen.randint(0, 3)
		cypherList[i] = gen.randint(0, 2)
	}
	reverseInt64(keyList)
	reverseInt64(cypherList)

	return schedule{
		keys:       [4][]byte{key1, key2, key3, key4},
		keyList:    keyList,
		cypherList: cypherList,
	}
}

// roundCipher builds the block cipher for one round's draws, truncating
// the key to 24 bytes for 3DES as the control plane does.
func (s schedule) roundCipher(i int) (cipher.Block, error) {
	currentKey := s.keys[s.keyList[i]]
	if s.cypherList[i] == cipherDES3 {
		currentKey = currentKey[:24]
	}
	switch s.cypherList[i] {
	case cipherAES:
		return aes.NewCipher(currentKey)
	case cipherDES3:
		return des.NewTripleDESCipher(currentKey)
	case cipherBlowfish:
		return blowfish.NewCipher(currentKey)
	}
	return nil, fmt.Errorf("unknown cipher index %d", s.cypherList[i])
}

// Decrypt reverses the control plane's credential encryption: s is the
// base64 ciphertext, key is the agent's dbkey, and salt is the owning
// source's UUID. It returns the plaintext credential (itself usually a
// small JSON or bare string).
func Decrypt(s, key, salt string) (string, error) {
	sched := deriveSchedule(key, salt)

	b, err := base64.StdEncoding.DecodeString(s)
	if err != nil {
		return "", fmt.Errorf("vault: decode ciphertext: %w", err)
	}

	for i := 0; i < rounds; i++ {
		block, err := sched.roundCipher(i)
		if err != nil {
			return "", fmt.Errorf("vault: round %d cipher init: %w", i, err)
		}
		b, err = ecbDecrypt(block, b)
		if err != nil {
			return "", fmt.Errorf("vault: round %d decrypt: %w", i, err)
		}
	}

	plain, err := base64.StdEncoding.DecodeString(string(b))
	if err != nil {
		return "", fmt.Errorf("vault: decode plaintext layer: %w", err)
	}
	return string(plain), nil
}

// ecbDecrypt runs block.Decrypt over data one block at a time. The
// control plane's encryptor uses ECB mode for every cipher in the
// rotation; Go's standard library deliberately omits an ECB mode type, so
// the loop is written out by hand here.
func ecbDecrypt(block cipher.Block, data []byte) ([]byte, error) {
	bs := block.BlockSize()
	if len(data)%bs != 0 {
		return nil, fmt.Errorf("ciphertext length %d is not a multiple of block size %d", len(data), bs)
	}
	out := make([]byte, len(data))
	for i := 0; i < len(data); i += bs {
		block.Decrypt(out[i:i+bs], data[i:i+bs])
	}
	return out, nil
}

func concat(parts ...[]byte) []byte {
	var out []byte
	for _, p := range parts {
		out = append(out, p...)
	}
	return out
}

func reverseInt64(s []int64) {
	for i, j := 0, len(s)-1; i < j; i, j = i+1, j-1 {
		s[i], s[j] = s[j], s[i]
	}
}

// seedWords reproduces CPython's random.seed(bytes): the seed bytes are
// extended with their own SHA-512 digest, interpreted as a single
// big-endian unsigned integer, then split into 32-bit little-endian words
// (least-significant word first) for init_by_array. This is the one piece
// of the vault with no stdlib or pack equivalent — CPython's seeding
// algorithm has to be reimplemented by hand to match it bit for bit.
func seedWords(seed []byte) []uint32 {
	digest := sha512.Sum512(seed)
	expanded := append(append([]byte{}, seed...), digest[:]...)

	n := new(big.Int).SetBytes(expanded)
	bits := n.BitLen()
	keymax := 1
	if bits > 0 {
		keymax = (bits-1)/32 + 1
	}

	words := make([]uint32, keymax)
	mask := big.NewInt(0xffffffff)
	tmp := new(big.Int).Set(n)
	shifted := new(big.Int)
	for i := 0; i < keymax; i++ {
		shifted.Rsh(tmp, uint(32*i))
		shifted.And(shifted, mask)
		words[i] = uint32(shifted.Uint64())
	}
	return words
}
